// Package services contains the entitlement engine: the orchestration layer
// composing the authenticity oracle, the revocation authority, the
// activation ledger, tier resolution, and the offline token codec into the
// activate / verify / revoke operations the transport layer exposes. The
// engine never persists state itself; all mutation happens inside the
// ledger and the authority.
package services
