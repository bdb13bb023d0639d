// Package license implements the activation and entitlement engine for the
// PhotoBatch Pro license server. It decides, per (license key, device) pair,
// whether an activation is permitted under the per-license device cap,
// maintains the authoritative activation state machine, issues and validates
// offline-capable signed tokens, resolves license-tier entitlements from key
// structure, and enforces revocation atomically across all devices.
//
// # Components
//
//	- Ledger: authoritative per-(license, device) activation state and cap enforcement
//	- Authority: license-wide revocation with atomic cascade
//	- TokenCodec: HMAC-signed, time-bounded offline activation tokens
//	- Tier resolution: pure functions mapping key structure to entitlements
//
// # Concurrency
//
// Every mutation runs inside a store transaction serialized per license key
// (Postgres advisory transaction lock, or a per-key mutex for the in-memory
// store). The revocation veto is re-checked inside the same transactional
// boundary as the device-cap count so a revocation committed mid-flight is
// never missed, and two racing activations can never both slip under the cap.
//
// # Offline trust window
//
// Token validation is deliberately stateless: a signed token proves the device
// was authorized as of issuance and remains trusted until its expiry, even if
// the key is revoked in the interim. Live revocation is only observed on the
// next online verification. Callers that need immediate revocation semantics
// must re-check the Authority out of band.
package license
