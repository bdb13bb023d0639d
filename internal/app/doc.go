// Package app wires the license server together and manages its lifecycle.
//
// Initialization order: configuration, logging, OpenTelemetry, the backing
// store, the domain components (ledger, revocation authority, tier resolver,
// token codec), the service layer, and finally the chi router and HTTP
// server. All dependencies are injected at startup; nothing reaches for
// globals after construction.
//
// Shutdown handles SIGINT and SIGTERM: the HTTP server drains in-flight
// requests within the configured shutdown timeout, then the store pool and
// telemetry providers are closed.
package app
