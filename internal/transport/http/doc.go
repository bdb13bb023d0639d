// Package http contains the chi HTTP handlers for the license server API.
//
// Handlers translate between the wire format and the service layer: request
// decoding and validation via render.Binder, error mapping to RFC 7807
// problem responses, and trace correlation through the request context.
// Business semantics live in the services and license packages; nothing in
// this package touches the store directly.
package http
