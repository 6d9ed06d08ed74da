// Package session owns compile-session state shared by client and service.
//
// Ownership boundary:
// - transport timeouts and reconnect backoff
// - client connection state machine
// - per-connection dependency set held by the service
//
// A session is exactly one connection. Nothing here survives a reconnect:
// the client restarts request ids at 1 and the service starts an empty
// dependency set.
package session
