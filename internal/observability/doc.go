// Package observability owns process logging setup, prometheus collectors
// and the admin HTTP router.
//
// Ownership boundary:
// - logger initialization for binaries
// - compile service and admin HTTP metrics
// - /health, /ready, /status and /metrics routes
package observability
