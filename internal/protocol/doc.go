// Package protocol owns the compile service wire contract.
//
// Ownership boundary:
// - request/response envelopes and op names
// - newline-delimited JSON codec
// - error kinds carried by error responses
//
// Every message is one JSON object on one line. Object bytes travel as
// base64 strings. A connection is strictly request/response: the client
// sends one request and waits for the response carrying the same id.
package protocol
