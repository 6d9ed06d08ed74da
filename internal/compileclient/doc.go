// Package compileclient is the evaluator side of the compile protocol: one
// connection, one request in flight, responses matched by id.
package compileclient
