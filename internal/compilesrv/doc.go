// Package compilesrv is the compile service: it turns source fragments and
// namespaces into relocatable objects for a remote evaluator.
//
// Orchestrator holds the request semantics and does no I/O of its own.
// Service accepts connections and runs the line protocol, one connection at
// a time, with a fresh dependency set per connection.
package compilesrv
