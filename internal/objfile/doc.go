// Package objfile owns the relocatable object format produced by the irc
// toolchain and the in-process loader that links and runs it.
//
// Ownership boundary:
// - object encoding (msgpack) and validation
// - symbol tables for functions and variables across loaded modules
// - the stack machine that executes loaded functions
// - host builtins for the core namespace
//
// Loading is two-phase. Load registers a module's definitions without
// resolving its references. Lookup and Invoke resolve references against
// everything loaded so far, so modules of one require can be loaded in any
// order before the first entry runs.
package objfile
