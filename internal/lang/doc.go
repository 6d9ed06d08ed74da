// Package lang is the reference front end of the compile service: a small
// Lisp reader, a namespace runtime with a module loader, and a code
// generator that emits stack IR for the irc toolchain.
//
// Ownership boundary:
// - reading source text into forms
// - namespaces, their definitions, aliases and native header includes
// - loading namespace sources from module paths in dependency order
// - the current-namespace binding used while analyzing a request
// - translating forms into IR units
//
// The runtime never executes user code. Loading a namespace registers its
// definitions so later units can be analyzed against them; execution
// happens wherever the emitted objects are loaded.
package lang
