// Package toolchain is the native cross-compiler for the stack IR.
//
// Ownership boundary:
// - IR and header parsing, preprocessing and declaration checking
// - assembly of IR functions into objfile objects
// - resident sessions that keep parsed headers between compiles
// - the irc command line driver
//
// IR is line oriented. Directives start with a dot:
//
//	.include "prelude.irh"
//	.extern core/+ -1
//	.global app.db/conn
//	.var user/x
//	.func user/f 1 2
//	  load 0
//	  call core/inc 1
//	  ret
//	.end
//
// Headers (.irh) may only declare. Every called function and every
// referenced variable must be declared before the unit is emitted.
package toolchain
