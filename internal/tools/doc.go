// Package tools provides process helpers shared by the compile backends.
//
// Ownership boundary:
// - external command execution with captured output and exit codes
package tools
