// Package backend turns IR units into relocatable object bytes.
//
// Two strategies share one contract. Transient writes each unit to a scratch
// file and runs the toolchain driver once per request. Resident keeps a
// toolchain session alive for the life of the service, so shared headers are
// parsed once and objects never touch the disk.
package backend
