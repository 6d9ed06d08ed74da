// Package remoteeval evaluates source on a host that cannot generate code at
// run time. Source goes to a compile service, the relocatable objects that
// come back are loaded into the running image, and their entry functions are
// invoked.
package remoteeval
