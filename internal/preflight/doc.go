// Package preflight provides readiness checks for the filesystem paths and
// hardware access zeroflash depends on.
//
// The CLI "zeroflash status" command runs them to explain why an operation
// would fail before one is attempted: a state or backup directory that is
// not writable, no device on the bus, or a serial port the user may not open.
package preflight
