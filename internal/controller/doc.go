// Package controller drives one attached device on behalf of the CLI and the
// daemon.
//
// A Controller locks the device against other zeroflash processes, runs an
// event loop with the RPC session and the operation runner on it, and
// publishes the device state. Top-level operations run through Run, which
// hands the screen stream off around them, records them in the history, and
// latches the first failure on the device until ClearError.
package controller
