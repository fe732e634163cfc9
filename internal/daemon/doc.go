// Package daemon coordinates the long-running zeroflash process.
//
// It holds the single-instance lock, keeps the device controller open while
// the device is attached, and feeds hot-plug events from the udev monitor
// into it so the published device info follows reconnects. Operations
// requested over IPC run through the same controller, so the daemon and the
// CLI never drive the device at once.
//
// Keep orchestration here: device protocol work belongs in the controller
// and the packages below it.
package daemon
