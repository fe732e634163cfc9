// Package operation implements the asynchronous operation state machine and
// the FIFO runner that serializes operations against one device.
//
// An operation moves Ready → Running → Finished or Failed, optionally passing
// through its own stages numbered from User. Start never completes the
// operation synchronously; the body is posted to the event loop. The terminal
// event fires exactly once and finishing twice panics.
//
// The Runner starts queued operations one at a time. Success schedules the
// next item with a deferred post; failure aborts every pending item without
// running it and records the error.
package operation
