// Package eventloop provides the single logical thread every device operation
// runs on.
//
// Work reaches the loop through Post (deferred, FIFO) or AfterFunc (timers).
// Blocking I/O such as serial reads or USB control transfers happens on helper
// goroutines that post their results back, so operation state is only ever
// touched by the goroutine running Loop.Run.
package eventloop
