// Package main hosts the zeroflash CLI entrypoint and command graph.
//
// Commands that touch the device go through the daemon when one is listening
// on the socket, since the daemon holds the device lock. Without a daemon
// they open the device in-process for the duration of the command. Either way
// the same controller runs the operation, records it in the history, and
// reports stages back for display.
package main
