//go:build !linux

package dfu

import (
	"errors"
	"runtime"
)

// OpenUSBFS is only available on Linux.
func OpenUSBFS(devnode string) (Transport, error) {
	return nil, errors.New("usbfs transport is not supported on " + runtime.GOOS)
}
