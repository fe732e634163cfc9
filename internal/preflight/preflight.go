package preflight

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"zeroflash/internal/config"
	"zeroflash/internal/device"
	"zeroflash/internal/usb"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Options supplies the hardware lookups. Either may be nil to skip the
// checks that need it.
type Options struct {
	Bus      usb.Lister
	FindPort func(serial string) (string, error)
}

// RunAll executes the directory checks and, when a bus is given, the device
// checks for the configured serial filter.
func RunAll(ctx context.Context, cfg *config.Config, opts Options) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckDirectoryAccess("Backup directory", cfg.Paths.BackupDir),
	}
	if opts.Bus == nil {
		return results
	}
	found, result := CheckDevice(ctx, opts.Bus, cfg.Device.SerialNumber)
	results = append(results, result)
	if result.Passed && found.Mode() == device.ModeNormal && opts.FindPort != nil {
		results = append(results, checkPort(found.SerialNumber, opts.FindPort))
	}
	return results
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckDevice reports whether exactly one device matching serial is attached.
func CheckDevice(ctx context.Context, bus usb.Lister, serial string) (device.USBInfo, Result) {
	devices, err := bus.Devices(ctx)
	if err != nil {
		return device.USBInfo{}, Result{Name: "Device", Detail: fmt.Sprintf("list usb devices: %v", err)}
	}
	found, err := usb.Select(devices, serial)
	if err != nil {
		return device.USBInfo{}, Result{Name: "Device", Detail: err.Error()}
	}
	return found, Result{
		Name:   "Device",
		Passed: true,
		Detail: fmt.Sprintf("%s (%s mode)", found.SerialNumber, found.Mode()),
	}
}

// CheckPortAccess verifies the serial port can be opened for reading and
// writing by the current user.
func CheckPortAccess(name, port string) Result {
	if err := unix.Access(port, unix.R_OK|unix.W_OK); err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", port)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v; is the user in the dialout group?)", port, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", port)}
}

func checkPort(serial string, findPort func(string) (string, error)) Result {
	port, err := findPort(serial)
	if err != nil {
		return Result{Name: "Serial port", Detail: fmt.Sprintf("lookup failed: %v", err)}
	}
	if port == "" {
		return Result{Name: "Serial port", Detail: "no serial port for " + serial + " yet"}
	}
	return CheckPortAccess("Serial port", port)
}
