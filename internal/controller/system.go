package controller

import (
	"context"
	"log/slog"

	"zeroflash/internal/config"
	"zeroflash/internal/device"
	"zeroflash/internal/dfu"
	"zeroflash/internal/rpc"
	"zeroflash/internal/toplevel"
	"zeroflash/internal/usb"
)

// TimingFromConfig collects the mode-switch waits from cfg.
func TimingFromConfig(cfg *config.Config) toplevel.Timing {
	return toplevel.Timing{
		DeviceWait: cfg.DeviceWaitTimeout(),
		PortPoll:   cfg.PortPollInterval(),
		PortTries:  cfg.Timeouts.PortPollTries,
		Settle:     cfg.SettleDelay(),
		MinBackup:  cfg.MinBackupDuration(),
	}
}

// SystemLinkOptions reaches real hardware: udev for enumeration, the serial
// port enumerator for the normal-mode port, and usbfs for the bootloader.
func SystemLinkOptions(cfg *config.Config, logger *slog.Logger) toplevel.LinkOptions {
	vendorID := uint16(cfg.Device.VendorID)
	baudRate := cfg.Device.BaudRate
	return toplevel.LinkOptions{
		Bus: usb.NewScanner(vendorID, logger),
		FindPort: func(serial string) (string, error) {
			return usb.PortForSerial(vendorID, serial)
		},
		OpenPort: func(name string) (rpc.Port, error) {
			return rpc.OpenSerial(name, baudRate)
		},
		OpenDFU: func(info device.USBInfo) dfu.Opener {
			devnode := info.DevNode
			return func(context.Context) (dfu.Transport, error) {
				return dfu.OpenUSBFS(devnode)
			}
		},
		DFU: dfu.Options{
			Interface:    uint8(cfg.DFU.Interface),
			TransferSize: cfg.DFU.TransferSize,
		},
		Session: rpc.Options{
			StartTimeout: cfg.SessionStartTimeout(),
			DrainTimeout: cfg.DrainTimeout(),
		},
		Timing:  TimingFromConfig(cfg),
		WorkDir: cfg.Paths.StateDir,
	}
}
