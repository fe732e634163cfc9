// Package probe identifies an attached device. In normal mode it talks RPC
// to read versions, storage status, and the clock; in recovery mode the only
// identity is the factory block in OTP memory.
package probe

import (
	"context"
	"time"

	"zeroflash/internal/device"
	"zeroflash/internal/deviceops"
	"zeroflash/internal/dfu"
	"zeroflash/internal/logging"
	"zeroflash/internal/operation"
	"zeroflash/internal/services"
	"zeroflash/internal/toplevel"
	"zeroflash/internal/usb"
)

const component = "probe"

// Options tunes a probe.
type Options struct {
	// MaxClockSkew is the drift logged as a warning before the clock is set.
	MaxClockSkew time.Duration
	// Now supplies the host time the device clock is set to.
	Now func() time.Time
	// KeepSession leaves the RPC session up when the probe ends.
	KeepSession bool
}

// Discover finds the device to drive on the bus.
func Discover(ctx context.Context, bus usb.Lister, serial string) (device.USBInfo, error) {
	devices, err := bus.Devices(ctx)
	if err != nil {
		return device.USBInfo{}, services.Wrap(services.ErrInvalidDevice, component, "discover", "list usb devices", err)
	}
	return usb.Select(devices, serial)
}

// Probe returns the flow matching the mode the device is enumerated in.
func Probe(l *toplevel.Link, opts Options) *toplevel.Sequence {
	if l.Recovery() {
		return Recovery(l)
	}
	return Normal(l, opts)
}

// Normal reads a normal-mode device: it connects, collects device info and
// storage status, checks and sets the clock, and stops the session again
// unless asked to keep it. The result replaces the published info wholesale.
func Normal(l *toplevel.Link, opts Options) *toplevel.Sequence {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := l.Client()
	var (
		info      device.Info
		deviceInf *deviceops.DeviceInfo
		extInfo   *deviceops.StorageInfo
		manifest  *deviceops.StorageStat
		clock     *deviceops.GetDateTime
	)
	logger := logging.NewComponentLogger(l.Logger(), component)

	seq := toplevel.NewSequence(l.Loop(), "probe device", l.Logger())
	seq.Append(
		toplevel.Stage{Name: "connecting", Action: func() (operation.Operation, error) {
			if l.SessionUp() {
				return nil, nil
			}
			return l.Connect(), nil
		}},
		toplevel.Stage{Name: "reading device info", Action: func() (operation.Operation, error) {
			deviceInf = client.DeviceInfo()
			return deviceInf, nil
		}},
		toplevel.Stage{Name: "applying device info", Action: toplevel.Sync(func() error {
			current := l.State().Info()
			info = device.Info{USB: current.USB, Port: current.Port}
			if err := info.ApplyDeviceInfo(deviceInf.Fields()); err != nil {
				return services.Wrap(services.ErrInvalidDevice, component, "device info", "", err)
			}
			return nil
		})},
		toplevel.Stage{Name: "checking external storage", Action: func() (operation.Operation, error) {
			extInfo = client.StorageInfo(toplevel.ExternalRoot)
			return toplevel.Optional(l.Loop(), extInfo, func(err error) {
				info.Storage.ExternalPresent = err == nil
				if err != nil {
					logger.Debug("external storage not available", logging.Error(err))
					return
				}
				if total := extInfo.TotalSpace(); total > 0 {
					info.Storage.ExternalFree = int(extInfo.FreeSpace() * 100 / total)
				}
			}), nil
		}},
		toplevel.Stage{
			Name: "checking assets",
			Skip: func() bool { return !info.Storage.ExternalPresent },
			Action: func() (operation.Operation, error) {
				manifest = client.StorageStat(toplevel.AssetsManifest)
				return manifest, nil
			},
		},
		toplevel.Stage{Name: "reading clock", Action: func() (operation.Operation, error) {
			info.Storage.AssetsInstalled = manifest != nil && manifest.Exists()
			clock = client.GetDateTime()
			return clock, nil
		}},
		toplevel.Stage{Name: "setting clock", Action: func() (operation.Operation, error) {
			now := opts.Now()
			skew := now.Sub(clock.Time(now.Location()))
			if skew < 0 {
				skew = -skew
			}
			if opts.MaxClockSkew > 0 && skew > opts.MaxClockSkew {
				logger.Warn("device clock drifted",
					logging.Duration("skew", skew),
					logging.String(logging.FieldDevice, info.USB.SerialNumber),
					logging.String(logging.FieldEventType, "clock_skew"),
					logging.String(logging.FieldErrorHint, "the device clock battery may be flat"),
					logging.String(logging.FieldImpact, "clock is corrected now"),
				)
			}
			return client.SetDateTime(now), nil
		}},
		toplevel.Stage{Name: "publishing", Action: toplevel.Sync(func() error {
			l.State().SetInfo(info)
			logger.Info("device identified",
				logging.String(logging.FieldDevice, info.USB.SerialNumber),
				logging.String("name", info.Name),
				logging.String("firmware", info.Firmware.Version),
				logging.String("channel", info.Firmware.Channel.String()),
				logging.String("radio", info.Radio.Version),
				logging.Bool("external_storage", info.Storage.ExternalPresent),
				logging.Bool("assets_installed", info.Storage.AssetsInstalled),
			)
			return nil
		})},
		toplevel.Stage{
			Name: "stopping session",
			Skip: func() bool { return opts.KeepSession },
			Action: func() (operation.Operation, error) {
				return client.StopSession(), nil
			},
		},
	)
	return seq
}

// Recovery reads the factory block of a device in DFU mode inside one
// transaction.
func Recovery(l *toplevel.Link) *toplevel.Sequence {
	var factory dfu.FactoryInfo
	logger := logging.NewComponentLogger(l.Logger(), component)
	seq := toplevel.NewSequence(l.Loop(), "probe recovery device", l.Logger())
	seq.Append(
		toplevel.Stage{Name: "reading factory info", Action: func() (operation.Operation, error) {
			return dfu.NewOperation(l.Loop(), l.Driver(), "read factory info", func(ctx context.Context, d *dfu.Driver) error {
				var err error
				factory, err = d.ReadFactoryInfo(ctx)
				return err
			}), nil
		}},
		toplevel.Stage{Name: "publishing", Action: toplevel.Sync(func() error {
			info := device.Info{USB: l.State().Info().USB}
			info.ApplyFactoryInfo(factory)
			l.State().SetInfo(info)
			logger.Info("recovery device identified",
				logging.String(logging.FieldDevice, info.USB.SerialNumber),
				logging.String("name", info.Name),
				logging.String("target", info.Hardware.Target),
				logging.String("region", info.Hardware.Region),
			)
			return nil
		})},
	)
	return seq
}
