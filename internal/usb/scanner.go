// Package usb finds the device on the bus. Enumeration walks sysfs through
// go-udev, serial ports are matched with the go.bug.st enumerator, and
// hot-plug events arrive over the udev netlink socket.
package usb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pilebones/go-udev/crawler"
	"github.com/pilebones/go-udev/netlink"
	"go.bug.st/serial/enumerator"

	"zeroflash/internal/device"
	"zeroflash/internal/logging"
	"zeroflash/internal/services"
)

// Lister returns the devices currently on the bus.
type Lister interface {
	Devices(ctx context.Context) ([]device.USBInfo, error)
}

// Scanner enumerates USB devices of one vendor through sysfs.
type Scanner struct {
	vendorID uint16
	logger   *slog.Logger
}

// NewScanner returns a scanner for vendorID.
func NewScanner(vendorID uint16, logger *slog.Logger) *Scanner {
	return &Scanner{
		vendorID: vendorID,
		logger:   logging.NewComponentLogger(logger, "usb-scanner"),
	}
}

func (s *Scanner) matcher() netlink.Matcher {
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Env: map[string]string{
			"SUBSYSTEM": "usb",
			"DEVTYPE":   "usb_device",
			"PRODUCT":   fmt.Sprintf("^%x/", s.vendorID),
		},
	})
	return rules
}

// Devices walks sysfs and returns every matching device whose product id is a
// known mode.
func (s *Scanner) Devices(ctx context.Context) ([]device.USBInfo, error) {
	queue := make(chan crawler.Device)
	errs := make(chan error, 1)
	quit := crawler.ExistingDevices(queue, errs, s.matcher())

	var found []device.USBInfo
	for {
		select {
		case <-ctx.Done():
			select {
			case quit <- struct{}{}:
			default:
			}
			go drain(queue, errs)
			return nil, ctx.Err()
		case err := <-errs:
			s.logger.Debug("sysfs crawl error", logging.Error(err))
		case dev, ok := <-queue:
			if !ok {
				return found, nil
			}
			info, ok := infoFromEnv(dev.Env)
			if !ok || info.Mode() == device.ModeUnknown {
				continue
			}
			info.SysPath = dev.KObj
			info.SerialNumber = readAttr(dev.KObj, "serial")
			info.Manufacturer = readAttr(dev.KObj, "manufacturer")
			info.Product = readAttr(dev.KObj, "product")
			found = append(found, info)
		}
	}
}

// infoFromEnv decodes PRODUCT=vid/pid/bcd and DEVNAME from a uevent.
func infoFromEnv(env map[string]string) (device.USBInfo, bool) {
	parts := strings.Split(env["PRODUCT"], "/")
	if len(parts) < 2 {
		return device.USBInfo{}, false
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return device.USBInfo{}, false
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return device.USBInfo{}, false
	}
	info := device.USBInfo{VendorID: uint16(vid), ProductID: uint16(pid)}
	if name := env["DEVNAME"]; name != "" {
		if !strings.HasPrefix(name, "/") {
			name = "/dev/" + name
		}
		info.DevNode = name
	}
	return info, true
}

func readAttr(dir, name string) string {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// Select picks the device to drive. An empty serial selects the first device;
// more than one candidate without a serial filter is ambiguous.
func Select(devices []device.USBInfo, serial string) (device.USBInfo, error) {
	var matches []device.USBInfo
	for _, d := range devices {
		if serial == "" || strings.EqualFold(d.SerialNumber, serial) {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		if serial == "" {
			return device.USBInfo{}, services.Wrap(services.ErrInvalidDevice, "usb", "select", "no device attached", nil)
		}
		return device.USBInfo{}, services.Wrap(services.ErrInvalidDevice, "usb", "select", "no device with serial "+serial, nil)
	case 1:
		return matches[0], nil
	default:
		return device.USBInfo{}, services.Wrap(services.ErrInvalidDevice, "usb", "select",
			fmt.Sprintf("%d devices attached; pick one with --serial", len(matches)), nil)
	}
}

// WaitFor polls l until a device with serial shows up in mode, or ctx ends.
func WaitFor(ctx context.Context, l Lister, serial string, mode device.Mode, interval time.Duration) (device.USBInfo, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		devices, err := l.Devices(ctx)
		if err == nil {
			for _, d := range devices {
				if d.Mode() == mode && strings.EqualFold(d.SerialNumber, serial) {
					return d, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return device.USBInfo{}, services.Wrap(services.ErrInvalidDevice, "usb", "wait",
				fmt.Sprintf("device %s did not appear in %s mode", serial, mode), services.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// PortForSerial returns the serial port backed by the USB device with the
// given serial number, or "" when none is present yet.
func PortForSerial(vendorID uint16, serial string) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", services.Wrap(services.ErrInvalidDevice, "usb", "list serial ports", "", err)
	}
	vid := fmt.Sprintf("%04x", vendorID)
	for _, p := range ports {
		if !p.IsUSB || !strings.EqualFold(p.VID, vid) {
			continue
		}
		if strings.EqualFold(p.SerialNumber, serial) {
			return p.Name, nil
		}
	}
	return "", nil
}

// drain lets an abandoned crawl run to completion.
func drain(queue <-chan crawler.Device, errs <-chan error) {
	for {
		select {
		case _, ok := <-queue:
			if !ok {
				return
			}
		case <-errs:
		}
	}
}
