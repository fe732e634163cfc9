package testsupport

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"zeroflash/internal/device"
	"zeroflash/internal/deviceops"
	"zeroflash/internal/dfu"
	"zeroflash/internal/eventloop"
	"zeroflash/internal/rpc"
	"zeroflash/internal/toplevel"
)

// Identity of the rig device.
const (
	RigSerial = "FZ0001"
	RigPort   = "/dev/ttyFAKE0"
	// RigName fits the eight bytes the factory block holds.
	RigName = "Rigel42"
)

// RigFactoryInfo is the factory block of the rig bootloader.
var RigFactoryInfo = dfu.FactoryInfo{
	Version:   2,
	Timestamp: time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC),
	HWVersion: 12,
	HWTarget:  7,
	HWBody:    9,
	HWConnect: 6,
	Color:     1,
	Region:    2,
	Name:      RigName,
}

// FakeBus is a usb.Lister over a fixed set of devices whose mode tests flip.
type FakeBus struct {
	mu      sync.Mutex
	devices map[string]device.USBInfo
	scans   int
	Err     error
}

// NewFakeBus returns an empty bus.
func NewFakeBus() *FakeBus {
	return &FakeBus{devices: make(map[string]device.USBInfo)}
}

// USBInfo describes the rig device enumerated in mode.
func USBInfo(serial string, mode device.Mode) device.USBInfo {
	info := device.USBInfo{
		VendorID:     device.VendorID,
		ProductID:    device.ProductIDSerial,
		SerialNumber: serial,
		Manufacturer: "Flipper Devices Inc.",
		Product:      "Flipper Zero",
		DevNode:      "/dev/bus/usb/001/004",
	}
	if mode == device.ModeRecovery {
		info.ProductID = device.ProductIDDFU
		info.Product = "DFU in FS Mode"
	}
	return info
}

// Plug attaches a device.
func (b *FakeBus) Plug(info device.USBInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[strings.ToUpper(info.SerialNumber)] = info
}

// Unplug detaches the device with serial.
func (b *FakeBus) Unplug(serial string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, strings.ToUpper(serial))
}

// SetMode re-enumerates the device with serial in mode.
func (b *FakeBus) SetMode(serial string, mode device.Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[strings.ToUpper(serial)] = USBInfo(serial, mode)
}

// Mode returns the current mode of serial, or ModeUnknown when absent.
func (b *FakeBus) Mode(serial string) device.Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.devices[strings.ToUpper(serial)]
	if !ok {
		return device.ModeUnknown
	}
	return info.Mode()
}

// Scans counts Devices calls.
func (b *FakeBus) Scans() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scans
}

// Devices implements usb.Lister.
func (b *FakeBus) Devices(ctx context.Context) ([]device.USBInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scans++
	if b.Err != nil {
		return nil, b.Err
	}
	out := make([]device.USBInfo, 0, len(b.devices))
	for _, info := range b.devices {
		out = append(out, info)
	}
	return out, nil
}

// Bench is one emulated device and the bus it enumerates on, with link
// options that reach it. Callers build their own loop and link around it.
type Bench struct {
	Device  *FakeDevice
	DFU     *FakeDFU
	Bus     *FakeBus
	WorkDir string
	Options toplevel.LinkOptions
}

// NewBench plugs the device into a fresh bus in mode. Entering DFU from the
// command line or by reboot moves it to recovery; leaving DFU moves it back.
func NewBench(t testing.TB, mode device.Mode) *Bench {
	t.Helper()
	b := &Bench{
		Device:  NewFakeDevice(),
		DFU:     NewFakeDFU(RigFactoryInfo),
		Bus:     NewFakeBus(),
		WorkDir: t.TempDir(),
	}
	b.Bus.Plug(USBInfo(RigSerial, mode))
	b.Device.OnCLI = func(cmd string) {
		if cmd == "dfu" {
			b.Bus.SetMode(RigSerial, device.ModeRecovery)
		}
	}
	b.Device.OnReboot = func(m rpc.RebootMode) {
		if m == rpc.RebootDFU {
			b.Bus.SetMode(RigSerial, device.ModeRecovery)
		}
	}
	b.DFU.OnLeave = func() { b.Bus.SetMode(RigSerial, device.ModeNormal) }

	b.Options = toplevel.LinkOptions{
		Bus: b.Bus,
		FindPort: func(serial string) (string, error) {
			if b.Bus.Mode(serial) != device.ModeNormal {
				return "", nil
			}
			return RigPort, nil
		},
		OpenPort: func(string) (rpc.Port, error) {
			b.Device.Reopen()
			return b.Device, nil
		},
		OpenDFU: func(device.USBInfo) dfu.Opener { return b.DFU.Opener() },
		DFU:     dfu.Options{TransferSize: b.DFU.TransferSize, Sleep: func(context.Context, time.Duration) error { return nil }},
		Session: rpc.Options{StartTimeout: 500 * time.Millisecond, DrainTimeout: 50 * time.Millisecond},
		Timing: toplevel.Timing{
			DeviceWait: 2 * time.Second,
			PortPoll:   2 * time.Millisecond,
			PortTries:  50,
			Settle:     time.Millisecond,
		},
		WorkDir: b.WorkDir,
	}
	return b
}

// Info is what a probe of the bench device in mode would publish.
func (b *Bench) Info(t testing.TB, mode device.Mode) device.Info {
	t.Helper()
	info := device.Info{USB: USBInfo(RigSerial, mode)}
	if mode == device.ModeRecovery {
		info.ApplyFactoryInfo(RigFactoryInfo)
		return info
	}
	b.Device.Lock()
	fields := make(map[string]string, len(b.Device.Info))
	for _, pair := range b.Device.Info {
		fields[pair.Key] = pair.Value
	}
	b.Device.Unlock()
	if err := info.ApplyDeviceInfo(fields); err != nil {
		t.Fatalf("apply device info: %v", err)
	}
	info.Storage.ExternalPresent = true
	return info
}

// Rig is a bench wired to a running loop and Link.
type Rig struct {
	*Bench
	Loop   *eventloop.Loop
	State  *device.State
	Client *deviceops.Client
	Link   *toplevel.Link
}

// NewRig builds a rig with the device attached in mode. A normal-mode rig
// has its serial port open and the RPC session up.
func NewRig(t testing.TB, mode device.Mode) *Rig {
	t.Helper()
	r := &Rig{
		Bench: NewBench(t, mode),
		Loop:  StartLoop(t),
	}
	r.State = device.NewState(r.Info(t, mode))
	r.Client = deviceops.NewClient(r.Loop, nil, time.Second, nil)
	r.Link = toplevel.NewLink(r.Loop, r.State, r.Client, r.Options, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Loop.Call(ctx, r.Link.Detach)
	})

	if mode == device.ModeNormal {
		if err := Run(t, r.Loop, r.Link.Connect()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	return r
}
