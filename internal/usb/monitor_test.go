package usb

import (
	"context"
	"testing"

	"github.com/pilebones/go-udev/netlink"

	"zeroflash/internal/device"
)

func TestInfoFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		ok   bool
		want device.USBInfo
	}{
		{
			name: "serial mode",
			env:  map[string]string{"PRODUCT": "483/5740/200", "DEVNAME": "bus/usb/001/007"},
			ok:   true,
			want: device.USBInfo{VendorID: 0x0483, ProductID: 0x5740, DevNode: "/dev/bus/usb/001/007"},
		},
		{
			name: "dfu mode",
			env:  map[string]string{"PRODUCT": "483/df11/200"},
			ok:   true,
			want: device.USBInfo{VendorID: 0x0483, ProductID: 0xdf11},
		},
		{name: "missing product", env: map[string]string{}, ok: false},
		{name: "garbage", env: map[string]string{"PRODUCT": "zz/df11/200"}, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := infoFromEnv(tt.env)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMonitorTranslatesEvents(t *testing.T) {
	var seen []Event
	m := NewMonitor(0x0483, nil, func(_ context.Context, ev Event) { seen = append(seen, ev) })

	events := []netlink.UEvent{
		{Action: netlink.ADD, KObj: "/devices/pci0000:00/usb1/1-2", Env: map[string]string{"PRODUCT": "483/df11/200"}},
		{Action: netlink.REMOVE, KObj: "/devices/pci0000:00/usb1/1-2", Env: map[string]string{"PRODUCT": "483/5740/200"}},
		{Action: netlink.CHANGE, KObj: "/devices/x", Env: map[string]string{"PRODUCT": "483/5740/200"}},
		{Action: netlink.ADD, KObj: "/devices/y", Env: map[string]string{"PRODUCT": "483/1234/200"}},
	}
	for _, uevent := range events {
		if ev, ok := m.toEvent(uevent); ok {
			m.dispatch(context.Background(), ev)
		}
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 events, got %+v", seen)
	}
	if seen[0].Action != ActionAdd || seen[0].USB.Mode() != device.ModeRecovery || seen[0].USB.SysPath != "/sys/devices/pci0000:00/usb1/1-2" {
		t.Fatalf("unexpected add event %+v", seen[0])
	}
	if seen[1].Action != ActionRemove || seen[1].USB.Mode() != device.ModeNormal {
		t.Fatalf("unexpected remove event %+v", seen[1])
	}
}

func TestMonitorNilAndUnstarted(t *testing.T) {
	var nilMonitor *Monitor
	nilMonitor.Stop()
	if nilMonitor.Running() {
		t.Fatal("nil monitor should not be running")
	}
	if err := nilMonitor.Start(context.Background()); err != nil {
		t.Fatalf("Start on nil monitor: %v", err)
	}

	m := NewMonitor(0x0483, nil, nil)
	m.Stop()
	if m.Running() {
		t.Fatal("unstarted monitor should not be running")
	}
}
