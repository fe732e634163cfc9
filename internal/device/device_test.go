package device_test

import (
	"errors"
	"testing"
	"time"

	"zeroflash/internal/device"
	"zeroflash/internal/dfu"
	"zeroflash/internal/services"
	"zeroflash/internal/updates"
)

func TestModeForProduct(t *testing.T) {
	if device.ModeForProduct(0x5740) != device.ModeNormal {
		t.Fatal("serial pid should be normal mode")
	}
	if device.ModeForProduct(0xdf11) != device.ModeRecovery {
		t.Fatal("dfu pid should be recovery mode")
	}
	if device.ModeForProduct(0x1234) != device.ModeUnknown {
		t.Fatal("other pid should be unknown")
	}
}

func TestApplyDeviceInfo(t *testing.T) {
	fields := map[string]string{
		"hardware_name":         "Ruvoel",
		"hardware_ver":          "12",
		"hardware_target":       "7",
		"hardware_body":         "9",
		"hardware_connect":      "6",
		"hardware_color":        "1",
		"firmware_version":      "0.99.1",
		"firmware_commit":       "a1b2c3d4",
		"firmware_branch":       "dev",
		"firmware_build_date":   "20-03-2024",
		"bootloader_version":    "0.50.0",
		"bootloader_branch":     "0.50.0-rc",
		"bootloader_build_date": "01-01-2023",
		"radio_alive":           "true",
		"radio_fus_major":       "1",
		"radio_fus_minor":       "2",
		"radio_fus_sub":         "0",
		"radio_stack_major":     "1",
		"radio_stack_minor":     "13",
		"radio_stack_sub":       "3",
		"radio_stack_type":      "3",
	}
	var info device.Info
	if err := info.ApplyDeviceInfo(fields); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if info.Name != "Ruvoel" || info.Hardware.Target != "f7" || info.Hardware.Body != "b9" || info.Hardware.Color != 1 {
		t.Fatalf("unexpected hardware %+v", info)
	}
	if info.Firmware.Channel != updates.ChannelDevelopment || info.Firmware.Identity() != "a1b2c3d4" {
		t.Fatalf("unexpected firmware %+v", info.Firmware)
	}
	if want := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC); !info.Firmware.Date.Equal(want) {
		t.Fatalf("firmware date = %v", info.Firmware.Date)
	}
	if info.Bootloader.Channel != updates.ChannelReleaseCandidate {
		t.Fatalf("bootloader channel = %s", info.Bootloader.Channel)
	}
	if info.Radio.Version != "1.13.3" || info.Radio.FUSVersion != "1.2.0" || info.Radio.StackType != 3 {
		t.Fatalf("unexpected radio %+v", info.Radio)
	}

	delete(fields, "hardware_name")
	if err := info.ApplyDeviceInfo(fields); err == nil {
		t.Fatal("expected missing hardware_name to fail")
	}
}

func TestRadioDeadLeavesVersionEmpty(t *testing.T) {
	var info device.Info
	if err := info.ApplyDeviceInfo(map[string]string{"hardware_name": "x", "radio_alive": "false", "radio_stack_major": "1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if info.Radio.Version != "" {
		t.Fatalf("radio version = %q", info.Radio.Version)
	}
	if !updates.CanUpdate(info.Firmware, info.Firmware, info.Status()) {
		t.Fatal("missing radio stack should force an update")
	}
}

func TestApplyFactoryInfo(t *testing.T) {
	info := device.Info{USB: device.USBInfo{ProductID: device.ProductIDDFU, SerialNumber: "0123"}}
	info.ApplyFactoryInfo(dfu.FactoryInfo{HWVersion: 12, HWTarget: 7, HWBody: 9, HWConnect: 6, Region: 2, Name: "Ruvoel"})
	if info.Name != "Ruvoel" || info.Hardware.Target != "f7" || info.Hardware.Region != "us_ca_au" {
		t.Fatalf("unexpected info %+v", info)
	}
	if !info.Recovery() || info.Location() != "S/N:0123" {
		t.Fatalf("unexpected mode %s location %s", info.Mode(), info.Location())
	}
}

func TestStateErrorMustBeCleared(t *testing.T) {
	state := device.NewState(device.Info{Name: "a"})
	first := services.Wrap(services.ErrRecoveryAccess, "dfu", "erase", "", nil)

	if err := state.SetError(first); err != nil {
		t.Fatalf("first error refused: %v", err)
	}
	if err := state.Ready(); !errors.Is(err, services.ErrDeviceBusy) {
		t.Fatalf("Ready = %v", err)
	}
	if err := state.SetError(errors.New("second")); !errors.Is(err, services.ErrDeviceBusy) {
		t.Fatalf("second SetError = %v", err)
	}
	kind, msg, ok := state.Error()
	if !ok || kind != services.KindRecoveryAccess || msg != first.Error() {
		t.Fatalf("error = %s %q %v", kind, msg, ok)
	}

	state.ClearError()
	if err := state.Ready(); err != nil {
		t.Fatalf("Ready after clear = %v", err)
	}
	if err := state.SetError(errors.New("second")); err != nil {
		t.Fatalf("SetError after clear = %v", err)
	}
}

func TestStateReplacesInfoWholesale(t *testing.T) {
	state := device.NewState(device.Info{Name: "old", Port: "/dev/ttyACM0"})
	var seen []device.Snapshot
	state.Subscribe(func(s device.Snapshot) { seen = append(seen, s) })

	state.SetInfo(device.Info{Name: "new"})
	if got := state.Info(); got.Name != "new" || got.Port != "" {
		t.Fatalf("info = %+v", got)
	}
	state.SetStreaming(true)
	state.SetPersistent(true)
	if len(seen) != 3 || !seen[2].Persistent || !seen[2].Streaming {
		t.Fatalf("listener saw %+v", seen)
	}
}
