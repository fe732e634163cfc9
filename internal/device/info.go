// Package device holds what is known about the attached device: an immutable
// Info snapshot gathered by a probe, and the mutable State the controller
// publishes to the CLI and daemon clients.
package device

import (
	"fmt"
	"strconv"
	"strings"

	"zeroflash/internal/dfu"
	"zeroflash/internal/updates"
)

// USB identifiers.
const (
	VendorID        uint16 = 0x0483
	ProductIDSerial uint16 = 0x5740
	ProductIDDFU    uint16 = 0xdf11
)

// Mode is the protocol the device currently speaks.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeNormal
	ModeRecovery
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// ModeForProduct maps a USB product id to a mode.
func ModeForProduct(pid uint16) Mode {
	switch pid {
	case ProductIDSerial:
		return ModeNormal
	case ProductIDDFU:
		return ModeRecovery
	default:
		return ModeUnknown
	}
}

// USBInfo identifies the device on the bus.
type USBInfo struct {
	VendorID     uint16 `json:"vendor_id"`
	ProductID    uint16 `json:"product_id"`
	SerialNumber string `json:"serial_number"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
	DevNode      string `json:"devnode,omitempty"`
	SysPath      string `json:"syspath,omitempty"`
}

// Mode derives the protocol mode from the product id.
func (u USBInfo) Mode() Mode { return ModeForProduct(u.ProductID) }

// Hardware describes the board revision.
type Hardware struct {
	Version string `json:"version"`
	Target  string `json:"target"`
	Body    string `json:"body"`
	Connect string `json:"connect"`
	Color   int    `json:"color"`
	Region  string `json:"region,omitempty"`
}

// Storage summarizes the external card.
type Storage struct {
	ExternalPresent bool `json:"external_present"`
	AssetsInstalled bool `json:"assets_installed"`
	ExternalFree    int  `json:"external_free_percent"`
}

// Radio describes the wireless coprocessor firmware.
type Radio struct {
	Alive      bool   `json:"alive"`
	FUSVersion string `json:"fus_version,omitempty"`
	Version    string `json:"version,omitempty"`
	StackType  int    `json:"stack_type,omitempty"`
}

// Info is a snapshot of one device. It is built once by a probe and replaced
// wholesale on reconnect; callers never mutate a published Info.
type Info struct {
	Name       string          `json:"name"`
	USB        USBInfo         `json:"usb"`
	Port       string          `json:"port,omitempty"`
	Hardware   Hardware        `json:"hardware"`
	Firmware   updates.Version `json:"firmware"`
	Bootloader updates.Version `json:"bootloader"`
	Radio      Radio           `json:"radio"`
	Storage    Storage         `json:"storage"`
}

// Mode is the protocol mode the snapshot was taken in.
func (i Info) Mode() Mode { return i.USB.Mode() }

// Recovery reports whether the device was in bootloader mode.
func (i Info) Recovery() bool { return i.Mode() == ModeRecovery }

// Location names the device for humans: the serial port in normal mode, the
// USB serial number in recovery.
func (i Info) Location() string {
	if i.Port != "" {
		return i.Port
	}
	return "S/N:" + i.USB.SerialNumber
}

// Status extracts the facts update decisions depend on.
func (i Info) Status() updates.DeviceStatus {
	return updates.DeviceStatus{
		ExternalStorage: i.Storage.ExternalPresent,
		AssetsInstalled: i.Storage.AssetsInstalled,
		RadioVersion:    i.Radio.Version,
		Recovery:        i.Recovery(),
	}
}

// ApplyDeviceInfo fills the version records from the key/value pairs the
// firmware reports. hardware_name is required.
func (i *Info) ApplyDeviceInfo(fields map[string]string) error {
	name := strings.TrimSpace(fields["hardware_name"])
	if name == "" {
		return fmt.Errorf("required field hardware_name is missing")
	}
	i.Name = name
	i.Firmware = versionRecord(fields, "firmware")
	i.Bootloader = versionRecord(fields, "bootloader")
	i.Hardware = Hardware{
		Version: fields["hardware_ver"],
		Target:  "f" + fields["hardware_target"],
		Body:    "b" + fields["hardware_body"],
		Connect: "c" + fields["hardware_connect"],
		Color:   atoi(fields["hardware_color"]),
		Region:  fields["hardware_region"],
	}
	i.Radio = Radio{}
	if fields["radio_alive"] == "true" {
		i.Radio = Radio{
			Alive:      true,
			FUSVersion: triple(fields, "radio_fus"),
			Version:    triple(fields, "radio_stack"),
			StackType:  atoi(fields["radio_stack_type"]),
		}
	}
	return nil
}

func versionRecord(fields map[string]string, prefix string) updates.Version {
	branch := fields[prefix+"_branch"]
	v := updates.Version{
		Version: fields[prefix+"_version"],
		Commit:  fields[prefix+"_commit"],
		Branch:  branch,
		Channel: updates.ChannelForBranch(branch),
	}
	if date, ok := updates.ParseBuildDate(fields[prefix+"_build_date"]); ok {
		v.Date = date
	}
	return v
}

func triple(fields map[string]string, prefix string) string {
	return fmt.Sprintf("%s.%s.%s", orZero(fields[prefix+"_major"]), orZero(fields[prefix+"_minor"]), orZero(fields[prefix+"_sub"]))
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// ApplyFactoryInfo fills the hardware record from the OTP factory block, the
// only identity available in recovery mode.
func (i *Info) ApplyFactoryInfo(f dfu.FactoryInfo) {
	if f.Name != "" {
		i.Name = f.Name
	}
	i.Hardware = Hardware{
		Version: strconv.Itoa(int(f.HWVersion)),
		Target:  f.Target(),
		Body:    fmt.Sprintf("b%d", f.HWBody),
		Connect: fmt.Sprintf("c%d", f.HWConnect),
		Color:   int(f.Color),
		Region:  f.RegionName(),
	}
}
