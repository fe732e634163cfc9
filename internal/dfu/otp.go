package dfu

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"zeroflash/internal/services"
)

// OTPSize is the length of the factory block.
const OTPSize = 32

// NameSize is the room the factory block has for the device name.
const NameSize = 8

// OTPMagic marks a programmed factory block.
const OTPMagic uint16 = 0xBABE

// FactoryInfo is the hardware identity written once at the factory.
type FactoryInfo struct {
	Version   uint8
	Timestamp time.Time
	HWVersion uint8
	HWTarget  uint8
	HWBody    uint8
	HWConnect uint8
	Display   uint8
	Color     uint8
	Region    uint8
	Name      string
}

// Regions as stored in the factory block.
var regionNames = map[uint8]string{
	0: "unknown",
	1: "eu_ru",
	2: "us_ca_au",
	3: "jp",
	4: "world",
}

// RegionName returns the printable region.
func (f FactoryInfo) RegionName() string {
	if name, ok := regionNames[f.Region]; ok {
		return name
	}
	return fmt.Sprintf("region(%d)", f.Region)
}

// Target is the firmware target the hardware needs, as in "f7".
func (f FactoryInfo) Target() string {
	return fmt.Sprintf("f%d", f.HWTarget)
}

// ParseFactoryInfo decodes a raw factory block.
func ParseFactoryInfo(raw []byte) (FactoryInfo, error) {
	if len(raw) < OTPSize {
		return FactoryInfo{}, services.Wrap(services.ErrData, component, "parse factory info",
			fmt.Sprintf("block is %d bytes, need %d", len(raw), OTPSize), nil)
	}
	if magic := binary.LittleEndian.Uint16(raw[0:2]); magic != OTPMagic {
		return FactoryInfo{}, services.Wrap(services.ErrData, component, "parse factory info",
			fmt.Sprintf("bad magic 0x%04x", magic), nil)
	}
	name := raw[24 : 24+NameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return FactoryInfo{
		Version:   raw[2],
		Timestamp: time.Unix(int64(binary.LittleEndian.Uint32(raw[4:8])), 0).UTC(),
		HWVersion: raw[8],
		HWTarget:  raw[9],
		HWBody:    raw[10],
		HWConnect: raw[11],
		Display:   raw[12],
		Color:     raw[16],
		Region:    raw[17],
		Name:      string(name),
	}, nil
}

// Marshal encodes the block. It is the inverse of ParseFactoryInfo. A name
// that does not fit the block is an error.
func (f FactoryInfo) Marshal() ([]byte, error) {
	if len(f.Name) > NameSize {
		return nil, services.Wrap(services.ErrData, component, "marshal factory info",
			fmt.Sprintf("name %q is %d bytes, at most %d fit", f.Name, len(f.Name), NameSize), nil)
	}
	raw := make([]byte, OTPSize)
	binary.LittleEndian.PutUint16(raw[0:2], OTPMagic)
	raw[2] = f.Version
	binary.LittleEndian.PutUint32(raw[4:8], uint32(f.Timestamp.Unix()))
	raw[8] = f.HWVersion
	raw[9] = f.HWTarget
	raw[10] = f.HWBody
	raw[11] = f.HWConnect
	raw[12] = f.Display
	raw[16] = f.Color
	raw[17] = f.Region
	copy(raw[24:24+NameSize], f.Name)
	return raw, nil
}

// ReadFactoryInfo reads and decodes the factory block. It must run inside a
// transaction.
func (d *Driver) ReadFactoryInfo(ctx context.Context) (FactoryInfo, error) {
	raw, err := d.ReadOTP(ctx)
	if err != nil {
		return FactoryInfo{}, err
	}
	return ParseFactoryInfo(raw)
}
