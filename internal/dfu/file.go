package dfu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"zeroflash/internal/services"
)

const (
	prefixSize        = 11
	targetPrefixSize  = 274
	elementHeaderSize = 8
	suffixSize        = 16
	bcdDFU            = 0x011A
)

// Element is one contiguous memory region of an image.
type Element struct {
	Address uint32
	Data    []byte
}

// Target groups the elements destined for one alternate setting.
type Target struct {
	AltSetting uint8
	Name       string
	Elements   []Element
}

// File is a parsed DfuSe container.
type File struct {
	VendorID  uint16
	ProductID uint16
	Device    uint16
	Targets   []Target
}

// Size returns the total payload bytes across all elements.
func (f *File) Size() int {
	total := 0
	for _, target := range f.Targets {
		for _, element := range target.Elements {
			total += len(element.Data)
		}
	}
	return total
}

func malformed(message string) error {
	return services.Wrap(services.ErrData, component, "parse dfu file", message, nil)
}

// ParseFile decodes a DfuSe .dfu container and verifies its suffix checksum.
func ParseFile(raw []byte) (*File, error) {
	if len(raw) < prefixSize+suffixSize {
		return nil, malformed(fmt.Sprintf("file is %d bytes", len(raw)))
	}
	suffix := raw[len(raw)-suffixSize:]
	if !bytes.Equal(suffix[8:11], []byte("UFD")) || suffix[11] != suffixSize {
		return nil, malformed("missing DFU suffix")
	}
	if version := binary.LittleEndian.Uint16(suffix[6:8]); version != bcdDFU {
		return nil, malformed(fmt.Sprintf("unsupported DFU version 0x%04x", version))
	}
	want := binary.LittleEndian.Uint32(suffix[12:16])
	if got := ^crc32.ChecksumIEEE(raw[:len(raw)-4]); got != want {
		return nil, malformed(fmt.Sprintf("checksum 0x%08x, expected 0x%08x", got, want))
	}
	file := &File{
		Device:    binary.LittleEndian.Uint16(suffix[0:2]),
		ProductID: binary.LittleEndian.Uint16(suffix[2:4]),
		VendorID:  binary.LittleEndian.Uint16(suffix[4:6]),
	}

	body := raw[:len(raw)-suffixSize]
	if !bytes.Equal(body[0:5], []byte("DfuSe")) || body[5] != 1 {
		return nil, malformed("missing DfuSe prefix")
	}
	if size := binary.LittleEndian.Uint32(body[6:10]); int(size) != len(body) {
		return nil, malformed(fmt.Sprintf("prefix declares %d bytes, image has %d", size, len(body)))
	}
	count := int(body[10])
	off := prefixSize
	for t := range count {
		if len(body)-off < targetPrefixSize {
			return nil, malformed(fmt.Sprintf("target %d: truncated prefix", t))
		}
		prefix := body[off : off+targetPrefixSize]
		if !bytes.Equal(prefix[0:6], []byte("Target")) {
			return nil, malformed(fmt.Sprintf("target %d: bad signature", t))
		}
		target := Target{AltSetting: prefix[6]}
		if binary.LittleEndian.Uint32(prefix[7:11]) != 0 {
			name := prefix[11:266]
			if i := bytes.IndexByte(name, 0); i >= 0 {
				name = name[:i]
			}
			target.Name = string(name)
		}
		targetSize := int(binary.LittleEndian.Uint32(prefix[266:270]))
		elements := int(binary.LittleEndian.Uint32(prefix[270:274]))
		off += targetPrefixSize
		if targetSize > len(body)-off {
			return nil, malformed(fmt.Sprintf("target %d: declares %d bytes past end", t, targetSize))
		}
		end := off + targetSize
		for e := range elements {
			if end-off < elementHeaderSize {
				return nil, malformed(fmt.Sprintf("target %d element %d: truncated header", t, e))
			}
			addr := binary.LittleEndian.Uint32(body[off : off+4])
			size := int(binary.LittleEndian.Uint32(body[off+4 : off+8]))
			off += elementHeaderSize
			if size > end-off {
				return nil, malformed(fmt.Sprintf("target %d element %d: truncated data", t, e))
			}
			target.Elements = append(target.Elements, Element{Address: addr, Data: body[off : off+size]})
			off += size
		}
		if off != end {
			return nil, malformed(fmt.Sprintf("target %d: %d unused bytes", t, end-off))
		}
		file.Targets = append(file.Targets, target)
	}
	if off != len(body) {
		return nil, malformed(fmt.Sprintf("%d trailing bytes after targets", len(body)-off))
	}
	return file, nil
}

// Marshal encodes f as a DfuSe container.
func (f *File) Marshal() []byte {
	body := make([]byte, prefixSize)
	copy(body, "DfuSe")
	body[5] = 1
	body[10] = byte(len(f.Targets))
	for _, target := range f.Targets {
		prefix := make([]byte, targetPrefixSize)
		copy(prefix, "Target")
		prefix[6] = target.AltSetting
		if target.Name != "" {
			binary.LittleEndian.PutUint32(prefix[7:11], 1)
			copy(prefix[11:265], target.Name)
		}
		size := 0
		for _, element := range target.Elements {
			size += elementHeaderSize + len(element.Data)
		}
		binary.LittleEndian.PutUint32(prefix[266:270], uint32(size))
		binary.LittleEndian.PutUint32(prefix[270:274], uint32(len(target.Elements)))
		body = append(body, prefix...)
		for _, element := range target.Elements {
			body = binary.LittleEndian.AppendUint32(body, element.Address)
			body = binary.LittleEndian.AppendUint32(body, uint32(len(element.Data)))
			body = append(body, element.Data...)
		}
	}
	binary.LittleEndian.PutUint32(body[6:10], uint32(len(body)))

	out := body
	out = binary.LittleEndian.AppendUint16(out, f.Device)
	out = binary.LittleEndian.AppendUint16(out, f.ProductID)
	out = binary.LittleEndian.AppendUint16(out, f.VendorID)
	out = binary.LittleEndian.AppendUint16(out, bcdDFU)
	out = append(out, 'U', 'F', 'D', suffixSize)
	return binary.LittleEndian.AppendUint32(out, ^crc32.ChecksumIEEE(out))
}
