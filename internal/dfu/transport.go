package dfu

import "context"

// Request types for class requests addressed to the DFU interface.
const (
	requestTypeOut uint8 = 0x21
	requestTypeIn  uint8 = 0xA1
)

// DFU class requests.
const (
	requestDetach    uint8 = 0
	requestDnload    uint8 = 1
	requestUpload    uint8 = 2
	requestGetStatus uint8 = 3
	requestClrStatus uint8 = 4
	requestGetState  uint8 = 5
	requestAbort     uint8 = 6
)

// Setup is the fixed part of a control transfer. The data stage length is
// the length of the buffer passed alongside it.
type Setup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
}

// In reports whether the transfer reads from the device.
func (s Setup) In() bool { return s.RequestType&0x80 != 0 }

// Transport is an open USB device handle able to issue control transfers.
type Transport interface {
	Claim(iface uint8) error
	Release(iface uint8) error
	SetAltSetting(iface, alt uint8) error
	// Control performs one control transfer. For IN transfers data is filled
	// and the byte count returned; for OUT transfers data is sent.
	Control(ctx context.Context, setup Setup, data []byte) (int, error)
	Close() error
}

// Opener locates and opens the bootloader. It is called once per transaction
// because the device re-enumerates between some of them.
type Opener func(ctx context.Context) (Transport, error)
