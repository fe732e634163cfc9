package testsupport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"zeroflash/internal/dfu"
)

// Fake bootloader status codes.
const (
	dfuStatusOK      = 0x00
	dfuStatusWrite   = 0x03
	dfuStatusErase   = 0x04
	dfuStatusAddress = 0x08
	dfuStatusUnknown = 0x0E
)

// DefaultOPTR is the option register of a device booting normally.
const DefaultOPTR uint32 = 0x3FFFF1AA

// FakeDFU emulates a DfuSe bootloader with sparse memory. It implements
// dfu.Transport and hands itself out through Opener.
type FakeDFU struct {
	mu sync.Mutex

	pages   map[uint32][]byte
	state   dfu.State
	status  uint8
	addr    uint32
	pending func() uint8
	polled  bool

	// TransferSize must match the driver's block size.
	TransferSize int
	Alt          uint8
	Claimed      bool
	Opens        int
	Closes       int
	Claims       int
	Releases     int
	Erased       []uint32
	DataRequests int
	Left         bool
	OpenErr      error
	ClaimErr     error
	// FailControl, when set, may fail a control transfer before it is
	// processed.
	FailControl func(setup dfu.Setup) error
	// OnLeave runs with the lock held once the application is started.
	OnLeave func()

	// FUSActive is set once the radio coprocessor runs FUS instead of the
	// wireless stack.
	FUSActive bool
	// FUSRequests records FUS commands in order: "state", "delete", "upgrade".
	FUSRequests []string
	// FUSUpgradeError, when non-zero, is reported once an upgrade completes.
	FUSUpgradeError uint8
	// FUSBusyPolls is how many state requests a delete or upgrade stays busy.
	FUSBusyPolls int

	fusWoken     bool
	fusBusy      int
	fusBusyState dfu.FUSState
	fusError     uint8
	fusReply     [2]byte
}

// NewFakeDFU returns a bootloader with erased flash, a programmed factory
// block, and option bytes selecting normal boot.
func NewFakeDFU(info dfu.FactoryInfo) *FakeDFU {
	f := &FakeDFU{
		pages:        make(map[uint32][]byte),
		state:        dfu.StateIdle,
		TransferSize: 1024,
		FUSBusyPolls: 2,
	}
	raw, err := info.Marshal()
	if err != nil {
		panic(fmt.Sprintf("testsupport: %v", err))
	}
	f.Poke(dfu.OTPBase, raw)
	f.SetOPTR(DefaultOPTR)
	return f
}

// Opener returns a dfu.Opener that yields this device.
func (f *FakeDFU) Opener() dfu.Opener {
	return func(context.Context) (dfu.Transport, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.OpenErr != nil {
			return nil, f.OpenErr
		}
		f.Opens++
		return f, nil
	}
}

// SetOPTR replaces the option register and its complement.
func (f *FakeDFU) SetOPTR(optr uint32) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:4], optr)
	binary.LittleEndian.PutUint32(raw[4:8], ^optr)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(dfu.OptionBytesBase, raw)
}

// OPTR returns the option register.
func (f *FakeDFU) OPTR() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return binary.LittleEndian.Uint32(f.load(dfu.OptionBytesBase, 4))
}

// Memory returns n bytes at addr. Unwritten bytes read as 0xFF.
func (f *FakeDFU) Memory(addr uint32, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(addr, n)
}

// Poke overwrites memory without going through the bootloader.
func (f *FakeDFU) Poke(addr uint32, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(addr, data)
}

// Counters returns Opens, Claims, Releases, and Closes under the lock.
func (f *FakeDFU) Counters() (opens, claims, releases, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Opens, f.Claims, f.Releases, f.Closes
}

func (f *FakeDFU) page(addr uint32) []byte {
	base := addr &^ (dfu.PageSize - 1)
	p, ok := f.pages[base]
	if !ok {
		p = make([]byte, dfu.PageSize)
		for i := range p {
			p[i] = 0xFF
		}
		f.pages[base] = p
	}
	return p
}

func (f *FakeDFU) load(addr uint32, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		a := addr + uint32(i)
		out[i] = f.page(a)[a&(dfu.PageSize-1)]
	}
	return out
}

func (f *FakeDFU) store(addr uint32, data []byte) {
	for i, b := range data {
		a := addr + uint32(i)
		f.page(a)[a&(dfu.PageSize-1)] = b
	}
}

func (f *FakeDFU) Claim(uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ClaimErr != nil {
		return f.ClaimErr
	}
	f.Claims++
	f.Claimed = true
	return nil
}

func (f *FakeDFU) Release(uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Claimed {
		return errors.New("interface not claimed")
	}
	f.Releases++
	f.Claimed = false
	return nil
}

func (f *FakeDFU) SetAltSetting(_ uint8, alt uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if alt > 2 {
		return fmt.Errorf("no alternate setting %d", alt)
	}
	f.Alt = alt
	return nil
}

func (f *FakeDFU) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closes++
	return nil
}

// Control implements dfu.Transport.
func (f *FakeDFU) Control(ctx context.Context, setup dfu.Setup, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Claimed {
		return 0, errors.New("interface not claimed")
	}
	if f.FailControl != nil {
		if err := f.FailControl(setup); err != nil {
			return 0, err
		}
	}
	switch setup.Request {
	case 1:
		f.DataRequests++
		return len(data), f.dnload(setup.Value, data)
	case 2:
		f.DataRequests++
		return f.upload(setup.Value, data)
	case 3:
		return f.getStatus(data)
	case 4:
		f.state = dfu.StateIdle
		f.status = dfuStatusOK
		return 0, nil
	case 5:
		if len(data) > 0 {
			data[0] = byte(f.state)
		}
		return 1, nil
	case 6:
		if f.state != dfu.StateError {
			f.state = dfu.StateIdle
		}
		f.pending = nil
		return 0, nil
	default:
		return 0, fmt.Errorf("stall: request %d", setup.Request)
	}
}

func (f *FakeDFU) dnload(block uint16, data []byte) error {
	if f.state != dfu.StateIdle && f.state != dfu.StateDnloadIdle {
		f.state = dfu.StateError
		return errors.New("stall: download in " + f.state.String())
	}
	switch {
	case block == 0 && len(data) == 0:
		f.state = dfu.StateManifestSync
		f.pending = func() uint8 {
			f.Left = true
			if f.OnLeave != nil {
				f.OnLeave()
			}
			return dfuStatusOK
		}
	case block == 0:
		payload := append([]byte(nil), data...)
		f.state = dfu.StateDnloadSync
		f.pending = func() uint8 { return f.command(payload) }
	case block >= 2:
		payload := append([]byte(nil), data...)
		addr := f.addr + uint32(block-2)*uint32(f.TransferSize)
		f.state = dfu.StateDnloadSync
		f.pending = func() uint8 { return f.program(addr, payload) }
	default:
		f.state = dfu.StateError
		return errors.New("stall: block 1")
	}
	f.polled = false
	return nil
}

func (f *FakeDFU) command(payload []byte) uint8 {
	if len(payload) == 1 {
		switch payload[0] {
		case 0x41:
			for base := range f.pages {
				if base >= dfu.FlashBase && base < dfu.OTPBase {
					delete(f.pages, base)
				}
			}
			f.Erased = append(f.Erased, 0)
			return dfuStatusOK
		case 0x52:
			return f.fusStart("delete", 0x20)
		case 0x53:
			return f.fusStart("upgrade", 0x01)
		case 0x54:
			f.fusGetState()
			return dfuStatusOK
		}
		return dfuStatusUnknown
	}
	if len(payload) != 5 {
		return dfuStatusUnknown
	}
	switch payload[0] {
	case 0x21:
		f.addr = binary.LittleEndian.Uint32(payload[1:])
		return dfuStatusOK
	case 0x41:
		addr := binary.LittleEndian.Uint32(payload[1:])
		if addr < dfu.FlashBase || addr >= dfu.OTPBase || addr&(dfu.PageSize-1) != 0 {
			return dfuStatusAddress
		}
		delete(f.pages, addr)
		f.Erased = append(f.Erased, addr)
		return dfuStatusOK
	default:
		return dfuStatusUnknown
	}
}

// fusGetState answers FUS_GET_STATE. The first request while the wireless
// stack runs wakes FUS; later ones report its progress.
func (f *FakeDFU) fusGetState() {
	f.FUSRequests = append(f.FUSRequests, "state")
	switch {
	case !f.FUSActive && !f.fusWoken:
		f.fusWoken = true
		f.fusReply = [2]byte{byte(dfu.FUSStateNotRunning), 0}
	case !f.FUSActive:
		f.FUSActive = true
		f.fusReply = [2]byte{byte(dfu.FUSStateIdle), 0}
	case f.fusBusy > 0:
		f.fusBusy--
		f.fusReply = [2]byte{byte(f.fusBusyState), 0}
	case f.fusError != 0:
		f.fusReply = [2]byte{byte(dfu.FUSStateError), f.fusError}
	default:
		f.fusReply = [2]byte{byte(dfu.FUSStateIdle), 0}
	}
}

func (f *FakeDFU) fusStart(name string, busy dfu.FUSState) uint8 {
	if !f.FUSActive {
		return dfuStatusUnknown
	}
	f.FUSRequests = append(f.FUSRequests, name)
	f.fusBusy = f.FUSBusyPolls
	f.fusBusyState = busy
	if name == "upgrade" {
		f.fusError = f.FUSUpgradeError
	}
	return dfuStatusOK
}

func (f *FakeDFU) program(addr uint32, data []byte) uint8 {
	switch {
	case addr >= dfu.OTPBase && addr < dfu.OptionBytesBase:
		return dfuStatusWrite
	case addr >= dfu.OptionBytesBase:
		f.store(addr, data)
		return dfuStatusOK
	}
	for _, b := range f.load(addr, len(data)) {
		if b != 0xFF {
			return dfuStatusErase
		}
	}
	f.store(addr, data)
	return dfuStatusOK
}

func (f *FakeDFU) upload(block uint16, data []byte) (int, error) {
	if f.state != dfu.StateIdle && f.state != dfu.StateUploadIdle {
		f.state = dfu.StateError
		return 0, errors.New("stall: upload in " + f.state.String())
	}
	if block == 0 {
		clear(data)
		copy(data, f.fusReply[:])
		f.state = dfu.StateUploadIdle
		return len(data), nil
	}
	if block < 2 {
		return 0, errors.New("stall: upload block " + fmt.Sprint(block))
	}
	addr := f.addr + uint32(block-2)*uint32(f.TransferSize)
	copy(data, f.load(addr, len(data)))
	f.state = dfu.StateUploadIdle
	return len(data), nil
}

func (f *FakeDFU) getStatus(data []byte) (int, error) {
	if len(data) < 6 {
		return 0, errors.New("stall: short status buffer")
	}
	switch {
	case f.pending != nil && f.state == dfu.StateManifestSync:
		run := f.pending
		f.pending = nil
		run()
		f.state = dfu.StateManifestWaitReset
	case f.pending != nil && !f.polled:
		f.polled = true
		f.state = dfu.StateDnBusy
	case f.pending != nil:
		run := f.pending
		f.pending = nil
		if code := run(); code != dfuStatusOK {
			f.state = dfu.StateError
			f.status = code
		} else {
			f.state = dfu.StateDnloadIdle
		}
	}
	clear(data[:6])
	data[0] = f.status
	data[4] = byte(f.state)
	return 6, nil
}
