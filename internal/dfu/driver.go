package dfu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zeroflash/internal/logging"
	"zeroflash/internal/services"
)

const component = "dfu"

// Memory layout of the bootloader's alternate settings.
const (
	FlashBase       uint32 = 0x08000000
	OptionBytesBase uint32 = 0x1FFF8000
	OTPBase         uint32 = 0x1FFF7000
	PageSize        uint32 = 4096

	altFlash       uint8 = 0
	altOptionBytes uint8 = 1
	altOTP         uint8 = 2
)

// DfuSe commands sent on block 0.
const (
	cmdSetAddress byte = 0x21
	cmdErase      byte = 0x41
)

// State is the bootloader state reported by GETSTATUS.
type State uint8

const (
	StateAppIdle           State = 0
	StateAppDetach         State = 1
	StateIdle              State = 2
	StateDnloadSync        State = 3
	StateDnBusy            State = 4
	StateDnloadIdle        State = 5
	StateManifestSync      State = 6
	StateManifest          State = 7
	StateManifestWaitReset State = 8
	StateUploadIdle        State = 9
	StateError             State = 10
)

func (s State) String() string {
	switch s {
	case StateAppIdle:
		return "appIDLE"
	case StateAppDetach:
		return "appDETACH"
	case StateIdle:
		return "dfuIDLE"
	case StateDnloadSync:
		return "dfuDNLOAD-SYNC"
	case StateDnBusy:
		return "dfuDNBUSY"
	case StateDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case StateManifestSync:
		return "dfuMANIFEST-SYNC"
	case StateManifest:
		return "dfuMANIFEST"
	case StateManifestWaitReset:
		return "dfuMANIFEST-WAIT-RESET"
	case StateUploadIdle:
		return "dfuUPLOAD-IDLE"
	case StateError:
		return "dfuERROR"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status is the decoded GETSTATUS payload.
type Status struct {
	Code        uint8
	PollTimeout time.Duration
	State       State
}

// BootMode selects where the device boots from after reset.
type BootMode int

const (
	BootNormal BootMode = iota
	BootDFUOnly
)

func (m BootMode) String() string {
	if m == BootDFUOnly {
		return "dfu-only"
	}
	return "normal"
}

// Option register bits that select the boot source.
const (
	optNSWBOOT0 uint32 = 1 << 26
	optNBOOT0   uint32 = 1 << 27
)

var (
	// ErrNoTransaction reports a device call outside BeginTransaction/EndTransaction.
	ErrNoTransaction = errors.New("no dfu transaction in progress")
	// ErrInTransaction reports a nested BeginTransaction.
	ErrInTransaction = errors.New("dfu transaction already in progress")
)

// Options tunes the driver.
type Options struct {
	Interface    uint8
	TransferSize int
	// Sleep waits between status polls. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// FUSPoll is the wait between FUS state requests while FUS is busy.
	FUSPoll time.Duration
}

// Driver issues DfuSe requests. Data calls are only valid between
// BeginTransaction and EndTransaction.
type Driver struct {
	open   Opener
	opts   Options
	logger *slog.Logger

	mu  sync.Mutex
	tx  Transport
	alt uint8
}

// NewDriver returns a driver that opens the bootloader through open.
func NewDriver(open Opener, opts Options, logger *slog.Logger) *Driver {
	if opts.TransferSize <= 0 {
		opts.TransferSize = 1024
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Driver{
		open:   open,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, component),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func fail(operation, message string, err error) error {
	return services.Wrap(services.ErrRecoveryAccess, component, operation, message, err)
}

// BeginTransaction opens the device, claims the DFU interface, and brings the
// bootloader to dfuIDLE.
func (d *Driver) BeginTransaction(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx != nil {
		return fail("begin transaction", "", ErrInTransaction)
	}
	tx, err := d.open(ctx)
	if err != nil {
		return fail("begin transaction", "open device", err)
	}
	if err := tx.Claim(d.opts.Interface); err != nil {
		_ = tx.Close()
		return fail("begin transaction", "claim interface", err)
	}
	d.tx = tx
	d.alt = 0xFF
	if err := d.selectAlt(altFlash); err != nil {
		_ = d.release()
		return fail("begin transaction", "select flash", err)
	}
	if err := d.toIdle(ctx); err != nil {
		_ = d.release()
		return fail("begin transaction", "reach idle state", err)
	}
	d.logger.Debug("dfu transaction started")
	return nil
}

// EndTransaction releases the interface and closes the device.
func (d *Driver) EndTransaction() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return fail("end transaction", "", ErrNoTransaction)
	}
	if err := d.release(); err != nil {
		return fail("end transaction", "", err)
	}
	d.logger.Debug("dfu transaction ended")
	return nil
}

func (d *Driver) release() error {
	tx := d.tx
	d.tx = nil
	err := tx.Release(d.opts.Interface)
	if closeErr := tx.Close(); err == nil {
		err = closeErr
	}
	return err
}

// WithTransaction runs fn inside a transaction. When BeginTransaction fails fn
// is not called; otherwise EndTransaction runs exactly once afterwards.
func WithTransaction(ctx context.Context, d *Driver, fn func(ctx context.Context) error) (err error) {
	if err := d.BeginTransaction(ctx); err != nil {
		return err
	}
	defer func() {
		if endErr := d.EndTransaction(); err == nil {
			err = endErr
		}
	}()
	return fn(ctx)
}

// ReadMemory uploads n bytes starting at addr.
func (d *Driver) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := fmt.Sprintf("read 0x%08x+%d", addr, n)
	if d.tx == nil {
		return nil, fail(op, "", ErrNoTransaction)
	}
	data, err := d.read(ctx, addr, n)
	if err != nil {
		return nil, fail(op, "", err)
	}
	return data, nil
}

// ReadOTP returns the raw factory block.
func (d *Driver) ReadOTP(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return nil, fail("read otp", "", ErrNoTransaction)
	}
	data, err := d.read(ctx, OTPBase, OTPSize)
	if err != nil {
		return nil, fail("read otp", "", err)
	}
	return data, nil
}

// Erase erases every flash page overlapping [addr, addr+size).
func (d *Driver) Erase(ctx context.Context, addr uint32, size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := fmt.Sprintf("erase 0x%08x+%d", addr, size)
	if d.tx == nil {
		return fail(op, "", ErrNoTransaction)
	}
	if addr < FlashBase || size <= 0 {
		return fail(op, "range outside flash", nil)
	}
	if err := d.prepare(ctx, altFlash); err != nil {
		return fail(op, "", err)
	}
	first := addr &^ (PageSize - 1)
	end := addr + uint32(size)
	for page := first; page < end; page += PageSize {
		if err := d.command(ctx, cmdErase, page); err != nil {
			return fail(op, fmt.Sprintf("page 0x%08x", page), err)
		}
	}
	d.logger.Debug("flash erased",
		logging.Hex("address", uint64(first)),
		logging.Int("pages", int((end-first+PageSize-1)/PageSize)))
	return nil
}

// Write programs data at addr. progress, when set, receives the bytes written
// so far after every block.
func (d *Driver) Write(ctx context.Context, addr uint32, data []byte, progress func(done, total int)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := fmt.Sprintf("write 0x%08x+%d", addr, len(data))
	if d.tx == nil {
		return fail(op, "", ErrNoTransaction)
	}
	if err := d.write(ctx, addr, data, progress); err != nil {
		return fail(op, "", err)
	}
	return nil
}

// SetBootMode rewrites the option bytes so the device boots into mode. The
// device applies new option bytes on its next reset.
func (d *Driver) SetBootMode(ctx context.Context, mode BootMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := "set boot mode " + mode.String()
	if d.tx == nil {
		return fail(op, "", ErrNoTransaction)
	}
	raw, err := d.read(ctx, OptionBytesBase, 8)
	if err != nil {
		return fail(op, "read option bytes", err)
	}
	optr := binary.LittleEndian.Uint32(raw[0:4])
	if complement := binary.LittleEndian.Uint32(raw[4:8]); complement != ^optr {
		return fail(op, fmt.Sprintf("option bytes corrupt: 0x%08x/0x%08x", optr, complement), nil)
	}
	want := optr
	switch mode {
	case BootDFUOnly:
		want &^= optNBOOT0 | optNSWBOOT0
	default:
		want |= optNBOOT0 | optNSWBOOT0
	}
	if want == optr {
		d.logger.Debug("boot mode already set", logging.String("mode", mode.String()))
		return nil
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], want)
	binary.LittleEndian.PutUint32(out[4:8], ^want)
	if err := d.write(ctx, OptionBytesBase, out, nil); err != nil {
		return fail(op, "write option bytes", err)
	}
	d.logger.Info("boot mode changed",
		logging.String("mode", mode.String()),
		logging.Hex("optr", uint64(want)))
	return nil
}

// Leave asks the bootloader to start the application. The device resets, so
// the final status request is allowed to fail.
func (d *Driver) Leave(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return fail("leave", "", ErrNoTransaction)
	}
	if err := d.prepare(ctx, altFlash); err != nil {
		return fail("leave", "", err)
	}
	if err := d.command(ctx, cmdSetAddress, FlashBase); err != nil {
		return fail("leave", "set jump address", err)
	}
	if err := d.dnload(ctx, 0, nil); err != nil {
		return fail("leave", "zero-length download", err)
	}
	if _, err := d.getStatus(ctx); err != nil {
		d.logger.Debug("status after leave failed", logging.Error(err))
	}
	d.logger.Info("bootloader left")
	return nil
}

func altFor(addr uint32) uint8 {
	switch {
	case addr >= OTPBase && addr < OTPBase+0x400:
		return altOTP
	case addr >= OptionBytesBase && addr < OptionBytesBase+0x1000:
		return altOptionBytes
	default:
		return altFlash
	}
}

func (d *Driver) read(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if err := d.prepare(ctx, altFor(addr)); err != nil {
		return nil, err
	}
	if err := d.command(ctx, cmdSetAddress, addr); err != nil {
		return nil, fmt.Errorf("set address: %w", err)
	}
	if err := d.abort(ctx); err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	for block := uint16(2); len(out) < n; block++ {
		chunk := make([]byte, min(d.opts.TransferSize, n-len(out)))
		got, err := d.tx.Control(ctx, Setup{RequestType: requestTypeIn, Request: requestUpload, Value: block, Index: uint16(d.opts.Interface)}, chunk)
		if err != nil {
			return nil, fmt.Errorf("upload block %d: %w", block, err)
		}
		if got < len(chunk) {
			return nil, fmt.Errorf("upload block %d: short read of %d bytes", block, got)
		}
		out = append(out, chunk...)
	}
	return out, d.abort(ctx)
}

func (d *Driver) write(ctx context.Context, addr uint32, data []byte, progress func(done, total int)) error {
	if err := d.prepare(ctx, altFor(addr)); err != nil {
		return err
	}
	if err := d.command(ctx, cmdSetAddress, addr); err != nil {
		return fmt.Errorf("set address: %w", err)
	}
	block := uint16(2)
	for off := 0; off < len(data); off += d.opts.TransferSize {
		end := min(off+d.opts.TransferSize, len(data))
		if err := d.dnload(ctx, block, data[off:end]); err != nil {
			return fmt.Errorf("download block %d: %w", block, err)
		}
		if err := d.waitDownload(ctx); err != nil {
			return fmt.Errorf("download block %d: %w", block, err)
		}
		if progress != nil {
			progress(end, len(data))
		}
		block++
	}
	return d.abort(ctx)
}

func (d *Driver) prepare(ctx context.Context, alt uint8) error {
	if err := d.selectAlt(alt); err != nil {
		return err
	}
	return d.toIdle(ctx)
}

func (d *Driver) selectAlt(alt uint8) error {
	if d.alt == alt {
		return nil
	}
	if err := d.tx.SetAltSetting(d.opts.Interface, alt); err != nil {
		return fmt.Errorf("alternate setting %d: %w", alt, err)
	}
	d.alt = alt
	return nil
}

func (d *Driver) getStatus(ctx context.Context) (Status, error) {
	buf := make([]byte, 6)
	n, err := d.tx.Control(ctx, Setup{RequestType: requestTypeIn, Request: requestGetStatus, Index: uint16(d.opts.Interface)}, buf)
	if err != nil {
		return Status{}, fmt.Errorf("get status: %w", err)
	}
	if n < 6 {
		return Status{}, fmt.Errorf("get status: short reply of %d bytes", n)
	}
	poll := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
	return Status{Code: buf[0], PollTimeout: time.Duration(poll) * time.Millisecond, State: State(buf[4])}, nil
}

func (d *Driver) clearStatus(ctx context.Context) error {
	_, err := d.tx.Control(ctx, Setup{RequestType: requestTypeOut, Request: requestClrStatus, Index: uint16(d.opts.Interface)}, nil)
	if err != nil {
		return fmt.Errorf("clear status: %w", err)
	}
	return nil
}

func (d *Driver) abort(ctx context.Context) error {
	_, err := d.tx.Control(ctx, Setup{RequestType: requestTypeOut, Request: requestAbort, Index: uint16(d.opts.Interface)}, nil)
	if err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

func (d *Driver) dnload(ctx context.Context, block uint16, data []byte) error {
	_, err := d.tx.Control(ctx, Setup{RequestType: requestTypeOut, Request: requestDnload, Value: block, Index: uint16(d.opts.Interface)}, data)
	return err
}

// toIdle recovers from an error or a leftover transfer state.
func (d *Driver) toIdle(ctx context.Context) error {
	for range 3 {
		status, err := d.getStatus(ctx)
		if err != nil {
			return err
		}
		switch status.State {
		case StateIdle:
			return nil
		case StateError:
			err = d.clearStatus(ctx)
		default:
			err = d.abort(ctx)
		}
		if err != nil {
			return err
		}
	}
	return errors.New("device does not return to dfuIDLE")
}

// waitDownload polls GETSTATUS until the pending download completes.
func (d *Driver) waitDownload(ctx context.Context) error {
	for {
		status, err := d.getStatus(ctx)
		if err != nil {
			return err
		}
		if status.Code != 0 {
			_ = d.clearStatus(ctx)
			return fmt.Errorf("device reported status %d in %s", status.Code, status.State)
		}
		switch status.State {
		case StateDnBusy, StateDnloadSync:
			if err := d.opts.Sleep(ctx, status.PollTimeout); err != nil {
				return err
			}
		case StateDnloadIdle, StateIdle:
			return nil
		default:
			return fmt.Errorf("unexpected state %s", status.State)
		}
	}
}

// command runs a DfuSe command with an address argument on block 0.
func (d *Driver) command(ctx context.Context, cmd byte, addr uint32) error {
	payload := make([]byte, 5)
	payload[0] = cmd
	binary.LittleEndian.PutUint32(payload[1:], addr)
	if err := d.dnload(ctx, 0, payload); err != nil {
		return err
	}
	return d.waitDownload(ctx)
}
