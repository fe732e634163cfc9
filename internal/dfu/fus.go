package dfu

import (
	"context"
	"fmt"
	"time"

	"zeroflash/internal/logging"
)

// STM32WB bootloader commands, sent on block 0, that drive the firmware
// upgrade service (FUS) of the radio coprocessor.
const (
	cmdFUSDelete   byte = 0x52
	cmdFUSUpgrade  byte = 0x53
	cmdFUSGetState byte = 0x54
)

const (
	defaultFUSPoll = 500 * time.Millisecond
	maxFUSPolls    = 1200
)

// FUSState is the coprocessor state reported by FUS_GET_STATE. Values from
// 0x01 to 0x2F mean an upgrade or service request is still running.
type FUSState uint8

const (
	FUSStateIdle FUSState = 0x00
	// FUSStateNotRunning is reported while the wireless stack, not FUS, owns
	// the coprocessor.
	FUSStateNotRunning FUSState = 0xFE
	FUSStateError      FUSState = 0xFF
)

func (s FUSState) String() string {
	switch {
	case s == FUSStateIdle:
		return "idle"
	case s == FUSStateNotRunning:
		return "not running"
	case s == FUSStateError:
		return "error"
	case s <= 0x0F:
		return "upgrading wireless stack"
	case s <= 0x1F:
		return "upgrading fus"
	case s <= 0x2F:
		return "service in progress"
	default:
		return fmt.Sprintf("fus state 0x%02x", uint8(s))
	}
}

// FUSStatus is the reply to FUS_GET_STATE.
type FUSStatus struct {
	State FUSState
	Error uint8
}

// Running reports whether FUS answers rather than the wireless stack.
func (s FUSStatus) Running() bool { return s.State != FUSStateNotRunning }

// Busy reports a request FUS has not finished yet.
func (s FUSStatus) Busy() bool { return s.State >= 0x01 && s.State <= 0x2F }

// FUSStatus asks the coprocessor for its state. It must run inside a
// transaction.
func (d *Driver) FUSStatus(ctx context.Context) (FUSStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return FUSStatus{}, fail("fus get state", "", ErrNoTransaction)
	}
	st, err := d.fusState(ctx)
	if err != nil {
		return FUSStatus{}, fail("fus get state", "", err)
	}
	return st, nil
}

// StartFUS hands the coprocessor from the wireless stack to FUS. A state
// request sent while the stack runs makes it switch; the second one reaches
// FUS.
func (d *Driver) StartFUS(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return fail("start fus", "", ErrNoTransaction)
	}
	st, err := d.fusState(ctx)
	if err != nil {
		return fail("start fus", "", err)
	}
	if st.Running() {
		d.logger.Debug("fus already running", logging.String("fus_state", st.State.String()))
		return nil
	}
	if _, err := d.fusState(ctx); err != nil {
		return fail("start fus", "second state request", err)
	}
	d.logger.Info("fus started")
	return nil
}

// CheckFUS fails unless FUS is running and reports no error.
func (d *Driver) CheckFUS(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return fail("check fus", "", ErrNoTransaction)
	}
	st, err := d.fusState(ctx)
	if err != nil {
		return fail("check fus", "", err)
	}
	if !st.Running() {
		return fail("check fus", "fus was started but is not running", nil)
	}
	if st.State == FUSStateError || st.Error != 0 {
		return fail("check fus", fmt.Sprintf("fus reports error 0x%02x", st.Error), nil)
	}
	return nil
}

// DeleteWirelessStack has FUS erase the installed wireless stack and waits
// for it to finish.
func (d *Driver) DeleteWirelessStack(ctx context.Context) error {
	return d.fusRequest(ctx, "delete wireless stack", cmdFUSDelete)
}

// UpgradeWirelessStack has FUS install the image last downloaded to flash
// and waits for it to finish.
func (d *Driver) UpgradeWirelessStack(ctx context.Context) error {
	return d.fusRequest(ctx, "upgrade wireless stack", cmdFUSUpgrade)
}

func (d *Driver) fusRequest(ctx context.Context, op string, cmd byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return fail(op, "", ErrNoTransaction)
	}
	if err := d.prepare(ctx, altFlash); err != nil {
		return fail(op, "", err)
	}
	if err := d.special(ctx, cmd); err != nil {
		return fail(op, "", err)
	}
	interval := d.opts.FUSPoll
	if interval <= 0 {
		interval = defaultFUSPoll
	}
	for range maxFUSPolls {
		st, err := d.fusState(ctx)
		if err != nil {
			return fail(op, "", err)
		}
		switch {
		case st.State == FUSStateError || st.Error != 0:
			return fail(op, fmt.Sprintf("fus reports error 0x%02x", st.Error), nil)
		case !st.Running():
			return fail(op, "fus stopped before finishing", nil)
		case !st.Busy():
			d.logger.Info("fus request finished", logging.String(logging.FieldOperation, op))
			return nil
		}
		if err := d.opts.Sleep(ctx, interval); err != nil {
			return fail(op, "", err)
		}
	}
	return fail(op, fmt.Sprintf("fus still busy after %d polls", maxFUSPolls), nil)
}

// fusState sends FUS_GET_STATE and uploads the reply from block 0.
func (d *Driver) fusState(ctx context.Context) (FUSStatus, error) {
	if err := d.prepare(ctx, altFlash); err != nil {
		return FUSStatus{}, err
	}
	if err := d.special(ctx, cmdFUSGetState); err != nil {
		return FUSStatus{}, fmt.Errorf("get state: %w", err)
	}
	if err := d.abort(ctx); err != nil {
		return FUSStatus{}, err
	}
	buf := make([]byte, 8)
	n, err := d.tx.Control(ctx, Setup{RequestType: requestTypeIn, Request: requestUpload, Index: uint16(d.opts.Interface)}, buf)
	if err != nil {
		return FUSStatus{}, fmt.Errorf("read state: %w", err)
	}
	if n < 2 {
		return FUSStatus{}, fmt.Errorf("read state: short reply of %d bytes", n)
	}
	if err := d.abort(ctx); err != nil {
		return FUSStatus{}, err
	}
	return FUSStatus{State: FUSState(buf[0]), Error: buf[1]}, nil
}

// special runs a one-byte DfuSe command on block 0.
func (d *Driver) special(ctx context.Context, cmd byte) error {
	if err := d.dnload(ctx, 0, []byte{cmd}); err != nil {
		return err
	}
	return d.waitDownload(ctx)
}
