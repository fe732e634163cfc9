package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"zeroflash/internal/history"
	"zeroflash/internal/logging"
	"zeroflash/internal/operation"
	"zeroflash/internal/probe"
	"zeroflash/internal/services"
	"zeroflash/internal/toplevel"
	"zeroflash/internal/updates"
)

// Kind names a top-level operation.
type Kind string

const (
	KindFullUpdate      Kind = "full_update"
	KindFullRepair      Kind = "full_repair"
	KindFirmwareInstall Kind = "firmware_install"
	KindRadioUpdate     Kind = "radio_update"
	KindSettingsBackup  Kind = "settings_backup"
	KindSettingsRestore Kind = "settings_restore"
	KindFactoryReset    Kind = "factory_reset"
	KindRestart         Kind = "restart"
)

// Kinds lists every top-level operation.
func Kinds() []Kind {
	return []Kind{
		KindFullUpdate, KindFullRepair, KindFirmwareInstall, KindRadioUpdate,
		KindSettingsBackup, KindSettingsRestore, KindFactoryReset, KindRestart,
	}
}

// ParseKind resolves an operation name.
func ParseKind(name string) (Kind, error) {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for _, k := range Kinds() {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", name)
}

// Request asks for one top-level operation.
type Request struct {
	Kind Kind
	// Argument is the bundle directory, firmware image, or backup location
	// the operation works on. Backup operations default to the backup dir.
	Argument string
	// Force skips the check that a bundle is newer than the installed build.
	Force bool
	// OnStage is told the name of each stage as it begins. It runs on the
	// controller loop and must not block.
	OnStage func(stage string)
}

// Result describes a finished top-level operation.
type Result struct {
	CorrelationID string
	Stage         string
	Elapsed       time.Duration
}

// plan is a resolved request: what to build on the loop and how to treat the
// device afterwards.
type plan struct {
	build   func(l *toplevel.Link) *toplevel.Sequence
	refresh bool
}

func (c *Controller) resolve(req Request) (plan, error) {
	info := c.state.Info()
	switch req.Kind {
	case KindFullUpdate, KindFullRepair, KindRadioUpdate:
		if strings.TrimSpace(req.Argument) == "" {
			return plan{}, services.Wrap(services.ErrDisk, component, string(req.Kind), "bundle directory is required", nil)
		}
		bundle, err := updates.LoadBundle(req.Argument)
		if err != nil {
			return plan{}, err
		}
		switch req.Kind {
		case KindFullUpdate:
			if err := c.checkUpdate(bundle, req.Force); err != nil {
				return plan{}, err
			}
			return plan{build: func(l *toplevel.Link) *toplevel.Sequence { return toplevel.FullUpdate(l, bundle) }, refresh: true}, nil
		case KindFullRepair:
			if !updates.CanRepair(info.Status()) {
				return plan{}, services.Wrap(services.ErrInvalidDevice, component, "repair", "device is not in recovery mode", nil)
			}
			return plan{build: func(l *toplevel.Link) *toplevel.Sequence { return toplevel.FullRepair(l, bundle) }, refresh: true}, nil
		default:
			if !bundle.HasRadio() {
				return plan{}, services.Wrap(services.ErrData, component, "radio update", "bundle carries no radio firmware", nil)
			}
			return plan{build: func(l *toplevel.Link) *toplevel.Sequence { return toplevel.WirelessStackUpdate(l, bundle) }, refresh: true}, nil
		}
	case KindFirmwareInstall:
		if strings.TrimSpace(req.Argument) == "" {
			return plan{}, services.Wrap(services.ErrDisk, component, "firmware install", "image path is required", nil)
		}
		path := req.Argument
		return plan{build: func(l *toplevel.Link) *toplevel.Sequence { return toplevel.FirmwareInstall(l, path) }, refresh: true}, nil
	case KindSettingsBackup:
		dir := c.backupLocation(req.Argument)
		return plan{build: func(l *toplevel.Link) *toplevel.Sequence { return toplevel.SettingsBackup(l, dir) }}, nil
	case KindSettingsRestore:
		source := c.backupLocation(req.Argument)
		return plan{build: func(l *toplevel.Link) *toplevel.Sequence { return toplevel.SettingsRestore(l, source) }}, nil
	case KindFactoryReset:
		return plan{build: toplevel.FactoryReset, refresh: true}, nil
	case KindRestart:
		return plan{build: toplevel.Restart}, nil
	default:
		return plan{}, fmt.Errorf("unknown operation %q", req.Kind)
	}
}

func (c *Controller) backupLocation(arg string) string {
	if strings.TrimSpace(arg) != "" {
		return arg
	}
	return c.cfg.Paths.BackupDir
}

// checkUpdate refuses a bundle that would not move the device forward and
// notes when it comes from a channel other than the preferred one.
func (c *Controller) checkUpdate(bundle *updates.Bundle, force bool) error {
	info := c.state.Info()
	if preferred, err := updates.ParseChannel(c.cfg.Update.Channel); err == nil && bundle.Version.Channel != preferred {
		c.logger.Info("bundle is outside the preferred update channel",
			logging.String("bundle_channel", bundle.Version.Channel.String()),
			logging.String("preferred_channel", preferred.String()))
	}
	if force || info.Recovery() {
		return nil
	}
	if updates.CanUpdate(info.Firmware, bundle.Version, info.Status()) || updates.CanInstall(info.Firmware, bundle.Version) {
		return nil
	}
	return services.Wrap(services.ErrInvalidDevice, component, "full update",
		fmt.Sprintf("device already runs %s, which is not older than the bundle %s", info.Firmware.Identity(), bundle.Version.Identity()), nil)
}

// Run executes one top-level operation and waits for it. The operation is
// refused while an earlier failure is unacknowledged. Failures are recorded
// on the device state and, when a history store is set, in the history.
func (c *Controller) Run(ctx context.Context, req Request) (Result, error) {
	if err := c.opened(); err != nil {
		return Result{}, err
	}
	if err := c.state.Ready(); err != nil {
		return Result{}, services.Wrap(services.ErrInvalidDevice, component, string(req.Kind), "clear the previous error first", err)
	}

	res := Result{CorrelationID: uuid.NewString()}
	info := c.state.Info()
	ctx = services.WithDevice(ctx, info.USB.SerialNumber)
	ctx = services.WithOperation(ctx, string(req.Kind))
	ctx = services.WithRequestID(ctx, res.CorrelationID)
	logger := logging.WithContext(ctx, c.logger)

	var record *history.Record
	if c.history != nil {
		var err error
		record, err = c.history.Begin(ctx, history.Record{
			CorrelationID:   res.CorrelationID,
			Operation:       string(req.Kind),
			Argument:        req.Argument,
			DeviceSerial:    info.USB.SerialNumber,
			DeviceName:      info.Name,
			DeviceMode:      info.Mode().String(),
			FirmwareVersion: info.Firmware.Identity(),
		})
		if err != nil {
			logger.Warn("failed to record operation start",
				logging.Error(err),
				logging.String(logging.FieldEventType, "history_write_failed"),
				logging.String(logging.FieldImpact, "the operation will be missing from history"))
		}
	}

	logger.Info("operation started", logging.String("argument", req.Argument))
	started := time.Now()
	p, err := c.resolve(req)
	ran := err == nil
	if ran {
		c.setActive(res.CorrelationID)
		var inner *toplevel.Sequence
		var op operation.Operation
		op, err = c.await(ctx, func() (operation.Operation, error) {
			seq := c.wrap(req, p, &inner)
			return seq, nil
		})
		c.setActive("")
		res.Stage = stageOf(inner, op)
		c.state.SetPersistent(false)
		c.state.SetProgress("", 0)
	}
	res.Elapsed = time.Since(started)

	if err != nil {
		if ran {
			if refused := c.state.SetError(err); refused != nil {
				logger.Debug("device error already set", logging.Error(refused))
			}
		}
		logger.Error("operation failed",
			logging.Args(append(logging.FailureAttrs(err),
				logging.String(logging.FieldStage, res.Stage),
				logging.Duration("elapsed", res.Elapsed),
				logging.String(logging.FieldEventType, "operation_failed"),
			)...)...)
	} else {
		logger.Info("operation finished",
			logging.Duration("elapsed", res.Elapsed),
			logging.String(logging.FieldEventType, "operation_complete"))
	}

	if record != nil {
		if herr := c.history.Finish(context.WithoutCancel(ctx), record.ID, res.Stage, err); herr != nil {
			logger.Warn("failed to record operation result",
				logging.Error(herr),
				logging.String(logging.FieldEventType, "history_write_failed"),
				logging.String(logging.FieldImpact, "the history shows the operation as running"))
		}
	}
	return res, err
}

func stageOf(inner *toplevel.Sequence, outer operation.Operation) string {
	if inner != nil && inner.Stage() != "" {
		return inner.Stage()
	}
	if seq, ok := outer.(*toplevel.Sequence); ok {
		return seq.Stage()
	}
	return ""
}

// wrap surrounds the operation with the session and screen-stream hand-off.
// The stream is stopped first when the device is in normal mode and resumed
// only after success in normal mode. Runs on the loop.
func (c *Controller) wrap(req Request, p plan, inner **toplevel.Sequence) *toplevel.Sequence {
	l := c.link
	wasStreaming := c.state.Streaming()
	streamSkip := func() bool { return !wasStreaming || l.Recovery() || !l.SessionUp() }

	seq := toplevel.NewSequence(c.loop, string(req.Kind), c.opts.Logger)
	seq.Append(
		toplevel.Stage{Name: "preparing session", Skip: l.Recovery, Action: c.ensureSession},
		toplevel.Stage{Name: "stopping screen stream", Skip: streamSkip, Action: c.setStreaming(false)},
		toplevel.Stage{Name: string(req.Kind), Inline: true, Action: func() (operation.Operation, error) {
			op := p.build(l)
			op.OnStage(func(_ int, name string) {
				c.setStage(name)
				if req.OnStage != nil {
					req.OnStage(name)
				}
			})
			*inner = op
			return op, nil
		}},
		toplevel.Stage{
			Name: "refreshing device info",
			Skip: func() bool { return !p.refresh || l.Recovery() },
			Action: func() (operation.Operation, error) {
				return probe.Normal(l, c.probeOptions(wasStreaming)), nil
			},
		},
		toplevel.Stage{Name: "resuming screen stream", Skip: streamSkip, Action: func() (operation.Operation, error) {
			op, _ := c.setStreaming(true)()
			return toplevel.Optional(c.loop, op, func(err error) {
				if err != nil {
					c.logger.Warn("failed to resume screen stream",
						logging.Error(err),
						logging.String(logging.FieldEventType, "stream_resume_failed"),
						logging.String(logging.FieldImpact, "screen mirroring stays off"))
				}
			}), nil
		}},
	)
	return seq
}

// ensureSession brings the RPC session up, reopening the serial port when
// no session is attached. Runs on the loop.
func (c *Controller) ensureSession() (operation.Operation, error) {
	switch {
	case c.link.SessionUp():
		return nil, nil
	case c.link.Session() != nil:
		return c.client.StartSession(), nil
	default:
		return c.link.Connect(), nil
	}
}

func (c *Controller) setStreaming(on bool) func() (operation.Operation, error) {
	return func() (operation.Operation, error) {
		var op operation.Operation
		if on {
			op = c.client.StartStream()
		} else {
			op = c.client.StopStream()
		}
		op.OnFinished(func(err error) {
			if err == nil {
				c.state.SetStreaming(on)
			}
		})
		return op, nil
	}
}

// SetStreaming turns screen streaming on or off. Streaming is never enabled
// in recovery mode.
func (c *Controller) SetStreaming(ctx context.Context, on bool) error {
	if err := c.opened(); err != nil {
		return err
	}
	if err := c.state.Ready(); err != nil {
		return services.Wrap(services.ErrInvalidDevice, component, "stream", "clear the previous error first", err)
	}
	_, err := c.await(ctx, func() (operation.Operation, error) {
		if c.link.Recovery() {
			if !on {
				return operation.Immediate(c.loop, "stop screen stream", func() error { return nil }), nil
			}
			return nil, services.Wrap(services.ErrInvalidDevice, component, "stream", "device is in recovery mode", nil)
		}
		seq := toplevel.NewSequence(c.loop, "screen stream", c.opts.Logger)
		seq.Append(
			toplevel.Stage{Name: "preparing session", Action: c.ensureSession},
			toplevel.Stage{Name: "toggling stream", Action: c.setStreaming(on)},
		)
		return seq, nil
	})
	return err
}
