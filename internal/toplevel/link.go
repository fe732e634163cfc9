package toplevel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zeroflash/internal/device"
	"zeroflash/internal/deviceops"
	"zeroflash/internal/dfu"
	"zeroflash/internal/eventloop"
	"zeroflash/internal/logging"
	"zeroflash/internal/operation"
	"zeroflash/internal/rpc"
	"zeroflash/internal/services"
	"zeroflash/internal/usb"
)

// Timing bounds the waits around mode switches.
type Timing struct {
	DeviceWait time.Duration
	PortPoll   time.Duration
	PortTries  int
	Settle     time.Duration
	MinBackup  time.Duration
}

// LinkOptions supplies the outside world a Link talks to.
type LinkOptions struct {
	Bus      usb.Lister
	FindPort func(serial string) (string, error)
	OpenPort func(name string) (rpc.Port, error)
	OpenDFU  func(info device.USBInfo) dfu.Opener
	DFU      dfu.Options
	Session  rpc.Options
	Timing   Timing
	WorkDir  string
}

// Link owns the connection to one device across mode switches. It holds the
// current RPC session, rebinds the primitive-operation client when the port
// is reopened, and publishes every new enumeration into the device state.
// Apart from the constructor, its methods must be called on the loop.
type Link struct {
	loop    *eventloop.Loop
	state   *device.State
	client  *deviceops.Client
	opts    LinkOptions
	logger  *slog.Logger
	session *rpc.Session
}

// NewLink binds a link to state. client is rebound whenever a session is
// attached or detached.
func NewLink(loop *eventloop.Loop, state *device.State, client *deviceops.Client, opts LinkOptions, logger *slog.Logger) *Link {
	if opts.Timing.PortTries <= 0 {
		opts.Timing.PortTries = 1
	}
	if opts.Timing.PortPoll <= 0 {
		opts.Timing.PortPoll = 15 * time.Millisecond
	}
	return &Link{
		loop:   loop,
		state:  state,
		client: client,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "link"),
	}
}

// Loop returns the loop every link operation runs on.
func (l *Link) Loop() *eventloop.Loop { return l.loop }
func (l *Link) State() *device.State { return l.state }
func (l *Link) Client() *deviceops.Client { return l.client }
func (l *Link) Timing() Timing { return l.opts.Timing }
func (l *Link) WorkDir() string { return l.opts.WorkDir }
func (l *Link) Session() *rpc.Session { return l.session }
func (l *Link) Recovery() bool { return l.state.Info().Recovery() }
func (l *Link) Logger() *slog.Logger { return l.logger }

// SessionUp reports whether RPC requests can be issued right now.
func (l *Link) SessionUp() bool { return l.session != nil && l.session.Up() }

// Driver returns a DFU driver for the device as currently enumerated.
func (l *Link) Driver() *dfu.Driver {
	return dfu.NewDriver(l.opts.OpenDFU(l.state.Info().USB), l.opts.DFU, l.logger)
}

// Attach binds a new session to port and makes it current.
func (l *Link) Attach(port rpc.Port) *rpc.Session {
	l.Detach()
	session := rpc.NewSession(l.loop, port, l.opts.Session, l.logger)
	session.OnLost(func(err error) {
		l.logger.Warn("serial link lost",
			logging.Error(err),
			logging.String(logging.FieldEventType, "serial_lost"),
			logging.String(logging.FieldErrorHint, "the device was unplugged or rebooted"),
			logging.String(logging.FieldImpact, "pending requests failed"),
		)
	})
	session.Open()
	l.session = session
	l.client.SetSession(session)
	return session
}

// Detach closes the current session, if any.
func (l *Link) Detach() {
	if l.session == nil {
		return
	}
	l.session.Close()
	l.session = nil
	l.client.SetSession(nil)
}

// findPort polls for the serial port of serial and opens it.
func (l *Link) findPort(ctx context.Context, serial string) (string, rpc.Port, error) {
	timing := l.opts.Timing
	var lastErr error
	for try := 0; try < timing.PortTries; try++ {
		name, err := l.opts.FindPort(serial)
		if err != nil {
			lastErr = err
		} else if name != "" {
			port, err := l.opts.OpenPort(name)
			if err != nil {
				return "", nil, services.Wrap(services.ErrInvalidDevice, "link", "open serial port", name, err)
			}
			return name, port, nil
		}
		select {
		case <-ctx.Done():
			return "", nil, services.Wrap(services.ErrInvalidDevice, "link", "find serial port", "", ctx.Err())
		case <-time.After(timing.PortPoll):
		}
	}
	return "", nil, services.Wrap(services.ErrInvalidDevice, "link", "find serial port",
		fmt.Sprintf("no port for %s after %d tries", serial, timing.PortTries), lastErr)
}

// Connect opens the serial port of the device and brings an RPC session up.
func (l *Link) Connect() operation.Operation {
	var (
		name string
		port rpc.Port
	)
	seq := NewSequence(l.loop, "connect", l.logger)
	seq.Append(
		Stage{Name: "opening serial port", Action: func() (operation.Operation, error) {
			serial := l.state.Info().USB.SerialNumber
			return operation.NewFunc(l.loop, "open serial port", func(ctx context.Context) error {
				var err error
				name, port, err = l.findPort(ctx, serial)
				return err
			}), nil
		}},
		Stage{Name: "binding session", Action: Sync(func() error {
			l.Attach(port)
			info := l.state.Info()
			info.Port = name
			l.state.SetInfo(info)
			return nil
		})},
		Stage{Name: "starting session", Action: func() (operation.Operation, error) {
			return l.client.StartSession(), nil
		}},
	)
	return seq
}

// WaitFor waits until the device re-enumerates in mode and publishes the new
// USB identity. The serial port binding is cleared; Connect sets it again.
func (l *Link) WaitFor(mode device.Mode) operation.Operation {
	var found device.USBInfo
	seq := NewSequence(l.loop, "wait for "+mode.String()+" mode", l.logger)
	seq.Append(
		Stage{Name: "waiting for device", Action: func() (operation.Operation, error) {
			serial := l.state.Info().USB.SerialNumber
			timing := l.opts.Timing
			return operation.NewFunc(l.loop, "wait for device", func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, timing.DeviceWait)
				defer cancel()
				var err error
				found, err = usb.WaitFor(ctx, l.opts.Bus, serial, mode, timing.PortPoll)
				return err
			}), nil
		}},
		Stage{Name: "publishing device", Action: Sync(func() error {
			info := l.state.Info()
			info.USB = found
			info.Port = ""
			l.state.SetInfo(info)
			l.logger.Info("device re-enumerated",
				logging.String(logging.FieldEventType, "device_mode_changed"),
				logging.String("mode", mode.String()),
				logging.String(logging.FieldDevice, found.SerialNumber))
			return nil
		})},
		Stage{Name: "settling", Action: func() (operation.Operation, error) {
			if l.opts.Timing.Settle <= 0 {
				return nil, nil
			}
			return operation.Delay(l.loop, "settle", l.opts.Timing.Settle), nil
		}},
	)
	return seq
}
