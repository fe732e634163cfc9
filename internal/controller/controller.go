package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"zeroflash/internal/config"
	"zeroflash/internal/device"
	"zeroflash/internal/deviceops"
	"zeroflash/internal/eventloop"
	"zeroflash/internal/history"
	"zeroflash/internal/logging"
	"zeroflash/internal/operation"
	"zeroflash/internal/probe"
	"zeroflash/internal/services"
	"zeroflash/internal/toplevel"
)

const component = "controller"

// Options configures a Controller.
type Options struct {
	Config *config.Config
	// Link reaches the hardware. SystemLinkOptions builds the real one.
	Link toplevel.LinkOptions
	// History records top-level operations when set.
	History *history.Store
	Logger  *slog.Logger
	// Now supplies the host time the device clock is set to.
	Now func() time.Time
}

// Controller owns one device: the loop every operation runs on, the link and
// its RPC session, the operation runner, and the published state. It holds
// an exclusive lock on the device for as long as it is open.
type Controller struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	history *history.Store

	loop   *eventloop.Loop
	cancel context.CancelFunc
	done   chan struct{}

	state  *device.State
	client *deviceops.Client
	link   *toplevel.Link
	runner *operation.Runner

	lock *flock.Flock

	mu     sync.Mutex
	closed bool
	active string
	stage  string
}

// New validates the options and returns a closed controller.
func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, errors.New("controller requires config")
	}
	if opts.Link.Bus == nil || opts.Link.FindPort == nil || opts.Link.OpenPort == nil || opts.Link.OpenDFU == nil {
		return nil, errors.New("controller requires bus, serial port, and dfu access")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Link.WorkDir == "" {
		opts.Link.WorkDir = opts.Config.Paths.StateDir
	}
	if opts.Link.Timing == (toplevel.Timing{}) {
		opts.Link.Timing = TimingFromConfig(opts.Config)
	}
	return &Controller{
		cfg:     opts.Config,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, component),
		history: opts.History,
		closed:  true,
	}, nil
}

// Open finds the configured device, locks it, and probes it.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.mu.Unlock()
		return errors.New("controller already open")
	}
	c.mu.Unlock()

	found, err := probe.Discover(ctx, c.opts.Link.Bus, c.cfg.Device.SerialNumber)
	if err != nil {
		return err
	}

	if err := c.cfg.EnsureDirectories(); err != nil {
		return services.Wrap(services.ErrDisk, component, "open", "", err)
	}
	lockPath := c.cfg.DeviceLockPath(found.SerialNumber)
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return services.Wrap(services.ErrDisk, component, "lock device", lockPath, err)
	}
	if !ok {
		return services.Wrap(services.ErrInvalidDevice, component, "lock device",
			"device "+found.SerialNumber+" is in use by another zeroflash process", services.ErrDeviceBusy)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := eventloop.New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(loopCtx)
	}()

	state := device.NewState(device.Info{USB: found})
	client := deviceops.NewClient(loop, nil, c.cfg.RPCTimeout(), c.opts.Logger)
	link := toplevel.NewLink(loop, state, client, c.opts.Link, c.opts.Logger)
	runner := operation.NewRunner(loop, c.opts.Logger)

	c.mu.Lock()
	c.lock = lock
	c.loop = loop
	c.cancel = cancel
	c.done = done
	c.state = state
	c.client = client
	c.link = link
	c.runner = runner
	c.closed = false
	c.mu.Unlock()

	c.logger.Info("device opened",
		logging.String(logging.FieldDevice, found.SerialNumber),
		logging.String("mode", found.Mode().String()),
		logging.String("lock", lockPath))

	if err := c.Refresh(ctx); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// Close aborts pending work, closes the session, stops the loop, and
// releases the device lock.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	loop, cancel, done, lock := c.loop, c.cancel, c.done, c.lock
	runner, link := c.runner, c.link
	c.mu.Unlock()

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = loop.Call(ctx, func() {
		runner.Abort("controller closed")
		link.Detach()
	})
	cancel()
	<-done

	if err := lock.Unlock(); err != nil {
		c.logger.Warn("failed to release device lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "device_unlock_failed"),
			logging.String(logging.FieldErrorHint, "remove the lock file if no zeroflash process is running"),
			logging.String(logging.FieldImpact, "the next run may report the device as busy"))
	}
	return nil
}

// State returns the published device state. It is nil before Open.
func (c *Controller) State() *device.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the device state.
func (c *Controller) Snapshot() device.Snapshot {
	if state := c.State(); state != nil {
		return state.Snapshot()
	}
	return device.Snapshot{}
}

// Active returns the correlation id of the running top-level operation.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Stage returns the stage the running top-level operation is in.
func (c *Controller) Stage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

func (c *Controller) setActive(id string) {
	c.mu.Lock()
	c.active = id
	c.stage = ""
	c.mu.Unlock()
}

func (c *Controller) setStage(name string) {
	c.mu.Lock()
	c.stage = name
	c.mu.Unlock()
}

func (c *Controller) opened() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return services.Wrap(services.ErrInvalidDevice, component, "", "no device open", nil)
	}
	return nil
}

// ClearError acknowledges the last failure so new operations may start.
func (c *Controller) ClearError(ctx context.Context) error {
	if err := c.opened(); err != nil {
		return err
	}
	return c.loop.Call(ctx, func() {
		c.runner.ClearError()
		c.state.ClearError()
	})
}

// Abort fails the running operation and discards anything queued.
func (c *Controller) Abort(reason string) {
	if c.opened() != nil {
		return
	}
	c.loop.Post(func() { c.runner.Abort(reason) })
}

// Refresh probes the device again and republishes its info. It is refused
// while a mode switch is in progress.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := c.opened(); err != nil {
		return err
	}
	if c.state.Persistent() {
		return services.Wrap(services.ErrInvalidDevice, component, "refresh", "a mode switch is in progress", nil)
	}
	_, err := c.await(ctx, func() (operation.Operation, error) {
		return probe.Probe(c.link, c.probeOptions(false)), nil
	})
	if err != nil {
		c.logger.Warn("device probe failed",
			logging.Args(append(logging.FailureAttrs(err),
				logging.String(logging.FieldDevice, c.state.Info().USB.SerialNumber),
				logging.String(logging.FieldEventType, "probe_failed"),
				logging.String(logging.FieldImpact, "device info may be stale"),
			)...)...)
		return err
	}
	c.state.SetOnline(true)
	return nil
}

func (c *Controller) probeOptions(keepSession bool) probe.Options {
	return probe.Options{
		MaxClockSkew: c.cfg.MaxClockSkew(),
		Now:          c.opts.Now,
		KeepSession:  keepSession,
	}
}

// await builds an operation on the loop, queues it on the runner, and waits
// for it. Cancelling ctx aborts the operation; await still waits for it to
// finish so the loop never outlives its caller mid-operation.
func (c *Controller) await(ctx context.Context, build func() (operation.Operation, error)) (operation.Operation, error) {
	var (
		op       operation.Operation
		buildErr error
		result   = make(chan error, 1)
	)
	if err := c.loop.Call(ctx, func() {
		op, buildErr = build()
		if buildErr != nil {
			return
		}
		op.OnFinished(func(err error) { result <- err })
		c.runner.Enqueue(op)
	}); err != nil {
		return nil, err
	}
	if buildErr != nil {
		return nil, buildErr
	}

	select {
	case err := <-result:
		return op, err
	case <-ctx.Done():
		c.loop.Post(func() { op.Abort(fmt.Sprintf("request cancelled: %v", ctx.Err())) })
	}
	select {
	case err := <-result:
		return op, err
	case <-c.loop.Done():
		return op, services.Wrap(services.ErrAborted, component, op.Description(), "controller closed", nil)
	}
}
