package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"zeroflash/internal/config"
	"zeroflash/internal/controller"
	"zeroflash/internal/device"
	"zeroflash/internal/history"
	"zeroflash/internal/logging"
	"zeroflash/internal/services"
	"zeroflash/internal/usb"
)

// Watcher delivers hot-plug events. usb.Monitor is the production watcher.
type Watcher interface {
	Start(ctx context.Context) error
	Stop()
}

const eventBuffer = 32

// Daemon keeps one device controller open and follows hot-plug events.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	ctl     *controller.Controller
	history *history.Store
	bus     usb.Lister
	watcher Watcher
	events  chan usb.Event

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	mu      sync.Mutex
	since   time.Time
	open    bool
	openErr string
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                   `json:"running"`
	Since        time.Time              `json:"since,omitempty"`
	DeviceOpen   bool                   `json:"device_open"`
	Device       device.Snapshot        `json:"device"`
	Active       string                 `json:"active_operation,omitempty"`
	Stage        string                 `json:"stage,omitempty"`
	OpenError    string                 `json:"open_error,omitempty"`
	History      map[history.Status]int `json:"history,omitempty"`
	HistoryPath  string                 `json:"history_path"`
	LockFilePath string                 `json:"lock_file_path"`
}

// New constructs a daemon around ctl. bus is consulted to tell whether a
// remove event concerned the controlled device. store may be nil.
func New(cfg *config.Config, ctl *controller.Controller, store *history.Store, bus usb.Lister, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || ctl == nil || bus == nil {
		return nil, errors.New("daemon requires config, controller, and usb bus")
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		ctl:      ctl,
		history:  store,
		bus:      bus,
		events:   make(chan usb.Event, eventBuffer),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.watcher = usb.NewMonitor(uint16(cfg.Device.VendorID), logger, d.HandleEvent)
	return d, nil
}

// SetWatcher replaces the hot-plug source. It must be called before Run.
func (d *Daemon) SetWatcher(w Watcher) {
	d.watcher = w
}

// HandleEvent queues a hot-plug event. It never blocks; events arriving
// while the queue is full are dropped with a warning.
func (d *Daemon) HandleEvent(_ context.Context, ev usb.Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("hot-plug event dropped",
			logging.String("action", string(ev.Action)),
			logging.String(logging.FieldEventType, "hotplug_dropped"),
			logging.String(logging.FieldImpact, "device info may be stale until the next event"))
	}
}

// Run acquires the daemon lock and serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another zeroflash daemon instance is already running")
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	if d.history != nil {
		if n, err := d.history.MarkInterrupted(ctx); err != nil {
			d.logger.Warn("failed to close interrupted operations",
				logging.Error(err),
				logging.String(logging.FieldEventType, "history_recovery_failed"),
				logging.String(logging.FieldImpact, "history may list operations as running"))
		} else if n > 0 {
			d.logger.Warn("operations were interrupted by an earlier exit",
				logging.Int64("count", n),
				logging.String(logging.FieldEventType, "history_interrupted"),
				logging.String(logging.FieldErrorHint, "check the device and rerun the interrupted operation"))
		}
	}

	d.mu.Lock()
	d.since = time.Now()
	d.mu.Unlock()
	d.logger.Info("zeroflash daemon started", logging.String("lock", d.lockPath))

	g, gctx := errgroup.WithContext(ctx)
	if d.watcher != nil {
		if err := d.watcher.Start(gctx); err != nil {
			return fmt.Errorf("start hot-plug watcher: %w", err)
		}
		defer d.watcher.Stop()
	}
	g.Go(func() error {
		d.openDevice(gctx)
		return d.processEvents(gctx)
	})

	err = g.Wait()
	d.closeDevice()
	d.logger.Info("zeroflash daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) processEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.events:
			d.handle(ctx, ev)
		}
	}
}

func (d *Daemon) handle(ctx context.Context, ev usb.Event) {
	switch ev.Action {
	case usb.ActionAdd:
		if !d.DeviceOpen() {
			d.openDevice(ctx)
			return
		}
		if err := d.ctl.Attached(ctx, ev.USB); err != nil {
			d.logger.Warn("device re-probe failed",
				logging.Args(append(logging.FailureAttrs(err),
					logging.String(logging.FieldEventType, "reprobe_failed"),
					logging.String(logging.FieldImpact, "device info may be stale"),
				)...)...)
		}
	case usb.ActionRemove:
		if !d.DeviceOpen() || d.stillPresent(ctx) {
			return
		}
		if err := d.ctl.Detached(ctx); err != nil {
			d.logger.Debug("detach failed", logging.Error(err))
		}
	}
}

// stillPresent reports whether the controlled device is still enumerated,
// which means a remove event was about some other device.
func (d *Daemon) stillPresent(ctx context.Context) bool {
	serial := d.ctl.Snapshot().Info.USB.SerialNumber
	devices, err := d.bus.Devices(ctx)
	if err != nil {
		return false
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.SerialNumber, serial) {
			return true
		}
	}
	return false
}

func (d *Daemon) openDevice(ctx context.Context) {
	err := d.ctl.Open(ctx)
	d.mu.Lock()
	d.open = err == nil
	d.openErr = ""
	if err != nil {
		d.openErr = err.Error()
	}
	d.mu.Unlock()
	if err != nil {
		d.logger.Warn("no device opened",
			logging.Args(append(logging.FailureAttrs(err),
				logging.String(logging.FieldEventType, "device_open_failed"),
				logging.String(logging.FieldImpact, "waiting for the device to be plugged in"),
			)...)...)
	}
}

func (d *Daemon) closeDevice() {
	d.mu.Lock()
	wasOpen := d.open
	d.open = false
	d.mu.Unlock()
	if wasOpen {
		_ = d.ctl.Close()
	}
}

// DeviceOpen reports whether the controller holds the device.
func (d *Daemon) DeviceOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Daemon) requireDevice() error {
	if !d.DeviceOpen() {
		return services.Wrap(services.ErrInvalidDevice, "daemon", "", "no device attached", nil)
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	status := Status{
		Running:      d.running.Load(),
		Since:        d.since,
		DeviceOpen:   d.open,
		OpenError:    d.openErr,
		HistoryPath:  d.cfg.HistoryPath(),
		LockFilePath: d.lockPath,
	}
	d.mu.Unlock()
	if status.DeviceOpen {
		status.Device = d.ctl.Snapshot()
		status.Active = d.ctl.Active()
		status.Stage = d.ctl.Stage()
	}
	if d.history != nil {
		if stats, err := d.history.Stats(ctx); err == nil {
			status.History = stats
		}
	}
	return status
}

// RunOperation runs a top-level operation on the attached device.
func (d *Daemon) RunOperation(ctx context.Context, req controller.Request) (controller.Result, error) {
	if err := d.requireDevice(); err != nil {
		return controller.Result{}, err
	}
	return d.ctl.Run(ctx, req)
}

// Abort cancels the running operation.
func (d *Daemon) Abort(reason string) error {
	if err := d.requireDevice(); err != nil {
		return err
	}
	d.ctl.Abort(reason)
	return nil
}

// ClearError acknowledges the latched device error.
func (d *Daemon) ClearError(ctx context.Context) error {
	if err := d.requireDevice(); err != nil {
		return err
	}
	return d.ctl.ClearError(ctx)
}

// Refresh probes the device again.
func (d *Daemon) Refresh(ctx context.Context) error {
	if err := d.requireDevice(); err != nil {
		return err
	}
	return d.ctl.Refresh(ctx)
}

// SetStreaming turns screen streaming on or off.
func (d *Daemon) SetStreaming(ctx context.Context, on bool) error {
	if err := d.requireDevice(); err != nil {
		return err
	}
	return d.ctl.SetStreaming(ctx, on)
}

// History lists recorded operations, newest first.
func (d *Daemon) History(ctx context.Context, filter history.Filter) ([]history.Record, error) {
	if d.history == nil {
		return nil, errors.New("history store unavailable")
	}
	return d.history.List(ctx, filter)
}

// ClearHistory removes finished history records.
func (d *Daemon) ClearHistory(ctx context.Context) (int64, error) {
	if d.history == nil {
		return 0, errors.New("history store unavailable")
	}
	return d.history.Clear(ctx)
}
