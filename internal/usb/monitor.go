package usb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"zeroflash/internal/device"
	"zeroflash/internal/logging"
)

// Action is the hot-plug transition of an Event.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Event is one hot-plug notification for a device of the monitored vendor.
// Remove events carry no serial number because sysfs is already gone.
type Event struct {
	Action Action
	USB    device.USBInfo
}

// Monitor listens for udev netlink events and forwards add and remove events
// for the configured vendor.
type Monitor struct {
	vendorID uint16
	logger   *slog.Logger
	handler  func(ctx context.Context, ev Event)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewMonitor creates a monitor. handler runs on the monitor goroutine.
func NewMonitor(vendorID uint16, logger *slog.Logger, handler func(ctx context.Context, ev Event)) *Monitor {
	return &Monitor{
		vendorID: vendorID,
		logger:   logging.NewComponentLogger(logger, "usb-monitor"),
		handler:  handler,
	}
}

// Start begins listening. A missing netlink socket is logged and tolerated;
// the daemon then only sees the device it probed at startup.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; hot-plug detection disabled",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to access netlink sockets"),
			logging.String(logging.FieldImpact, "device reconnects are not noticed until the next command"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("usb monitor started",
		logging.String(logging.FieldEventType, "usb_monitor_started"),
		logging.String("vendor_id", fmt.Sprintf("%04x", m.vendorID)),
	)
	return nil
}

// Stop shuts the monitor down.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false

	m.logger.Info("usb monitor stopped",
		logging.String(logging.FieldEventType, "usb_monitor_stopped"),
	)
}

// Running reports whether the monitor is active.
func (m *Monitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, m.matcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			if ev, ok := m.toEvent(uevent); ok {
				m.dispatch(ctx, ev)
			}
		case err := <-errs:
			m.logger.Warn("netlink monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "usb_monitor_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "hot-plug detection may miss events"),
			)
		}
	}
}

// matcher selects add and remove events of whole USB devices of the vendor.
func (m *Monitor) matcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "usb",
			"DEVTYPE":   "usb_device",
			"PRODUCT":   fmt.Sprintf("^%x/", m.vendorID),
		},
	})
	return rules
}

func (m *Monitor) toEvent(uevent netlink.UEvent) (Event, bool) {
	info, ok := infoFromEnv(uevent.Env)
	if !ok || info.Mode() == device.ModeUnknown {
		return Event{}, false
	}
	ev := Event{USB: info}
	switch Action(uevent.Action) {
	case ActionAdd:
		ev.Action = ActionAdd
		ev.USB.SysPath = "/sys" + uevent.KObj
		ev.USB.SerialNumber = readAttr(ev.USB.SysPath, "serial")
	case ActionRemove:
		ev.Action = ActionRemove
	default:
		return Event{}, false
	}
	return ev, true
}

func (m *Monitor) dispatch(ctx context.Context, ev Event) {
	m.logger.Info("usb device event",
		logging.String(logging.FieldEventType, "usb_"+string(ev.Action)),
		logging.String("mode", ev.USB.Mode().String()),
		logging.String(logging.FieldDevice, ev.USB.SerialNumber),
	)
	if m.handler != nil {
		m.handler(ctx, ev)
	}
}
