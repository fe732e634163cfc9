// Package daemonrun wires the long-running zeroflash daemon process: logger,
// history store, device controller, hot-plug daemon, and IPC socket.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"zeroflash/internal/config"
	"zeroflash/internal/controller"
	"zeroflash/internal/daemon"
	"zeroflash/internal/history"
	"zeroflash/internal/ipc"
	"zeroflash/internal/logging"
	"zeroflash/internal/logs"
	"zeroflash/internal/usb"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// HistoryRetention prunes finished history records older than this on
	// start. Zero keeps everything.
	HistoryRetention time.Duration
}

// Run starts the zeroflash daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("zeroflash-daemon-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update zeroflash-daemon.log link: %v\n", err)
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := history.Open(cfg)
	if err != nil {
		logger.Error("open history store", logging.Error(err))
		return err
	}
	defer store.Close()
	if opts.HistoryRetention > 0 {
		if removed, err := store.Prune(signalCtx, time.Now().Add(-opts.HistoryRetention)); err != nil {
			logger.Warn("history prune failed", logging.Error(err))
		} else if removed > 0 {
			logger.Info("history pruned", logging.Int64("removed_count", removed))
		}
	}

	ctl, err := controller.New(controller.Options{
		Config:  cfg,
		Link:    controller.SystemLinkOptions(cfg, logger),
		History: store,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	bus := usb.NewScanner(uint16(cfg.Device.VendorID), logger)
	d, err := daemon.New(cfg, ctl, store, bus, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	logger.Info("zeroflash daemon listening",
		logging.String("socket", cfg.SocketPath()),
		logging.String("log", logPath),
		logging.String("device_serial", cfg.Device.SerialNumber))

	if err := d.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped with error",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_failed"),
			logging.String(logging.FieldErrorHint, "check for another running daemon and the state directory permissions"))
		return err
	}
	logger.Info("zeroflash daemon shutting down")
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := logs.CurrentPath(logDir)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
