package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zeroflash/internal/config"
	"zeroflash/internal/controller"
	"zeroflash/internal/daemon"
	"zeroflash/internal/device"
	"zeroflash/internal/ipc"
	"zeroflash/internal/logging"
	"zeroflash/internal/testsupport"
	"zeroflash/internal/toplevel"
	"zeroflash/internal/usb"
)

type cliTestEnv struct {
	cfg        *config.Config
	bench      *testsupport.Bench
	configPath string
}

func setupCLITestEnv(t *testing.T, mode device.Mode) *cliTestEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(t.TempDir(), "config.toml")
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{cfg: cfg, bench: testsupport.NewBench(t, mode), configPath: configPath}
}

func (e *cliTestEnv) deps() commandDeps {
	return commandDeps{
		linkOptions: func(*config.Config, *slog.Logger) toplevel.LinkOptions { return e.bench.Options },
		bus:         func(*config.Config, *slog.Logger) usb.Lister { return e.bench.Bus },
	}
}

// startDaemon serves a daemon over the configured socket until the test ends.
func (e *cliTestEnv) startDaemon(t *testing.T) {
	t.Helper()
	if err := e.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store := testsupport.MustOpenHistory(t, e.cfg)
	logger := logging.NewNop()
	ctl, err := controller.New(controller.Options{Config: e.cfg, Link: e.bench.Options, History: store, Logger: logger})
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}
	d, err := daemon.New(e.cfg, ctl, store, e.bench.Bus, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	d.SetWatcher(nopWatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv, err := ipc.NewServer(ctx, e.cfg.SocketPath(), d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping daemon CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	waitFor(t, 5*time.Second, d.DeviceOpen)
}

type nopWatcher struct{}

func (nopWatcher) Start(context.Context) error { return nil }
func (nopWatcher) Stop()                       {}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommandWith(e.deps())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", e.configPath, "--log-level", "error"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
