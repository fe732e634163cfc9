package daemon_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"zeroflash/internal/config"
	"zeroflash/internal/controller"
	"zeroflash/internal/daemon"
	"zeroflash/internal/device"
	"zeroflash/internal/history"
	"zeroflash/internal/testsupport"
	"zeroflash/internal/usb"
)

type nopWatcher struct{ started, stopped atomic.Bool }

func (w *nopWatcher) Start(context.Context) error { w.started.Store(true); return nil }
func (w *nopWatcher) Stop()                       { w.stopped.Store(true) }

type fixture struct {
	daemon  *daemon.Daemon
	bench   *testsupport.Bench
	cfg     *config.Config
	history *history.Store
	watcher *nopWatcher
}

func newFixture(t *testing.T, cfg *config.Config, bench *testsupport.Bench) *fixture {
	t.Helper()
	store := testsupport.MustOpenHistory(t, cfg)
	ctl, err := controller.New(controller.Options{Config: cfg, Link: bench.Options, History: store})
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}
	d, err := daemon.New(cfg, ctl, store, bench.Bus, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	w := &nopWatcher{}
	d.SetWatcher(w)
	return &fixture{daemon: d, bench: bench, cfg: cfg, history: store, watcher: w}
}

func start(t *testing.T, f *fixture) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.daemon.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDaemonOpensDeviceAndReportsStatus(t *testing.T) {
	f := newFixture(t, testsupport.NewConfig(t), testsupport.NewBench(t, device.ModeNormal))
	start(t, f)
	ctx := context.Background()

	waitFor(t, "device open", f.daemon.DeviceOpen)
	status := f.daemon.Status(ctx)
	if !status.Running || status.Device.Info.Name != testsupport.RigName {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.LockFilePath != f.cfg.LockPath() || status.HistoryPath != f.cfg.HistoryPath() {
		t.Fatalf("unexpected paths %+v", status)
	}
	if !f.watcher.started.Load() {
		t.Fatal("watcher not started")
	}

	res, err := f.daemon.RunOperation(ctx, controller.Request{Kind: controller.KindRestart})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	records, err := f.daemon.History(ctx, history.Filter{Limit: 5})
	if err != nil || len(records) != 1 || records[0].CorrelationID != res.CorrelationID {
		t.Fatalf("unexpected history %+v %v", records, err)
	}
}

func TestDaemonFollowsHotPlug(t *testing.T) {
	f := newFixture(t, testsupport.NewConfig(t), testsupport.NewBench(t, device.ModeNormal))
	start(t, f)
	ctx := context.Background()
	waitFor(t, "device open", f.daemon.DeviceOpen)

	f.daemon.HandleEvent(ctx, usb.Event{Action: usb.ActionRemove})
	time.Sleep(20 * time.Millisecond)
	if !f.daemon.Status(ctx).Device.Online {
		t.Fatal("remove of another device took ours offline")
	}

	f.bench.Bus.Unplug(testsupport.RigSerial)
	f.daemon.HandleEvent(ctx, usb.Event{Action: usb.ActionRemove})
	waitFor(t, "device offline", func() bool { return !f.daemon.Status(ctx).Device.Online })

	f.bench.Device.SetInfo("hardware_name", "Replugged")
	info := testsupport.USBInfo(testsupport.RigSerial, device.ModeNormal)
	f.bench.Bus.Plug(info)
	f.daemon.HandleEvent(ctx, usb.Event{Action: usb.ActionAdd, USB: info})
	waitFor(t, "device re-probed", func() bool {
		snap := f.daemon.Status(ctx).Device
		return snap.Online && snap.Info.Name == "Replugged"
	})
}

func TestDaemonWaitsForDevice(t *testing.T) {
	bench := testsupport.NewBench(t, device.ModeNormal)
	bench.Bus.Unplug(testsupport.RigSerial)
	f := newFixture(t, testsupport.NewConfig(t), bench)
	start(t, f)
	ctx := context.Background()

	waitFor(t, "open attempt", func() bool { return f.daemon.Status(ctx).OpenError != "" })
	if _, err := f.daemon.RunOperation(ctx, controller.Request{Kind: controller.KindRestart}); err == nil {
		t.Fatal("expected operation without a device to fail")
	}

	info := testsupport.USBInfo(testsupport.RigSerial, device.ModeNormal)
	bench.Bus.Plug(info)
	f.daemon.HandleEvent(ctx, usb.Event{Action: usb.ActionAdd, USB: info})
	waitFor(t, "device open", f.daemon.DeviceOpen)
}

func TestDaemonSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := newFixture(t, cfg, testsupport.NewBench(t, device.ModeRecovery))
	start(t, first)
	waitFor(t, "device open", first.daemon.DeviceOpen)

	second := newFixture(t, cfg, testsupport.NewBench(t, device.ModeRecovery))
	if err := second.daemon.Run(context.Background()); err == nil {
		t.Fatal("expected second daemon to fail")
	}
}

func TestDaemonMarksInterruptedOperations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	f := newFixture(t, cfg, testsupport.NewBench(t, device.ModeRecovery))
	if _, err := f.history.Begin(context.Background(), history.Record{CorrelationID: "stale", Operation: "full_update"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	start(t, f)
	waitFor(t, "device open", f.daemon.DeviceOpen)

	rec, err := f.history.GetByCorrelation(context.Background(), "stale")
	if err != nil || rec == nil || rec.Status != history.StatusInterrupted {
		t.Fatalf("expected interrupted record, got %+v %v", rec, err)
	}
	if err := f.daemon.ClearError(context.Background()); err != nil {
		t.Fatalf("ClearError: %v", err)
	}
	if err := f.daemon.Abort("test"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
}
