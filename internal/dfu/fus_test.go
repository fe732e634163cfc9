package dfu_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"zeroflash/internal/dfu"
	"zeroflash/internal/services"
	"zeroflash/internal/testsupport"
)

func newFUSDriver(t *testing.T) (*dfu.Driver, *testsupport.FakeDFU, *int) {
	t.Helper()
	fake := testsupport.NewFakeDFU(factory)
	sleeps := 0
	driver := dfu.NewDriver(fake.Opener(), dfu.Options{
		FUSPoll: time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			if d == time.Millisecond {
				sleeps++
			}
			return nil
		},
	}, nil)
	return driver, fake, &sleeps
}

func inTransaction(t *testing.T, driver *dfu.Driver, fn func(ctx context.Context) error) error {
	t.Helper()
	return dfu.WithTransaction(context.Background(), driver, fn)
}

func TestStartFUSWakesCoprocessor(t *testing.T) {
	driver, fake, _ := newFUSDriver(t)
	err := inTransaction(t, driver, func(ctx context.Context) error {
		if err := driver.StartFUS(ctx); err != nil {
			return err
		}
		return driver.CheckFUS(ctx)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !fake.FUSActive {
		t.Fatal("fus not running after start")
	}
	want := []string{"state", "state", "state"}
	if !slices.Equal(fake.FUSRequests, want) {
		t.Fatalf("unexpected requests %v", fake.FUSRequests)
	}
}

func TestStartFUSWhenAlreadyRunning(t *testing.T) {
	driver, fake, _ := newFUSDriver(t)
	fake.FUSActive = true
	err := inTransaction(t, driver, func(ctx context.Context) error {
		return driver.StartFUS(ctx)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(fake.FUSRequests) != 1 {
		t.Fatalf("expected a single state request, got %v", fake.FUSRequests)
	}
}

func TestCheckFUSFailsWhileStackRuns(t *testing.T) {
	driver, _, _ := newFUSDriver(t)
	err := inTransaction(t, driver, func(ctx context.Context) error {
		return driver.CheckFUS(ctx)
	})
	if services.KindOf(err) != services.KindRecoveryAccess {
		t.Fatalf("expected recovery access error, got %v", err)
	}
}

func TestFUSRequestsWaitUntilIdle(t *testing.T) {
	driver, fake, sleeps := newFUSDriver(t)
	fake.FUSActive = true
	fake.FUSBusyPolls = 3
	err := inTransaction(t, driver, func(ctx context.Context) error {
		if err := driver.DeleteWirelessStack(ctx); err != nil {
			return err
		}
		return driver.UpgradeWirelessStack(ctx)
	})
	if err != nil {
		t.Fatalf("fus requests: %v", err)
	}
	var commands []string
	for _, r := range fake.FUSRequests {
		if r != "state" {
			commands = append(commands, r)
		}
	}
	if !slices.Equal(commands, []string{"delete", "upgrade"}) {
		t.Fatalf("unexpected commands %v", commands)
	}
	if *sleeps != 6 {
		t.Fatalf("expected one wait per busy reply, got %d", *sleeps)
	}
}

func TestFUSUpgradeErrorReported(t *testing.T) {
	driver, fake, _ := newFUSDriver(t)
	fake.FUSActive = true
	fake.FUSUpgradeError = 0x12
	err := inTransaction(t, driver, func(ctx context.Context) error {
		return driver.UpgradeWirelessStack(ctx)
	})
	if services.KindOf(err) != services.KindRecoveryAccess {
		t.Fatalf("expected recovery access error, got %v", err)
	}
}

func TestFUSRequestRejectedBeforeStart(t *testing.T) {
	driver, fake, _ := newFUSDriver(t)
	err := inTransaction(t, driver, func(ctx context.Context) error {
		return driver.DeleteWirelessStack(ctx)
	})
	if services.KindOf(err) != services.KindRecoveryAccess {
		t.Fatalf("expected recovery access error, got %v", err)
	}
	if slices.Contains(fake.FUSRequests, "delete") {
		t.Fatal("delete accepted while the wireless stack runs")
	}
}

func TestFUSCallsOutsideTransactionRejected(t *testing.T) {
	driver, fake, _ := newFUSDriver(t)
	ctx := context.Background()
	checks := map[string]error{
		"state":   func() error { _, err := driver.FUSStatus(ctx); return err }(),
		"start":   driver.StartFUS(ctx),
		"check":   driver.CheckFUS(ctx),
		"delete":  driver.DeleteWirelessStack(ctx),
		"upgrade": driver.UpgradeWirelessStack(ctx),
	}
	for name, err := range checks {
		if !errors.Is(err, dfu.ErrNoTransaction) {
			t.Errorf("%s: expected ErrNoTransaction, got %v", name, err)
		}
	}
	if fake.Opens != 0 {
		t.Fatal("device opened outside a transaction")
	}
}
