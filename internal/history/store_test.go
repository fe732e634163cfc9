package history_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"zeroflash/internal/history"
	"zeroflash/internal/services"
	"zeroflash/internal/testsupport"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func openStore(t *testing.T) (*history.Store, *clock) {
	t.Helper()
	store := testsupport.MustOpenHistory(t, testsupport.NewConfig(t))
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(c.now)
	return store, c
}

func begin(t *testing.T, store *history.Store, id, op, serial string) *history.Record {
	t.Helper()
	rec, err := store.Begin(context.Background(), history.Record{
		CorrelationID: id,
		Operation:     op,
		DeviceSerial:  serial,
		DeviceName:    "Flipper42",
		DeviceMode:    "normal",
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return rec
}

func TestBeginAndFinishSuccess(t *testing.T) {
	store, c := openStore(t)
	ctx := context.Background()

	rec := begin(t, store, "c-1", "full_update", "FZ0001")
	if rec.ID == 0 || rec.Status != history.StatusRunning {
		t.Fatalf("unexpected record %+v", rec)
	}
	c.advance(90 * time.Second)
	if err := store.Finish(ctx, rec.ID, "cleaning up", nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil || got == nil {
		t.Fatalf("Get: %v %v", got, err)
	}
	if got.Status != history.StatusSucceeded || got.Stage != "cleaning up" {
		t.Fatalf("unexpected outcome %+v", got)
	}
	if got.FinishedAt == nil || got.Duration() != 90*time.Second {
		t.Fatalf("unexpected duration for %+v", got)
	}
	if got.ErrorKind != "" || got.ErrorMessage != "" {
		t.Fatalf("unexpected error fields %+v", got)
	}
}

func TestFinishRecordsErrorKind(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	failed := begin(t, store, "c-1", "firmware_install", "FZ0001")
	opErr := services.Wrap(services.ErrData, "updates", "load firmware", "bad crc", nil)
	if err := store.Finish(ctx, failed.ID, "loading files", opErr); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	aborted := begin(t, store, "c-2", "settings_backup", "FZ0001")
	if err := store.Finish(ctx, aborted.ID, "", services.Wrap(services.ErrAborted, "", "", "", nil)); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, _ := store.GetByCorrelation(ctx, "c-1")
	if got.Status != history.StatusFailed || got.ErrorKind != string(services.KindData) {
		t.Fatalf("unexpected failure record %+v", got)
	}
	got, _ = store.GetByCorrelation(ctx, "c-2")
	if got.Status != history.StatusAborted || got.ErrorKind != "" {
		t.Fatalf("unexpected abort record %+v", got)
	}
}

func TestFinishTwiceFails(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	rec := begin(t, store, "c-1", "restart", "FZ0001")
	if err := store.Finish(ctx, rec.ID, "", nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := store.Finish(ctx, rec.ID, "", nil); err == nil {
		t.Fatal("expected second finish to fail")
	}
}

func TestBeginRejectsDuplicateCorrelation(t *testing.T) {
	store, _ := openStore(t)
	begin(t, store, "c-1", "restart", "FZ0001")
	if _, err := store.Begin(context.Background(), history.Record{CorrelationID: "c-1", Operation: "restart"}); err == nil {
		t.Fatal("expected duplicate correlation id to fail")
	}
	if _, err := store.Begin(context.Background(), history.Record{Operation: "restart"}); err == nil {
		t.Fatal("expected missing correlation id to fail")
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	store, c := openStore(t)
	ctx := context.Background()

	first := begin(t, store, "c-1", "restart", "FZ0001")
	c.advance(time.Minute)
	second := begin(t, store, "c-2", "factory_reset", "FZ0002")
	c.advance(time.Minute)
	third := begin(t, store, "c-3", "settings_backup", "fz0001")
	_ = store.Finish(ctx, first.ID, "", nil)
	_ = store.Finish(ctx, second.ID, "", errors.New("boom"))

	all, err := store.List(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != third.ID || all[2].ID != first.ID {
		t.Fatalf("unexpected order %+v", all)
	}

	mine, _ := store.List(ctx, history.Filter{DeviceSerial: "FZ0001"})
	if len(mine) != 2 {
		t.Fatalf("expected serial filter to match case-insensitively, got %d", len(mine))
	}

	failed, _ := store.List(ctx, history.Filter{Statuses: []history.Status{history.StatusFailed}})
	if len(failed) != 1 || failed[0].ErrorKind != string(services.KindUnknown) {
		t.Fatalf("unexpected failed list %+v", failed)
	}

	limited, _ := store.List(ctx, history.Filter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != third.ID {
		t.Fatalf("unexpected limited list %+v", limited)
	}
}

func TestMarkInterruptedAndMaintenance(t *testing.T) {
	store, c := openStore(t)
	ctx := context.Background()

	old := begin(t, store, "c-1", "restart", "FZ0001")
	_ = store.Finish(ctx, old.ID, "", nil)
	c.advance(48 * time.Hour)
	begin(t, store, "c-2", "full_update", "FZ0001")

	n, err := store.MarkInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("MarkInterrupted: %d %v", n, err)
	}
	got, _ := store.GetByCorrelation(ctx, "c-2")
	if got.Status != history.StatusInterrupted || got.FinishedAt == nil {
		t.Fatalf("unexpected interrupted record %+v", got)
	}

	pruned, err := store.Prune(ctx, c.now().Add(-24*time.Hour))
	if err != nil || pruned != 1 {
		t.Fatalf("Prune: %d %v", pruned, err)
	}
	stats, _ := store.Stats(ctx)
	if stats[history.StatusInterrupted] != 1 || stats[history.StatusSucceeded] != 0 {
		t.Fatalf("unexpected stats %v", stats)
	}

	cleared, err := store.Clear(ctx)
	if err != nil || cleared != 1 {
		t.Fatalf("Clear: %d %v", cleared, err)
	}
	if rec, _ := store.Get(ctx, old.ID); rec != nil {
		t.Fatalf("expected record gone, got %+v", rec)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := history.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec, err := store.Begin(context.Background(), history.Record{CorrelationID: "c-1", Operation: "restart"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_ = store.Close()

	reopened := testsupport.MustOpenHistory(t, cfg)
	got, err := reopened.Get(context.Background(), rec.ID)
	if err != nil || got == nil || got.Operation != "restart" {
		t.Fatalf("record lost across reopen: %+v %v", got, err)
	}
}
