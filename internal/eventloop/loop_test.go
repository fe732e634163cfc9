package eventloop_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"zeroflash/internal/eventloop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

func TestPostRunsInOrder(t *testing.T) {
	loop := startLoop(t)
	var got []int
	for i := 0; i < 5; i++ {
		loop.Post(func() { got = append(got, i) })
	}
	if err := loop.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(got))
	}
}

func TestPostFromTaskIsDeferred(t *testing.T) {
	loop := startLoop(t)
	var order []string
	loop.Post(func() {
		loop.Post(func() { order = append(order, "nested") })
		order = append(order, "outer")
	})
	if err := loop.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "nested" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestAfterFuncFiresOnLoop(t *testing.T) {
	loop := startLoop(t)
	fired := make(chan struct{})
	loop.AfterFunc(5*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerStopPreventsCallback(t *testing.T) {
	loop := startLoop(t)
	var mu sync.Mutex
	fired := false
	var timer *eventloop.Timer
	_ = loop.Call(context.Background(), func() {
		timer = loop.AfterFunc(time.Millisecond, func() {
			mu.Lock()
			fired = true
			mu.Unlock()
		})
	})
	time.Sleep(10 * time.Millisecond)
	_ = loop.Call(context.Background(), func() { timer.Stop() })
	_ = loop.Call(context.Background(), func() {})

	mu.Lock()
	defer mu.Unlock()
	// The timer may have fired before Stop reached the loop; Stop must then
	// report that nothing was pending.
	if fired && timer.Stop() {
		t.Fatal("Stop reported a pending callback after it ran")
	}
}

func TestCallAfterStopReturnsError(t *testing.T) {
	loop := eventloop.New()
	loop.Stop()
	err := loop.Call(context.Background(), func() {})
	if !errors.Is(err, eventloop.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestRunTwiceFails(t *testing.T) {
	loop := startLoop(t)
	_ = loop.Call(context.Background(), func() {})
	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("expected second Run to fail")
	}
}
