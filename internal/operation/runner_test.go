package operation_test

import (
	"errors"
	"testing"

	"zeroflash/internal/operation"
	"zeroflash/internal/services"
	"zeroflash/internal/testsupport"
)

func TestRunnerRunsSequentially(t *testing.T) {
	loop := testsupport.StartLoop(t)
	runner := operation.NewRunner(loop, nil)
	idle := make(chan struct{})
	var order []string
	var ops []*scripted
	testsupport.OnLoop(t, loop, func() {
		runner.OnIdle(func() { close(idle) })
		for _, name := range []string{"a", "b", "c"} {
			op := newScripted(loop, name, nil)
			op.OnFinished(func(error) { order = append(order, name) })
			ops = append(ops, op)
			runner.Enqueue(op)
		}
	})
	<-idle
	testsupport.OnLoop(t, loop, func() {
		if !runner.Idle() {
			t.Error("expected runner idle")
		}
	})
	if len(order) != 3 || order[0] != "a" || order[2] != "c" {
		t.Fatalf("unexpected order %v", order)
	}
	for _, op := range ops {
		if op.started != 1 {
			t.Fatalf("op %s started %d times", op.Description(), op.started)
		}
	}
}

func TestRunnerFailureDiscardsRemainingQueue(t *testing.T) {
	for failAt := 0; failAt < 5; failAt++ {
		loop := testsupport.StartLoop(t)
		runner := operation.NewRunner(loop, nil)
		failed := make(chan error, 1)
		boom := services.Wrap(services.ErrDisk, "backup", "write", "denied", nil)
		ops := make([]*scripted, 5)
		testsupport.OnLoop(t, loop, func() {
			runner.OnError(func(err error) { failed <- err })
			for i := range ops {
				var result error
				if i == failAt {
					result = boom
				}
				ops[i] = newScripted(loop, "op", result)
				runner.Enqueue(ops[i])
			}
		})
		err := <-failed
		if !errors.Is(err, boom) {
			t.Fatalf("failAt=%d: unexpected runner error %v", failAt, err)
		}
		testsupport.OnLoop(t, loop, func() {
			if !runner.Idle() {
				t.Errorf("failAt=%d: expected idle runner", failAt)
			}
			if !errors.Is(runner.Err(), boom) {
				t.Errorf("failAt=%d: runner did not record error", failAt)
			}
			if runner.Pending() != 0 {
				t.Errorf("failAt=%d: queue not emptied", failAt)
			}
		})
		for i, op := range ops {
			switch {
			case i <= failAt && op.started != 1:
				t.Fatalf("failAt=%d: op %d should have started", failAt, i)
			case i > failAt && op.started != 0:
				t.Fatalf("failAt=%d: op %d started after failure", failAt, i)
			case i > failAt && !errors.Is(op.Err(), services.ErrAborted):
				t.Fatalf("failAt=%d: op %d not aborted: %v", failAt, i, op.Err())
			}
		}
	}
}

func TestRunnerRejectsNonReadyOperation(t *testing.T) {
	loop := testsupport.StartLoop(t)
	runner := operation.NewRunner(loop, nil)
	done := newScripted(loop, "done", nil)
	if err := testsupport.Run(t, loop, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	failed := make(chan error, 1)
	testsupport.OnLoop(t, loop, func() {
		runner.OnError(func(err error) { failed <- err })
		runner.Enqueue(done)
	})
	if err := <-failed; !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestRunnerAbortStopsCurrent(t *testing.T) {
	loop := testsupport.StartLoop(t)
	runner := operation.NewRunner(loop, nil)
	first := newScripted(loop, "first", nil)
	first.hold = true
	second := newScripted(loop, "second", nil)
	testsupport.OnLoop(t, loop, func() {
		runner.Enqueue(first)
		runner.Enqueue(second)
	})
	testsupport.OnLoop(t, loop, func() {})
	testsupport.OnLoop(t, loop, func() { runner.Abort("shutdown") })
	<-first.Done()
	<-second.Done()
	if second.started != 0 {
		t.Fatal("second operation ran after abort")
	}
	testsupport.OnLoop(t, loop, func() {
		if !runner.Idle() {
			t.Error("expected idle after abort")
		}
		runner.ClearError()
		if runner.Err() != nil {
			t.Error("expected cleared error")
		}
	})
}
