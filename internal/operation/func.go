package operation

import (
	"context"
	"time"

	"zeroflash/internal/eventloop"
)

// Func runs a blocking body on a helper goroutine and reports its result on
// the loop. It is used for USB control transfers, local file I/O, and device
// lookups that cannot be expressed as loop callbacks.
type Func struct {
	Base
	body   func(ctx context.Context) error
	stopFn context.CancelFunc
}

// NewFunc wraps body as an operation. The context passed to body is cancelled
// when the operation is aborted or times out.
func NewFunc(loop *eventloop.Loop, description string, body func(ctx context.Context) error) *Func {
	f := &Func{body: body}
	f.Init(loop, description, f.run)
	f.OnCancel(func() {
		if f.stopFn != nil {
			f.stopFn()
		}
	})
	return f
}

func (f *Func) run() {
	ctx, cancel := context.WithCancel(context.Background())
	f.stopFn = cancel
	go func() {
		err := f.body(ctx)
		cancel()
		f.Loop().Post(func() {
			if f.Terminal() {
				return
			}
			if err != nil {
				f.FinishWithError(err)
				return
			}
			f.Finish()
		})
	}()
}

// Immediate is an operation that completes on the loop without doing any I/O.
// Composite stages use it when a step only needs bookkeeping.
func Immediate(loop *eventloop.Loop, description string, body func() error) Operation {
	op := &Base{}
	op.Init(loop, description, func() {
		if err := body(); err != nil {
			op.FinishWithError(err)
			return
		}
		op.Finish()
	})
	return op
}

// Delay is an operation that finishes after d.
func Delay(loop *eventloop.Loop, description string, d time.Duration) Operation {
	op := &Base{}
	op.Init(loop, description, func() {
		timer := loop.AfterFunc(d, func() {
			if !op.Terminal() {
				op.Finish()
			}
		})
		op.OnCancel(func() { timer.Stop() })
	})
	return op
}
