package operation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"zeroflash/internal/eventloop"
	"zeroflash/internal/services"
)

// Operation is a unit of asynchronous device work with an explicit lifecycle.
// Apart from Done, State, and Err, its methods must be called on the loop the
// operation was created with.
type Operation interface {
	Description() string
	State() State
	Start() error
	Abort(reason string)
	OnFinished(fn func(error))
	Done() <-chan struct{}
	Err() error
}

// Base carries the shared state machine. Concrete operations embed it, call
// Init from their constructor, and end with Finish or FinishWithError.
type Base struct {
	loop        *eventloop.Loop
	description string
	begin       func()
	cancel      func()
	state       atomic.Int64
	errMu       sync.Mutex
	err         error
	subscribers []func(error)
	done        chan struct{}
	timeout     *eventloop.Timer
	marker      error
}

// Init binds the operation to its loop. begin runs on the loop after Start.
func (b *Base) Init(loop *eventloop.Loop, description string, begin func()) {
	b.loop = loop
	b.description = description
	b.begin = begin
	b.done = make(chan struct{})
	b.marker = services.ErrInvalidDevice
	b.state.Store(int64(Ready))
}

// Loop returns the event loop the operation runs on.
func (b *Base) Loop() *eventloop.Loop { return b.loop }

// Description names the operation for logs and error messages.
func (b *Base) Description() string { return b.description }

// State returns the current lifecycle position. Safe from any goroutine.
func (b *Base) State() State { return State(b.state.Load()) }

// Terminal reports whether the operation has already finished.
func (b *Base) Terminal() bool { return b.State().Terminal() }

// Done is closed after every OnFinished subscriber has run.
func (b *Base) Done() <-chan struct{} { return b.done }

// Err returns the terminal error, or nil while running or after success.
func (b *Base) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// OnCancel registers a hook that runs when the operation is aborted or times
// out while running, before the terminal event fires. Operations use it to
// drop pending transport requests.
func (b *Base) OnCancel(fn func()) { b.cancel = fn }

// SetTimeoutMarker selects the kind marker used when the timeout expires.
func (b *Base) SetTimeoutMarker(marker error) { b.marker = marker }

// Start moves a Ready operation to Running and schedules its body. Completion
// is never observed before Start returns.
func (b *Base) Start() error {
	if state := b.State(); state != Ready {
		return fmt.Errorf("%w: %s: cannot start in state %s", services.ErrInvalidState, b.description, state)
	}
	b.state.Store(int64(Running))
	b.loop.Post(func() {
		if b.Terminal() {
			return
		}
		b.begin()
	})
	return nil
}

// SetState advances a running operation into one of its own stages. Stages
// only move forward.
func (b *Base) SetState(state State) {
	current := b.State()
	if current.Terminal() || current == Ready {
		panic(fmt.Sprintf("operation %q: SetState(%s) in state %s", b.description, state, current))
	}
	if state < User || state <= current {
		panic(fmt.Sprintf("operation %q: state %s does not follow %s", b.description, state, current))
	}
	b.state.Store(int64(state))
}

// OnFinished subscribes fn to the terminal event. Subscribers run in
// registration order. Subscribing after the event posts fn with the stored
// result.
func (b *Base) OnFinished(fn func(error)) {
	if fn == nil {
		return
	}
	if b.Terminal() {
		err := b.Err()
		b.loop.Post(func() { fn(err) })
		return
	}
	b.subscribers = append(b.subscribers, fn)
}

// Finish ends the operation successfully.
func (b *Base) Finish() {
	b.finish(nil)
}

// FinishWithError ends the operation with err. A nil err is treated as an
// unknown failure so the terminal state always matches the result.
func (b *Base) FinishWithError(err error) {
	if err == nil {
		err = services.Wrap(services.ErrUnknown, "", b.description, "failed without a cause", nil)
	}
	b.finish(err)
}

func (b *Base) finish(err error) {
	if b.Terminal() {
		panic(fmt.Sprintf("operation %q finished twice", b.description))
	}
	b.StopTimeout()
	b.errMu.Lock()
	b.err = err
	b.errMu.Unlock()
	if err != nil {
		b.state.Store(int64(Failed))
	} else {
		b.state.Store(int64(Finished))
	}
	subscribers := b.subscribers
	b.subscribers = nil
	for _, fn := range subscribers {
		fn(err)
	}
	close(b.done)
}

// Abort forces an error-terminal transition. A Ready operation fails without
// running; a terminal one is left untouched.
func (b *Base) Abort(reason string) {
	state := b.State()
	if state.Terminal() {
		return
	}
	if state != Ready && b.cancel != nil {
		b.cancel()
	}
	b.FinishWithError(services.Wrap(services.ErrUnknown, "", b.description, reason, services.ErrAborted))
}

// StartTimeout arms a bounded wait. Expiry fails the operation with a timeout
// tagged with the configured kind marker.
func (b *Base) StartTimeout(d time.Duration) {
	b.StopTimeout()
	b.timeout = b.loop.AfterFunc(d, func() {
		if b.Terminal() {
			return
		}
		if b.cancel != nil {
			b.cancel()
		}
		b.FinishWithError(services.Wrap(b.marker, "", b.description, "timed out after "+d.String(), services.ErrTimeout))
	})
}

// StopTimeout disarms a pending bounded wait.
func (b *Base) StopTimeout() {
	if b.timeout != nil {
		b.timeout.Stop()
		b.timeout = nil
	}
}

// Reset returns a terminal operation to Ready so it can be started again.
func (b *Base) Reset() {
	if !b.Terminal() {
		panic(fmt.Sprintf("operation %q: reset while %s", b.description, b.State()))
	}
	b.errMu.Lock()
	b.err = nil
	b.errMu.Unlock()
	b.done = make(chan struct{})
	b.state.Store(int64(Ready))
}
