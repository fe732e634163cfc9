package operation

import (
	"log/slog"

	"zeroflash/internal/eventloop"
	"zeroflash/internal/logging"
	"zeroflash/internal/services"
)

// Runner serializes operations against one device resource. At most one
// operation is in flight; the first failure discards everything still queued.
type Runner struct {
	loop    *eventloop.Loop
	logger  *slog.Logger
	queue   []Operation
	current Operation
	busy    bool
	err     error
	onError func(error)
	onIdle  func()
}

// NewRunner creates an idle runner on loop.
func NewRunner(loop *eventloop.Loop, logger *slog.Logger) *Runner {
	return &Runner{
		loop:   loop,
		logger: logging.NewComponentLogger(logger, "runner"),
	}
}

// OnError registers a hook invoked with the failure that emptied the queue.
func (r *Runner) OnError(fn func(error)) { r.onError = fn }

// OnIdle registers a hook invoked whenever the queue drains successfully.
func (r *Runner) OnIdle(fn func()) { r.onIdle = fn }

// Enqueue appends op to the queue and schedules processing when idle.
func (r *Runner) Enqueue(op Operation) {
	r.queue = append(r.queue, op)
	if !r.busy {
		r.busy = true
		r.loop.Post(r.processNext)
	}
}

// Idle reports whether nothing is queued or running.
func (r *Runner) Idle() bool { return !r.busy }

// Pending returns the number of queued operations not yet started.
func (r *Runner) Pending() int { return len(r.queue) }

// Current returns the operation in flight, if any.
func (r *Runner) Current() Operation { return r.current }

// Err returns the failure that last emptied the queue.
func (r *Runner) Err() error { return r.err }

// ClearError forgets the last failure.
func (r *Runner) ClearError() { r.err = nil }

// Abort fails the running operation and discards the queue.
func (r *Runner) Abort(reason string) {
	pending := r.queue
	r.queue = nil
	for _, op := range pending {
		op.Abort(reason)
	}
	if r.current != nil {
		r.current.Abort(reason)
	}
}

func (r *Runner) processNext() {
	if len(r.queue) == 0 {
		r.busy = false
		r.current = nil
		if r.onIdle != nil {
			r.onIdle()
		}
		return
	}
	op := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]

	if state := op.State(); state != Ready {
		err := services.Wrap(services.ErrUnknown, "runner", op.Description(), "operation is not ready", services.ErrInvalidState)
		r.fail(op, err)
		return
	}

	r.current = op
	op.OnFinished(func(err error) {
		if r.current != op {
			return
		}
		r.current = nil
		if err != nil {
			r.fail(op, err)
			return
		}
		r.logger.Debug("operation finished", logging.String("op", op.Description()))
		r.loop.Post(r.processNext)
	})
	r.logger.Debug("operation started", logging.String("op", op.Description()), logging.Int("pending", len(r.queue)))
	if err := op.Start(); err != nil {
		r.current = nil
		r.fail(op, err)
	}
}

func (r *Runner) fail(op Operation, err error) {
	pending := r.queue
	r.queue = nil
	r.current = nil
	r.err = err
	r.busy = false
	for _, p := range pending {
		p.Abort("discarded after " + op.Description() + " failed")
	}
	r.logger.Warn("operation failed, queue discarded",
		logging.Args(append(logging.FailureAttrs(err),
			logging.String("op", op.Description()),
			logging.Int("discarded", len(pending)),
			logging.String(logging.FieldEventType, "runner_failed"),
		)...)...)
	if r.onError != nil {
		r.onError(err)
	}
}
