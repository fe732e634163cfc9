package toplevel

import (
	"fmt"
	"log/slog"
	"time"

	"zeroflash/internal/eventloop"
	"zeroflash/internal/logging"
	"zeroflash/internal/operation"
	"zeroflash/internal/services"
)

// Stage is one named step of a Sequence.
//
// Action either returns a child operation to run, or nil when the stage
// completed synchronously. Skip, when set, is consulted as the stage is
// reached; a skipped stage never calls Action. Inline stages pass their
// child's error through without adding the sequence's own context.
type Stage struct {
	Name   string
	Skip   func() bool
	Action func() (operation.Operation, error)
	Inline bool
}

// Sequence runs stages in order. Stage i is reported as state User+i. A child
// failure ends the sequence with that error, annotated with the sequence and
// stage names; a child sequence already names its own failed stage, so only
// the description is added then. Remaining stages never run and nothing is
// rolled back.
type Sequence struct {
	operation.Base
	stages  []Stage
	index   int
	child   operation.Operation
	halted  bool
	started time.Time
	logger  *slog.Logger
	onStage func(index int, name string)
}

// NewSequence builds a sequence. More stages may be appended until Start.
func NewSequence(loop *eventloop.Loop, description string, logger *slog.Logger, stages ...Stage) *Sequence {
	s := &Sequence{
		stages: stages,
		index:  -1,
		logger: logging.NewComponentLogger(logger, "toplevel"),
	}
	s.Init(loop, description, s.begin)
	s.OnCancel(func() {
		s.halted = true
		if s.child != nil {
			s.child.Abort("parent aborted")
		}
	})
	return s
}

// Append adds stages. It must be called before Start.
func (s *Sequence) Append(stages ...Stage) {
	if s.State() != operation.Ready {
		panic(fmt.Sprintf("sequence %q: stages appended while %s", s.Description(), s.State()))
	}
	s.stages = append(s.stages, stages...)
}

// OnStage registers a hook that runs on the loop as each stage is entered,
// skipped stages included.
func (s *Sequence) OnStage(fn func(index int, name string)) { s.onStage = fn }

// Stages returns the stage names in order.
func (s *Sequence) Stages() []string {
	names := make([]string, len(s.stages))
	for i, st := range s.stages {
		names[i] = st.Name
	}
	return names
}

// Stage returns the name of the stage in progress, or "" outside the stage
// list.
func (s *Sequence) Stage() string {
	if s.index < 0 || s.index >= len(s.stages) {
		return ""
	}
	return s.stages[s.index].Name
}

// Elapsed is the time since the sequence began running.
func (s *Sequence) Elapsed() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

func (s *Sequence) begin() {
	s.started = time.Now()
	s.advance()
}

func (s *Sequence) advance() {
	if s.Terminal() || s.halted {
		return
	}
	s.child = nil
	s.index++
	if s.index >= len(s.stages) {
		s.logger.Debug("sequence finished",
			logging.String(logging.FieldOperation, s.Description()),
			logging.Duration("elapsed", s.Elapsed()))
		s.Finish()
		return
	}

	stage := s.stages[s.index]
	s.SetState(operation.User + operation.State(s.index))
	if s.onStage != nil {
		s.onStage(s.index, stage.Name)
	}

	if stage.Skip != nil && stage.Skip() {
		s.logger.Debug("stage skipped",
			logging.String(logging.FieldOperation, s.Description()),
			logging.String(logging.FieldStage, stage.Name))
		s.Loop().Post(s.advance)
		return
	}

	s.logger.Info("stage started",
		logging.String(logging.FieldOperation, s.Description()),
		logging.String(logging.FieldStage, stage.Name))

	if stage.Action == nil {
		s.Loop().Post(s.advance)
		return
	}
	child, err := stage.Action()
	if err != nil {
		s.fail(stage, nil, err)
		return
	}
	if child == nil {
		s.Loop().Post(s.advance)
		return
	}

	s.child = child
	child.OnFinished(func(err error) {
		if s.Terminal() || s.halted {
			return
		}
		if err != nil {
			s.fail(stage, child, err)
			return
		}
		s.Loop().Post(s.advance)
	})
	if err := child.Start(); err != nil {
		s.child = nil
		s.fail(stage, nil, err)
	}
}

func (s *Sequence) fail(stage Stage, child operation.Operation, err error) {
	if s.Terminal() || s.halted {
		return
	}
	s.logger.Warn("stage failed",
		logging.String(logging.FieldOperation, s.Description()),
		logging.String(logging.FieldStage, stage.Name),
		logging.String(logging.FieldErrorKind, string(services.KindOf(err))),
		logging.Error(err))
	s.FinishWithError(services.Annotate(err, s.failureContext(stage, child)))
}

func (s *Sequence) failureContext(stage Stage, child operation.Operation) string {
	if stage.Inline && child != nil {
		return ""
	}
	if _, nested := child.(*Sequence); nested {
		return s.Description()
	}
	return fmt.Sprintf("%s: %s", s.Description(), stage.Name)
}

// Sync is a stage action that runs fn on the loop and completes immediately.
func Sync(fn func() error) func() (operation.Operation, error) {
	return func() (operation.Operation, error) {
		return nil, fn()
	}
}

// MinDuration returns a stage that pads the sequence so it lasts at least d
// from the moment it began running.
func MinDuration(s *Sequence, name string, d time.Duration) Stage {
	return Stage{
		Name: name,
		Action: func() (operation.Operation, error) {
			remaining := d - s.Elapsed()
			if remaining <= 0 {
				return nil, nil
			}
			return operation.Delay(s.Loop(), name, remaining), nil
		},
	}
}

type optional struct {
	operation.Base
	op     operation.Operation
	report func(error)
	halted bool
}

// Optional runs op and hands its result to report instead of failing. It is
// used for probes whose failure is itself the answer.
func Optional(loop *eventloop.Loop, op operation.Operation, report func(err error)) operation.Operation {
	o := &optional{op: op, report: report}
	o.Init(loop, op.Description(), o.begin)
	o.OnCancel(func() {
		o.halted = true
		o.op.Abort("parent aborted")
	})
	return o
}

func (o *optional) begin() {
	o.op.OnFinished(func(err error) {
		if o.Terminal() || o.halted {
			return
		}
		o.report(err)
		o.Finish()
	})
	if err := o.op.Start(); err != nil {
		o.FinishWithError(err)
	}
}
