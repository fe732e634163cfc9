package operation

import "strconv"

// State is the lifecycle position of an operation. Values from User upwards are
// reserved for operation-specific stages.
type State int

const (
	Ready State = iota
	Running
	Finished
	Failed
)

// User is the first state available to composite operations for their stages.
const User State = 100

// Terminal reports whether the state is Finished or Failed.
func (s State) Terminal() bool {
	return s == Finished || s == Failed
}

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	if s >= User {
		return "user+" + strconv.Itoa(int(s-User))
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}
