package device

import (
	"fmt"
	"sync"

	"zeroflash/internal/services"
)

// Snapshot is a copy of State at one instant.
type Snapshot struct {
	Info         Info          `json:"info"`
	Online       bool          `json:"online"`
	Persistent   bool          `json:"persistent"`
	Streaming    bool          `json:"streaming"`
	Progress     float64       `json:"progress"`
	Operation    string        `json:"operation,omitempty"`
	HasError     bool          `json:"has_error"`
	ErrorKind    services.Kind `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// State is the mutable view of the device shared between the controller and
// its readers. All methods are safe for concurrent use.
type State struct {
	mu        sync.RWMutex
	snap      Snapshot
	listeners []func(Snapshot)
}

// NewState seeds the state with a probed snapshot.
func NewState(info Info) *State {
	return &State{snap: Snapshot{Info: info, Online: true}}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Info returns the current device snapshot.
func (s *State) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Info
}

// Subscribe registers fn to run after every change. fn runs on the goroutine
// that made the change and must not call back into State setters.
func (s *State) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *State) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	snap := s.snap
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(snap)
	}
}

// SetInfo replaces the device snapshot wholesale.
func (s *State) SetInfo(info Info) {
	s.update(func(snap *Snapshot) { snap.Info = info })
}

// SetOnline records whether the device is currently enumerated.
func (s *State) SetOnline(online bool) {
	s.update(func(snap *Snapshot) { snap.Online = online })
}

// Online reports whether the device is currently enumerated.
func (s *State) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Online
}

// SetPersistent marks the device as mid-operation. While persistent, a
// disconnect is expected (mode switch, reboot) and must not drop the state.
func (s *State) SetPersistent(persistent bool) {
	s.update(func(snap *Snapshot) { snap.Persistent = persistent })
}

// Persistent reports whether a mode switch is in progress.
func (s *State) Persistent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Persistent
}

// SetStreaming records whether screen streaming is active.
func (s *State) SetStreaming(streaming bool) {
	s.update(func(snap *Snapshot) { snap.Streaming = streaming })
}

// Streaming reports whether screen streaming is active.
func (s *State) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Streaming
}

// SetProgress publishes the running operation and its completion percentage.
func (s *State) SetProgress(operation string, percent float64) {
	s.update(func(snap *Snapshot) {
		snap.Operation = operation
		snap.Progress = percent
	})
}

// SetError records the first unrecovered failure of a top-level operation.
// It is refused while an earlier error is still set.
func (s *State) SetError(err error) error {
	if err == nil {
		return nil
	}
	var refused error
	s.update(func(snap *Snapshot) {
		if snap.HasError {
			refused = fmt.Errorf("%w: %s", services.ErrDeviceBusy, snap.ErrorMessage)
			return
		}
		snap.HasError = true
		snap.ErrorKind = services.KindOf(err)
		snap.ErrorMessage = err.Error()
	})
	return refused
}

// ClearError acknowledges the recorded failure.
func (s *State) ClearError() {
	s.update(func(snap *Snapshot) {
		snap.HasError = false
		snap.ErrorKind = services.KindNone
		snap.ErrorMessage = ""
	})
}

// Error returns the recorded failure, if any.
func (s *State) Error() (services.Kind, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.ErrorKind, s.snap.ErrorMessage, s.snap.HasError
}

// Ready reports whether a new top-level operation may start.
func (s *State) Ready() error {
	if _, msg, ok := s.Error(); ok {
		return fmt.Errorf("%w: %s", services.ErrDeviceBusy, msg)
	}
	return nil
}
