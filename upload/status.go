package upload

import (
	"sync"

	"github.com/blobkit/upload-engine/transport"
)

// State is one of the UploadController's coarse lifecycle states
// (spec.md §4.4).
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StatePaused State = "paused"
	StateFailed State = "failed"
	StateDone   State = "done"
)

// Snapshot is the observable triple (progress, status, artifact?) from
// spec.md §3: everything a UI needs to render one upload's state.
type Snapshot struct {
	Progress float64
	State    State
	Artifact *transport.Artifact
}

// Status is an observable projection of one upload's Snapshot. It replaces
// the reference implementation's Redux slice (spec.md §9 "Design Notes"):
// a plain subscribe/publish observer that any UI layer can fan out from.
type Status struct {
	mu          sync.Mutex
	snapshot    Snapshot
	subscribers map[int]func(Snapshot)
	nextSubID   int
}

// NewStatus returns a Status starting at StateIdle with zero progress.
func NewStatus() *Status {
	return &Status{
		snapshot:    Snapshot{State: StateIdle},
		subscribers: make(map[int]func(Snapshot)),
	}
}

// Snapshot returns the current state triple.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Subscribe registers fn to be called with every future Snapshot update,
// including the current one immediately. It returns an unsubscribe
// function.
func (s *Status) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	current := s.snapshot
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// set replaces the snapshot under lock and notifies subscribers outside the
// lock, so a subscriber calling back into Status cannot deadlock.
func (s *Status) set(mutate func(*Snapshot)) {
	s.mu.Lock()
	mutate(&s.snapshot)
	snap := s.snapshot
	subs := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
