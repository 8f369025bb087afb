package part

import (
	"fmt"
	"sync"

	"github.com/blobkit/upload-engine/internal/ctxyield"
)

// yieldEvery controls how many parts Init/Pause/Retry process between
// cooperative yields, so that driving a very large file doesn't stall
// whatever goroutine called in for an observable interval.
const yieldEvery = 256

// ErrNotInitialized is the InvariantViolation raised by NextPart when the
// store has not been initialized yet. It signals a programmer error: the
// controller is responsible for calling Init before draining the store.
var ErrNotInitialized = fmt.Errorf("part: NextPart called before Init")

// Store is the per-file bookkeeping described in spec.md §3/§4.1: it knows
// which parts are waiting to be sent, which are on duty, which failed, and
// how many bytes have landed. A Store belongs to exactly one upload
// controller and is never shared across files.
type Store struct {
	mu sync.Mutex

	fileSize  int64
	partSize  int64
	partCount int

	initialized bool

	toSend []*Part
	onDuty map[*Part]struct{}
	failed map[*Part]struct{}

	doneBytes   int64
	passedCount int

	quiescent bool
}

// New returns an empty, uninitialized Store.
func New() *Store {
	return &Store{
		onDuty: make(map[*Part]struct{}),
		failed: make(map[*Part]struct{}),
		// An empty store has nothing on duty, so it starts quiescent.
		quiescent: true,
	}
}

// Init lazily enumerates parts 1..PartCount with contiguous byte ranges (the
// last part may be short) and appends them to the toSend bucket. It is
// idempotent: calls after the first are no-ops, so a controller resuming a
// paused upload can call Init unconditionally.
func (s *Store) Init(fileSize, partSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return
	}

	s.fileSize = fileSize
	s.partSize = partSize
	s.partCount = partCountFor(fileSize, partSize)

	yield := ctxyield.Every(yieldEvery)
	s.toSend = make([]*Part, 0, s.partCount)
	for i := 0; i < s.partCount; i++ {
		start := int64(i) * partSize
		end := start + partSize
		if end > fileSize {
			end = fileSize
		}
		s.toSend = append(s.toSend, &Part{Index: i + 1, Start: start, End: end})
		yield()
	}

	s.initialized = true
}

func partCountFor(fileSize, partSize int64) int {
	if fileSize <= 0 {
		return 0
	}
	return int((fileSize + partSize - 1) / partSize)
}

// NextPart pops a part from toSend and moves it into onDuty, atomically.
// It returns false once toSend is empty. Calling NextPart before Init is a
// programmer error and panics with ErrNotInitialized.
func (s *Store) NextPart() (*Part, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		panic(ErrNotInitialized)
	}

	if len(s.toSend) == 0 {
		return nil, false
	}

	p := s.toSend[0]
	s.toSend = s.toSend[1:]
	s.onDuty[p] = struct{}{}
	s.quiescent = false
	return p, true
}

// PassPart marks p as successfully uploaded, if and only if p is currently
// on duty. A part not on duty (already paused away, already passed, never
// enqueued) is silently ignored — this protects against late callbacks
// racing a Pause or Abort.
func (s *Store) PassPart(p *Part) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, onDuty := s.onDuty[p]; !onDuty {
		return
	}

	delete(s.onDuty, p)
	s.doneBytes += p.Size()
	s.passedCount++
	s.recomputeQuiescent()
}

// FailPart marks p's last attempt as not OK, if and only if p is currently
// on duty. Same no-op rule as PassPart.
func (s *Store) FailPart(p *Part) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, onDuty := s.onDuty[p]; !onDuty {
		return
	}

	delete(s.onDuty, p)
	s.failed[p] = struct{}{}
	s.recomputeQuiescent()
}

// Pause moves every part currently on duty back into toSend, in unspecified
// order, and clears onDuty. After Pause returns, onDuty is empty and the
// store is quiescent; any PassPart/FailPart call that was already in flight
// for a part on duty at the time of this call is a no-op by construction,
// since the part is no longer recorded as on duty.
func (s *Store) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	yield := ctxyield.Every(yieldEvery)
	for p := range s.onDuty {
		s.toSend = append(s.toSend, p)
		delete(s.onDuty, p)
		yield()
	}
	s.quiescent = true
}

// Retry moves every failed part back into toSend and clears the failed
// bucket.
func (s *Store) Retry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	yield := ctxyield.Every(yieldEvery)
	for p := range s.failed {
		s.toSend = append(s.toSend, p)
		delete(s.failed, p)
		yield()
	}
}

// DoneBytes returns the number of bytes successfully uploaded so far.
func (s *Store) DoneBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneBytes
}

// Quiescent reports whether no part is currently on duty.
func (s *Store) Quiescent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quiescent
}

// Complete reports whether every part has passed, i.e. DoneBytes == FileSize.
func (s *Store) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneBytes == s.fileSize
}

// FileSize returns the size passed to Init.
func (s *Store) FileSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileSize
}

// PartCount returns the total number of parts the file was split into.
func (s *Store) PartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partCount
}

// FailedCount returns the number of parts currently in the failed bucket.
func (s *Store) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

func (s *Store) recomputeQuiescent() {
	s.quiescent = len(s.onDuty) == 0
}
