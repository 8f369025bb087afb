// Package queue implements a bounded-concurrency scheduler for opaque async
// jobs, shared across every concurrent file upload in the process (spec.md
// §4.2). It is the one process-wide mutable resource the engine has.
package queue

import (
	"fmt"
	"sync"
)

// Job is a thunk with no arguments and no meaningful return value. All error
// handling is the job's own responsibility — the queue never inspects what a
// job did, only when it started and when it settled.
type Job func()

// Queue bounds the number of concurrently running jobs. Enqueue never blocks
// or rejects: jobs pile up in a FIFO pending list and are dispatched as
// running slots free up.
type Queue struct {
	concurrency int

	mu      sync.Mutex
	pending []Job
	running int
}

// New constructs a Queue with the given concurrency. concurrency must be a
// positive integer; values below 1 are rejected.
func New(concurrency int) (*Queue, error) {
	if concurrency < 1 {
		return nil, fmt.Errorf("queue: concurrency must be >= 1, got %d", concurrency)
	}
	return &Queue{concurrency: concurrency}, nil
}

// Enqueue records job and attempts to run it immediately if a slot is free.
// Jobs begin in the order they were enqueued; their completion order is
// unspecified.
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	q.dispatch()
}

// Concurrency returns the configured concurrency bound.
func (q *Queue) Concurrency() int {
	return q.concurrency
}

// Running returns the number of jobs currently executing. Exposed for tests
// and diagnostics; not part of the scheduling contract.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns the number of jobs waiting for a free slot.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// dispatch pops and starts as many pending jobs as the concurrency bound
// allows. It is called after every Enqueue and after every job settles, so
// that a freed slot is always re-offered to the next pending job.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.running >= q.concurrency || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.running++
		q.mu.Unlock()

		go q.run(job)
	}
}

// run executes job, then decrements the running count and schedules another
// dispatch attempt. Scheduling the follow-up dispatch as its own goroutine
// mirrors spec.md's "next microtask" requirement: a job's settlement and the
// next job's start never interleave within the same call stack.
func (q *Queue) run(job Job) {
	defer func() {
		q.mu.Lock()
		q.running--
		q.mu.Unlock()
		go q.dispatch()
	}()

	job()
}
