// Package upload implements the per-file façade described in spec.md
// §4.4: UploadController binds part.Store and queue.Queue to a
// transport.Adapter and exposes start/pause/retry/abort plus an observable
// Status.
package upload

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/blobkit/upload-engine/part"
	"github.com/blobkit/upload-engine/queue"
	"github.com/blobkit/upload-engine/transport"
	"github.com/docker/go-units"
)

// Config is the controller's immutable (fileName, fileSize, partSize)
// triple from spec.md §3, plus the local path the engine reads parts from.
type Config struct {
	FileName string
	FilePath string
	FileSize int64
	PartSize int64
}

// Controller is the per-file façade: it owns the lazily assigned uploadId,
// the cancellation-token set, and the state-machine transitions in
// spec.md §4.4. A Controller is created once per file upload and is not
// reused across files.
type Controller struct {
	mu sync.Mutex // serializes Start/Pause/Retry/Abort, as spec.md §5 requires

	cfg       Config
	transport transport.Adapter
	queue     *queue.Queue
	store     *part.Store
	status    *Status
	tokens    *tokenSet
	logger    log.Logger

	reader *chunkReader

	ctx        context.Context
	uploadID   string
	finalizing bool
}

// New constructs a Controller in StateIdle for the given file, bound to
// transport for the four backend calls and to queue for scheduling part
// uploads. queue is expected to be shared across every concurrent upload in
// the process, matching spec.md §4.2.
func New(cfg Config, adapter transport.Adapter, q *queue.Queue, logger log.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		transport: adapter,
		queue:     q,
		store:     part.New(),
		status:    NewStatus(),
		tokens:    newTokenSet(),
		logger:    logger,
	}
}

// Status returns the controller's observable Snapshot projection.
func (c *Controller) Status() *Status {
	return c.status
}

// Close releases the controller's open file handle. Safe to call once the
// controller has reached a terminal state, or to abandon it early.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Start is idempotent once an uploadId has been assigned: re-invocation
// only drains the store for whatever parts are still in toSend (spec.md
// §4.4 "start is idempotent once uploadId is assigned").
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) error {
	if c.status.Snapshot().State == StateDone {
		return nil
	}

	c.ctx = ctx

	if c.uploadID == "" {
		id, err := c.transport.Create(ctx, c.cfg.FilePath, c.cfg.FileSize)
		if err != nil {
			c.logger.Errorf("create upload for %s: %s", c.cfg.FileName, err)
			c.status.set(func(s *Snapshot) { s.State = StateFailed })
			return fmt.Errorf("upload: create: %w", err)
		}
		c.uploadID = id
		c.logger.Debugf("upload %s assigned id %s", c.cfg.FileName, id)
	}

	if c.reader == nil {
		reader, err := newChunkReader(c.cfg.FilePath)
		if err != nil {
			c.logger.Errorf("open %s: %s", c.cfg.FilePath, err)
			c.status.set(func(s *Snapshot) { s.State = StateFailed })
			return fmt.Errorf("upload: open file: %w", err)
		}
		c.reader = reader
	}

	c.store.Init(c.cfg.FileSize, c.cfg.PartSize)

	c.status.set(func(s *Snapshot) { s.State = StateActive })
	c.logger.Infof("uploading %s (%s)", c.cfg.FileName, units.HumanSizeWithPrecision(float64(c.cfg.FileSize), 3))

	drained := c.drain(ctx)
	if drained == 0 && c.store.Quiescent() {
		// Nothing left to send (e.g. every part already passed on a prior
		// drain, or a zero-length file): the part-job path that normally
		// drives finalization never runs, so trigger it directly.
		c.onQuiescentLocked()
	}

	return nil
}

// drain pops every part currently in toSend and enqueues a job for it with
// a fresh cancellation token, returning how many jobs were enqueued.
func (c *Controller) drain(ctx context.Context) int {
	n := 0
	for {
		p, ok := c.store.NextPart()
		if !ok {
			return n
		}

		tokenCtx, tokenID := c.tokens.new(ctx)
		c.queue.Enqueue(newPartJob(c, p, tokenCtx, tokenID))
		n++
	}
}

// Pause trips every outstanding token, then waits for store.Pause() to
// return every on-duty part to toSend. After Pause returns, no subsequent
// transport response can change doneBytes for a part that was on duty at
// pause time (spec.md §4.1, §5).
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseLocked()
}

func (c *Controller) pauseLocked() {
	if c.status.Snapshot().State != StateActive {
		return
	}
	c.doPauseLocked()
}

// doPauseLocked trips every outstanding token, drains the store, and moves
// the controller to StatePaused unconditionally. Unlike pauseLocked (which
// backs the user-facing Pause and only applies while active), this is also
// used by Abort, which spec.md §4.4 defines as a transition from *any*
// non-done state to paused.
func (c *Controller) doPauseLocked() {
	c.tokens.tripAll()
	c.store.Pause()
	c.status.set(func(s *Snapshot) { s.State = StatePaused })
}

// Retry reacts differently depending on why the controller failed
// (spec.md §4.4): if parts are still outstanding in the failed bucket, it
// requeues them and restarts the drain; if every part already passed but
// finalize itself failed, it retries only finalize.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Snapshot().State != StateFailed {
		return nil
	}

	c.ctx = ctx

	// Compare against cfg.FileSize, not store.FileSize(): if the previous
	// Start failed at transport.Create, the store was never initialized
	// and store.FileSize() would read zero, which must not be mistaken for
	// "every part already passed."
	if c.store.DoneBytes() < c.cfg.FileSize {
		c.store.Retry()
		return c.startLocked(ctx)
	}

	return c.doFinalizeLocked(ctx)
}

// Abort forces a pause from any non-done state (spec.md §4.4's "any
// non-done -> abort -> paused" row — unlike the user-facing Pause, this
// applies even from idle, failed, or already-paused) and, if an uploadId
// has been assigned, fires a best-effort transport.Cancel. Its outcome
// never changes controller state: the controller settles in StatePaused
// either way. The store is left exactly as Pause leaves it — parts in
// flight at abort time are back in toSend — so Abort does not make the
// controller terminal: a later Start re-enqueues those parts under the same
// uploadId.
func (c *Controller) Abort(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Snapshot().State == StateDone {
		return
	}

	c.doPauseLocked()

	if c.uploadID == "" {
		return
	}

	uploadID := c.uploadID
	go func() {
		if err := c.transport.Cancel(ctx, uploadID); err != nil {
			c.logger.Warnf("cancel upload %s: %s", uploadID, err)
		}
	}()
}

// onPartSettled is called by a part job after it has classified its
// transport outcome into the store. It publishes progress and, if the
// store is now quiescent, hands off to finalization.
func (c *Controller) onPartSettled() {
	fileSize := c.store.FileSize()
	doneBytes := c.store.DoneBytes()

	progress := 0.0
	if fileSize > 0 {
		progress = float64(doneBytes) / float64(fileSize) * 100
	}
	c.status.set(func(s *Snapshot) { s.Progress = progress })

	if !c.store.Quiescent() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.onQuiescentLocked()
}

// onQuiescentLocked implements spec.md §4.3 step 4: when the store has no
// parts on duty, either finalize (if every part passed) or mark the upload
// failed. The finalizing flag guards against two job goroutines observing
// quiescence at the same time — impossible under spec.md's single-threaded
// model but a real race once part jobs run on real goroutines. It is
// called with c.mu already held, and holds it across the Finalize network
// call: the job goroutine that happened to observe quiescence blocks until
// the controller reaches a terminal state, which keeps the done/failed
// transition atomic with respect to Pause/Abort/Retry.
func (c *Controller) onQuiescentLocked() {
	if c.finalizing || c.status.Snapshot().State != StateActive {
		return
	}

	// Re-check under c.mu: only the holder of c.mu can call store.NextPart
	// (via drain), so once we observe quiescence here it cannot flip back
	// to non-quiescent while we still hold the lock.
	if !c.store.Quiescent() {
		return
	}

	if !c.store.Complete() {
		c.status.set(func(s *Snapshot) { s.State = StateFailed })
		c.tokens.tripAll()
		return
	}

	c.finalizing = true
	if err := c.doFinalizeLocked(c.ctx); err != nil {
		c.logger.Warnf("finalize %s: %s", c.cfg.FileName, err)
	}
	c.finalizing = false
}

// doFinalizeLocked calls transport.Finalize and applies its outcome. The
// caller must already hold c.mu.
func (c *Controller) doFinalizeLocked(ctx context.Context) error {
	artifact, err := c.transport.Finalize(ctx, c.cfg.FileName, c.uploadID)
	if err != nil {
		c.status.set(func(s *Snapshot) { s.State = StateFailed })
		return err
	}

	c.tokens.tripAll()
	c.status.set(func(s *Snapshot) {
		s.State = StateDone
		s.Artifact = &artifact
	})
	c.logger.Donef("finalized %s as %s", c.cfg.FileName, artifact.UID)
	return nil
}
