package upload

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// tokenSet is the controller's set of cancellation tokens, one per
// outstanding part-job attempt (spec.md §5). Each token is a
// context.Context/CancelFunc pair — Go's idiomatic one-shot cancellation
// handle — keyed by a fresh uuid, which is the handle a settled job passes
// to release to drop its own token.
type tokenSet struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newTokenSet() *tokenSet {
	return &tokenSet{cancels: make(map[string]context.CancelFunc)}
}

// new derives a cancelable context from parent and records it under a
// fresh id.
func (t *tokenSet) new(parent context.Context) (context.Context, string) {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	t.mu.Lock()
	t.cancels[id] = cancel
	t.mu.Unlock()

	return ctx, id
}

// release drops id from the set once a job has settled on its own (success
// or failure) rather than via pause/abort. It still calls the token's
// CancelFunc — per the context package's contract, a CancelFunc must be
// called as soon as the operation it guards is complete — it just doesn't
// matter to the settled job itself, since release runs after that job has
// already produced its result.
func (t *tokenSet) release(id string) {
	t.mu.Lock()
	cancel, ok := t.cancels[id]
	delete(t.cancels, id)
	t.mu.Unlock()

	if ok {
		cancel()
	}
}

// tripAll cancels every outstanding token and clears the set.
func (t *tokenSet) tripAll() {
	t.mu.Lock()
	cancels := t.cancels
	t.cancels = make(map[string]context.CancelFunc)
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// len reports how many tokens are currently outstanding.
func (t *tokenSet) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}
