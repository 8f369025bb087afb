package upload

import (
	"bytes"
	"context"
	"errors"

	"github.com/blobkit/upload-engine/part"
	"github.com/blobkit/upload-engine/queue"
	"github.com/blobkit/upload-engine/transport"
)

// newPartJob produces the queue.Job for one part-upload attempt, bound to
// (c, p, ctx, tokenID) as spec.md §4.3 describes. The job performs at most
// one UploadPart call (none if the part's bytes cannot be read, which fails
// the part), classifies the outcome into the store, publishes
// progress, and — if the store is now quiescent — hands off to the
// controller's finalization hook.
func newPartJob(c *Controller, p *part.Part, ctx context.Context, tokenID string) queue.Job {
	return func() {
		defer c.tokens.release(tokenID)

		data, err := c.reader.read(p)
		if err != nil {
			c.logger.Warnf("read part %d: %s", p.Index, err)
			c.store.FailPart(p)
			c.onPartSettled()
			return
		}

		ok, err := c.transport.UploadPart(ctx, p.Index, c.uploadID, bytes.NewReader(data), int64(len(data)))
		switch {
		case errors.Is(err, transport.ErrAborted):
			// The token was tripped by pause or abort. Both have already
			// returned the part to toSend via store.Pause(); touching the
			// store here would race that decision, so we return silently.
			return
		case err != nil:
			c.logger.Warnf("upload part %d: %s", p.Index, err)
			c.store.FailPart(p)
		case !ok:
			c.store.FailPart(p)
		default:
			c.store.PassPart(p)
		}

		c.onPartSettled()
	}
}
