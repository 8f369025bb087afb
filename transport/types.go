// Package transport defines the contract boundary to the backend's four
// multipart-upload endpoints (spec.md §4.5, §6) and ships one HTTP-based
// implementation of it. Everything above this package — part, queue, and
// upload — talks only to the Adapter interface.
package transport

import (
	"context"
	"io"
	"time"
)

// Artifact is the server-side descriptor returned by Finalize. It is opaque
// to everything above this package.
type Artifact struct {
	UID       string    `json:"uid"`
	FileName  string    `json:"fileName"`
	MimeType  string    `json:"mimeType"`
	CreatedAt time.Time `json:"createdAt"`
	ValidThru time.Time `json:"validThru"`
}

// Adapter is the boundary to the backend's create/uploadPart/finalize/cancel
// protocol. All four operations may fail with ErrAborted (the supplied
// context was canceled); a network error or a non-2xx response from
// Create, Finalize or Cancel is a *NetworkFailure. UploadPart reports a
// non-2xx response as ok == false with a nil error, and Create may also
// return ErrFileTooSmall or an error opening the local file.
type Adapter interface {
	// Create starts a new upload for the file at path and returns its
	// upload id. Implementations may reject files below a configured
	// minimum size.
	Create(ctx context.Context, path string, size int64) (uploadID string, err error)

	// UploadPart uploads one part's bytes. index is the part's 1-based
	// position. ok is true only on a successful (2xx) response.
	UploadPart(ctx context.Context, index int, uploadID string, body io.Reader, size int64) (ok bool, err error)

	// Finalize completes the upload and returns the persisted artifact.
	Finalize(ctx context.Context, fileName, uploadID string) (Artifact, error)

	// Cancel abandons an upload server-side. Callers treat this as
	// fire-and-forget: its outcome never changes controller state.
	Cancel(ctx context.Context, uploadID string) error
}
