// Package mocks holds hand-written mockery-style doubles for the transport
// package's exported interfaces, in the idiom of ruby/mocks/CommandLocator.go.
package mocks

import (
	"context"
	"io"

	"github.com/blobkit/upload-engine/transport"
	"github.com/stretchr/testify/mock"
)

// Adapter is a mock.Mock-based double for transport.Adapter.
type Adapter struct {
	mock.Mock
}

func (m *Adapter) Create(ctx context.Context, path string, size int64) (string, error) {
	ret := m.Called(ctx, path, size)
	return ret.String(0), ret.Error(1)
}

func (m *Adapter) UploadPart(ctx context.Context, index int, uploadID string, body io.Reader, size int64) (bool, error) {
	ret := m.Called(ctx, index, uploadID, body, size)
	return ret.Bool(0), ret.Error(1)
}

func (m *Adapter) Finalize(ctx context.Context, fileName, uploadID string) (transport.Artifact, error) {
	ret := m.Called(ctx, fileName, uploadID)

	var artifact transport.Artifact
	if v, ok := ret.Get(0).(transport.Artifact); ok {
		artifact = v
	}
	return artifact, ret.Error(1)
}

func (m *Adapter) Cancel(ctx context.Context, uploadID string) error {
	ret := m.Called(ctx, uploadID)
	return ret.Error(0)
}
