package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/blobkit/upload-engine/queue"
	"github.com/blobkit/upload-engine/transport"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a hand-rolled transport.Adapter double, in the idiom of
// cache/restore_test.go's fakeEnvRepo: a plain struct with per-call hooks,
// used where the scenario needs tighter synchronization than a mockery
// expectation list can express.
type fakeAdapter struct {
	mu sync.Mutex

	createFn     func(ctx context.Context, path string, size int64) (string, error)
	uploadPartFn func(ctx context.Context, index int, uploadID string, body io.Reader, size int64) (bool, error)
	finalizeFn   func(ctx context.Context, fileName, uploadID string) (transport.Artifact, error)
	cancelFn     func(ctx context.Context, uploadID string) error

	createCalls     int32
	finalizeCalls   int32
	cancelCalls     int32
	uploadPartCalls int32
}

func (f *fakeAdapter) Create(ctx context.Context, path string, size int64) (string, error) {
	atomic.AddInt32(&f.createCalls, 1)
	return f.createFn(ctx, path, size)
}

func (f *fakeAdapter) UploadPart(ctx context.Context, index int, uploadID string, body io.Reader, size int64) (bool, error) {
	atomic.AddInt32(&f.uploadPartCalls, 1)
	return f.uploadPartFn(ctx, index, uploadID, body, size)
}

func (f *fakeAdapter) Finalize(ctx context.Context, fileName, uploadID string) (transport.Artifact, error) {
	atomic.AddInt32(&f.finalizeCalls, 1)
	return f.finalizeFn(ctx, fileName, uploadID)
}

func (f *fakeAdapter) Cancel(ctx context.Context, uploadID string) error {
	var err error
	if f.cancelFn != nil {
		err = f.cancelFn(ctx, uploadID)
	}
	atomic.AddInt32(&f.cancelCalls, 1)
	return err
}

func alwaysOK(ctx context.Context, index int, uploadID string, body io.Reader, size int64) (bool, error) {
	return true, nil
}

func testFile(t *testing.T, size int64) string {
	t.Helper()
	f, err := os.CreateTemp("", "upload-controller-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(f.Name()) })
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return f.Name()
}

func waitForState(t *testing.T, status *Status, want State, timeout time.Duration) Snapshot {
	t.Helper()

	deadline := time.After(timeout)
	updates := make(chan Snapshot, 256)
	unsubscribe := status.Subscribe(func(s Snapshot) {
		select {
		case updates <- s:
		default:
		}
	})
	defer unsubscribe()

	for {
		select {
		case s := <-updates:
			if s.State == want {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q, last snapshot: %+v", want, status.Snapshot())
		}
	}
}

func newTestController(t *testing.T, adapter transport.Adapter, fileSize, partSize int64, concurrency int) (*Controller, string) {
	t.Helper()
	path := testFile(t, fileSize)
	q, err := queue.New(concurrency)
	require.NoError(t, err)

	ctrl := New(Config{
		FileName: "video.mp4",
		FilePath: path,
		FileSize: fileSize,
		PartSize: partSize,
	}, adapter, q, log.NewLogger())

	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl, path
}

func TestController_HappyPath(t *testing.T) {
	adapter := &fakeAdapter{
		createFn: func(ctx context.Context, path string, size int64) (string, error) {
			return "upload-1", nil
		},
		uploadPartFn: alwaysOK,
		finalizeFn: func(ctx context.Context, fileName, uploadID string) (transport.Artifact, error) {
			return transport.Artifact{UID: "artifact-1", FileName: fileName}, nil
		},
	}

	ctrl, _ := newTestController(t, adapter, 4096, 1024, 3)

	require.NoError(t, ctrl.Start(context.Background()))

	snap := waitForState(t, ctrl.Status(), StateDone, 2*time.Second)
	require.NotNil(t, snap.Artifact)

	require.Equal(t, float64(100), snap.Progress)
	require.Equal(t, "artifact-1", snap.Artifact.UID)
	require.EqualValues(t, 1, adapter.createCalls)
	require.EqualValues(t, 4, adapter.uploadPartCalls)
	require.EqualValues(t, 1, adapter.finalizeCalls)
}

func TestController_SinglePartFailsThenRetry(t *testing.T) {
	var part2Attempts int32

	adapter := &fakeAdapter{
		createFn: func(ctx context.Context, path string, size int64) (string, error) {
			return "upload-1", nil
		},
		uploadPartFn: func(ctx context.Context, index int, uploadID string, body io.Reader, size int64) (bool, error) {
			if index == 2 && atomic.AddInt32(&part2Attempts, 1) == 1 {
				return false, nil
			}
			return true, nil
		},
		finalizeFn: func(ctx context.Context, fileName, uploadID string) (transport.Artifact, error) {
			return transport.Artifact{UID: "artifact-1"}, nil
		},
	}

	ctrl, _ := newTestController(t, adapter, 4096, 1024, 3)

	require.NoError(t, ctrl.Start(context.Background()))

	failedSnap := waitForState(t, ctrl.Status(), StateFailed, 2*time.Second)
	require.Equal(t, float64(75), failedSnap.Progress)

	require.NoError(t, ctrl.Retry(context.Background()))

	doneSnap := waitForState(t, ctrl.Status(), StateDone, 2*time.Second)
	require.Equal(t, float64(100), doneSnap.Progress)
	require.EqualValues(t, 1, adapter.finalizeCalls)
}

func TestController_CreateFailureThenRetrySucceeds(t *testing.T) {
	var createAttempts int32

	adapter := &fakeAdapter{
		createFn: func(ctx context.Context, path string, size int64) (string, error) {
			if atomic.AddInt32(&createAttempts, 1) == 1 {
				return "", fmt.Errorf("backend unavailable")
			}
			return "upload-1", nil
		},
		uploadPartFn: alwaysOK,
		finalizeFn: func(ctx context.Context, fileName, uploadID string) (transport.Artifact, error) {
			return transport.Artifact{UID: "artifact-1"}, nil
		},
	}

	ctrl, _ := newTestController(t, adapter, 4096, 1024, 3)

	err := ctrl.Start(context.Background())
	require.Error(t, err)

	snap := ctrl.Status().Snapshot()
	require.Equal(t, StateFailed, snap.State)
	require.Equal(t, float64(0), snap.Progress)
	require.EqualValues(t, 0, adapter.uploadPartCalls)

	require.NoError(t, ctrl.Retry(context.Background()))

	doneSnap := waitForState(t, ctrl.Status(), StateDone, 2*time.Second)
	require.Equal(t, float64(100), doneSnap.Progress)
}

func TestController_FinalizeFailureThenRetryFinalizesOnly(t *testing.T) {
	var finalizeAttempts int32

	adapter := &fakeAdapter{
		createFn: func(ctx context.Context, path string, size int64) (string, error) {
			return "upload-1", nil
		},
		uploadPartFn: alwaysOK,
		finalizeFn: func(ctx context.Context, fileName, uploadID string) (transport.Artifact, error) {
			if atomic.AddInt32(&finalizeAttempts, 1) == 1 {
				return transport.Artifact{}, fmt.Errorf("finalize backend hiccup")
			}
			return transport.Artifact{UID: "artifact-1"}, nil
		},
	}

	ctrl, _ := newTestController(t, adapter, 4096, 1024, 3)

	require.NoError(t, ctrl.Start(context.Background()))

	failedSnap := waitForState(t, ctrl.Status(), StateFailed, 2*time.Second)
	require.Equal(t, float64(100), failedSnap.Progress)

	uploadPartCallsBeforeRetry := adapter.uploadPartCalls

	require.NoError(t, ctrl.Retry(context.Background()))

	doneSnap := waitForState(t, ctrl.Status(), StateDone, 2*time.Second)
	require.Equal(t, float64(100), doneSnap.Progress)
	require.Equal(t, uploadPartCallsBeforeRetry, adapter.uploadPartCalls)
	require.EqualValues(t, 2, adapter.finalizeCalls)
}

func TestController_PauseMidFlightThenResume(t *testing.T) {
	const totalParts = 10
	var completed int32
	release := make(chan struct{})

	adapter := &fakeAdapter{
		createFn: func(ctx context.Context, path string, size int64) (string, error) {
			return "upload-1", nil
		},
		uploadPartFn: func(ctx context.Context, index int, uploadID string, body io.Reader, size int64) (bool, error) {
			n := atomic.AddInt32(&completed, 1)
			if n > 2 {
				select {
				case <-ctx.Done():
					return false, transport.ErrAborted
				case <-release:
					return true, nil
				}
			}
			return true, nil
		},
		finalizeFn: func(ctx context.Context, fileName, uploadID string) (transport.Artifact, error) {
			return transport.Artifact{UID: "artifact-1"}, nil
		},
	}

	ctrl, _ := newTestController(t, adapter, totalParts*1024, 1024, 2)

	require.NoError(t, ctrl.Start(context.Background()))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&completed) >= 2
	}, time.Second, time.Millisecond)

	ctrl.Pause()
	close(release)

	snap := ctrl.Status().Snapshot()
	require.Equal(t, StatePaused, snap.State)

	require.NoError(t, ctrl.Start(context.Background()))
	doneSnap := waitForState(t, ctrl.Status(), StateDone, 2*time.Second)
	require.Equal(t, float64(100), doneSnap.Progress)
}

func TestController_Abort(t *testing.T) {
	var completed int32
	release := make(chan struct{})
	var cancelUploadID string

	adapter := &fakeAdapter{
		createFn: func(ctx context.Context, path string, size int64) (string, error) {
			return "upload-1", nil
		},
		uploadPartFn: func(ctx context.Context, index int, uploadID string, body io.Reader, size int64) (bool, error) {
			n := atomic.AddInt32(&completed, 1)
			if n > 2 {
				select {
				case <-ctx.Done():
					return false, transport.ErrAborted
				case <-release:
					return true, nil
				}
			}
			return true, nil
		},
		cancelFn: func(ctx context.Context, uploadID string) error {
			cancelUploadID = uploadID
			return nil
		},
	}

	ctrl, _ := newTestController(t, adapter, 10*1024, 1024, 2)
	require.NoError(t, ctrl.Start(context.Background()))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&completed) >= 2
	}, time.Second, time.Millisecond)

	ctrl.Abort(context.Background())
	close(release)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&adapter.cancelCalls) == 1
	}, time.Second, time.Millisecond)

	snap := ctrl.Status().Snapshot()
	require.Equal(t, StatePaused, snap.State)
	require.Equal(t, "upload-1", cancelUploadID)
}

func TestController_AbortFromFailedState(t *testing.T) {
	var cancelUploadID string

	adapter := &fakeAdapter{
		createFn: func(ctx context.Context, path string, size int64) (string, error) {
			return "upload-1", nil
		},
		uploadPartFn: func(ctx context.Context, index int, uploadID string, body io.Reader, size int64) (bool, error) {
			return false, nil
		},
		cancelFn: func(ctx context.Context, uploadID string) error {
			cancelUploadID = uploadID
			return nil
		},
	}

	ctrl, _ := newTestController(t, adapter, 1024, 1024, 1)
	require.NoError(t, ctrl.Start(context.Background()))

	waitForState(t, ctrl.Status(), StateFailed, 2*time.Second)

	ctrl.Abort(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&adapter.cancelCalls) == 1
	}, time.Second, time.Millisecond)

	snap := ctrl.Status().Snapshot()
	require.Equal(t, StatePaused, snap.State)
	require.Equal(t, "upload-1", cancelUploadID)
}
