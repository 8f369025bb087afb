package upload

import (
	"context"
	"testing"
	"time"

	"github.com/blobkit/upload-engine/transport"
	"github.com/blobkit/upload-engine/transport/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// TestController_HappyPathWithMockAdapter exercises the controller against
// mocks.Adapter, in the idiom of analytics/track_test.go's
// .On(...)/AssertExpectations(t) mockery style, rather than the hand-rolled
// fakeAdapter used by the other scenarios in controller_test.go.
func TestController_HappyPathWithMockAdapter(t *testing.T) {
	adapter := new(mocks.Adapter)
	adapter.On("Create", mock.Anything, mock.Anything, int64(1024)).
		Return("upload-1", nil)
	adapter.On("UploadPart", mock.Anything, 1, "upload-1", mock.Anything, int64(1024)).
		Return(true, nil)
	adapter.On("Finalize", mock.Anything, "video.mp4", "upload-1").
		Return(transport.Artifact{UID: "artifact-1", FileName: "video.mp4"}, nil)

	ctrl, _ := newTestController(t, adapter, 1024, 1024, 1)

	require.NoError(t, ctrl.Start(context.Background()))

	snap := waitForState(t, ctrl.Status(), StateDone, 2*time.Second)
	require.Equal(t, float64(100), snap.Progress)
	require.Equal(t, "artifact-1", snap.Artifact.UID)

	adapter.AssertExpectations(t)
}
