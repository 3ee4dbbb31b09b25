package dfs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kettlelinna/shuttle/pkg/types"
)

func TestLayoutPaths(t *testing.T) {
	l := Layout{Root: "/data/shuttle"}
	st := types.StageShuffleId{AppID: "app-1", AppAttempt: "2", StageAttempt: 1, ShuffleID: 7}
	p := types.PartitionShuffleId{Stage: st, PartitionID: 12}

	assert.Equal(t, "/data/shuttle/app-1", l.AppDir("app-1"))
	assert.Equal(t, "/data/shuttle/app-1/2/7", l.ShuffleDir(st))
	assert.Equal(t, "/data/shuttle/app-1/2/7/stage-1", l.StageDir(st))
	assert.Equal(t, "/data/shuttle/app-1/2/7/stage-1/partition-12", l.PartitionDir(p))
	assert.Equal(t, "/data/shuttle/app-1/2/7/stage-1/partition-12/part-w0-000003", l.PartFile(p, "w0", 3))
	assert.Equal(t, "/data/shuttle/app-1/2/7/stage-1/_SUCCESS", l.SuccessPath(st))
	assert.Equal(t, "/data/shuttle/app-1/2/7/stage-1/_FAILED", l.FailedPath(st))
}

func TestNewDispatchesScheme(t *testing.T) {
	fs, root, err := New("file:///tmp/shuttle", nil)
	assert.NoError(t, err)
	assert.IsType(t, &Local{}, fs)
	assert.Equal(t, "/tmp/shuttle", root)

	_, _, err = New("s3://bucket/x", nil)
	assert.ErrorIs(t, err, types.ErrConfig)
}
