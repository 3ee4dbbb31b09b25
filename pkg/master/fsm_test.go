package master

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettlelinna/shuttle/pkg/storage"
)

func applyCmd(t *testing.T, f *ShuttleFSM, op string, v interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: cmd})
}

func TestFSMWorkerLifecycle(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	f := NewShuttleFSM(store)

	w := worker("w1", 2)
	res := applyCmd(t, f, "register_worker", w)
	assert.Nil(t, res)

	got, err := store.GetWorker(w.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, got.Weight)

	w.Weight = 7
	applyCmd(t, f, "heartbeat_worker", w)
	got, err = store.GetWorker(w.ID())
	require.NoError(t, err)
	assert.Equal(t, 7, got.Weight)

	applyCmd(t, f, "evict_worker", w.ID())
	_, err = store.GetWorker(w.ID())
	assert.Error(t, err)
}

func TestFSMUnknownCommand(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	f := NewShuttleFSM(store)

	res := applyCmd(t, f, "resize_cluster", "x")
	err, ok := res.(error)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestFSMSnapshotRestore(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	f := NewShuttleFSM(store)

	applyCmd(t, f, "register_worker", worker("w1", 1))
	applyCmd(t, f, "register_worker", worker("w2", 2))

	snap, err := f.Snapshot()
	require.NoError(t, err)
	workers := snap.(*shuttleSnapshot).Workers
	assert.Len(t, workers, 2)

	// Restore into a fresh store.
	store2, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store2.Close()
	f2 := NewShuttleFSM(store2)
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, f2.Restore(io.NopCloser(bytes.NewReader(data))))
	restored, err := store2.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, restored, 2)
}
