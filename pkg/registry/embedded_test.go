package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettlelinna/shuttle/pkg/types"
)

func detail(host string) types.WorkerDetail {
	return types.WorkerDetail{
		Host:        host,
		DataPort:    19190,
		ControlPort: 19191,
		Weight:      1,
		DataCenter:  "dc1",
		Cluster:     "c1",
	}
}

func TestEmbeddedMembership(t *testing.T) {
	r := NewEmbedded(time.Minute)

	lease, err := r.RegisterWorker(detail("w1"))
	require.NoError(t, err)

	ws, err := r.ListWorkers("dc1", "c1")
	require.NoError(t, err)
	require.Len(t, ws, 1)

	// Different cluster sees nothing.
	ws, err = r.ListWorkers("dc1", "other")
	require.NoError(t, err)
	assert.Empty(t, ws)

	require.NoError(t, lease.Close())
	ws, err = r.ListWorkers("dc1", "c1")
	require.NoError(t, err)
	assert.Empty(t, ws)
}

func TestEmbeddedStaleEviction(t *testing.T) {
	r := NewEmbedded(50 * time.Millisecond)

	_, err := r.RegisterWorker(detail("w1"))
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	ws, err := r.ListWorkers("dc1", "c1")
	require.NoError(t, err)
	assert.Empty(t, ws, "stale worker dropped from views")
}

func TestEmbeddedLeaseRenewKeepsAlive(t *testing.T) {
	r := NewEmbedded(100 * time.Millisecond)
	d := detail("w1")
	lease, err := r.RegisterWorker(d)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, lease.Renew(d))
	}
	ws, err := r.ListWorkers("dc1", "c1")
	require.NoError(t, err)
	assert.Len(t, ws, 1)
}

func TestEmbeddedElection(t *testing.T) {
	r := NewEmbedded(time.Minute)

	e1, err := r.ElectMaster("dc1", "c1", "m1", "addr1")
	require.NoError(t, err)
	e2, err := r.ElectMaster("dc1", "c1", "m2", "addr2")
	require.NoError(t, err)

	assert.True(t, e1.IsLeader())
	assert.False(t, e2.IsLeader())

	addr, err := r.GetActiveMaster("dc1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "addr1", addr)

	require.NoError(t, e1.Resign())
	assert.False(t, e1.IsLeader())
	_, err = r.GetActiveMaster("dc1", "c1")
	assert.Error(t, err, "no master after resignation")
}

func TestEmbeddedWorkerWatch(t *testing.T) {
	r := NewEmbedded(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan int, 8)
	require.NoError(t, r.WatchWorkers(ctx, "dc1", "c1", func(ws []types.WorkerDetail) {
		updates <- len(ws)
	}))

	_, err := r.RegisterWorker(detail("w1"))
	require.NoError(t, err)

	select {
	case n := <-updates:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("no watch callback")
	}
}
