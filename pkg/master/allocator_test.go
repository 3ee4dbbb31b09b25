package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettlelinna/shuttle/pkg/types"
)

type staticTable []types.WorkerDetail

func (t staticTable) Snapshot() []types.WorkerDetail { return t }

func worker(host string, weight int) types.WorkerDetail {
	return types.WorkerDetail{
		Host:          host,
		DataPort:      19190,
		ControlPort:   19191,
		Weight:        weight,
		DataCenter:    "dc1",
		Cluster:       "c1",
		Status:        types.WorkerStatusReady,
		LastHeartbeat: time.Now(),
	}
}

func TestAllocateNoWorkers(t *testing.T) {
	tests := []struct {
		name  string
		table staticTable
	}{
		{"empty table", staticTable{}},
		{"wrong datacenter", staticTable{
			func() types.WorkerDetail { w := worker("w1", 1); w.DataCenter = "dc2"; return w }(),
		}},
		{"all down", staticTable{
			func() types.WorkerDetail { w := worker("w1", 1); w.Status = types.WorkerStatusDown; return w }(),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAllocator(tt.table, types.ClusterConf{}, 1, 8)
			_, err := a.Allocate(types.AllocateRequest{DataCenter: "dc1", Cluster: "c1", RequestedCount: 2})
			assert.ErrorIs(t, err, types.ErrNoShuffleWorkers)
		})
	}
}

func TestAllocateClampsCount(t *testing.T) {
	table := staticTable{worker("w1", 1), worker("w2", 1), worker("w3", 1), worker("w4", 1)}

	tests := []struct {
		name      string
		requested int
		min, max  int
		expect    int
	}{
		{"below min", 0, 2, 8, 2},
		{"above max", 100, 1, 3, 3},
		{"within bounds", 2, 1, 8, 2},
		{"more than live", 8, 1, 16, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAllocator(table, types.ClusterConf{}, tt.min, tt.max)
			resp, err := a.Allocate(types.AllocateRequest{DataCenter: "dc1", Cluster: "c1", RequestedCount: tt.requested})
			require.NoError(t, err)
			assert.Len(t, resp.Workers, tt.expect)
		})
	}
}

func TestAllocateNoDuplicates(t *testing.T) {
	table := staticTable{worker("w1", 1), worker("w2", 3), worker("w3", 2), worker("w4", 5)}
	a := NewAllocator(table, types.ClusterConf{}, 1, 16)

	for i := 0; i < 50; i++ {
		resp, err := a.Allocate(types.AllocateRequest{DataCenter: "dc1", Cluster: "c1", RequestedCount: 4})
		require.NoError(t, err)
		seen := make(map[string]bool)
		for _, w := range resp.Workers {
			assert.False(t, seen[w.ID()], "worker %s selected twice", w.ID())
			seen[w.ID()] = true
		}
	}
}

// TestAllocateWeightBias verifies selection probability tracks the load
// weight: a weight-9 worker must be picked as the single allocation far
// more often than a weight-1 worker.
func TestAllocateWeightBias(t *testing.T) {
	table := staticTable{worker("heavy", 9), worker("light", 1)}
	a := NewAllocator(table, types.ClusterConf{}, 1, 1)

	heavy := 0
	const rounds = 2000
	for i := 0; i < rounds; i++ {
		resp, err := a.Allocate(types.AllocateRequest{DataCenter: "dc1", Cluster: "c1", RequestedCount: 1})
		require.NoError(t, err)
		require.Len(t, resp.Workers, 1)
		if resp.Workers[0].Host == "heavy" {
			heavy++
		}
	}
	// Expected ~90%; allow a generous band.
	assert.Greater(t, heavy, rounds*8/10)
	assert.Less(t, heavy, rounds*97/100)
}

func TestAllocateReturnsClusterConf(t *testing.T) {
	conf := types.ClusterConf{RootDir: "hdfs://nn/shuttle", DataCenter: "dc1", Cluster: "c1"}
	a := NewAllocator(staticTable{worker("w1", 1)}, conf, 1, 8)

	resp, err := a.Allocate(types.AllocateRequest{DataCenter: "dc1", Cluster: "c1", RequestedCount: 1})
	require.NoError(t, err)
	assert.Equal(t, conf, resp.Conf)
}
