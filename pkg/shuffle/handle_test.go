package shuffle

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettlelinna/shuttle/pkg/types"
)

func testWorkers(n int) []types.WorkerDetail {
	out := make([]types.WorkerDetail, n)
	for i := range out {
		out[i] = types.WorkerDetail{
			Host:     string(rune('a' + i)),
			DataPort: 19190 + i,
			Weight:   1,
		}
	}
	return out
}

func testStage() types.StageShuffleId {
	return types.StageShuffleId{AppID: "app", AppAttempt: "1", StageAttempt: 0, ShuffleID: 1}
}

func TestBuildHandleGroups(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		workersPerGroup int
		numPartitions   int
	}{
		{"two workers pairs", 2, 2, 4},
		{"five workers pairs", 5, 2, 16},
		{"group larger than pool", 2, 4, 8},
		{"single worker", 1, 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(1))
			h, err := BuildHandle(testStage(), tt.numPartitions, testWorkers(tt.workers), tt.workersPerGroup, types.ClusterConf{}, rng)
			require.NoError(t, err)

			assert.Len(t, h.Groups, tt.workers)
			assert.Len(t, h.PartitionMap, tt.numPartitions)

			for _, g := range h.Groups {
				require.NotEmpty(t, g.Workers)
				seen := make(map[string]bool)
				for _, w := range g.Workers {
					assert.False(t, seen[w.ID()], "duplicate worker in group")
					seen[w.ID()] = true
				}
			}
			for p, gi := range h.PartitionMap {
				assert.GreaterOrEqual(t, gi, 0)
				assert.Less(t, gi, len(h.Groups), "partition %d out of range", p)
			}
		})
	}
}

// TestBuildHandleBalance verifies the modular assignment balances
// partitions across groups to within one.
func TestBuildHandleBalance(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h, err := BuildHandle(testStage(), 103, testWorkers(8), 2, types.ClusterConf{}, rng)
	require.NoError(t, err)

	counts := make(map[int]int)
	for _, gi := range h.PartitionMap {
		counts[gi]++
	}
	min, max := 103, 0
	for gi := 0; gi < len(h.Groups); gi++ {
		c := counts[gi]
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	assert.LessOrEqual(t, max-min, 1)
}

func TestBuildHandleStablePartitionRouting(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	h, err := BuildHandle(testStage(), 12, testWorkers(4), 2, types.ClusterConf{}, rng)
	require.NoError(t, err)

	// Every lookup of the same partition must land on the same worker:
	// that is what lets all map attempts converge on one target.
	for p := 0; p < h.NumPartitions; p++ {
		first := h.GroupFor(p).WorkerFor(p)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first.ID(), h.GroupFor(p).WorkerFor(p).ID())
		}
	}
}

func TestBuildHandleErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	_, err := BuildHandle(testStage(), 4, nil, 2, types.ClusterConf{}, rng)
	assert.ErrorIs(t, err, types.ErrNoShuffleWorkers)

	_, err = BuildHandle(testStage(), 0, testWorkers(2), 2, types.ClusterConf{}, rng)
	assert.ErrorIs(t, err, types.ErrConfig)
}
