package shuffle

import (
	"fmt"
	"math/rand"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// BuildHandle constructs the driver-side routing table for one shuffle:
// the worker list is shuffled uniformly, groups are cut by a sliding
// window of workersPerGroup (with wrap) and deduplicated, and partition p
// maps to group p mod len(groups).
//
// The sliding window yields overlapping but distinct groups, spreading
// partition load while keeping each partition on a small fixed target set
// for all its map attempts.
func BuildHandle(stage types.StageShuffleId, numPartitions int, workers []types.WorkerDetail,
	workersPerGroup int, conf types.ClusterConf, rng *rand.Rand) (*types.ShuffleHandle, error) {

	if len(workers) == 0 {
		return nil, types.ErrNoShuffleWorkers
	}
	if numPartitions <= 0 {
		return nil, fmt.Errorf("%w: numPartitions %d", types.ErrConfig, numPartitions)
	}

	shuffled := make([]types.WorkerDetail, len(workers))
	copy(shuffled, workers)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	if workersPerGroup > len(shuffled) {
		workersPerGroup = len(shuffled)
	}

	groups := make([]types.ServerGroup, len(shuffled))
	for i := range shuffled {
		seen := make(map[string]bool, workersPerGroup)
		var members []types.WorkerDetail
		for j := 0; j < workersPerGroup; j++ {
			w := shuffled[(i+j)%len(shuffled)]
			if seen[w.ID()] {
				continue
			}
			seen[w.ID()] = true
			members = append(members, w)
		}
		groups[i] = types.ServerGroup{Workers: members}
	}

	partitionMap := make([]int, numPartitions)
	for p := 0; p < numPartitions; p++ {
		partitionMap[p] = p % len(groups)
	}

	return &types.ShuffleHandle{
		Stage:         stage,
		NumPartitions: numPartitions,
		PartitionMap:  partitionMap,
		Groups:        groups,
		Conf:          conf,
	}, nil
}
