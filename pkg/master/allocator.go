package master

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/kettlelinna/shuttle/pkg/metrics"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// WorkerTable supplies the current live worker snapshot. Implementations
// are copy-on-write; Snapshot never blocks registrations.
type WorkerTable interface {
	Snapshot() []types.WorkerDetail
}

// Allocator answers GetShuffleWorkers: it clamps the requested count,
// filters the live set, and draws workers by weighted random sampling
// without replacement.
type Allocator struct {
	table WorkerTable
	conf  types.ClusterConf

	minServerCount int
	maxServerCount int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAllocator creates an allocator over the given worker table.
func NewAllocator(table WorkerTable, conf types.ClusterConf, minCount, maxCount int) *Allocator {
	return &Allocator{
		table:          table,
		conf:           conf,
		minServerCount: minCount,
		maxServerCount: maxCount,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Allocate selects workers for a new shuffle. Nothing is persisted; the
// call is safe to re-issue after a leader change.
func (a *Allocator) Allocate(req types.AllocateRequest) (*types.AllocateResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AllocationDuration)

	candidates := a.liveWorkers(req.DataCenter, req.Cluster)
	if len(candidates) == 0 {
		metrics.AllocationsTotal.WithLabelValues("no_workers").Inc()
		return nil, fmt.Errorf("%w: datacenter %s cluster %s", types.ErrNoShuffleWorkers, req.DataCenter, req.Cluster)
	}

	want := req.RequestedCount
	if want < a.minServerCount {
		want = a.minServerCount
	}
	if want > a.maxServerCount {
		want = a.maxServerCount
	}
	if want > len(candidates) {
		want = len(candidates)
	}

	selected := a.sample(candidates, want)
	metrics.AllocationsTotal.WithLabelValues("ok").Inc()
	return &types.AllocateResponse{Workers: selected, Conf: a.conf}, nil
}

func (a *Allocator) liveWorkers(dc, cluster string) []types.WorkerDetail {
	var out []types.WorkerDetail
	for _, w := range a.table.Snapshot() {
		if w.DataCenter != dc || w.Cluster != cluster {
			continue
		}
		if w.Status == types.WorkerStatusDown {
			continue
		}
		out = append(out, w)
	}
	// Deterministic candidate order: freshest heartbeat first, then
	// host:port. This is the tie-break among equal-weight workers.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastHeartbeat.Equal(out[j].LastHeartbeat) {
			return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// sample draws n workers without replacement, selection probability
// proportional to Weight.
func (a *Allocator) sample(candidates []types.WorkerDetail, n int) []types.WorkerDetail {
	a.mu.Lock()
	defer a.mu.Unlock()

	pool := make([]types.WorkerDetail, len(candidates))
	copy(pool, candidates)
	selected := make([]types.WorkerDetail, 0, n)

	for len(selected) < n && len(pool) > 0 {
		total := 0
		for _, w := range pool {
			total += w.Weight
		}
		r := a.rng.Intn(total)
		idx := 0
		for i, w := range pool {
			r -= w.Weight
			if r < 0 {
				idx = i
				break
			}
		}
		selected = append(selected, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return selected
}
