package shuffle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/dfs"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/protocol"
	"github.com/kettlelinna/shuttle/pkg/registry"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// Manager is the driver-side entry point the host engine adapts to:
// register a shuffle, hand writers to map tasks, hand readers to reduce
// tasks, unregister when the shuffle is no longer needed. One Manager per
// driver; explicit Close, no state leaks across application lifetimes.
type Manager struct {
	cfg       *config.Config
	reg       registry.Registry // nil when masterAddr is static
	finalizer *Finalizer
	logger    zerolog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	handles map[types.StageShuffleId]*types.ShuffleHandle
	closed  bool
}

// NewManager creates the per-driver manager. reg may be nil in
// master-managed mode with a static master address.
func NewManager(cfg *config.Config, reg registry.Registry) *Manager {
	return &Manager{
		cfg:       cfg,
		reg:       reg,
		finalizer: NewFinalizer(cfg),
		logger:    log.For("shuffle-manager"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		handles:   make(map[types.StageShuffleId]*types.ShuffleHandle),
	}
}

// masterAddr resolves the active master. In zk mode the registry pointer
// is re-read on every attempt so a failover redirects the next retry.
func (m *Manager) masterAddr() (string, error) {
	if m.cfg.ServiceManagerType == config.ManagerMaster {
		return m.cfg.MasterAddr, nil
	}
	return m.reg.GetActiveMaster(m.cfg.DataCenter, m.cfg.Cluster)
}

// RegisterShuffle allocates workers for a new shuffle and builds the
// handle fanned out to executors. Safe to re-issue: nothing is persisted
// master-side.
func (m *Manager) RegisterShuffle(stage types.StageShuffleId, appName string, dep Dependency) (*types.ShuffleHandle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("shuffle manager closed")
	}
	m.mu.Unlock()

	requested := (dep.NumPartitions + m.cfg.PartitionCountPerShuffleWorker - 1) / m.cfg.PartitionCountPerShuffleWorker
	req := &protocol.GetShuffleWorkersReq{AllocateRequest: types.AllocateRequest{
		DataCenter:     m.cfg.DataCenter,
		Cluster:        m.cfg.Cluster,
		AppID:          stage.AppID,
		AppName:        appName,
		TaskID:         stage.String(),
		RequestedCount: requested,
	}}

	var resp *protocol.GetShuffleWorkersResp
	op := func() error {
		addr, err := m.masterAddr()
		if err != nil {
			return err
		}
		client, err := protocol.Dial(addr, m.cfg.NetworkTimeout)
		if err != nil {
			return err
		}
		defer client.Close()

		body, err := client.Call(protocol.KindGetShuffleWorkers, req.Encode())
		if err != nil {
			if types.Retryable(err) {
				return err // leader moved; re-resolve and retry
			}
			return backoff.Permanent(err)
		}
		resp, err = protocol.DecodeGetShuffleWorkersResp(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.cfg.NetworkRetries))
	if err := backoff.Retry(op, bo); err != nil {
		return nil, types.NewShuffleError(stage, -1, "", err)
	}

	m.mu.Lock()
	handle, err := BuildHandle(stage, dep.NumPartitions, resp.Workers, m.cfg.WorkersPerGroup, resp.Conf, m.rng)
	if err == nil {
		m.handles[stage] = handle
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("stage", stage.String()).
		Int("partitions", dep.NumPartitions).
		Int("workers", len(resp.Workers)).
		Int("groups", len(handle.Groups)).
		Msg("Shuffle registered")
	return handle, nil
}

// GetWriter returns the writer for one map attempt.
func (m *Manager) GetWriter(handle *types.ShuffleHandle, dep Dependency, mapID uint32, mapAttempt uint16) (Writer, error) {
	return NewWriter(handle, dep, m.cfg, mapID, mapAttempt)
}

// GetReader returns a reader over a partition and map-id range.
func (m *Manager) GetReader(ctx context.Context, handle *types.ShuffleHandle,
	startPartition, endPartition int, startMap, endMap uint32) (*Reader, error) {
	return NewReader(ctx, handle, m.cfg, startPartition, endPartition, startMap, endMap)
}

// FinalizeStage is the driver hook for stage success.
func (m *Manager) FinalizeStage(handle *types.ShuffleHandle) error {
	return m.finalizer.OnStageComplete(handle)
}

// AbortStage is the driver hook for stage failure.
func (m *Manager) AbortStage(handle *types.ShuffleHandle) error {
	return m.finalizer.OnStageAbort(handle)
}

// RetryStage prepares a stage re-run: the previous attempt's markers are
// deleted so the new attempt's output is the only one readers can see.
func (m *Manager) RetryStage(prev types.StageShuffleId) error {
	return m.finalizer.OnStageRetry(prev)
}

// Unregister releases the handle and, when configured, deletes the
// shuffle's DFS tree.
func (m *Manager) Unregister(stage types.StageShuffleId) error {
	m.mu.Lock()
	handle, ok := m.handles[stage]
	delete(m.handles, stage)
	m.mu.Unlock()
	if !ok || !m.cfg.DeleteShuffleDir {
		return nil
	}

	fs, root, err := dfs.New(handle.Conf.RootDir, handle.Conf.DfsSite)
	if err != nil {
		return err
	}
	layout := dfs.Layout{Root: root}
	if err := fs.Remove(layout.ShuffleDir(stage)); err != nil {
		return fmt.Errorf("%w: remove shuffle dir: %v", types.ErrDfs, err)
	}
	m.logger.Info().Str("stage", stage.String()).Msg("Shuffle dir removed")
	return nil
}

// Close releases the manager. Registered handles are forgotten; DFS trees
// are left for the retention sweeper unless Unregister ran first.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.handles = make(map[types.StageShuffleId]*types.ShuffleHandle)
	m.mu.Unlock()
	return nil
}
