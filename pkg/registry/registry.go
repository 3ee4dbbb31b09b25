package registry

import (
	"context"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// Lease keeps a worker's registration alive. Closing it (or losing the
// underlying session) removes the entry within one session timeout.
type Lease interface {
	// Renew refreshes the published detail (heartbeat, weight).
	Renew(detail types.WorkerDetail) error
	Close() error
}

// Election is a master candidacy. IsLeader reports the current verdict;
// Resign abandons the candidacy.
type Election interface {
	IsLeader() bool
	// Leader returns the name of the current holder, or "" if none.
	Leader() (string, error)
	Resign() error
}

// Registry is the thin wrapper over the coordination service: ephemeral
// worker membership, single-winner master election, and the small
// linearizable pointers (active master, active cluster).
type Registry interface {
	// RegisterWorker publishes an ephemeral membership entry.
	RegisterWorker(detail types.WorkerDetail) (Lease, error)
	// ListWorkers snapshots the membership of a datacenter+cluster.
	// The view is eventually consistent.
	ListWorkers(dataCenter, cluster string) ([]types.WorkerDetail, error)
	// WatchWorkers invokes cb with the full membership on every change
	// until ctx is done.
	WatchWorkers(ctx context.Context, dataCenter, cluster string, cb func([]types.WorkerDetail)) error

	// ElectMaster enters candidate into the single-winner election.
	// Contenders watch the holder and race on its disappearance.
	ElectMaster(dataCenter, cluster, candidate, addr string) (Election, error)
	// GetActiveMaster reads the active master pointer. Linearizable.
	GetActiveMaster(dataCenter, cluster string) (string, error)
	// WatchMaster invokes cb with the master address on every change.
	WatchMaster(ctx context.Context, dataCenter, cluster string, cb func(addr string)) error

	// ActiveCluster reads the /rss/use_cluster pointer. Linearizable.
	ActiveCluster() (string, error)
	// SetActiveCluster updates the pointer (operator action).
	SetActiveCluster(name string) error

	Close() error
}
