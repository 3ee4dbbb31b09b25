package master

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/kettlelinna/shuttle/pkg/storage"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// ShuttleFSM implements the Raft Finite State Machine for the master's
// worker table. It applies log entries to the local store and handles
// snapshots.
type ShuttleFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewShuttleFSM creates a new FSM instance
func NewShuttleFSM(store storage.Store) *ShuttleFSM {
	return &ShuttleFSM{store: store}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *ShuttleFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "register_worker":
		var w types.WorkerDetail
		if err := json.Unmarshal(cmd.Data, &w); err != nil {
			return err
		}
		return f.store.PutWorker(&w)

	case "heartbeat_worker":
		var w types.WorkerDetail
		if err := json.Unmarshal(cmd.Data, &w); err != nil {
			return err
		}
		return f.store.PutWorker(&w)

	case "evict_worker":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteWorker(id)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
func (f *ShuttleFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	workers, err := f.store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %v", err)
	}

	return &shuttleSnapshot{Workers: workers}, nil
}

// Restore restores the FSM from a snapshot
func (f *ShuttleFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot shuttleSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, w := range snapshot.Workers {
		if err := f.store.PutWorker(w); err != nil {
			return fmt.Errorf("failed to restore worker: %v", err)
		}
	}
	return nil
}

// shuttleSnapshot is a point-in-time copy of the worker table
type shuttleSnapshot struct {
	Workers []*types.WorkerDetail
}

// Persist writes the snapshot to the given SnapshotSink
func (s *shuttleSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *shuttleSnapshot) Release() {}
