package storage

import (
	"github.com/kettlelinna/shuttle/pkg/types"
)

// FlushRecord describes one completed DFS flush of a partition buffer.
// The sum of Length over a partition's records equals the bytes accepted
// for that partition.
type FlushRecord struct {
	Path   string
	Length int64
	Crc    uint32
}

// StageRecord is the worker-side state retained for a finalized or aborted
// stage, so replayed blocks after a restart are still rejected.
type StageRecord struct {
	Stage       types.StageShuffleId
	Status      types.StageStatus
	FinalizedAt int64 // unix millis
}

// Store is the metadata store shared by master (worker table) and worker
// (stage index, flush records).
type Store interface {
	// Worker table (master)
	PutWorker(w *types.WorkerDetail) error
	GetWorker(id string) (*types.WorkerDetail, error)
	ListWorkers() ([]*types.WorkerDetail, error)
	DeleteWorker(id string) error

	// Stage index (worker)
	PutStage(rec *StageRecord) error
	GetStage(stage types.StageShuffleId) (*StageRecord, error)
	ListStages() ([]*StageRecord, error)
	DeleteStage(stage types.StageShuffleId) error

	// Flush records (worker)
	AppendFlushRecord(p types.PartitionShuffleId, rec *FlushRecord) error
	ListFlushRecords(p types.PartitionShuffleId) ([]*FlushRecord, error)
	DeleteFlushRecords(stage types.StageShuffleId) error

	Close() error
}
