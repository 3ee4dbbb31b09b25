package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds that cross component boundaries.
// Callers branch with errors.Is; the wire layer maps them to ErrorKind
// codes and back so a client sees the same sentinel the server returned.
var (
	// ErrNoShuffleWorkers is returned by allocation when the filtered live
	// worker set is empty.
	ErrNoShuffleWorkers = errors.New("no live shuffle workers")

	// ErrNoToken is returned when the control channel token pool stays
	// exhausted past the caller's deadline.
	ErrNoToken = errors.New("connection token unavailable")

	// ErrBackpressure indicates transient memory pressure on a worker.
	// Always retryable.
	ErrBackpressure = errors.New("worker over memory threshold")

	// ErrDuplicateBlock is informational: the block was already accepted.
	ErrDuplicateBlock = errors.New("duplicate block")

	// ErrInputNotReady is returned when a reader's wait for the stage
	// marker exceeds its limit.
	ErrInputNotReady = errors.New("shuffle input not ready")

	// ErrDfs is terminal: the DFS operation failed after bounded retry.
	ErrDfs = errors.New("dfs operation failed")

	// ErrStageAborted indicates the stage wrote a failure marker or the
	// partition was marked aborted.
	ErrStageAborted = errors.New("stage aborted")

	// ErrConfig indicates invalid configuration.
	ErrConfig = errors.New("invalid configuration")

	// ErrProtocol indicates a malformed or unexpected wire message.
	// Never retried.
	ErrProtocol = errors.New("protocol error")

	// ErrStageClosed is returned for a block arriving after its partition
	// state was closed with no later stage attempt.
	ErrStageClosed = errors.New("partition closed")

	// ErrNotLeader is returned by a master replica that lost leadership;
	// clients re-resolve through the registry and retry.
	ErrNotLeader = errors.New("not the active master")
)

// ShuffleError carries the identity of the failing shuffle alongside the
// error kind, for the typed stage-failure message surfaced to the host
// engine.
type ShuffleError struct {
	Stage       StageShuffleId
	PartitionID int    // -1 when not partition-scoped
	WorkerID    string // empty when not worker-scoped
	Err         error
}

func (e *ShuffleError) Error() string {
	msg := fmt.Sprintf("shuffle %s", e.Stage)
	if e.PartitionID >= 0 {
		msg += fmt.Sprintf(" partition %d", e.PartitionID)
	}
	if e.WorkerID != "" {
		msg += fmt.Sprintf(" worker %s", e.WorkerID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ShuffleError) Unwrap() error { return e.Err }

// NewShuffleError wraps err with shuffle identity.
func NewShuffleError(stage StageShuffleId, partitionID int, workerID string, err error) *ShuffleError {
	return &ShuffleError{Stage: stage, PartitionID: partitionID, WorkerID: workerID, Err: err}
}

// Retryable reports whether the error is safe to retry with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackpressure) || errors.Is(err, ErrNoToken) || errors.Is(err, ErrNotLeader)
}
