package shuffle

import (
	"fmt"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// Writer is the per-map-task producer. Records written to the same
// partition are preserved in write order for this map attempt; a record is
// durable once Close returns nil.
type Writer interface {
	Write(partitionID int, record []byte) error
	Close() error
	// Abort drops buffered state without emitting terminators, for task
	// failure paths.
	Abort()
}

// NewWriter builds the writer for one map attempt, selecting the strategy
// from the dependency shape and configuration.
func NewWriter(handle *types.ShuffleHandle, dep Dependency, cfg *config.Config,
	mapID uint32, mapAttempt uint16) (Writer, error) {

	s := newSender(handle, cfg, mapID, mapAttempt)
	switch ChooseWriter(dep, cfg) {
	case config.WriterBypass:
		return newBypassWriter(s, handle.NumPartitions, cfg.BlockSize), nil
	case config.WriterUnsafe:
		return newUnsafeWriter(s, handle.NumPartitions, cfg.BlockSize, cfg.MemoryThreshold), nil
	case config.WriterSort:
		return newSortWriter(s, handle.NumPartitions, cfg.BlockSize, cfg.WriterBufferSpill)
	default:
		return nil, fmt.Errorf("%w: no writer strategy", types.ErrConfig)
	}
}
