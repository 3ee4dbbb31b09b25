package dfs

import (
	"fmt"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// Markers and file names inside a stage directory. Compatibility-sensitive.
const (
	SuccessMarker = "_SUCCESS"
	FailedMarker  = "_FAILED"
)

// Layout computes the DFS paths for a shuffle rooted at root:
//
//	{root}/{appId}/{appAttempt}/{shuffleId}/stage-{stageAttempt}/
//	    partition-{p}/part-{workerId}-{seqNo}
//	    _SUCCESS | _FAILED
type Layout struct {
	Root string
}

// AppDir is the retention unit: everything an application wrote.
func (l Layout) AppDir(appID string) string {
	return Join(l.Root, appID)
}

// ShuffleDir holds every stage attempt of one shuffle.
func (l Layout) ShuffleDir(s types.StageShuffleId) string {
	return Join(l.Root, s.AppID, s.AppAttempt, fmt.Sprintf("%d", s.ShuffleID))
}

// StageDir holds one stage attempt's partitions and markers.
func (l Layout) StageDir(s types.StageShuffleId) string {
	return Join(l.ShuffleDir(s), fmt.Sprintf("stage-%d", s.StageAttempt))
}

// PartitionDir holds the part files of one partition.
func (l Layout) PartitionDir(p types.PartitionShuffleId) string {
	return Join(l.StageDir(p.Stage), fmt.Sprintf("partition-%d", p.PartitionID))
}

// PartFile names one flush artifact. workerID disambiguates producers,
// seqNo orders a single worker's flushes.
func (l Layout) PartFile(p types.PartitionShuffleId, workerID string, seqNo int) string {
	return Join(l.PartitionDir(p), fmt.Sprintf("part-%s-%06d", workerID, seqNo))
}

// SuccessPath is the stage completion marker.
func (l Layout) SuccessPath(s types.StageShuffleId) string {
	return Join(l.StageDir(s), SuccessMarker)
}

// FailedPath is the stage abort marker.
func (l Layout) FailedPath(s types.StageShuffleId) string {
	return Join(l.StageDir(s), FailedMarker)
}
