package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kettlelinna/shuttle/pkg/metrics"
	"github.com/kettlelinna/shuttle/pkg/protocol"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// memoryGovernor bounds resident partition-buffer bytes. Once resident
// bytes cross the threshold, admission is refused until the dumpers drain
// below the low-water mark.
type memoryGovernor struct {
	resident  atomic.Int64
	tripped   atomic.Bool
	threshold int64
	lowWater  int64
}

func newMemoryGovernor(threshold, lowWater int64) *memoryGovernor {
	return &memoryGovernor{threshold: threshold, lowWater: lowWater}
}

// admit reports whether a payload of n bytes may be buffered right now.
func (g *memoryGovernor) admit(n int64) bool {
	r := g.resident.Load()
	if g.tripped.Load() {
		if r > g.lowWater {
			return false
		}
		g.tripped.Store(false)
	}
	if r+n > g.threshold {
		g.tripped.Store(true)
		return false
	}
	return true
}

func (g *memoryGovernor) add(n int64) {
	metrics.BytesBuffered.Set(float64(g.resident.Add(n)))
}

func (g *memoryGovernor) release(n int64) {
	metrics.BytesBuffered.Set(float64(g.resident.Add(-n)))
}

// overHighWater reports whether a drain should be forced regardless of
// per-partition fill.
func (g *memoryGovernor) overHighWater() bool {
	return g.resident.Load() > g.threshold
}

// partitionState is the lifecycle of one (stage, partition) buffer.
type partitionState int

const (
	stateBuffering partitionState = iota + 1
	stateFlushing
	stateClosed
	stateAborted
)

// blockKey is the idempotence fingerprint of a block.
type blockKey struct {
	mapID      uint32
	mapAttempt uint16
	seqNo      uint32
}

// partition accumulates framed blocks for one partition until a dump
// policy fires. A partition is owned by exactly one dumper at flush time.
type partition struct {
	id    types.PartitionShuffleId
	mu    sync.Mutex
	state partitionState
	buf   []byte
	// pending is set while a flush job is queued or running, so a
	// partition never sits in two dumper queues.
	pending  bool
	flushSeq int
	lastSeen time.Time
}

// appendBlock frames and buffers one block. Caller has already passed
// admission and dedupe.
func (p *partition) appendBlock(mapID uint32, mapAttempt uint16, seqNo uint32, payload []byte) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := len(p.buf)
	p.buf = protocol.AppendBlock(p.buf, mapID, mapAttempt, seqNo, payload)
	p.lastSeen = time.Now()
	if p.state == 0 {
		p.state = stateBuffering
	}
	return int64(len(p.buf) - before)
}

// take hands the buffered bytes to a dumper and advances the flush
// sequence. Returns nil when there is nothing to flush.
func (p *partition) take() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return nil
	}
	buf := p.buf
	p.buf = nil
	p.state = stateFlushing
	return buf
}

func (p *partition) doneFlushing(aborted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = false
	switch {
	case aborted:
		p.state = stateAborted
	case p.state == stateFlushing:
		p.state = stateBuffering
	}
}

func (p *partition) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// stageState holds everything a worker retains for one in-flight stage:
// its partitions and the per-map-attempt seen-set used for duplicate
// suppression.
type stageState struct {
	stage types.StageShuffleId

	mu         sync.Mutex
	partitions map[int]*partition
	seen       map[blockKey]struct{}
	closed     bool
	lastSeen   time.Time
}

func newStageState(stage types.StageShuffleId) *stageState {
	return &stageState{
		stage:      stage,
		partitions: make(map[int]*partition),
		seen:       make(map[blockKey]struct{}),
		lastSeen:   time.Now(),
	}
}

// observe records the block fingerprint; it returns false for a duplicate.
func (s *stageState) observe(k blockKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[k]; dup {
		return false
	}
	s.seen[k] = struct{}{}
	s.lastSeen = time.Now()
	return true
}

// getPartition returns the partition, creating it on first block.
func (s *stageState) getPartition(id int) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[id]
	if !ok {
		p = &partition{id: types.PartitionShuffleId{Stage: s.stage, PartitionID: id}, lastSeen: time.Now()}
		s.partitions[id] = p
	}
	return p
}

func (s *stageState) snapshotPartitions() []*partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p)
	}
	return out
}
