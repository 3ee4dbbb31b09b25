package worker

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/kettlelinna/shuttle/pkg/dfs"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/metrics"
	"github.com/kettlelinna/shuttle/pkg/protocol"
	"github.com/kettlelinna/shuttle/pkg/storage"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// flushJob asks a dumper to drain one partition buffer. done, when
// non-nil, receives the flush outcome (used by FinalizeStage).
type flushJob struct {
	p    *partition
	done chan error
}

// dumperPool converts in-memory partition buffers into sequential DFS
// writes. A partition is sticky to its dumper so each part file is only
// ever appended by one goroutine.
type dumperPool struct {
	fs       dfs.FileSystem
	layout   dfs.Layout
	store    storage.Store
	governor *memoryGovernor
	workerID string // path-safe id embedded in part file names
	retries  uint64

	queues []chan flushJob
	stopCh chan struct{}
	logger zerolog.Logger
}

func newDumperPool(fs dfs.FileSystem, layout dfs.Layout, store storage.Store, governor *memoryGovernor,
	workerID string, threads, queueSize int, retries int) *dumperPool {

	d := &dumperPool{
		fs:       fs,
		layout:   layout,
		store:    store,
		governor: governor,
		workerID: workerID,
		retries:  uint64(retries),
		queues:   make([]chan flushJob, threads),
		stopCh:   make(chan struct{}),
		logger:   log.For("dumper"),
	}
	for i := range d.queues {
		d.queues[i] = make(chan flushJob, queueSize)
		go d.run(i)
	}
	return d
}

// queueFor hashes a partition onto its sticky dumper.
func (d *dumperPool) queueFor(p types.PartitionShuffleId) chan flushJob {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%d", p.Stage, p.PartitionID)
	return d.queues[int(h.Sum32())%len(d.queues)]
}

// enqueue schedules a flush for p unless one is already pending. The send
// blocks when the queue is full, pushing backpressure up through the
// memory governor.
func (d *dumperPool) enqueue(p *partition, done chan error) {
	p.mu.Lock()
	if p.pending && done == nil {
		p.mu.Unlock()
		return
	}
	p.pending = true
	p.mu.Unlock()

	select {
	case d.queueFor(p.id) <- flushJob{p: p, done: done}:
	case <-d.stopCh:
		if done != nil {
			done <- fmt.Errorf("dumper pool stopped")
		}
	}
}

func (d *dumperPool) run(idx int) {
	gauge := metrics.DumperQueueDepth.WithLabelValues(fmt.Sprintf("%d", idx))
	for {
		select {
		case <-d.stopCh:
			return
		case job := <-d.queues[idx]:
			gauge.Set(float64(len(d.queues[idx])))
			err := d.flush(job.p)
			job.p.doneFlushing(err != nil)
			if job.done != nil {
				job.done <- err
			}
		}
	}
}

// flush drains one partition buffer into a fresh part file, with bounded
// exponential backoff on DFS failure. Persistent failure aborts the
// partition and leaves a failure marker for readers.
func (d *dumperPool) flush(p *partition) error {
	buf := p.take()
	if buf == nil {
		return nil
	}

	p.mu.Lock()
	seq := p.flushSeq
	p.flushSeq++
	p.mu.Unlock()

	path := d.layout.PartFile(p.id, d.workerID, seq)
	timer := metrics.NewTimer()

	op := func() error {
		w, err := d.fs.Create(path)
		if err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.retries)
	if err := backoff.Retry(op, bo); err != nil {
		metrics.FlushFailures.Inc()
		metrics.PartitionsAborted.Inc()
		d.logger.Error().
			Str("path", path).
			Int("partition_id", p.id.PartitionID).
			Err(err).
			Msg("Flush failed after retries, aborting partition")
		// Best effort: make the abort visible to readers.
		if w, merr := d.fs.Create(d.layout.FailedPath(p.id.Stage)); merr == nil {
			w.Close()
		}
		d.governor.release(int64(len(buf)))
		return fmt.Errorf("%w: flush %s: %v", types.ErrDfs, path, err)
	}

	timer.ObserveDuration(metrics.FlushDuration)
	metrics.FlushBytes.Add(float64(len(buf)))
	d.governor.release(int64(len(buf)))

	if err := d.store.AppendFlushRecord(p.id, &storage.FlushRecord{
		Path:   path,
		Length: int64(len(buf)),
		Crc:    protocol.Checksum(buf),
	}); err != nil {
		d.logger.Warn().Str("path", path).Err(err).Msg("Failed to record flush")
	}

	d.logger.Debug().
		Str("path", path).
		Int("bytes", len(buf)).
		Dur("took", timer.Duration()).
		Msg("Flushed partition buffer")
	return nil
}

// drainStage flushes every partition of a stage and waits for completion.
func (d *dumperPool) drainStage(st *stageState, timeout time.Duration) error {
	parts := st.snapshotPartitions()
	dones := make([]chan error, 0, len(parts))
	for _, p := range parts {
		done := make(chan error, 1)
		d.enqueue(p, done)
		dones = append(dones, done)
	}
	deadline := time.After(timeout)
	var firstErr error
	for _, done := range dones {
		select {
		case err := <-done:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-deadline:
			return fmt.Errorf("%w: stage drain timed out", types.ErrDfs)
		}
	}
	return firstErr
}

func (d *dumperPool) stop() {
	close(d.stopCh)
}
