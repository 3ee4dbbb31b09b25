package shuffle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/dfs"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/metrics"
	"github.com/kettlelinna/shuttle/pkg/protocol"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// Reader streams the records of a partition range back out of the DFS
// after the stage marker appears. Blocks are deduplicated by
// (mapId, mapAttempt, seqNo) and only the winning attempt of each map
// task contributes.
type Reader struct {
	handle *types.ShuffleHandle
	cfg    *config.Config
	fs     dfs.FileSystem
	layout dfs.Layout
	logger zerolog.Logger

	startPartition, endPartition int
	startMap, endMap             uint32

	partition int      // next partition to assemble
	records   [][]byte // current partition's records
	cursor    int
}

// NewReader opens a reader over [startPartition, endPartition) and map
// ids [startMap, endMap). It blocks polling for the stage success marker
// up to inputReadyMaxWaitTime.
func NewReader(ctx context.Context, handle *types.ShuffleHandle, cfg *config.Config,
	startPartition, endPartition int, startMap, endMap uint32) (*Reader, error) {

	fs, root, err := dfs.New(handle.Conf.RootDir, handle.Conf.DfsSite)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		handle:         handle,
		cfg:            cfg,
		fs:             fs,
		layout:         dfs.Layout{Root: root},
		logger:         log.ForStage("reader", handle.Stage),
		startPartition: startPartition,
		endPartition:   endPartition,
		startMap:       startMap,
		endMap:         endMap,
		partition:      startPartition,
	}
	if err := r.awaitReady(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// awaitReady polls for the success marker, failing fast on an abort
// marker.
func (r *Reader) awaitReady(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.InputReadyMaxWaitTime)
	ticker := time.NewTicker(r.cfg.InputReadyQueryInterval)
	defer ticker.Stop()

	for {
		if ok, err := r.fs.Exists(r.layout.FailedPath(r.handle.Stage)); err == nil && ok {
			return types.NewShuffleError(r.handle.Stage, -1, "", types.ErrStageAborted)
		}
		ok, err := r.fs.Exists(r.layout.SuccessPath(r.handle.Stage))
		if err == nil && ok {
			return nil
		}
		if time.Now().After(deadline) {
			return types.NewShuffleError(r.handle.Stage, -1, "",
				fmt.Errorf("%w: no marker after %s", types.ErrInputNotReady, r.cfg.InputReadyMaxWaitTime))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Next returns the next record, or io.EOF when the range is exhausted.
func (r *Reader) Next(ctx context.Context) ([]byte, error) {
	for r.cursor >= len(r.records) {
		if r.partition >= r.endPartition {
			return nil, io.EOF
		}
		records, err := r.assemblePartition(ctx, r.partition)
		if err != nil {
			return nil, err
		}
		r.partition++
		r.records = records
		r.cursor = 0
	}
	rec := r.records[r.cursor]
	r.cursor++
	return rec, nil
}

// fetchedBlock pairs a parsed header with its payload.
type fetchedBlock struct {
	hdr     protocol.BlockHeader
	payload []byte
}

// assemblePartition lists the partition's part files, streams them
// through parallel fetchers, picks the winning attempt per map task and
// returns the record stream in per-attempt sequence order.
func (r *Reader) assemblePartition(ctx context.Context, partitionID int) ([][]byte, error) {
	pid := types.PartitionShuffleId{Stage: r.handle.Stage, PartitionID: partitionID}
	dir := r.layout.PartitionDir(pid)

	files, err := r.fs.List(dir)
	if err != nil {
		// A partition no map task wrote to has no directory.
		if ok, _ := r.fs.Exists(dir); !ok {
			return nil, nil
		}
		return nil, types.NewShuffleError(r.handle.Stage, partitionID, "", fmt.Errorf("%w: %v", types.ErrDfs, err))
	}

	// Merge-queue budget: fetchers hold at most readMaxSize bytes of
	// parsed blocks at once.
	budget := semaphore.NewWeighted(r.cfg.ReadMaxSize)

	var mu sync.Mutex
	byMap := make(map[uint32]map[uint16][]fetchedBlock)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ReadIOThreads)
	for _, f := range files {
		if f.IsDir || strings.HasPrefix(f.Name, "_") {
			continue
		}
		path := dfs.Join(dir, f.Name)
		weight := f.Size
		if weight > r.cfg.ReadMaxSize {
			weight = r.cfg.ReadMaxSize
		}
		if weight <= 0 {
			weight = 1
		}
		g.Go(func() error {
			if err := budget.Acquire(gctx, weight); err != nil {
				return err
			}
			defer budget.Release(weight)

			blocks, err := r.readPartFile(path)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, b := range blocks {
				if b.hdr.MapID < r.startMap || b.hdr.MapID >= r.endMap {
					metrics.ReaderBlocksDropped.WithLabelValues("map_range").Inc()
					continue
				}
				attempts := byMap[b.hdr.MapID]
				if attempts == nil {
					attempts = make(map[uint16][]fetchedBlock)
					byMap[b.hdr.MapID] = attempts
				}
				attempts[b.hdr.MapAttempt] = append(attempts[b.hdr.MapAttempt], b)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, types.NewShuffleError(r.handle.Stage, partitionID, "", err)
	}

	return r.mergeBlocks(byMap)
}

func (r *Reader) readPartFile(path string) ([]fetchedBlock, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrDfs, path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, r.cfg.ReadMergeSize)
	var out []fetchedBlock
	for {
		hdr, payload, err := protocol.ReadBlock(br)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			// A torn tail write is tolerated: every complete block before
			// it was already captured and carries its own checksum.
			r.logger.Warn().Str("path", path).Err(err).Msg("Stopping at corrupt block")
			return out, nil
		}
		out = append(out, fetchedBlock{hdr: hdr, payload: payload})
	}
}

// mergeBlocks selects the winning attempt per map task, deduplicates by
// sequence number and splits payloads into records.
func (r *Reader) mergeBlocks(byMap map[uint32]map[uint16][]fetchedBlock) ([][]byte, error) {
	mapIDs := make([]uint32, 0, len(byMap))
	for id := range byMap {
		mapIDs = append(mapIDs, id)
	}
	sort.Slice(mapIDs, func(i, j int) bool { return mapIDs[i] < mapIDs[j] })

	var records [][]byte
	for _, mapID := range mapIDs {
		attempts := byMap[mapID]
		attempt, blocks := winningAttempt(attempts)
		if blocks == nil {
			metrics.ReaderBlocksDropped.WithLabelValues("no_winner").Inc()
			continue
		}
		for a := range attempts {
			if a != attempt {
				metrics.ReaderBlocksDropped.WithLabelValues("losing_attempt").Inc()
			}
		}

		// Dedupe by seqNo, keep first, order by seqNo.
		seen := make(map[uint32]bool, len(blocks))
		var kept []fetchedBlock
		for _, b := range blocks {
			if b.hdr.IsTerminator() {
				continue
			}
			if seen[b.hdr.SeqNo] {
				metrics.ReaderBlocksDropped.WithLabelValues("duplicate").Inc()
				continue
			}
			seen[b.hdr.SeqNo] = true
			kept = append(kept, b)
		}
		sort.Slice(kept, func(i, j int) bool { return kept[i].hdr.SeqNo < kept[j].hdr.SeqNo })

		for _, b := range kept {
			recs, err := splitRecords(b.payload)
			if err != nil {
				return nil, err
			}
			records = append(records, recs...)
			metrics.ReaderBlocksMerged.Inc()
		}
	}
	return records, nil
}

// winningAttempt picks the attempt whose output is authoritative for a
// map task: the highest attempt that wrote its terminator block. When no
// attempt terminated, it is the highest attempt whose sequence numbers
// are contiguous from zero.
func winningAttempt(attempts map[uint16][]fetchedBlock) (uint16, []fetchedBlock) {
	order := make([]uint16, 0, len(attempts))
	for a := range attempts {
		order = append(order, a)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] > order[j] })

	for _, a := range order {
		for _, b := range attempts[a] {
			if b.hdr.IsTerminator() {
				return a, attempts[a]
			}
		}
	}
	for _, a := range order {
		if contiguous(attempts[a]) {
			return a, attempts[a]
		}
	}
	return 0, nil
}

func contiguous(blocks []fetchedBlock) bool {
	seen := make(map[uint32]bool, len(blocks))
	max := int64(-1)
	for _, b := range blocks {
		if b.hdr.IsTerminator() {
			continue
		}
		seen[b.hdr.SeqNo] = true
		if int64(b.hdr.SeqNo) > max {
			max = int64(b.hdr.SeqNo)
		}
	}
	for s := int64(0); s <= max; s++ {
		if !seen[uint32(s)] {
			return false
		}
	}
	return true
}
