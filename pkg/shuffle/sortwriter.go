package shuffle

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/kettlelinna/shuttle/pkg/metrics"
)

// sortWriter buffers framed records in memory, spills sorted-by-partition
// runs to a local staging file when the buffer exceeds the spill
// threshold, and merge-emits all runs partition by partition on close.
//
// Runs are chronological, so concatenating each partition's sections in
// run order preserves per-partition write order.
type sortWriter struct {
	s         *sender
	blockSize int
	spillAt   int64

	arena   []byte
	entries []sortEntry
	runs    []*spillRun
	closed  bool
}

type sortEntry struct {
	partition int
	offset    int
	length    int // framed length
}

// spillRun is one staging file plus its per-partition extent index.
type spillRun struct {
	file    *os.File
	extents map[int][]extent
}

type extent struct {
	offset int64
	length int64
}

func newSortWriter(s *sender, numPartitions, blockSize int, spillAt int64) (*sortWriter, error) {
	return &sortWriter{
		s:         s,
		blockSize: blockSize,
		spillAt:   spillAt,
	}, nil
}

func (w *sortWriter) Write(partitionID int, record []byte) error {
	if w.closed {
		return fmt.Errorf("writer closed")
	}
	if partitionID < 0 || partitionID >= w.s.handle.NumPartitions {
		return fmt.Errorf("partition %d out of range", partitionID)
	}
	off := len(w.arena)
	w.arena = appendRecord(w.arena, record)
	w.entries = append(w.entries, sortEntry{partition: partitionID, offset: off, length: recordLen(record)})

	if int64(len(w.arena)) >= w.spillAt {
		return w.spill()
	}
	return nil
}

// spill writes the sorted in-memory run to a staging file and resets the
// arena.
func (w *sortWriter) spill() error {
	if len(w.entries) == 0 {
		return nil
	}
	metrics.WriterSpills.Inc()

	sort.SliceStable(w.entries, func(i, j int) bool {
		return w.entries[i].partition < w.entries[j].partition
	})

	f, err := os.CreateTemp("", "shuttle-spill-*")
	if err != nil {
		return fmt.Errorf("create spill file: %w", err)
	}
	run := &spillRun{file: f, extents: make(map[int][]extent)}

	var pos int64
	for i := 0; i < len(w.entries); {
		p := w.entries[i].partition
		start := pos
		for ; i < len(w.entries) && w.entries[i].partition == p; i++ {
			e := w.entries[i]
			if _, err := f.Write(w.arena[e.offset : e.offset+e.length]); err != nil {
				f.Close()
				os.Remove(f.Name())
				return fmt.Errorf("write spill: %w", err)
			}
			pos += int64(e.length)
		}
		run.extents[p] = append(run.extents[p], extent{offset: start, length: pos - start})
	}

	w.runs = append(w.runs, run)
	w.arena = w.arena[:0]
	w.entries = w.entries[:0]
	return nil
}

func (w *sortWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.cleanup()

	// Final in-memory run stays in the arena; emit it after the spills so
	// chronological order holds.
	sort.SliceStable(w.entries, func(i, j int) bool {
		return w.entries[i].partition < w.entries[j].partition
	})
	memExtents := make(map[int][]extent)
	// Entries are contiguous per partition after the stable sort, but the
	// arena itself is unsorted; track entry ranges instead of byte ranges.
	entryStart := 0
	for i := 1; i <= len(w.entries); i++ {
		if i == len(w.entries) || w.entries[i].partition != w.entries[entryStart].partition {
			p := w.entries[entryStart].partition
			memExtents[p] = append(memExtents[p], extent{offset: int64(entryStart), length: int64(i - entryStart)})
			entryStart = i
		}
	}

	for p := 0; p < w.s.handle.NumPartitions; p++ {
		var raw []byte
		for _, run := range w.runs {
			for _, ext := range run.extents[p] {
				section := make([]byte, ext.length)
				if _, err := run.file.ReadAt(section, ext.offset); err != nil && err != io.EOF {
					w.s.abort()
					return fmt.Errorf("read spill: %w", err)
				}
				raw = append(raw, section...)
			}
		}
		for _, ext := range memExtents[p] {
			for _, e := range w.entries[ext.offset : ext.offset+ext.length] {
				raw = append(raw, w.arena[e.offset:e.offset+e.length]...)
			}
		}
		if len(raw) == 0 {
			continue
		}
		blocks, err := chunkRecords(raw, w.blockSize)
		if err != nil {
			w.s.abort()
			return err
		}
		for _, b := range blocks {
			if err := w.s.sendBlock(p, b); err != nil {
				w.s.abort()
				return err
			}
		}
	}
	return w.s.close()
}

func (w *sortWriter) Abort() {
	w.closed = true
	w.cleanup()
	w.s.abort()
}

func (w *sortWriter) cleanup() {
	for _, run := range w.runs {
		run.file.Close()
		os.Remove(run.file.Name())
	}
	w.runs = nil
	w.arena = nil
	w.entries = nil
}
