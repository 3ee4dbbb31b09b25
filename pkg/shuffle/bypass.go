package shuffle

import (
	"fmt"
)

// bypassWriter buffers bytes directly per partition and ships a block as
// soon as one fills. No sorting, no staging; the strategy of choice for
// narrow shuffles without map-side combine.
type bypassWriter struct {
	s         *sender
	blockSize int
	bufs      [][]byte
	closed    bool
}

func newBypassWriter(s *sender, numPartitions, blockSize int) *bypassWriter {
	return &bypassWriter{
		s:         s,
		blockSize: blockSize,
		bufs:      make([][]byte, numPartitions),
	}
}

func (w *bypassWriter) Write(partitionID int, record []byte) error {
	if w.closed {
		return fmt.Errorf("writer closed")
	}
	if partitionID < 0 || partitionID >= len(w.bufs) {
		return fmt.Errorf("partition %d out of range", partitionID)
	}
	w.bufs[partitionID] = appendRecord(w.bufs[partitionID], record)
	if len(w.bufs[partitionID]) >= w.blockSize {
		return w.flush(partitionID)
	}
	return nil
}

func (w *bypassWriter) flush(partitionID int) error {
	buf := w.bufs[partitionID]
	if len(buf) == 0 {
		return nil
	}
	w.bufs[partitionID] = nil
	return w.s.sendBlock(partitionID, buf)
}

func (w *bypassWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	for p := range w.bufs {
		if err := w.flush(p); err != nil {
			w.s.abort()
			return err
		}
	}
	return w.s.close()
}

func (w *bypassWriter) Abort() {
	w.closed = true
	w.bufs = nil
	w.s.abort()
}
