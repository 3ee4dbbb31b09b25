package shuffle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/metrics"
	"github.com/kettlelinna/shuttle/pkg/protocol"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// sender is the network tail of every writer strategy: it routes blocks
// to the group member owning each partition, bounds the inflight window,
// assigns monotonic per-partition sequence numbers and retries transient
// refusals with exponential backoff.
//
// Each worker gets one FIFO queue, so a partition's blocks (which always
// target the same worker) arrive in send order.
type sender struct {
	handle     *types.ShuffleHandle
	cfg        *config.Config
	mapID      uint32
	mapAttempt uint16
	logger     zerolog.Logger

	inflight *semaphore.Weighted

	mu      sync.Mutex
	conns   map[string]*workerConn
	seq     []uint32
	touched map[int]bool
	err     error
}

type sendJob struct {
	req *protocol.SendBlockReq
}

type workerConn struct {
	detail  types.WorkerDetail
	control *protocol.Client
	data    *protocol.Client
	queue   chan sendJob
	done    chan struct{}
}

func newSender(handle *types.ShuffleHandle, cfg *config.Config, mapID uint32, mapAttempt uint16) *sender {
	return &sender{
		handle:     handle,
		cfg:        cfg,
		mapID:      mapID,
		mapAttempt: mapAttempt,
		logger: log.ForStage("writer", handle.Stage).With().
			Uint32("map_id", mapID).
			Logger(),
		inflight: semaphore.NewWeighted(int64(cfg.MaxFlyingPackageNum)),
		conns:    make(map[string]*workerConn),
		seq:      make([]uint32, handle.NumPartitions),
		touched:  make(map[int]bool),
	}
}

// connFor returns the connection to the group member owning partitionID,
// establishing the control-channel token and data channel on first use.
func (s *sender) connFor(partitionID int) (*workerConn, error) {
	w := s.handle.GroupFor(partitionID).WorkerFor(partitionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if wc, ok := s.conns[w.ID()]; ok {
		return wc, nil
	}

	control, err := protocol.Dial(w.ControlAddr(), s.cfg.NetworkTimeout)
	if err != nil {
		return nil, types.NewShuffleError(s.handle.Stage, partitionID, w.ID(), err)
	}
	open := &protocol.OpenConnectionReq{
		AppID:      s.handle.Stage.AppID,
		AppAttempt: s.handle.Stage.AppAttempt,
		TimeoutMs:  uint32(s.cfg.NetworkTimeout.Milliseconds()),
	}
	if _, err := control.Call(protocol.KindOpenConnection, open.Encode()); err != nil {
		control.Close()
		return nil, types.NewShuffleError(s.handle.Stage, partitionID, w.ID(), err)
	}

	data, err := protocol.Dial(w.DataAddr(), s.cfg.NetworkTimeout)
	if err != nil {
		control.Close()
		return nil, types.NewShuffleError(s.handle.Stage, partitionID, w.ID(), err)
	}

	wc := &workerConn{
		detail:  w,
		control: control,
		data:    data,
		queue:   make(chan sendJob, s.cfg.MaxFlyingPackageNum),
		done:    make(chan struct{}),
	}
	s.conns[w.ID()] = wc
	go s.drain(wc)
	return wc, nil
}

func (s *sender) drain(wc *workerConn) {
	defer close(wc.done)
	for job := range wc.queue {
		err := s.callWithRetry(wc, job.req)
		if err != nil {
			metrics.WriterBlocksSent.WithLabelValues("failed").Inc()
			s.setErr(types.NewShuffleError(s.handle.Stage, int(job.req.PartitionID), wc.detail.ID(), err))
		} else {
			metrics.WriterBlocksSent.WithLabelValues("ok").Inc()
		}
		s.inflight.Release(1)
	}
}

// callWithRetry retries backpressure and transport failures up to
// networkRetries; a duplicate ack counts as success.
func (s *sender) callWithRetry(wc *workerConn, req *protocol.SendBlockReq) error {
	body := req.Encode()
	op := func() error {
		_, err := wc.data.Call(protocol.KindSendBlock, body)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, types.ErrDuplicateBlock):
			// Informational: the worker already holds this block.
			return nil
		case errors.Is(err, types.ErrBackpressure):
			metrics.WriterBlocksSent.WithLabelValues("backpressure").Inc()
			return err
		case errors.Is(err, types.ErrProtocol), errors.Is(err, types.ErrStageClosed), errors.Is(err, types.ErrStageAborted):
			return backoff.Permanent(err)
		default:
			// Transport failure: reconnect before the next attempt.
			if data, derr := protocol.Dial(wc.detail.DataAddr(), s.cfg.NetworkTimeout); derr == nil {
				wc.data.Close()
				wc.data = data
			}
			return err
		}
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.NetworkRetries))
	return backoff.Retry(op, bo)
}

func (s *sender) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *sender) firstErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// sendBlock queues one block. Blocks when the inflight window is full.
func (s *sender) sendBlock(partitionID int, payload []byte) error {
	if err := s.firstErr(); err != nil {
		return err
	}

	s.mu.Lock()
	seq := s.seq[partitionID]
	s.seq[partitionID]++
	s.touched[partitionID] = true
	s.mu.Unlock()

	return s.enqueue(partitionID, seq, payload)
}

func (s *sender) enqueue(partitionID int, seq uint32, payload []byte) error {
	wc, err := s.connFor(partitionID)
	if err != nil {
		s.setErr(err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NetworkTimeout)
	err = s.inflight.Acquire(ctx, 1)
	cancel()
	if err != nil {
		return fmt.Errorf("inflight window stalled: %w", err)
	}

	wc.queue <- sendJob{req: &protocol.SendBlockReq{
		Stage:       s.handle.Stage,
		MapID:       s.mapID,
		MapAttempt:  s.mapAttempt,
		PartitionID: uint32(partitionID),
		SeqNo:       seq,
		Payload:     payload,
	}}
	return nil
}

// close emits the per-partition terminator blocks, waits for every ack
// and releases the token.
func (s *sender) close() error {
	s.mu.Lock()
	parts := make([]int, 0, len(s.touched))
	for p := range s.touched {
		parts = append(parts, p)
	}
	s.mu.Unlock()

	for _, p := range parts {
		if err := s.enqueue(p, protocol.TerminatorSeq, nil); err != nil {
			break
		}
	}
	return s.shutdown()
}

// abort tears the sender down without terminators, leaving any delivered
// blocks unterminated so the attempt can never win.
func (s *sender) abort() {
	s.shutdown()
}

func (s *sender) shutdown() error {
	// Wait for the window to empty, then stop the drains.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NetworkTimeout)
	werr := s.inflight.Acquire(ctx, int64(s.cfg.MaxFlyingPackageNum))
	cancel()
	if werr == nil {
		s.inflight.Release(int64(s.cfg.MaxFlyingPackageNum))
	}

	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*workerConn)
	s.mu.Unlock()

	for _, wc := range conns {
		close(wc.queue)
	}
	for _, wc := range conns {
		select {
		case <-wc.done:
		case <-time.After(s.cfg.NetworkTimeout):
			s.setErr(fmt.Errorf("worker %s did not drain in time", wc.detail.ID()))
		}
		wc.data.Close()
		wc.control.Close()
	}

	if err := s.firstErr(); err != nil {
		return err
	}
	if werr != nil {
		return fmt.Errorf("inflight window did not drain: %w", werr)
	}
	return nil
}
