package worker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/dfs"
	"github.com/kettlelinna/shuttle/pkg/events"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/metrics"
	"github.com/kettlelinna/shuttle/pkg/protocol"
	"github.com/kettlelinna/shuttle/pkg/storage"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// Server is the worker's network face: a control endpoint issuing
// flow-control tokens and a data endpoint accepting blocks.
type Server struct {
	cfg    *config.Config
	detail types.WorkerDetail
	logger zerolog.Logger

	fs       dfs.FileSystem
	layout   dfs.Layout
	store    storage.Store
	governor *memoryGovernor
	dumpers  *dumperPool
	broker   *events.Broker

	// tokens gates concurrent upstream connections; capacity is the
	// burst limit, baseConnections is the steady-state target.
	tokens *semaphore.Weighted

	stages   sync.Map // types.StageShuffleId -> *stageState
	draining sync.Mutex

	controlLn net.Listener
	dataLn    net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewServer wires the worker server over an opened DFS and store.
func NewServer(cfg *config.Config, detail types.WorkerDetail, fs dfs.FileSystem, layout dfs.Layout,
	store storage.Store, broker *events.Broker) *Server {

	ctx, cancel := context.WithCancel(context.Background())
	governor := newMemoryGovernor(cfg.MemoryControlSizeThreshold, cfg.MemoryLowWater())
	s := &Server{
		cfg:      cfg,
		detail:   detail,
		logger:   log.ForWorker(detail),
		fs:       fs,
		layout:   layout,
		store:    store,
		governor: governor,
		broker:   broker,
		tokens:   semaphore.NewWeighted(cfg.TotalConnections),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.dumpers = newDumperPool(fs, layout, store, governor, detail.FileID(),
		cfg.DumperThreads, cfg.DumperQueueSize, cfg.NetworkRetries)
	return s
}

// Start opens both endpoints and the idle-partition ticker.
func (s *Server) Start() error {
	controlLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.WorkerControlPort))
	if err != nil {
		return fmt.Errorf("control port %d: %w", s.cfg.WorkerControlPort, err)
	}
	dataLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.WorkerDataPort))
	if err != nil {
		controlLn.Close()
		return fmt.Errorf("data port %d: %w", s.cfg.WorkerDataPort, err)
	}
	s.controlLn = controlLn
	s.dataLn = dataLn

	s.wg.Add(3)
	go s.acceptLoop(controlLn, s.handleControlConn)
	go s.acceptLoop(dataLn, s.handleDataConn)
	go s.idleTicker()

	s.logger.Info().
		Int("control_port", s.cfg.WorkerControlPort).
		Int("data_port", s.cfg.WorkerDataPort).
		Msg("Worker server listening")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error().Err(err).Msg("Accept failed")
				return
			}
		}
		go handle(conn)
	}
}

// handleControlConn serves OpenConnection: the token is held for the
// connection's lifetime and returns to the pool on close.
func (s *Server) handleControlConn(conn net.Conn) {
	defer conn.Close()
	holding := false
	defer func() {
		if holding {
			s.tokens.Release(1)
			metrics.TokensInUse.Dec()
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.NetworkTimeout)); err != nil {
			return
		}
		frame, err := protocol.ReadRequest(conn)
		if err != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(s.cfg.NetworkTimeout))

		switch frame.Kind {
		case protocol.KindOpenConnection:
			req, derr := protocol.DecodeOpenConnectionReq(frame.Body)
			if derr != nil {
				protocol.WriteResponse(conn, protocol.ErrKindProtocol, frame.ID, nil)
				return
			}
			if holding {
				protocol.WriteResponse(conn, protocol.ErrNone, frame.ID, nil)
				continue
			}
			wait := time.Duration(req.TimeoutMs) * time.Millisecond
			if wait <= 0 || wait > s.cfg.NetworkTimeout {
				wait = s.cfg.NetworkTimeout
			}
			acquireCtx, cancel := context.WithTimeout(s.ctx, wait)
			err := s.tokens.Acquire(acquireCtx, 1)
			cancel()
			if err != nil {
				detail := (&protocol.ErrorDetail{Message: "token pool exhausted"}).Encode()
				protocol.WriteResponse(conn, protocol.ErrKindNoToken, frame.ID, detail)
				continue
			}
			holding = true
			metrics.TokensInUse.Inc()
			protocol.WriteResponse(conn, protocol.ErrNone, frame.ID, nil)

		case protocol.KindHealthCheck:
			protocol.WriteResponse(conn, protocol.ErrNone, frame.ID, nil)

		default:
			protocol.WriteResponse(conn, protocol.ErrKindProtocol, frame.ID, nil)
			return
		}
	}
}

func (s *Server) handleDataConn(conn net.Conn) {
	defer conn.Close()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.NetworkTimeout)); err != nil {
			return
		}
		frame, err := protocol.ReadRequest(conn)
		if err != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(s.cfg.NetworkTimeout))
		if err := s.dispatchData(conn, frame); err != nil {
			return
		}
	}
}

func (s *Server) dispatchData(conn net.Conn, frame protocol.Frame) error {
	reply := func(status protocol.ErrorKind, cause error) error {
		var body []byte
		if status != protocol.ErrNone && cause != nil {
			body = (&protocol.ErrorDetail{Message: cause.Error()}).Encode()
		}
		return protocol.WriteResponse(conn, status, frame.ID, body)
	}

	switch frame.Kind {
	case protocol.KindSendBlock:
		req, err := protocol.DecodeSendBlockReq(frame.Body)
		if err != nil {
			return reply(protocol.ErrKindProtocol, err)
		}
		if len(req.Payload) > s.cfg.MaxRequestSize {
			return reply(protocol.ErrKindProtocol, fmt.Errorf("payload %d exceeds maxRequestSize", len(req.Payload)))
		}
		err = s.acceptBlock(req)
		return reply(protocol.ClassifyError(err), err)

	case protocol.KindFinalizeStage:
		req, err := protocol.DecodeFinalizeStageReq(frame.Body)
		if err != nil {
			return reply(protocol.ErrKindProtocol, err)
		}
		err = s.finalizeStage(req.Stage)
		return reply(protocol.ClassifyError(err), err)

	case protocol.KindCancelStage:
		req, err := protocol.DecodeCancelStageReq(frame.Body)
		if err != nil {
			return reply(protocol.ErrKindProtocol, err)
		}
		err = s.cancelStage(req.Stage)
		return reply(protocol.ClassifyError(err), err)

	case protocol.KindHealthCheck:
		return reply(protocol.ErrNone, nil)

	default:
		return reply(protocol.ErrKindProtocol, fmt.Errorf("unexpected message %s", frame.Kind))
	}
}

// acceptBlock validates, deduplicates and buffers one block, then applies
// the dump policy.
func (s *Server) acceptBlock(req *protocol.SendBlockReq) error {
	st, err := s.stageFor(req.Stage)
	if err != nil {
		return err
	}

	// Memory governor: refuse before touching state so the client backs
	// off while the dumpers drain.
	if !s.governor.admit(int64(len(req.Payload)) + protocol.BlockHeaderLen) {
		metrics.BackpressureEvents.Inc()
		metrics.BlocksReceived.WithLabelValues("backpressure").Inc()
		return types.ErrBackpressure
	}

	key := blockKey{mapID: req.MapID, mapAttempt: req.MapAttempt, seqNo: req.SeqNo}
	if !st.observe(key) {
		// Ack without re-buffering.
		metrics.BlocksReceived.WithLabelValues("duplicate").Inc()
		s.logger.Debug().
			Uint32("map_id", req.MapID).
			Uint32("seq_no", req.SeqNo).
			Int("partition_id", int(req.PartitionID)).
			Msg("DuplicateBlock")
		return types.ErrDuplicateBlock
	}

	p := st.getPartition(int(req.PartitionID))
	p.mu.Lock()
	if p.state == stateAborted {
		p.mu.Unlock()
		return types.NewShuffleError(req.Stage, int(req.PartitionID), s.detail.ID(), types.ErrDfs)
	}
	if p.state == stateClosed {
		p.mu.Unlock()
		return types.ErrStageClosed
	}
	p.mu.Unlock()

	grown := p.appendBlock(req.MapID, req.MapAttempt, req.SeqNo, req.Payload)
	s.governor.add(grown)
	metrics.BlocksReceived.WithLabelValues("ok").Inc()

	// Dump policy: partition fill or global pressure.
	if p.size() >= s.cfg.BlockSize*s.cfg.DumpBlockFactor || s.governor.overHighWater() {
		s.dumpers.enqueue(p, nil)
	}
	return nil
}

// stageFor resolves in-memory stage state, rejecting blocks for stages
// already sealed (unless they carry a later stage attempt).
func (s *Server) stageFor(stage types.StageShuffleId) (*stageState, error) {
	if st, ok := s.stages.Load(stage); ok {
		ss := st.(*stageState)
		ss.mu.Lock()
		closed := ss.closed
		ss.mu.Unlock()
		if closed {
			return nil, types.ErrStageClosed
		}
		return ss, nil
	}
	// A finalized stage survives restarts through the store; replayed
	// blocks for that exact stage attempt are rejected.
	if rec, err := s.store.GetStage(stage); err == nil && rec != nil {
		return nil, types.ErrStageClosed
	}
	st, _ := s.stages.LoadOrStore(stage, newStageState(stage))
	return st.(*stageState), nil
}

// finalizeStage flushes all partitions, seals the stage and persists the
// stage record. Idempotent.
func (s *Server) finalizeStage(stage types.StageShuffleId) error {
	s.draining.Lock()
	defer s.draining.Unlock()

	v, ok := s.stages.Load(stage)
	if !ok {
		// Nothing buffered here (or already finalized): still record the
		// seal so late blocks are rejected.
		if rec, err := s.store.GetStage(stage); err == nil && rec != nil {
			return nil
		}
		return s.sealStage(stage, nil)
	}
	st := v.(*stageState)

	if err := s.dumpers.drainStage(st, s.cfg.NetworkTimeout); err != nil {
		return err
	}
	return s.sealStage(stage, st)
}

func (s *Server) sealStage(stage types.StageShuffleId, st *stageState) error {
	if st != nil {
		st.mu.Lock()
		st.closed = true
		for _, p := range st.partitions {
			if p.state != stateAborted {
				p.state = stateClosed
			}
		}
		st.mu.Unlock()
	}
	if err := s.store.PutStage(&storage.StageRecord{
		Stage:       stage,
		Status:      types.StageSuccess,
		FinalizedAt: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}
	metrics.StagesFinalized.Inc()
	s.broker.Publish(&events.Event{Type: events.EventStageFinalized, Message: stage.String()})
	s.logger.Info().Str("stage", stage.String()).Msg("Stage finalized")
	return nil
}

// cancelStage drops in-flight buffers and best-effort removes the stage's
// partial DFS output.
func (s *Server) cancelStage(stage types.StageShuffleId) error {
	v, ok := s.stages.LoadAndDelete(stage)
	if ok {
		st := v.(*stageState)
		st.mu.Lock()
		st.closed = true
		var freed int64
		for _, p := range st.partitions {
			p.mu.Lock()
			freed += int64(len(p.buf))
			p.buf = nil
			p.state = stateClosed
			p.mu.Unlock()
		}
		st.mu.Unlock()
		s.governor.release(freed)
	}
	if err := s.fs.Remove(s.layout.StageDir(stage)); err != nil {
		s.logger.Warn().Str("stage", stage.String()).Err(err).Msg("Failed to remove cancelled stage dir")
	}
	s.broker.Publish(&events.Event{Type: events.EventStageCancelled, Message: stage.String()})
	return nil
}

// idleTicker flushes partitions that have gone quiet.
func (s *Server) idleTicker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PartitionIdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.stages.Range(func(_, v interface{}) bool {
				st := v.(*stageState)
				for _, p := range st.snapshotPartitions() {
					p.mu.Lock()
					idle := now.Sub(p.lastSeen) > s.cfg.PartitionIdleTimeout
					hasData := len(p.buf) > 0
					p.mu.Unlock()
					if idle && hasData {
						s.dumpers.enqueue(p, nil)
					}
				}
				return true
			})
		}
	}
}

// Drain stops accepting new connections and flushes what is buffered.
func (s *Server) Drain() {
	s.cancel()
	if s.controlLn != nil {
		s.controlLn.Close()
	}
	if s.dataLn != nil {
		s.dataLn.Close()
	}
	s.stages.Range(func(_, v interface{}) bool {
		st := v.(*stageState)
		s.dumpers.drainStage(st, s.cfg.NetworkTimeout)
		return true
	})
}

// Stop closes the listeners and the dumper pool.
func (s *Server) Stop() {
	s.cancel()
	if s.controlLn != nil {
		s.controlLn.Close()
	}
	if s.dataLn != nil {
		s.dataLn.Close()
	}
	s.dumpers.stop()
	s.wg.Wait()
}
