package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/events"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/metrics"
	"github.com/kettlelinna/shuttle/pkg/protocol"
	"github.com/kettlelinna/shuttle/pkg/registry"
	"github.com/kettlelinna/shuttle/pkg/storage"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// Master is the cluster-wide allocator. In master-managed mode it is a
// raft replica holding the worker table; in zk mode it is a registry
// election contender serving from a watch-maintained snapshot.
type Master struct {
	cfg    *config.Config
	nodeID string
	logger zerolog.Logger

	// master mode
	store storage.Store
	fsm   *ShuttleFSM
	raft  *raft.Raft

	// zk mode
	reg      registry.Registry
	election registry.Election
	watched  atomic.Value // []types.WorkerDetail

	alloc  *Allocator
	broker *events.Broker
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds configuration for creating a Master
type Config struct {
	NodeID string
	Conf   *config.Config
	// Registry is required in zk mode; ignored in master mode.
	Registry registry.Registry
}

// storeTable serves the worker table from the replicated store.
type storeTable struct{ store storage.Store }

func (t storeTable) Snapshot() []types.WorkerDetail {
	ws, err := t.store.ListWorkers()
	if err != nil {
		return nil
	}
	out := make([]types.WorkerDetail, 0, len(ws))
	for _, w := range ws {
		out = append(out, *w)
	}
	return out
}

// watchTable serves the worker table from the registry watch snapshot.
type watchTable struct{ v *atomic.Value }

func (t watchTable) Snapshot() []types.WorkerDetail {
	ws, _ := t.v.Load().([]types.WorkerDetail)
	return ws
}

// NewMaster creates a new Master instance
func NewMaster(cfg *Config) (*Master, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Master{
		cfg:    cfg.Conf,
		nodeID: cfg.NodeID,
		logger: log.For("master"),
		broker: events.NewBroker(),
		ctx:    ctx,
		cancel: cancel,
	}

	switch cfg.Conf.ServiceManagerType {
	case config.ManagerMaster:
		if err := os.MkdirAll(cfg.Conf.DataDir, 0755); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.NewBoltStore(cfg.Conf.DataDir)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		m.store = store
		m.fsm = NewShuttleFSM(store)
		m.alloc = NewAllocator(storeTable{store: store}, cfg.Conf.ClusterConf(),
			cfg.Conf.MinServerCount, cfg.Conf.MaxServerCount)

	case config.ManagerZK:
		if cfg.Registry == nil {
			cancel()
			return nil, fmt.Errorf("%w: zk mode requires a registry", types.ErrConfig)
		}
		m.reg = cfg.Registry
		m.watched.Store([]types.WorkerDetail{})
		m.alloc = NewAllocator(watchTable{v: &m.watched}, cfg.Conf.ClusterConf(),
			cfg.Conf.MinServerCount, cfg.Conf.MaxServerCount)
	}

	m.broker.Start()
	return m, nil
}

// Bootstrap starts leadership machinery: a single-node raft cluster in
// master mode, a registry election in zk mode.
func (m *Master) Bootstrap() error {
	switch m.cfg.ServiceManagerType {
	case config.ManagerMaster:
		return m.bootstrapRaft()
	case config.ManagerZK:
		return m.enterElection()
	}
	return fmt.Errorf("%w: unknown serviceManagerType", types.ErrConfig)
}

func (m *Master) bootstrapRaft() error {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(m.nodeID)

	// Tuned below the defaults so failover lands well inside a registry
	// session timeout.
	rc.HeartbeatTimeout = 500 * time.Millisecond
	rc.ElectionTimeout = 500 * time.Millisecond
	rc.CommitTimeout = 50 * time.Millisecond
	rc.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.cfg.MasterRaftAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve raft address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.cfg.MasterRaftAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(rc, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return err
	}
	if !hasState {
		future := m.raft.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: rc.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	go m.monitorWorkers()
	go m.observeLeadership()
	return nil
}

// AddVoter adds a standby master to the raft cluster
func (m *Master) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("%w: current leader is at %s", types.ErrNotLeader, m.LeaderAddr())
	}
	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

func (m *Master) enterElection() error {
	election, err := m.reg.ElectMaster(m.cfg.DataCenter, m.cfg.Cluster, m.nodeID, m.cfg.MasterBindAddr)
	if err != nil {
		return fmt.Errorf("failed to enter master election: %w", err)
	}
	m.election = election

	err = m.reg.WatchWorkers(m.ctx, m.cfg.DataCenter, m.cfg.Cluster, func(ws []types.WorkerDetail) {
		m.watched.Store(ws)
		metrics.WorkersTotal.WithLabelValues(string(types.WorkerStatusReady)).Set(float64(len(ws)))
	})
	if err != nil {
		return fmt.Errorf("failed to watch workers: %w", err)
	}

	go m.observeLeadership()
	return nil
}

// IsLeader returns true if this master currently holds leadership
func (m *Master) IsLeader() bool {
	if m.raft != nil {
		return m.raft.State() == raft.Leader
	}
	if m.election != nil {
		return m.election.IsLeader()
	}
	return false
}

// LeaderAddr returns the address of the current leader, if known
func (m *Master) LeaderAddr() string {
	if m.raft != nil {
		return string(m.raft.Leader())
	}
	if m.reg != nil {
		addr, _ := m.reg.GetActiveMaster(m.cfg.DataCenter, m.cfg.Cluster)
		return addr
	}
	return ""
}

func (m *Master) observeLeadership() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	wasLeader := false
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			leader := m.IsLeader()
			if leader {
				metrics.RaftLeader.Set(1)
			} else {
				metrics.RaftLeader.Set(0)
			}
			if leader && !wasLeader {
				m.logger.Info().Str("node_id", m.nodeID).Msg("Became active master")
				m.broker.Publish(&events.Event{Type: events.EventMasterElected, Message: m.nodeID})
			}
			wasLeader = leader
		}
	}
}

// apply submits a command through raft
func (m *Master) apply(op string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return err
	}
	future := m.raft.Apply(cmd, 5*time.Second)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return fmt.Errorf("%w: %v", types.ErrNotLeader, err)
		}
		return err
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// RegisterWorker admits a worker into the table (master mode).
func (m *Master) RegisterWorker(w types.WorkerDetail) error {
	if !m.IsLeader() {
		return fmt.Errorf("%w: current leader is at %s", types.ErrNotLeader, m.LeaderAddr())
	}
	w.Status = types.WorkerStatusReady
	w.LastHeartbeat = time.Now()
	if err := m.apply("register_worker", w); err != nil {
		return err
	}
	m.logger.Info().Str("worker_id", w.ID()).Int("weight", w.Weight).Msg("Worker registered")
	m.broker.Publish(&events.Event{Type: events.EventWorkerJoined, Message: w.ID()})
	return nil
}

// HeartbeatWorker refreshes a worker's liveness (master mode).
func (m *Master) HeartbeatWorker(workerID string, weight int) error {
	if !m.IsLeader() {
		return fmt.Errorf("%w: current leader is at %s", types.ErrNotLeader, m.LeaderAddr())
	}
	w, err := m.store.GetWorker(workerID)
	if err != nil {
		return fmt.Errorf("unknown worker %s", workerID)
	}
	w.LastHeartbeat = time.Now()
	w.Status = types.WorkerStatusReady
	if weight >= 1 {
		w.Weight = weight
	}
	return m.apply("heartbeat_worker", *w)
}

// monitorWorkers marks stale workers down and eventually evicts them
// (master mode; zk mode relies on ephemeral session loss).
func (m *Master) monitorWorkers() {
	interval := m.cfg.HeartbeatInterval
	downAfter := 3 * interval
	evictAfter := 10 * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !m.IsLeader() {
				continue
			}
			workers, err := m.store.ListWorkers()
			if err != nil {
				m.logger.Error().Err(err).Msg("Failed to list workers")
				continue
			}
			ready, down := 0, 0
			now := time.Now()
			for _, w := range workers {
				age := now.Sub(w.LastHeartbeat)
				switch {
				case age > evictAfter:
					if err := m.apply("evict_worker", w.ID()); err == nil {
						m.logger.Warn().Str("worker_id", w.ID()).Msg("Worker evicted")
						m.broker.Publish(&events.Event{Type: events.EventWorkerLeft, Message: w.ID()})
					}
				case age > downAfter && w.Status != types.WorkerStatusDown:
					w.Status = types.WorkerStatusDown
					if err := m.apply("heartbeat_worker", *w); err == nil {
						m.logger.Warn().Str("worker_id", w.ID()).Msg("Worker marked down")
						m.broker.Publish(&events.Event{Type: events.EventWorkerDown, Message: w.ID()})
					}
					down++
				case w.Status == types.WorkerStatusDown:
					down++
				default:
					ready++
				}
			}
			metrics.WorkersTotal.WithLabelValues(string(types.WorkerStatusReady)).Set(float64(ready))
			metrics.WorkersTotal.WithLabelValues(string(types.WorkerStatusDown)).Set(float64(down))
		}
	}
}

// Serve accepts protocol connections until Shutdown.
func (m *Master) Serve() error {
	ln, err := net.Listen("tcp", m.cfg.MasterBindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.MasterBindAddr, err)
	}
	m.ln = ln
	m.logger.Info().Str("addr", m.cfg.MasterBindAddr).Msg("Master listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return nil
			default:
				return err
			}
		}
		go m.handleConn(conn)
	}
}

func (m *Master) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(m.cfg.NetworkTimeout)); err != nil {
			return
		}
		frame, err := protocol.ReadRequest(conn)
		if err != nil {
			return
		}
		if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.NetworkTimeout)); err != nil {
			return
		}
		if err := m.dispatch(conn, frame); err != nil {
			return
		}
	}
}

func (m *Master) dispatch(conn net.Conn, frame protocol.Frame) error {
	reply := func(status protocol.ErrorKind, body []byte, cause error) error {
		if status != protocol.ErrNone && cause != nil {
			body = (&protocol.ErrorDetail{Message: cause.Error()}).Encode()
		}
		return protocol.WriteResponse(conn, status, frame.ID, body)
	}

	switch frame.Kind {
	case protocol.KindGetShuffleWorkers:
		req, err := protocol.DecodeGetShuffleWorkersReq(frame.Body)
		if err != nil {
			return reply(protocol.ErrKindProtocol, nil, err)
		}
		if !m.IsLeader() {
			return reply(protocol.ErrKindNotLeader, nil, fmt.Errorf("leader is at %s", m.LeaderAddr()))
		}
		resp, err := m.alloc.Allocate(req.AllocateRequest)
		if err != nil {
			return reply(protocol.ClassifyError(err), nil, err)
		}
		m.logger.Debug().
			Str("app_id", req.AppID).
			Int("requested", req.RequestedCount).
			Int("granted", len(resp.Workers)).
			Msg("Allocated shuffle workers")
		body := (&protocol.GetShuffleWorkersResp{Workers: resp.Workers, Conf: resp.Conf}).Encode()
		return reply(protocol.ErrNone, body, nil)

	case protocol.KindRegisterWorker:
		req, err := protocol.DecodeRegisterWorkerReq(frame.Body)
		if err != nil {
			return reply(protocol.ErrKindProtocol, nil, err)
		}
		if err := m.RegisterWorker(req.Worker); err != nil {
			return reply(protocol.ClassifyError(err), nil, err)
		}
		return reply(protocol.ErrNone, nil, nil)

	case protocol.KindWorkerHeartbeat:
		req, err := protocol.DecodeWorkerHeartbeatReq(frame.Body)
		if err != nil {
			return reply(protocol.ErrKindProtocol, nil, err)
		}
		if err := m.HeartbeatWorker(req.WorkerID, int(req.Weight)); err != nil {
			return reply(protocol.ClassifyError(err), nil, err)
		}
		return reply(protocol.ErrNone, nil, nil)

	case protocol.KindHealthCheck:
		return reply(protocol.ErrNone, nil, nil)

	default:
		return reply(protocol.ErrKindProtocol, nil, fmt.Errorf("unexpected message %s", frame.Kind))
	}
}

// EventBroker returns the master's event broker.
func (m *Master) EventBroker() *events.Broker {
	return m.broker
}

// Shutdown gracefully stops the master
func (m *Master) Shutdown() error {
	m.cancel()
	if m.ln != nil {
		m.ln.Close()
	}
	if m.election != nil {
		if err := m.election.Resign(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to resign election")
		}
	}
	m.broker.Stop()
	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}
