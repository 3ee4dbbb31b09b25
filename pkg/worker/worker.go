package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/dfs"
	"github.com/kettlelinna/shuttle/pkg/events"
	"github.com/kettlelinna/shuttle/pkg/health"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/metrics"
	"github.com/kettlelinna/shuttle/pkg/protocol"
	"github.com/kettlelinna/shuttle/pkg/registry"
	"github.com/kettlelinna/shuttle/pkg/storage"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// Worker is one shuttle data node: the protocol server plus registration,
// heartbeating, retention sweeping and the admin endpoint.
type Worker struct {
	cfg    *config.Config
	detail types.WorkerDetail
	logger zerolog.Logger

	fs     dfs.FileSystem
	layout dfs.Layout
	store  storage.Store
	server *Server
	broker *events.Broker

	// zk mode
	reg   registry.Registry
	lease registry.Lease
	// master mode
	masterClient *protocol.Client

	admin  *http.Server
	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds worker construction inputs.
type Config struct {
	Host string
	Conf *config.Config
	// Registry is used in zk mode; in master mode the worker registers
	// with the master over the control protocol instead.
	Registry registry.Registry
	DataDir  string
}

// NewWorker creates a worker instance.
func NewWorker(cfg *Config) (*Worker, error) {
	fs, root, err := dfs.New(cfg.Conf.RootDir, cfg.Conf.DfsSite)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	detail := types.WorkerDetail{
		Host:        cfg.Host,
		DataPort:    cfg.Conf.WorkerDataPort,
		ControlPort: cfg.Conf.WorkerControlPort,
		Weight:      cfg.Conf.WorkerLoadWeight,
		DataCenter:  cfg.Conf.DataCenter,
		Cluster:     cfg.Conf.Cluster,
		Status:      types.WorkerStatusReady,
	}

	ctx, cancel := context.WithCancel(context.Background())
	broker := events.NewBroker()
	broker.Start()

	w := &Worker{
		cfg:    cfg.Conf,
		detail: detail,
		logger: log.ForWorker(detail),
		fs:     fs,
		layout: dfs.Layout{Root: root},
		store:  store,
		broker: broker,
		reg:    cfg.Registry,
		ctx:    ctx,
		cancel: cancel,
	}
	w.server = NewServer(cfg.Conf, detail, fs, w.layout, store, broker)
	return w, nil
}

// Start brings up the server, registers the worker and begins the
// heartbeat and retention loops.
func (w *Worker) Start() error {
	// Probe the DFS before serving: a worker that cannot flush is useless.
	if err := w.fs.MkdirAll(w.layout.Root); err != nil {
		return fmt.Errorf("%w: root %s unreachable: %v", types.ErrDfs, w.layout.Root, err)
	}

	if err := w.server.Start(); err != nil {
		return err
	}

	if err := w.register(); err != nil {
		w.server.Stop()
		return err
	}

	go w.heartbeatLoop()
	go w.sweepLoop()
	w.startAdmin()

	w.logger.Info().Msg("Worker started")
	return nil
}

func (w *Worker) register() error {
	switch w.cfg.ServiceManagerType {
	case config.ManagerZK:
		lease, err := w.reg.RegisterWorker(w.detail)
		if err != nil {
			return fmt.Errorf("registry registration: %w", err)
		}
		w.lease = lease
		return nil

	case config.ManagerMaster:
		client, err := protocol.Dial(w.cfg.MasterAddr, w.cfg.NetworkTimeout)
		if err != nil {
			return fmt.Errorf("master unreachable: %w", err)
		}
		w.masterClient = client
		_, err = client.Call(protocol.KindRegisterWorker,
			(&protocol.RegisterWorkerReq{Worker: w.detail}).Encode())
		if err != nil {
			return fmt.Errorf("master registration: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown serviceManagerType", types.ErrConfig)
}

func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.heartbeat(); err != nil {
				w.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

func (w *Worker) heartbeat() error {
	switch w.cfg.ServiceManagerType {
	case config.ManagerZK:
		return w.lease.Renew(w.detail)
	case config.ManagerMaster:
		_, err := w.masterClient.Call(protocol.KindWorkerHeartbeat,
			(&protocol.WorkerHeartbeatReq{WorkerID: w.detail.ID(), Weight: uint32(w.detail.Weight)}).Encode())
		if err != nil && types.Retryable(err) {
			// Leadership moved; reconnect and re-register right away.
			w.masterClient.Close()
			client, derr := protocol.Dial(w.cfg.MasterAddr, w.cfg.NetworkTimeout)
			if derr != nil {
				return derr
			}
			w.masterClient = client
			_, err = client.Call(protocol.KindRegisterWorker,
				(&protocol.RegisterWorkerReq{Worker: w.detail}).Encode())
		}
		return err
	}
	return nil
}

// sweepLoop deletes app trees past the storage retention and evicts stage
// state past the object retention.
func (w *Worker) sweepLoop() {
	interval := time.Hour
	if ttl := time.Duration(w.cfg.AppObjRetentionMillis) * time.Millisecond; ttl < interval {
		interval = ttl / 2
	}
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Worker) sweep() {
	metrics.RetentionSweeps.Inc()
	now := time.Now().UnixMilli()

	// DFS: whole app trees older than the storage retention.
	entries, err := w.fs.List(w.layout.Root)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Retention sweep list failed")
	} else {
		for _, e := range entries {
			if !e.IsDir {
				continue
			}
			appDir := w.layout.AppDir(e.Name)
			mod, err := w.fs.ModTime(appDir)
			if err != nil {
				continue
			}
			if now-mod > w.cfg.AppStorageRetentionMillis {
				if err := w.fs.Remove(appDir); err != nil {
					w.logger.Warn().Str("app_id", e.Name).Err(err).Msg("Failed to remove expired app tree")
					continue
				}
				w.logger.Info().Str("app_id", e.Name).Msg("Removed expired app tree")
			}
		}
	}

	// In-memory and persisted stage metadata older than the object
	// retention.
	w.server.stages.Range(func(k, v interface{}) bool {
		st := v.(*stageState)
		st.mu.Lock()
		stale := now-st.lastSeen.UnixMilli() > w.cfg.AppObjRetentionMillis
		st.mu.Unlock()
		if stale {
			w.server.stages.Delete(k)
		}
		return true
	})
	recs, err := w.store.ListStages()
	if err != nil {
		return
	}
	for _, rec := range recs {
		if now-rec.FinalizedAt > w.cfg.AppObjRetentionMillis {
			w.store.DeleteStage(rec.Stage)
			w.store.DeleteFlushRecords(rec.Stage)
		}
	}
}

func (w *Worker) startAdmin() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		// Liveness means the data endpoint still accepts connections,
		// not just that this HTTP server is up.
		st := health.TCP(w.detail.DataAddr(), 2*time.Second).Check(r.Context())
		if !st.Healthy {
			rw.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(rw, st.Detail)
			return
		}
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintln(rw, "ok")
	})
	w.admin = &http.Server{
		Addr:    fmt.Sprintf(":%d", w.cfg.WorkerAdminPort),
		Handler: mux,
	}
	go func() {
		if err := w.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error().Err(err).Msg("Admin endpoint failed")
		}
	}()
}

// EventBroker returns the worker's event broker.
func (w *Worker) EventBroker() *events.Broker {
	return w.broker
}

// Shutdown drains buffered partitions, deregisters and stops the server.
func (w *Worker) Shutdown() error {
	w.cancel()
	w.server.Drain()

	if w.lease != nil {
		if err := w.lease.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to release registry lease")
		}
	}
	if w.masterClient != nil {
		w.masterClient.Close()
	}
	if w.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		w.admin.Shutdown(ctx)
		cancel()
	}

	w.server.Stop()
	w.broker.Stop()
	return w.store.Close()
}
