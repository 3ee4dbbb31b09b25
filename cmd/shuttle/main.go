package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/health"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/master"
	"github.com/kettlelinna/shuttle/pkg/metrics"
	"github.com/kettlelinna/shuttle/pkg/registry"
	"github.com/kettlelinna/shuttle/pkg/types"
	"github.com/kettlelinna/shuttle/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes distinguishing startup failure classes.
const (
	exitOK = iota
	exitError
	exitConfigInvalid
	exitRegistryUnreachable
	exitPortInUse
	exitDfsUnreachable
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, types.ErrConfig):
		return exitConfigInvalid
	case errors.Is(err, types.ErrDfs):
		return exitDfsUnreachable
	case strings.Contains(err.Error(), "address already in use"):
		return exitPortInUse
	case strings.Contains(err.Error(), "zookeeper") || strings.Contains(err.Error(), "registration"):
		return exitRegistryUnreachable
	default:
		return exitError
	}
}

var rootCmd = &cobra.Command{
	Use:   "shuttle",
	Short: "Shuttle - remote shuffle service",
	Long: `Shuttle is a remote shuffle service: map tasks push partitioned
record blocks to shuffle workers, workers group them by partition and
persist each partition as large sequential files on a distributed file
system, and reducers read the finished partitions back.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Shuttle version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(healthCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level: logLevel,
		JSON:  logJSON,
	})
}

// loadConfig resolves the config file flag over the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// openRegistry connects to the registry for zk deployments.
func openRegistry(cfg *config.Config) (registry.Registry, error) {
	if cfg.ServiceManagerType != config.ManagerZK {
		return nil, nil
	}
	reg, err := registry.NewZk(cfg.ZkServers, cfg.ZkSessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zookeeper registration failed: %w", err)
	}
	return reg, nil
}

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run a shuffle master",
	Long: `Run a shuffle master. In master-managed mode the master is a raft
replica holding the worker table; in zk mode it contends for the registry
election and serves from a watch-maintained worker snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		nodeID, _ := cmd.Flags().GetString("node-id")
		if nodeID == "" {
			host, _ := os.Hostname()
			nodeID = host
		}

		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}

		m, err := master.NewMaster(&master.Config{NodeID: nodeID, Conf: cfg, Registry: reg})
		if err != nil {
			return err
		}
		if err := m.Bootstrap(); err != nil {
			return err
		}

		// Admin endpoint: metrics and liveness.
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
				rw.WriteHeader(http.StatusOK)
			})
			http.ListenAndServe(fmt.Sprintf(":%d", cfg.MasterAdminPort), mux)
		}()

		errCh := make(chan error, 1)
		go func() { errCh <- m.Serve() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			m.Shutdown()
			return err
		case sig := <-sigCh:
			log.For("shuttle").Info().Str("signal", sig.String()).Msg("Shutting down")
			if err := m.Shutdown(); err != nil {
				return err
			}
			if reg != nil {
				reg.Close()
			}
			return nil
		}
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a shuffle worker",
	Long: `Run a shuffle worker: accept partitioned record blocks on the data
endpoint, group them by partition in bounded memory and flush each
partition sequentially to the DFS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		host, _ := cmd.Flags().GetString("host")
		if host == "" {
			host, _ = os.Hostname()
		}
		dataDir, _ := cmd.Flags().GetString("data-dir")
		if dataDir == "" {
			dataDir = cfg.DataDir
		}

		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}

		w, err := worker.NewWorker(&worker.Config{
			Host:     host,
			Conf:     cfg,
			Registry: reg,
			DataDir:  dataDir,
		})
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.For("shuttle").Info().Str("signal", sig.String()).Msg("Draining worker")
		if err := w.Shutdown(); err != nil {
			return err
		}
		if reg != nil {
			reg.Close()
		}
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered shuffle workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.ServiceManagerType != config.ManagerZK {
			return fmt.Errorf("%w: workers listing requires serviceManagerType zk", types.ErrConfig)
		}
		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer reg.Close()

		workers, err := reg.ListWorkers(cfg.DataCenter, cfg.Cluster)
		if err != nil {
			return fmt.Errorf("zookeeper list failed: %w", err)
		}
		if len(workers) == 0 {
			fmt.Println("No workers registered")
			return nil
		}
		probe, _ := cmd.Flags().GetBool("probe")
		fmt.Printf("%-30s %-8s %-8s %-8s %s\n", "WORKER", "DATA", "CONTROL", "WEIGHT", "LAST HEARTBEAT")
		for _, w := range workers {
			line := fmt.Sprintf("%-30s %-8d %-8d %-8d %s",
				w.ID(), w.DataPort, w.ControlPort, w.Weight, w.LastHeartbeat.Format("15:04:05"))
			if probe {
				st := health.Endpoint(w.DataAddr(), cfg.NetworkTimeout).Check(cmd.Context())
				if st.Healthy {
					line += "  healthy"
				} else {
					line += "  UNHEALTHY: " + st.Detail
				}
			}
			fmt.Println(line)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the cluster's shuffle endpoints",
	Long: `Probe the active master and the shuffle workers. The master and
worker data endpoints are checked with a protocol-level health request;
worker control endpoints with a TCP connect. Exits nonzero if any probe
fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var probes []health.Probe
		switch cfg.ServiceManagerType {
		case config.ManagerZK:
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer reg.Close()

			addr, err := reg.GetActiveMaster(cfg.DataCenter, cfg.Cluster)
			if err != nil {
				return fmt.Errorf("zookeeper master lookup failed: %w", err)
			}
			probes = append(probes, health.Endpoint(addr, cfg.NetworkTimeout))

			workers, err := reg.ListWorkers(cfg.DataCenter, cfg.Cluster)
			if err != nil {
				return fmt.Errorf("zookeeper list failed: %w", err)
			}
			for _, w := range workers {
				probes = append(probes,
					health.Endpoint(w.DataAddr(), cfg.NetworkTimeout),
					health.TCP(w.ControlAddr(), cfg.NetworkTimeout))
			}

		case config.ManagerMaster:
			probes = append(probes, health.Endpoint(cfg.MasterAddr, cfg.NetworkTimeout))
		}

		extra, _ := cmd.Flags().GetStringSlice("worker")
		for _, addr := range extra {
			probes = append(probes, health.Endpoint(addr, cfg.NetworkTimeout))
		}

		statuses, ok := health.Run(cmd.Context(), probes...)
		for _, st := range statuses {
			state := "healthy"
			if !st.Healthy {
				state = "UNHEALTHY: " + st.Detail
			}
			fmt.Printf("%-40s %-10s %s\n", st.Target, st.Latency.Round(time.Millisecond), state)
		}
		if !ok {
			return fmt.Errorf("one or more endpoints unhealthy")
		}
		return nil
	},
}

func init() {
	masterCmd.Flags().String("node-id", "", "Master node ID (default: hostname)")
	workerCmd.Flags().String("host", "", "Advertised host (default: hostname)")
	workerCmd.Flags().String("data-dir", "", "Local metadata directory")
	workersCmd.Flags().Bool("probe", false, "Probe each worker's data endpoint")
	healthCmd.Flags().StringSlice("worker", nil, "Additional worker data endpoints to probe (host:port)")
}
