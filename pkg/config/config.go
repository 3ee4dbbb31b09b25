package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// WriterType selects the client write strategy.
type WriterType string

const (
	WriterAuto   WriterType = "auto"
	WriterBypass WriterType = "bypass"
	WriterUnsafe WriterType = "unsafe"
	WriterSort   WriterType = "sort"
)

// ServiceManagerType selects where clients resolve the allocator.
type ServiceManagerType string

const (
	ManagerMaster ServiceManagerType = "master"
	ManagerZK     ServiceManagerType = "zk"
)

// Config is the full shuttle configuration surface. Zero values are filled
// by Default(); YAML files and CLI flags override.
type Config struct {
	// Identity
	DataCenter string `yaml:"dataCenter"`
	Cluster    string `yaml:"cluster"`

	// DFS
	RootDir string            `yaml:"rootDir"` // file:///... or hdfs://nn:port/...
	DfsSite map[string]string `yaml:"dfsSite,omitempty"`

	// Registry / master resolution
	ServiceManagerType ServiceManagerType `yaml:"serviceManagerType"`
	ZkServers          []string           `yaml:"zkServers,omitempty"`
	ZkSessionTimeout   time.Duration      `yaml:"zkSessionTimeout"`
	MasterAddr         string             `yaml:"masterAddr,omitempty"` // static master (master mode)

	// Client -> worker data path
	BlockSize           int           `yaml:"blockSize"`
	MaxRequestSize      int           `yaml:"maxRequestSize"`
	MaxFlyingPackageNum int           `yaml:"maxFlyingPackageNum"`
	MemoryThreshold     int64         `yaml:"memoryThreshold"`   // client buffer cap
	WriterBufferSpill   int64         `yaml:"writerBufferSpill"` // sort writer spill threshold
	WriterType          WriterType    `yaml:"writerType"`
	BypassThreshold     int           `yaml:"bypassThreshold"`
	NetworkTimeout      time.Duration `yaml:"networkTimeout"`
	NetworkRetries      int           `yaml:"networkRetries"`
	NetworkIOThreads    int           `yaml:"networkIoThreads"`

	// Allocation sizing
	PartitionCountPerShuffleWorker int `yaml:"partitionCountPerShuffleWorker"`
	MinServerCount                 int `yaml:"minServerCount"`
	MaxServerCount                 int `yaml:"maxServerCount"`
	WorkersPerGroup                int `yaml:"workersPerGroup"`

	// Reader pacing
	ReadIOThreads           int           `yaml:"readIoThreads"`
	ReadMaxSize             int64         `yaml:"readMaxSize"`
	ReadMergeSize           int           `yaml:"readMergeSize"`
	InputReadyQueryInterval time.Duration `yaml:"inputReadyQueryInterval"`
	InputReadyMaxWaitTime   time.Duration `yaml:"inputReadyMaxWaitTime"`
	DeleteShuffleDir        bool          `yaml:"deleteShuffleDir"`

	// Worker server
	WorkerDataPort             int           `yaml:"workerDataPort"`
	WorkerControlPort          int           `yaml:"workerControlPort"`
	WorkerAdminPort            int           `yaml:"workerAdminPort"`
	WorkerLoadWeight           int           `yaml:"workerLoadWeight"`
	BaseConnections            int64         `yaml:"baseConnections"`
	TotalConnections           int64         `yaml:"totalConnections"`
	MemoryControlSizeThreshold int64         `yaml:"memoryControlSizeThreshold"`
	DumperThreads              int           `yaml:"dumperThreads"`
	DumperQueueSize            int           `yaml:"dumperQueueSize"`
	DumpBlockFactor            int           `yaml:"dumpBlockFactor"` // dump when buffer >= blockSize * factor
	PartitionIdleTimeout       time.Duration `yaml:"partitionIdleTimeout"`
	AppStorageRetentionMillis  int64         `yaml:"appStorageRetentionMillis"`
	AppObjRetentionMillis      int64         `yaml:"appObjRetentionMillis"`
	HeartbeatInterval          time.Duration `yaml:"heartbeatInterval"`

	// Master server
	MasterBindAddr  string `yaml:"masterBindAddr"`
	MasterRaftAddr  string `yaml:"masterRaftAddr"`
	MasterAdminPort int    `yaml:"masterAdminPort"`
	DataDir         string `yaml:"dataDir"`
}

// Default returns the configuration with every option at its default.
func Default() *Config {
	return &Config{
		DataCenter:         "dc1",
		Cluster:            "default",
		RootDir:            "file:///tmp/shuttle",
		ServiceManagerType: ManagerMaster,
		ZkSessionTimeout:   10 * time.Second,
		MasterAddr:         "127.0.0.1:19189",

		BlockSize:           1 << 20, // 1 MiB
		MaxRequestSize:      8 << 20,
		MaxFlyingPackageNum: 16,
		MemoryThreshold:     256 << 20,
		WriterBufferSpill:   128 << 20,
		WriterType:          WriterAuto,
		BypassThreshold:     200,
		NetworkTimeout:      30 * time.Second,
		NetworkRetries:      3,
		NetworkIOThreads:    4,

		PartitionCountPerShuffleWorker: 100,
		MinServerCount:                 1,
		MaxServerCount:                 32,
		WorkersPerGroup:                2,

		ReadIOThreads:           4,
		ReadMaxSize:             64 << 20,
		ReadMergeSize:           4 << 20,
		InputReadyQueryInterval: time.Second,
		InputReadyMaxWaitTime:   10 * time.Minute,
		DeleteShuffleDir:        true,

		WorkerDataPort:             19190,
		WorkerControlPort:          19191,
		WorkerAdminPort:            19192,
		WorkerLoadWeight:           1,
		BaseConnections:            64,
		TotalConnections:           256,
		MemoryControlSizeThreshold: 512 << 20,
		DumperThreads:              4,
		DumperQueueSize:            64,
		DumpBlockFactor:            8,
		PartitionIdleTimeout:       2 * time.Minute,
		AppStorageRetentionMillis:  (72 * time.Hour).Milliseconds(),
		AppObjRetentionMillis:      (24 * time.Hour).Milliseconds(),
		HeartbeatInterval:          5 * time.Second,

		MasterBindAddr:  "0.0.0.0:19189",
		MasterRaftAddr:  "127.0.0.1:19188",
		MasterAdminPort: 19193,
		DataDir:         "/var/lib/shuttle",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", types.ErrConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", types.ErrConfig, fmt.Sprintf(format, args...))
	}
	if c.BlockSize <= 0 || c.BlockSize > c.MaxRequestSize {
		return fail("blockSize %d must be in (0, maxRequestSize %d]", c.BlockSize, c.MaxRequestSize)
	}
	if c.BaseConnections <= 0 || c.TotalConnections < c.BaseConnections {
		return fail("connection pool: base %d, total %d", c.BaseConnections, c.TotalConnections)
	}
	if c.DumperThreads <= 0 || c.DumperQueueSize <= 0 {
		return fail("dumper pool: threads %d, queue %d", c.DumperThreads, c.DumperQueueSize)
	}
	if c.MinServerCount <= 0 || c.MaxServerCount < c.MinServerCount {
		return fail("server count bounds: min %d, max %d", c.MinServerCount, c.MaxServerCount)
	}
	if c.WorkersPerGroup <= 0 {
		return fail("workersPerGroup must be positive, got %d", c.WorkersPerGroup)
	}
	if c.MemoryControlSizeThreshold <= 0 {
		return fail("memoryControlSizeThreshold must be positive")
	}
	switch c.WriterType {
	case WriterAuto, WriterBypass, WriterUnsafe, WriterSort:
	default:
		return fail("unknown writerType %q", c.WriterType)
	}
	switch c.ServiceManagerType {
	case ManagerMaster, ManagerZK:
	default:
		return fail("unknown serviceManagerType %q", c.ServiceManagerType)
	}
	if c.ServiceManagerType == ManagerZK && len(c.ZkServers) == 0 {
		return fail("serviceManagerType zk requires zkServers")
	}
	if c.WorkerLoadWeight < 1 {
		return fail("workerLoadWeight must be >= 1, got %d", c.WorkerLoadWeight)
	}
	return nil
}

// ClusterConf extracts the blob handed to clients at allocation time.
func (c *Config) ClusterConf() types.ClusterConf {
	return types.ClusterConf{
		RootDir:    c.RootDir,
		DataCenter: c.DataCenter,
		Cluster:    c.Cluster,
		DfsSite:    c.DfsSite,
	}
}

// MemoryLowWater is the drain target after the memory governor trips,
// 75% of the threshold.
func (c *Config) MemoryLowWater() int64 {
	return c.MemoryControlSizeThreshold / 4 * 3
}
