package shuffle

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/dfs"
	"github.com/kettlelinna/shuttle/pkg/events"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/storage"
	"github.com/kettlelinna/shuttle/pkg/types"
	"github.com/kettlelinna/shuttle/pkg/worker"
)

func init() {
	log.Init(log.Config{Level: "error", Output: os.Stderr})
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// cluster is one in-process worker plus the client config pointed at it.
type cluster struct {
	cfg    *config.Config
	root   string
	detail types.WorkerDetail
}

func startCluster(t *testing.T, tweak func(*config.Config)) *cluster {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.RootDir = "file://" + root
	cfg.WorkerDataPort = freePort(t)
	cfg.WorkerControlPort = freePort(t)
	cfg.NetworkTimeout = 10 * time.Second
	cfg.BlockSize = 256 // force multi-block partitions
	cfg.MaxFlyingPackageNum = 8
	cfg.DumperThreads = 2
	cfg.DumperQueueSize = 16
	cfg.InputReadyQueryInterval = 50 * time.Millisecond
	cfg.InputReadyMaxWaitTime = 5 * time.Second
	if tweak != nil {
		tweak(cfg)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	broker := events.NewBroker()
	broker.Start()

	detail := types.WorkerDetail{
		Host:        "127.0.0.1",
		DataPort:    cfg.WorkerDataPort,
		ControlPort: cfg.WorkerControlPort,
		Weight:      1,
	}
	srv := worker.NewServer(cfg, detail, dfs.NewLocal(), dfs.Layout{Root: root}, store, broker)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Stop()
		broker.Stop()
		store.Close()
	})

	return &cluster{cfg: cfg, root: root, detail: detail}
}

func (c *cluster) handle(numPartitions, stageAttempt int) *types.ShuffleHandle {
	pm := make([]int, numPartitions)
	return &types.ShuffleHandle{
		Stage: types.StageShuffleId{
			AppID:        "app-e2e",
			AppAttempt:   "1",
			StageAttempt: stageAttempt,
			ShuffleID:    1,
		},
		NumPartitions: numPartitions,
		PartitionMap:  pm,
		Groups:        []types.ServerGroup{{Workers: []types.WorkerDetail{c.detail}}},
		Conf:          types.ClusterConf{RootDir: "file://" + c.root},
	}
}

func readAll(t *testing.T, r *Reader) []string {
	t.Helper()
	var out []string
	for {
		rec, err := r.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(rec))
	}
}

// TestRoundTrip runs the full write -> finalize -> read path for every
// writer strategy: 3 mappers, 4 partitions, 300 records each, expecting
// the exact record multiset back.
func TestRoundTrip(t *testing.T) {
	strategies := []config.WriterType{config.WriterBypass, config.WriterUnsafe, config.WriterSort}

	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			c := startCluster(t, func(cfg *config.Config) {
				cfg.WriterType = strategy
				cfg.WriterBufferSpill = 512 // force sort-writer spills
			})
			const numPartitions, numMappers, perMapper = 4, 3, 300
			handle := c.handle(numPartitions, 0)
			dep := Dependency{NumPartitions: numPartitions}

			var wg sync.WaitGroup
			errs := make([]error, numMappers)
			for m := 0; m < numMappers; m++ {
				wg.Add(1)
				go func(m int) {
					defer wg.Done()
					w, err := NewWriter(handle, dep, c.cfg, uint32(m), 0)
					if err != nil {
						errs[m] = err
						return
					}
					for i := 0; i < perMapper; i++ {
						rec := fmt.Sprintf("m%d-r%04d", m, i)
						if err := w.Write(i%numPartitions, []byte(rec)); err != nil {
							errs[m] = err
							return
						}
					}
					errs[m] = w.Close()
				}(m)
			}
			wg.Wait()
			for m, err := range errs {
				require.NoError(t, err, "mapper %d", m)
			}

			require.NoError(t, NewFinalizer(c.cfg).OnStageComplete(handle))

			r, err := NewReader(context.Background(), handle, c.cfg, 0, numPartitions, 0, numMappers)
			require.NoError(t, err)
			records := readAll(t, r)

			require.Len(t, records, numMappers*perMapper)
			counts := make(map[string]int)
			for _, rec := range records {
				counts[rec]++
			}
			for m := 0; m < numMappers; m++ {
				for i := 0; i < perMapper; i++ {
					assert.Equal(t, 1, counts[fmt.Sprintf("m%d-r%04d", m, i)])
				}
			}
		})
	}
}

// TestRoundTripOrdering verifies records from one map attempt into one
// partition come back in write order.
func TestRoundTripOrdering(t *testing.T) {
	c := startCluster(t, func(cfg *config.Config) { cfg.WriterType = config.WriterBypass })
	handle := c.handle(2, 0)
	dep := Dependency{NumPartitions: 2}

	w, err := NewWriter(handle, dep, c.cfg, 0, 0)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		require.NoError(t, w.Write(1, []byte(fmt.Sprintf("r%04d", i))))
	}
	require.NoError(t, w.Close())
	require.NoError(t, NewFinalizer(c.cfg).OnStageComplete(handle))

	r, err := NewReader(context.Background(), handle, c.cfg, 1, 2, 0, 1)
	require.NoError(t, err)
	records := readAll(t, r)
	require.Len(t, records, 200)
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("r%04d", i), rec)
	}
}

// TestReaderWaitsForMarker covers both reader-before-finalize behaviors:
// timeout without a marker, and unblocking when the marker appears.
func TestReaderWaitsForMarker(t *testing.T) {
	c := startCluster(t, func(cfg *config.Config) {
		cfg.InputReadyMaxWaitTime = 300 * time.Millisecond
	})
	handle := c.handle(2, 0)

	_, err := NewReader(context.Background(), handle, c.cfg, 0, 2, 0, 1)
	assert.ErrorIs(t, err, types.ErrInputNotReady)

	// Finalize midway through the second reader's wait.
	c.cfg.InputReadyMaxWaitTime = 5 * time.Second
	w, err := NewWriter(handle, Dependency{NumPartitions: 2}, c.cfg, 0, 0)
	require.NoError(t, err)
	require.NoError(t, w.Write(0, []byte("rec")))
	require.NoError(t, w.Close())

	go func() {
		time.Sleep(200 * time.Millisecond)
		NewFinalizer(c.cfg).OnStageComplete(handle)
	}()

	r, err := NewReader(context.Background(), handle, c.cfg, 0, 2, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"rec"}, readAll(t, r))
}

// TestStageRetryWins simulates a failed attempt followed by a successful
// retry: only the terminated attempt's records are returned.
func TestStageRetryWins(t *testing.T) {
	c := startCluster(t, nil)
	handle := c.handle(1, 0)
	dep := Dependency{NumPartitions: 1}

	// Attempt 0 dies mid-write: no terminator ever reaches the worker.
	w0, err := NewWriter(handle, dep, c.cfg, 5, 0)
	require.NoError(t, err)
	require.NoError(t, w0.Write(0, []byte("stale-1")))
	require.NoError(t, w0.Write(0, []byte("stale-2")))
	w0.Abort()

	// Attempt 1 completes.
	w1, err := NewWriter(handle, dep, c.cfg, 5, 1)
	require.NoError(t, err)
	require.NoError(t, w1.Write(0, []byte("fresh-1")))
	require.NoError(t, w1.Write(0, []byte("fresh-2")))
	require.NoError(t, w1.Close())

	require.NoError(t, NewFinalizer(c.cfg).OnStageComplete(handle))

	r, err := NewReader(context.Background(), handle, c.cfg, 0, 1, 0, 6)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh-1", "fresh-2"}, readAll(t, r))
}

// TestAbortedStageFailsReaders verifies the abort marker short-circuits
// waiting readers.
func TestAbortedStageFailsReaders(t *testing.T) {
	c := startCluster(t, nil)
	handle := c.handle(1, 0)

	require.NoError(t, NewFinalizer(c.cfg).OnStageAbort(handle))

	_, err := NewReader(context.Background(), handle, c.cfg, 0, 1, 0, 1)
	assert.ErrorIs(t, err, types.ErrStageAborted)
}

// TestStageRetryDeletesMarkers verifies the driver hook removes stale
// markers before a stage re-run.
func TestStageRetryDeletesMarkers(t *testing.T) {
	c := startCluster(t, nil)
	handle := c.handle(1, 0)

	w, err := NewWriter(handle, Dependency{NumPartitions: 1}, c.cfg, 0, 0)
	require.NoError(t, err)
	require.NoError(t, w.Write(0, []byte("x")))
	require.NoError(t, w.Close())
	f := NewFinalizer(c.cfg)
	require.NoError(t, f.OnStageComplete(handle))

	require.NoError(t, f.OnStageRetry(handle.Stage))

	layout := dfs.Layout{Root: c.root}
	_, err = os.Stat(layout.SuccessPath(handle.Stage))
	assert.True(t, os.IsNotExist(err), "stale marker removed")
}
