package worker

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/dfs"
	"github.com/kettlelinna/shuttle/pkg/events"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/protocol"
	"github.com/kettlelinna/shuttle/pkg/storage"
	"github.com/kettlelinna/shuttle/pkg/types"
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

type testServer struct {
	srv    *Server
	cfg    *config.Config
	root   string
	broker *events.Broker
}

func startServer(t *testing.T, tweak func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.WorkerDataPort = freePort(t)
	cfg.WorkerControlPort = freePort(t)
	cfg.NetworkTimeout = 5 * time.Second
	cfg.NetworkRetries = 2
	cfg.DumperThreads = 2
	cfg.DumperQueueSize = 8
	if tweak != nil {
		tweak(cfg)
	}

	root := t.TempDir()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()

	detail := types.WorkerDetail{
		Host:        "test-worker",
		DataPort:    cfg.WorkerDataPort,
		ControlPort: cfg.WorkerControlPort,
		Weight:      1,
	}
	srv := NewServer(cfg, detail, dfs.NewLocal(), dfs.Layout{Root: root}, store, broker)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Stop()
		broker.Stop()
		store.Close()
	})
	return &testServer{srv: srv, cfg: cfg, root: root, broker: broker}
}

func (ts *testServer) dataClient(t *testing.T) *protocol.Client {
	t.Helper()
	c, err := protocol.Dial(net.JoinHostPort("127.0.0.1", strconv.Itoa(ts.cfg.WorkerDataPort)), ts.cfg.NetworkTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (ts *testServer) controlClient(t *testing.T) *protocol.Client {
	t.Helper()
	c, err := protocol.Dial(net.JoinHostPort("127.0.0.1", strconv.Itoa(ts.cfg.WorkerControlPort)), ts.cfg.NetworkTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func stage(attempt int) types.StageShuffleId {
	return types.StageShuffleId{AppID: "app-1", AppAttempt: "1", StageAttempt: attempt, ShuffleID: 9}
}

func sendReq(st types.StageShuffleId, mapID uint32, attempt uint16, partition, seq uint32, payload string) []byte {
	return (&protocol.SendBlockReq{
		Stage:       st,
		MapID:       mapID,
		MapAttempt:  attempt,
		PartitionID: partition,
		SeqNo:       seq,
		Payload:     []byte(payload),
	}).Encode()
}

func TestSendBlockAndFinalize(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dataClient(t)

	_, err := c.Call(protocol.KindSendBlock, sendReq(stage(0), 7, 0, 3, 0, "hello"))
	require.NoError(t, err)
	_, err = c.Call(protocol.KindSendBlock, sendReq(stage(0), 7, 0, 3, 1, "world"))
	require.NoError(t, err)

	_, err = c.Call(protocol.KindFinalizeStage, (&protocol.FinalizeStageReq{Stage: stage(0)}).Encode())
	require.NoError(t, err)

	// One part file with both blocks, flushed by a single dumper.
	dir := filepath.Join(ts.root, "app-1", "1", "9", "stage-0", "partition-3")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()
	hdr, payload, err := protocol.ReadBlock(f)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), hdr.SeqNo)
	assert.Equal(t, "hello", string(payload))
	hdr, payload, err = protocol.ReadBlock(f)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), hdr.SeqNo)
	assert.Equal(t, "world", string(payload))
	assert.NotEmpty(t, data)
}

func TestDuplicateBlockAckedOnce(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dataClient(t)

	_, err := c.Call(protocol.KindSendBlock, sendReq(stage(0), 7, 0, 0, 3, "payload"))
	require.NoError(t, err)

	// Same fingerprint again: acked as a duplicate, not re-buffered.
	_, err = c.Call(protocol.KindSendBlock, sendReq(stage(0), 7, 0, 0, 3, "payload"))
	assert.ErrorIs(t, err, types.ErrDuplicateBlock)

	_, err = c.Call(protocol.KindFinalizeStage, (&protocol.FinalizeStageReq{Stage: stage(0)}).Encode())
	require.NoError(t, err)

	dir := filepath.Join(ts.root, "app-1", "1", "9", "stage-0", "partition-0")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()
	count := 0
	for {
		_, _, err := protocol.ReadBlock(f)
		if err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 1, count, "file contains the block exactly once")
}

func TestBackpressure(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.MemoryControlSizeThreshold = 1 // everything refused
	})
	c := ts.dataClient(t)

	_, err := c.Call(protocol.KindSendBlock, sendReq(stage(0), 1, 0, 0, 0, "too big for the governor"))
	assert.ErrorIs(t, err, types.ErrBackpressure)
}

func TestBlocksAfterFinalizeRejected(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dataClient(t)

	_, err := c.Call(protocol.KindSendBlock, sendReq(stage(0), 1, 0, 0, 0, "a"))
	require.NoError(t, err)
	_, err = c.Call(protocol.KindFinalizeStage, (&protocol.FinalizeStageReq{Stage: stage(0)}).Encode())
	require.NoError(t, err)

	// Same stage attempt: sealed.
	_, err = c.Call(protocol.KindSendBlock, sendReq(stage(0), 1, 0, 0, 1, "b"))
	assert.ErrorIs(t, err, types.ErrStageClosed)

	// A later stage attempt opens fresh partition state.
	_, err = c.Call(protocol.KindSendBlock, sendReq(stage(1), 1, 0, 0, 0, "retry"))
	assert.NoError(t, err)
}

func TestCancelStageDropsBuffers(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dataClient(t)

	_, err := c.Call(protocol.KindSendBlock, sendReq(stage(0), 1, 0, 0, 0, "doomed"))
	require.NoError(t, err)
	_, err = c.Call(protocol.KindCancelStage, (&protocol.CancelStageReq{Stage: stage(0)}).Encode())
	require.NoError(t, err)

	dir := filepath.Join(ts.root, "app-1", "1", "9", "stage-0")
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "stage dir removed")
}

func TestTokenExhaustion(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.BaseConnections = 1
		cfg.TotalConnections = 1
	})

	open := (&protocol.OpenConnectionReq{AppID: "app-1", AppAttempt: "1", TimeoutMs: 200}).Encode()

	c1 := ts.controlClient(t)
	_, err := c1.Call(protocol.KindOpenConnection, open)
	require.NoError(t, err)

	// The pool is exhausted; the second caller times out waiting.
	c2 := ts.controlClient(t)
	_, err = c2.Call(protocol.KindOpenConnection, open)
	assert.ErrorIs(t, err, types.ErrNoToken)

	// Releasing the first token unblocks the next acquisition.
	c1.Close()
	require.Eventually(t, func() bool {
		c3 := ts.controlClient(t)
		_, err := c3.Call(protocol.KindOpenConnection, open)
		return err == nil
	}, 3*time.Second, 100*time.Millisecond)
}

func TestHealthCheck(t *testing.T) {
	ts := startServer(t, nil)
	for _, c := range []*protocol.Client{ts.dataClient(t), ts.controlClient(t)} {
		_, err := c.Call(protocol.KindHealthCheck, nil)
		assert.NoError(t, err)
	}
}
