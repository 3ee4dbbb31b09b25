package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/types"
)

const (
	basePath       = "/rss"
	useClusterPath = basePath + "/use_cluster"
)

// ZkRegistry implements Registry over a ZooKeeper ensemble. Worker entries
// are ephemeral znodes; the master election races an ephemeral node and
// contenders watch the holder.
type ZkRegistry struct {
	conn *zk.Conn
}

// NewZk connects to the ensemble.
func NewZk(servers []string, sessionTimeout time.Duration) (*ZkRegistry, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper %v: %w", servers, err)
	}
	return &ZkRegistry{conn: conn}, nil
}

func workersPath(dc, cluster string) string {
	return fmt.Sprintf("%s/%s/%s/workers", basePath, dc, cluster)
}

func masterPath(dc, cluster string) string {
	return fmt.Sprintf("%s/%s/%s/master", basePath, dc, cluster)
}

// ensurePath creates the persistent parent chain of p.
func (r *ZkRegistry) ensurePath(p string) error {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur += "/" + part
		_, err := r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("create %s: %w", cur, err)
		}
	}
	return nil
}

type zkLease struct {
	r    *ZkRegistry
	path string
}

func (l *zkLease) Renew(detail types.WorkerDetail) error {
	detail.LastHeartbeat = time.Now()
	data, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = l.r.conn.Set(l.path, data, -1)
	if err == zk.ErrNoNode {
		// Session expired and the ephemeral vanished; re-create.
		_, err = l.r.conn.Create(l.path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	}
	return err
}

func (l *zkLease) Close() error {
	err := l.r.conn.Delete(l.path, -1)
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

func (r *ZkRegistry) RegisterWorker(detail types.WorkerDetail) (Lease, error) {
	dir := workersPath(detail.DataCenter, detail.Cluster)
	if err := r.ensurePath(dir); err != nil {
		return nil, err
	}
	detail.LastHeartbeat = time.Now()
	data, err := json.Marshal(detail)
	if err != nil {
		return nil, err
	}
	p := dir + "/" + detail.ID()
	_, err = r.conn.Create(p, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		// Stale entry from a previous session with our identity; replace.
		if err := r.conn.Delete(p, -1); err != nil && err != zk.ErrNoNode {
			return nil, fmt.Errorf("replace stale entry %s: %w", p, err)
		}
		_, err = r.conn.Create(p, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	}
	if err != nil {
		return nil, fmt.Errorf("register worker %s: %w", p, err)
	}
	return &zkLease{r: r, path: p}, nil
}

func (r *ZkRegistry) ListWorkers(dataCenter, cluster string) ([]types.WorkerDetail, error) {
	dir := workersPath(dataCenter, cluster)
	children, _, err := r.conn.Children(dir)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list workers %s: %w", dir, err)
	}
	sort.Strings(children)
	var out []types.WorkerDetail
	for _, child := range children {
		data, _, err := r.conn.Get(dir + "/" + child)
		if err == zk.ErrNoNode {
			continue // evicted between list and read
		}
		if err != nil {
			return nil, err
		}
		var w types.WorkerDetail
		if err := json.Unmarshal(data, &w); err != nil {
			log.For("registry").Warn().Str("znode", child).Err(err).Msg("Skipping undecodable worker entry")
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (r *ZkRegistry) WatchWorkers(ctx context.Context, dataCenter, cluster string, cb func([]types.WorkerDetail)) error {
	dir := workersPath(dataCenter, cluster)
	if err := r.ensurePath(dir); err != nil {
		return err
	}
	go func() {
		for {
			_, _, ch, err := r.conn.ChildrenW(dir)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
			if ws, err := r.ListWorkers(dataCenter, cluster); err == nil {
				cb(ws)
			}
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
		}
	}()
	return nil
}

type masterRecord struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

type zkElection struct {
	r      *ZkRegistry
	path   string
	cand   masterRecord
	leader atomic.Bool
	stop   chan struct{}
}

func (e *zkElection) IsLeader() bool { return e.leader.Load() }

func (e *zkElection) Leader() (string, error) {
	data, _, err := e.r.conn.Get(e.path)
	if err == zk.ErrNoNode {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var rec masterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", err
	}
	return rec.Name, nil
}

func (e *zkElection) Resign() error {
	close(e.stop)
	if e.leader.Swap(false) {
		err := e.r.conn.Delete(e.path, -1)
		if err == zk.ErrNoNode {
			return nil
		}
		return err
	}
	return nil
}

// campaign loops: attempt to take the master node, otherwise watch the
// holder and race again when it disappears.
func (e *zkElection) campaign() {
	data, _ := json.Marshal(e.cand)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		_, err := e.r.conn.Create(e.path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		switch err {
		case nil:
			e.leader.Store(true)
			log.For("registry").Info().Str("master", e.cand.Name).Msg("Won master election")
			// Hold until resignation; the session keeps the node alive.
			<-e.stop
			return
		case zk.ErrNodeExists:
			ok, _, ch, werr := e.r.conn.ExistsW(e.path)
			if werr != nil {
				time.Sleep(time.Second)
				continue
			}
			if !ok {
				continue // deleted between create and watch; race again
			}
			select {
			case <-e.stop:
				return
			case <-ch:
			}
		default:
			time.Sleep(time.Second)
		}
	}
}

func (r *ZkRegistry) ElectMaster(dataCenter, cluster, candidate, addr string) (Election, error) {
	p := masterPath(dataCenter, cluster)
	if err := r.ensurePath(strings.TrimSuffix(p, "/master") + "/workers"); err != nil {
		return nil, err
	}
	e := &zkElection{
		r:    r,
		path: p,
		cand: masterRecord{Name: candidate, Addr: addr},
		stop: make(chan struct{}),
	}
	go e.campaign()
	return e, nil
}

func (r *ZkRegistry) GetActiveMaster(dataCenter, cluster string) (string, error) {
	data, _, err := r.conn.Get(masterPath(dataCenter, cluster))
	if err == zk.ErrNoNode {
		return "", fmt.Errorf("no active master for %s/%s", dataCenter, cluster)
	}
	if err != nil {
		return "", err
	}
	var rec masterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", err
	}
	return rec.Addr, nil
}

func (r *ZkRegistry) WatchMaster(ctx context.Context, dataCenter, cluster string, cb func(string)) error {
	p := masterPath(dataCenter, cluster)
	go func() {
		for {
			ok, _, ch, err := r.conn.ExistsW(p)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
			if ok {
				if addr, err := r.GetActiveMaster(dataCenter, cluster); err == nil {
					cb(addr)
				}
			} else {
				cb("")
			}
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
		}
	}()
	return nil
}

func (r *ZkRegistry) ActiveCluster() (string, error) {
	data, _, err := r.conn.Get(useClusterPath)
	if err == zk.ErrNoNode {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *ZkRegistry) SetActiveCluster(name string) error {
	if err := r.ensurePath(basePath); err != nil {
		return err
	}
	_, err := r.conn.Set(useClusterPath, []byte(name), -1)
	if err == zk.ErrNoNode {
		_, err = r.conn.Create(useClusterPath, []byte(name), 0, zk.WorldACL(zk.PermAll))
	}
	return err
}

func (r *ZkRegistry) Close() error {
	r.conn.Close()
	return nil
}
