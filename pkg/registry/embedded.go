package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// Embedded is an in-process Registry used by tests. Liveness comes from heartbeat staleness instead of coordination
// sessions; the first candidate to elect wins and holds until resignation.
type Embedded struct {
	mu            sync.RWMutex
	workers       map[string]types.WorkerDetail
	watchers      map[int]func([]types.WorkerDetail)
	masterWatch   map[int]func(string)
	nextWatch     int
	masterName    string
	masterAddr    string
	activeCluster string
	staleAfter    time.Duration
}

// NewEmbedded returns an embedded registry. Workers whose lease has not
// renewed within staleAfter are dropped from list views.
func NewEmbedded(staleAfter time.Duration) *Embedded {
	return &Embedded{
		workers:       make(map[string]types.WorkerDetail),
		watchers:      make(map[int]func([]types.WorkerDetail)),
		masterWatch:   make(map[int]func(string)),
		activeCluster: "default",
		staleAfter:    staleAfter,
	}
}

type embeddedLease struct {
	r  *Embedded
	id string
}

func (l *embeddedLease) Renew(detail types.WorkerDetail) error {
	l.r.mu.Lock()
	detail.LastHeartbeat = time.Now()
	l.r.workers[detail.ID()] = detail
	l.r.mu.Unlock()
	l.r.notifyWorkers()
	return nil
}

func (l *embeddedLease) Close() error {
	l.r.mu.Lock()
	delete(l.r.workers, l.id)
	l.r.mu.Unlock()
	l.r.notifyWorkers()
	return nil
}

func (r *Embedded) RegisterWorker(detail types.WorkerDetail) (Lease, error) {
	detail.LastHeartbeat = time.Now()
	r.mu.Lock()
	r.workers[detail.ID()] = detail
	r.mu.Unlock()
	r.notifyWorkers()
	return &embeddedLease{r: r, id: detail.ID()}, nil
}

func (r *Embedded) ListWorkers(dataCenter, cluster string) ([]types.WorkerDetail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := time.Now().Add(-r.staleAfter)
	var out []types.WorkerDetail
	for _, w := range r.workers {
		if w.DataCenter != dataCenter || w.Cluster != cluster {
			continue
		}
		if r.staleAfter > 0 && w.LastHeartbeat.Before(cutoff) {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (r *Embedded) WatchWorkers(ctx context.Context, dataCenter, cluster string, cb func([]types.WorkerDetail)) error {
	r.mu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = func(all []types.WorkerDetail) {
		var filtered []types.WorkerDetail
		for _, w := range all {
			if w.DataCenter == dataCenter && w.Cluster == cluster {
				filtered = append(filtered, w)
			}
		}
		cb(filtered)
	}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}()
	return nil
}

func (r *Embedded) notifyWorkers() {
	r.mu.RLock()
	all := make([]types.WorkerDetail, 0, len(r.workers))
	for _, w := range r.workers {
		all = append(all, w)
	}
	cbs := make([]func([]types.WorkerDetail), 0, len(r.watchers))
	for _, cb := range r.watchers {
		cbs = append(cbs, cb)
	}
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(all)
	}
}

type embeddedElection struct {
	r         *Embedded
	candidate string
}

func (e *embeddedElection) IsLeader() bool {
	e.r.mu.RLock()
	defer e.r.mu.RUnlock()
	return e.r.masterName == e.candidate
}

func (e *embeddedElection) Leader() (string, error) {
	e.r.mu.RLock()
	defer e.r.mu.RUnlock()
	return e.r.masterName, nil
}

func (e *embeddedElection) Resign() error {
	e.r.mu.Lock()
	var addr string
	if e.r.masterName == e.candidate {
		e.r.masterName = ""
		e.r.masterAddr = ""
	}
	addr = e.r.masterAddr
	e.r.mu.Unlock()
	e.r.notifyMaster(addr)
	return nil
}

func (r *Embedded) ElectMaster(dataCenter, cluster, candidate, addr string) (Election, error) {
	r.mu.Lock()
	if r.masterName == "" {
		r.masterName = candidate
		r.masterAddr = addr
	}
	cur := r.masterAddr
	r.mu.Unlock()
	r.notifyMaster(cur)
	return &embeddedElection{r: r, candidate: candidate}, nil
}

func (r *Embedded) GetActiveMaster(dataCenter, cluster string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.masterAddr == "" {
		return "", fmt.Errorf("no active master for %s/%s", dataCenter, cluster)
	}
	return r.masterAddr, nil
}

func (r *Embedded) WatchMaster(ctx context.Context, dataCenter, cluster string, cb func(string)) error {
	r.mu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.masterWatch[id] = cb
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.masterWatch, id)
		r.mu.Unlock()
	}()
	return nil
}

func (r *Embedded) notifyMaster(addr string) {
	r.mu.RLock()
	cbs := make([]func(string), 0, len(r.masterWatch))
	for _, cb := range r.masterWatch {
		cbs = append(cbs, cb)
	}
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(addr)
	}
}

// SetActiveMaster force-sets the pointer. Used when the raft layer, not
// the registry, decides leadership.
func (r *Embedded) SetActiveMaster(name, addr string) {
	r.mu.Lock()
	r.masterName = name
	r.masterAddr = addr
	r.mu.Unlock()
	r.notifyMaster(addr)
}

func (r *Embedded) ActiveCluster() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCluster, nil
}

func (r *Embedded) SetActiveCluster(name string) error {
	r.mu.Lock()
	r.activeCluster = name
	r.mu.Unlock()
	return nil
}

func (r *Embedded) Close() error { return nil }
