package types

import (
	"fmt"
	"time"
)

// StageShuffleId identifies one logical shuffle output: the data written by
// one attempt of one stage of one application attempt.
type StageShuffleId struct {
	AppID        string
	AppAttempt   string
	StageAttempt int
	ShuffleID    int
}

func (s StageShuffleId) String() string {
	return fmt.Sprintf("%s/%s/shuffle-%d/stage-%d", s.AppID, s.AppAttempt, s.ShuffleID, s.StageAttempt)
}

// SameShuffle reports whether o identifies the same shuffle regardless of
// stage attempt.
func (s StageShuffleId) SameShuffle(o StageShuffleId) bool {
	return s.AppID == o.AppID && s.AppAttempt == o.AppAttempt && s.ShuffleID == o.ShuffleID
}

// PartitionShuffleId identifies a single partition of a shuffle output.
type PartitionShuffleId struct {
	Stage       StageShuffleId
	PartitionID int
}

func (p PartitionShuffleId) String() string {
	return fmt.Sprintf("%s/partition-%d", p.Stage, p.PartitionID)
}

// WorkerDetail describes a registered shuffle worker.
type WorkerDetail struct {
	Host          string
	DataPort      int
	ControlPort   int
	Weight        int // load weight, >= 1
	DataCenter    string
	Cluster       string
	LastHeartbeat time.Time
	Status        WorkerStatus
}

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerStatusReady WorkerStatus = "ready"
	WorkerStatusDown  WorkerStatus = "down"
)

// ID returns the registry identity of the worker. (host, dataPort) is
// unique across the cluster.
func (w WorkerDetail) ID() string {
	return fmt.Sprintf("%s:%d", w.Host, w.DataPort)
}

// DataAddr returns the host:port of the data endpoint.
func (w WorkerDetail) DataAddr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.DataPort)
}

// ControlAddr returns the host:port of the control endpoint.
func (w WorkerDetail) ControlAddr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.ControlPort)
}

// FileID is the worker identity embedded in part file names. ':' is not
// path-safe on every DFS.
func (w WorkerDetail) FileID() string {
	return fmt.Sprintf("%s-%d", w.Host, w.DataPort)
}

// ServerGroup is the ordered, duplicate-free set of workers a partition's
// blocks are routed to. Immutable once built.
type ServerGroup struct {
	Workers []WorkerDetail
}

// WorkerFor returns the group member a partition's blocks go to. A single
// partition always lands on the same member.
func (g ServerGroup) WorkerFor(partitionID int) WorkerDetail {
	return g.Workers[partitionID%len(g.Workers)]
}

// ClusterConf is the opaque configuration blob handed from master to
// clients at allocation time.
type ClusterConf struct {
	RootDir    string            `yaml:"rootDir" json:"rootDir"`
	DataCenter string            `yaml:"dataCenter" json:"dataCenter"`
	Cluster    string            `yaml:"cluster" json:"cluster"`
	DfsSite    map[string]string `yaml:"dfsSite,omitempty" json:"dfsSite,omitempty"`
}

// ShuffleHandle is the driver-side allocation result fanned out to every
// executor. It carries everything the hot path needs so no RPC is required
// to resolve routing.
type ShuffleHandle struct {
	Stage         StageShuffleId
	NumPartitions int
	PartitionMap  []int // partition -> index into Groups
	Groups        []ServerGroup
	Conf          ClusterConf
}

// GroupFor returns the server group assigned to a partition.
func (h *ShuffleHandle) GroupFor(partitionID int) ServerGroup {
	return h.Groups[h.PartitionMap[partitionID]]
}

// StageStatus is the terminal state recorded by a stage marker.
type StageStatus string

const (
	StageSuccess StageStatus = "SUCCESS"
	StageAborted StageStatus = "ABORTED"
)

// AllocateRequest is the argument to the master's GetShuffleWorkers call.
type AllocateRequest struct {
	DataCenter     string
	Cluster        string
	AppID          string
	DagID          string
	Priority       int
	TaskID         string
	AppName        string
	RequestedCount int
}

// AllocateResponse carries the selected workers and the cluster config.
type AllocateResponse struct {
	Workers []WorkerDetail
	Conf    ClusterConf
}
