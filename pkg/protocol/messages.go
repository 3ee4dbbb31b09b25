package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// enc is an append-only big-endian encoder for message bodies.
type enc struct{ b []byte }

func (e *enc) u8(v uint8)   { e.b = append(e.b, v) }
func (e *enc) u16(v uint16) { e.b = binary.BigEndian.AppendUint16(e.b, v) }
func (e *enc) u32(v uint32) { e.b = binary.BigEndian.AppendUint32(e.b, v) }
func (e *enc) u64(v uint64) { e.b = binary.BigEndian.AppendUint64(e.b, v) }
func (e *enc) str(s string) {
	e.u16(uint16(len(s)))
	e.b = append(e.b, s...)
}
func (e *enc) bytes(p []byte) {
	e.u32(uint32(len(p)))
	e.b = append(e.b, p...)
}

// dec is the matching cursor decoder. The first malformed field latches
// err; every later read returns a zero value.
type dec struct {
	b   []byte
	err error
}

func (d *dec) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("%w: short message body", types.ErrProtocol)
	}
}

func (d *dec) u8() uint8 {
	if d.err != nil || len(d.b) < 1 {
		d.fail()
		return 0
	}
	v := d.b[0]
	d.b = d.b[1:]
	return v
}

func (d *dec) u16() uint16 {
	if d.err != nil || len(d.b) < 2 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(d.b)
	d.b = d.b[2:]
	return v
}

func (d *dec) u32() uint32 {
	if d.err != nil || len(d.b) < 4 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *dec) u64() uint64 {
	if d.err != nil || len(d.b) < 8 {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(d.b)
	d.b = d.b[8:]
	return v
}

func (d *dec) str() string {
	n := int(d.u16())
	if d.err != nil || len(d.b) < n {
		d.fail()
		return ""
	}
	v := string(d.b[:n])
	d.b = d.b[n:]
	return v
}

func (d *dec) bytes() []byte {
	n := int(d.u32())
	if d.err != nil || len(d.b) < n {
		d.fail()
		return nil
	}
	v := d.b[:n:n]
	d.b = d.b[n:]
	return v
}

func encStage(e *enc, s types.StageShuffleId) {
	e.str(s.AppID)
	e.str(s.AppAttempt)
	e.u32(uint32(s.StageAttempt))
	e.u32(uint32(s.ShuffleID))
}

func decStage(d *dec) types.StageShuffleId {
	return types.StageShuffleId{
		AppID:        d.str(),
		AppAttempt:   d.str(),
		StageAttempt: int(d.u32()),
		ShuffleID:    int(d.u32()),
	}
}

// OpenConnectionReq establishes a control-channel session and acquires a
// flow-control token.
type OpenConnectionReq struct {
	AppID      string
	AppAttempt string
	TimeoutMs  uint32 // caller's token-wait budget
}

func (r *OpenConnectionReq) Encode() []byte {
	var e enc
	e.str(r.AppID)
	e.str(r.AppAttempt)
	e.u32(r.TimeoutMs)
	return e.b
}

func DecodeOpenConnectionReq(b []byte) (*OpenConnectionReq, error) {
	d := dec{b: b}
	r := &OpenConnectionReq{AppID: d.str(), AppAttempt: d.str(), TimeoutMs: d.u32()}
	return r, d.err
}

// SendBlockReq carries one partition-tagged block to a worker. The block
// fingerprint is (AppID, ShuffleID, MapID, MapAttempt, SeqNo, PartitionID).
type SendBlockReq struct {
	Stage       types.StageShuffleId
	MapID       uint32
	MapAttempt  uint16
	PartitionID uint32
	SeqNo       uint32
	Payload     []byte
}

func (r *SendBlockReq) Encode() []byte {
	var e enc
	encStage(&e, r.Stage)
	e.u32(r.MapID)
	e.u16(r.MapAttempt)
	e.u32(r.PartitionID)
	e.u32(r.SeqNo)
	e.bytes(r.Payload)
	return e.b
}

func DecodeSendBlockReq(b []byte) (*SendBlockReq, error) {
	d := dec{b: b}
	r := &SendBlockReq{
		Stage:       decStage(&d),
		MapID:       d.u32(),
		MapAttempt:  d.u16(),
		PartitionID: d.u32(),
		SeqNo:       d.u32(),
		Payload:     d.bytes(),
	}
	return r, d.err
}

// FinalizeStageReq flushes and seals every partition of a stage.
type FinalizeStageReq struct {
	Stage types.StageShuffleId
}

func (r *FinalizeStageReq) Encode() []byte {
	var e enc
	encStage(&e, r.Stage)
	return e.b
}

func DecodeFinalizeStageReq(b []byte) (*FinalizeStageReq, error) {
	d := dec{b: b}
	r := &FinalizeStageReq{Stage: decStage(&d)}
	return r, d.err
}

// CancelStageReq drops in-flight buffers and best-effort removes partial
// DFS files for a stage.
type CancelStageReq struct {
	Stage types.StageShuffleId
}

func (r *CancelStageReq) Encode() []byte {
	var e enc
	encStage(&e, r.Stage)
	return e.b
}

func DecodeCancelStageReq(b []byte) (*CancelStageReq, error) {
	d := dec{b: b}
	r := &CancelStageReq{Stage: decStage(&d)}
	return r, d.err
}

// GetShuffleWorkersReq asks the master for a worker allocation.
type GetShuffleWorkersReq struct {
	types.AllocateRequest
}

func (r *GetShuffleWorkersReq) Encode() []byte {
	var e enc
	e.str(r.DataCenter)
	e.str(r.Cluster)
	e.str(r.AppID)
	e.str(r.DagID)
	e.u32(uint32(r.Priority))
	e.str(r.TaskID)
	e.str(r.AppName)
	e.u32(uint32(r.RequestedCount))
	return e.b
}

func DecodeGetShuffleWorkersReq(b []byte) (*GetShuffleWorkersReq, error) {
	d := dec{b: b}
	r := &GetShuffleWorkersReq{types.AllocateRequest{
		DataCenter:     d.str(),
		Cluster:        d.str(),
		AppID:          d.str(),
		DagID:          d.str(),
		Priority:       int(d.u32()),
		TaskID:         d.str(),
		AppName:        d.str(),
		RequestedCount: int(d.u32()),
	}}
	return r, d.err
}

// GetShuffleWorkersResp returns the ordered worker list plus the cluster
// config blob.
type GetShuffleWorkersResp struct {
	Workers []types.WorkerDetail
	Conf    types.ClusterConf
}

func (r *GetShuffleWorkersResp) Encode() []byte {
	var e enc
	e.u16(uint16(len(r.Workers)))
	for _, w := range r.Workers {
		e.str(w.Host)
		e.u16(uint16(w.DataPort))
		e.u16(uint16(w.ControlPort))
		e.u32(uint32(w.Weight))
		e.str(w.DataCenter)
		e.str(w.Cluster)
		e.u64(uint64(w.LastHeartbeat.UnixMilli()))
	}
	e.str(r.Conf.RootDir)
	e.str(r.Conf.DataCenter)
	e.str(r.Conf.Cluster)
	e.u16(uint16(len(r.Conf.DfsSite)))
	for k, v := range r.Conf.DfsSite {
		e.str(k)
		e.str(v)
	}
	return e.b
}

func DecodeGetShuffleWorkersResp(b []byte) (*GetShuffleWorkersResp, error) {
	d := dec{b: b}
	n := int(d.u16())
	r := &GetShuffleWorkersResp{}
	for i := 0; i < n && d.err == nil; i++ {
		w := types.WorkerDetail{
			Host:        d.str(),
			DataPort:    int(d.u16()),
			ControlPort: int(d.u16()),
			Weight:      int(d.u32()),
			DataCenter:  d.str(),
			Cluster:     d.str(),
		}
		w.LastHeartbeat = time.UnixMilli(int64(d.u64()))
		r.Workers = append(r.Workers, w)
	}
	r.Conf.RootDir = d.str()
	r.Conf.DataCenter = d.str()
	r.Conf.Cluster = d.str()
	if m := int(d.u16()); m > 0 && d.err == nil {
		r.Conf.DfsSite = make(map[string]string, m)
		for i := 0; i < m && d.err == nil; i++ {
			k := d.str()
			r.Conf.DfsSite[k] = d.str()
		}
	}
	return r, d.err
}

func encWorker(e *enc, w types.WorkerDetail) {
	e.str(w.Host)
	e.u16(uint16(w.DataPort))
	e.u16(uint16(w.ControlPort))
	e.u32(uint32(w.Weight))
	e.str(w.DataCenter)
	e.str(w.Cluster)
}

func decWorker(d *dec) types.WorkerDetail {
	return types.WorkerDetail{
		Host:        d.str(),
		DataPort:    int(d.u16()),
		ControlPort: int(d.u16()),
		Weight:      int(d.u32()),
		DataCenter:  d.str(),
		Cluster:     d.str(),
	}
}

// RegisterWorkerReq announces a worker to the master (master-managed
// deployments; zk deployments register through the registry instead).
type RegisterWorkerReq struct {
	Worker types.WorkerDetail
}

func (r *RegisterWorkerReq) Encode() []byte {
	var e enc
	encWorker(&e, r.Worker)
	return e.b
}

func DecodeRegisterWorkerReq(b []byte) (*RegisterWorkerReq, error) {
	d := dec{b: b}
	r := &RegisterWorkerReq{Worker: decWorker(&d)}
	return r, d.err
}

// WorkerHeartbeatReq refreshes a worker's liveness and load weight.
type WorkerHeartbeatReq struct {
	WorkerID string
	Weight   uint32
}

func (r *WorkerHeartbeatReq) Encode() []byte {
	var e enc
	e.str(r.WorkerID)
	e.u32(r.Weight)
	return e.b
}

func DecodeWorkerHeartbeatReq(b []byte) (*WorkerHeartbeatReq, error) {
	d := dec{b: b}
	r := &WorkerHeartbeatReq{WorkerID: d.str(), Weight: d.u32()}
	return r, d.err
}

// ErrorDetail is the optional reply body accompanying a non-zero status.
type ErrorDetail struct {
	Message string
}

func (r *ErrorDetail) Encode() []byte {
	var e enc
	e.str(r.Message)
	return e.b
}

func DecodeErrorDetail(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	d := dec{b: b}
	return d.str()
}
