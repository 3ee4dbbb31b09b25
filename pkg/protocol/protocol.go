package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/google/uuid"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// Kind identifies a request message on either channel.
type Kind uint8

const (
	KindOpenConnection Kind = iota + 1
	KindSendBlock
	KindFinalizeStage
	KindHealthCheck
	KindGetShuffleWorkers
	KindCancelStage
	KindRegisterWorker
	KindWorkerHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindOpenConnection:
		return "OpenConnection"
	case KindSendBlock:
		return "SendBlock"
	case KindFinalizeStage:
		return "FinalizeStage"
	case KindHealthCheck:
		return "HealthCheck"
	case KindGetShuffleWorkers:
		return "GetShuffleWorkers"
	case KindCancelStage:
		return "CancelStage"
	case KindRegisterWorker:
		return "RegisterWorker"
	case KindWorkerHeartbeat:
		return "WorkerHeartbeat"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ErrorKind is the reply status carried on the wire.
type ErrorKind uint8

const (
	ErrNone ErrorKind = iota
	ErrKindNoShuffleWorkers
	ErrKindNoToken
	ErrKindBackpressure
	ErrKindDuplicateBlock
	ErrKindInputNotReady
	ErrKindDfs
	ErrKindStageAborted
	ErrKindConfig
	ErrKindProtocol
	ErrKindStageClosed
	ErrKindNotLeader
	ErrKindInternal
)

// ToError maps a wire status back to the sentinel the server returned.
func (e ErrorKind) ToError(detail string) error {
	var base error
	switch e {
	case ErrNone:
		return nil
	case ErrKindNoShuffleWorkers:
		base = types.ErrNoShuffleWorkers
	case ErrKindNoToken:
		base = types.ErrNoToken
	case ErrKindBackpressure:
		base = types.ErrBackpressure
	case ErrKindDuplicateBlock:
		base = types.ErrDuplicateBlock
	case ErrKindInputNotReady:
		base = types.ErrInputNotReady
	case ErrKindDfs:
		base = types.ErrDfs
	case ErrKindStageAborted:
		base = types.ErrStageAborted
	case ErrKindConfig:
		base = types.ErrConfig
	case ErrKindProtocol:
		base = types.ErrProtocol
	case ErrKindStageClosed:
		base = types.ErrStageClosed
	case ErrKindNotLeader:
		base = types.ErrNotLeader
	default:
		base = errors.New("internal server error")
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}

// ClassifyError maps a server-side error to its wire status.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrNone
	case errors.Is(err, types.ErrNoShuffleWorkers):
		return ErrKindNoShuffleWorkers
	case errors.Is(err, types.ErrNoToken):
		return ErrKindNoToken
	case errors.Is(err, types.ErrBackpressure):
		return ErrKindBackpressure
	case errors.Is(err, types.ErrDuplicateBlock):
		return ErrKindDuplicateBlock
	case errors.Is(err, types.ErrInputNotReady):
		return ErrKindInputNotReady
	case errors.Is(err, types.ErrDfs):
		return ErrKindDfs
	case errors.Is(err, types.ErrStageAborted):
		return ErrKindStageAborted
	case errors.Is(err, types.ErrConfig):
		return ErrKindConfig
	case errors.Is(err, types.ErrProtocol):
		return ErrKindProtocol
	case errors.Is(err, types.ErrStageClosed):
		return ErrKindStageClosed
	case errors.Is(err, types.ErrNotLeader):
		return ErrKindNotLeader
	}
	return ErrKindInternal
}

// RequestID is the 16-byte id carried on every frame.
type RequestID = uuid.UUID

// NewRequestID returns a fresh request id.
func NewRequestID() RequestID { return uuid.New() }

const (
	headerLen   = 1 + 16 // kind/status + request id
	maxFrameLen = 64 << 20
)

// Frame is a decoded wire frame. Requests put the Kind in the first header
// byte; replies put the ErrorKind there.
type Frame struct {
	Kind   Kind
	Status ErrorKind
	ID     RequestID
	Body   []byte
}

// WriteRequest writes one request frame.
func WriteRequest(w io.Writer, kind Kind, id RequestID, body []byte) error {
	return writeFrame(w, byte(kind), id, body)
}

// WriteResponse writes one reply frame.
func WriteResponse(w io.Writer, status ErrorKind, id RequestID, body []byte) error {
	return writeFrame(w, byte(status), id, body)
}

func writeFrame(w io.Writer, tag byte, id RequestID, body []byte) error {
	hdr := make([]byte, 4+headerLen)
	binary.BigEndian.PutUint32(hdr, uint32(headerLen+len(body)))
	hdr[4] = tag
	copy(hdr[5:], id[:])
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// ReadRequest reads one request frame.
func ReadRequest(r io.Reader) (Frame, error) {
	tag, id, body, err := readFrame(r)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: Kind(tag), ID: id, Body: body}, nil
}

// ReadResponse reads one reply frame.
func ReadResponse(r io.Reader) (Frame, error) {
	tag, id, body, err := readFrame(r)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Status: ErrorKind(tag), ID: id, Body: body}, nil
}

func readFrame(r io.Reader) (byte, RequestID, []byte, error) {
	var id RequestID
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, id, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < headerLen || n > maxFrameLen {
		return 0, id, nil, fmt.Errorf("%w: frame length %d", types.ErrProtocol, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, id, nil, err
	}
	copy(id[:], buf[1:17])
	return buf[0], id, buf[headerLen:], nil
}

// TerminatorSeq marks the end-of-output block a writer emits per
// (mapAttempt, partition) on close. Terminator blocks carry no payload.
const TerminatorSeq = math.MaxUint32

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the crc32c of a block payload.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}

// BlockHeader frames one record block, both on the wire and inside DFS
// part files: [u32 length][u32 crc32c][u32 mapId][u16 mapAttempt][u32 seqNo],
// big-endian, followed by the payload.
type BlockHeader struct {
	Length     uint32
	Crc        uint32
	MapID      uint32
	MapAttempt uint16
	SeqNo      uint32
}

// BlockHeaderLen is the encoded size of a BlockHeader.
const BlockHeaderLen = 4 + 4 + 4 + 2 + 4

// IsTerminator reports whether this block ends its map attempt's output.
func (h BlockHeader) IsTerminator() bool { return h.SeqNo == TerminatorSeq }

// AppendBlock appends a framed block to dst and returns the result.
func AppendBlock(dst []byte, mapID uint32, mapAttempt uint16, seqNo uint32, payload []byte) []byte {
	var hdr [BlockHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:], Checksum(payload))
	binary.BigEndian.PutUint32(hdr[8:], mapID)
	binary.BigEndian.PutUint16(hdr[12:], mapAttempt)
	binary.BigEndian.PutUint32(hdr[14:], seqNo)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// ReadBlock reads one framed block. Returns io.EOF cleanly at end of
// stream and ErrProtocol on a checksum mismatch or truncated frame.
func ReadBlock(r io.Reader) (BlockHeader, []byte, error) {
	var hdr [BlockHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return BlockHeader{}, nil, io.EOF
		}
		return BlockHeader{}, nil, fmt.Errorf("%w: truncated block header: %v", types.ErrProtocol, err)
	}
	h := BlockHeader{
		Length:     binary.BigEndian.Uint32(hdr[0:]),
		Crc:        binary.BigEndian.Uint32(hdr[4:]),
		MapID:      binary.BigEndian.Uint32(hdr[8:]),
		MapAttempt: binary.BigEndian.Uint16(hdr[12:]),
		SeqNo:      binary.BigEndian.Uint32(hdr[14:]),
	}
	if h.Length > maxFrameLen {
		return BlockHeader{}, nil, fmt.Errorf("%w: block length %d", types.ErrProtocol, h.Length)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return BlockHeader{}, nil, fmt.Errorf("%w: truncated block payload: %v", types.ErrProtocol, err)
	}
	if Checksum(payload) != h.Crc {
		return BlockHeader{}, nil, fmt.Errorf("%w: crc mismatch for map %d seq %d", types.ErrProtocol, h.MapID, h.SeqNo)
	}
	return h, payload, nil
}
