package shuffle

import (
	"encoding/binary"
	"fmt"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// Records travel inside block payloads length-delimited: [u32 len][bytes],
// big-endian, so any block boundary is also a record boundary.

// appendRecord frames one record onto dst.
func appendRecord(dst, rec []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(rec)))
	return append(dst, rec...)
}

// recordLen returns the framed size of a record.
func recordLen(rec []byte) int { return 4 + len(rec) }

// splitRecords decodes a payload of framed records.
func splitRecords(payload []byte) ([][]byte, error) {
	var out [][]byte
	for len(payload) > 0 {
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: truncated record frame", types.ErrProtocol)
		}
		n := int(binary.BigEndian.Uint32(payload))
		payload = payload[4:]
		if len(payload) < n {
			return nil, fmt.Errorf("%w: truncated record body", types.ErrProtocol)
		}
		out = append(out, payload[:n:n])
		payload = payload[n:]
	}
	return out, nil
}

// chunkRecords splits a run of framed records into payloads of at most
// blockSize bytes, cutting only at record boundaries. A single record
// larger than blockSize becomes its own oversized payload.
func chunkRecords(raw []byte, blockSize int) ([][]byte, error) {
	var out [][]byte
	start := 0
	cur := 0
	for cur < len(raw) {
		if len(raw[cur:]) < 4 {
			return nil, fmt.Errorf("%w: truncated record frame", types.ErrProtocol)
		}
		n := 4 + int(binary.BigEndian.Uint32(raw[cur:]))
		if len(raw[cur:]) < n {
			return nil, fmt.Errorf("%w: truncated record body", types.ErrProtocol)
		}
		if cur-start > 0 && cur-start+n > blockSize {
			out = append(out, raw[start:cur:cur])
			start = cur
		}
		cur += n
	}
	if cur > start {
		out = append(out, raw[start:cur:cur])
	}
	return out, nil
}
