package shuffle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettlelinna/shuttle/pkg/protocol"
)

func block(attempt uint16, seq uint32, payload string) fetchedBlock {
	return fetchedBlock{
		hdr: protocol.BlockHeader{
			MapID:      1,
			MapAttempt: attempt,
			SeqNo:      seq,
			Length:     uint32(len(payload)),
		},
		payload: []byte(payload),
	}
}

func terminator(attempt uint16) fetchedBlock {
	return fetchedBlock{hdr: protocol.BlockHeader{MapID: 1, MapAttempt: attempt, SeqNo: protocol.TerminatorSeq}}
}

func TestWinningAttempt(t *testing.T) {
	tests := []struct {
		name     string
		attempts map[uint16][]fetchedBlock
		want     uint16
		none     bool
	}{
		{
			name: "single terminated attempt",
			attempts: map[uint16][]fetchedBlock{
				0: {block(0, 0, "a"), terminator(0)},
			},
			want: 0,
		},
		{
			name: "highest terminated attempt wins",
			attempts: map[uint16][]fetchedBlock{
				0: {block(0, 0, "a"), terminator(0)},
				1: {block(1, 0, "b"), terminator(1)},
			},
			want: 1,
		},
		{
			name: "terminated beats higher unterminated",
			attempts: map[uint16][]fetchedBlock{
				0: {block(0, 0, "a"), terminator(0)},
				1: {block(1, 0, "b"), block(1, 2, "c")}, // gap, no terminator
			},
			want: 0,
		},
		{
			name: "no terminator, contiguous wins",
			attempts: map[uint16][]fetchedBlock{
				0: {block(0, 0, "a"), block(0, 1, "b")},
				1: {block(1, 1, "c")}, // missing seq 0
			},
			want: 0,
		},
		{
			name: "no terminator, highest contiguous wins",
			attempts: map[uint16][]fetchedBlock{
				0: {block(0, 0, "a")},
				1: {block(1, 0, "b"), block(1, 1, "c")},
			},
			want: 1,
		},
		{
			name: "nothing usable",
			attempts: map[uint16][]fetchedBlock{
				0: {block(0, 3, "a")},
			},
			none: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempt, blocks := winningAttempt(tt.attempts)
			if tt.none {
				assert.Nil(t, blocks)
				return
			}
			require.NotNil(t, blocks)
			assert.Equal(t, tt.want, attempt)
		})
	}
}

func TestMergeBlocksDeduplicates(t *testing.T) {
	r := &Reader{}

	rec := func(s string) []byte { return appendRecord(nil, []byte(s)) }
	byMap := map[uint32]map[uint16][]fetchedBlock{
		1: {
			0: {
				{hdr: protocol.BlockHeader{MapID: 1, MapAttempt: 0, SeqNo: 0}, payload: rec("r0")},
				{hdr: protocol.BlockHeader{MapID: 1, MapAttempt: 0, SeqNo: 0}, payload: rec("r0")}, // retry duplicate
				{hdr: protocol.BlockHeader{MapID: 1, MapAttempt: 0, SeqNo: 1}, payload: rec("r1")},
				terminator(0),
			},
		},
	}

	records, err := r.mergeBlocks(byMap)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r0", string(records[0]))
	assert.Equal(t, "r1", string(records[1]))
}

// TestMergeBlocksOrdersBySeq checks per-map-attempt ordering survives
// out-of-order arrival.
func TestMergeBlocksOrdersBySeq(t *testing.T) {
	r := &Reader{}
	rec := func(s string) []byte { return appendRecord(nil, []byte(s)) }
	byMap := map[uint32]map[uint16][]fetchedBlock{
		4: {
			0: {
				{hdr: protocol.BlockHeader{MapID: 4, MapAttempt: 0, SeqNo: 2}, payload: rec("c")},
				{hdr: protocol.BlockHeader{MapID: 4, MapAttempt: 0, SeqNo: 0}, payload: rec("a")},
				{hdr: protocol.BlockHeader{MapID: 4, MapAttempt: 0, SeqNo: 1}, payload: rec("b")},
				{hdr: protocol.BlockHeader{MapID: 4, MapAttempt: 0, SeqNo: protocol.TerminatorSeq}},
			},
		},
	}

	records, err := r.mergeBlocks(byMap)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"a", "b", "c"},
		[]string{string(records[0]), string(records[1]), string(records[2])})
}

func TestMergeBlocksDropsLosingAttempt(t *testing.T) {
	r := &Reader{}
	rec := func(s string) []byte { return appendRecord(nil, []byte(s)) }
	byMap := map[uint32]map[uint16][]fetchedBlock{
		2: {
			0: {
				{hdr: protocol.BlockHeader{MapID: 2, MapAttempt: 0, SeqNo: 0}, payload: rec("stale")},
			},
			1: {
				{hdr: protocol.BlockHeader{MapID: 2, MapAttempt: 1, SeqNo: 0}, payload: rec("fresh")},
				{hdr: protocol.BlockHeader{MapID: 2, MapAttempt: 1, SeqNo: protocol.TerminatorSeq}},
			},
		},
	}

	records, err := r.mergeBlocks(byMap)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fresh", string(records[0]))
}
