package shuffle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/types"
)

func TestChunkRecordsCutsAtBoundaries(t *testing.T) {
	var raw []byte
	for _, s := range []string{"aaaa", "bbbb", "cccc", "dd"} {
		raw = appendRecord(raw, []byte(s))
	}

	// Each framed record is 4+len bytes; blockSize 10 fits one 8-byte
	// record plus nothing else.
	blocks, err := chunkRecords(raw, 10)
	require.NoError(t, err)
	assert.Len(t, blocks, 4)

	// Every chunk must itself decode cleanly.
	var all []string
	for _, b := range blocks {
		recs, err := splitRecords(b)
		require.NoError(t, err)
		for _, r := range recs {
			all = append(all, string(r))
		}
	}
	assert.Equal(t, []string{"aaaa", "bbbb", "cccc", "dd"}, all)
}

func TestChunkRecordsOversizedRecord(t *testing.T) {
	raw := appendRecord(nil, make([]byte, 100))
	blocks, err := chunkRecords(raw, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Len(t, blocks[0], 104)
}

func TestSplitRecordsTruncated(t *testing.T) {
	raw := appendRecord(nil, []byte("abc"))
	_, err := splitRecords(raw[:len(raw)-1])
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestChooseWriter(t *testing.T) {
	cfg := config.Default()
	cfg.BypassThreshold = 10

	tests := []struct {
		name string
		dep  Dependency
		fix  config.WriterType // forced writerType, empty = auto
		want config.WriterType
	}{
		{
			name: "narrow no combine is bypass",
			dep:  Dependency{NumPartitions: 4},
			want: config.WriterBypass,
		},
		{
			name: "combine disables bypass",
			dep:  Dependency{NumPartitions: 4, MapSideCombine: true, Aggregation: true},
			want: config.WriterSort,
		},
		{
			name: "wide relocatable is unsafe",
			dep:  Dependency{NumPartitions: 100, SerializerRelocatable: true},
			want: config.WriterUnsafe,
		},
		{
			name: "wide with aggregation is sort",
			dep:  Dependency{NumPartitions: 100, SerializerRelocatable: true, Aggregation: true},
			want: config.WriterSort,
		},
		{
			name: "explicit selection wins",
			dep:  Dependency{NumPartitions: 4},
			fix:  config.WriterSort,
			want: config.WriterSort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *cfg
			if tt.fix != "" {
				c.WriterType = tt.fix
			} else {
				c.WriterType = config.WriterAuto
			}
			assert.Equal(t, tt.want, ChooseWriter(tt.dep, &c))
		})
	}
}
