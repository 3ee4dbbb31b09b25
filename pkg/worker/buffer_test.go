package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kettlelinna/shuttle/pkg/types"
)

func TestMemoryGovernor(t *testing.T) {
	g := newMemoryGovernor(100, 75)

	assert.True(t, g.admit(80))
	g.add(80)

	// 80 + 50 would cross the threshold: refused, and the governor trips.
	assert.False(t, g.admit(50))

	// Still above low-water: refused even for small payloads.
	assert.False(t, g.admit(1))

	// Drain below low-water: admission resumes.
	g.release(20)
	assert.True(t, g.admit(10))
	g.add(10)
	assert.False(t, g.overHighWater())
}

func TestMemoryGovernorHighWater(t *testing.T) {
	g := newMemoryGovernor(100, 75)
	g.add(150) // transient ack window can overshoot
	assert.True(t, g.overHighWater())
	g.release(100)
	assert.False(t, g.overHighWater())
}

func TestStageStateDedupe(t *testing.T) {
	st := newStageState(types.StageShuffleId{AppID: "a", ShuffleID: 1})

	k := blockKey{mapID: 7, mapAttempt: 0, seqNo: 3}
	assert.True(t, st.observe(k))
	assert.False(t, st.observe(k), "second observation is a duplicate")

	// A different attempt of the same map is a distinct block.
	assert.True(t, st.observe(blockKey{mapID: 7, mapAttempt: 1, seqNo: 3}))
	// A different sequence number too.
	assert.True(t, st.observe(blockKey{mapID: 7, mapAttempt: 0, seqNo: 4}))
}

func TestPartitionLifecycle(t *testing.T) {
	st := newStageState(types.StageShuffleId{AppID: "a", ShuffleID: 1})
	p := st.getPartition(3)
	assert.Same(t, p, st.getPartition(3), "partition is created once")

	grown := p.appendBlock(1, 0, 0, []byte("hello"))
	assert.Greater(t, grown, int64(5))
	assert.Equal(t, stateBuffering, p.state)

	buf := p.take()
	assert.NotNil(t, buf)
	assert.Equal(t, stateFlushing, p.state)
	assert.Nil(t, p.take(), "nothing left after take")

	p.doneFlushing(false)
	assert.Equal(t, stateBuffering, p.state)

	p.doneFlushing(true)
	assert.Equal(t, stateAborted, p.state)
}
