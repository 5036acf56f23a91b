package observe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimingCompleteIsSticky(t *testing.T) {
	tm := NewTiming()
	tm.Complete()
	first := tm.CompletedAt
	time.Sleep(time.Millisecond)
	tm.Complete()

	assert.Equal(t, first, tm.CompletedAt)
	assert.Equal(t, first.Sub(tm.StartedAt), tm.Duration())
}

func TestTimingRunningDuration(t *testing.T) {
	tm := &Timing{StartedAt: time.Now().Add(-time.Second)}
	assert.GreaterOrEqual(t, tm.Duration(), time.Second)
}

func TestStagesKeepOrder(t *testing.T) {
	var s Stages
	s.Start("model_load")(false)
	s.Start("invoke")(true)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "model_load", list[0].Stage)
	assert.False(t, list[0].Failed)
	assert.Equal(t, "invoke", list[1].Stage)
	assert.True(t, list[1].Failed)

	list[0].Stage = "changed"
	assert.Equal(t, "model_load", s.List()[0].Stage)
}
