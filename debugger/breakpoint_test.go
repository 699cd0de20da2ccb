package debugger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/luthersystems/stepwise/rewrite"
)

func TestBreakpointStore_AddRemoveIdempotent(t *testing.T) {
	s := NewBreakpointStore()
	assert.False(t, s.Contains(1))

	s.Add(1)
	s.Add(1)
	assert.True(t, s.Contains(1))
	assert.Equal(t, []rewrite.CheckpointID{1}, s.All())

	s.Remove(1)
	s.Remove(1)
	assert.False(t, s.Contains(1))
	assert.Empty(t, s.All())
}

func TestBreakpointStore_AllSorted(t *testing.T) {
	s := NewBreakpointStore()
	s.Add(9)
	s.Add(2)
	s.Add(5)
	assert.Equal(t, []rewrite.CheckpointID{2, 5, 9}, s.All())

	s.Clear()
	assert.Empty(t, s.All())
}
