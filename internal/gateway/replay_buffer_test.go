package gateway

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func push(rb *ReplayBuffer, from, to int64) {
	for i := from; i <= to; i++ {
		rb.Push(i, []byte(strconv.FormatInt(i, 10)))
	}
}

func TestReplayBuffer_Range(t *testing.T) {
	rb := NewReplayBuffer(100)
	push(rb, 1, 10)

	got := rb.Range(3, 7)
	require.Len(t, got, 5)
	assert.Equal(t, "3", string(got[0]))
	assert.Equal(t, "7", string(got[4]))
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := NewReplayBuffer(5)
	push(rb, 1, 8)

	assert.Equal(t, 5, rb.Len())
	got := rb.Range(1, 10)
	require.Len(t, got, 5)
	assert.Equal(t, "4", string(got[0]), "oldest three evicted")
	assert.Equal(t, "8", string(got[4]))
}

func TestReplayBuffer_Empty(t *testing.T) {
	rb := NewReplayBuffer(0)
	assert.Empty(t, rb.Range(1, 100))
	assert.Equal(t, 0, rb.Len())
}
