package containers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingQueueFIFO(t *testing.T) {
	rq := NewRingQueue[int](3)
	_, err := rq.Peek()
	require.ErrorIs(t, err, ErrQueueEmpty)

	for i := 1; i <= 3; i++ {
		require.NoError(t, rq.Enqueue(i))
	}
	require.True(t, rq.IsFull())
	require.ErrorIs(t, rq.Enqueue(4), ErrQueueFull)

	v, err := rq.Dequeue()
	require.NoError(t, err)
	require.Equal(t, 1, v)
	// The write index wraps around.
	require.NoError(t, rq.Enqueue(4))

	var got []int
	for !rq.IsEmpty() {
		v, err := rq.Dequeue()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Equal(t, []int{2, 3, 4}, got)
	_, err = rq.Dequeue()
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRingQueuePushEvictsOldest(t *testing.T) {
	rq := NewRingQueue[string](2)
	_, evicted := rq.Push("a")
	require.False(t, evicted)
	rq.Push("b")
	old, evicted := rq.Push("c")
	require.True(t, evicted)
	require.Equal(t, "a", old)
	require.Equal(t, 2, rq.Len())
	require.Equal(t, 2, rq.Cap())
	front, err := rq.Peek()
	require.NoError(t, err)
	require.Equal(t, "b", front)
}
