package vulkan

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
)

func TestTransferArenaRecyclesByFence(t *testing.T) {
	driver := newFakeDriver()
	driver.holdFences = true
	context := newTestContext(t, driver)
	pool, queue := context.TransferTarget()
	arena := NewTransferArena(context, pool, queue)

	first, err := arena.Acquire()
	require.NoError(t, err)
	require.Equal(t, COMMAND_BUFFER_STATE_RECORDING, first.State)

	done := 0
	require.NoError(t, arena.Submit(first, func() { done++ }))
	require.Equal(t, 1, arena.InFlight())

	// The first slot is still executing, so a second one is created.
	second, err := arena.Acquire()
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.NoError(t, arena.Submit(second))
	require.Equal(t, 2, arena.InFlight())
	require.Zero(t, done)

	driver.completeAll()
	require.Equal(t, 2, arena.Collect())
	require.Equal(t, 1, done)
	require.Zero(t, arena.InFlight())

	third, err := arena.Acquire()
	require.NoError(t, err)
	require.True(t, third == first || third == second, "completed slots are reused")
	require.Len(t, driver.commandBuffers, 2)

	require.NoError(t, arena.Submit(third))
	require.Error(t, arena.WaitAll(), "held fence times out")
	driver.completeAll()
	require.NoError(t, arena.Destroy())
	require.Empty(t, driver.commandBuffers)
	require.Empty(t, driver.fences)
}

func TestTransferArenaAbandonFreesSlot(t *testing.T) {
	driver := newFakeDriver()
	context := newTestContext(t, driver)
	pool, queue := context.TransferTarget()
	arena := NewTransferArena(context, pool, queue)

	cb, err := arena.Acquire()
	require.NoError(t, err)
	require.NoError(t, arena.Abandon(cb))
	require.Equal(t, COMMAND_BUFFER_STATE_READY, cb.State)
	require.Zero(t, arena.InFlight())

	again, err := arena.Acquire()
	require.NoError(t, err)
	require.Same(t, cb, again, "an abandoned slot is reused")
	require.Len(t, driver.commandBuffers, 1)

	require.NoError(t, arena.Submit(again))
	require.True(t, core.IsAssertion(arena.Abandon(again)), "in-flight slots cannot be abandoned")
	require.True(t, core.IsAssertion(arena.Abandon(recordingBuffer(t, context))))
	require.NoError(t, arena.Destroy())
}

func TestTransferArenaRejectsForeignBuffers(t *testing.T) {
	driver := newFakeDriver()
	context := newTestContext(t, driver)
	pool, queue := context.TransferTarget()
	arena := NewTransferArena(context, pool, queue)

	require.Error(t, arena.Submit(recordingBuffer(t, context)))
}

func TestFenceWaitAndPoll(t *testing.T) {
	driver := newFakeDriver()
	driver.holdFences = true
	context := newTestContext(t, driver)

	fence, err := NewFence(context, false)
	require.NoError(t, err)
	require.False(t, fence.Poll())
	require.Error(t, fence.Wait(10))

	driver.fences[fence.Handle] = true
	require.NoError(t, fence.Wait(10))
	require.True(t, fence.IsSignaled)

	require.NoError(t, fence.Reset())
	require.False(t, fence.IsSignaled)
	require.False(t, driver.fences[fence.Handle])

	fence.Destroy()
	require.Empty(t, driver.fences)
}

func TestDeletionQueueFlushesNewestFirst(t *testing.T) {
	var q DeletionQueue
	var order []int
	for i := 0; i < 3; i++ {
		q.Push(func() error {
			order = append(order, i)
			if i == 1 {
				return errors.New("boom")
			}
			return nil
		})
	}
	require.Equal(t, 3, q.Len())

	err := q.Flush()
	require.Error(t, err)
	require.Equal(t, []int{2, 1, 0}, order, "every deletor runs even after a failure")
	require.Zero(t, q.Len())
	require.NoError(t, q.Flush())
}
