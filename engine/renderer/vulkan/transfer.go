package vulkan

import (
	"math"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

type transferSlot struct {
	cb         *VulkanCommandBuffer
	fence      *VulkanFence
	inFlight   bool
	onComplete []func()
}

// TransferArena recycles transfer command buffers keyed by the status of their
// fence, so uploads on hot paths never wait for the queue to drain.
type TransferArena struct {
	context *VulkanContext
	pool    vk.CommandPool
	queue   vk.Queue
	slots   []*transferSlot
}

func NewTransferArena(context *VulkanContext, pool vk.CommandPool, queue vk.Queue) *TransferArena {
	return &TransferArena{
		context: context,
		pool:    pool,
		queue:   queue,
	}
}

// Acquire returns a command buffer in the Recording state.
func (a *TransferArena) Acquire() (*VulkanCommandBuffer, error) {
	a.Collect()

	var slot *transferSlot
	for _, s := range a.slots {
		if !s.inFlight && s.cb.State != COMMAND_BUFFER_STATE_RECORDING {
			slot = s
			break
		}
	}
	if slot == nil {
		cb, err := NewVulkanCommandBuffer(a.context, a.pool, true)
		if err != nil {
			return nil, err
		}
		fence, err := NewFence(a.context, true)
		if err != nil {
			cb.Free(a.context, a.pool)
			return nil, err
		}
		slot = &transferSlot{cb: cb, fence: fence}
		a.slots = append(a.slots, slot)
		core.LogDebug("transfer arena grew to %d command buffers", len(a.slots))
	} else if slot.cb.State != COMMAND_BUFFER_STATE_READY {
		if err := slot.cb.Reset(); err != nil {
			return nil, err
		}
	}

	if err := slot.cb.Begin(true, false, false); err != nil {
		return nil, err
	}
	return slot.cb, nil
}

// Submit ends cb and submits it with its fence. onComplete callbacks run from
// Collect once the GPU has finished with the commands.
func (a *TransferArena) Submit(cb *VulkanCommandBuffer, onComplete ...func()) error {
	slot := a.slotOf(cb)
	if err := core.Assert(slot != nil, "command buffer was not acquired from this transfer arena"); err != nil {
		return err
	}
	if err := cb.End(); err != nil {
		return err
	}
	if err := slot.fence.Reset(); err != nil {
		return err
	}
	if err := cb.Submit(a.queue, SubmitInfo{Fence: slot.fence.Handle}); err != nil {
		return err
	}
	slot.inFlight = true
	slot.onComplete = append(slot.onComplete, onComplete...)
	return nil
}

// Abandon hands back a command buffer from Acquire that will not be submitted. Its
// slot is reset so the next Acquire can reuse it.
func (a *TransferArena) Abandon(cb *VulkanCommandBuffer) error {
	slot := a.slotOf(cb)
	if err := core.Assert(slot != nil && !slot.inFlight, "abandoning a command buffer this transfer arena does not hold"); err != nil {
		return err
	}
	return cb.Reset()
}

// Collect recycles every slot whose fence has signaled and returns how many were
// recycled.
func (a *TransferArena) Collect() int {
	recycled := 0
	for _, s := range a.slots {
		if !s.inFlight || !s.fence.Poll() {
			continue
		}
		a.complete(s)
		recycled++
	}
	return recycled
}

func (a *TransferArena) complete(s *transferSlot) {
	for _, fn := range s.onComplete {
		fn()
	}
	s.onComplete = nil
	s.inFlight = false
}

// WaitAll blocks until every in-flight transfer has finished.
func (a *TransferArena) WaitAll() error {
	for _, s := range a.slots {
		if !s.inFlight {
			continue
		}
		if err := s.fence.Wait(math.MaxUint64); err != nil {
			return err
		}
		a.complete(s)
	}
	return nil
}

func (a *TransferArena) InFlight() int {
	n := 0
	for _, s := range a.slots {
		if s.inFlight {
			n++
		}
	}
	return n
}

func (a *TransferArena) slotOf(cb *VulkanCommandBuffer) *transferSlot {
	for _, s := range a.slots {
		if s.cb == cb {
			return s
		}
	}
	return nil
}

// Destroy waits for outstanding transfers and frees every slot.
func (a *TransferArena) Destroy() error {
	err := a.WaitAll()
	for _, s := range a.slots {
		s.cb.Free(a.context, a.pool)
		s.fence.Destroy()
	}
	a.slots = nil
	return err
}
