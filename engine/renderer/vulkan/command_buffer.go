package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_IN_RENDER_PASS
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

func (s VulkanCommandBufferState) String() string {
	switch s {
	case COMMAND_BUFFER_STATE_READY:
		return "Ready"
	case COMMAND_BUFFER_STATE_RECORDING:
		return "Recording"
	case COMMAND_BUFFER_STATE_IN_RENDER_PASS:
		return "InRenderPass"
	case COMMAND_BUFFER_STATE_RECORDING_ENDED:
		return "RecordingEnded"
	case COMMAND_BUFFER_STATE_SUBMITTED:
		return "Submitted"
	case COMMAND_BUFFER_STATE_NOT_ALLOCATED:
		return "NotAllocated"
	}
	return "Unknown"
}

type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer
	// Command buffer state.
	State  VulkanCommandBufferState
	driver CommandDriver
}

// SubmitInfo lists what a submission waits on and signals.
type SubmitInfo struct {
	WaitSemaphores   []vk.Semaphore
	WaitStages       []vk.PipelineStageFlags
	SignalSemaphores []vk.Semaphore
	Fence            vk.Fence
}

func (v *VulkanCommandBuffer) require(state VulkanCommandBufferState, op string) error {
	return core.Assert(v.State == state, "%s requires a %s command buffer, state is %s", op, state, v.State)
}

func NewVulkanCommandBuffer(context *VulkanContext, pool vk.CommandPool, isPrimary bool) (*VulkanCommandBuffer, error) {
	vCommandBuffer := &VulkanCommandBuffer{
		State:  COMMAND_BUFFER_STATE_NOT_ALLOCATED,
		driver: context.Driver,
	}

	level := vk.CommandBufferLevelSecondary
	if isPrimary {
		level = vk.CommandBufferLevelPrimary
	}

	handle, res := context.Driver.AllocateCommandBuffer(pool, level)
	if err := vkError(res, "vkAllocateCommandBuffers"); err != nil {
		return nil, err
	}
	vCommandBuffer.Handle = handle
	vCommandBuffer.State = COMMAND_BUFFER_STATE_READY

	return vCommandBuffer, nil
}

func (v *VulkanCommandBuffer) Free(context *VulkanContext, pool vk.CommandPool) {
	if v.Handle != nil {
		context.Driver.FreeCommandBuffer(pool, v.Handle)
	}
	v.Handle = nil
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (v *VulkanCommandBuffer) Begin(isSingleUse, isRenderpassContinue, isSimultaneousUse bool) error {
	if err := v.require(COMMAND_BUFFER_STATE_READY, "Begin"); err != nil {
		return err
	}

	var flags vk.CommandBufferUsageFlags
	if isSingleUse {
		flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if isRenderpassContinue {
		flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageRenderPassContinueBit)
	}
	if isSimultaneousUse {
		flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageSimultaneousUseBit)
	}

	if err := vkError(v.driver.BeginCommandBuffer(v.Handle, flags), "vkBeginCommandBuffer"); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING

	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if err := v.require(COMMAND_BUFFER_STATE_RECORDING, "End"); err != nil {
		return err
	}
	if err := vkError(v.driver.EndCommandBuffer(v.Handle), "vkEndCommandBuffer"); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

// Submit queues the recorded commands.
func (v *VulkanCommandBuffer) Submit(queue vk.Queue, info SubmitInfo) error {
	if err := v.require(COMMAND_BUFFER_STATE_RECORDING_ENDED, "Submit"); err != nil {
		return err
	}
	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{v.Handle},
		WaitSemaphoreCount:   uint32(len(info.WaitSemaphores)),
		PWaitSemaphores:      info.WaitSemaphores,
		PWaitDstStageMask:    info.WaitStages,
		SignalSemaphoreCount: uint32(len(info.SignalSemaphores)),
		PSignalSemaphores:    info.SignalSemaphores,
	}
	if err := vkError(v.driver.QueueSubmit(queue, []vk.SubmitInfo{submitInfo}, info.Fence), "vkQueueSubmit"); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_SUBMITTED
	return nil
}

// Reset returns an allocated buffer to Ready from any state.
func (v *VulkanCommandBuffer) Reset() error {
	if err := core.Assert(v.State != COMMAND_BUFFER_STATE_NOT_ALLOCATED, "Reset on a command buffer that is not allocated"); err != nil {
		return err
	}
	if err := vkError(v.driver.ResetCommandBuffer(v.Handle), "vkResetCommandBuffer"); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_READY
	return nil
}

func (v *VulkanCommandBuffer) beginRenderPass(info *vk.RenderPassBeginInfo) error {
	if err := v.require(COMMAND_BUFFER_STATE_RECORDING, "BeginRenderPass"); err != nil {
		return err
	}
	v.driver.CmdBeginRenderPass(v.Handle, info)
	v.State = COMMAND_BUFFER_STATE_IN_RENDER_PASS
	return nil
}

func (v *VulkanCommandBuffer) endRenderPass() error {
	if err := v.require(COMMAND_BUFFER_STATE_IN_RENDER_PASS, "EndRenderPass"); err != nil {
		return err
	}
	v.driver.CmdEndRenderPass(v.Handle)
	v.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

// IsRecording reports whether commands may be recorded, inside or outside a render pass.
func (v *VulkanCommandBuffer) IsRecording() bool {
	return v.State == COMMAND_BUFFER_STATE_RECORDING || v.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS
}

/**
 * Allocates and begins recording a single use command buffer.
 */
func AllocateAndBeginSingleUse(context *VulkanContext, pool vk.CommandPool) (*VulkanCommandBuffer, error) {
	cb, err := NewVulkanCommandBuffer(context, pool, true)
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(true, false, false); err != nil {
		cb.Free(context, pool)
		return nil, err
	}
	return cb, nil
}

/**
 * Ends recording, submits to and waits for queue operation and frees the provided command buffer.
 */
func (v *VulkanCommandBuffer) EndSingleUse(context *VulkanContext, pool vk.CommandPool, queue vk.Queue) error {
	defer v.Free(context, pool)

	if err := v.End(); err != nil {
		return err
	}
	if err := v.Submit(queue, SubmitInfo{}); err != nil {
		return err
	}
	// TODO: a fence per transfer would let uploads overlap; TransferArena covers the hot paths.
	return vkError(context.Driver.QueueWaitIdle(queue), "vkQueueWaitIdle")
}

// SingleUse records commands through record into a transient command buffer and
// blocks until the queue has executed them.
func SingleUse(context *VulkanContext, pool vk.CommandPool, queue vk.Queue, record func(cb *VulkanCommandBuffer) error) error {
	cb, err := AllocateAndBeginSingleUse(context, pool)
	if err != nil {
		return err
	}
	if err := record(cb); err != nil {
		cb.Free(context, pool)
		return err
	}
	return cb.EndSingleUse(context, pool, queue)
}
