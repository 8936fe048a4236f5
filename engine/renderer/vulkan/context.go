package vulkan

import (
	vk "github.com/goki/vulkan"
)

// VulkanContext is the explicit renderer state threaded through every call. It is
// owned by the renderer and never stored in package level variables.
type VulkanContext struct {
	// The framebuffer's current width.
	FramebufferWidth uint32
	// The framebuffer's current height.
	FramebufferHeight uint32
	// Current generation of framebuffer size. If it does not match FramebufferSizeLastGeneration,
	// the swapchain must be recreated.
	FramebufferSizeGeneration uint64
	// The generation of the framebuffer when it was last created.
	FramebufferSizeLastGeneration uint64

	Instance vk.Instance
	Surface  vk.Surface

	debugMessenger vk.DebugReportCallback

	Device    *VulkanDevice
	Driver    Driver
	Allocator *Allocator

	Swapchain *VulkanSwapchain

	FramesInFlight uint32
	CurrentFrame   uint32
	ImageIndex     uint32
}

// TransferTarget is the pool and queue single-use transfers are recorded on.
func (vc *VulkanContext) TransferTarget() (vk.CommandPool, vk.Queue) {
	return vc.Device.GraphicsCommandPool, vc.Device.GraphicsQueue
}
