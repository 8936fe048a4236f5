package vulkan

import (
	"unsafe"

	vk "github.com/goki/vulkan"
)

// MemoryType is one entry of the physical device memory type table, joined with
// the size of the heap it lives in.
type MemoryType struct {
	PropertyFlags vk.MemoryPropertyFlags
	HeapIndex     uint32
	HeapSize      vk.DeviceSize
}

// DeviceLimits holds the physical device limits the resource layers depend on.
type DeviceLimits struct {
	MaxSamplerAnisotropy            float32
	NonCoherentAtomSize             vk.DeviceSize
	MinUniformBufferOffsetAlignment vk.DeviceSize
}

type MemoryDriver interface {
	MemoryTypes() []MemoryType
	AllocateMemory(size vk.DeviceSize, memoryTypeIndex uint32) (vk.DeviceMemory, vk.Result)
	FreeMemory(memory vk.DeviceMemory)
	MapMemory(memory vk.DeviceMemory, offset, size vk.DeviceSize) (unsafe.Pointer, vk.Result)
	UnmapMemory(memory vk.DeviceMemory)
	FlushMemory(memory vk.DeviceMemory, offset, size vk.DeviceSize) vk.Result
}

type ResourceDriver interface {
	CreateBuffer(info *vk.BufferCreateInfo) (vk.Buffer, vk.Result)
	DestroyBuffer(buffer vk.Buffer)
	BufferMemoryRequirements(buffer vk.Buffer) vk.MemoryRequirements
	BindBufferMemory(buffer vk.Buffer, memory vk.DeviceMemory, offset vk.DeviceSize) vk.Result

	CreateImage(info *vk.ImageCreateInfo) (vk.Image, vk.Result)
	DestroyImage(image vk.Image)
	ImageMemoryRequirements(image vk.Image) vk.MemoryRequirements
	BindImageMemory(image vk.Image, memory vk.DeviceMemory, offset vk.DeviceSize) vk.Result

	CreateImageView(info *vk.ImageViewCreateInfo) (vk.ImageView, vk.Result)
	DestroyImageView(view vk.ImageView)
	CreateSampler(info *vk.SamplerCreateInfo) (vk.Sampler, vk.Result)
	DestroySampler(sampler vk.Sampler)

	FormatProperties(format vk.Format) vk.FormatProperties
	Limits() DeviceLimits
}

type CommandDriver interface {
	AllocateCommandBuffer(pool vk.CommandPool, level vk.CommandBufferLevel) (vk.CommandBuffer, vk.Result)
	FreeCommandBuffer(pool vk.CommandPool, commandBuffer vk.CommandBuffer)
	BeginCommandBuffer(commandBuffer vk.CommandBuffer, flags vk.CommandBufferUsageFlags) vk.Result
	EndCommandBuffer(commandBuffer vk.CommandBuffer) vk.Result
	ResetCommandBuffer(commandBuffer vk.CommandBuffer) vk.Result
	QueueSubmit(queue vk.Queue, submits []vk.SubmitInfo, fence vk.Fence) vk.Result
	QueueWaitIdle(queue vk.Queue) vk.Result
	DeviceWaitIdle() vk.Result

	CmdPipelineBarrier(commandBuffer vk.CommandBuffer, srcStage, dstStage vk.PipelineStageFlags, barriers []vk.ImageMemoryBarrier)
	CmdCopyBuffer(commandBuffer vk.CommandBuffer, src, dst vk.Buffer, regions []vk.BufferCopy)
	CmdCopyBufferToImage(commandBuffer vk.CommandBuffer, src vk.Buffer, dst vk.Image, layout vk.ImageLayout, regions []vk.BufferImageCopy)
	CmdBlitImage(commandBuffer vk.CommandBuffer, src vk.Image, srcLayout vk.ImageLayout, dst vk.Image, dstLayout vk.ImageLayout, regions []vk.ImageBlit, filter vk.Filter)
	CmdBeginRenderPass(commandBuffer vk.CommandBuffer, info *vk.RenderPassBeginInfo)
	CmdEndRenderPass(commandBuffer vk.CommandBuffer)
	CmdBindPipeline(commandBuffer vk.CommandBuffer, bindPoint vk.PipelineBindPoint, pipeline vk.Pipeline)
	CmdBindDescriptorSets(commandBuffer vk.CommandBuffer, bindPoint vk.PipelineBindPoint, layout vk.PipelineLayout, firstSet uint32, sets []vk.DescriptorSet)
	CmdBindVertexBuffers(commandBuffer vk.CommandBuffer, buffers []vk.Buffer, offsets []vk.DeviceSize)
	CmdBindIndexBuffer(commandBuffer vk.CommandBuffer, buffer vk.Buffer, offset vk.DeviceSize, indexType vk.IndexType)
	CmdDrawIndexed(commandBuffer vk.CommandBuffer, indexCount, firstIndex uint32)
	CmdSetViewport(commandBuffer vk.CommandBuffer, viewport vk.Viewport)
	CmdSetScissor(commandBuffer vk.CommandBuffer, scissor vk.Rect2D)
	CmdPushConstants(commandBuffer vk.CommandBuffer, layout vk.PipelineLayout, stages vk.ShaderStageFlags, offset uint32, data []byte)
}

type SyncDriver interface {
	CreateFence(signaled bool) (vk.Fence, vk.Result)
	DestroyFence(fence vk.Fence)
	WaitForFence(fence vk.Fence, timeoutNs uint64) vk.Result
	ResetFence(fence vk.Fence) vk.Result
	FenceStatus(fence vk.Fence) vk.Result
	CreateSemaphore() (vk.Semaphore, vk.Result)
	DestroySemaphore(semaphore vk.Semaphore)
}

type DescriptorDriver interface {
	CreateDescriptorPool(info *vk.DescriptorPoolCreateInfo) (vk.DescriptorPool, vk.Result)
	DestroyDescriptorPool(pool vk.DescriptorPool)
	ResetDescriptorPool(pool vk.DescriptorPool) vk.Result
	AllocateDescriptorSet(pool vk.DescriptorPool, layout vk.DescriptorSetLayout) (vk.DescriptorSet, vk.Result)
	UpdateDescriptorSets(writes []vk.WriteDescriptorSet)
	CreateDescriptorSetLayout(info *vk.DescriptorSetLayoutCreateInfo) (vk.DescriptorSetLayout, vk.Result)
	DestroyDescriptorSetLayout(layout vk.DescriptorSetLayout)
}

type SurfaceDriver interface {
	SurfaceCapabilities() (vk.SurfaceCapabilities, vk.Result)
	SurfaceFormats() ([]vk.SurfaceFormat, vk.Result)
	SurfacePresentModes() ([]vk.PresentMode, vk.Result)
	CreateSwapchain(info *vk.SwapchainCreateInfo) (vk.Swapchain, vk.Result)
	DestroySwapchain(swapchain vk.Swapchain)
	SwapchainImages(swapchain vk.Swapchain) ([]vk.Image, vk.Result)
	AcquireNextImage(swapchain vk.Swapchain, timeoutNs uint64, semaphore vk.Semaphore) (uint32, vk.Result)
	QueuePresent(queue vk.Queue, info *vk.PresentInfo) vk.Result
}

type PipelineDriver interface {
	CreateRenderPass(info *vk.RenderPassCreateInfo) (vk.RenderPass, vk.Result)
	DestroyRenderPass(renderPass vk.RenderPass)
	CreateFramebuffer(info *vk.FramebufferCreateInfo) (vk.Framebuffer, vk.Result)
	DestroyFramebuffer(framebuffer vk.Framebuffer)
	CreateShaderModule(code []uint32) (vk.ShaderModule, vk.Result)
	DestroyShaderModule(module vk.ShaderModule)
	CreatePipelineLayout(info *vk.PipelineLayoutCreateInfo) (vk.PipelineLayout, vk.Result)
	DestroyPipelineLayout(layout vk.PipelineLayout)
	CreateGraphicsPipeline(info vk.GraphicsPipelineCreateInfo) (vk.Pipeline, vk.Result)
	DestroyPipeline(pipeline vk.Pipeline)
}

// Driver is every device entry point the renderer uses.
type Driver interface {
	MemoryDriver
	ResourceDriver
	CommandDriver
	SyncDriver
	DescriptorDriver
	SurfaceDriver
	PipelineDriver
}

// vkDriver forwards to goki/vulkan against one logical device and surface.
type vkDriver struct {
	physical vk.PhysicalDevice
	device   vk.Device
	surface  vk.Surface
	types    []MemoryType
	limits   DeviceLimits
}

func NewDriver(device *VulkanDevice, surface vk.Surface) Driver {
	d := &vkDriver{
		physical: device.PhysicalDevice,
		device:   device.LogicalDevice,
		surface:  surface,
	}

	memory := device.Memory
	memory.Deref()
	for i := uint32(0); i < memory.MemoryTypeCount; i++ {
		memory.MemoryTypes[i].Deref()
		heapIndex := memory.MemoryTypes[i].HeapIndex
		memory.MemoryHeaps[heapIndex].Deref()
		d.types = append(d.types, MemoryType{
			PropertyFlags: memory.MemoryTypes[i].PropertyFlags,
			HeapIndex:     heapIndex,
			HeapSize:      memory.MemoryHeaps[heapIndex].Size,
		})
	}

	properties := device.Properties
	properties.Deref()
	properties.Limits.Deref()
	d.limits = DeviceLimits{
		MaxSamplerAnisotropy:            properties.Limits.MaxSamplerAnisotropy,
		NonCoherentAtomSize:             properties.Limits.NonCoherentAtomSize,
		MinUniformBufferOffsetAlignment: properties.Limits.MinUniformBufferOffsetAlignment,
	}
	return d
}

func (d *vkDriver) MemoryTypes() []MemoryType { return d.types }

func (d *vkDriver) AllocateMemory(size vk.DeviceSize, memoryTypeIndex uint32) (vk.DeviceMemory, vk.Result) {
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	}
	var memory vk.DeviceMemory
	res := vk.AllocateMemory(d.device, &info, nil, &memory)
	return memory, res
}

func (d *vkDriver) FreeMemory(memory vk.DeviceMemory) {
	vk.FreeMemory(d.device, memory, nil)
}

func (d *vkDriver) MapMemory(memory vk.DeviceMemory, offset, size vk.DeviceSize) (unsafe.Pointer, vk.Result) {
	var data unsafe.Pointer
	res := vk.MapMemory(d.device, memory, offset, size, 0, &data)
	return data, res
}

func (d *vkDriver) UnmapMemory(memory vk.DeviceMemory) {
	vk.UnmapMemory(d.device, memory)
}

func (d *vkDriver) FlushMemory(memory vk.DeviceMemory, offset, size vk.DeviceSize) vk.Result {
	ranges := []vk.MappedMemoryRange{{
		SType:  vk.StructureTypeMappedMemoryRange,
		Memory: memory,
		Offset: offset,
		Size:   size,
	}}
	return vk.FlushMappedMemoryRanges(d.device, 1, ranges)
}

func (d *vkDriver) CreateBuffer(info *vk.BufferCreateInfo) (vk.Buffer, vk.Result) {
	var buffer vk.Buffer
	res := vk.CreateBuffer(d.device, info, nil, &buffer)
	return buffer, res
}

func (d *vkDriver) DestroyBuffer(buffer vk.Buffer) {
	vk.DestroyBuffer(d.device, buffer, nil)
}

func (d *vkDriver) BufferMemoryRequirements(buffer vk.Buffer) vk.MemoryRequirements {
	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, buffer, &requirements)
	requirements.Deref()
	return requirements
}

func (d *vkDriver) BindBufferMemory(buffer vk.Buffer, memory vk.DeviceMemory, offset vk.DeviceSize) vk.Result {
	return vk.BindBufferMemory(d.device, buffer, memory, offset)
}

func (d *vkDriver) CreateImage(info *vk.ImageCreateInfo) (vk.Image, vk.Result) {
	var image vk.Image
	res := vk.CreateImage(d.device, info, nil, &image)
	return image, res
}

func (d *vkDriver) DestroyImage(image vk.Image) {
	vk.DestroyImage(d.device, image, nil)
}

func (d *vkDriver) ImageMemoryRequirements(image vk.Image) vk.MemoryRequirements {
	var requirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.device, image, &requirements)
	requirements.Deref()
	return requirements
}

func (d *vkDriver) BindImageMemory(image vk.Image, memory vk.DeviceMemory, offset vk.DeviceSize) vk.Result {
	return vk.BindImageMemory(d.device, image, memory, offset)
}

func (d *vkDriver) CreateImageView(info *vk.ImageViewCreateInfo) (vk.ImageView, vk.Result) {
	var view vk.ImageView
	res := vk.CreateImageView(d.device, info, nil, &view)
	return view, res
}

func (d *vkDriver) DestroyImageView(view vk.ImageView) {
	vk.DestroyImageView(d.device, view, nil)
}

func (d *vkDriver) CreateSampler(info *vk.SamplerCreateInfo) (vk.Sampler, vk.Result) {
	var sampler vk.Sampler
	res := vk.CreateSampler(d.device, info, nil, &sampler)
	return sampler, res
}

func (d *vkDriver) DestroySampler(sampler vk.Sampler) {
	vk.DestroySampler(d.device, sampler, nil)
}

func (d *vkDriver) FormatProperties(format vk.Format) vk.FormatProperties {
	var properties vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(d.physical, format, &properties)
	properties.Deref()
	return properties
}

func (d *vkDriver) Limits() DeviceLimits { return d.limits }

func (d *vkDriver) AllocateCommandBuffer(pool vk.CommandPool, level vk.CommandBufferLevel) (vk.CommandBuffer, vk.Result) {
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		CommandBufferCount: 1,
		Level:              level,
	}
	buffers := make([]vk.CommandBuffer, 1)
	res := vk.AllocateCommandBuffers(d.device, &info, buffers)
	return buffers[0], res
}

func (d *vkDriver) FreeCommandBuffer(pool vk.CommandPool, commandBuffer vk.CommandBuffer) {
	vk.FreeCommandBuffers(d.device, pool, 1, []vk.CommandBuffer{commandBuffer})
}

func (d *vkDriver) BeginCommandBuffer(commandBuffer vk.CommandBuffer, flags vk.CommandBufferUsageFlags) vk.Result {
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: flags,
	}
	return vk.BeginCommandBuffer(commandBuffer, &info)
}

func (d *vkDriver) EndCommandBuffer(commandBuffer vk.CommandBuffer) vk.Result {
	return vk.EndCommandBuffer(commandBuffer)
}

func (d *vkDriver) ResetCommandBuffer(commandBuffer vk.CommandBuffer) vk.Result {
	return vk.ResetCommandBuffer(commandBuffer, 0)
}

func (d *vkDriver) QueueSubmit(queue vk.Queue, submits []vk.SubmitInfo, fence vk.Fence) vk.Result {
	return vk.QueueSubmit(queue, uint32(len(submits)), submits, fence)
}

func (d *vkDriver) QueueWaitIdle(queue vk.Queue) vk.Result {
	return vk.QueueWaitIdle(queue)
}

func (d *vkDriver) DeviceWaitIdle() vk.Result {
	return vk.DeviceWaitIdle(d.device)
}

func (d *vkDriver) CmdPipelineBarrier(commandBuffer vk.CommandBuffer, srcStage, dstStage vk.PipelineStageFlags, barriers []vk.ImageMemoryBarrier) {
	vk.CmdPipelineBarrier(commandBuffer, srcStage, dstStage, 0, 0, nil, 0, nil, uint32(len(barriers)), barriers)
}

func (d *vkDriver) CmdCopyBuffer(commandBuffer vk.CommandBuffer, src, dst vk.Buffer, regions []vk.BufferCopy) {
	vk.CmdCopyBuffer(commandBuffer, src, dst, uint32(len(regions)), regions)
}

func (d *vkDriver) CmdCopyBufferToImage(commandBuffer vk.CommandBuffer, src vk.Buffer, dst vk.Image, layout vk.ImageLayout, regions []vk.BufferImageCopy) {
	vk.CmdCopyBufferToImage(commandBuffer, src, dst, layout, uint32(len(regions)), regions)
}

func (d *vkDriver) CmdBlitImage(commandBuffer vk.CommandBuffer, src vk.Image, srcLayout vk.ImageLayout, dst vk.Image, dstLayout vk.ImageLayout, regions []vk.ImageBlit, filter vk.Filter) {
	vk.CmdBlitImage(commandBuffer, src, srcLayout, dst, dstLayout, uint32(len(regions)), regions, filter)
}

func (d *vkDriver) CmdBeginRenderPass(commandBuffer vk.CommandBuffer, info *vk.RenderPassBeginInfo) {
	vk.CmdBeginRenderPass(commandBuffer, info, vk.SubpassContentsInline)
}

func (d *vkDriver) CmdEndRenderPass(commandBuffer vk.CommandBuffer) {
	vk.CmdEndRenderPass(commandBuffer)
}

func (d *vkDriver) CmdBindPipeline(commandBuffer vk.CommandBuffer, bindPoint vk.PipelineBindPoint, pipeline vk.Pipeline) {
	vk.CmdBindPipeline(commandBuffer, bindPoint, pipeline)
}

func (d *vkDriver) CmdBindDescriptorSets(commandBuffer vk.CommandBuffer, bindPoint vk.PipelineBindPoint, layout vk.PipelineLayout, firstSet uint32, sets []vk.DescriptorSet) {
	vk.CmdBindDescriptorSets(commandBuffer, bindPoint, layout, firstSet, uint32(len(sets)), sets, 0, nil)
}

func (d *vkDriver) CmdBindVertexBuffers(commandBuffer vk.CommandBuffer, buffers []vk.Buffer, offsets []vk.DeviceSize) {
	vk.CmdBindVertexBuffers(commandBuffer, 0, uint32(len(buffers)), buffers, offsets)
}

func (d *vkDriver) CmdBindIndexBuffer(commandBuffer vk.CommandBuffer, buffer vk.Buffer, offset vk.DeviceSize, indexType vk.IndexType) {
	vk.CmdBindIndexBuffer(commandBuffer, buffer, offset, indexType)
}

func (d *vkDriver) CmdDrawIndexed(commandBuffer vk.CommandBuffer, indexCount, firstIndex uint32) {
	vk.CmdDrawIndexed(commandBuffer, indexCount, 1, firstIndex, 0, 0)
}

func (d *vkDriver) CmdSetViewport(commandBuffer vk.CommandBuffer, viewport vk.Viewport) {
	vk.CmdSetViewport(commandBuffer, 0, 1, []vk.Viewport{viewport})
}

func (d *vkDriver) CmdSetScissor(commandBuffer vk.CommandBuffer, scissor vk.Rect2D) {
	vk.CmdSetScissor(commandBuffer, 0, 1, []vk.Rect2D{scissor})
}

func (d *vkDriver) CmdPushConstants(commandBuffer vk.CommandBuffer, layout vk.PipelineLayout, stages vk.ShaderStageFlags, offset uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	vk.CmdPushConstants(commandBuffer, layout, stages, offset, uint32(len(data)), unsafe.Pointer(&data[0]))
}

func (d *vkDriver) CreateFence(signaled bool) (vk.Fence, vk.Result) {
	info := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	res := vk.CreateFence(d.device, &info, nil, &fence)
	return fence, res
}

func (d *vkDriver) DestroyFence(fence vk.Fence) {
	vk.DestroyFence(d.device, fence, nil)
}

func (d *vkDriver) WaitForFence(fence vk.Fence, timeoutNs uint64) vk.Result {
	return vk.WaitForFences(d.device, 1, []vk.Fence{fence}, vk.True, timeoutNs)
}

func (d *vkDriver) ResetFence(fence vk.Fence) vk.Result {
	return vk.ResetFences(d.device, 1, []vk.Fence{fence})
}

func (d *vkDriver) FenceStatus(fence vk.Fence) vk.Result {
	return vk.GetFenceStatus(d.device, fence)
}

func (d *vkDriver) CreateSemaphore() (vk.Semaphore, vk.Result) {
	info := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var semaphore vk.Semaphore
	res := vk.CreateSemaphore(d.device, &info, nil, &semaphore)
	return semaphore, res
}

func (d *vkDriver) DestroySemaphore(semaphore vk.Semaphore) {
	vk.DestroySemaphore(d.device, semaphore, nil)
}

func (d *vkDriver) CreateDescriptorPool(info *vk.DescriptorPoolCreateInfo) (vk.DescriptorPool, vk.Result) {
	var pool vk.DescriptorPool
	res := vk.CreateDescriptorPool(d.device, info, nil, &pool)
	return pool, res
}

func (d *vkDriver) DestroyDescriptorPool(pool vk.DescriptorPool) {
	vk.DestroyDescriptorPool(d.device, pool, nil)
}

func (d *vkDriver) ResetDescriptorPool(pool vk.DescriptorPool) vk.Result {
	return vk.ResetDescriptorPool(d.device, pool, 0)
}

func (d *vkDriver) AllocateDescriptorSet(pool vk.DescriptorPool, layout vk.DescriptorSetLayout) (vk.DescriptorSet, vk.Result) {
	info := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{layout},
	}
	var set vk.DescriptorSet
	res := vk.AllocateDescriptorSets(d.device, &info, &set)
	return set, res
}

func (d *vkDriver) UpdateDescriptorSets(writes []vk.WriteDescriptorSet) {
	vk.UpdateDescriptorSets(d.device, uint32(len(writes)), writes, 0, nil)
}

func (d *vkDriver) CreateDescriptorSetLayout(info *vk.DescriptorSetLayoutCreateInfo) (vk.DescriptorSetLayout, vk.Result) {
	var layout vk.DescriptorSetLayout
	res := vk.CreateDescriptorSetLayout(d.device, info, nil, &layout)
	return layout, res
}

func (d *vkDriver) DestroyDescriptorSetLayout(layout vk.DescriptorSetLayout) {
	vk.DestroyDescriptorSetLayout(d.device, layout, nil)
}

func (d *vkDriver) SurfaceCapabilities() (vk.SurfaceCapabilities, vk.Result) {
	var capabilities vk.SurfaceCapabilities
	res := vk.GetPhysicalDeviceSurfaceCapabilities(d.physical, d.surface, &capabilities)
	capabilities.Deref()
	capabilities.CurrentExtent.Deref()
	capabilities.MinImageExtent.Deref()
	capabilities.MaxImageExtent.Deref()
	return capabilities, res
}

func (d *vkDriver) SurfaceFormats() ([]vk.SurfaceFormat, vk.Result) {
	var count uint32
	if res := vk.GetPhysicalDeviceSurfaceFormats(d.physical, d.surface, &count, nil); res != vk.Success {
		return nil, res
	}
	formats := make([]vk.SurfaceFormat, count)
	res := vk.GetPhysicalDeviceSurfaceFormats(d.physical, d.surface, &count, formats)
	for i := range formats {
		formats[i].Deref()
	}
	return formats, res
}

func (d *vkDriver) SurfacePresentModes() ([]vk.PresentMode, vk.Result) {
	var count uint32
	if res := vk.GetPhysicalDeviceSurfacePresentModes(d.physical, d.surface, &count, nil); res != vk.Success {
		return nil, res
	}
	modes := make([]vk.PresentMode, count)
	res := vk.GetPhysicalDeviceSurfacePresentModes(d.physical, d.surface, &count, modes)
	return modes, res
}

func (d *vkDriver) CreateSwapchain(info *vk.SwapchainCreateInfo) (vk.Swapchain, vk.Result) {
	info.Surface = d.surface
	var swapchain vk.Swapchain
	res := vk.CreateSwapchain(d.device, info, nil, &swapchain)
	return swapchain, res
}

func (d *vkDriver) DestroySwapchain(swapchain vk.Swapchain) {
	vk.DestroySwapchain(d.device, swapchain, nil)
}

func (d *vkDriver) SwapchainImages(swapchain vk.Swapchain) ([]vk.Image, vk.Result) {
	var count uint32
	if res := vk.GetSwapchainImages(d.device, swapchain, &count, nil); res != vk.Success {
		return nil, res
	}
	images := make([]vk.Image, count)
	res := vk.GetSwapchainImages(d.device, swapchain, &count, images)
	return images, res
}

func (d *vkDriver) AcquireNextImage(swapchain vk.Swapchain, timeoutNs uint64, semaphore vk.Semaphore) (uint32, vk.Result) {
	var index uint32
	res := vk.AcquireNextImage(d.device, swapchain, timeoutNs, semaphore, vk.NullFence, &index)
	return index, res
}

func (d *vkDriver) QueuePresent(queue vk.Queue, info *vk.PresentInfo) vk.Result {
	return vk.QueuePresent(queue, info)
}

func (d *vkDriver) CreateRenderPass(info *vk.RenderPassCreateInfo) (vk.RenderPass, vk.Result) {
	var renderPass vk.RenderPass
	res := vk.CreateRenderPass(d.device, info, nil, &renderPass)
	return renderPass, res
}

func (d *vkDriver) DestroyRenderPass(renderPass vk.RenderPass) {
	vk.DestroyRenderPass(d.device, renderPass, nil)
}

func (d *vkDriver) CreateFramebuffer(info *vk.FramebufferCreateInfo) (vk.Framebuffer, vk.Result) {
	var framebuffer vk.Framebuffer
	res := vk.CreateFramebuffer(d.device, info, nil, &framebuffer)
	return framebuffer, res
}

func (d *vkDriver) DestroyFramebuffer(framebuffer vk.Framebuffer) {
	vk.DestroyFramebuffer(d.device, framebuffer, nil)
}

// shaderModuleInfo describes SPIR-V words. CodeSize is in bytes.
func shaderModuleInfo(code []uint32) vk.ShaderModuleCreateInfo {
	return vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code) * 4),
		PCode:    code,
	}
}

func (d *vkDriver) CreateShaderModule(code []uint32) (vk.ShaderModule, vk.Result) {
	info := shaderModuleInfo(code)
	var module vk.ShaderModule
	res := vk.CreateShaderModule(d.device, &info, nil, &module)
	return module, res
}

func (d *vkDriver) DestroyShaderModule(module vk.ShaderModule) {
	vk.DestroyShaderModule(d.device, module, nil)
}

func (d *vkDriver) CreatePipelineLayout(info *vk.PipelineLayoutCreateInfo) (vk.PipelineLayout, vk.Result) {
	var layout vk.PipelineLayout
	res := vk.CreatePipelineLayout(d.device, info, nil, &layout)
	return layout, res
}

func (d *vkDriver) DestroyPipelineLayout(layout vk.PipelineLayout) {
	vk.DestroyPipelineLayout(d.device, layout, nil)
}

func (d *vkDriver) CreateGraphicsPipeline(info vk.GraphicsPipelineCreateInfo) (vk.Pipeline, vk.Result) {
	pipelines := make([]vk.Pipeline, 1)
	res := vk.CreateGraphicsPipelines(d.device, vk.NullPipelineCache, 1, []vk.GraphicsPipelineCreateInfo{info}, nil, pipelines)
	return pipelines[0], res
}

func (d *vkDriver) DestroyPipeline(pipeline vk.Pipeline) {
	vk.DestroyPipeline(d.device, pipeline, nil)
}
