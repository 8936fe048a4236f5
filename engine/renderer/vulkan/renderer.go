package vulkan

import (
	"math"
	"slices"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/lumen/engine/core"
)

// FrameContext is what a scene records against during one frame.
type FrameContext struct {
	Context       *VulkanContext
	CommandBuffer *VulkanCommandBuffer
	// Descriptors is cleared at the start of the frame. Sets allocated from it are
	// valid until this frame slot comes around again.
	Descriptors *DescriptorAllocator
	Layouts     *DescriptorLayoutCache
	// Deletion releases resources once this frame slot's fence has been waited on.
	Deletion    *DeletionQueue
	FrameIndex  uint32
	ImageIndex  uint32
	FrameNumber uint64
	Extent      vk.Extent2D
	Depth       *DepthAttachment
	GBuffer     *GBuffer
}

// Scene is the external catalogue the renderer draws each frame.
type Scene interface {
	RecordDepth(frame *FrameContext) error
	RecordColor(frame *FrameContext) error
}

// PipelineBuilder creates a pipeline against the renderer's passes.
type PipelineBuilder func(context *VulkanContext, passes *RenderPasses) (*VulkanPipeline, error)

// ManagedPipeline is a pipeline the renderer rebuilds when one of its shaders changes.
type ManagedPipeline struct {
	Pipeline *VulkanPipeline
	shaders  []string
	build    PipelineBuilder
}

type RenderPasses struct {
	Depth *VulkanRenderpass
	Color *VulkanRenderpass
}

type frameData struct {
	commandBuffer  *VulkanCommandBuffer
	imageAvailable vk.Semaphore
	renderFinished vk.Semaphore
	inFlight       *VulkanFence
	deletion       DeletionQueue
}

type VulkanRenderer struct {
	context *VulkanContext
	config  core.RendererConfig

	FrameNumber uint64

	frames      []*frameData
	descriptors *FrameDescriptors
	layouts     *DescriptorLayoutCache
	transfers   *TransferArena

	depth   *DepthAttachment
	gbuffer *GBuffer
	passes  RenderPasses

	depthFramebuffer  *VulkanFramebuffer
	colorFramebuffers []*VulkanFramebuffer
	recreated         uuid.UUID

	pipelines     []*ManagedPipeline
	shaderChanges <-chan string

	surface Surface
}

// NewVulkanRenderer brings up the instance, device and allocator for surface and
// then every per-frame resource.
func NewVulkanRenderer(surface Surface, appName string, config core.RendererConfig) (*VulkanRenderer, error) {
	context := &VulkanContext{}
	context.FramebufferWidth, context.FramebufferHeight = surface.FramebufferSize()

	instance, callback, err := CreateInstance(surface, appName, config.Validation)
	if err != nil {
		return nil, err
	}
	context.Instance = instance
	context.debugMessenger = callback

	vr := &VulkanRenderer{context: context, config: config, surface: surface}

	context.Surface, err = surface.CreateSurface(instance)
	if err != nil {
		vr.destroyInstance()
		return nil, errors.Wrap(err, "creating surface")
	}
	core.LogDebug("Vulkan surface created.")

	context.Device, err = DeviceCreate(instance, context.Surface, DefaultDeviceRequirements())
	if err != nil {
		vr.destroyInstance()
		return nil, err
	}
	context.Driver = NewDriver(context.Device, context.Surface)

	context.Allocator, err = NewAllocator(context.Driver, vk.DeviceSize(config.MemoryBlockSizeMB)<<20)
	if err != nil {
		vr.destroyInstance()
		return nil, err
	}

	if err := vr.initResources(); err != nil {
		_ = vr.Shutdown()
		return nil, err
	}
	core.LogInfo("Vulkan renderer initialized successfully.")
	return vr, nil
}

// NewVulkanRendererWithContext builds the per-frame resources on a context whose
// device, driver and allocator already exist.
func NewVulkanRendererWithContext(context *VulkanContext, config core.RendererConfig) (*VulkanRenderer, error) {
	vr := &VulkanRenderer{context: context, config: config}
	if err := vr.initResources(); err != nil {
		_ = vr.Shutdown()
		return nil, err
	}
	return vr, nil
}

func (vr *VulkanRenderer) initResources() error {
	context := vr.context
	context.FramesInFlight = max(vr.config.FramesInFlight, 1)
	context.CurrentFrame = 0

	sc, err := NewSwapchain(context, context.FramebufferWidth, context.FramebufferHeight, vr.config.PreferMailbox)
	if err != nil {
		return errors.Wrap(err, "creating swapchain")
	}
	context.Swapchain = sc

	if vr.depth, err = NewDepthAttachment(context, sc); err != nil {
		return err
	}
	if vr.gbuffer, err = NewGBuffer(context, sc); err != nil {
		return err
	}

	if vr.passes.Depth, err = NewDepthRenderpass(context, vr.depth.Format); err != nil {
		return err
	}
	gbufferFormats := []vk.Format{GBUFFER_NORMAL_FORMAT, GBUFFER_ALBEDO_FORMAT}
	if vr.passes.Color, err = NewColorRenderpass(context, sc.ImageFormat.Format, gbufferFormats, vr.depth.Format); err != nil {
		return err
	}
	if err := vr.createFramebuffers(); err != nil {
		return err
	}
	// Registered after the attachments so their images are resized first.
	vr.recreated = sc.OnRecreate(func(context *VulkanContext) error {
		vr.destroyFramebuffers()
		return vr.createFramebuffers()
	})

	sets := ConditionalOperator(vr.config.DescriptorSetsPerPool == 0, uint32(1000), vr.config.DescriptorSetsPerPool)
	if vr.descriptors, err = NewFrameDescriptors(context.Driver, context.FramesInFlight, sets, DEFAULT_POOL_RATIOS); err != nil {
		return err
	}
	vr.layouts = NewDescriptorLayoutCache(context.Driver)

	pool, queue := context.TransferTarget()
	vr.transfers = NewTransferArena(context, pool, queue)

	for i := uint32(0); i < context.FramesInFlight; i++ {
		frame, err := vr.createFrame()
		if err != nil {
			return errors.Wrapf(err, "frame %d", i)
		}
		vr.frames = append(vr.frames, frame)
	}
	return nil
}

func (vr *VulkanRenderer) createFrame() (*frameData, error) {
	context := vr.context
	frame := &frameData{}
	var err error
	if frame.commandBuffer, err = NewVulkanCommandBuffer(context, context.Device.GraphicsCommandPool, true); err != nil {
		return nil, err
	}
	var res vk.Result
	if frame.imageAvailable, res = context.Driver.CreateSemaphore(); !VulkanResultIsSuccess(res) {
		return nil, vkError(res, "vkCreateSemaphore")
	}
	if frame.renderFinished, res = context.Driver.CreateSemaphore(); !VulkanResultIsSuccess(res) {
		return nil, vkError(res, "vkCreateSemaphore")
	}
	// Signaled so the first wait on this slot returns immediately.
	if frame.inFlight, err = NewFence(context, true); err != nil {
		return nil, err
	}
	return frame, nil
}

func (vr *VulkanRenderer) createFramebuffers() error {
	context := vr.context
	extent := context.Swapchain.Extent

	fb, err := NewFramebuffer(context, vr.passes.Depth, extent.Width, extent.Height, []vk.ImageView{vr.depth.Image.View})
	if err != nil {
		return err
	}
	vr.depthFramebuffer = fb

	vr.colorFramebuffers = make([]*VulkanFramebuffer, 0, len(context.Swapchain.Views))
	for _, view := range context.Swapchain.Views {
		attachments := []vk.ImageView{view}
		for _, target := range vr.gbuffer.Targets() {
			attachments = append(attachments, target.View)
		}
		attachments = append(attachments, vr.depth.Image.View)
		fb, err := NewFramebuffer(context, vr.passes.Color, extent.Width, extent.Height, attachments)
		if err != nil {
			return err
		}
		vr.colorFramebuffers = append(vr.colorFramebuffers, fb)
	}
	return nil
}

func (vr *VulkanRenderer) destroyFramebuffers() {
	if vr.depthFramebuffer != nil {
		vr.depthFramebuffer.Destroy(vr.context)
		vr.depthFramebuffer = nil
	}
	for _, fb := range vr.colorFramebuffers {
		fb.Destroy(vr.context)
	}
	vr.colorFramebuffers = nil
}

func (vr *VulkanRenderer) Context() *VulkanContext {
	return vr.context
}

func (vr *VulkanRenderer) Passes() *RenderPasses {
	return &vr.passes
}

func (vr *VulkanRenderer) Layouts() *DescriptorLayoutCache {
	return vr.layouts
}

func (vr *VulkanRenderer) Transfers() *TransferArena {
	return vr.transfers
}

// Resized records a new framebuffer size. The swapchain is rebuilt on the next frame.
func (vr *VulkanRenderer) Resized(width, height uint32) {
	vr.context.FramebufferWidth = width
	vr.context.FramebufferHeight = height
	vr.context.FramebufferSizeGeneration++
	core.LogDebug("Vulkan renderer resized: w/h/gen: %d/%d/%d", width, height, vr.context.FramebufferSizeGeneration)
}

// CreatePipeline builds a pipeline that is rebuilt whenever one of shaders changes.
func (vr *VulkanRenderer) CreatePipeline(shaders []string, build PipelineBuilder) (*ManagedPipeline, error) {
	pipeline, err := build(vr.context, &vr.passes)
	if err != nil {
		return nil, err
	}
	managed := &ManagedPipeline{Pipeline: pipeline, shaders: slices.Clone(shaders), build: build}
	vr.pipelines = append(vr.pipelines, managed)
	return managed, nil
}

// WatchShaders makes the renderer rebuild pipelines for every shader name received
// on changes. The channel is drained at frame start without blocking.
func (vr *VulkanRenderer) WatchShaders(changes <-chan string) {
	vr.shaderChanges = changes
}

func (vr *VulkanRenderer) drainShaderChanges() []string {
	var changed []string
	if vr.shaderChanges == nil {
		return nil
	}
	for {
		select {
		case name, ok := <-vr.shaderChanges:
			if !ok {
				vr.shaderChanges = nil
				return changed
			}
			if !slices.Contains(changed, name) {
				changed = append(changed, name)
			}
		default:
			return changed
		}
	}
}

// reloadPipelines rebuilds pipelines using any changed shader. A failed rebuild keeps
// the old pipeline. Replaced pipelines are retired through deletion.
func (vr *VulkanRenderer) reloadPipelines(deletion *DeletionQueue) int {
	changed := vr.drainShaderChanges()
	if len(changed) == 0 {
		return 0
	}
	reloaded := 0
	for _, managed := range vr.pipelines {
		if !slices.ContainsFunc(managed.shaders, func(s string) bool { return slices.Contains(changed, s) }) {
			continue
		}
		pipeline, err := managed.build(vr.context, &vr.passes)
		if err != nil {
			core.LogError("rebuilding pipeline %s: %s", managed.Pipeline.Name, err)
			continue
		}
		old := managed.Pipeline
		deletion.Push(func() error {
			old.Destroy(vr.context)
			return nil
		})
		managed.Pipeline = pipeline
		reloaded++
		core.LogInfo("pipeline %s reloaded", pipeline.Name)
	}
	return reloaded
}

func (vr *VulkanRenderer) setViewport(cb *VulkanCommandBuffer, extent vk.Extent2D) {
	// Flip Y so +Y is up in clip space.
	cb.driver.CmdSetViewport(cb.Handle, vk.Viewport{
		X:        0,
		Y:        float32(extent.Height),
		Width:    float32(extent.Width),
		Height:   -float32(extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	})
	cb.driver.CmdSetScissor(cb.Handle, vk.Rect2D{Extent: extent})
}

func (vr *VulkanRenderer) swapchainBarrier(cb *VulkanCommandBuffer, oldLayout, newLayout vk.ImageLayout) {
	image := vr.context.Swapchain.Images[vr.context.ImageIndex]
	barrier, src, dst := LayoutBarrier(image, vk.ImageAspectFlags(vk.ImageAspectColorBit), oldLayout, newLayout, 0, 1, 1)
	if oldLayout == vk.ImageLayoutUndefined {
		barrier, src, dst = AcquireBarrier(image)
	}
	cb.driver.CmdPipelineBarrier(cb.Handle, src, dst, []vk.ImageMemoryBarrier{barrier})
}

// DrawFrame renders and presents one frame of scene. It returns nil without drawing
// when the frame is skipped for a swapchain rebuild or a minimized window.
func (vr *VulkanRenderer) DrawFrame(scene Scene) error {
	context := vr.context
	sc := context.Swapchain

	if context.FramebufferSizeGeneration != context.FramebufferSizeLastGeneration {
		sc.MarkForRecreation()
	}
	if sc.NeedsRecreation() {
		recreated, err := sc.RecreateIfNeeded(context)
		if errors.Is(err, core.ErrSwapchainBooting) {
			// Minimized, nothing to draw into.
			return nil
		}
		if err != nil {
			return err
		}
		if recreated {
			core.LogDebug("Resized, booting.")
			return nil
		}
	}

	frame := vr.frames[context.CurrentFrame]
	if err := frame.inFlight.Wait(math.MaxUint64); err != nil {
		return errors.Wrap(err, "in-flight fence wait")
	}
	// The GPU is done with everything this slot referenced.
	if err := frame.deletion.Flush(); err != nil {
		core.LogError("deferred deletion: %s", err)
	}
	vr.transfers.Collect()
	vr.reloadPipelines(&frame.deletion)

	imageIndex, err := sc.AcquireNextImage(context, math.MaxUint64, frame.imageAvailable)
	if errors.Is(err, core.ErrSwapchainOutOfDate) {
		return nil
	}
	if err != nil {
		return err
	}
	context.ImageIndex = imageIndex

	cb, err := vr.recordFrame(frame, scene, imageIndex)
	if err != nil {
		vr.abandonFrame(frame)
		return err
	}

	// Only reset once work is certain to be submitted with this fence.
	if err := frame.inFlight.Reset(); err != nil {
		vr.abandonFrame(frame)
		return err
	}
	if err := cb.Submit(context.Device.GraphicsQueue, SubmitInfo{
		WaitSemaphores:   []vk.Semaphore{frame.imageAvailable},
		WaitStages:       []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)},
		SignalSemaphores: []vk.Semaphore{frame.renderFinished},
		Fence:            frame.inFlight.Handle,
	}); err != nil {
		vr.abandonFrame(frame)
		return err
	}

	if err := sc.Present(context, context.Device.PresentQueue, frame.renderFinished, imageIndex); err != nil {
		return err
	}

	context.CurrentFrame = (context.CurrentFrame + 1) % context.FramesInFlight
	vr.FrameNumber++
	return nil
}

// recordFrame clears the slot's descriptors and records the whole frame into its
// command buffer, which is left ended and ready to submit.
func (vr *VulkanRenderer) recordFrame(frame *frameData, scene Scene, imageIndex uint32) (*VulkanCommandBuffer, error) {
	context := vr.context
	descriptors := vr.descriptors.Frame(context.CurrentFrame)
	if err := descriptors.ClearPools(); err != nil {
		return nil, err
	}

	cb := frame.commandBuffer
	if err := cb.Reset(); err != nil {
		return nil, err
	}
	if err := cb.Begin(false, false, false); err != nil {
		return nil, err
	}

	fc := &FrameContext{
		Context:       context,
		CommandBuffer: cb,
		Descriptors:   descriptors,
		Layouts:       vr.layouts,
		Deletion:      &frame.deletion,
		FrameIndex:    context.CurrentFrame,
		ImageIndex:    imageIndex,
		FrameNumber:   vr.FrameNumber,
		Extent:        context.Swapchain.Extent,
		Depth:         vr.depth,
		GBuffer:       vr.gbuffer,
	}
	if err := vr.record(fc, scene); err != nil {
		return nil, err
	}
	if err := cb.End(); err != nil {
		return nil, err
	}
	return cb, nil
}

// abandonFrame is called when nothing was submitted after a successful acquire.
// An empty batch consumes the acquire semaphore and signals the in-flight fence,
// so the next wait on this slot returns. The acquired image is not presented.
func (vr *VulkanRenderer) abandonFrame(frame *frameData) {
	fence := frame.inFlight.Handle
	if frame.inFlight.Reset() != nil {
		// Still signaled from the last wait, so it must not be resubmitted.
		fence = nil
	}
	submit := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{frame.imageAvailable},
		PWaitDstStageMask:  []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)},
	}
	if vkError(vr.context.Driver.QueueSubmit(vr.context.Device.GraphicsQueue, []vk.SubmitInfo{submit}, fence), "vkQueueSubmit") == nil || fence == nil {
		return
	}
	// The fence was reset but nothing will signal it.
	replacement, err := NewFence(vr.context, true)
	if err != nil {
		core.LogError("replacing in-flight fence: %s", err)
		return
	}
	frame.inFlight.Destroy()
	frame.inFlight = replacement
}

func (vr *VulkanRenderer) record(fc *FrameContext, scene Scene) error {
	cb := fc.CommandBuffer

	vr.swapchainBarrier(cb, vk.ImageLayoutUndefined, vk.ImageLayoutColorAttachmentOptimal)
	for _, target := range vr.gbuffer.Targets() {
		if err := target.TransitionLayout(cb, vk.ImageLayoutColorAttachmentOptimal); err != nil {
			return err
		}
	}
	if err := vr.depth.Image.TransitionLayout(cb, vk.ImageLayoutDepthStencilAttachmentOptimal); err != nil {
		return err
	}
	vr.setViewport(cb, fc.Extent)

	if err := vr.passes.Depth.Begin(cb, vr.depthFramebuffer); err != nil {
		return err
	}
	if err := scene.RecordDepth(fc); err != nil {
		return errors.Wrap(err, "recording depth pass")
	}
	if err := vr.passes.Depth.End(cb); err != nil {
		return err
	}

	if err := vr.depth.Image.TransitionLayout(cb, vk.ImageLayoutDepthStencilReadOnlyOptimal); err != nil {
		return err
	}

	if err := vr.passes.Color.Begin(cb, vr.colorFramebuffers[fc.ImageIndex]); err != nil {
		return err
	}
	if err := scene.RecordColor(fc); err != nil {
		return errors.Wrap(err, "recording color pass")
	}
	if err := vr.passes.Color.End(cb); err != nil {
		return err
	}

	vr.swapchainBarrier(cb, vk.ImageLayoutColorAttachmentOptimal, vk.ImageLayoutPresentSrc)
	return nil
}

// WaitIdle blocks until the device has finished all submitted work.
func (vr *VulkanRenderer) WaitIdle() error {
	if vr.context.Driver == nil {
		return nil
	}
	return vkError(vr.context.Driver.DeviceWaitIdle(), "vkDeviceWaitIdle")
}

// Shutdown destroys everything in reverse creation order and reports leaked memory.
func (vr *VulkanRenderer) Shutdown() error {
	context := vr.context
	if err := vr.WaitIdle(); err != nil {
		return err
	}
	var errs error

	for _, managed := range vr.pipelines {
		managed.Pipeline.Destroy(context)
	}
	vr.pipelines = nil

	for _, frame := range vr.frames {
		errs = errors.CombineErrors(errs, frame.deletion.Flush())
		frame.inFlight.Destroy()
		context.Driver.DestroySemaphore(frame.renderFinished)
		context.Driver.DestroySemaphore(frame.imageAvailable)
		frame.commandBuffer.Free(context, context.Device.GraphicsCommandPool)
	}
	vr.frames = nil

	if vr.transfers != nil {
		errs = errors.CombineErrors(errs, vr.transfers.Destroy())
		vr.transfers = nil
	}
	if vr.layouts != nil {
		vr.layouts.Destroy()
		vr.layouts = nil
	}
	if vr.descriptors != nil {
		vr.descriptors.Destroy()
		vr.descriptors = nil
	}

	vr.destroyFramebuffers()
	if context.Swapchain != nil {
		context.Swapchain.Unsubscribe(vr.recreated)
	}
	if vr.passes.Color != nil {
		vr.passes.Color.Destroy(context)
	}
	if vr.passes.Depth != nil {
		vr.passes.Depth.Destroy(context)
	}
	if vr.gbuffer != nil {
		errs = errors.CombineErrors(errs, vr.gbuffer.Destroy(context))
		vr.gbuffer = nil
	}
	if vr.depth != nil {
		errs = errors.CombineErrors(errs, vr.depth.Destroy(context))
		vr.depth = nil
	}
	if context.Swapchain != nil {
		context.Swapchain.Destroy(context)
		context.Swapchain = nil
	}

	if vr.config.MemoryStatsPath != "" && context.Allocator != nil {
		if err := context.Allocator.DumpStats(vr.config.MemoryStatsPath); err != nil {
			core.LogWarn("writing memory statistics: %s", err)
		}
	}
	if vr.surface != nil {
		// Only the renderer that created the device tears it down.
		if context.Allocator != nil {
			context.Allocator.Destroy()
			context.Allocator = nil
		}
		vr.destroyInstance()
	}
	return errs
}

func (vr *VulkanRenderer) destroyInstance() {
	context := vr.context
	if context.Device != nil {
		context.Device.Destroy()
		context.Device = nil
	}
	if context.Surface != nil {
		vk.DestroySurface(context.Instance, context.Surface, nil)
		context.Surface = nil
	}
	DestroyInstance(context.Instance, context.debugMessenger)
	context.Instance = nil
	context.debugMessenger = nil
}
