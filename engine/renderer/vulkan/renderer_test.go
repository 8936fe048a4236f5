package vulkan

import (
	"testing"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
)

type recordingScene struct {
	driver *fakeDriver
	frames []FrameContext
	fail   error
}

func (s *recordingScene) RecordDepth(frame *FrameContext) error {
	s.driver.record("scene-depth")
	return s.fail
}

func (s *recordingScene) RecordColor(frame *FrameContext) error {
	s.driver.record("scene-color")
	s.frames = append(s.frames, *frame)
	return nil
}

func newTestRenderer(t *testing.T) (*VulkanRenderer, *fakeDriver, *recordingScene) {
	t.Helper()
	driver := newFakeDriver()
	context := newTestContext(t, driver)
	r, err := NewVulkanRendererWithContext(context, core.RendererConfig{FramesInFlight: 2, DescriptorSetsPerPool: 16})
	require.NoError(t, err)
	driver.resetCalls()
	return r, driver, &recordingScene{driver: driver}
}

func TestDrawFrameRecordsPassesInOrder(t *testing.T) {
	r, driver, scene := newTestRenderer(t)

	require.NoError(t, r.DrawFrame(scene))
	require.Equal(t, []string{
		"acquire", "reset-pool", "reset", "begin",
		"barrier", "barrier", "barrier", "barrier",
		"viewport", "scissor",
		"begin-pass", "scene-depth", "end-pass",
		"barrier",
		"begin-pass", "scene-color", "end-pass",
		"barrier",
		"end", "reset-fence", "submit", "present 0",
	}, driver.calls)

	swap := r.context.Swapchain.Images[0]
	first, last := driver.barriers[0], driver.barriers[len(driver.barriers)-1]
	require.True(t, swap == first.Image)
	require.Equal(t, vk.ImageLayoutUndefined, first.OldLayout)
	require.Equal(t, vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit), driver.barrierStages[0][0],
		"the acquire transition waits where the image available semaphore is waited on")
	require.Equal(t, vk.ImageLayoutPresentSrc, last.NewLayout)
	require.Equal(t, vk.ImageLayoutDepthStencilReadOnlyOptimal, r.depth.Image.Layout)
	for _, target := range r.gbuffer.Targets() {
		require.Equal(t, vk.ImageLayoutColorAttachmentOptimal, target.Layout)
	}

	require.Len(t, scene.frames, 1)
	fc := scene.frames[0]
	require.Zero(t, fc.FrameIndex)
	require.Zero(t, fc.FrameNumber)
	require.Equal(t, r.context.Swapchain.Extent, fc.Extent)
	require.Same(t, r.descriptors.Frame(0), fc.Descriptors)
	require.EqualValues(t, 1, r.context.CurrentFrame)
	require.EqualValues(t, 1, r.FrameNumber)
}

func TestDrawFrameCyclesFrameSlots(t *testing.T) {
	r, driver, scene := newTestRenderer(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, r.DrawFrame(scene))
	}
	require.Equal(t, 4, driver.submits)
	require.EqualValues(t, 4, r.FrameNumber)
	require.Zero(t, r.context.CurrentFrame)

	var slots []uint32
	var images []uint32
	for _, fc := range scene.frames {
		slots = append(slots, fc.FrameIndex)
		images = append(images, fc.ImageIndex)
	}
	require.Equal(t, []uint32{0, 1, 0, 1}, slots)
	require.Equal(t, []uint32{0, 1, 2, 0}, images)
	require.NotSame(t, scene.frames[0].Descriptors, scene.frames[1].Descriptors)
	require.Contains(t, driver.calls, "wait-fence", "reused slots wait on their fence")
}

func TestDrawFrameSkipsOutOfDateImage(t *testing.T) {
	r, driver, scene := newTestRenderer(t)
	driver.acquireResults = []vk.Result{vk.ErrorOutOfDate}

	require.NoError(t, r.DrawFrame(scene))
	require.Zero(t, driver.submits)
	require.NotContains(t, driver.calls, "reset-fence", "the fence stays signaled for the retry")
	require.True(t, r.frames[0].inFlight.IsSignaled)
	require.True(t, r.context.Swapchain.NeedsRecreation())
	require.Zero(t, r.context.CurrentFrame)

	// The next frame only rebuilds, the one after draws.
	require.NoError(t, r.DrawFrame(scene))
	require.Zero(t, driver.submits)
	require.EqualValues(t, 1, r.context.Swapchain.Generation)
	require.NoError(t, r.DrawFrame(scene))
	require.Equal(t, 1, driver.submits)
}

func TestDrawFrameRebuildsAfterResize(t *testing.T) {
	r, driver, scene := newTestRenderer(t)
	require.NoError(t, r.DrawFrame(scene))

	r.Resized(1024, 768)
	require.NoError(t, r.DrawFrame(scene))
	require.Equal(t, 1, driver.submits, "the resize frame is skipped")

	sc := r.context.Swapchain
	require.Equal(t, vk.Extent2D{Width: 1024, Height: 768}, sc.Extent)
	require.Equal(t, r.context.FramebufferSizeGeneration, r.context.FramebufferSizeLastGeneration)
	require.Len(t, driver.framebuffers, 1+sc.ImageCount())
	for _, fb := range r.colorFramebuffers {
		require.EqualValues(t, 1024, fb.Width)
		require.EqualValues(t, 768, fb.Height)
		require.True(t, r.depth.Image.View == fb.Attachments[len(fb.Attachments)-1])
	}
	require.EqualValues(t, 1024, r.depth.Image.Width)

	require.NoError(t, r.DrawFrame(scene))
	require.Equal(t, vk.Extent2D{Width: 1024, Height: 768}, scene.frames[len(scene.frames)-1].Extent)
}

func TestDrawFrameWhileMinimized(t *testing.T) {
	r, driver, scene := newTestRenderer(t)
	idle := driver.waitIdle
	r.Resized(0, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.DrawFrame(scene))
	}
	require.Zero(t, driver.submits)
	require.Equal(t, idle, driver.waitIdle)
	require.True(t, r.context.Swapchain.NeedsRecreation())

	r.Resized(640, 480)
	require.NoError(t, r.DrawFrame(scene))
	require.NoError(t, r.DrawFrame(scene))
	require.Equal(t, 1, driver.submits)
}

func TestDrawFrameReportsSceneErrors(t *testing.T) {
	r, _, scene := newTestRenderer(t)
	boom := errors.New("boom")
	scene.fail = boom

	err := r.DrawFrame(scene)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "depth pass")
	require.Zero(t, r.FrameNumber)
	require.Zero(t, r.context.CurrentFrame)
}

func TestDrawFrameRecoversAfterRecordingFailure(t *testing.T) {
	r, driver, scene := newTestRenderer(t)
	scene.fail = errors.New("boom")
	require.Error(t, r.DrawFrame(scene))

	// The acquire semaphore is consumed by a batch with no command buffers, which
	// signals the slot's fence.
	frame := r.frames[0]
	require.Equal(t, 1, driver.submits)
	require.Len(t, driver.lastSubmit, 1)
	batch := driver.lastSubmit[0]
	require.Zero(t, batch.CommandBufferCount)
	require.EqualValues(t, 1, batch.WaitSemaphoreCount)
	require.True(t, batch.PWaitSemaphores[0] == frame.imageAvailable)
	require.EqualValues(t, vk.PipelineStageColorAttachmentOutputBit, batch.PWaitDstStageMask[0])
	require.NotContains(t, driver.calls, "present 0")

	// The same slot draws normally on the next frame.
	scene.fail = nil
	require.NoError(t, r.DrawFrame(scene))
	require.Equal(t, 2, driver.submits)
	require.EqualValues(t, 1, driver.lastSubmit[0].CommandBufferCount)
	require.Len(t, scene.frames, 1)
	require.Zero(t, scene.frames[0].FrameIndex)
	require.EqualValues(t, 1, r.FrameNumber)
}

func TestShaderChangesRetirePipelines(t *testing.T) {
	r, driver, scene := newTestRenderer(t)
	stages := newTestStages(t, r.context)
	broken := false
	build := func(context *VulkanContext, passes *RenderPasses) (*VulkanPipeline, error) {
		if broken {
			return nil, errors.New("compile failed")
		}
		return NewGraphicsPipeline(context, &VulkanPipelineConfig{
			Name:       "cube",
			Renderpass: passes.Color,
			Stages:     stages,
			Flags:      PIPELINE_FLAG_DEPTH_TEST,
		})
	}
	managed, err := r.CreatePipeline([]string{"test.vert", "test.frag"}, build)
	require.NoError(t, err)
	original := managed.Pipeline.Handle

	changes := make(chan string, 4)
	r.WatchShaders(changes)
	changes <- "test.frag"
	changes <- "test.frag"
	changes <- "unrelated.comp"

	require.NoError(t, r.DrawFrame(scene))
	require.False(t, original == managed.Pipeline.Handle)
	require.Len(t, driver.pipelines, 2, "the old pipeline may still be in flight")

	require.NoError(t, r.DrawFrame(scene))
	require.Len(t, driver.pipelines, 2)
	require.NoError(t, r.DrawFrame(scene))
	require.Len(t, driver.pipelines, 1, "retired once its frame slot comes around")
	_, alive := driver.pipelines[original]
	require.False(t, alive)

	broken = true
	current := managed.Pipeline
	changes <- "test.vert"
	require.NoError(t, r.DrawFrame(scene))
	require.Same(t, current, managed.Pipeline, "a failed rebuild keeps the old pipeline")

	close(changes)
	require.NoError(t, r.DrawFrame(scene))

	require.NoError(t, r.Shutdown())
	for _, s := range stages {
		s.Destroy(r.context)
	}
	require.Empty(t, driver.pipelines)
}

func TestShutdownReleasesEverything(t *testing.T) {
	r, driver, scene := newTestRenderer(t)
	require.NoError(t, r.DrawFrame(scene))
	require.NoError(t, r.DrawFrame(scene))

	require.NoError(t, r.Shutdown())
	require.Nil(t, r.context.Swapchain)
	require.Empty(t, driver.swapchains)
	require.Empty(t, driver.images)
	require.Empty(t, driver.views)
	require.Empty(t, driver.framebuffers)
	require.Empty(t, driver.renderPasses)
	require.Empty(t, driver.semaphores)
	require.Empty(t, driver.fences)
	require.Empty(t, driver.commandBuffers)
	require.Empty(t, driver.pools)
	require.Empty(t, driver.setLayouts)
	require.NotNil(t, r.context.Allocator, "the allocator belongs to whoever built the context")
}

func TestDrawFrameRecoversAfterSubmitFailure(t *testing.T) {
	r, driver, scene := newTestRenderer(t)
	driver.submitResult = vk.ErrorDeviceLost
	require.Error(t, r.DrawFrame(scene))
	require.True(t, r.frames[0].inFlight.IsSignaled, "a reset fence nothing will signal is replaced")
	require.Len(t, driver.fences, 2, "one fence per frame slot")

	driver.submitResult = vk.Success
	require.NoError(t, r.DrawFrame(scene))
	require.EqualValues(t, 1, r.FrameNumber)
}
