package vulkan

import (
	"math"
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
)

func TestChooseSurfaceFormat(t *testing.T) {
	preferred := vk.SurfaceFormat{Format: vk.FormatB8g8r8a8Srgb, ColorSpace: vk.ColorSpaceSrgbNonlinear}
	other := vk.SurfaceFormat{Format: vk.FormatR8g8b8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear}

	require.Equal(t, preferred, ChooseSurfaceFormat([]vk.SurfaceFormat{other, preferred}))
	require.Equal(t, other, ChooseSurfaceFormat([]vk.SurfaceFormat{other}))
	require.Equal(t, vk.FormatUndefined, ChooseSurfaceFormat(nil).Format)
}

func TestChoosePresentMode(t *testing.T) {
	modes := []vk.PresentMode{vk.PresentModeImmediate, vk.PresentModeMailbox, vk.PresentModeFifo}
	require.Equal(t, vk.PresentModeMailbox, ChoosePresentMode(modes, true))
	require.Equal(t, vk.PresentModeFifo, ChoosePresentMode(modes, false))
	require.Equal(t, vk.PresentModeFifo, ChoosePresentMode([]vk.PresentMode{vk.PresentModeFifo}, true))
}

func TestChooseExtent(t *testing.T) {
	caps := vk.SurfaceCapabilities{
		CurrentExtent:  vk.Extent2D{Width: 640, Height: 480},
		MinImageExtent: vk.Extent2D{Width: 100, Height: 100},
		MaxImageExtent: vk.Extent2D{Width: 2000, Height: 1000},
	}
	require.Equal(t, vk.Extent2D{Width: 640, Height: 480}, ChooseExtent(caps, 1920, 1080))

	caps.CurrentExtent = vk.Extent2D{Width: math.MaxUint32, Height: math.MaxUint32}
	require.Equal(t, vk.Extent2D{Width: 1920, Height: 1000}, ChooseExtent(caps, 1920, 1080))
	require.Equal(t, vk.Extent2D{Width: 100, Height: 100}, ChooseExtent(caps, 10, 10))
}

func TestChooseImageCount(t *testing.T) {
	require.Equal(t, uint32(3), chooseImageCount(vk.SurfaceCapabilities{MinImageCount: 2}))
	require.Equal(t, uint32(2), chooseImageCount(vk.SurfaceCapabilities{MinImageCount: 2, MaxImageCount: 2}))
}

func newTestSwapchain(t *testing.T, driver *fakeDriver) (*VulkanContext, *VulkanSwapchain) {
	t.Helper()
	context := newTestContext(t, driver)
	sc, err := NewSwapchain(context, context.FramebufferWidth, context.FramebufferHeight, false)
	require.NoError(t, err)
	context.Swapchain = sc
	return context, sc
}

func TestNewSwapchain(t *testing.T) {
	driver := newFakeDriver()
	_, sc := newTestSwapchain(t, driver)

	require.Equal(t, vk.Extent2D{Width: 800, Height: 600}, sc.Extent)
	require.Equal(t, vk.FormatB8g8r8a8Srgb, sc.ImageFormat.Format)
	require.Equal(t, vk.PresentModeFifo, sc.PresentMode)
	require.Equal(t, 3, sc.ImageCount())
	require.Len(t, sc.Views, 3)
	require.Equal(t, SWAPCHAIN_STATE_NORMAL, sc.State)
	for _, view := range sc.Views {
		require.True(t, sc.OwnsView(view))
	}
	require.False(t, sc.OwnsView(nil))
}

func TestSwapchainRecreationResizesAttachments(t *testing.T) {
	driver := newFakeDriver()
	context, sc := newTestSwapchain(t, driver)

	depth, err := NewDepthAttachment(context, sc)
	require.NoError(t, err)
	require.Equal(t, vk.FormatD32Sfloat, depth.Format)
	gbuffer, err := NewGBuffer(context, sc)
	require.NoError(t, err)

	var order []string
	sc.OnRecreate(func(*VulkanContext) error {
		order = append(order, "renderer")
		require.Equal(t, sc.Extent, depth.Extent(), "attachments resize before later listeners")
		return nil
	})

	oldViews := slices.Clone(sc.Views)
	oldDepth := depth.Image.View

	require.False(t, mustRecreate(t, context, sc), "nothing to do while unmarked")

	context.FramebufferWidth, context.FramebufferHeight = 1024, 768
	context.FramebufferSizeGeneration++
	sc.MarkForRecreation()
	require.True(t, mustRecreate(t, context, sc))

	want := vk.Extent2D{Width: 1024, Height: 768}
	require.Equal(t, want, sc.Extent)
	require.Equal(t, want, depth.Extent())
	require.Equal(t, want, gbuffer.Extent())
	require.Equal(t, want, imageExtent(gbuffer.Albedo))
	require.Equal(t, uint64(1), sc.Generation)
	require.Equal(t, context.FramebufferSizeGeneration, context.FramebufferSizeLastGeneration)
	require.Equal(t, []string{"renderer"}, order)

	for _, view := range oldViews {
		require.False(t, sc.OwnsView(view), "old views never survive a rebuild")
		_, alive := driver.views[view]
		require.False(t, alive)
	}
	_, alive := driver.views[oldDepth]
	require.False(t, alive)

	require.NoError(t, gbuffer.Destroy(context))
	require.NoError(t, depth.Destroy(context))
	sc.Destroy(context)
	require.Empty(t, driver.views)
	require.Empty(t, driver.images)
	require.Empty(t, driver.swapchains)
}

func mustRecreate(t *testing.T, context *VulkanContext, sc *VulkanSwapchain) bool {
	t.Helper()
	recreated, err := sc.RecreateIfNeeded(context)
	require.NoError(t, err)
	return recreated
}

func TestSwapchainWaitsOutZeroExtent(t *testing.T) {
	driver := newFakeDriver()
	context, sc := newTestSwapchain(t, driver)

	context.FramebufferWidth, context.FramebufferHeight = 0, 0
	sc.MarkForRecreation()
	recreated, err := sc.RecreateIfNeeded(context)
	require.False(t, recreated)
	require.True(t, errors.Is(err, core.ErrSwapchainBooting))
	require.True(t, sc.NeedsRecreation(), "stays marked until the window has a size again")
	require.Zero(t, driver.waitIdle)
}

func TestSwapchainAcquireAndPresentResults(t *testing.T) {
	driver := newFakeDriver()
	context, sc := newTestSwapchain(t, driver)
	semaphore := vk.Semaphore(driver.handle())
	queue := context.Device.PresentQueue

	driver.acquireResults = []vk.Result{vk.Success, vk.Suboptimal, vk.ErrorOutOfDate, vk.ErrorDeviceLost}

	index, err := sc.AcquireNextImage(context, math.MaxUint64, semaphore)
	require.NoError(t, err)
	require.Equal(t, uint32(0), index)
	require.False(t, sc.NeedsRecreation())

	index, err = sc.AcquireNextImage(context, math.MaxUint64, semaphore)
	require.NoError(t, err, "suboptimal images are still usable")
	require.Equal(t, uint32(1), index)
	require.True(t, sc.NeedsRecreation())

	sc.State = SWAPCHAIN_STATE_NORMAL
	_, err = sc.AcquireNextImage(context, math.MaxUint64, semaphore)
	require.True(t, errors.Is(err, core.ErrSwapchainOutOfDate))
	require.True(t, sc.NeedsRecreation())

	_, err = sc.AcquireNextImage(context, math.MaxUint64, semaphore)
	require.Error(t, err)
	require.False(t, errors.Is(err, core.ErrSwapchainOutOfDate))

	sc.State = SWAPCHAIN_STATE_NORMAL
	driver.presentResults = []vk.Result{vk.Success, vk.ErrorOutOfDate, vk.ErrorSurfaceLost}
	require.NoError(t, sc.Present(context, queue, semaphore, 0))
	require.False(t, sc.NeedsRecreation())
	require.NoError(t, sc.Present(context, queue, semaphore, 1))
	require.True(t, sc.NeedsRecreation())
	require.Error(t, sc.Present(context, queue, semaphore, 2))
}

func TestSwapchainConcurrentSharingAcrossFamilies(t *testing.T) {
	driver := newFakeDriver()
	context := newTestContext(t, driver)
	context.Device.GraphicsQueueIndex = 0
	context.Device.PresentQueueIndex = 1

	sc, err := NewSwapchain(context, 800, 600, true)
	require.NoError(t, err)
	require.Equal(t, vk.PresentModeMailbox, sc.PresentMode)

	info := driver.swapchainInfo
	require.Equal(t, vk.SharingModeConcurrent, info.ImageSharingMode)
	require.Equal(t, []uint32{0, 1}, info.PQueueFamilyIndices)
	require.Equal(t, uint32(3), info.MinImageCount)
}

func TestAttachmentsFailWithoutDepthFormat(t *testing.T) {
	driver := newFakeDriver()
	for _, format := range DEFAULT_DEPTH_FORMATS {
		driver.formats[format] = vk.FormatProperties{}
	}
	context, sc := newTestSwapchain(t, driver)
	_, err := NewDepthAttachment(context, sc)
	require.True(t, errors.Is(err, core.ErrNoSuitableFormat))
}
