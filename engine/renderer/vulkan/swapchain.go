package vulkan

import (
	"math"
	"slices"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/lumen/engine/core"
)

type SwapchainState int

const (
	SWAPCHAIN_STATE_NORMAL SwapchainState = iota
	SWAPCHAIN_STATE_NEEDS_RECREATION
)

func (s SwapchainState) String() string {
	if s == SWAPCHAIN_STATE_NEEDS_RECREATION {
		return "needs-recreation"
	}
	return "normal"
}

type VulkanSwapchain struct {
	Handle      vk.Swapchain
	ImageFormat vk.SurfaceFormat
	PresentMode vk.PresentMode
	Extent      vk.Extent2D
	// Images are owned by the swapchain, views by us.
	Images []vk.Image
	Views  []vk.ImageView
	State  SwapchainState
	// Generation increases on every recreation.
	Generation uint64

	preferMailbox bool
	recreated     *core.EventRegistry[*VulkanContext]
}

// ChooseSurfaceFormat prefers B8G8R8A8_SRGB with the SRGB nonlinear color space and
// falls back to the first available format.
func ChooseSurfaceFormat(formats []vk.SurfaceFormat) vk.SurfaceFormat {
	for _, format := range formats {
		if format.Format == vk.FormatB8g8r8a8Srgb && format.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			return format
		}
	}
	if len(formats) == 0 {
		return vk.SurfaceFormat{Format: vk.FormatUndefined}
	}
	return formats[0]
}

// ChoosePresentMode returns MAILBOX when available and preferred, FIFO otherwise.
// FIFO is the one mode every implementation supports.
func ChoosePresentMode(modes []vk.PresentMode, preferMailbox bool) vk.PresentMode {
	if preferMailbox && slices.Contains(modes, vk.PresentModeMailbox) {
		return vk.PresentModeMailbox
	}
	return vk.PresentModeFifo
}

// ChooseExtent uses the surface's current extent unless the surface lets the
// swapchain decide, in which case the framebuffer size is clamped to the limits.
func ChooseExtent(caps vk.SurfaceCapabilities, width, height uint32) vk.Extent2D {
	if caps.CurrentExtent.Width != math.MaxUint32 {
		return caps.CurrentExtent
	}
	return vk.Extent2D{
		Width:  MathClamp(width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: MathClamp(height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

func chooseImageCount(caps vk.SurfaceCapabilities) uint32 {
	count := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && count > caps.MaxImageCount {
		count = caps.MaxImageCount
	}
	return count
}

func NewSwapchain(context *VulkanContext, width, height uint32, preferMailbox bool) (*VulkanSwapchain, error) {
	sc := &VulkanSwapchain{
		preferMailbox: preferMailbox,
		recreated:     core.NewEventRegistry[*VulkanContext](core.EVENT_CODE_SWAPCHAIN_RECREATED),
	}
	if err := sc.create(context, width, height); err != nil {
		return nil, err
	}
	core.LogInfo("Swapchain created: %dx%d, %d images.", sc.Extent.Width, sc.Extent.Height, len(sc.Images))
	return sc, nil
}

func (sc *VulkanSwapchain) create(context *VulkanContext, width, height uint32) error {
	driver := context.Driver
	caps, res := driver.SurfaceCapabilities()
	if !VulkanResultIsSuccess(res) {
		return vkError(res, "vkGetPhysicalDeviceSurfaceCapabilitiesKHR")
	}
	formats, res := driver.SurfaceFormats()
	if !VulkanResultIsSuccess(res) {
		return vkError(res, "vkGetPhysicalDeviceSurfaceFormatsKHR")
	}
	if len(formats) == 0 {
		return errors.Wrap(core.ErrNoSuitableFormat, "surface reports no formats")
	}
	modes, res := driver.SurfacePresentModes()
	if !VulkanResultIsSuccess(res) {
		return vkError(res, "vkGetPhysicalDeviceSurfacePresentModesKHR")
	}

	sc.ImageFormat = ChooseSurfaceFormat(formats)
	sc.PresentMode = ChoosePresentMode(modes, sc.preferMailbox)
	sc.Extent = ChooseExtent(caps, width, height)

	info := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          context.Surface,
		MinImageCount:    chooseImageCount(caps),
		ImageFormat:      sc.ImageFormat.Format,
		ImageColorSpace:  sc.ImageFormat.ColorSpace,
		ImageExtent:      sc.Extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      sc.PresentMode,
		Clipped:          vk.True,
	}
	if device := context.Device; device != nil && device.GraphicsQueueIndex != device.PresentQueueIndex {
		info.ImageSharingMode = vk.SharingModeConcurrent
		info.QueueFamilyIndexCount = 2
		info.PQueueFamilyIndices = []uint32{uint32(device.GraphicsQueueIndex), uint32(device.PresentQueueIndex)}
	}

	handle, res := driver.CreateSwapchain(&info)
	if !VulkanResultIsSuccess(res) {
		return vkError(res, "vkCreateSwapchainKHR")
	}
	sc.Handle = handle

	images, res := driver.SwapchainImages(handle)
	if !VulkanResultIsSuccess(res) {
		sc.destroyResources(context)
		return vkError(res, "vkGetSwapchainImagesKHR")
	}
	sc.Images = images
	sc.Views = make([]vk.ImageView, 0, len(images))
	for _, image := range images {
		view, err := CreateImageView(driver, image, sc.ImageFormat.Format, vk.ImageViewType2d,
			vk.ImageAspectFlags(vk.ImageAspectColorBit), 1, 1)
		if err != nil {
			sc.destroyResources(context)
			return err
		}
		sc.Views = append(sc.Views, view)
	}
	sc.State = SWAPCHAIN_STATE_NORMAL
	return nil
}

func (sc *VulkanSwapchain) destroyResources(context *VulkanContext) {
	// Only the views are ours, the images go with the swapchain.
	for _, view := range sc.Views {
		context.Driver.DestroyImageView(view)
	}
	sc.Views = nil
	sc.Images = nil
	if sc.Handle != nil {
		context.Driver.DestroySwapchain(sc.Handle)
		sc.Handle = nil
	}
}

// MarkForRecreation defers a rebuild to the next RecreateIfNeeded.
func (sc *VulkanSwapchain) MarkForRecreation() {
	sc.State = SWAPCHAIN_STATE_NEEDS_RECREATION
}

func (sc *VulkanSwapchain) NeedsRecreation() bool {
	return sc.State == SWAPCHAIN_STATE_NEEDS_RECREATION
}

// RecreateIfNeeded rebuilds the swapchain at the context framebuffer size when it
// has been marked, then notifies every subscriber. A zero framebuffer extent keeps
// the swapchain marked and reports ErrSwapchainBooting.
func (sc *VulkanSwapchain) RecreateIfNeeded(context *VulkanContext) (bool, error) {
	if !sc.NeedsRecreation() {
		return false, nil
	}
	if context.FramebufferWidth == 0 || context.FramebufferHeight == 0 {
		return false, core.ErrSwapchainBooting
	}

	if err := vkError(context.Driver.DeviceWaitIdle(), "vkDeviceWaitIdle"); err != nil {
		return false, err
	}
	sc.destroyResources(context)
	if err := sc.create(context, context.FramebufferWidth, context.FramebufferHeight); err != nil {
		return false, errors.Wrap(err, "recreating swapchain")
	}
	if err := vkError(context.Driver.DeviceWaitIdle(), "vkDeviceWaitIdle"); err != nil {
		return false, err
	}
	sc.Generation++
	context.FramebufferSizeLastGeneration = context.FramebufferSizeGeneration
	core.LogDebug("Swapchain recreated: %dx%d (generation %d).", sc.Extent.Width, sc.Extent.Height, sc.Generation)

	if err := sc.recreated.Fire(context); err != nil {
		return true, errors.Wrap(err, "swapchain recreation listeners")
	}
	return true, nil
}

// AcquireNextImage returns the index of the next presentable image. An out of date
// swapchain is marked for recreation and reported as ErrSwapchainOutOfDate. A
// suboptimal one is marked but its image is still returned.
func (sc *VulkanSwapchain) AcquireNextImage(context *VulkanContext, timeoutNs uint64, imageAvailable vk.Semaphore) (uint32, error) {
	index, res := context.Driver.AcquireNextImage(sc.Handle, timeoutNs, imageAvailable)
	switch res {
	case vk.Success:
		return index, nil
	case vk.Suboptimal:
		sc.MarkForRecreation()
		return index, nil
	case vk.ErrorOutOfDate:
		sc.MarkForRecreation()
		return 0, core.ErrSwapchainOutOfDate
	}
	return 0, vkError(res, "vkAcquireNextImageKHR")
}

// Present queues image index for presentation once renderComplete is signaled.
func (sc *VulkanSwapchain) Present(context *VulkanContext, presentQueue vk.Queue, renderComplete vk.Semaphore, index uint32) error {
	info := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{renderComplete},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{sc.Handle},
		PImageIndices:      []uint32{index},
	}
	res := context.Driver.QueuePresent(presentQueue, &info)
	switch res {
	case vk.Success:
		return nil
	case vk.Suboptimal, vk.ErrorOutOfDate:
		sc.MarkForRecreation()
		return nil
	}
	return vkError(res, "vkQueuePresentKHR")
}

// OwnsView reports whether view belongs to the current swapchain images.
func (sc *VulkanSwapchain) OwnsView(view vk.ImageView) bool {
	return view != nil && slices.Contains(sc.Views, view)
}

func (sc *VulkanSwapchain) ImageCount() int {
	return len(sc.Images)
}

// OnRecreate subscribes fn to every future recreation.
func (sc *VulkanSwapchain) OnRecreate(fn core.FnOnEvent[*VulkanContext]) uuid.UUID {
	return sc.recreated.Register(fn)
}

func (sc *VulkanSwapchain) Unsubscribe(id uuid.UUID) bool {
	return sc.recreated.Unregister(id)
}

func (sc *VulkanSwapchain) Destroy(context *VulkanContext) {
	sc.destroyResources(context)
	sc.recreated.Clear()
}
