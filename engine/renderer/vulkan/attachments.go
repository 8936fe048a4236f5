package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/lumen/engine/core"
)

const (
	GBUFFER_NORMAL_FORMAT = vk.FormatR16g16b16a16Sfloat
	GBUFFER_ALBEDO_FORMAT = vk.FormatR8g8b8a8Unorm
)

// Attachment is a render target sized to the swapchain. Implementations subscribe
// to swapchain recreation and resize in lockstep with it.
type Attachment interface {
	Extent() vk.Extent2D
	Resize(context *VulkanContext) error
	Destroy(context *VulkanContext) error
}

// swapchainSized holds the subscription shared by every attachment.
type swapchainSized struct {
	swapchain    *VulkanSwapchain
	subscription uuid.UUID
}

func (s *swapchainSized) subscribe(swapchain *VulkanSwapchain, resize func(context *VulkanContext) error) {
	s.swapchain = swapchain
	s.subscription = swapchain.OnRecreate(resize)
}

func (s *swapchainSized) unsubscribe() {
	if s.swapchain != nil {
		s.swapchain.Unsubscribe(s.subscription)
		s.swapchain = nil
	}
}

func imageExtent(img *VulkanImage) vk.Extent2D {
	if img == nil {
		return vk.Extent2D{}
	}
	return vk.Extent2D{Width: img.Width, Height: img.Height}
}

/**
 * @brief The depth target written by the depth pass and sampled by the color pass.
 */
type DepthAttachment struct {
	swapchainSized
	Image  *VulkanImage
	Format vk.Format
}

func NewDepthAttachment(context *VulkanContext, swapchain *VulkanSwapchain) (*DepthAttachment, error) {
	format := SelectDepthFormat(context.Driver, DEFAULT_DEPTH_FORMATS, true)
	if format == vk.FormatUndefined {
		return nil, errors.Wrap(core.ErrNoSuitableFormat, "depth attachment")
	}
	d := &DepthAttachment{Format: format}
	if err := d.create(context, swapchain.Extent); err != nil {
		return nil, err
	}
	d.subscribe(swapchain, d.Resize)
	return d, nil
}

func (d *DepthAttachment) create(context *VulkanContext, extent vk.Extent2D) error {
	img, err := ImageCreate(context, ImageCreateOptions{
		Width:         extent.Width,
		Height:        extent.Height,
		Format:        d.Format,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit | vk.ImageUsageSampledBit),
		Aspect:        depthAspect(d.Format),
		MipLevels:     1,
		CreateView:    true,
		CreateSampler: true,
		Name:          "depth",
	})
	if err != nil {
		return err
	}
	d.Image = img
	return nil
}

func (d *DepthAttachment) Extent() vk.Extent2D {
	return imageExtent(d.Image)
}

// Resize recreates the image at the swapchain extent.
func (d *DepthAttachment) Resize(context *VulkanContext) error {
	if d.Image != nil {
		if err := d.Image.Destroy(context); err != nil {
			return err
		}
		d.Image = nil
	}
	return d.create(context, d.swapchain.Extent)
}

func (d *DepthAttachment) Destroy(context *VulkanContext) error {
	d.unsubscribe()
	if d.Image == nil {
		return nil
	}
	err := d.Image.Destroy(context)
	d.Image = nil
	return err
}

/**
 * @brief Color targets the color pass writes next to the swapchain image.
 */
type GBuffer struct {
	swapchainSized
	Normal *VulkanImage
	Albedo *VulkanImage
}

func NewGBuffer(context *VulkanContext, swapchain *VulkanSwapchain) (*GBuffer, error) {
	g := &GBuffer{}
	if err := g.create(context, swapchain.Extent); err != nil {
		return nil, err
	}
	g.subscribe(swapchain, g.Resize)
	return g, nil
}

func newColorTarget(context *VulkanContext, extent vk.Extent2D, format vk.Format, name string) (*VulkanImage, error) {
	return ImageCreate(context, ImageCreateOptions{
		Width:         extent.Width,
		Height:        extent.Height,
		Format:        format,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageSampledBit),
		Aspect:        vk.ImageAspectFlags(vk.ImageAspectColorBit),
		MipLevels:     1,
		CreateView:    true,
		CreateSampler: true,
		Name:          name,
	})
}

func (g *GBuffer) create(context *VulkanContext, extent vk.Extent2D) error {
	normal, err := newColorTarget(context, extent, GBUFFER_NORMAL_FORMAT, "gbuffer-normal")
	if err != nil {
		return err
	}
	albedo, err := newColorTarget(context, extent, GBUFFER_ALBEDO_FORMAT, "gbuffer-albedo")
	if err != nil {
		_ = normal.Destroy(context)
		return err
	}
	g.Normal, g.Albedo = normal, albedo
	return nil
}

// Targets returns the color images in attachment order.
func (g *GBuffer) Targets() []*VulkanImage {
	return []*VulkanImage{g.Normal, g.Albedo}
}

func (g *GBuffer) Extent() vk.Extent2D {
	return imageExtent(g.Normal)
}

func (g *GBuffer) release(context *VulkanContext) error {
	var errs error
	for _, img := range g.Targets() {
		if img != nil {
			errs = errors.CombineErrors(errs, img.Destroy(context))
		}
	}
	g.Normal, g.Albedo = nil, nil
	return errs
}

func (g *GBuffer) Resize(context *VulkanContext) error {
	if err := g.release(context); err != nil {
		return err
	}
	return g.create(context, g.swapchain.Extent)
}

func (g *GBuffer) Destroy(context *VulkanContext) error {
	g.unsubscribe()
	return g.release(context)
}
