package vulkan

import (
	vk "github.com/goki/vulkan"
)

// RenderpassAttachment describes one attachment. Layout is both the initial and the
// final layout: transitions happen through explicit barriers outside the pass.
type RenderpassAttachment struct {
	Format  vk.Format
	LoadOp  vk.AttachmentLoadOp
	StoreOp vk.AttachmentStoreOp
	Layout  vk.ImageLayout
	Depth   bool
	// Clear is the color clear value, or depth in Clear[0] for depth attachments.
	Clear [4]float32
}

type VulkanRenderpass struct {
	Handle      vk.RenderPass
	Name        string
	ClearValues []vk.ClearValue
	ColorCount  uint32
	HasDepth    bool
}

// NewRenderpass creates a single subpass render pass. Color attachments come first,
// at most one depth attachment last.
func NewRenderpass(context *VulkanContext, name string, attachments []RenderpassAttachment) (*VulkanRenderpass, error) {
	rp := &VulkanRenderpass{Name: name}

	descriptions := make([]vk.AttachmentDescription, 0, len(attachments))
	var colorRefs []vk.AttachmentReference
	var depthRef *vk.AttachmentReference
	for i, a := range attachments {
		descriptions = append(descriptions, vk.AttachmentDescription{
			Format:         a.Format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         a.LoadOp,
			StoreOp:        a.StoreOp,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  a.Layout,
			FinalLayout:    a.Layout,
		})
		ref := vk.AttachmentReference{Attachment: uint32(i), Layout: a.Layout}

		var clear vk.ClearValue
		if a.Depth {
			depthRef = &ref
			clear.SetDepthStencil(a.Clear[0], 0)
		} else {
			colorRefs = append(colorRefs, ref)
			clear.SetColor(a.Clear[:])
		}
		rp.ClearValues = append(rp.ClearValues, clear)
	}
	rp.ColorCount = uint32(len(colorRefs))
	rp.HasDepth = depthRef != nil

	subpass := vk.SubpassDescription{
		PipelineBindPoint:       vk.PipelineBindPointGraphics,
		ColorAttachmentCount:    rp.ColorCount,
		PColorAttachments:       colorRefs,
		PDepthStencilAttachment: depthRef,
	}

	// Writes to the attachments from earlier submissions, the previous frame
	// included, complete before this pass touches them.
	var stages vk.PipelineStageFlags
	var srcAccess, dstAccess vk.AccessFlags
	if rp.ColorCount > 0 {
		stages |= vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
		srcAccess |= vk.AccessFlags(vk.AccessColorAttachmentWriteBit)
		dstAccess |= vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit)
	}
	if rp.HasDepth {
		stages |= vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit)
		srcAccess |= vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit)
		dstAccess |= vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit)
	}
	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  stages,
		SrcAccessMask: srcAccess,
		DstStageMask:  stages,
		DstAccessMask: dstAccess,
	}

	info := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(descriptions)),
		PAttachments:    descriptions,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}
	handle, res := context.Driver.CreateRenderPass(&info)
	if !VulkanResultIsSuccess(res) {
		return nil, vkError(res, "vkCreateRenderPass "+name)
	}
	rp.Handle = handle
	return rp, nil
}

// NewDepthRenderpass builds the depth only pass: one cleared and stored depth attachment.
func NewDepthRenderpass(context *VulkanContext, depthFormat vk.Format) (*VulkanRenderpass, error) {
	return NewRenderpass(context, "depth", []RenderpassAttachment{{
		Format:  depthFormat,
		LoadOp:  vk.AttachmentLoadOpClear,
		StoreOp: vk.AttachmentStoreOpStore,
		Layout:  vk.ImageLayoutDepthStencilAttachmentOptimal,
		Depth:   true,
		Clear:   [4]float32{1},
	}})
}

// NewColorRenderpass builds the main pass: the swapchain image, the G-buffer targets
// and the depth produced by the depth pass, tested read only.
func NewColorRenderpass(context *VulkanContext, swapchainFormat vk.Format, gbufferFormats []vk.Format, depthFormat vk.Format) (*VulkanRenderpass, error) {
	attachments := []RenderpassAttachment{{
		Format:  swapchainFormat,
		LoadOp:  vk.AttachmentLoadOpClear,
		StoreOp: vk.AttachmentStoreOpStore,
		Layout:  vk.ImageLayoutColorAttachmentOptimal,
		Clear:   [4]float32{0.02, 0.02, 0.03, 1},
	}}
	for _, format := range gbufferFormats {
		attachments = append(attachments, RenderpassAttachment{
			Format:  format,
			LoadOp:  vk.AttachmentLoadOpClear,
			StoreOp: vk.AttachmentStoreOpStore,
			Layout:  vk.ImageLayoutColorAttachmentOptimal,
		})
	}
	attachments = append(attachments, RenderpassAttachment{
		Format:  depthFormat,
		LoadOp:  vk.AttachmentLoadOpLoad,
		StoreOp: vk.AttachmentStoreOpStore,
		Layout:  vk.ImageLayoutDepthStencilReadOnlyOptimal,
		Depth:   true,
	})
	return NewRenderpass(context, "color", attachments)
}

func (rp *VulkanRenderpass) Begin(cb *VulkanCommandBuffer, framebuffer *VulkanFramebuffer) error {
	info := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  rp.Handle,
		Framebuffer: framebuffer.Handle,
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: 0, Y: 0},
			Extent: vk.Extent2D{Width: framebuffer.Width, Height: framebuffer.Height},
		},
		ClearValueCount: uint32(len(rp.ClearValues)),
		PClearValues:    rp.ClearValues,
	}
	return cb.beginRenderPass(&info)
}

func (rp *VulkanRenderpass) End(cb *VulkanCommandBuffer) error {
	return cb.endRenderPass()
}

func (rp *VulkanRenderpass) Destroy(context *VulkanContext) {
	if rp.Handle != nil {
		context.Driver.DestroyRenderPass(rp.Handle)
		rp.Handle = nil
	}
}
