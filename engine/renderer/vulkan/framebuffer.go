package vulkan

import (
	"slices"

	vk "github.com/goki/vulkan"
)

type VulkanFramebuffer struct {
	Handle      vk.Framebuffer
	Attachments []vk.ImageView
	Width       uint32
	Height      uint32
	Renderpass  *VulkanRenderpass
}

func NewFramebuffer(context *VulkanContext, renderpass *VulkanRenderpass, width, height uint32, attachments []vk.ImageView) (*VulkanFramebuffer, error) {
	fb := &VulkanFramebuffer{
		Attachments: slices.Clone(attachments),
		Width:       width,
		Height:      height,
		Renderpass:  renderpass,
	}
	info := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      renderpass.Handle,
		AttachmentCount: uint32(len(fb.Attachments)),
		PAttachments:    fb.Attachments,
		Width:           width,
		Height:          height,
		Layers:          1,
	}
	handle, res := context.Driver.CreateFramebuffer(&info)
	if !VulkanResultIsSuccess(res) {
		return nil, vkError(res, "vkCreateFramebuffer")
	}
	fb.Handle = handle
	return fb, nil
}

func (fb *VulkanFramebuffer) Destroy(context *VulkanContext) {
	if fb.Handle != nil {
		context.Driver.DestroyFramebuffer(fb.Handle)
	}
	fb.Handle = nil
	fb.Attachments = nil
	fb.Renderpass = nil
}
