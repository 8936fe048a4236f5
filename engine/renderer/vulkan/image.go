package vulkan

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

// Depth formats in order of preference.
var DEFAULT_DEPTH_FORMATS = []vk.Format{
	vk.FormatD32Sfloat,
	vk.FormatD24UnormS8Uint,
	vk.FormatD16Unorm,
}

const TEXTURE_FORMAT = vk.FormatR8g8b8a8Srgb

type VulkanImage struct {
	Handle     vk.Image
	Allocation *Allocation
	View       vk.ImageView
	// Optional, nil for attachments that are never sampled.
	Sampler vk.Sampler

	Format vk.Format
	Aspect vk.ImageAspectFlags
	// Layout is the layout the image is in once every recorded barrier has executed.
	// Only TransitionLayout and GenerateMipmaps change it.
	Layout      vk.ImageLayout
	Width       uint32
	Height      uint32
	MipLevels   uint32
	ArrayLayers uint32
}

type ImageCreateOptions struct {
	Width     uint32
	Height    uint32
	Format    vk.Format
	Usage     vk.ImageUsageFlags
	Aspect    vk.ImageAspectFlags
	MipLevels uint32
	// Cube creates six cube compatible array layers and a cube view.
	Cube          bool
	CreateView    bool
	CreateSampler bool
	Name          string
}

// MipLevelsFor returns the length of the full mip chain of a width x height image.
func MipLevelsFor(width, height uint32) uint32 {
	return uint32(bits.Len32(max(width, height, 1)))
}

// FormatHasStencil reports whether format carries a stencil component.
func FormatHasStencil(format vk.Format) bool {
	switch format {
	case vk.FormatD32SfloatS8Uint, vk.FormatD24UnormS8Uint, vk.FormatD16UnormS8Uint, vk.FormatS8Uint:
		return true
	}
	return false
}

// SelectDepthFormat returns the first candidate usable as an optimal tiling depth
// attachment, skipping stencil formats when depthOnly is set. It returns
// vk.FormatUndefined when nothing qualifies.
func SelectDepthFormat(driver ResourceDriver, candidates []vk.Format, depthOnly bool) vk.Format {
	for _, format := range candidates {
		if depthOnly && FormatHasStencil(format) {
			continue
		}
		props := driver.FormatProperties(format)
		if vk.FormatFeatureFlagBits(props.OptimalTilingFeatures)&vk.FormatFeatureDepthStencilAttachmentBit != 0 {
			return format
		}
	}
	core.LogError("no supported depth format among %d candidates (depth only: %t)", len(candidates), depthOnly)
	return vk.FormatUndefined
}

func depthAspect(format vk.Format) vk.ImageAspectFlags {
	aspect := vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	if FormatHasStencil(format) {
		aspect |= vk.ImageAspectFlags(vk.ImageAspectStencilBit)
	}
	return aspect
}

func ImageCreate(context *VulkanContext, opts ImageCreateOptions) (*VulkanImage, error) {
	if err := core.Assert(opts.Width > 0 && opts.Height > 0, "image %q created with extent %dx%d", opts.Name, opts.Width, opts.Height); err != nil {
		return nil, err
	}
	mips := max(opts.MipLevels, 1)
	layers := uint32(ConditionalOperator(opts.Cube, 6, 1))

	var flags vk.ImageCreateFlags
	if opts.Cube {
		flags |= vk.ImageCreateFlags(vk.ImageCreateCubeCompatibleBit)
	}
	info := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		Flags:     flags,
		ImageType: vk.ImageType2d,
		Format:    opts.Format,
		Extent: vk.Extent3D{
			Width:  opts.Width,
			Height: opts.Height,
			Depth:  1,
		},
		MipLevels:     mips,
		ArrayLayers:   layers,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         opts.Usage,
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	handle, allocation, err := context.Allocator.CreateImage(&info, AllocationCreateInfo{Name: opts.Name})
	if err != nil {
		return nil, errors.Wrapf(err, "creating image %q", opts.Name)
	}

	img := &VulkanImage{
		Handle:      handle,
		Allocation:  allocation,
		Format:      opts.Format,
		Aspect:      opts.Aspect,
		Layout:      vk.ImageLayoutUndefined,
		Width:       opts.Width,
		Height:      opts.Height,
		MipLevels:   mips,
		ArrayLayers: layers,
	}

	if opts.CreateView {
		viewType := vk.ImageViewType(ConditionalOperator(opts.Cube, vk.ImageViewTypeCube, vk.ImageViewType2d))
		img.View, err = CreateImageView(context.Driver, handle, opts.Format, viewType, opts.Aspect, mips, layers)
		if err != nil {
			_ = img.Destroy(context)
			return nil, err
		}
	}
	if opts.CreateSampler {
		if err := img.createSampler(context); err != nil {
			_ = img.Destroy(context)
			return nil, err
		}
	}
	return img, nil
}

// CreateImageView creates a view covering every mip level and layer of image.
func CreateImageView(driver ResourceDriver, image vk.Image, format vk.Format, viewType vk.ImageViewType, aspect vk.ImageAspectFlags, mipLevels, layers uint32) (vk.ImageView, error) {
	info := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: viewType,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   0,
			LevelCount:     mipLevels,
			BaseArrayLayer: 0,
			LayerCount:     layers,
		},
	}
	view, res := driver.CreateImageView(&info)
	if !VulkanResultIsSuccess(res) {
		return nil, vkError(res, "vkCreateImageView")
	}
	return view, nil
}

func (img *VulkanImage) createSampler(context *VulkanContext) error {
	limits := context.Driver.Limits()
	info := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               vk.FilterLinear,
		MinFilter:               vk.FilterLinear,
		MipmapMode:              vk.SamplerMipmapModeLinear,
		AddressModeU:            vk.SamplerAddressModeRepeat,
		AddressModeV:            vk.SamplerAddressModeRepeat,
		AddressModeW:            vk.SamplerAddressModeRepeat,
		AnisotropyEnable:        vk.Bool32(ConditionalOperator(limits.MaxSamplerAnisotropy > 1, vk.True, vk.False)),
		MaxAnisotropy:           limits.MaxSamplerAnisotropy,
		CompareEnable:           vk.False,
		CompareOp:               vk.CompareOpAlways,
		MinLod:                  0,
		MaxLod:                  float32(img.MipLevels),
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
	}
	if img.ArrayLayers == 6 {
		info.AddressModeU = vk.SamplerAddressModeClampToEdge
		info.AddressModeV = vk.SamplerAddressModeClampToEdge
		info.AddressModeW = vk.SamplerAddressModeClampToEdge
	}
	sampler, res := context.Driver.CreateSampler(&info)
	if !VulkanResultIsSuccess(res) {
		return vkError(res, "vkCreateSampler")
	}
	img.Sampler = sampler
	return nil
}

// layoutUsage returns the accesses and stages that touch an image in layout.
func layoutUsage(layout vk.ImageLayout) (vk.AccessFlags, vk.PipelineStageFlags) {
	switch layout {
	case vk.ImageLayoutUndefined, vk.ImageLayoutPreinitialized:
		return 0, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
	case vk.ImageLayoutTransferDstOptimal:
		return vk.AccessFlags(vk.AccessTransferWriteBit), vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	case vk.ImageLayoutTransferSrcOptimal:
		return vk.AccessFlags(vk.AccessTransferReadBit), vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	case vk.ImageLayoutShaderReadOnlyOptimal:
		return vk.AccessFlags(vk.AccessShaderReadBit), vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit)
	case vk.ImageLayoutColorAttachmentOptimal:
		return vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit),
			vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
	case vk.ImageLayoutDepthStencilAttachmentOptimal:
		return vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit),
			vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit)
	case vk.ImageLayoutDepthStencilReadOnlyOptimal:
		return vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit | vk.AccessShaderReadBit),
			vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageFragmentShaderBit)
	case vk.ImageLayoutPresentSrc:
		return 0, vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit)
	default:
		return vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit), vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	}
}

// LayoutBarrier builds the barrier moving a subresource range of image between layouts.
func LayoutBarrier(image vk.Image, aspect vk.ImageAspectFlags, oldLayout, newLayout vk.ImageLayout, baseMip, mipCount, layers uint32) (vk.ImageMemoryBarrier, vk.PipelineStageFlags, vk.PipelineStageFlags) {
	srcAccess, srcStage := layoutUsage(oldLayout)
	dstAccess, dstStage := layoutUsage(newLayout)
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       srcAccess,
		DstAccessMask:       dstAccess,
		OldLayout:           oldLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   baseMip,
			LevelCount:     mipCount,
			BaseArrayLayer: 0,
			LayerCount:     layers,
		},
	}
	return barrier, srcStage, dstStage
}

// AcquireBarrier moves a freshly acquired swapchain image to COLOR_ATTACHMENT_OPTIMAL.
// Its source stage is the one the acquire semaphore is waited on, so the transition
// is ordered after the presentation engine has released the image.
func AcquireBarrier(image vk.Image) (vk.ImageMemoryBarrier, vk.PipelineStageFlags, vk.PipelineStageFlags) {
	barrier, _, dst := LayoutBarrier(image, vk.ImageAspectFlags(vk.ImageAspectColorBit),
		vk.ImageLayoutUndefined, vk.ImageLayoutColorAttachmentOptimal, 0, 1, 1)
	barrier.SrcAccessMask = 0
	return barrier, vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit), dst
}

func (img *VulkanImage) barrier(cb *VulkanCommandBuffer, oldLayout, newLayout vk.ImageLayout, baseMip, mipCount uint32) {
	barrier, src, dst := LayoutBarrier(img.Handle, img.Aspect, oldLayout, newLayout, baseMip, mipCount, img.ArrayLayers)
	cb.driver.CmdPipelineBarrier(cb.Handle, src, dst, []vk.ImageMemoryBarrier{barrier})
}

// TransitionLayout records a barrier moving every subresource to newLayout and
// updates the tracked layout. Transitioning to the current layout records nothing.
func (img *VulkanImage) TransitionLayout(cb *VulkanCommandBuffer, newLayout vk.ImageLayout) error {
	if err := core.Assert(img.Handle != nil, "transitioning a destroyed image"); err != nil {
		return err
	}
	if err := cb.require(COMMAND_BUFFER_STATE_RECORDING, "TransitionLayout"); err != nil {
		return err
	}
	if img.Layout == newLayout {
		return nil
	}
	img.barrier(cb, img.Layout, newLayout, 0, img.MipLevels)
	img.Layout = newLayout
	return nil
}

// CopyFromBuffer copies tightly packed texels for mip 0 of every layer. The image
// must be in TRANSFER_DST_OPTIMAL.
func (img *VulkanImage) CopyFromBuffer(cb *VulkanCommandBuffer, buffer *VulkanBuffer) error {
	if err := core.Assert(img.Layout == vk.ImageLayoutTransferDstOptimal, "copy into image in layout %d", img.Layout); err != nil {
		return err
	}
	if err := cb.require(COMMAND_BUFFER_STATE_RECORDING, "CopyFromBuffer"); err != nil {
		return err
	}
	region := vk.BufferImageCopy{
		BufferOffset:      0,
		BufferRowLength:   0,
		BufferImageHeight: 0,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     img.Aspect,
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     img.ArrayLayers,
		},
		ImageExtent: vk.Extent3D{
			Width:  img.Width,
			Height: img.Height,
			Depth:  1,
		},
	}
	cb.driver.CmdCopyBufferToImage(cb.Handle, buffer.Handle, img.Handle, vk.ImageLayoutTransferDstOptimal, []vk.BufferImageCopy{region})
	return nil
}

// SupportsLinearBlit reports whether format can be the source of a linear blit.
func SupportsLinearBlit(driver ResourceDriver, format vk.Format) bool {
	props := driver.FormatProperties(format)
	return vk.FormatFeatureFlagBits(props.OptimalTilingFeatures)&vk.FormatFeatureSampledImageFilterLinearBit != 0
}

// GenerateMipmaps fills mips 1..n from mip 0 with a blit chain and leaves every
// level in SHADER_READ_ONLY_OPTIMAL. Mip 0 must hold data in TRANSFER_DST_OPTIMAL.
func (img *VulkanImage) GenerateMipmaps(context *VulkanContext, cb *VulkanCommandBuffer) error {
	if err := core.Assert(img.Layout == vk.ImageLayoutTransferDstOptimal, "mip generation from layout %d", img.Layout); err != nil {
		return err
	}
	if !SupportsLinearBlit(context.Driver, img.Format) {
		return errors.Wrapf(core.ErrNoSuitableFormat, "format %d does not support linear blits", img.Format)
	}
	if err := cb.require(COMMAND_BUFFER_STATE_RECORDING, "GenerateMipmaps"); err != nil {
		return err
	}

	width, height := int32(img.Width), int32(img.Height)
	for level := uint32(1); level < img.MipLevels; level++ {
		img.barrier(cb, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutTransferSrcOptimal, level-1, 1)

		nextWidth, nextHeight := max(width/2, 1), max(height/2, 1)
		blit := vk.ImageBlit{
			SrcSubresource: vk.ImageSubresourceLayers{
				AspectMask:     img.Aspect,
				MipLevel:       level - 1,
				BaseArrayLayer: 0,
				LayerCount:     img.ArrayLayers,
			},
			SrcOffsets: [2]vk.Offset3D{{}, {X: width, Y: height, Z: 1}},
			DstSubresource: vk.ImageSubresourceLayers{
				AspectMask:     img.Aspect,
				MipLevel:       level,
				BaseArrayLayer: 0,
				LayerCount:     img.ArrayLayers,
			},
			DstOffsets: [2]vk.Offset3D{{}, {X: nextWidth, Y: nextHeight, Z: 1}},
		}
		cb.driver.CmdBlitImage(cb.Handle,
			img.Handle, vk.ImageLayoutTransferSrcOptimal,
			img.Handle, vk.ImageLayoutTransferDstOptimal,
			[]vk.ImageBlit{blit}, vk.FilterLinear)

		img.barrier(cb, vk.ImageLayoutTransferSrcOptimal, vk.ImageLayoutShaderReadOnlyOptimal, level-1, 1)
		width, height = nextWidth, nextHeight
	}
	img.barrier(cb, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal, img.MipLevels-1, 1)
	img.Layout = vk.ImageLayoutShaderReadOnlyOptimal
	return nil
}

// Destroy releases the sampler, the view and the image memory.
func (img *VulkanImage) Destroy(context *VulkanContext) error {
	if img.Handle == nil {
		return errors.Mark(core.Assert(false, "image destroyed twice"), core.ErrResourceDestroyed)
	}
	if img.Sampler != nil {
		context.Driver.DestroySampler(img.Sampler)
		img.Sampler = nil
	}
	if img.View != nil {
		context.Driver.DestroyImageView(img.View)
		img.View = nil
	}
	err := context.Allocator.DestroyImage(img.Handle, img.Allocation)
	img.Handle = nil
	img.Allocation = nil
	return err
}

// NewTextureImage uploads RGBA8 pixels into a sampled image. With mipmapped set the
// full mip chain is generated when the format supports linear blits.
func NewTextureImage(context *VulkanContext, width, height uint32, pixels []byte, mipmapped bool, name string) (*VulkanImage, error) {
	if err := core.Assert(len(pixels) == int(width*height*4), "texture %q has %d bytes for %dx%d texels", name, len(pixels), width, height); err != nil {
		return nil, err
	}
	mips := uint32(1)
	if mipmapped {
		if SupportsLinearBlit(context.Driver, TEXTURE_FORMAT) {
			mips = MipLevelsFor(width, height)
		} else {
			core.LogWarn("texture %q: format does not support linear blits, skipping mipmaps", name)
		}
	}
	return uploadTexture(context, ImageCreateOptions{
		Width:         width,
		Height:        height,
		Format:        TEXTURE_FORMAT,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit),
		Aspect:        vk.ImageAspectFlags(vk.ImageAspectColorBit),
		MipLevels:     mips,
		CreateView:    true,
		CreateSampler: true,
		Name:          name,
	}, pixels)
}

// NewCubeTextureImage uploads six square RGBA8 faces in +X, -X, +Y, -Y, +Z, -Z order.
func NewCubeTextureImage(context *VulkanContext, size uint32, faces [6][]byte, name string) (*VulkanImage, error) {
	faceBytes := int(size * size * 4)
	pixels := make([]byte, 0, faceBytes*6)
	for i, face := range faces {
		if err := core.Assert(len(face) == faceBytes, "cube %q face %d has %d bytes, want %d", name, i, len(face), faceBytes); err != nil {
			return nil, err
		}
		pixels = append(pixels, face...)
	}
	return uploadTexture(context, ImageCreateOptions{
		Width:         size,
		Height:        size,
		Format:        TEXTURE_FORMAT,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit),
		Aspect:        vk.ImageAspectFlags(vk.ImageAspectColorBit),
		MipLevels:     1,
		Cube:          true,
		CreateView:    true,
		CreateSampler: true,
		Name:          name,
	}, pixels)
}

func uploadTexture(context *VulkanContext, opts ImageCreateOptions, pixels []byte) (*VulkanImage, error) {
	staging, err := CreateStagingBuffer(context, pixels)
	if err != nil {
		return nil, err
	}
	defer staging.Destroy(context)

	img, err := ImageCreate(context, opts)
	if err != nil {
		return nil, err
	}

	pool, queue := context.TransferTarget()
	err = SingleUse(context, pool, queue, func(cb *VulkanCommandBuffer) error {
		if err := img.TransitionLayout(cb, vk.ImageLayoutTransferDstOptimal); err != nil {
			return err
		}
		if err := img.CopyFromBuffer(cb, staging); err != nil {
			return err
		}
		if img.MipLevels > 1 {
			return img.GenerateMipmaps(context, cb)
		}
		return img.TransitionLayout(cb, vk.ImageLayoutShaderReadOnlyOptimal)
	})
	if err != nil {
		_ = img.Destroy(context)
		return nil, errors.Wrapf(err, "uploading texture %q", opts.Name)
	}
	return img, nil
}

// TEXTURE_INDEX_NONE marks a material slot without a texture.
const TEXTURE_INDEX_NONE = -1

// TextureTable maps material texture indices to images. Lookups that miss fall
// back to a 1x1 white texture.
type TextureTable struct {
	textures []*VulkanImage
	fallback *VulkanImage
}

func NewTextureTable(context *VulkanContext) (*TextureTable, error) {
	white := []byte{0xff, 0xff, 0xff, 0xff}
	fallback, err := NewTextureImage(context, 1, 1, white, false, "default-white")
	if err != nil {
		return nil, err
	}
	return &TextureTable{fallback: fallback}, nil
}

func (t *TextureTable) Add(img *VulkanImage) int {
	t.textures = append(t.textures, img)
	return len(t.textures) - 1
}

func (t *TextureTable) Len() int {
	return len(t.textures)
}

func (t *TextureTable) Fallback() *VulkanImage {
	return t.fallback
}

func (t *TextureTable) Get(index int) *VulkanImage {
	if index == TEXTURE_INDEX_NONE {
		return t.fallback
	}
	if index < 0 || index >= len(t.textures) {
		core.LogWarn("texture index %d out of range (%d textures), using default", index, len(t.textures))
		return t.fallback
	}
	return t.textures[index]
}

func (t *TextureTable) Destroy(context *VulkanContext) error {
	var errs error
	for _, img := range t.textures {
		errs = errors.CombineErrors(errs, img.Destroy(context))
	}
	t.textures = nil
	if t.fallback != nil {
		errs = errors.CombineErrors(errs, t.fallback.Destroy(context))
		t.fallback = nil
	}
	return errs
}
