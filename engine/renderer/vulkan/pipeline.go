package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

type FaceCullMode int

const (
	FACE_CULL_MODE_NONE FaceCullMode = iota
	FACE_CULL_MODE_FRONT
	FACE_CULL_MODE_BACK
	FACE_CULL_MODE_FRONT_AND_BACK
)

type PipelineFlags uint32

const (
	PIPELINE_FLAG_DEPTH_TEST PipelineFlags = 1 << iota
	PIPELINE_FLAG_DEPTH_WRITE
	PIPELINE_FLAG_BLEND
)

type PushConstantRange struct {
	Stages vk.ShaderStageFlags
	Offset uint32
	Size   uint32
}

/**
 * @brief Holds a Vulkan pipeline and its layout.
 */
type VulkanPipeline struct {
	/** @brief The internal pipeline handle. */
	Handle vk.Pipeline
	/** @brief The pipeline layout. */
	PipelineLayout vk.PipelineLayout
	Name           string
}

type VulkanPipelineConfig struct {
	Name string
	/** @brief The renderpass the pipeline renders in. */
	Renderpass *VulkanRenderpass
	/** @brief The stride of the vertex data, 0 for pipelines without vertex input. */
	Stride uint32
	/** @brief An array of attributes. */
	Attributes []vk.VertexInputAttributeDescription
	/** @brief An array of descriptor set layouts. */
	DescriptorSetLayouts []vk.DescriptorSetLayout
	Stages               []*VulkanShaderStage
	/** @brief The face cull mode. */
	CullMode FaceCullMode
	/** @brief Indicates if this pipeline should use wireframe mode. */
	IsWireframe bool
	Flags       PipelineFlags
	/** @brief The depth comparison, used when HasDepthCompareOp is set. CompareOpLess otherwise. */
	DepthCompareOp vk.CompareOp
	/** @brief Set when DepthCompareOp was chosen explicitly. CompareOpNever is zero, so the op alone cannot tell. */
	HasDepthCompareOp  bool
	PushConstantRanges []PushConstantRange
}

// SetDepthCompareOp selects the depth comparison for pipelines with depth testing.
func (c *VulkanPipelineConfig) SetDepthCompareOp(op vk.CompareOp) {
	c.DepthCompareOp = op
	c.HasDepthCompareOp = true
}

func cullModeFlags(mode FaceCullMode) vk.CullModeFlags {
	switch mode {
	case FACE_CULL_MODE_NONE:
		return vk.CullModeFlags(vk.CullModeNone)
	case FACE_CULL_MODE_FRONT:
		return vk.CullModeFlags(vk.CullModeFrontBit)
	case FACE_CULL_MODE_FRONT_AND_BACK:
		return vk.CullModeFlags(vk.CullModeFrontAndBack)
	default:
		return vk.CullModeFlags(vk.CullModeBackBit)
	}
}

func NewGraphicsPipeline(context *VulkanContext, config *VulkanPipelineConfig) (*VulkanPipeline, error) {
	if err := core.Assert(config.Renderpass != nil && len(config.Stages) > 0, "pipeline %s needs a renderpass and stages", config.Name); err != nil {
		return nil, err
	}
	// NOTE: 128 bytes are guaranteed, in 4 byte steps.
	if len(config.PushConstantRanges) > 32 {
		return nil, errors.Newf("pipeline %s: cannot have more than 32 push constant ranges, got %d", config.Name, len(config.PushConstantRanges))
	}

	// Viewport and scissor are dynamic.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             vk.PolygonModeFill,
		LineWidth:               1.0,
		CullMode:                cullModeFlags(config.CullMode),
		FrontFace:               vk.FrontFaceCounterClockwise,
		DepthBiasEnable:         vk.False,
	}
	if config.IsWireframe {
		rasterizer.PolygonMode = vk.PolygonModeLine
	}

	multisampling := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		SampleShadingEnable:  vk.False,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:             vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:   vk.False,
		DepthWriteEnable:  vk.False,
		StencilTestEnable: vk.False,
	}
	if config.Flags&PIPELINE_FLAG_DEPTH_TEST != 0 {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthCompareOp = ConditionalOperator(config.HasDepthCompareOp, config.DepthCompareOp, vk.CompareOpLess)
	}
	if config.Flags&PIPELINE_FLAG_DEPTH_WRITE != 0 {
		depthStencil.DepthWriteEnable = vk.True
	}

	blendAttachment := vk.PipelineColorBlendAttachmentState{
		BlendEnable: vk.False,
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit |
			vk.ColorComponentBBit | vk.ColorComponentABit),
	}
	if config.Flags&PIPELINE_FLAG_BLEND != 0 {
		blendAttachment.BlendEnable = vk.True
		blendAttachment.SrcColorBlendFactor = vk.BlendFactorSrcAlpha
		blendAttachment.DstColorBlendFactor = vk.BlendFactorOneMinusSrcAlpha
		blendAttachment.ColorBlendOp = vk.BlendOpAdd
		blendAttachment.SrcAlphaBlendFactor = vk.BlendFactorSrcAlpha
		blendAttachment.DstAlphaBlendFactor = vk.BlendFactorOneMinusSrcAlpha
		blendAttachment.AlphaBlendOp = vk.BlendOpAdd
	}
	blendAttachments := make([]vk.PipelineColorBlendAttachmentState, config.Renderpass.ColorCount)
	for i := range blendAttachments {
		blendAttachments[i] = blendAttachment
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(blendAttachments)),
		PAttachments:    blendAttachments,
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}
	if config.Stride > 0 {
		vertexInput.VertexBindingDescriptionCount = 1
		vertexInput.PVertexBindingDescriptions = []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    config.Stride,
			InputRate: vk.VertexInputRateVertex,
		}}
		vertexInput.VertexAttributeDescriptionCount = uint32(len(config.Attributes))
		vertexInput.PVertexAttributeDescriptions = config.Attributes
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vk.False,
	}

	layoutInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(config.DescriptorSetLayouts)),
		PSetLayouts:    config.DescriptorSetLayouts,
	}
	if n := len(config.PushConstantRanges); n > 0 {
		ranges := make([]vk.PushConstantRange, n)
		for i, r := range config.PushConstantRanges {
			ranges[i] = vk.PushConstantRange{StageFlags: r.Stages, Offset: r.Offset, Size: r.Size}
		}
		layoutInfo.PushConstantRangeCount = uint32(n)
		layoutInfo.PPushConstantRanges = ranges
	}

	layout, res := context.Driver.CreatePipelineLayout(&layoutInfo)
	if !VulkanResultIsSuccess(res) {
		return nil, vkError(res, "vkCreatePipelineLayout "+config.Name)
	}
	pipeline := &VulkanPipeline{PipelineLayout: layout, Name: config.Name}

	stages := make([]vk.PipelineShaderStageCreateInfo, len(config.Stages))
	for i, s := range config.Stages {
		stages[i] = s.createInfo()
	}

	info := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisampling,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamicState,
		Layout:              layout,
		RenderPass:          config.Renderpass.Handle,
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}
	handle, res := context.Driver.CreateGraphicsPipeline(info)
	if !VulkanResultIsSuccess(res) {
		pipeline.Destroy(context)
		return nil, vkError(res, "vkCreateGraphicsPipelines "+config.Name)
	}
	pipeline.Handle = handle

	core.LogDebug("Graphics pipeline %s created.", config.Name)
	return pipeline, nil
}

func (pipeline *VulkanPipeline) Bind(cb *VulkanCommandBuffer, bindPoint vk.PipelineBindPoint) error {
	if err := core.Assert(cb.IsRecording(), "binding pipeline %s on a command buffer in state %s", pipeline.Name, cb.State); err != nil {
		return err
	}
	cb.driver.CmdBindPipeline(cb.Handle, bindPoint, pipeline.Handle)
	return nil
}

// BindDescriptorSets binds sets starting at firstSet against the pipeline layout.
func (pipeline *VulkanPipeline) BindDescriptorSets(cb *VulkanCommandBuffer, firstSet uint32, sets ...vk.DescriptorSet) {
	cb.driver.CmdBindDescriptorSets(cb.Handle, vk.PipelineBindPointGraphics, pipeline.PipelineLayout, firstSet, sets)
}

func (pipeline *VulkanPipeline) PushConstants(cb *VulkanCommandBuffer, stages vk.ShaderStageFlags, offset uint32, data []byte) {
	cb.driver.CmdPushConstants(cb.Handle, pipeline.PipelineLayout, stages, offset, data)
}

func (pipeline *VulkanPipeline) Destroy(context *VulkanContext) {
	if pipeline.Handle != nil {
		context.Driver.DestroyPipeline(pipeline.Handle)
		pipeline.Handle = nil
	}
	if pipeline.PipelineLayout != nil {
		context.Driver.DestroyPipelineLayout(pipeline.PipelineLayout)
		pipeline.PipelineLayout = nil
	}
}
