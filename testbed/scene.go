package testbed

import (
	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/assets"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/vulkan"
)

const (
	CUBE_VERTEX_SHADER   = "cube.vert"
	CUBE_FRAGMENT_SHADER = "cube.frag"
)

// sceneUniforms are the offsets of each variable in a frame's uniform block.
type sceneUniforms struct {
	viewProjection int
	tint           int
	light          int
}

// CubeScene draws one textured, spinning cube through the depth prepass and the
// color pass.
type CubeScene struct {
	context *vulkan.VulkanContext
	shaders *assets.ShaderLibrary
	camera  *Camera

	cube     *vulkan.VulkanGeometry
	textures *vulkan.TextureTable
	albedo   int

	// One uniform block per frame in flight so the CPU never writes a buffer the
	// GPU may still be reading.
	uniforms  []*vulkan.DynamicBuffer
	handles   sceneUniforms
	setLayout vk.DescriptorSetLayout

	// The set written by the depth prepass is reused by the color pass.
	set      vk.DescriptorSet
	setFrame uint64

	depthPipeline *vulkan.ManagedPipeline
	colorPipeline *vulkan.ManagedPipeline

	model    mgl32.Mat4
	rotation float32
	aspect   float32
	tint     mgl32.Vec4
}

func NewCubeScene() *CubeScene {
	return &CubeScene{
		camera: NewCamera(),
		albedo: vulkan.TEXTURE_INDEX_NONE,
		model:  mgl32.Ident4(),
		aspect: 16.0 / 9.0,
		tint:   mgl32.Vec4{1, 1, 1, 1},
	}
}

func (s *CubeScene) Initialize(ctx *engine.GameContext, texturePath string) error {
	renderer := ctx.Renderer
	s.context = renderer.Context()
	s.shaders = ctx.Shaders

	vertices, indices := GenerateCube(1, 1, 1, 1, 1)
	cube, err := vulkan.NewGeometry(s.context, "cube", vertices, indices)
	if err != nil {
		return err
	}
	s.cube = cube

	if s.textures, err = vulkan.NewTextureTable(s.context); err != nil {
		return err
	}
	if texturePath != "" {
		s.albedo = s.loadTexture(texturePath)
	}

	for i := uint32(0); i < s.context.FramesInFlight; i++ {
		block, handles, err := s.newUniformBlock(i)
		if err != nil {
			return err
		}
		s.uniforms = append(s.uniforms, block)
		s.handles = handles
	}

	s.setLayout, err = vulkan.BeginDescriptorBuilder(renderer.Layouts(), nil).
		AddBinding(0, vk.DescriptorTypeUniformBuffer, vk.ShaderStageFlags(vk.ShaderStageVertexBit|vk.ShaderStageFragmentBit)).
		AddBinding(1, vk.DescriptorTypeCombinedImageSampler, vk.ShaderStageFlags(vk.ShaderStageFragmentBit)).
		BuildLayout()
	if err != nil {
		return errors.Wrap(err, "cube descriptor layout")
	}

	if s.depthPipeline, err = renderer.CreatePipeline([]string{CUBE_VERTEX_SHADER}, s.buildDepthPipeline); err != nil {
		return errors.Wrap(err, "cube depth pipeline")
	}
	if s.colorPipeline, err = renderer.CreatePipeline([]string{CUBE_VERTEX_SHADER, CUBE_FRAGMENT_SHADER}, s.buildColorPipeline); err != nil {
		return errors.Wrap(err, "cube color pipeline")
	}
	return nil
}

// loadTexture uploads the image at path, or returns TEXTURE_INDEX_NONE so the
// cube falls back to plain white.
func (s *CubeScene) loadTexture(path string) int {
	data, err := assets.LoadTexture(path, assets.TextureOptions{FlipY: true})
	if err != nil {
		core.LogWarn("cube texture: %s", err)
		return vulkan.TEXTURE_INDEX_NONE
	}
	img, err := vulkan.NewTextureImage(s.context, data.Width, data.Height, data.Pixels, true, data.Name)
	if err != nil {
		core.LogWarn("cube texture %s: %s", data.Name, err)
		return vulkan.TEXTURE_INDEX_NONE
	}
	return s.textures.Add(img)
}

func (s *CubeScene) newUniformBlock(frame uint32) (*vulkan.DynamicBuffer, sceneUniforms, error) {
	var handles sceneUniforms
	block := vulkan.NewDynamicBuffer("cube-uniforms")
	var err error
	if handles.viewProjection, err = vulkan.AddVariable(block, mgl32.Ident4()); err != nil {
		return nil, handles, err
	}
	if handles.tint, err = vulkan.AddVariable(block, s.tint); err != nil {
		return nil, handles, err
	}
	if handles.light, err = vulkan.AddVariable(block, mgl32.Vec4{-0.4, -1, -0.6, 0}); err != nil {
		return nil, handles, err
	}
	if err := block.Init(s.context); err != nil {
		return nil, handles, errors.Wrapf(err, "uniform block for frame %d", frame)
	}
	return block, handles, nil
}

func (s *CubeScene) pipelineConfig(name string, renderpass *vulkan.VulkanRenderpass, stages []*vulkan.VulkanShaderStage) *vulkan.VulkanPipelineConfig {
	return &vulkan.VulkanPipelineConfig{
		Name:                 name,
		Renderpass:           renderpass,
		Stride:               VERTEX_STRIDE,
		Attributes:           vertexAttributes(),
		DescriptorSetLayouts: []vk.DescriptorSetLayout{s.setLayout},
		Stages:               stages,
		CullMode:             vulkan.FACE_CULL_MODE_BACK,
		PushConstantRanges: []vulkan.PushConstantRange{
			{Stages: vk.ShaderStageFlags(vk.ShaderStageVertexBit), Offset: 0, Size: 64},
		},
	}
}

// loadStages creates one module per name. Modules can go as soon as the pipeline
// exists, so the returned release must run after pipeline creation.
func (s *CubeScene) loadStages(context *vulkan.VulkanContext, names []string, kinds []vk.ShaderStageFlagBits) ([]*vulkan.VulkanShaderStage, func(), error) {
	stages := make([]*vulkan.VulkanShaderStage, 0, len(names))
	release := func() {
		for _, stage := range stages {
			stage.Destroy(context)
		}
	}
	for i, name := range names {
		stage, err := vulkan.LoadShaderStage(context, s.shaders, name, kinds[i])
		if err != nil {
			release()
			return nil, nil, err
		}
		stages = append(stages, stage)
	}
	return stages, release, nil
}

func (s *CubeScene) buildDepthPipeline(context *vulkan.VulkanContext, passes *vulkan.RenderPasses) (*vulkan.VulkanPipeline, error) {
	stages, release, err := s.loadStages(context, []string{CUBE_VERTEX_SHADER}, []vk.ShaderStageFlagBits{vk.ShaderStageVertexBit})
	if err != nil {
		return nil, err
	}
	defer release()
	config := s.pipelineConfig("cube-depth", passes.Depth, stages)
	config.Flags = vulkan.PIPELINE_FLAG_DEPTH_TEST | vulkan.PIPELINE_FLAG_DEPTH_WRITE
	config.SetDepthCompareOp(vk.CompareOpLess)
	return vulkan.NewGraphicsPipeline(context, config)
}

func (s *CubeScene) buildColorPipeline(context *vulkan.VulkanContext, passes *vulkan.RenderPasses) (*vulkan.VulkanPipeline, error) {
	stages, release, err := s.loadStages(context,
		[]string{CUBE_VERTEX_SHADER, CUBE_FRAGMENT_SHADER},
		[]vk.ShaderStageFlagBits{vk.ShaderStageVertexBit, vk.ShaderStageFragmentBit})
	if err != nil {
		return nil, err
	}
	defer release()
	// The prepass already wrote depth, the color pass only tests against it.
	config := s.pipelineConfig("cube-color", passes.Color, stages)
	config.Flags = vulkan.PIPELINE_FLAG_DEPTH_TEST
	config.SetDepthCompareOp(vk.CompareOpLessOrEqual)
	return vulkan.NewGraphicsPipeline(context, config)
}

func (s *CubeScene) Update(deltaTime float64) {
	s.rotation += float32(deltaTime)
	s.model = mgl32.HomogRotate3DY(s.rotation).Mul4(mgl32.HomogRotate3DX(s.rotation * 0.5))
}

func (s *CubeScene) Resize(width, height uint32) {
	if width == 0 || height == 0 {
		return
	}
	s.aspect = float32(width) / float32(height)
}

func (s *CubeScene) draw(frame *vulkan.FrameContext, pipeline *vulkan.VulkanPipeline, set vk.DescriptorSet) error {
	cb := frame.CommandBuffer
	if err := pipeline.Bind(cb, vk.PipelineBindPointGraphics); err != nil {
		return err
	}
	pipeline.BindDescriptorSets(cb, 0, set)
	pipeline.PushConstants(cb, vk.ShaderStageFlags(vk.ShaderStageVertexBit), 0, matrixBytes(&s.model))
	return s.cube.Draw(cb)
}

// frameSet writes this frame's uniforms and allocates the set both passes bind.
func (s *CubeScene) frameSet(frame *vulkan.FrameContext) (vk.DescriptorSet, error) {
	block := s.uniforms[frame.FrameIndex]
	if err := vulkan.UpdateVariable(block, s.handles.viewProjection, s.camera.ViewProjection(s.aspect)); err != nil {
		return nil, err
	}
	if err := vulkan.UpdateVariable(block, s.handles.tint, s.tint); err != nil {
		return nil, err
	}

	set, err := frame.Descriptors.Allocate(s.setLayout)
	if err != nil {
		return nil, err
	}
	var writer vulkan.DescriptorWriter
	if err := block.ProperBind(0, &writer); err != nil {
		return nil, err
	}
	texture := s.textures.Get(s.albedo)
	writer.WriteImage(1, texture.View, texture.Sampler, vk.ImageLayoutShaderReadOnlyOptimal, vk.DescriptorTypeCombinedImageSampler)
	if err := writer.UpdateSet(frame.Context.Driver, set); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *CubeScene) RecordDepth(frame *vulkan.FrameContext) error {
	set, err := s.frameSet(frame)
	if err != nil {
		return err
	}
	s.set, s.setFrame = set, frame.FrameNumber
	return s.draw(frame, s.depthPipeline.Pipeline, set)
}

func (s *CubeScene) RecordColor(frame *vulkan.FrameContext) error {
	set := s.set
	if set == nil || s.setFrame != frame.FrameNumber {
		var err error
		if set, err = s.frameSet(frame); err != nil {
			return err
		}
	}
	s.set = nil
	return s.draw(frame, s.colorPipeline.Pipeline, set)
}

// Destroy releases the scene's own resources. Pipelines belong to the renderer.
func (s *CubeScene) Destroy() error {
	if s.context == nil {
		return nil
	}
	var errs error
	if s.cube != nil {
		errs = errors.CombineErrors(errs, s.cube.Destroy(s.context))
		s.cube = nil
	}
	for _, block := range s.uniforms {
		errs = errors.CombineErrors(errs, block.Destroy(s.context))
	}
	s.uniforms = nil
	if s.textures != nil {
		errs = errors.CombineErrors(errs, s.textures.Destroy(s.context))
		s.textures = nil
	}
	return errs
}
