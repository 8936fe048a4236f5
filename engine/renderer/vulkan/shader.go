package vulkan

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

const SPIRV_MAGIC uint32 = 0x07230203

// ShaderLoader returns the SPIR-V blob stored under a shader name.
type ShaderLoader interface {
	Load(name string) ([]byte, error)
}

/**
 * @brief Represents a single shader stage.
 */
type VulkanShaderStage struct {
	/** @brief The internal shader module handle. */
	Handle vk.ShaderModule
	Stage  vk.ShaderStageFlagBits
	/** @brief The shader name the blob was loaded from. */
	Name string
}

// SpirvWords reinterprets a little endian SPIR-V blob as words.
func SpirvWords(code []byte) ([]uint32, error) {
	if len(code) < 4 || len(code)%4 != 0 {
		return nil, errors.Newf("spir-v blob of %d bytes is not word aligned", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != SPIRV_MAGIC {
		return nil, errors.Newf("bad spir-v magic %#08x", words[0])
	}
	return words, nil
}

func NewShaderStage(context *VulkanContext, name string, code []byte, stage vk.ShaderStageFlagBits) (*VulkanShaderStage, error) {
	words, err := SpirvWords(code)
	if err != nil {
		return nil, errors.Wrapf(err, "shader %s", name)
	}
	module, res := context.Driver.CreateShaderModule(words)
	if !VulkanResultIsSuccess(res) {
		return nil, vkError(res, "vkCreateShaderModule "+name)
	}
	return &VulkanShaderStage{Handle: module, Stage: stage, Name: name}, nil
}

// LoadShaderStage reads name from loader and creates its module.
func LoadShaderStage(context *VulkanContext, loader ShaderLoader, name string, stage vk.ShaderStageFlagBits) (*VulkanShaderStage, error) {
	code, err := loader.Load(name)
	if err != nil {
		core.LogError("unable to read shader module %s: %s", name, err)
		return nil, err
	}
	return NewShaderStage(context, name, code, stage)
}

func (s *VulkanShaderStage) createInfo() vk.PipelineShaderStageCreateInfo {
	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  s.Stage,
		Module: s.Handle,
		PName:  VulkanSafeString("main"),
	}
}

func (s *VulkanShaderStage) Destroy(context *VulkanContext) {
	if s.Handle != nil {
		context.Driver.DestroyShaderModule(s.Handle)
		s.Handle = nil
	}
}
