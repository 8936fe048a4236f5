package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

/**
 * @brief Device local vertex and index data for one drawable. Indices are uint32.
 */
type VulkanGeometry struct {
	Name string
	/** @brief The vertex count. */
	VertexCount uint32
	/** @brief The size of each vertex. */
	VertexElementSize uint32
	/** @brief The index count. */
	IndexCount uint32

	Vertices *VulkanBuffer
	Indices  *VulkanBuffer
}

// NewGeometry uploads vertices and indices through staging buffers.
func NewGeometry[V any](context *VulkanContext, name string, vertices []V, indices []uint32) (*VulkanGeometry, error) {
	if err := core.Assert(len(vertices) > 0, "geometry %q has no vertices", name); err != nil {
		return nil, err
	}
	vb, err := UploadBuffer(context, vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit), vertices, name+"-vertices")
	if err != nil {
		return nil, errors.Wrapf(err, "geometry %s", name)
	}
	g := &VulkanGeometry{
		Name:              name,
		VertexCount:       uint32(len(vertices)),
		VertexElementSize: uint32(len(bytesOf(vertices)) / len(vertices)),
		Vertices:          vb,
	}
	if len(indices) > 0 {
		ib, err := UploadBuffer(context, vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit), indices, name+"-indices")
		if err != nil {
			_ = vb.Destroy(context)
			return nil, errors.Wrapf(err, "geometry %s", name)
		}
		g.Indices = ib
		g.IndexCount = uint32(len(indices))
	}
	return g, nil
}

// Draw binds the buffers and records an indexed draw.
func (g *VulkanGeometry) Draw(cb *VulkanCommandBuffer) error {
	if err := core.Assert(cb.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS, "drawing %s outside a render pass", g.Name); err != nil {
		return err
	}
	if err := core.Assert(g.Indices != nil, "geometry %s has no index buffer", g.Name); err != nil {
		return err
	}
	g.Vertices.BindVertex(cb, 0)
	g.Indices.BindIndex(cb, 0)
	cb.driver.CmdDrawIndexed(cb.Handle, g.IndexCount, 0)
	return nil
}

func (g *VulkanGeometry) Destroy(context *VulkanContext) error {
	var errs error
	if g.Vertices != nil {
		errs = errors.CombineErrors(errs, g.Vertices.Destroy(context))
		g.Vertices = nil
	}
	if g.Indices != nil {
		errs = errors.CombineErrors(errs, g.Indices.Destroy(context))
		g.Indices = nil
	}
	return errs
}
