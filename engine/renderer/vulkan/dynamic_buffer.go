package vulkan

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

// UniformValue is a payload the dynamic buffer accepts. Both are multiples of
// four floats.
type UniformValue interface {
	mgl32.Vec4 | mgl32.Mat4
}

func components[T UniformValue](value T) []float32 {
	switch v := any(value).(type) {
	case mgl32.Vec4:
		return v[:]
	case mgl32.Mat4:
		return v[:]
	}
	return nil
}

/**
 * @brief An append only block of uniform floats backed by a persistently mapped
 * host visible buffer. Variables are addressed by their float offset.
 *
 * Variables must all be added before Init. The block is frozen afterwards.
 */
type DynamicBuffer struct {
	name   string
	data   []float32
	buffer *VulkanBuffer
	frozen bool
}

func NewDynamicBuffer(name string) *DynamicBuffer {
	return &DynamicBuffer{name: name}
}

// AddVariable appends value and returns its float offset.
func AddVariable[T UniformValue](db *DynamicBuffer, value T) (int, error) {
	if db.frozen {
		core.LogError("dynamic buffer %q: variable added after Init", db.name)
		return 0, errors.Wrapf(core.ErrDynamicBufferFrozen, "dynamic buffer %q", db.name)
	}
	handle := len(db.data)
	db.data = append(db.data, components(value)...)
	return handle, nil
}

// UpdateVariable overwrites the variable at handle in place.
func UpdateVariable[T UniformValue](db *DynamicBuffer, handle int, value T) error {
	floats := components(value)
	if err := core.Assert(handle >= 0 && handle%4 == 0 && handle+len(floats) <= len(db.data),
		"dynamic buffer %q: handle %d with %d floats out of bounds (%d floats)", db.name, handle, len(floats), len(db.data)); err != nil {
		return err
	}
	copy(db.data[handle:], floats)
	return nil
}

// Init creates the GPU buffer sized to the current contents and freezes the layout.
func (db *DynamicBuffer) Init(context *VulkanContext) error {
	if err := core.Assert(!db.frozen, "dynamic buffer %q initialized twice", db.name); err != nil {
		return err
	}
	if err := core.Assert(len(db.data) > 0, "dynamic buffer %q initialized empty", db.name); err != nil {
		return err
	}
	buffer, err := NewBuffer(context, db.Size(),
		vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit),
		AllocationCreateInfo{Mapped: true, PersistentlyMapped: true, Name: db.name})
	if err != nil {
		return err
	}
	db.buffer = buffer
	db.frozen = true
	return db.Sync()
}

// Sync copies the whole block into the mapped buffer.
func (db *DynamicBuffer) Sync() error {
	if err := core.Assert(db.buffer != nil, "dynamic buffer %q used before Init", db.name); err != nil {
		return err
	}
	return LoadBufferData(db.buffer, 0, db.data)
}

// ProperBind syncs the block and queues a uniform buffer write for binding.
func (db *DynamicBuffer) ProperBind(binding uint32, writer *DescriptorWriter) error {
	if err := db.Sync(); err != nil {
		return err
	}
	writer.WriteBuffer(binding, db.buffer.Handle, 0, db.Size(), vk.DescriptorTypeUniformBuffer)
	return nil
}

// Floats returns a copy of the CPU side block.
func (db *DynamicBuffer) Floats() []float32 {
	return slices.Clone(db.data)
}

func (db *DynamicBuffer) Len() int {
	return len(db.data)
}

func (db *DynamicBuffer) Size() vk.DeviceSize {
	return vk.DeviceSize(len(db.data) * 4)
}

func (db *DynamicBuffer) Buffer() *VulkanBuffer {
	return db.buffer
}

func (db *DynamicBuffer) IsFrozen() bool {
	return db.frozen
}

func (db *DynamicBuffer) Destroy(context *VulkanContext) error {
	if db.buffer == nil {
		return nil
	}
	err := db.buffer.Destroy(context)
	db.buffer = nil
	return err
}
