package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

/**
 * @brief A buffer object bound to memory from the allocator.
 */
type VulkanBuffer struct {
	/** @brief The handle to the internal buffer. */
	Handle vk.Buffer
	/** @brief The total size of the buffer in bytes. */
	TotalSize vk.DeviceSize
	/** @brief The usage flags. */
	Usage vk.BufferUsageFlags
	/** @brief The memory backing the buffer. */
	Allocation *Allocation
	/** @brief The number of elements the buffer was created for, 0 if untyped. */
	ElementCount uint32
}

// NewBuffer creates a buffer of size bytes.
func NewBuffer(context *VulkanContext, size vk.DeviceSize, usage vk.BufferUsageFlags, create AllocationCreateInfo) (*VulkanBuffer, error) {
	if err := core.Assert(size > 0, "buffer %q created with zero size", create.Name); err != nil {
		return nil, err
	}
	handle, allocation, err := context.Allocator.CreateBuffer(size, usage, create)
	if err != nil {
		return nil, errors.Wrapf(err, "creating buffer %q", create.Name)
	}
	return &VulkanBuffer{
		Handle:     handle,
		TotalSize:  size,
		Usage:      usage,
		Allocation: allocation,
	}, nil
}

func bytesOf[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*int(unsafe.Sizeof(zero)))
}

// CreateStagingBuffer allocates a host visible transfer source and copies data into it.
func CreateStagingBuffer[T any](context *VulkanContext, data []T) (*VulkanBuffer, error) {
	raw := bytesOf(data)
	buffer, err := NewBuffer(context, vk.DeviceSize(len(raw)),
		vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit),
		AllocationCreateInfo{Mapped: true, Name: "staging"})
	if err != nil {
		return nil, err
	}
	buffer.ElementCount = uint32(len(data))
	if err := buffer.write(0, raw); err != nil {
		_ = buffer.Destroy(context)
		return nil, err
	}
	return buffer, nil
}

// LoadBufferData writes data at offset bytes into a host visible buffer.
func LoadBufferData[T any](buffer *VulkanBuffer, offset vk.DeviceSize, data []T) error {
	return buffer.write(offset, bytesOf(data))
}

func (b *VulkanBuffer) write(offset vk.DeviceSize, raw []byte) error {
	if err := core.Assert(b.Handle != nil, "writing to a destroyed buffer"); err != nil {
		return err
	}
	size := vk.DeviceSize(len(raw))
	if err := core.Assert(offset+size <= b.TotalSize, "write of %d bytes at %d overflows buffer of %d bytes", size, offset, b.TotalSize); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	ptr := b.Allocation.MappedPointer()
	if ptr == nil {
		mapped, err := b.Allocation.Map()
		if err != nil {
			return err
		}
		defer b.Allocation.Unmap()
		ptr = mapped
	}
	dst := unsafe.Slice((*byte)(unsafe.Add(ptr, int(offset))), len(raw))
	copy(dst, raw)
	return b.Allocation.Flush(offset, size)
}

// CopyBuffer copies size bytes from src to dst through a single use command buffer.
func CopyBuffer(context *VulkanContext, src *VulkanBuffer, srcOffset vk.DeviceSize, dst *VulkanBuffer, dstOffset vk.DeviceSize, size vk.DeviceSize) error {
	pool, queue := context.TransferTarget()
	return SingleUse(context, pool, queue, func(cb *VulkanCommandBuffer) error {
		return RecordCopyBuffer(cb, src, srcOffset, dst, dstOffset, size)
	})
}

// RecordCopyBuffer records a buffer to buffer copy into cb.
func RecordCopyBuffer(cb *VulkanCommandBuffer, src *VulkanBuffer, srcOffset vk.DeviceSize, dst *VulkanBuffer, dstOffset vk.DeviceSize, size vk.DeviceSize) error {
	if err := core.Assert(srcOffset+size <= src.TotalSize && dstOffset+size <= dst.TotalSize,
		"copy of %d bytes out of range (src %d/%d, dst %d/%d)", size, srcOffset, src.TotalSize, dstOffset, dst.TotalSize); err != nil {
		return err
	}
	if err := cb.require(COMMAND_BUFFER_STATE_RECORDING, "CopyBuffer"); err != nil {
		return err
	}
	cb.driver.CmdCopyBuffer(cb.Handle, src.Handle, dst.Handle, []vk.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
	return nil
}

// UploadBuffer creates a device local buffer holding data, going through a
// staging buffer. It blocks until the copy has executed.
func UploadBuffer[T any](context *VulkanContext, usage vk.BufferUsageFlags, data []T, name string) (*VulkanBuffer, error) {
	staging, err := CreateStagingBuffer(context, data)
	if err != nil {
		return nil, err
	}
	defer staging.Destroy(context)

	buffer, err := NewBuffer(context, staging.TotalSize,
		usage|vk.BufferUsageFlags(vk.BufferUsageTransferDstBit),
		AllocationCreateInfo{Name: name})
	if err != nil {
		return nil, err
	}
	buffer.ElementCount = uint32(len(data))

	if err := CopyBuffer(context, staging, 0, buffer, 0, staging.TotalSize); err != nil {
		_ = buffer.Destroy(context)
		return nil, errors.Wrapf(err, "uploading %s", name)
	}
	return buffer, nil
}

// UploadBufferAsync is UploadBuffer recorded on a transfer arena. The staging
// buffer is released once the arena reports the copy complete.
func UploadBufferAsync[T any](context *VulkanContext, arena *TransferArena, usage vk.BufferUsageFlags, data []T, name string) (*VulkanBuffer, error) {
	staging, err := CreateStagingBuffer(context, data)
	if err != nil {
		return nil, err
	}
	buffer, err := NewBuffer(context, staging.TotalSize,
		usage|vk.BufferUsageFlags(vk.BufferUsageTransferDstBit),
		AllocationCreateInfo{Name: name})
	if err != nil {
		_ = staging.Destroy(context)
		return nil, err
	}
	buffer.ElementCount = uint32(len(data))

	cb, err := arena.Acquire()
	if err == nil {
		if err = RecordCopyBuffer(cb, staging, 0, buffer, 0, staging.TotalSize); err == nil {
			err = arena.Submit(cb, func() {
				if err := staging.Destroy(context); err != nil {
					core.LogError("releasing staging buffer of %s: %s", name, err)
				}
			})
		}
		if err != nil {
			err = errors.CombineErrors(err, arena.Abandon(cb))
		}
	}
	if err != nil {
		_ = staging.Destroy(context)
		_ = buffer.Destroy(context)
		return nil, err
	}
	return buffer, nil
}

func (b *VulkanBuffer) BindVertex(cb *VulkanCommandBuffer, offset vk.DeviceSize) {
	cb.driver.CmdBindVertexBuffers(cb.Handle, []vk.Buffer{b.Handle}, []vk.DeviceSize{offset})
}

func (b *VulkanBuffer) BindIndex(cb *VulkanCommandBuffer, offset vk.DeviceSize) {
	cb.driver.CmdBindIndexBuffer(cb.Handle, b.Handle, offset, vk.IndexTypeUint32)
}

// Destroy releases the buffer and its memory. A buffer is destroyed once.
func (b *VulkanBuffer) Destroy(context *VulkanContext) error {
	if b.Handle == nil {
		return errors.Mark(core.Assert(false, "buffer destroyed twice"), core.ErrResourceDestroyed)
	}
	err := context.Allocator.DestroyBuffer(b.Handle, b.Allocation)
	b.Handle = nil
	b.Allocation = nil
	b.TotalSize = 0
	return err
}
