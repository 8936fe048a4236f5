package vulkan

import (
	"encoding/json"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
)

func TestAllocatorPicksMemoryType(t *testing.T) {
	driver := newFakeDriver()
	driver.memoryTypes = []MemoryType{
		{PropertyFlags: vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCachedBit), HeapSize: 1 << 33},
		{PropertyFlags: vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit), HeapSize: 1 << 33},
		{PropertyFlags: vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit), HeapSize: 1 << 33},
	}
	allocator, err := NewAllocator(driver, 1<<20)
	require.NoError(t, err)

	index, err := allocator.FindMemoryTypeIndex(0b111, AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, uint32(1), index)

	index, err = allocator.FindMemoryTypeIndex(0b111, AllocationCreateInfo{Mapped: true})
	require.NoError(t, err)
	require.Equal(t, uint32(2), index)

	// Only the cached type allowed: still host visible, so it qualifies.
	index, err = allocator.FindMemoryTypeIndex(0b001, AllocationCreateInfo{Mapped: true})
	require.NoError(t, err)
	require.Equal(t, uint32(0), index)

	_, err = allocator.FindMemoryTypeIndex(0b010, AllocationCreateInfo{Mapped: true})
	require.Error(t, err)
}

func TestNewAllocatorRejectsBadBlockSize(t *testing.T) {
	_, err := NewAllocator(newFakeDriver(), 3000)
	require.Error(t, err)
}

func TestAllocatorSuballocatesAndReleases(t *testing.T) {
	driver := newFakeDriver()
	allocator, err := NewAllocator(driver, 1<<20)
	require.NoError(t, err)

	usage := vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit)
	b1, a1, err := allocator.CreateBuffer(1000, usage, AllocationCreateInfo{Name: "one"})
	require.NoError(t, err)
	b2, a2, err := allocator.CreateBuffer(1000, usage, AllocationCreateInfo{Name: "two"})
	require.NoError(t, err)

	require.Equal(t, 1, driver.allocations, "both fit in one block")
	require.Zero(t, a1.Offset)
	require.Equal(t, vk.DeviceSize(1024), a2.Offset, "second offset is aligned to 256")

	stats := allocator.Statistics()
	require.Equal(t, 1, stats.Total.BlockCount)
	require.Equal(t, 2, stats.Total.AllocationCount)
	require.Equal(t, vk.DeviceSize(2016), stats.Total.AllocationBytes)

	require.NoError(t, allocator.DestroyBuffer(b1, a1))
	require.NoError(t, allocator.DestroyBuffer(b2, a2))
	require.Empty(t, driver.buffers)

	stats = allocator.Statistics()
	require.Zero(t, stats.Total.AllocationCount)
	require.Equal(t, 1, stats.Total.UnusedRangeCount, "free ranges merge back into one")

	err = allocator.Free(a1)
	require.Error(t, err)
	require.True(t, core.IsAssertion(err))
}

func TestAllocatorDedicatedForLargeRequests(t *testing.T) {
	driver := newFakeDriver()
	allocator, err := NewAllocator(driver, 1<<20)
	require.NoError(t, err)

	handle, allocation, err := allocator.CreateBuffer(800<<10, vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit), AllocationCreateInfo{})
	require.NoError(t, err)
	require.True(t, allocation.block.dedicated)
	require.Equal(t, 1, len(driver.memory))

	require.NoError(t, allocator.DestroyBuffer(handle, allocation))
	require.Empty(t, driver.memory, "dedicated memory is freed with its resource")
}

func TestAllocationMapping(t *testing.T) {
	driver := newFakeDriver()
	allocator, err := NewAllocator(driver, 1<<20)
	require.NoError(t, err)

	_, persistent, err := allocator.CreateBuffer(64, vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit),
		AllocationCreateInfo{Mapped: true, PersistentlyMapped: true})
	require.NoError(t, err)
	require.True(t, persistent.IsPersistentlyMapped())
	require.NotNil(t, persistent.MappedPointer())

	_, transient, err := allocator.CreateBuffer(64, vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit), AllocationCreateInfo{Mapped: true})
	require.NoError(t, err)
	require.False(t, transient.IsPersistentlyMapped())

	ptr, err := transient.Map()
	require.NoError(t, err)
	require.NotNil(t, ptr)
	transient.Unmap()
	require.Equal(t, 1, persistent.block.mapRefs, "the block stays mapped for the persistent allocation")

	_, local, err := allocator.CreateBuffer(64, vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit), AllocationCreateInfo{})
	require.NoError(t, err)
	_, err = local.Map()
	require.Error(t, err)

	require.NoError(t, allocator.Free(persistent))
	require.Zero(t, persistent.block.mapRefs)
}

func TestAllocationFlushOnNonCoherentMemory(t *testing.T) {
	driver := newFakeDriver()
	driver.memoryTypes = []MemoryType{
		{PropertyFlags: vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit), HeapSize: 1 << 33},
	}
	allocator, err := NewAllocator(driver, 1<<20)
	require.NoError(t, err)

	_, allocation, err := allocator.CreateBuffer(100, vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit), AllocationCreateInfo{Mapped: true})
	require.NoError(t, err)
	require.NoError(t, allocation.Flush(0, 100))
	require.Equal(t, 1, driver.flushes)
}

func TestAllocatorStatsJSON(t *testing.T) {
	driver := newFakeDriver()
	allocator, err := NewAllocator(driver, 1<<20)
	require.NoError(t, err)
	_, _, err = allocator.CreateBuffer(512, vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit), AllocationCreateInfo{Name: "mesh"})
	require.NoError(t, err)

	data, err := allocator.BuildStatsJSON()
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	total := parsed["Total"].(map[string]any)
	require.EqualValues(t, 1, total["AllocationCount"])
	require.Contains(t, string(data), `"Name":"mesh"`)
	require.Contains(t, string(data), `"DEVICE_LOCAL"`)

	path := t.TempDir() + "/stats.json"
	require.NoError(t, allocator.DumpStats(path))
	require.FileExists(t, path)

	allocator.Destroy()
	require.Empty(t, driver.memory)
}
