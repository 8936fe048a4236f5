package vulkan

import (
	"math"
	"math/bits"
	"os"
	"slices"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	vk "github.com/goki/vulkan"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/spaghettifunk/lumen/engine/core"
)

// AllocatorDriver is what the allocator needs from the device.
type AllocatorDriver interface {
	MemoryDriver
	ResourceDriver
}

type AllocationKind int

const (
	ALLOCATION_KIND_BUFFER AllocationKind = iota
	ALLOCATION_KIND_IMAGE
)

func (k AllocationKind) String() string {
	if k == ALLOCATION_KIND_IMAGE {
		return "IMAGE"
	}
	return "BUFFER"
}

// AllocationCreateInfo describes the access pattern of a request.
type AllocationCreateInfo struct {
	// Mapped selects host visible, write-combined memory the CPU writes sequentially.
	Mapped bool
	// PersistentlyMapped keeps the mapping open for the whole lifetime of the allocation.
	PersistentlyMapped bool
	// Dedicated forces a device memory object of its own.
	Dedicated bool
	Name      string
}

// Allocation is a span of device memory bound to exactly one buffer or image. It
// is released once, through the allocator, when its resource is destroyed.
type Allocation struct {
	id              uint64
	Name            string
	Kind            AllocationKind
	allocator       *Allocator
	block           *memoryBlock
	Offset          vk.DeviceSize
	Size            vk.DeviceSize
	memoryTypeIndex uint32
	mapCount        int
	persistent      unsafe.Pointer
	freed           bool
}

type freeRange struct {
	offset vk.DeviceSize
	size   vk.DeviceSize
}

type memoryBlock struct {
	id              int
	memory          vk.DeviceMemory
	size            vk.DeviceSize
	memoryTypeIndex uint32
	kind            AllocationKind
	dedicated       bool
	free            []freeRange
	allocations     int
	mapRefs         int
	mapped          unsafe.Pointer
}

type blockKey struct {
	memoryTypeIndex uint32
	kind            AllocationKind
}

// Allocator hands out device memory suballocated from large blocks. Buffers and
// images never share a block so the buffer-image granularity never applies.
type Allocator struct {
	driver      AllocatorDriver
	types       []MemoryType
	blockSize   vk.DeviceSize
	blocks      map[blockKey][]*memoryBlock
	dedicated   []*memoryBlock
	live        *swiss.Map[uint64, *Allocation]
	nextID      uint64
	nextBlockID int
}

func NewAllocator(driver AllocatorDriver, blockSize vk.DeviceSize) (*Allocator, error) {
	if !IsPow2(uint64(blockSize)) {
		return nil, errors.Newf("block size must be a power of two, got %d", blockSize)
	}
	types := driver.MemoryTypes()
	if len(types) == 0 {
		return nil, errors.New("device exposes no memory types")
	}
	return &Allocator{
		driver:    driver,
		types:     types,
		blockSize: blockSize,
		blocks:    make(map[blockKey][]*memoryBlock),
		live:      swiss.NewMap[uint64, *Allocation](64),
	}, nil
}

func memoryPreferences(create AllocationCreateInfo) (required, preferred, notPreferred vk.MemoryPropertyFlags) {
	if create.Mapped || create.PersistentlyMapped {
		required = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)
		preferred = vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit)
		notPreferred = vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit)
		return
	}
	preferred = vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	notPreferred = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)
	return
}

// FindMemoryTypeIndex picks the cheapest memory type allowed by typeBits that has
// every required flag. The cost is the number of preferred flags missing plus
// the number of unwanted flags present.
func (a *Allocator) FindMemoryTypeIndex(typeBits uint32, create AllocationCreateInfo) (uint32, error) {
	required, preferred, notPreferred := memoryPreferences(create)

	best := -1
	bestCost := math.MaxInt
	for i, t := range a.types {
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if t.PropertyFlags&required != required {
			continue
		}
		cost := bits.OnesCount32(uint32(preferred&^t.PropertyFlags)) +
			bits.OnesCount32(uint32(t.PropertyFlags&notPreferred))
		if cost < bestCost {
			best = i
			bestCost = cost
			if cost == 0 {
				break
			}
		}
	}
	if best < 0 {
		return 0, errors.Newf("no memory type matches bits %#b with required flags %#x", typeBits, required)
	}
	return uint32(best), nil
}

func (a *Allocator) preferredBlockSize(memoryTypeIndex uint32) vk.DeviceSize {
	heap := a.types[memoryTypeIndex].HeapSize
	// small heaps get an eighth of their size per block
	if heap > 0 && heap <= 1<<30 {
		return min(a.blockSize, AlignUp(heap/8, 32))
	}
	return a.blockSize
}

// CreateBuffer creates a buffer and binds it to fresh memory.
func (a *Allocator) CreateBuffer(size vk.DeviceSize, usage vk.BufferUsageFlags, create AllocationCreateInfo) (vk.Buffer, *Allocation, error) {
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        size,
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}
	handle, res := a.driver.CreateBuffer(&info)
	if err := vkError(res, "vkCreateBuffer"); err != nil {
		return nil, nil, err
	}

	requirements := a.driver.BufferMemoryRequirements(handle)
	allocation, err := a.allocate(requirements, ALLOCATION_KIND_BUFFER, create)
	if err != nil {
		a.driver.DestroyBuffer(handle)
		return nil, nil, err
	}
	if err := vkError(a.driver.BindBufferMemory(handle, allocation.block.memory, allocation.Offset), "vkBindBufferMemory"); err != nil {
		a.driver.DestroyBuffer(handle)
		_ = a.Free(allocation)
		return nil, nil, err
	}
	return handle, allocation, nil
}

// CreateImage creates an image described by info and binds it to fresh memory.
func (a *Allocator) CreateImage(info *vk.ImageCreateInfo, create AllocationCreateInfo) (vk.Image, *Allocation, error) {
	handle, res := a.driver.CreateImage(info)
	if err := vkError(res, "vkCreateImage"); err != nil {
		return nil, nil, err
	}

	requirements := a.driver.ImageMemoryRequirements(handle)
	allocation, err := a.allocate(requirements, ALLOCATION_KIND_IMAGE, create)
	if err != nil {
		a.driver.DestroyImage(handle)
		return nil, nil, err
	}
	if err := vkError(a.driver.BindImageMemory(handle, allocation.block.memory, allocation.Offset), "vkBindImageMemory"); err != nil {
		a.driver.DestroyImage(handle)
		_ = a.Free(allocation)
		return nil, nil, err
	}
	return handle, allocation, nil
}

// DestroyBuffer destroys the buffer and then releases its memory.
func (a *Allocator) DestroyBuffer(handle vk.Buffer, allocation *Allocation) error {
	if handle != nil {
		a.driver.DestroyBuffer(handle)
	}
	return a.Free(allocation)
}

func (a *Allocator) DestroyImage(handle vk.Image, allocation *Allocation) error {
	if handle != nil {
		a.driver.DestroyImage(handle)
	}
	return a.Free(allocation)
}

func (a *Allocator) allocate(requirements vk.MemoryRequirements, kind AllocationKind, create AllocationCreateInfo) (*Allocation, error) {
	typeIndex, err := a.FindMemoryTypeIndex(requirements.MemoryTypeBits, create)
	if err != nil {
		core.LogError("memory allocation of %d bytes failed: %s", requirements.Size, err)
		return nil, err
	}

	alignment := max(requirements.Alignment, 1)
	key := blockKey{memoryTypeIndex: typeIndex, kind: kind}
	blockSize := a.preferredBlockSize(typeIndex)

	var block *memoryBlock
	var offset vk.DeviceSize
	if create.Dedicated || requirements.Size > blockSize/2 {
		block, err = a.newBlock(requirements.Size, typeIndex, kind, true)
		if err != nil {
			return nil, err
		}
		a.dedicated = append(a.dedicated, block)
		block.free = nil
	} else {
		found := false
		for _, b := range a.blocks[key] {
			if offset, found = b.suballocate(requirements.Size, alignment); found {
				block = b
				break
			}
		}
		if !found {
			block, err = a.newBlock(blockSize, typeIndex, kind, false)
			if err != nil {
				return nil, err
			}
			a.blocks[key] = append(a.blocks[key], block)
			offset, _ = block.suballocate(requirements.Size, alignment)
		}
	}
	block.allocations++

	a.nextID++
	allocation := &Allocation{
		id:              a.nextID,
		Name:            create.Name,
		Kind:            kind,
		allocator:       a,
		block:           block,
		Offset:          offset,
		Size:            requirements.Size,
		memoryTypeIndex: typeIndex,
	}
	a.live.Put(allocation.id, allocation)

	if create.PersistentlyMapped {
		ptr, err := allocation.Map()
		if err != nil {
			_ = a.Free(allocation)
			return nil, err
		}
		allocation.persistent = ptr
	}
	return allocation, nil
}

func (a *Allocator) newBlock(size vk.DeviceSize, typeIndex uint32, kind AllocationKind, dedicated bool) (*memoryBlock, error) {
	memory, res := a.driver.AllocateMemory(size, typeIndex)
	if err := vkError(res, "vkAllocateMemory"); err != nil {
		core.LogError("unable to allocate a %d byte block from memory type %d", size, typeIndex)
		return nil, err
	}
	a.nextBlockID++
	return &memoryBlock{
		id:              a.nextBlockID,
		memory:          memory,
		size:            size,
		memoryTypeIndex: typeIndex,
		kind:            kind,
		dedicated:       dedicated,
		free:            []freeRange{{offset: 0, size: size}},
	}, nil
}

// suballocate finds the first free range that fits size at the given alignment.
func (b *memoryBlock) suballocate(size, alignment vk.DeviceSize) (vk.DeviceSize, bool) {
	for i, r := range b.free {
		aligned := AlignUp(r.offset, alignment)
		end := r.offset + r.size
		if aligned+size > end {
			continue
		}
		var replacement []freeRange
		if aligned > r.offset {
			replacement = append(replacement, freeRange{offset: r.offset, size: aligned - r.offset})
		}
		if aligned+size < end {
			replacement = append(replacement, freeRange{offset: aligned + size, size: end - aligned - size})
		}
		b.free = slices.Replace(b.free, i, i+1, replacement...)
		return aligned, true
	}
	return 0, false
}

// release returns a span to the free list, merging it with its neighbours.
func (b *memoryBlock) release(offset, size vk.DeviceSize) {
	i, _ := slices.BinarySearchFunc(b.free, offset, func(r freeRange, target vk.DeviceSize) int {
		switch {
		case r.offset < target:
			return -1
		case r.offset > target:
			return 1
		}
		return 0
	})
	b.free = slices.Insert(b.free, i, freeRange{offset: offset, size: size})
	if i+1 < len(b.free) && b.free[i].offset+b.free[i].size == b.free[i+1].offset {
		b.free[i].size += b.free[i+1].size
		b.free = slices.Delete(b.free, i+1, i+2)
	}
	if i > 0 && b.free[i-1].offset+b.free[i-1].size == b.free[i].offset {
		b.free[i-1].size += b.free[i].size
		b.free = slices.Delete(b.free, i, i+1)
	}
}

func (a *Allocator) isHostVisible(typeIndex uint32) bool {
	return a.types[typeIndex].PropertyFlags&vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) != 0
}

func (a *Allocator) isHostCoherent(typeIndex uint32) bool {
	return a.types[typeIndex].PropertyFlags&vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit) != 0
}

// Map returns a CPU pointer to the start of the allocation. Every Map must be
// paired with an Unmap; the block memory stays mapped while any allocation in it is.
func (al *Allocation) Map() (unsafe.Pointer, error) {
	if err := core.Assert(!al.freed, "mapping freed allocation %d", al.id); err != nil {
		return nil, err
	}
	if err := core.Assert(al.allocator.isHostVisible(al.memoryTypeIndex), "allocation %d lives in memory that is not host visible", al.id); err != nil {
		return nil, err
	}
	b := al.block
	if b.mapRefs == 0 {
		ptr, res := al.allocator.driver.MapMemory(b.memory, 0, vk.DeviceSize(vk.WholeSize))
		if err := vkError(res, "vkMapMemory"); err != nil {
			return nil, err
		}
		b.mapped = ptr
	}
	b.mapRefs++
	al.mapCount++
	return unsafe.Add(b.mapped, int(al.Offset)), nil
}

func (al *Allocation) Unmap() {
	if al.mapCount == 0 {
		core.LogWarn("unmapping allocation %d which is not mapped", al.id)
		return
	}
	al.mapCount--
	b := al.block
	b.mapRefs--
	if b.mapRefs == 0 {
		al.allocator.driver.UnmapMemory(b.memory)
		b.mapped = nil
	}
}

// MappedPointer is the persistent mapping, nil unless the allocation was created
// with PersistentlyMapped.
func (al *Allocation) MappedPointer() unsafe.Pointer {
	return al.persistent
}

func (al *Allocation) IsPersistentlyMapped() bool {
	return al.persistent != nil
}

// Flush makes host writes to [offset, offset+size) visible to the device. It is
// a no-op on coherent memory.
func (al *Allocation) Flush(offset, size vk.DeviceSize) error {
	a := al.allocator
	if a.isHostCoherent(al.memoryTypeIndex) {
		return nil
	}
	atom := max(a.driver.Limits().NonCoherentAtomSize, 1)
	start := (al.Offset + offset) / atom * atom
	end := min(AlignUp(al.Offset+offset+size, atom), al.block.size)
	return vkError(a.driver.FlushMemory(al.block.memory, start, end-start), "vkFlushMappedMemoryRanges")
}

// Free releases the allocation. Releasing the same allocation twice is an
// invariant violation.
func (a *Allocator) Free(allocation *Allocation) error {
	if allocation == nil {
		return nil
	}
	if err := core.Assert(!allocation.freed, "allocation %d (%s) freed twice", allocation.id, allocation.Name); err != nil {
		return err
	}
	for allocation.mapCount > 0 {
		allocation.Unmap()
	}
	allocation.persistent = nil
	allocation.freed = true
	a.live.Delete(allocation.id)

	b := allocation.block
	b.allocations--
	if b.dedicated {
		a.dedicated = slices.DeleteFunc(a.dedicated, func(d *memoryBlock) bool { return d == b })
		a.driver.FreeMemory(b.memory)
		return nil
	}
	b.release(allocation.Offset, allocation.Size)

	// keep one empty block per list around for reuse
	key := blockKey{memoryTypeIndex: b.memoryTypeIndex, kind: b.kind}
	if b.allocations == 0 && len(a.blocks[key]) > 1 {
		a.blocks[key] = slices.DeleteFunc(a.blocks[key], func(other *memoryBlock) bool { return other == b })
		a.driver.FreeMemory(b.memory)
	}
	return nil
}

// Destroy frees every block. Allocations still alive are reported as leaks.
func (a *Allocator) Destroy() {
	if count := a.live.Count(); count > 0 {
		core.LogWarn("destroying allocator with %d live allocations", count)
		a.live.Iter(func(_ uint64, al *Allocation) bool {
			core.LogWarn("leaked allocation %d %q: %d bytes of %s", al.id, al.Name, al.Size, al.Kind)
			return false
		})
	}
	for _, list := range a.blocks {
		for _, b := range list {
			if b.mapRefs > 0 {
				a.driver.UnmapMemory(b.memory)
			}
			a.driver.FreeMemory(b.memory)
		}
	}
	for _, b := range a.dedicated {
		if b.mapRefs > 0 {
			a.driver.UnmapMemory(b.memory)
		}
		a.driver.FreeMemory(b.memory)
	}
	a.blocks = make(map[blockKey][]*memoryBlock)
	a.dedicated = nil
	a.live.Clear()
}

// Statistics of a group of blocks.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      vk.DeviceSize
	AllocationBytes vk.DeviceSize
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  vk.DeviceSize
	AllocationSizeMax  vk.DeviceSize
	UnusedRangeSizeMin vk.DeviceSize
	UnusedRangeSizeMax vk.DeviceSize
}

func newDetailedStatistics() DetailedStatistics {
	return DetailedStatistics{
		AllocationSizeMin:  math.MaxUint64,
		UnusedRangeSizeMin: math.MaxUint64,
	}
}

func (s *DetailedStatistics) addAllocation(size vk.DeviceSize) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizeMin = min(s.AllocationSizeMin, size)
	s.AllocationSizeMax = max(s.AllocationSizeMax, size)
}

func (s *DetailedStatistics) addUnusedRange(size vk.DeviceSize) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}

func (s *DetailedStatistics) addBlock(b *memoryBlock) {
	s.BlockCount++
	s.BlockBytes += b.size
	for _, r := range b.free {
		s.addUnusedRange(r.size)
	}
}

// AllocatorStatistics are the totals plus one entry per memory type.
type AllocatorStatistics struct {
	Total       DetailedStatistics
	MemoryTypes []DetailedStatistics
}

func (a *Allocator) allBlocks() []*memoryBlock {
	var all []*memoryBlock
	for _, list := range a.blocks {
		all = append(all, list...)
	}
	all = append(all, a.dedicated...)
	slices.SortFunc(all, func(x, y *memoryBlock) int { return x.id - y.id })
	return all
}

func (a *Allocator) Statistics() AllocatorStatistics {
	stats := AllocatorStatistics{
		Total:       newDetailedStatistics(),
		MemoryTypes: make([]DetailedStatistics, len(a.types)),
	}
	for i := range stats.MemoryTypes {
		stats.MemoryTypes[i] = newDetailedStatistics()
	}
	for _, b := range a.allBlocks() {
		stats.Total.addBlock(b)
		stats.MemoryTypes[b.memoryTypeIndex].addBlock(b)
	}
	a.live.Iter(func(_ uint64, al *Allocation) bool {
		stats.Total.addAllocation(al.Size)
		stats.MemoryTypes[al.memoryTypeIndex].addAllocation(al.Size)
		return false
	})
	return stats
}

func writeStatistics(obj *jwriter.ObjectState, s DetailedStatistics) {
	obj.Name("BlockCount").Int(s.BlockCount)
	obj.Name("BlockBytes").Int(int(s.BlockBytes))
	obj.Name("AllocationCount").Int(s.AllocationCount)
	obj.Name("AllocationBytes").Int(int(s.AllocationBytes))
	obj.Name("UnusedRangeCount").Int(s.UnusedRangeCount)
	if s.AllocationCount > 0 {
		obj.Name("AllocationSizeMin").Int(int(s.AllocationSizeMin))
		obj.Name("AllocationSizeMax").Int(int(s.AllocationSizeMax))
	}
	if s.UnusedRangeCount > 0 {
		obj.Name("UnusedRangeSizeMin").Int(int(s.UnusedRangeSizeMin))
		obj.Name("UnusedRangeSizeMax").Int(int(s.UnusedRangeSizeMax))
	}
}

func memoryFlagNames(flags vk.MemoryPropertyFlags) []string {
	var names []string
	for _, f := range []struct {
		bit  vk.MemoryPropertyFlagBits
		name string
	}{
		{vk.MemoryPropertyDeviceLocalBit, "DEVICE_LOCAL"},
		{vk.MemoryPropertyHostVisibleBit, "HOST_VISIBLE"},
		{vk.MemoryPropertyHostCoherentBit, "HOST_COHERENT"},
		{vk.MemoryPropertyHostCachedBit, "HOST_CACHED"},
		{vk.MemoryPropertyLazilyAllocatedBit, "LAZILY_ALLOCATED"},
	} {
		if flags&vk.MemoryPropertyFlags(f.bit) != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

// BuildStatsJSON renders the memory layout: totals, then every memory type in
// use with its blocks and their suballocations in offset order.
func (a *Allocator) BuildStatsJSON() ([]byte, error) {
	stats := a.Statistics()

	perBlock := make(map[*memoryBlock][]*Allocation)
	a.live.Iter(func(_ uint64, al *Allocation) bool {
		perBlock[al.block] = append(perBlock[al.block], al)
		return false
	})

	w := jwriter.NewWriter()
	root := w.Object()

	total := root.Name("Total").Object()
	writeStatistics(&total, stats.Total)
	total.End()

	types := root.Name("MemoryTypes").Object()
	blocks := a.allBlocks()
	for i, t := range a.types {
		if stats.MemoryTypes[i].BlockCount == 0 {
			continue
		}
		typeObj := types.Name("Type " + strconv.Itoa(i)).Object()
		typeObj.Name("HeapIndex").Int(int(t.HeapIndex))
		flags := typeObj.Name("Flags").Array()
		for _, name := range memoryFlagNames(t.PropertyFlags) {
			flags.String(name)
		}
		flags.End()

		statsObj := typeObj.Name("Stats").Object()
		writeStatistics(&statsObj, stats.MemoryTypes[i])
		statsObj.End()

		blocksObj := typeObj.Name("Blocks").Object()
		for _, b := range blocks {
			if b.memoryTypeIndex != uint32(i) {
				continue
			}
			writeBlock(&blocksObj, b, perBlock[b])
		}
		blocksObj.End()
		typeObj.End()
	}
	types.End()
	root.End()

	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "building memory statistics")
	}
	return w.Bytes(), nil
}

func writeBlock(parent *jwriter.ObjectState, b *memoryBlock, allocations []*Allocation) {
	blockObj := parent.Name(strconv.Itoa(b.id)).Object()
	defer blockObj.End()

	blockObj.Name("Size").Int(int(b.size))
	blockObj.Name("Dedicated").Bool(b.dedicated)
	blockObj.Name("Resource").String(b.kind.String())
	blockObj.Name("MapReferences").Int(b.mapRefs)

	type entry struct {
		offset, size vk.DeviceSize
		kind, name   string
	}
	entries := make([]entry, 0, len(allocations)+len(b.free))
	for _, al := range allocations {
		entries = append(entries, entry{al.Offset, al.Size, al.Kind.String(), al.Name})
	}
	for _, r := range b.free {
		entries = append(entries, entry{r.offset, r.size, "FREE", ""})
	}
	slices.SortFunc(entries, func(x, y entry) int {
		switch {
		case x.offset < y.offset:
			return -1
		case x.offset > y.offset:
			return 1
		}
		return 0
	})

	arrayState := blockObj.Name("Suballocations").Array()
	for _, e := range entries {
		obj := arrayState.Object()
		obj.Name("Offset").Int(int(e.offset))
		obj.Name("Size").Int(int(e.size))
		obj.Name("Type").String(e.kind)
		if e.name != "" {
			obj.Name("Name").String(e.name)
		}
		obj.End()
	}
	arrayState.End()
}

// DumpStats writes BuildStatsJSON to path.
func (a *Allocator) DumpStats(path string) error {
	data, err := a.BuildStatsJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing memory statistics to %s", path)
	}
	core.LogInfo("memory statistics written to %s", path)
	return nil
}
