package vulkan

import (
	"encoding/binary"
	"hash/fnv"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

// PoolSizeRatio is the number of descriptors of Type provisioned per set in a pool.
type PoolSizeRatio struct {
	Type  vk.DescriptorType
	Ratio float32
}

// Default ratios for the material and frame sets the renderer allocates.
var DEFAULT_POOL_RATIOS = []PoolSizeRatio{
	{Type: vk.DescriptorTypeUniformBuffer, Ratio: 2},
	{Type: vk.DescriptorTypeUniformBufferDynamic, Ratio: 1},
	{Type: vk.DescriptorTypeCombinedImageSampler, Ratio: 4},
	{Type: vk.DescriptorTypeStorageBuffer, Ratio: 1},
}

/**
 * @brief A growable set of descriptor pools. Pools are reset in bulk, never
 * destroyed between frames.
 */
type DescriptorAllocator struct {
	driver DescriptorDriver
	ratios []PoolSizeRatio
	/** @brief Pools with room left. */
	ready []vk.DescriptorPool
	/** @brief Exhausted pools waiting for the next ClearPools. */
	full []vk.DescriptorPool
	/** @brief The set count of the next pool created. */
	setsPerPool uint32
}

func NewDescriptorAllocator(driver DescriptorDriver, initialSets uint32, ratios []PoolSizeRatio) (*DescriptorAllocator, error) {
	if err := core.Assert(initialSets > 0 && initialSets <= core.MAX_DESCRIPTOR_SETS_PER_POOL,
		"descriptor pool size %d outside 1..%d", initialSets, core.MAX_DESCRIPTOR_SETS_PER_POOL); err != nil {
		return nil, err
	}
	a := &DescriptorAllocator{
		driver: driver,
		ratios: slices.Clone(ratios),
	}
	pool, err := a.createPool(initialSets)
	if err != nil {
		return nil, err
	}
	a.ready = append(a.ready, pool)
	a.setsPerPool = growSets(initialSets)
	return a, nil
}

func growSets(sets uint32) uint32 {
	return min(sets+sets/2, core.MAX_DESCRIPTOR_SETS_PER_POOL)
}

func (a *DescriptorAllocator) createPool(setCount uint32) (vk.DescriptorPool, error) {
	sizes := make([]vk.DescriptorPoolSize, 0, len(a.ratios))
	for _, r := range a.ratios {
		sizes = append(sizes, vk.DescriptorPoolSize{
			Type:            r.Type,
			DescriptorCount: max(uint32(r.Ratio*float32(setCount)), 1),
		})
	}
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       setCount,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	pool, res := a.driver.CreateDescriptorPool(&info)
	if !VulkanResultIsSuccess(res) {
		return nil, vkError(res, "vkCreateDescriptorPool")
	}
	core.LogDebug("descriptor pool created with %d sets", setCount)
	return pool, nil
}

// getPool pops a ready pool, creating one at the current growth size if none is left.
func (a *DescriptorAllocator) getPool() (vk.DescriptorPool, error) {
	if n := len(a.ready); n > 0 {
		pool := a.ready[n-1]
		a.ready = a.ready[:n-1]
		return pool, nil
	}
	pool, err := a.createPool(a.setsPerPool)
	if err != nil {
		return nil, err
	}
	a.setsPerPool = growSets(a.setsPerPool)
	return pool, nil
}

func isPoolExhausted(res vk.Result) bool {
	return res == vk.ErrorOutOfPoolMemory || res == vk.ErrorFragmentedPool
}

// Allocate returns a set for layout. An exhausted pool is retired to the full list
// and the allocation is retried once on a fresh pool.
func (a *DescriptorAllocator) Allocate(layout vk.DescriptorSetLayout) (vk.DescriptorSet, error) {
	if err := core.Assert(layout != nil, "descriptor set allocated without a layout"); err != nil {
		return nil, err
	}
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}

	set, res := a.driver.AllocateDescriptorSet(pool, layout)
	if isPoolExhausted(res) {
		a.full = append(a.full, pool)
		if pool, err = a.getPool(); err != nil {
			return nil, err
		}
		set, res = a.driver.AllocateDescriptorSet(pool, layout)
	}
	if !VulkanResultIsSuccess(res) {
		// keep the pool around so it is reclaimed by the next ClearPools
		a.full = append(a.full, pool)
		return nil, errors.Mark(vkError(res, "vkAllocateDescriptorSets retry"), core.ErrDescriptorPoolExhausted)
	}
	a.ready = append(a.ready, pool)
	return set, nil
}

// ClearPools resets every pool and returns the full ones to the ready list. Sets
// allocated before the call are invalid afterwards.
func (a *DescriptorAllocator) ClearPools() error {
	var errs error
	for _, pool := range a.ready {
		if res := a.driver.ResetDescriptorPool(pool); !VulkanResultIsSuccess(res) {
			errs = errors.CombineErrors(errs, vkError(res, "vkResetDescriptorPool"))
		}
	}
	for _, pool := range a.full {
		if res := a.driver.ResetDescriptorPool(pool); !VulkanResultIsSuccess(res) {
			errs = errors.CombineErrors(errs, vkError(res, "vkResetDescriptorPool"))
		}
		a.ready = append(a.ready, pool)
	}
	a.full = a.full[:0]
	return errs
}

func (a *DescriptorAllocator) DestroyPools() {
	for _, pool := range a.ready {
		a.driver.DestroyDescriptorPool(pool)
	}
	for _, pool := range a.full {
		a.driver.DestroyDescriptorPool(pool)
	}
	a.ready = nil
	a.full = nil
}

func (a *DescriptorAllocator) PoolCount() (ready, full int) {
	return len(a.ready), len(a.full)
}

func (a *DescriptorAllocator) SetsPerPool() uint32 {
	return a.setsPerPool
}

// FrameDescriptors holds one allocator per frame in flight. A frame's allocator is
// cleared only after that frame's fence has been waited on.
type FrameDescriptors struct {
	frames []*DescriptorAllocator
}

func NewFrameDescriptors(driver DescriptorDriver, framesInFlight, initialSets uint32, ratios []PoolSizeRatio) (*FrameDescriptors, error) {
	fd := &FrameDescriptors{}
	for i := uint32(0); i < framesInFlight; i++ {
		a, err := NewDescriptorAllocator(driver, initialSets, ratios)
		if err != nil {
			fd.Destroy()
			return nil, errors.Wrapf(err, "descriptor allocator for frame %d", i)
		}
		fd.frames = append(fd.frames, a)
	}
	return fd, nil
}

func (fd *FrameDescriptors) Frame(index uint32) *DescriptorAllocator {
	return fd.frames[index%uint32(len(fd.frames))]
}

func (fd *FrameDescriptors) Destroy() {
	for _, a := range fd.frames {
		a.DestroyPools()
	}
	fd.frames = nil
}

type pendingWrite struct {
	binding uint32
	kind    vk.DescriptorType
	image   *vk.DescriptorImageInfo
	buffer  *vk.DescriptorBufferInfo
}

// DescriptorWriter batches descriptor writes and commits them to a set in a single
// update call.
type DescriptorWriter struct {
	writes []pendingWrite
}

func (w *DescriptorWriter) has(binding uint32) bool {
	return slices.ContainsFunc(w.writes, func(p pendingWrite) bool { return p.binding == binding })
}

func (w *DescriptorWriter) WriteImage(binding uint32, view vk.ImageView, sampler vk.Sampler, layout vk.ImageLayout, kind vk.DescriptorType) {
	if w.has(binding) {
		core.LogWarn("descriptor binding %d already written, skipping", binding)
		return
	}
	w.writes = append(w.writes, pendingWrite{
		binding: binding,
		kind:    kind,
		image: &vk.DescriptorImageInfo{
			Sampler:     sampler,
			ImageView:   view,
			ImageLayout: layout,
		},
	})
}

func (w *DescriptorWriter) WriteBuffer(binding uint32, buffer vk.Buffer, offset, size vk.DeviceSize, kind vk.DescriptorType) {
	if w.has(binding) {
		core.LogWarn("descriptor binding %d already written, skipping", binding)
		return
	}
	w.writes = append(w.writes, pendingWrite{
		binding: binding,
		kind:    kind,
		buffer: &vk.DescriptorBufferInfo{
			Buffer: buffer,
			Offset: offset,
			Range:  size,
		},
	})
}

func (w *DescriptorWriter) Len() int {
	return len(w.writes)
}

func (w *DescriptorWriter) Clear() {
	w.writes = w.writes[:0]
}

// UpdateSet commits every pending write to set. Pending writes are kept so the same
// batch can be applied to several sets.
func (w *DescriptorWriter) UpdateSet(driver DescriptorDriver, set vk.DescriptorSet) error {
	if err := core.Assert(set != nil, "descriptor writes committed to a nil set"); err != nil {
		return err
	}
	if len(w.writes) == 0 {
		return nil
	}
	writes := make([]vk.WriteDescriptorSet, 0, len(w.writes))
	for _, p := range w.writes {
		write := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      p.binding,
			DstArrayElement: 0,
			DescriptorCount: 1,
			DescriptorType:  p.kind,
		}
		if p.image != nil {
			write.PImageInfo = []vk.DescriptorImageInfo{*p.image}
		} else {
			write.PBufferInfo = []vk.DescriptorBufferInfo{*p.buffer}
		}
		writes = append(writes, write)
	}
	driver.UpdateDescriptorSets(writes)
	return nil
}

type cachedLayout struct {
	bindings []vk.DescriptorSetLayoutBinding
	layout   vk.DescriptorSetLayout
}

// DescriptorLayoutCache returns one layout object per structurally distinct binding list.
type DescriptorLayoutCache struct {
	driver  DescriptorDriver
	layouts *swiss.Map[uint64, []cachedLayout]
	count   int
}

func NewDescriptorLayoutCache(driver DescriptorDriver) *DescriptorLayoutCache {
	return &DescriptorLayoutCache{
		driver:  driver,
		layouts: swiss.NewMap[uint64, []cachedLayout](16),
	}
}

func sortedBindings(bindings []vk.DescriptorSetLayoutBinding) []vk.DescriptorSetLayoutBinding {
	sorted := slices.Clone(bindings)
	slices.SortFunc(sorted, func(a, b vk.DescriptorSetLayoutBinding) int {
		return int(a.Binding) - int(b.Binding)
	})
	return sorted
}

func hashBindings(bindings []vk.DescriptorSetLayoutBinding) uint64 {
	h := fnv.New64a()
	var buf [16]byte
	for _, b := range bindings {
		binary.LittleEndian.PutUint32(buf[0:], b.Binding)
		binary.LittleEndian.PutUint32(buf[4:], uint32(b.DescriptorType))
		binary.LittleEndian.PutUint32(buf[8:], b.DescriptorCount)
		binary.LittleEndian.PutUint32(buf[12:], uint32(b.StageFlags))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func bindingsEqual(a, b []vk.DescriptorSetLayoutBinding) bool {
	return slices.EqualFunc(a, b, func(x, y vk.DescriptorSetLayoutBinding) bool {
		return x.Binding == y.Binding &&
			x.DescriptorType == y.DescriptorType &&
			x.DescriptorCount == y.DescriptorCount &&
			x.StageFlags == y.StageFlags
	})
}

func (c *DescriptorLayoutCache) CreateLayout(bindings []vk.DescriptorSetLayoutBinding) (vk.DescriptorSetLayout, error) {
	sorted := sortedBindings(bindings)
	key := hashBindings(sorted)

	bucket, _ := c.layouts.Get(key)
	for _, cached := range bucket {
		if bindingsEqual(cached.bindings, sorted) {
			return cached.layout, nil
		}
	}

	info := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(sorted)),
		PBindings:    sorted,
	}
	layout, res := c.driver.CreateDescriptorSetLayout(&info)
	if !VulkanResultIsSuccess(res) {
		return nil, vkError(res, "vkCreateDescriptorSetLayout")
	}
	c.layouts.Put(key, append(bucket, cachedLayout{bindings: sorted, layout: layout}))
	c.count++
	return layout, nil
}

func (c *DescriptorLayoutCache) Len() int {
	return c.count
}

func (c *DescriptorLayoutCache) Destroy() {
	c.layouts.Iter(func(_ uint64, bucket []cachedLayout) bool {
		for _, cached := range bucket {
			c.driver.DestroyDescriptorSetLayout(cached.layout)
		}
		return false
	})
	c.layouts.Clear()
	c.count = 0
}

// DescriptorBuilder composes bindings into a cached layout and, when resources are
// attached, an allocated and written set.
type DescriptorBuilder struct {
	cache     *DescriptorLayoutCache
	allocator *DescriptorAllocator
	bindings  []vk.DescriptorSetLayoutBinding
	writer    DescriptorWriter
}

func BeginDescriptorBuilder(cache *DescriptorLayoutCache, allocator *DescriptorAllocator) *DescriptorBuilder {
	return &DescriptorBuilder{cache: cache, allocator: allocator}
}

func (b *DescriptorBuilder) addBinding(binding uint32, kind vk.DescriptorType, stages vk.ShaderStageFlags) bool {
	for _, existing := range b.bindings {
		if existing.Binding == binding {
			core.LogWarn("descriptor binding %d requested twice, skipping", binding)
			return false
		}
	}
	b.bindings = append(b.bindings, vk.DescriptorSetLayoutBinding{
		Binding:         binding,
		DescriptorType:  kind,
		DescriptorCount: 1,
		StageFlags:      stages,
	})
	return true
}

func (b *DescriptorBuilder) AddBinding(binding uint32, kind vk.DescriptorType, stages vk.ShaderStageFlags) *DescriptorBuilder {
	b.addBinding(binding, kind, stages)
	return b
}

func (b *DescriptorBuilder) BindBuffer(binding uint32, buffer vk.Buffer, offset, size vk.DeviceSize, kind vk.DescriptorType, stages vk.ShaderStageFlags) *DescriptorBuilder {
	if b.addBinding(binding, kind, stages) {
		b.writer.WriteBuffer(binding, buffer, offset, size, kind)
	}
	return b
}

func (b *DescriptorBuilder) BindImage(binding uint32, img *VulkanImage, kind vk.DescriptorType, stages vk.ShaderStageFlags) *DescriptorBuilder {
	if b.addBinding(binding, kind, stages) {
		b.writer.WriteImage(binding, img.View, img.Sampler, vk.ImageLayoutShaderReadOnlyOptimal, kind)
	}
	return b
}

func (b *DescriptorBuilder) BuildLayout() (vk.DescriptorSetLayout, error) {
	return b.cache.CreateLayout(b.bindings)
}

// Build returns a set allocated from the builder's allocator with every attached
// resource written, together with its layout.
func (b *DescriptorBuilder) Build() (vk.DescriptorSet, vk.DescriptorSetLayout, error) {
	layout, err := b.BuildLayout()
	if err != nil {
		return nil, nil, err
	}
	set, err := b.allocator.Allocate(layout)
	if err != nil {
		return nil, nil, err
	}
	if err := b.writer.UpdateSet(b.allocator.driver, set); err != nil {
		return nil, nil, err
	}
	return set, layout, nil
}
