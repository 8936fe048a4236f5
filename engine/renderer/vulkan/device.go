package vulkan

import (
	"runtime"
	"slices"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

const portabilitySubsetExtension = "VK_KHR_portability_subset"

type VulkanDevice struct {
	PhysicalDevice     vk.PhysicalDevice
	LogicalDevice      vk.Device
	GraphicsQueueIndex int32
	PresentQueueIndex  int32
	TransferQueueIndex int32

	GraphicsQueue vk.Queue
	PresentQueue  vk.Queue
	TransferQueue vk.Queue

	GraphicsCommandPool vk.CommandPool

	Properties vk.PhysicalDeviceProperties
	Features   vk.PhysicalDeviceFeatures
	Memory     vk.PhysicalDeviceMemoryProperties
}

type VulkanPhysicalDeviceRequirements struct {
	Graphics             bool
	Present              bool
	Compute              bool
	Transfer             bool
	DeviceExtensionNames []string
	SamplerAnisotropy    bool
	DiscreteGPU          bool
}

// Queue family indices, -1 when the device has no such family.
type VulkanPhysicalDeviceQueueFamilyInfo struct {
	GraphicsFamilyIndex int32
	PresentFamilyIndex  int32
	ComputeFamilyIndex  int32
	TransferFamilyIndex int32
}

func DefaultDeviceRequirements() VulkanPhysicalDeviceRequirements {
	return VulkanPhysicalDeviceRequirements{
		Graphics:             true,
		Present:              true,
		Transfer:             true,
		SamplerAnisotropy:    true,
		DiscreteGPU:          runtime.GOOS != "darwin",
		DeviceExtensionNames: []string{vk.KhrSwapchainExtensionName},
	}
}

// FindQueueFamilies picks a family per capability. The transfer family is the one
// with the fewest other capabilities, which favors dedicated transfer queues.
func FindQueueFamilies(families []vk.QueueFamilyProperties, supportsPresent func(index uint32) bool) VulkanPhysicalDeviceQueueFamilyInfo {
	info := VulkanPhysicalDeviceQueueFamilyInfo{
		GraphicsFamilyIndex: -1,
		PresentFamilyIndex:  -1,
		ComputeFamilyIndex:  -1,
		TransferFamilyIndex: -1,
	}
	minTransferScore := 255
	for i, family := range families {
		flags := vk.QueueFlagBits(family.QueueFlags)
		score := 0
		if flags&vk.QueueGraphicsBit != 0 {
			if info.GraphicsFamilyIndex < 0 {
				info.GraphicsFamilyIndex = int32(i)
			}
			score++
		}
		if flags&vk.QueueComputeBit != 0 {
			if info.ComputeFamilyIndex < 0 {
				info.ComputeFamilyIndex = int32(i)
			}
			score++
		}
		if flags&vk.QueueTransferBit != 0 && score < minTransferScore {
			minTransferScore = score
			info.TransferFamilyIndex = int32(i)
		}
		if info.PresentFamilyIndex < 0 && supportsPresent(uint32(i)) {
			info.PresentFamilyIndex = int32(i)
		}
	}
	// Prefer presenting from the graphics family when it can.
	if info.GraphicsFamilyIndex >= 0 && supportsPresent(uint32(info.GraphicsFamilyIndex)) {
		info.PresentFamilyIndex = info.GraphicsFamilyIndex
	}
	return info
}

func (info VulkanPhysicalDeviceQueueFamilyInfo) Satisfies(req VulkanPhysicalDeviceRequirements) bool {
	return (!req.Graphics || info.GraphicsFamilyIndex >= 0) &&
		(!req.Present || info.PresentFamilyIndex >= 0) &&
		(!req.Compute || info.ComputeFamilyIndex >= 0) &&
		(!req.Transfer || info.TransferFamilyIndex >= 0)
}

func deviceExtensions(device vk.PhysicalDevice) ([]string, error) {
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, nil); res != vk.Success {
		return nil, vkError(res, "vkEnumerateDeviceExtensionProperties")
	}
	properties := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, properties); res != vk.Success {
		return nil, vkError(res, "vkEnumerateDeviceExtensionProperties")
	}
	names := make([]string, 0, count)
	for i := range properties {
		properties[i].Deref()
		name := properties[i].ExtensionName[:]
		names = append(names, vk.ToString(name[:FindFirstZeroInByteArray(name)+1]))
	}
	return names, nil
}

func physicalDeviceMeetsRequirements(device vk.PhysicalDevice, surface vk.Surface, properties *vk.PhysicalDeviceProperties, features *vk.PhysicalDeviceFeatures, req VulkanPhysicalDeviceRequirements) (VulkanPhysicalDeviceQueueFamilyInfo, bool) {
	name := vk.ToString(properties.DeviceName[:])
	if req.DiscreteGPU && properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
		core.LogInfo("Device %s is not a discrete GPU, and one is required. Skipping.", name)
		return VulkanPhysicalDeviceQueueFamilyInfo{}, false
	}
	if req.SamplerAnisotropy && features.SamplerAnisotropy != vk.True {
		core.LogInfo("Device %s does not support samplerAnisotropy, skipping.", name)
		return VulkanPhysicalDeviceQueueFamilyInfo{}, false
	}

	var familyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &familyCount, nil)
	families := make([]vk.QueueFamilyProperties, familyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &familyCount, families)
	for i := range families {
		families[i].Deref()
	}
	info := FindQueueFamilies(families, func(index uint32) bool {
		var supported vk.Bool32
		res := vk.GetPhysicalDeviceSurfaceSupport(device, index, surface, &supported)
		return res == vk.Success && supported == vk.True
	})
	core.LogDebug("%s queue families: graphics %d, present %d, compute %d, transfer %d",
		name, info.GraphicsFamilyIndex, info.PresentFamilyIndex, info.ComputeFamilyIndex, info.TransferFamilyIndex)
	if !info.Satisfies(req) {
		return info, false
	}

	available, err := deviceExtensions(device)
	if err != nil {
		return info, false
	}
	for _, ext := range req.DeviceExtensionNames {
		if !slices.Contains(available, ext) {
			core.LogInfo("Required extension not found: '%s', skipping device.", ext)
			return info, false
		}
	}
	return info, true
}

// SelectPhysicalDevice returns the first device meeting req, with its queue family
// indices filled in.
func SelectPhysicalDevice(instance vk.Instance, surface vk.Surface, req VulkanPhysicalDeviceRequirements) (*VulkanDevice, error) {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(instance, &count, nil); res != vk.Success {
		return nil, vkError(res, "vkEnumeratePhysicalDevices")
	}
	if count == 0 {
		return nil, errors.New("no devices which support Vulkan were found")
	}
	devices := make([]vk.PhysicalDevice, count)
	if res := vk.EnumeratePhysicalDevices(instance, &count, devices); res != vk.Success {
		return nil, vkError(res, "vkEnumeratePhysicalDevices")
	}

	for _, physical := range devices {
		var properties vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(physical, &properties)
		properties.Deref()
		properties.Limits.Deref()

		var features vk.PhysicalDeviceFeatures
		vk.GetPhysicalDeviceFeatures(physical, &features)
		features.Deref()

		info, ok := physicalDeviceMeetsRequirements(physical, surface, &properties, &features, req)
		if !ok {
			continue
		}

		var memory vk.PhysicalDeviceMemoryProperties
		vk.GetPhysicalDeviceMemoryProperties(physical, &memory)
		memory.Deref()

		core.LogInfo("Selected device: '%s'.", vk.ToString(properties.DeviceName[:]))
		core.LogInfo("GPU Driver version: %d.%d.%d",
			vk.Version(properties.DriverVersion).Major(),
			vk.Version(properties.DriverVersion).Minor(),
			vk.Version(properties.DriverVersion).Patch())
		core.LogInfo("Vulkan API version: %d.%d.%d",
			vk.Version(properties.ApiVersion).Major(),
			vk.Version(properties.ApiVersion).Minor(),
			vk.Version(properties.ApiVersion).Patch())
		for j := uint32(0); j < memory.MemoryHeapCount; j++ {
			memory.MemoryHeaps[j].Deref()
			gib := float64(memory.MemoryHeaps[j].Size) / (1 << 30)
			heap := ConditionalOperator(vk.MemoryHeapFlagBits(memory.MemoryHeaps[j].Flags)&vk.MemoryHeapDeviceLocalBit != 0, "Local GPU", "Shared System")
			core.LogInfo("%s memory: %.2f GiB", heap, gib)
		}

		return &VulkanDevice{
			PhysicalDevice:     physical,
			GraphicsQueueIndex: info.GraphicsFamilyIndex,
			PresentQueueIndex:  info.PresentFamilyIndex,
			TransferQueueIndex: info.TransferFamilyIndex,
			Properties:         properties,
			Features:           features,
			Memory:             memory,
		}, nil
	}
	return nil, errors.New("no physical devices were found which meet the requirements")
}

// DeviceCreate selects a physical device and creates the logical device, its
// queues and the graphics command pool.
func DeviceCreate(instance vk.Instance, surface vk.Surface, req VulkanPhysicalDeviceRequirements) (*VulkanDevice, error) {
	device, err := SelectPhysicalDevice(instance, surface, req)
	if err != nil {
		return nil, err
	}

	core.LogInfo("Creating logical device...")
	// NOTE: Do not create additional queues for shared indices.
	indices := []uint32{uint32(device.GraphicsQueueIndex)}
	for _, index := range []int32{device.PresentQueueIndex, device.TransferQueueIndex} {
		if !slices.Contains(indices, uint32(index)) {
			indices = append(indices, uint32(index))
		}
	}
	queueInfos := make([]vk.DeviceQueueCreateInfo, len(indices))
	for i, index := range indices {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: index,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}

	features := vk.PhysicalDeviceFeatures{
		SamplerAnisotropy: device.Features.SamplerAnisotropy,
	}

	extensions := append([]string(nil), req.DeviceExtensionNames...)
	if available, err := deviceExtensions(device.PhysicalDevice); err == nil && slices.Contains(available, portabilitySubsetExtension) {
		core.LogInfo("Adding required extension '%s'.", portabilitySubsetExtension)
		extensions = append(extensions, portabilitySubsetExtension)
	}

	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{features},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensions),
	}
	var logical vk.Device
	if res := vk.CreateDevice(device.PhysicalDevice, &createInfo, nil, &logical); res != vk.Success {
		return nil, vkError(res, "vkCreateDevice")
	}
	device.LogicalDevice = logical
	core.LogInfo("Logical device created.")

	vk.GetDeviceQueue(logical, uint32(device.GraphicsQueueIndex), 0, &device.GraphicsQueue)
	vk.GetDeviceQueue(logical, uint32(device.PresentQueueIndex), 0, &device.PresentQueue)
	vk.GetDeviceQueue(logical, uint32(device.TransferQueueIndex), 0, &device.TransferQueue)
	core.LogInfo("Queues obtained.")

	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: uint32(device.GraphicsQueueIndex),
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if res := vk.CreateCommandPool(logical, &poolInfo, nil, &device.GraphicsCommandPool); res != vk.Success {
		device.Destroy()
		return nil, vkError(res, "vkCreateCommandPool")
	}
	core.LogInfo("Graphics command pool created.")
	return device, nil
}

func (d *VulkanDevice) Destroy() {
	d.GraphicsQueue = nil
	d.PresentQueue = nil
	d.TransferQueue = nil

	if d.GraphicsCommandPool != nil {
		core.LogInfo("Destroying command pools...")
		vk.DestroyCommandPool(d.LogicalDevice, d.GraphicsCommandPool, nil)
		d.GraphicsCommandPool = nil
	}
	if d.LogicalDevice != nil {
		core.LogInfo("Destroying logical device...")
		vk.DestroyDevice(d.LogicalDevice, nil)
		d.LogicalDevice = nil
	}
	// Physical devices are not destroyed.
	d.PhysicalDevice = nil
	d.GraphicsQueueIndex = -1
	d.PresentQueueIndex = -1
	d.TransferQueueIndex = -1
}
