package vulkan

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/require"
)

func family(flags vk.QueueFlagBits) vk.QueueFamilyProperties {
	return vk.QueueFamilyProperties{QueueFlags: vk.QueueFlags(flags), QueueCount: 1}
}

func TestFindQueueFamilies(t *testing.T) {
	tests := []struct {
		name     string
		families []vk.QueueFamilyProperties
		present  func(uint32) bool
		want     VulkanPhysicalDeviceQueueFamilyInfo
	}{
		{
			name:     "single universal family at index zero",
			families: []vk.QueueFamilyProperties{family(vk.QueueGraphicsBit | vk.QueueComputeBit | vk.QueueTransferBit)},
			present:  func(uint32) bool { return true },
			want:     VulkanPhysicalDeviceQueueFamilyInfo{GraphicsFamilyIndex: 0, PresentFamilyIndex: 0, ComputeFamilyIndex: 0, TransferFamilyIndex: 0},
		},
		{
			name: "dedicated transfer family",
			families: []vk.QueueFamilyProperties{
				family(vk.QueueGraphicsBit | vk.QueueComputeBit | vk.QueueTransferBit),
				family(vk.QueueComputeBit | vk.QueueTransferBit),
				family(vk.QueueTransferBit),
			},
			present: func(uint32) bool { return true },
			want:    VulkanPhysicalDeviceQueueFamilyInfo{GraphicsFamilyIndex: 0, PresentFamilyIndex: 0, ComputeFamilyIndex: 0, TransferFamilyIndex: 2},
		},
		{
			name: "present only on a separate family",
			families: []vk.QueueFamilyProperties{
				family(vk.QueueGraphicsBit | vk.QueueTransferBit),
				family(vk.QueueComputeBit),
			},
			present: func(i uint32) bool { return i == 1 },
			want:    VulkanPhysicalDeviceQueueFamilyInfo{GraphicsFamilyIndex: 0, PresentFamilyIndex: 1, ComputeFamilyIndex: 1, TransferFamilyIndex: 0},
		},
		{
			name:     "no graphics",
			families: []vk.QueueFamilyProperties{family(vk.QueueComputeBit)},
			present:  func(uint32) bool { return false },
			want:     VulkanPhysicalDeviceQueueFamilyInfo{GraphicsFamilyIndex: -1, PresentFamilyIndex: -1, ComputeFamilyIndex: 0, TransferFamilyIndex: -1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FindQueueFamilies(tt.families, tt.present))
		})
	}
}

func TestQueueFamiliesSatisfyRequirements(t *testing.T) {
	req := DefaultDeviceRequirements()
	info := VulkanPhysicalDeviceQueueFamilyInfo{GraphicsFamilyIndex: 0, PresentFamilyIndex: 0, ComputeFamilyIndex: 0, TransferFamilyIndex: 0}
	require.True(t, info.Satisfies(req))

	info.PresentFamilyIndex = -1
	require.False(t, info.Satisfies(req))
}
