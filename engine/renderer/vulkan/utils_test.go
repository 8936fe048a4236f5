package vulkan

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/require"
)

func TestVkErrorLogsMessageVerbatim(t *testing.T) {
	require.NoError(t, vkError(vk.Success, "vkQueueSubmit"))
	require.NoError(t, vkError(vk.Suboptimal, "vkQueuePresentKHR"))

	logs := captureLogs(t)
	err := vkError(vk.ErrorDeviceLost, "vkMapMemory 100% of block")
	require.ErrorContains(t, err, "vkMapMemory 100% of block failed with")
	require.Contains(t, logs.String(), "vkMapMemory 100% of block failed with")
	require.NotContains(t, logs.String(), "%!")
}
