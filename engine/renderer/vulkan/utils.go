package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/descache/engine/core"
)

func VulkanResultString(result vk.Result, getExtended bool) string {
	// From: https://www.khronos.org/registry/vulkan/specs/1.3-extensions/man/html/VkResult.html
	switch result {
	case vk.Success:
		return conditionalOperator(!getExtended, "VK_SUCCESS", "VK_SUCCESS Command successfully completed")
	case vk.ErrorOutOfHostMemory:
		return conditionalOperator(!getExtended, "VK_ERROR_OUT_OF_HOST_MEMORY", "VK_ERROR_OUT_OF_HOST_MEMORY A host memory allocation has failed.")
	case vk.ErrorOutOfDeviceMemory:
		return conditionalOperator(!getExtended, "VK_ERROR_OUT_OF_DEVICE_MEMORY", "VK_ERROR_OUT_OF_DEVICE_MEMORY A device memory allocation has failed.")
	case vk.ErrorDeviceLost:
		return conditionalOperator(!getExtended, "VK_ERROR_DEVICE_LOST", "VK_ERROR_DEVICE_LOST The logical or physical device has been lost.")
	case vk.ErrorFragmentedPool:
		return conditionalOperator(!getExtended, "VK_ERROR_FRAGMENTED_POOL", "VK_ERROR_FRAGMENTED_POOL A pool allocation has failed due to fragmentation of the pool's memory.")
	case vk.ErrorOutOfPoolMemory:
		return conditionalOperator(!getExtended, "VK_ERROR_OUT_OF_POOL_MEMORY", "VK_ERROR_OUT_OF_POOL_MEMORY A pool memory allocation has failed.")
	case vk.ErrorFragmentation:
		return conditionalOperator(!getExtended, "VK_ERROR_FRAGMENTATION", "VK_ERROR_FRAGMENTATION A descriptor pool creation has failed due to fragmentation.")
	case vk.ErrorUnknown:
		return conditionalOperator(!getExtended, "VK_ERROR_UNKNOWN", "VK_ERROR_UNKNOWN An unknown error has occurred.")
	default:
		return conditionalOperator(!getExtended, "VK_RESULT", "VK_RESULT Unexpected result code.")
	}
}

func conditionalOperator(condition bool, res1, res2 string) string {
	if condition {
		return res1
	}
	return res2
}

// resultError turns the result of a native call into an error the descriptor
// cache understands. Pool exhaustion keeps its own sentinel so the cache can
// retry on a fresh pool.
func resultError(result vk.Result, call string) error {
	switch result {
	case vk.Success:
		return nil
	case vk.ErrorOutOfPoolMemory:
		return errors.Wrapf(core.ErrOutOfPoolMemory, "%s failed with %s", call, VulkanResultString(result, false))
	case vk.ErrorFragmentedPool:
		return errors.Wrapf(core.ErrFragmentedPool, "%s failed with %s", call, VulkanResultString(result, false))
	case vk.ErrorUnknown:
		return errors.Mark(errors.Wrapf(core.ErrUnknown, "%s failed", call), core.ErrNativeCall)
	default:
		return errors.Wrapf(core.ErrNativeCall, "%s failed with %s (%d)", call, VulkanResultString(result, true), int32(result))
	}
}
