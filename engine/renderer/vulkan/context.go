package vulkan

import (
	vk "github.com/goki/vulkan"
)

// VulkanContext is what the descriptor device needs from an initialized
// renderer. Instance, physical device and queue setup happen elsewhere; the
// context only borrows the logical device.
type VulkanContext struct {
	LogicalDevice vk.Device
	Allocator     *vk.AllocationCallbacks

	// MaxBoundDescriptorSets is the device limit, 0 when unknown.
	MaxBoundDescriptorSets uint32
}

// NewVulkanContext reads the device limits the descriptor device checks against.
func NewVulkanContext(physical vk.PhysicalDevice, logical vk.Device, allocator *vk.AllocationCallbacks) *VulkanContext {
	var properties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(physical, &properties)
	properties.Deref()
	properties.Limits.Deref()

	return &VulkanContext{
		LogicalDevice:          logical,
		Allocator:              allocator,
		MaxBoundDescriptorSets: properties.Limits.MaxBoundDescriptorSets,
	}
}
