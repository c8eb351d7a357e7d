package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/descriptors"
)

// VulkanDescriptorDevice implements descriptors.Device on a Vulkan logical
// device. Non-dispatchable handles travel through the cache as their 64-bit
// value.
type VulkanDescriptorDevice struct {
	context *VulkanContext
}

func NewVulkanDescriptorDevice(context *VulkanContext) (*VulkanDescriptorDevice, error) {
	if context == nil || context.LogicalDevice == nil {
		return nil, errors.New("vulkan descriptor device needs a logical device")
	}
	return &VulkanDescriptorDevice{context: context}, nil
}

func handleOf(p unsafe.Pointer) descriptors.Handle {
	return descriptors.Handle(uintptr(p))
}

// pointerOf turns a handle back into the driver's opaque pointer type. The
// value is owned by the driver and never dereferenced on the Go side, so the
// bits are reinterpreted rather than converted through uintptr.
func pointerOf(h descriptors.Handle) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&h))
}

// BufferHandle converts a buffer for use in a descriptors.ResourceRef.
func BufferHandle(b vk.Buffer) descriptors.Handle { return handleOf(unsafe.Pointer(b)) }

func ImageViewHandle(v vk.ImageView) descriptors.Handle { return handleOf(unsafe.Pointer(v)) }

func SamplerHandle(s vk.Sampler) descriptors.Handle { return handleOf(unsafe.Pointer(s)) }

func BufferViewHandle(v vk.BufferView) descriptors.Handle { return handleOf(unsafe.Pointer(v)) }

// DescriptorSet converts a set handle back for vkCmdBindDescriptorSets.
func DescriptorSet(h descriptors.SetHandle) vk.DescriptorSet {
	return vk.DescriptorSet(pointerOf(descriptors.Handle(h)))
}

// DescriptorSetLayouts converts layout handles for vkCreatePipelineLayout.
func DescriptorSetLayouts(handles []descriptors.LayoutHandle) []vk.DescriptorSetLayout {
	out := make([]vk.DescriptorSetLayout, len(handles))
	for i, h := range handles {
		out[i] = vk.DescriptorSetLayout(pointerOf(descriptors.Handle(h)))
	}
	return out
}

func layoutBindings(bindings []descriptors.LayoutBinding) []vk.DescriptorSetLayoutBinding {
	out := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		out[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Slot,
			DescriptorType:  vk.DescriptorType(b.Kind),
			DescriptorCount: b.Count,
			StageFlags:      vk.ShaderStageFlags(b.Stages),
		}
	}
	return out
}

func poolSizes(sizes descriptors.PoolSizes) []vk.DescriptorPoolSize {
	kinds := sizes.Kinds()
	out := make([]vk.DescriptorPoolSize, len(kinds))
	for i, k := range kinds {
		out[i] = vk.DescriptorPoolSize{
			Type:            vk.DescriptorType(k),
			DescriptorCount: sizes[k],
		}
	}
	return out
}

func (d *VulkanDescriptorDevice) CreateDescriptorSetLayout(bindings []descriptors.LayoutBinding) (descriptors.LayoutHandle, error) {
	vkBindings := layoutBindings(bindings)
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vkBindings)),
		PBindings:    vkBindings,
	}

	var layout vk.DescriptorSetLayout
	result := vk.CreateDescriptorSetLayout(d.context.LogicalDevice, &layoutInfo, d.context.Allocator, &layout)
	if err := resultError(result, "vkCreateDescriptorSetLayout"); err != nil {
		return 0, err
	}
	return descriptors.LayoutHandle(handleOf(unsafe.Pointer(layout))), nil
}

func (d *VulkanDescriptorDevice) DestroyDescriptorSetLayout(layout descriptors.LayoutHandle) {
	vk.DestroyDescriptorSetLayout(d.context.LogicalDevice, vk.DescriptorSetLayout(pointerOf(descriptors.Handle(layout))), d.context.Allocator)
}

func (d *VulkanDescriptorDevice) CreateDescriptorPool(sizes descriptors.PoolSizes, maxSets uint32) (descriptors.PoolHandle, error) {
	vkSizes := poolSizes(sizes)
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       maxSets,
		PoolSizeCount: uint32(len(vkSizes)),
		PPoolSizes:    vkSizes,
	}

	var pool vk.DescriptorPool
	result := vk.CreateDescriptorPool(d.context.LogicalDevice, &poolInfo, d.context.Allocator, &pool)
	if err := resultError(result, "vkCreateDescriptorPool"); err != nil {
		return 0, err
	}
	return descriptors.PoolHandle(handleOf(unsafe.Pointer(pool))), nil
}

// DestroyDescriptorPool also frees every set allocated from the pool.
func (d *VulkanDescriptorDevice) DestroyDescriptorPool(pool descriptors.PoolHandle) {
	vk.DestroyDescriptorPool(d.context.LogicalDevice, vk.DescriptorPool(pointerOf(descriptors.Handle(pool))), d.context.Allocator)
}

func (d *VulkanDescriptorDevice) AllocateDescriptorSets(pool descriptors.PoolHandle, layouts []descriptors.LayoutHandle) ([]descriptors.SetHandle, error) {
	if len(layouts) == 0 {
		return nil, nil
	}
	if limit := d.context.MaxBoundDescriptorSets; limit > 0 && uint32(len(layouts)) > limit {
		core.LogWarn("allocating %d descriptor sets at once, more than a pipeline can bind (%d)", len(layouts), limit)
	}

	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     vk.DescriptorPool(pointerOf(descriptors.Handle(pool))),
		DescriptorSetCount: uint32(len(layouts)),
		PSetLayouts:        DescriptorSetLayouts(layouts),
	}
	sets := make([]vk.DescriptorSet, len(layouts))
	result := vk.AllocateDescriptorSets(d.context.LogicalDevice, &allocInfo, &(sets[0]))
	if err := resultError(result, "vkAllocateDescriptorSets"); err != nil {
		return nil, err
	}

	out := make([]descriptors.SetHandle, len(sets))
	for i, s := range sets {
		out[i] = descriptors.SetHandle(handleOf(unsafe.Pointer(s)))
	}
	return out, nil
}

func writeDescriptorSet(w descriptors.DescriptorWrite) (vk.WriteDescriptorSet, error) {
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          DescriptorSet(w.Set),
		DstBinding:      w.Slot,
		DstArrayElement: w.ArrayElement,
		DescriptorCount: uint32(w.Count()),
		DescriptorType:  vk.DescriptorType(w.Kind),
	}

	switch {
	case len(w.Images) > 0:
		write.PImageInfo = make([]vk.DescriptorImageInfo, len(w.Images))
		for i, img := range w.Images {
			write.PImageInfo[i] = vk.DescriptorImageInfo{
				Sampler:     vk.Sampler(pointerOf(img.Sampler)),
				ImageView:   vk.ImageView(pointerOf(img.ImageView)),
				ImageLayout: vk.ImageLayout(img.Layout),
			}
		}
	case len(w.Buffers) > 0:
		write.PBufferInfo = make([]vk.DescriptorBufferInfo, len(w.Buffers))
		for i, buf := range w.Buffers {
			write.PBufferInfo[i] = vk.DescriptorBufferInfo{
				Buffer: vk.Buffer(pointerOf(buf.Buffer)),
				Offset: vk.DeviceSize(buf.Offset),
				Range:  vk.DeviceSize(buf.Range),
			}
		}
	case len(w.TexelBufferViews) > 0:
		write.PTexelBufferView = make([]vk.BufferView, len(w.TexelBufferViews))
		for i, v := range w.TexelBufferViews {
			write.PTexelBufferView[i] = vk.BufferView(pointerOf(v))
		}
	case len(w.AccelerationStructures) > 0:
		// Needs VkWriteDescriptorSetAccelerationStructureKHR chained in pNext,
		// which the bindings do not expose.
		return write, errors.Mark(
			errors.Newf("acceleration structure writes are not supported (binding %d)", w.Slot),
			core.ErrNativeCall)
	default:
		return write, errors.Mark(errors.Newf("empty descriptor write for binding %d", w.Slot), core.ErrNativeCall)
	}
	return write, nil
}

// UpdateDescriptorSets submits all writes in one call. Nothing is written if
// any of them cannot be expressed.
func (d *VulkanDescriptorDevice) UpdateDescriptorSets(writes []descriptors.DescriptorWrite) error {
	if len(writes) == 0 {
		return nil
	}
	vkWrites := make([]vk.WriteDescriptorSet, len(writes))
	for i, w := range writes {
		write, err := writeDescriptorSet(w)
		if err != nil {
			return err
		}
		vkWrites[i] = write
	}
	vk.UpdateDescriptorSets(d.context.LogicalDevice, uint32(len(vkWrites)), vkWrites, 0, nil)
	return nil
}

var _ descriptors.Device = (*VulkanDescriptorDevice)(nil)
