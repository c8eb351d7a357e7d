package descriptors

// Handle is an opaque native object handle (buffer, image view, sampler,
// buffer view, acceleration structure). Zero is the null handle.
type Handle uint64

type (
	LayoutHandle Handle
	PoolHandle   Handle
	SetHandle    Handle
)

// LayoutBinding is one binding of a descriptor-set layout: its shape only.
type LayoutBinding struct {
	Slot   uint32
	Kind   DescriptorKind
	Count  uint32
	Stages ShaderStage
}

type ImageInfo struct {
	Sampler   Handle
	ImageView Handle
	Layout    ImageLayout
}

type BufferInfo struct {
	Buffer Handle
	Offset uint64
	Range  uint64
}

// DescriptorWrite updates Count consecutive descriptors of one binding.
// Exactly one of the info slices is populated, chosen by Kind.
type DescriptorWrite struct {
	Set          SetHandle
	Slot         uint32
	ArrayElement uint32
	Kind         DescriptorKind

	Images                 []ImageInfo
	Buffers                []BufferInfo
	TexelBufferViews       []Handle
	AccelerationStructures []Handle
}

// Count is the number of descriptors the write touches.
func (w DescriptorWrite) Count() int {
	switch w.Kind.category() {
	case categoryImage:
		return len(w.Images)
	case categoryBuffer:
		return len(w.Buffers)
	case categoryTexelBuffer:
		return len(w.TexelBufferViews)
	case categoryAccelerationStructure:
		return len(w.AccelerationStructures)
	}
	return 0
}

// Device is the slice of the graphics device the cache needs. It is owned by
// the surrounding context; the cache never creates or destroys it.
//
// AllocateDescriptorSets must not be called concurrently for the same pool.
// Errors caused by a pool running out of room should match
// core.ErrOutOfPoolMemory or core.ErrFragmentedPool under errors.Is.
type Device interface {
	CreateDescriptorSetLayout(bindings []LayoutBinding) (LayoutHandle, error)
	DestroyDescriptorSetLayout(layout LayoutHandle)
	CreateDescriptorPool(sizes PoolSizes, maxSets uint32) (PoolHandle, error)
	DestroyDescriptorPool(pool PoolHandle)
	AllocateDescriptorSets(pool PoolHandle, layouts []LayoutHandle) ([]SetHandle, error)
	UpdateDescriptorSets(writes []DescriptorWrite) error
}
