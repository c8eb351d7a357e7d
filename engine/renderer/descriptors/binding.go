package descriptors

// ResourceRef is a non-owning reference to one resource bound into a
// descriptor. Which fields matter depends on the binding's kind; the rest
// stay zero. It is comparable and is hashed as a whole.
type ResourceRef struct {
	Buffer Handle
	Offset uint64
	Range  uint64

	ImageView   Handle
	Sampler     Handle
	ImageLayout ImageLayout

	BufferView            Handle
	AccelerationStructure Handle
}

func BufferResource(buffer Handle, offset, size uint64) ResourceRef {
	return ResourceRef{Buffer: buffer, Offset: offset, Range: size}
}

func ImageResource(view Handle, layout ImageLayout) ResourceRef {
	return ResourceRef{ImageView: view, ImageLayout: layout}
}

func CombinedImageSamplerResource(view, sampler Handle, layout ImageLayout) ResourceRef {
	return ResourceRef{ImageView: view, Sampler: sampler, ImageLayout: layout}
}

func SamplerResource(sampler Handle) ResourceRef {
	return ResourceRef{Sampler: sampler}
}

func BufferViewResource(view Handle) ResourceRef {
	return ResourceRef{BufferView: view}
}

func AccelerationStructureResource(as Handle) ResourceRef {
	return ResourceRef{AccelerationStructure: as}
}

// Handles lists the non-null native handles r refers to.
func (r ResourceRef) Handles() []Handle {
	out := make([]Handle, 0, 2)
	for _, h := range [...]Handle{r.Buffer, r.ImageView, r.Sampler, r.BufferView, r.AccelerationStructure} {
		if h != 0 {
			out = append(out, h)
		}
	}
	return out
}

func (r ResourceRef) references(h Handle) bool {
	return h != 0 && (r.Buffer == h || r.ImageView == h || r.Sampler == h ||
		r.BufferView == h || r.AccelerationStructure == h)
}

// fits reports whether r carries what a descriptor of kind k needs.
func (r ResourceRef) fits(k DescriptorKind) bool {
	switch k {
	case DescriptorKindSampler:
		return r.Sampler != 0
	case DescriptorKindCombinedImageSampler:
		return r.ImageView != 0 && r.Sampler != 0
	case DescriptorKindSampledImage, DescriptorKindStorageImage, DescriptorKindInputAttachment:
		return r.ImageView != 0
	case DescriptorKindUniformBuffer, DescriptorKindStorageBuffer,
		DescriptorKindUniformBufferDynamic, DescriptorKindStorageBufferDynamic:
		return r.Buffer != 0
	case DescriptorKindUniformTexelBuffer, DescriptorKindStorageTexelBuffer:
		return r.BufferView != 0
	case DescriptorKindAccelerationStructure:
		return r.AccelerationStructure != 0
	}
	return false
}

// Binding is a single requested binding: where it goes, what shape it has and
// what is bound to it.
type Binding struct {
	SetID     uint32
	Slot      uint32
	Kind      DescriptorKind
	Count     uint32
	Stages    ShaderStage
	Resources []ResourceRef
}

func NewBinding(setID, slot uint32, kind DescriptorKind, stages ShaderStage, resources ...ResourceRef) Binding {
	return Binding{
		SetID:     setID,
		Slot:      slot,
		Kind:      kind,
		Count:     uint32(len(resources)),
		Stages:    stages,
		Resources: resources,
	}
}

// DescriptorCount is Count, or the number of resources when Count is left 0.
func (b Binding) DescriptorCount() uint32 {
	if b.Count != 0 {
		return b.Count
	}
	return uint32(len(b.Resources))
}

func (b Binding) shape() LayoutBinding {
	return LayoutBinding{
		Slot:   b.Slot,
		Kind:   b.Kind,
		Count:  b.DescriptorCount(),
		Stages: b.Stages,
	}
}

func (b Binding) references(h Handle) bool {
	for _, r := range b.Resources {
		if r.references(h) {
			return true
		}
	}
	return false
}

// validateShape checks one set's bindings: one set id, known kinds, at least
// one descriptor each, strictly ascending slots.
func validateShape(bindings []Binding) error {
	if len(bindings) == 0 {
		return contractViolation("descriptor set layout needs at least one binding")
	}
	setID := bindings[0].SetID
	for i, b := range bindings {
		if b.SetID != setID {
			return contractViolation("binding %d belongs to set %d, expected set %d", b.Slot, b.SetID, setID)
		}
		if !b.Kind.IsValid() {
			return contractViolation("binding %d of set %d has no resolvable descriptor kind (%s)", b.Slot, b.SetID, b.Kind)
		}
		if b.DescriptorCount() == 0 {
			return contractViolation("binding %d of set %d declares no descriptors", b.Slot, b.SetID)
		}
		if i > 0 && b.Slot <= bindings[i-1].Slot {
			if b.Slot == bindings[i-1].Slot {
				return contractViolation("duplicate binding slot %d in set %d", b.Slot, b.SetID)
			}
			return contractViolation("bindings of set %d are not sorted by slot (%d after %d)", b.SetID, b.Slot, bindings[i-1].Slot)
		}
	}
	return nil
}

// validateResources checks that every binding carries exactly its declared
// number of resources and that each fits the kind.
func validateResources(bindings []Binding) error {
	for _, b := range bindings {
		if uint32(len(b.Resources)) != b.DescriptorCount() {
			return contractViolation("binding %d of set %d declares %d descriptors but binds %d resources",
				b.Slot, b.SetID, b.DescriptorCount(), len(b.Resources))
		}
		for i, r := range b.Resources {
			if !r.fits(b.Kind) {
				return contractViolation("resource %d at binding %d of set %d does not fit a %s descriptor",
					i, b.Slot, b.SetID, b.Kind)
			}
		}
	}
	return nil
}
