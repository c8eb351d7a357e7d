package descriptors

import "fmt"

// DescriptorKind is the type of a descriptor. Values match VkDescriptorType.
type DescriptorKind uint32

const (
	DescriptorKindSampler               DescriptorKind = 0
	DescriptorKindCombinedImageSampler  DescriptorKind = 1
	DescriptorKindSampledImage          DescriptorKind = 2
	DescriptorKindStorageImage          DescriptorKind = 3
	DescriptorKindUniformTexelBuffer    DescriptorKind = 4
	DescriptorKindStorageTexelBuffer    DescriptorKind = 5
	DescriptorKindUniformBuffer         DescriptorKind = 6
	DescriptorKindStorageBuffer         DescriptorKind = 7
	DescriptorKindUniformBufferDynamic  DescriptorKind = 8
	DescriptorKindStorageBufferDynamic  DescriptorKind = 9
	DescriptorKindInputAttachment       DescriptorKind = 10
	DescriptorKindAccelerationStructure DescriptorKind = 1000150000
)

// resourceCategory groups kinds by the write-info array they use.
type resourceCategory uint8

const (
	categoryNone resourceCategory = iota
	categoryImage
	categoryBuffer
	categoryTexelBuffer
	categoryAccelerationStructure
)

func (k DescriptorKind) category() resourceCategory {
	switch k {
	case DescriptorKindSampler, DescriptorKindCombinedImageSampler, DescriptorKindSampledImage,
		DescriptorKindStorageImage, DescriptorKindInputAttachment:
		return categoryImage
	case DescriptorKindUniformBuffer, DescriptorKindStorageBuffer,
		DescriptorKindUniformBufferDynamic, DescriptorKindStorageBufferDynamic:
		return categoryBuffer
	case DescriptorKindUniformTexelBuffer, DescriptorKindStorageTexelBuffer:
		return categoryTexelBuffer
	case DescriptorKindAccelerationStructure:
		return categoryAccelerationStructure
	default:
		return categoryNone
	}
}

// IsValid reports whether k is a kind the cache knows how to write.
func (k DescriptorKind) IsValid() bool {
	return k.category() != categoryNone
}

func (k DescriptorKind) String() string {
	switch k {
	case DescriptorKindSampler:
		return "Sampler"
	case DescriptorKindCombinedImageSampler:
		return "CombinedImageSampler"
	case DescriptorKindSampledImage:
		return "SampledImage"
	case DescriptorKindStorageImage:
		return "StorageImage"
	case DescriptorKindUniformTexelBuffer:
		return "UniformTexelBuffer"
	case DescriptorKindStorageTexelBuffer:
		return "StorageTexelBuffer"
	case DescriptorKindUniformBuffer:
		return "UniformBuffer"
	case DescriptorKindStorageBuffer:
		return "StorageBuffer"
	case DescriptorKindUniformBufferDynamic:
		return "UniformBufferDynamic"
	case DescriptorKindStorageBufferDynamic:
		return "StorageBufferDynamic"
	case DescriptorKindInputAttachment:
		return "InputAttachment"
	case DescriptorKindAccelerationStructure:
		return "AccelerationStructure"
	default:
		return fmt.Sprintf("DescriptorKind(%d)", uint32(k))
	}
}

// ShaderStage is a mask of shader stages a binding is visible to. Values match
// VkShaderStageFlagBits.
type ShaderStage uint32

const (
	ShaderStageVertex                 ShaderStage = 0x00000001
	ShaderStageTessellationControl    ShaderStage = 0x00000002
	ShaderStageTessellationEvaluation ShaderStage = 0x00000004
	ShaderStageGeometry               ShaderStage = 0x00000008
	ShaderStageFragment               ShaderStage = 0x00000010
	ShaderStageCompute                ShaderStage = 0x00000020
	ShaderStageTask                   ShaderStage = 0x00000040
	ShaderStageMesh                   ShaderStage = 0x00000080
	ShaderStageRaygen                 ShaderStage = 0x00000100
	ShaderStageAnyHit                 ShaderStage = 0x00000200
	ShaderStageClosestHit             ShaderStage = 0x00000400
	ShaderStageMiss                   ShaderStage = 0x00000800
	ShaderStageIntersection           ShaderStage = 0x00001000
	ShaderStageCallable               ShaderStage = 0x00002000
	ShaderStageAllGraphics            ShaderStage = 0x0000001F
	ShaderStageAll                    ShaderStage = 0x7FFFFFFF
)

// ImageLayout is the layout an image view is in when accessed through a
// descriptor. Values match VkImageLayout.
type ImageLayout uint32

const (
	ImageLayoutUndefined                   ImageLayout = 0
	ImageLayoutGeneral                     ImageLayout = 1
	ImageLayoutDepthStencilReadOnlyOptimal ImageLayout = 4
	ImageLayoutShaderReadOnlyOptimal       ImageLayout = 5
)

// WholeSize binds a buffer from its offset to its end.
const WholeSize uint64 = ^uint64(0)
