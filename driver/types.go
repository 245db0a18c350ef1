/*
Copyright 2025 The goARRG Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package driver

import "strings"

type MemoryClass uint32

const (
	MemoryDeviceLocal MemoryClass = iota
	MemoryHostVisible
)

func (c MemoryClass) String() string {
	switch c {
	case MemoryDeviceLocal:
		return "DeviceLocal"
	case MemoryHostVisible:
		return "HostVisible"
	default:
		return "Unknown"
	}
}

type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageDeviceAddress
)

func (u BufferUsage) HasBits(want BufferUsage) bool {
	return (u & want) == want
}

func (u BufferUsage) String() string {
	str := ""
	if u.HasBits(BufferUsageTransferSrc) {
		str += "TransferSrc|"
	}
	if u.HasBits(BufferUsageTransferDst) {
		str += "TransferDst|"
	}
	if u.HasBits(BufferUsageUniform) {
		str += "Uniform|"
	}
	if u.HasBits(BufferUsageStorage) {
		str += "Storage|"
	}
	if u.HasBits(BufferUsageDeviceAddress) {
		str += "DeviceAddress|"
	}
	return strings.TrimSuffix(str, "|")
}

type DescriptorType uint32

const (
	DescriptorTypeUnknown DescriptorType = iota
	DescriptorTypeStorageBuffer
	DescriptorTypeUniformBuffer
	DescriptorTypeSampler
	DescriptorTypeSampledImage
	DescriptorTypeStorageImage
	DescriptorTypeCombinedImageSampler
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorTypeStorageBuffer:
		return "StorageBuffer"
	case DescriptorTypeUniformBuffer:
		return "UniformBuffer"
	case DescriptorTypeSampler:
		return "Sampler"
	case DescriptorTypeSampledImage:
		return "SampledImage"
	case DescriptorTypeStorageImage:
		return "StorageImage"
	case DescriptorTypeCombinedImageSampler:
		return "CombinedImageSampler"
	default:
		return "Unknown"
	}
}

type ShaderStage uint32

const (
	ShaderStageCompute ShaderStage = 1 << iota
)

func (s ShaderStage) String() string {
	if s == ShaderStageCompute {
		return "Compute"
	}
	return "Unknown"
}

type PipelineStage uint32

const (
	PipelineStageNone    PipelineStage = 0
	PipelineStageCompute PipelineStage = 1 << iota
	PipelineStageTransfer
	PipelineStageHost
	PipelineStageAll PipelineStage = PipelineStageCompute | PipelineStageTransfer | PipelineStageHost
)

func (s PipelineStage) String() string {
	str := ""
	if s&PipelineStageCompute != 0 {
		str += "Compute|"
	}
	if s&PipelineStageTransfer != 0 {
		str += "Transfer|"
	}
	if s&PipelineStageHost != 0 {
		str += "Host|"
	}
	if str == "" {
		return "None"
	}
	return strings.TrimSuffix(str, "|")
}

type Access uint32

const (
	AccessNone Access = 0
	AccessRead Access = 1 << iota
	AccessWrite
	AccessReadWrite Access = AccessRead | AccessWrite
)

type AdapterType uint32

const (
	AdapterTypeOther AdapterType = iota
	AdapterTypeIntegrated
	AdapterTypeDiscrete
	AdapterTypeVirtual
	AdapterTypeCPU
)

func (t AdapterType) String() string {
	switch t {
	case AdapterTypeIntegrated:
		return "Integrated"
	case AdapterTypeDiscrete:
		return "Discrete"
	case AdapterTypeVirtual:
		return "Virtual"
	case AdapterTypeCPU:
		return "CPU"
	default:
		return "Other"
	}
}

type Limits struct {
	MaxAllocationSize               uint64
	MaxMemoryAllocationCount        uint32
	MaxBoundDescriptorSets          uint32
	MaxPushConstantsSize            uint32
	MaxStorageBufferRange           uint64
	MinStorageBufferOffsetAlignment uint64
	MaxComputeWorkGroupCount        [3]uint32
	MaxComputeWorkGroupSize         [3]uint32
	MaxComputeWorkGroupInvocations  uint32
	MinSubgroupSize                 uint32
	MaxSubgroupSize                 uint32
}

type Features struct {
	BufferDeviceAddress bool
	ShaderFloat64       bool
	ShaderFloat16       bool
	ShaderInt64         bool
	ShaderInt16         bool
	ShaderInt8          bool
}

type AdapterInfo struct {
	Name          string
	VendorID      uint32
	DeviceID      uint32
	Type          AdapterType
	API           uint32
	DriverVersion uint32
	Limits        Limits
	Features      Features
	Extensions    []string
}

type LayoutBinding struct {
	Binding uint32
	Type    DescriptorType
	Count   uint32
	Stage   ShaderStage
}

type BufferWrite struct {
	Binding      uint32
	ArrayElement uint32
	Allocation   Allocation
	Offset       uint64
	Range        uint64
}

type SpecConstant struct {
	ID    uint32
	Value uint32
}

type ComputePipelineInfo struct {
	Module     ShaderModule
	EntryPoint string
	// One layout per set index, sets without bindings still get an empty layout.
	SetLayouts         []DescriptorSetLayout
	PushConstantOffset uint32
	PushConstantSize   uint32
	SpecConstants      []SpecConstant
	LocalSize          [3]uint32
}

type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

type BufferBarrier struct {
	Allocation Allocation
	Offset     uint64
	Size       uint64
	SrcStage   PipelineStage
	DstStage   PipelineStage
	SrcAccess  Access
	DstAccess  Access
}

type SemaphoreWait struct {
	Semaphore Semaphore
	Stage     PipelineStage
}

type SubmitInfo struct {
	CommandBuffer CommandBuffer
	Waits         []SemaphoreWait
	Signal        Semaphore
	Fence         Fence
}
