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

// Package spirv reflects the resource interface of a compute entry point
// from a SPIR-V module.
package spirv

const Magic uint32 = 0x07230203

type Op uint16

const (
	OpNop                    Op = 0
	OpName                   Op = 5
	OpMemberName             Op = 6
	OpEntryPoint             Op = 15
	OpExecutionMode          Op = 16
	OpCapability             Op = 17
	OpTypeVoid               Op = 19
	OpTypeBool               Op = 20
	OpTypeInt                Op = 21
	OpTypeFloat              Op = 22
	OpTypeVector             Op = 23
	OpTypeMatrix             Op = 24
	OpTypeImage              Op = 25
	OpTypeSampler            Op = 26
	OpTypeSampledImage       Op = 27
	OpTypeArray              Op = 28
	OpTypeRuntimeArray       Op = 29
	OpTypeStruct             Op = 30
	OpTypePointer            Op = 32
	OpTypeFunction           Op = 33
	OpConstantTrue           Op = 41
	OpConstantFalse          Op = 42
	OpConstant               Op = 43
	OpConstantComposite      Op = 44
	OpSpecConstantTrue       Op = 48
	OpSpecConstantFalse      Op = 49
	OpSpecConstant           Op = 50
	OpSpecConstantComposite  Op = 51
	OpFunction               Op = 54
	OpFunctionParameter      Op = 55
	OpFunctionEnd            Op = 56
	OpFunctionCall           Op = 57
	OpVariable               Op = 59
	OpLoad                   Op = 61
	OpStore                  Op = 62
	OpCopyMemory             Op = 63
	OpCopyMemorySized        Op = 64
	OpAccessChain            Op = 65
	OpInBoundsAccessChain    Op = 66
	OpPtrAccessChain         Op = 67
	OpArrayLength            Op = 68
	OpInBoundsPtrAccessChain Op = 70
	OpDecorate               Op = 71
	OpMemberDecorate         Op = 72
	OpCopyObject             Op = 83
	OpAtomicLoad             Op = 227
	OpAtomicStore            Op = 228
	OpAtomicXor              Op = 242
	OpLabel                  Op = 248
	OpReturn                 Op = 253
	OpExecutionModeId        Op = 331
	OpMemoryModel            Op = 14
)

type Decoration uint32

const (
	DecorationSpecID        Decoration = 1
	DecorationBlock         Decoration = 2
	DecorationBufferBlock   Decoration = 3
	DecorationArrayStride   Decoration = 6
	DecorationMatrixStride  Decoration = 7
	DecorationBuiltIn       Decoration = 11
	DecorationBinding       Decoration = 33
	DecorationDescriptorSet Decoration = 34
	DecorationOffset        Decoration = 35
)

type StorageClass uint32

const (
	StorageClassUniformConstant       StorageClass = 0
	StorageClassInput                 StorageClass = 1
	StorageClassUniform               StorageClass = 2
	StorageClassWorkgroup             StorageClass = 4
	StorageClassPrivate               StorageClass = 6
	StorageClassFunction              StorageClass = 7
	StorageClassPushConstant          StorageClass = 9
	StorageClassStorageBuffer         StorageClass = 12
	StorageClassPhysicalStorageBuffer StorageClass = 5349
)

type ExecutionModel uint32

const (
	ExecutionModelVertex    ExecutionModel = 0
	ExecutionModelFragment  ExecutionModel = 4
	ExecutionModelGLCompute ExecutionModel = 5
	ExecutionModelKernel    ExecutionModel = 6
)

func (m ExecutionModel) String() string {
	switch m {
	case ExecutionModelVertex:
		return "Vertex"
	case ExecutionModelFragment:
		return "Fragment"
	case ExecutionModelGLCompute:
		return "GLCompute"
	case ExecutionModelKernel:
		return "Kernel"
	default:
		return "Other"
	}
}

const (
	executionModeLocalSize   uint32 = 17
	executionModeLocalSizeID uint32 = 38
	builtInWorkgroupSize     uint32 = 25
)
