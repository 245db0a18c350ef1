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

// Package spirvtest assembles small compute modules for tests.
package spirvtest

import (
	"goarrg.com/rhi/vxc/internal/spirv"
)

type Buffer struct {
	Name    string
	Set     uint32
	Binding uint32
	// Count > 1 declares an array of descriptors.
	Count   uint32
	Uniform bool
	// Unused buffers are declared but never referenced by the entry point.
	Unused bool
}

type SpecConstant struct {
	ID      uint32
	Default uint32
}

// Module describes a GLCompute entry point with a trivial body.
type Module struct {
	EntryPoint string
	LocalSize  [3]uint32
	// LocalSizeSpecIDs, when set, makes each local size dimension a spec
	// constant with that SpecId and LocalSize as the default.
	LocalSizeSpecIDs *[3]uint32
	Buffers          []Buffer
	// Number of uint32 members in the push constant block, 0 for none.
	PushConstantWords uint32
	SpecConstants     []SpecConstant
	// Legacy emits a SPIR-V 1.0 style module where only the body references
	// the resources instead of the entry point interface.
	Legacy bool
}

type builder struct {
	bound uint32

	preamble    []uint32
	debug       []uint32
	annotations []uint32
	globals     []uint32
	body        []uint32
}

func (b *builder) id() uint32 {
	b.bound++
	return b.bound
}

func emit(dst *[]uint32, op spirv.Op, operands ...uint32) {
	*dst = append(*dst, uint32(len(operands)+1)<<16|uint32(op))
	*dst = append(*dst, operands...)
}

func encodeString(s string) []uint32 {
	b := append([]byte(s), 0)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
	}
	return words
}

// Build returns the SPIR-V words.
func (m Module) Build() []uint32 {
	b := &builder{}

	entry := m.EntryPoint
	if entry == "" {
		entry = "main"
	}
	localSize := m.LocalSize
	for i := range localSize {
		if localSize[i] == 0 {
			localSize[i] = 1
		}
	}

	tVoid := b.id()
	tFunc := b.id()
	tUint := b.id()
	fnMain := b.id()

	emit(&b.globals, spirv.OpTypeVoid, tVoid)
	emit(&b.globals, spirv.OpTypeFunction, tFunc, tVoid)
	emit(&b.globals, spirv.OpTypeInt, tUint, 32, 0)

	constants := map[uint32]uint32{}
	uintConst := func(v uint32) uint32 {
		if id, ok := constants[v]; ok {
			return id
		}
		id := b.id()
		emit(&b.globals, spirv.OpConstant, tUint, id, v)
		constants[v] = id
		return id
	}

	var iface []uint32
	var used, usedTypes []uint32

	if m.LocalSizeSpecIDs != nil {
		var ids [3]uint32
		for i := range ids {
			ids[i] = b.id()
			emit(&b.globals, spirv.OpSpecConstant, tUint, ids[i], localSize[i])
			emit(&b.annotations, spirv.OpDecorate, ids[i], uint32(spirv.DecorationSpecID), m.LocalSizeSpecIDs[i])
		}
		emit(&b.preamble, spirv.OpExecutionModeId, fnMain, 38, ids[0], ids[1], ids[2])
	} else {
		emit(&b.preamble, spirv.OpExecutionMode, fnMain, 17, localSize[0], localSize[1], localSize[2])
	}

	for _, s := range m.SpecConstants {
		id := b.id()
		emit(&b.globals, spirv.OpSpecConstant, tUint, id, s.Default)
		emit(&b.annotations, spirv.OpDecorate, id, uint32(spirv.DecorationSpecID), s.ID)
	}

	if len(m.Buffers) > 0 {
		tArray := b.id()
		emit(&b.globals, spirv.OpTypeRuntimeArray, tArray, tUint)
		emit(&b.annotations, spirv.OpDecorate, tArray, uint32(spirv.DecorationArrayStride), 4)

		for _, buf := range m.Buffers {
			tStruct := b.id()
			emit(&b.globals, spirv.OpTypeStruct, tStruct, tArray)
			emit(&b.annotations, spirv.OpDecorate, tStruct, uint32(spirv.DecorationBlock))
			emit(&b.annotations, spirv.OpMemberDecorate, tStruct, 0, uint32(spirv.DecorationOffset), 0)

			storage := spirv.StorageClassStorageBuffer
			if buf.Uniform {
				storage = spirv.StorageClassUniform
			}

			tVar := tStruct
			if buf.Count > 1 {
				tVar = b.id()
				emit(&b.globals, spirv.OpTypeArray, tVar, tStruct, uintConst(buf.Count))
			}

			tPtr := b.id()
			emit(&b.globals, spirv.OpTypePointer, tPtr, uint32(storage), tVar)

			v := b.id()
			emit(&b.globals, spirv.OpVariable, tPtr, v, uint32(storage))
			emit(&b.annotations, spirv.OpDecorate, v, uint32(spirv.DecorationDescriptorSet), buf.Set)
			emit(&b.annotations, spirv.OpDecorate, v, uint32(spirv.DecorationBinding), buf.Binding)
			if buf.Name != "" {
				emit(&b.debug, spirv.OpName, append([]uint32{v}, encodeString(buf.Name)...)...)
			}

			if !buf.Unused {
				used = append(used, v)
				usedTypes = append(usedTypes, tPtr)
			}
		}
	}

	if m.PushConstantWords > 0 {
		members := make([]uint32, m.PushConstantWords)
		for i := range members {
			members[i] = tUint
		}
		tStruct := b.id()
		emit(&b.globals, spirv.OpTypeStruct, append([]uint32{tStruct}, members...)...)
		emit(&b.annotations, spirv.OpDecorate, tStruct, uint32(spirv.DecorationBlock))
		for i := range members {
			emit(&b.annotations, spirv.OpMemberDecorate, tStruct, uint32(i), uint32(spirv.DecorationOffset), uint32(i*4))
		}
		tPtr := b.id()
		emit(&b.globals, spirv.OpTypePointer, tPtr, uint32(spirv.StorageClassPushConstant), tStruct)
		v := b.id()
		emit(&b.globals, spirv.OpVariable, tPtr, v, uint32(spirv.StorageClassPushConstant))
		used = append(used, v)
		usedTypes = append(usedTypes, tPtr)
	}

	emit(&b.body, spirv.OpFunction, tVoid, fnMain, 0, tFunc)
	emit(&b.body, spirv.OpLabel, b.id())
	if m.Legacy {
		for i, v := range used {
			emit(&b.body, spirv.OpAccessChain, usedTypes[i], b.id(), v)
		}
	} else {
		iface = used
	}
	emit(&b.body, spirv.OpReturn)
	emit(&b.body, spirv.OpFunctionEnd)

	var code []uint32
	version := uint32(0x00010500)
	if m.Legacy {
		version = 0x00010000
	}
	code = append(code, spirv.Magic, version, 0, b.bound+1, 0)
	emit(&code, spirv.OpCapability, 1)
	emit(&code, spirv.OpMemoryModel, 0, 1)
	emit(&code, spirv.OpEntryPoint, append(append([]uint32{uint32(spirv.ExecutionModelGLCompute), fnMain}, encodeString(entry)...), iface...)...)
	code = append(code, b.preamble...)
	code = append(code, b.debug...)
	code = append(code, b.annotations...)
	code = append(code, b.globals...)
	code = append(code, b.body...)
	return code
}
