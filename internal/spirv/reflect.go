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

package spirv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"goarrg.com/debug"
	"goarrg.com/rhi/vxc/driver"
)

// Constant is either a literal or, when IsSpecConstant, the SpecId that overrides it.
type Constant struct {
	Value          uint32
	IsSpecConstant bool
}

type Binding struct {
	Name    string
	Set     uint32
	Binding uint32
	Type    driver.DescriptorType
	// Count is 0 for runtime sized arrays of descriptors.
	Count uint32
}

type PushConstantBlock struct {
	Name   string
	Offset uint32
	Size   uint32
}

type Reflection struct {
	EntryPoint     string
	ExecutionModel ExecutionModel
	Version        uint32
	LocalSize      [3]Constant
	// Sets is indexed by set number, sets in between used ones are empty.
	Sets            [][]Binding
	PushConstants   []PushConstantBlock
	SpecConstantIDs []uint32
	// Default values of spec constants keyed by SpecId.
	SpecConstantDefaults map[uint32]uint32
}

func (r *Reflection) NumBindings() int {
	n := 0
	for _, s := range r.Sets {
		n += len(s)
	}
	return n
}

type instruction struct {
	op    Op
	words []uint32
}

type entryPoint struct {
	model      ExecutionModel
	function   uint32
	name       string
	interface_ []uint32
}

type typeInfo struct {
	op    Op
	words []uint32
}

type variable struct {
	id           uint32
	pointerType  uint32
	storageClass StorageClass
}

type decorations struct {
	specID       map[uint32]uint32
	set          map[uint32]uint32
	binding      map[uint32]uint32
	block        map[uint32]bool
	bufferBlock  map[uint32]bool
	arrayStride  map[uint32]uint32
	builtIn      map[uint32]uint32
	memberOffset map[uint32]map[uint32]uint32
	matrixStride map[uint32]map[uint32]uint32
}

type module struct {
	version     uint32
	entryPoints []entryPoint
	names       map[uint32]string
	types       map[uint32]typeInfo
	constants   map[uint32]uint32
	composites  map[uint32][]uint32
	specConsts  map[uint32]bool
	variables   []variable
	functions   map[uint32][]instruction
	modes       map[uint32][]instruction
	decorations decorations
}

// Words converts a little endian SPIR-V byte stream into words.
func Words(code []byte) ([]uint32, error) {
	if len(code)%4 != 0 {
		return nil, debug.Errorf("SPIR-V size [%d] is not a multiple of 4", len(code))
	}
	words := make([]uint32, len(code)/4)
	if err := binary.Read(bytes.NewReader(code), binary.LittleEndian, words); err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to decode SPIR-V")
	}
	return words, nil
}

func decodeString(words []uint32) (string, int) {
	b := make([]byte, 0, len(words)*4)
	for i, w := range words {
		for j := 0; j < 4; j++ {
			c := byte(w >> (8 * j))
			if c == 0 {
				return string(b), i + 1
			}
			b = append(b, c)
		}
	}
	return string(b), len(words)
}

func parse(code []uint32) (*module, error) {
	if len(code) < 5 {
		return nil, debug.Errorf("SPIR-V too short: %d words", len(code))
	}
	if code[0] != Magic {
		return nil, debug.Errorf("Invalid SPIR-V magic: 0x%08X", code[0])
	}

	m := &module{
		version:    code[1],
		names:      map[uint32]string{},
		types:      map[uint32]typeInfo{},
		constants:  map[uint32]uint32{},
		composites: map[uint32][]uint32{},
		specConsts: map[uint32]bool{},
		functions:  map[uint32][]instruction{},
		modes:      map[uint32][]instruction{},
		decorations: decorations{
			specID:       map[uint32]uint32{},
			set:          map[uint32]uint32{},
			binding:      map[uint32]uint32{},
			block:        map[uint32]bool{},
			bufferBlock:  map[uint32]bool{},
			arrayStride:  map[uint32]uint32{},
			builtIn:      map[uint32]uint32{},
			memberOffset: map[uint32]map[uint32]uint32{},
			matrixStride: map[uint32]map[uint32]uint32{},
		},
	}

	var currentFunction uint32
	inFunction := false

	for i := 5; i < len(code); {
		wordCount := int(code[i] >> 16)
		op := Op(code[i] & 0xFFFF)
		if wordCount == 0 || i+wordCount > len(code) {
			return nil, debug.Errorf("Malformed instruction at word %d: opcode %d word count %d", i, op, wordCount)
		}
		w := code[i : i+wordCount]
		i += wordCount

		if inFunction {
			m.functions[currentFunction] = append(m.functions[currentFunction], instruction{op: op, words: w})
			if op == OpFunctionEnd {
				inFunction = false
			}
			continue
		}

		switch op {
		case OpEntryPoint:
			if len(w) < 4 {
				return nil, debug.Errorf("Malformed OpEntryPoint")
			}
			name, n := decodeString(w[3:])
			m.entryPoints = append(m.entryPoints, entryPoint{
				model:      ExecutionModel(w[1]),
				function:   w[2],
				name:       name,
				interface_: slices.Clone(w[3+n:]),
			})

		case OpExecutionMode, OpExecutionModeId:
			if len(w) >= 3 {
				m.modes[w[1]] = append(m.modes[w[1]], instruction{op: op, words: w})
			}

		case OpName:
			if len(w) >= 3 {
				m.names[w[1]], _ = decodeString(w[2:])
			}

		case OpDecorate:
			if len(w) < 3 {
				continue
			}
			target, d := w[1], Decoration(w[2])
			var literal uint32
			if len(w) > 3 {
				literal = w[3]
			}
			switch d {
			case DecorationSpecID:
				m.decorations.specID[target] = literal
			case DecorationDescriptorSet:
				m.decorations.set[target] = literal
			case DecorationBinding:
				m.decorations.binding[target] = literal
			case DecorationBlock:
				m.decorations.block[target] = true
			case DecorationBufferBlock:
				m.decorations.bufferBlock[target] = true
			case DecorationArrayStride:
				m.decorations.arrayStride[target] = literal
			case DecorationBuiltIn:
				m.decorations.builtIn[target] = literal
			}

		case OpMemberDecorate:
			if len(w) < 5 {
				continue
			}
			target, member, d := w[1], w[2], Decoration(w[3])
			switch d {
			case DecorationOffset:
				if m.decorations.memberOffset[target] == nil {
					m.decorations.memberOffset[target] = map[uint32]uint32{}
				}
				m.decorations.memberOffset[target][member] = w[4]
			case DecorationMatrixStride:
				if m.decorations.matrixStride[target] == nil {
					m.decorations.matrixStride[target] = map[uint32]uint32{}
				}
				m.decorations.matrixStride[target][member] = w[4]
			}

		case OpTypeVoid, OpTypeBool, OpTypeInt, OpTypeFloat, OpTypeVector, OpTypeMatrix,
			OpTypeImage, OpTypeSampler, OpTypeSampledImage, OpTypeArray, OpTypeRuntimeArray,
			OpTypeStruct, OpTypePointer, OpTypeFunction:
			if len(w) >= 2 {
				m.types[w[1]] = typeInfo{op: op, words: w}
			}

		case OpConstant, OpSpecConstant:
			if len(w) >= 4 {
				m.constants[w[2]] = w[3]
				if op == OpSpecConstant {
					m.specConsts[w[2]] = true
				}
			}
		case OpConstantTrue, OpSpecConstantTrue:
			if len(w) >= 3 {
				m.constants[w[2]] = 1
				m.specConsts[w[2]] = op == OpSpecConstantTrue
			}
		case OpConstantFalse, OpSpecConstantFalse:
			if len(w) >= 3 {
				m.constants[w[2]] = 0
				m.specConsts[w[2]] = op == OpSpecConstantFalse
			}
		case OpConstantComposite, OpSpecConstantComposite:
			if len(w) >= 3 {
				m.composites[w[2]] = slices.Clone(w[3:])
			}

		case OpVariable:
			if len(w) >= 4 {
				m.variables = append(m.variables, variable{id: w[2], pointerType: w[1], storageClass: StorageClass(w[3])})
			}

		case OpFunction:
			if len(w) < 3 {
				return nil, debug.Errorf("Malformed OpFunction")
			}
			currentFunction = w[2]
			inFunction = true
			m.functions[currentFunction] = nil
		}
	}

	return m, nil
}

// usedIDs returns every id a pointer operand referenced in functions reachable
// from fn, plus the entry point interface list.
func (m *module) usedIDs(ep entryPoint) map[uint32]bool {
	used := map[uint32]bool{}
	for _, id := range ep.interface_ {
		used[id] = true
	}

	visited := map[uint32]bool{}
	queue := []uint32{ep.function}
	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]
		if visited[fn] {
			continue
		}
		visited[fn] = true

		for _, inst := range m.functions[fn] {
			w := inst.words
			switch {
			case inst.op == OpFunctionCall && len(w) >= 4:
				queue = append(queue, w[3])
				for _, arg := range w[4:] {
					used[arg] = true
				}
			case (inst.op == OpLoad || inst.op == OpCopyObject || inst.op == OpArrayLength) && len(w) >= 4:
				used[w[3]] = true
			case inst.op == OpStore && len(w) >= 3:
				used[w[1]] = true
			case (inst.op == OpCopyMemory || inst.op == OpCopyMemorySized) && len(w) >= 3:
				used[w[1]] = true
				used[w[2]] = true
			case (inst.op == OpAccessChain || inst.op == OpInBoundsAccessChain ||
				inst.op == OpPtrAccessChain || inst.op == OpInBoundsPtrAccessChain) && len(w) >= 4:
				used[w[3]] = true
			case inst.op == OpAtomicStore && len(w) >= 2:
				used[w[1]] = true
			case inst.op >= OpAtomicLoad && inst.op <= OpAtomicXor && len(w) >= 4:
				used[w[3]] = true
			}
		}
	}

	return used
}

func (m *module) arrayLength(lengthID uint32) uint32 {
	return m.constants[lengthID]
}

// typeSize returns the byte size of a type as laid out with explicit offsets.
func (m *module) typeSize(id uint32, matrixStride uint32) (uint32, error) {
	t, ok := m.types[id]
	if !ok {
		return 0, debug.Errorf("Unknown type id %d", id)
	}
	w := t.words

	switch t.op {
	case OpTypeBool:
		return 4, nil
	case OpTypeInt, OpTypeFloat:
		return w[2] / 8, nil
	case OpTypeVector:
		c, err := m.typeSize(w[2], 0)
		return c * w[3], err
	case OpTypeMatrix:
		if matrixStride > 0 {
			return matrixStride * w[3], nil
		}
		c, err := m.typeSize(w[2], 0)
		return c * w[3], err
	case OpTypeArray:
		n := m.arrayLength(w[3])
		if stride, ok := m.decorations.arrayStride[id]; ok {
			return stride * n, nil
		}
		e, err := m.typeSize(w[2], matrixStride)
		return e * n, err
	case OpTypeRuntimeArray:
		return 0, nil
	case OpTypePointer:
		return 8, nil
	case OpTypeStruct:
		var size uint32
		for member, memberType := range w[2:] {
			offset := m.decorations.memberOffset[id][uint32(member)]
			s, err := m.typeSize(memberType, m.decorations.matrixStride[id][uint32(member)])
			if err != nil {
				return 0, err
			}
			size = max(size, offset+s)
		}
		return size, nil
	}

	return 0, debug.Errorf("Type id %d with opcode %d has no size", id, t.op)
}

func (m *module) pointee(pointerType uint32) (uint32, error) {
	t, ok := m.types[pointerType]
	if !ok || t.op != OpTypePointer || len(t.words) < 4 {
		return 0, debug.Errorf("Type id %d is not a pointer", pointerType)
	}
	return t.words[3], nil
}

func (m *module) descriptor(v variable) (driver.DescriptorType, uint32, uint32, error) {
	base, err := m.pointee(v.pointerType)
	if err != nil {
		return 0, 0, 0, err
	}

	count := uint32(1)
	if t := m.types[base]; t.op == OpTypeArray {
		count = m.arrayLength(t.words[3])
		base = t.words[2]
	} else if t.op == OpTypeRuntimeArray {
		count = 0
		base = t.words[2]
	}

	t := m.types[base]
	switch v.storageClass {
	case StorageClassStorageBuffer:
		return driver.DescriptorTypeStorageBuffer, count, base, nil
	case StorageClassUniform:
		if m.decorations.bufferBlock[base] {
			return driver.DescriptorTypeStorageBuffer, count, base, nil
		}
		return driver.DescriptorTypeUniformBuffer, count, base, nil
	case StorageClassUniformConstant:
		switch t.op {
		case OpTypeSampler:
			return driver.DescriptorTypeSampler, count, base, nil
		case OpTypeSampledImage:
			return driver.DescriptorTypeCombinedImageSampler, count, base, nil
		case OpTypeImage:
			if len(t.words) > 7 && t.words[7] == 2 {
				return driver.DescriptorTypeStorageImage, count, base, nil
			}
			return driver.DescriptorTypeSampledImage, count, base, nil
		}
	}
	return driver.DescriptorTypeUnknown, count, base, nil
}

func (m *module) constant(id uint32) Constant {
	if specID, ok := m.decorations.specID[id]; ok && m.specConsts[id] {
		return Constant{Value: specID, IsSpecConstant: true}
	}
	return Constant{Value: m.constants[id]}
}

func (m *module) localSize(ep entryPoint) [3]Constant {
	size := [3]Constant{{Value: 1}, {Value: 1}, {Value: 1}}

	for _, mode := range m.modes[ep.function] {
		w := mode.words
		if len(w) < 6 {
			continue
		}
		switch {
		case mode.op == OpExecutionMode && w[2] == executionModeLocalSize:
			size = [3]Constant{{Value: w[3]}, {Value: w[4]}, {Value: w[5]}}
		case mode.op == OpExecutionModeId && w[2] == executionModeLocalSizeID:
			size = [3]Constant{m.constant(w[3]), m.constant(w[4]), m.constant(w[5])}
		}
	}

	// the WorkgroupSize builtin takes precedence over execution modes
	for id, builtIn := range m.decorations.builtIn {
		if builtIn != builtInWorkgroupSize {
			continue
		}
		if components, ok := m.composites[id]; ok && len(components) == 3 {
			size = [3]Constant{m.constant(components[0]), m.constant(components[1]), m.constant(components[2])}
		}
	}

	return size
}

// Reflect returns the resources used by the entry point called name.
func Reflect(code []uint32, name string) (*Reflection, error) {
	m, err := parse(code)
	if err != nil {
		return nil, err
	}

	idx := slices.IndexFunc(m.entryPoints, func(e entryPoint) bool { return e.name == name })
	if idx < 0 {
		names := make([]string, 0, len(m.entryPoints))
		for _, e := range m.entryPoints {
			names = append(names, e.name)
		}
		return nil, debug.Errorf("Entry point %q not found, module has: %q", name, names)
	}
	ep := m.entryPoints[idx]

	r := &Reflection{
		EntryPoint:           ep.name,
		ExecutionModel:       ep.model,
		Version:              m.version,
		LocalSize:            m.localSize(ep),
		SpecConstantDefaults: map[uint32]uint32{},
	}

	{
		for id, specID := range m.decorations.specID {
			if !m.specConsts[id] {
				continue
			}
			if _, ok := r.SpecConstantDefaults[specID]; !ok {
				r.SpecConstantIDs = append(r.SpecConstantIDs, specID)
			}
			r.SpecConstantDefaults[specID] = m.constants[id]
		}
		slices.Sort(r.SpecConstantIDs)
	}

	used := m.usedIDs(ep)

	for _, v := range m.variables {
		if !used[v.id] {
			continue
		}

		switch v.storageClass {
		case StorageClassPushConstant:
			base, err := m.pointee(v.pointerType)
			if err != nil {
				return nil, err
			}
			size, err := m.typeSize(base, 0)
			if err != nil {
				return nil, debug.ErrorWrapf(err, "Failed to size push constant block %d", v.id)
			}
			offset := uint32(0)
			if offsets := m.decorations.memberOffset[base]; len(offsets) > 0 {
				offset = ^uint32(0)
				for _, o := range offsets {
					offset = min(offset, o)
				}
			}
			r.PushConstants = append(r.PushConstants, PushConstantBlock{
				Name:   m.name(v.id, base),
				Offset: offset,
				Size:   size - offset,
			})

		case StorageClassStorageBuffer, StorageClassUniform, StorageClassUniformConstant:
			set, hasSet := m.decorations.set[v.id]
			binding, hasBinding := m.decorations.binding[v.id]
			if !hasSet || !hasBinding {
				continue
			}
			t, count, base, err := m.descriptor(v)
			if err != nil {
				return nil, err
			}
			b := Binding{Name: m.name(v.id, base), Set: set, Binding: binding, Type: t, Count: count}
			if err := r.addBinding(b); err != nil {
				return nil, err
			}
		}
	}

	for _, s := range r.Sets {
		slices.SortFunc(s, func(a, b Binding) int { return int(a.Binding) - int(b.Binding) })
	}

	return r, nil
}

func (m *module) name(ids ...uint32) string {
	for _, id := range ids {
		if n := m.names[id]; n != "" {
			return n
		}
	}
	return ""
}

func (r *Reflection) addBinding(b Binding) error {
	for uint32(len(r.Sets)) <= b.Set {
		r.Sets = append(r.Sets, nil)
	}
	for _, existing := range r.Sets[b.Set] {
		if existing.Binding != b.Binding {
			continue
		}
		if existing.Type != b.Type || existing.Count != b.Count {
			return debug.Errorf("set[%d] binding[%d] is declared with conflicting types: %s[%d] and %s[%d]",
				b.Set, b.Binding, existing.Type, existing.Count, b.Type, b.Count)
		}
		return nil
	}
	r.Sets[b.Set] = append(r.Sets[b.Set], b)
	return nil
}

func (r *Reflection) String() string {
	return fmt.Sprintf("%s(%s) local:%v sets:%v push:%v spec:%v",
		r.EntryPoint, r.ExecutionModel, r.LocalSize, r.Sets, r.PushConstants, r.SpecConstantIDs)
}
