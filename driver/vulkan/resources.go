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

package vulkan

import (
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"goarrg.com/debug"
	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/internal/util"
)

func descriptorType(t driver.DescriptorType) (vk.DescriptorType, error) {
	switch t {
	case driver.DescriptorTypeStorageBuffer:
		return vk.DescriptorTypeStorageBuffer, nil
	case driver.DescriptorTypeUniformBuffer:
		return vk.DescriptorTypeUniformBuffer, nil
	}
	return 0, debug.ErrorWrapf(driver.ErrorUnsupported{}, "Descriptor type %s", t)
}

type descriptorSetLayout struct {
	dev      *device
	handle   vk.DescriptorSetLayout
	bindings []driver.LayoutBinding
}

func (l *descriptorSetLayout) Bindings() []driver.LayoutBinding {
	return l.bindings
}

func (l *descriptorSetLayout) Destroy() {
	vk.DestroyDescriptorSetLayout(l.dev.handle, l.handle, nil)
}

func (d *device) CreateDescriptorSetLayout(bindings []driver.LayoutBinding) (driver.DescriptorSetLayout, error) {
	vkBindings := make([]vk.DescriptorSetLayoutBinding, 0, len(bindings))
	for _, b := range bindings {
		t, err := descriptorType(b.Type)
		if err != nil {
			return nil, err
		}
		vkBindings = append(vkBindings, vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  t,
			DescriptorCount: b.Count,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		})
	}

	l := &descriptorSetLayout{dev: d, bindings: append([]driver.LayoutBinding(nil), bindings...)}
	ret := vk.CreateDescriptorSetLayout(d.handle, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vkBindings)),
		PBindings:    vkBindings,
	}, nil, &l.handle)
	if err := vkResult(ret, "Failed to create descriptor set layout"); err != nil {
		return nil, err
	}
	return l, nil
}

type descriptorSet struct {
	dev    *device
	pool   vk.DescriptorPool
	handle vk.DescriptorSet
}

func (s *descriptorSet) Destroy() {
	vk.DestroyDescriptorPool(s.dev.handle, s.pool, nil)
}

func (d *device) CreateDescriptorSet(layout driver.DescriptorSetLayout, writes []driver.BufferWrite) (driver.DescriptorSet, error) {
	l, ok := layout.(*descriptorSetLayout)
	if !ok {
		return nil, debug.Errorf("Foreign descriptor set layout: %T", layout)
	}

	counts := map[vk.DescriptorType]uint32{}
	for _, b := range l.bindings {
		t, err := descriptorType(b.Type)
		if err != nil {
			return nil, err
		}
		counts[t] += b.Count
	}
	poolSizes := make([]vk.DescriptorPoolSize, 0, len(counts))
	for t, c := range counts {
		poolSizes = append(poolSizes, vk.DescriptorPoolSize{Type: t, DescriptorCount: c})
	}

	s := &descriptorSet{dev: d}
	ret := vk.CreateDescriptorPool(d.handle, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       1,
		PoolSizeCount: uint32(len(poolSizes)),
		PPoolSizes:    poolSizes,
	}, nil, &s.pool)
	if err := vkResult(ret, "Failed to create descriptor pool"); err != nil {
		return nil, err
	}

	ret = vk.AllocateDescriptorSets(d.handle, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     s.pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{l.handle},
	}, &s.handle)
	if err := vkResult(ret, "Failed to allocate descriptor set"); err != nil {
		vk.DestroyDescriptorPool(d.handle, s.pool, nil)
		return nil, err
	}

	if len(writes) > 0 {
		types := map[uint32]vk.DescriptorType{}
		for _, b := range l.bindings {
			types[b.Binding], _ = descriptorType(b.Type)
		}

		vkWrites := make([]vk.WriteDescriptorSet, 0, len(writes))
		for _, w := range writes {
			a, ok := w.Allocation.(*allocation)
			if !ok || a.freed {
				vk.DestroyDescriptorPool(d.handle, s.pool, nil)
				return nil, debug.Errorf("Invalid allocation bound to binding [%d]", w.Binding)
			}
			vkWrites = append(vkWrites, vk.WriteDescriptorSet{
				SType:           vk.StructureTypeWriteDescriptorSet,
				DstSet:          s.handle,
				DstBinding:      w.Binding,
				DstArrayElement: w.ArrayElement,
				DescriptorCount: 1,
				DescriptorType:  types[w.Binding],
				PBufferInfo: []vk.DescriptorBufferInfo{{
					Buffer: a.buffer,
					Offset: vk.DeviceSize(w.Offset),
					Range:  vk.DeviceSize(w.Range),
				}},
			})
		}
		vk.UpdateDescriptorSets(d.handle, uint32(len(vkWrites)), vkWrites, 0, nil)
	}

	return s, nil
}

type shaderModule struct {
	dev    *device
	handle vk.ShaderModule
}

func (m *shaderModule) Destroy() {
	vk.DestroyShaderModule(m.dev.handle, m.handle, nil)
}

func (d *device) CreateShaderModule(code []uint32) (driver.ShaderModule, error) {
	m := &shaderModule{dev: d}
	ret := vk.CreateShaderModule(d.handle, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code) * 4),
		PCode:    code,
	}, nil, &m.handle)
	if err := vkResult(ret, "Failed to create shader module"); err != nil {
		return nil, err
	}
	return m, nil
}

type pipeline struct {
	dev    *device
	layout vk.PipelineLayout
	handle vk.Pipeline
}

func (p *pipeline) Destroy() {
	vk.DestroyPipeline(p.dev.handle, p.handle, nil)
	vk.DestroyPipelineLayout(p.dev.handle, p.layout, nil)
}

func (d *device) CreateComputePipeline(info driver.ComputePipelineInfo) (driver.Pipeline, error) {
	module, ok := info.Module.(*shaderModule)
	if !ok {
		return nil, debug.Errorf("Foreign shader module: %T", info.Module)
	}

	setLayouts := make([]vk.DescriptorSetLayout, len(info.SetLayouts))
	for i, l := range info.SetLayouts {
		setLayouts[i] = l.(*descriptorSetLayout).handle
	}

	var pushRanges []vk.PushConstantRange
	if info.PushConstantSize > 0 {
		pushRanges = []vk.PushConstantRange{{
			StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit),
			Offset:     info.PushConstantOffset,
			Size:       info.PushConstantSize,
		}}
	}

	p := &pipeline{dev: d}
	ret := vk.CreatePipelineLayout(d.handle, &vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         uint32(len(setLayouts)),
		PSetLayouts:            setLayouts,
		PushConstantRangeCount: uint32(len(pushRanges)),
		PPushConstantRanges:    pushRanges,
	}, nil, &p.layout)
	if err := vkResult(ret, "Failed to create pipeline layout"); err != nil {
		return nil, err
	}

	var specInfo []vk.SpecializationInfo
	if len(info.SpecConstants) > 0 {
		entries := make([]vk.SpecializationMapEntry, len(info.SpecConstants))
		data := make([]uint32, len(info.SpecConstants))
		for i, s := range info.SpecConstants {
			entries[i] = vk.SpecializationMapEntry{ConstantID: s.ID, Offset: uint32(i * 4), Size: 4}
			data[i] = s.Value
		}
		specInfo = []vk.SpecializationInfo{{
			MapEntryCount: uint32(len(entries)),
			PMapEntries:   entries,
			DataSize:      uint(len(data) * 4),
			PData:         unsafe.Pointer(unsafe.SliceData(util.SliceBytes(data))),
		}}
	}

	pipelines := make([]vk.Pipeline, 1)
	ret = vk.CreateComputePipelines(d.handle, d.pipelineCache, 1, []vk.ComputePipelineCreateInfo{{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:               vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:               vk.ShaderStageComputeBit,
			Module:              module.handle,
			PName:               cString(info.EntryPoint),
			PSpecializationInfo: specInfo,
		},
		Layout: p.layout,
	}}, nil, pipelines)
	if err := vkResult(ret, "Failed to create compute pipeline %q", info.EntryPoint); err != nil {
		vk.DestroyPipelineLayout(d.handle, p.layout, nil)
		return nil, err
	}
	p.handle = pipelines[0]
	return p, nil
}
