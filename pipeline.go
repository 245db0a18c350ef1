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

package vxc

import (
	"encoding/binary"
	"weak"

	"goarrg.com/debug"
	"goarrg.com/gmath"

	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/internal/spirv"
	"goarrg.com/rhi/vxc/internal/util"
)

// Pipeline is a compute entry point with its bindings, push constants and
// specialization constants resolved. Buffers are passed as one flat list
// ordered by set then binding, arrays of descriptors take one buffer per
// element.
type Pipeline struct {
	noCopy     util.NoCopy
	device     *Device
	module     *ShaderModule
	entryPoint string
	handle     driver.Pipeline

	// layouts has one entry per set index, unused sets have empty layouts.
	layouts       []*descriptorSetLayout
	bindingCounts []uint32

	pushConstantOffset   uint32
	pushConstantSize     uint32
	specConstants        []byte
	defaultPushConstants []byte
	localSize            gmath.Extent3u32

	bound        []weak.Pointer[Buffer]
	hasBeenBound bool
}

func (d *Device) createPipelineLocked(m *ShaderModule, entryPoint string, specConstants, defaultPushConstants []byte) (*Pipeline, error) {
	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	if m.device != d {
		return nil, debug.ErrorWrapf(ErrorInvalidState{}, "ShaderModule belongs to another device")
	}

	r, err := spirv.Reflect(m.spirv, entryPoint)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to reflect entry point %q", entryPoint)
	}
	if r.ExecutionModel != spirv.ExecutionModelGLCompute {
		return nil, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "Entry point %q has execution model %s, only GLCompute is supported",
			entryPoint, r.ExecutionModel)
	}

	p := &Pipeline{
		device:               d,
		module:               m,
		entryPoint:           entryPoint,
		specConstants:        append([]byte{}, specConstants...),
		defaultPushConstants: append([]byte{}, defaultPushConstants...),
	}

	// push constants
	{
		if len(r.PushConstants) > 1 {
			return nil, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "Entry point %q uses %d push constant blocks, at most 1 is supported",
				entryPoint, len(r.PushConstants))
		}
		if len(r.PushConstants) == 1 {
			p.pushConstantOffset = r.PushConstants[0].Offset
			p.pushConstantSize = r.PushConstants[0].Size
		}
		if uint32(len(defaultPushConstants)) != p.pushConstantSize {
			return nil, debug.ErrorWrapf(ErrorSizeMismatch{}, "Default push constants size [%d] does not match entry point %q push constant block size [%d]",
				len(defaultPushConstants), entryPoint, p.pushConstantSize)
		}
		if p.pushConstantOffset+p.pushConstantSize > d.properties.Limits.PerPipeline.MaxPushConstantsSize {
			return nil, debug.ErrorWrapf(ErrorResourceLimitExceeded{}, "Push constant range [%d:%d] is larger than Limits.PerPipeline.MaxPushConstantsSize [%d]",
				p.pushConstantOffset, p.pushConstantOffset+p.pushConstantSize, d.properties.Limits.PerPipeline.MaxPushConstantsSize)
		}
	}

	// spec constants
	specWords := []uint32{}
	{
		if len(specConstants)%4 != 0 {
			return nil, debug.ErrorWrapf(ErrorSizeMismatch{}, "Spec constants size [%d] is not a multiple of 4", len(specConstants))
		}
		for i := 0; i < len(specConstants); i += 4 {
			specWords = append(specWords, binary.LittleEndian.Uint32(specConstants[i:]))
		}
		if len(specWords) != len(r.SpecConstantIDs) {
			return nil, debug.ErrorWrapf(ErrorSizeMismatch{}, "Got [%d] spec constants, entry point %q has [%d]",
				len(specWords), entryPoint, len(r.SpecConstantIDs))
		}
		for _, id := range r.SpecConstantIDs {
			if id >= uint32(len(specWords)) {
				return nil, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "Spec constant id [%d] is not in [0, %d)", id, len(specWords))
			}
		}
	}

	// local size
	{
		var size [3]uint32
		for i, c := range r.LocalSize {
			size[i] = c.Value
			if c.IsSpecConstant {
				if c.Value < uint32(len(specWords)) {
					size[i] = specWords[c.Value]
				} else {
					size[i] = r.SpecConstantDefaults[c.Value]
				}
			}
		}
		p.localSize = gmath.Extent3u32{X: size[0], Y: size[1], Z: size[2]}

		if !p.localSize.InRange(gmath.Extent3[uint32]{}, d.properties.Limits.Compute.MaxLocalSize) {
			limit := d.properties.Limits.Compute.MaxLocalSize
			return nil, debug.ErrorWrapf(ErrorResourceLimitExceeded{}, "Local size [%d,%d,%d] is greater than Limits.Compute.MaxLocalSize [%d,%d,%d]",
				size[0], size[1], size[2], limit.X, limit.Y, limit.Z)
		}
		if p.localSize.Volume() > d.properties.Limits.Compute.Workgroup.MaxInvocations {
			return nil, debug.ErrorWrapf(ErrorResourceLimitExceeded{}, "Local size [%d*%d*%d] is greater than Limits.Compute.Workgroup.MaxInvocations [%d]",
				size[0], size[1], size[2], d.properties.Limits.Compute.Workgroup.MaxInvocations)
		}
	}

	// descriptor set layouts
	{
		if uint32(len(r.Sets)) > d.properties.Limits.PerPipeline.MaxBoundDescriptorSets {
			return nil, debug.ErrorWrapf(ErrorResourceLimitExceeded{}, "Entry point %q uses [%d] descriptor sets, Limits.PerPipeline.MaxBoundDescriptorSets is [%d]",
				entryPoint, len(r.Sets), d.properties.Limits.PerPipeline.MaxBoundDescriptorSets)
		}
		for set, bindings := range r.Sets {
			layoutBindings := make([]driver.LayoutBinding, 0, len(bindings))
			count := uint32(0)
			for _, b := range bindings {
				if b.Type != driver.DescriptorTypeStorageBuffer {
					return nil, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "Binding [%d:%d] %q has type %s, only storage buffers are supported",
						set, b.Binding, b.Name, b.Type)
				}
				if b.Count == 0 {
					return nil, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "Binding [%d:%d] %q is a runtime sized descriptor array",
						set, b.Binding, b.Name)
				}
				layoutBindings = append(layoutBindings, driver.LayoutBinding{
					Binding: b.Binding,
					Type:    b.Type,
					Count:   b.Count,
					Stage:   driver.ShaderStageCompute,
				})
				count += b.Count
			}
			l, err := d.descriptorSetLayoutCache.createOrRetrieveDescriptorSetLayout(layoutBindings)
			if err != nil {
				return nil, err
			}
			p.layouts = append(p.layouts, l)
			p.bindingCounts = append(p.bindingCounts, count)
		}
	}

	info := driver.ComputePipelineInfo{
		Module:             m.handle,
		EntryPoint:         entryPoint,
		PushConstantOffset: p.pushConstantOffset,
		PushConstantSize:   p.pushConstantSize,
		LocalSize:          [3]uint32{p.localSize.X, p.localSize.Y, p.localSize.Z},
	}
	for _, l := range p.layouts {
		info.SetLayouts = append(info.SetLayouts, l.handle)
	}
	for i, w := range specWords {
		info.SpecConstants = append(info.SpecConstants, driver.SpecConstant{ID: uint32(i), Value: w})
	}

	p.handle, err = d.driver.CreateComputePipeline(info)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Device [%d]: failed to create pipeline for entry point %q", d.index, entryPoint)
	}

	p.noCopy.Init()
	d.pipelines[p] = struct{}{}
	return p, nil
}

func (p *Pipeline) checkLocked() error {
	if p == nil || !p.noCopy.Alive() {
		return debug.ErrorWrapf(ErrorUseAfterFree{}, "Pipeline has been destroyed")
	}
	return nil
}

func (p *Pipeline) EntryPoint() string {
	return p.entryPoint
}

// BindingCounts is the number of buffers each set consumes, indexed by set.
func (p *Pipeline) BindingCounts() []uint32 {
	return append([]uint32{}, p.bindingCounts...)
}

func (p *Pipeline) TotalBindings() int {
	n := 0
	for _, c := range p.bindingCounts {
		n += int(c)
	}
	return n
}

func (p *Pipeline) PushConstantSize() uint32 {
	return p.pushConstantSize
}

func (p *Pipeline) LocalSize() gmath.Extent3u32 {
	return p.localSize
}

// Bound reports whether a buffer set has been bound to p at least once.
func (p *Pipeline) Bound() bool {
	p.device.mtx.Lock()
	defer p.device.mtx.Unlock()
	return p.hasBeenBound
}

// Stale reports whether a buffer of the last bound set has since been
// destroyed. A pipeline that was never bound is not stale.
func (p *Pipeline) Stale() bool {
	p.device.mtx.Lock()
	defer p.device.mtx.Unlock()

	for _, w := range p.bound {
		if b := w.Value(); b == nil || b.Destroyed() {
			return true
		}
	}
	return false
}

func (p *Pipeline) UpdateBuffers(buffers []*Buffer) error {
	p.device.mtx.Lock()
	defer p.device.mtx.Unlock()

	if err := p.checkLocked(); err != nil {
		return err
	}
	return p.updateBuffersLocked(buffers)
}

func (p *Pipeline) updateBuffersLocked(buffers []*Buffer) error {
	if len(buffers) != p.TotalBindings() {
		return debug.ErrorWrapf(ErrorSizeMismatch{}, "Entry point %q expects [%d] buffers, got [%d]", p.entryPoint, p.TotalBindings(), len(buffers))
	}

	align := p.device.properties.Limits.PerDescriptor.MinSBOOffsetAlignment
	for i, b := range buffers {
		if err := b.checkLocked(); err != nil {
			return debug.ErrorWrapf(err, "Buffer [%d]", i)
		}
		if b.device != p.device {
			return debug.ErrorWrapf(ErrorInvalidState{}, "Buffer [%d] %s belongs to another device", i, toHex(b.id))
		}
		if b.offset%align != 0 {
			return debug.ErrorWrapf(ErrorSizeMismatch{}, "Buffer [%d] %s offset [%d] is not aligned to Limits.PerDescriptor.MinSBOOffsetAlignment [%d]",
				i, toHex(b.id), b.offset, align)
		}
	}

	p.bound = p.bound[:0]
	for _, b := range buffers {
		p.bound = append(p.bound, weak.Make(b))
	}
	p.hasBeenBound = true

	for i, w := range p.bound {
		if b := w.Value(); b == nil || b.Destroyed() {
			return debug.ErrorWrapf(ErrorUseAfterFree{}, "Bound buffer [%d] has been destroyed", i)
		}
	}
	return nil
}

// invokeLocked records one dispatch into cmd, barriers are recorded first
// for every buffer in barriers.
func (p *Pipeline) invokeLocked(cmd driver.CommandBuffer, workGroup []uint32, buffers []*Buffer, pushConstants []byte, barriers []*Buffer) error {
	if len(workGroup) > 3 {
		return debug.ErrorWrapf(ErrorSizeMismatch{}, "Work group has [%d] dimensions, at most 3 are supported", len(workGroup))
	}
	groups := [3]uint32{1, 1, 1}
	copy(groups[:], workGroup)
	{
		limit := p.device.properties.Limits.Compute.MaxDispatchSize
		size := gmath.Extent3u32{X: groups[0], Y: groups[1], Z: groups[2]}
		if !size.InRange(gmath.Extent3[uint32]{}, limit) {
			return debug.ErrorWrapf(ErrorResourceLimitExceeded{}, "Work group [%d,%d,%d] is greater than Limits.Compute.MaxDispatchSize [%d,%d,%d]",
				groups[0], groups[1], groups[2], limit.X, limit.Y, limit.Z)
		}
	}

	if err := p.updateBuffersLocked(buffers); err != nil {
		return err
	}
	if uint32(len(p.layouts)) > p.device.properties.Limits.PerPipeline.MaxBoundDescriptorSets {
		return debug.ErrorWrapf(ErrorResourceLimitExceeded{}, "Entry point %q binds [%d] descriptor sets, Limits.PerPipeline.MaxBoundDescriptorSets is [%d]",
			p.entryPoint, len(p.layouts), p.device.properties.Limits.PerPipeline.MaxBoundDescriptorSets)
	}

	var push []byte
	switch {
	case p.pushConstantSize == 0 && len(pushConstants) == 0:
	case uint32(len(pushConstants)) == p.pushConstantSize:
		push = pushConstants
	case len(pushConstants) == 0:
		push = p.defaultPushConstants
	default:
		return debug.ErrorWrapf(ErrorSizeMismatch{}, "Push constants size [%d] does not match entry point %q push constant block size [%d]",
			len(pushConstants), p.entryPoint, p.pushConstantSize)
	}

	sets := make([]*descriptorSet, len(p.layouts))
	{
		first := 0
		for i, l := range p.layouts {
			n := int(p.bindingCounts[i])
			if n == 0 {
				continue
			}
			s, err := p.device.descriptorSetCache.createOrRetrieveDescriptorSet(l, buffers[first:first+n])
			if err != nil {
				return err
			}
			sets[i] = s
			first += n
		}
	}

	for _, b := range barriers {
		cmd.Barrier(driver.BufferBarrier{
			Allocation: b.allocation,
			Offset:     0,
			Size:       b.size,
			SrcStage:   driver.PipelineStageCompute | driver.PipelineStageTransfer,
			DstStage:   driver.PipelineStageCompute,
			SrcAccess:  driver.AccessWrite,
			DstAccess:  driver.AccessReadWrite,
		})
	}

	cmd.BindPipeline(p.handle)
	for i, s := range sets {
		if s != nil {
			cmd.BindDescriptorSet(p.handle, uint32(i), s.handle)
		}
	}
	if len(push) > 0 {
		cmd.PushConstants(p.handle, p.pushConstantOffset, push)
	}
	cmd.Dispatch(groups[0], groups[1], groups[2])
	return nil
}

// Dispatch submits a single invocation in a new sequence, see Device.DispatchPipeline
// for the lifetime of the result.
func (p *Pipeline) Dispatch(workGroup []uint32, buffers []*Buffer, pushConstants []byte) (*CommandSequence, error) {
	return p.device.DispatchPipeline(p, workGroup, buffers, pushConstants)
}

// Execute dispatches and waits for every submitted sequence of the device to finish.
func (p *Pipeline) Execute(workGroup []uint32, buffers []*Buffer, pushConstants []byte) error {
	p.device.mtx.Lock()
	defer p.device.mtx.Unlock()

	if err := p.device.checkLocked(); err != nil {
		return err
	}
	s, err := p.device.dispatchPipelineLocked(p, workGroup, buffers, pushConstants)
	if err != nil {
		return err
	}
	err = p.device.syncLocked()
	if e := p.device.destroySequenceLocked(s); err == nil {
		err = e
	}
	return err
}

// Destroy waits for submitted work before releasing the pipeline. It fails
// with ErrorConcurrentUse while a sequence that recorded p has not been
// submitted.
func (p *Pipeline) Destroy() error {
	p.device.mtx.Lock()
	defer p.device.mtx.Unlock()

	if !p.noCopy.Alive() {
		return nil
	}
	if s := p.device.pipelineUserLocked(p); s != nil {
		return debug.ErrorWrapf(ErrorConcurrentUse{}, "Pipeline %q is recorded in sequence %d", p.entryPoint, s.id)
	}
	if err := p.device.syncLocked(); err != nil {
		return debug.ErrorWrapf(err, "Failed to sync before destroying pipeline %q", p.entryPoint)
	}
	p.destroyLocked()
	return nil
}

func (p *Pipeline) destroyLocked() {
	if !p.noCopy.Alive() {
		return
	}
	p.handle.Destroy()
	p.bound = nil
	delete(p.device.pipelines, p)
	p.noCopy.Close()
}
