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

package soft

import (
	"sync"

	"goarrg.com/debug"
	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/internal/alloc"
)

const defaultBlockSize = 16 << 20

type device struct {
	info driver.AdapterInfo
	mem  *memory
	pool *alloc.Pool[*slab]

	// pending tracks in flight submissions for WaitIdle.
	pending sync.WaitGroup
}

func newDevice(info driver.AdapterInfo, blockSize uint64) *device {
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	mem := &memory{
		limit: info.Limits.MaxAllocationSize,
		next:  addressBase,
		slabs: map[*slab]struct{}{},
	}
	return &device{
		info: info,
		mem:  mem,
		pool: alloc.NewPool[*slab](mem, blockSize),
	}
}

func (d *device) Info() driver.AdapterInfo {
	return d.info
}

func (d *device) Allocate(size uint64, usage driver.BufferUsage, class driver.MemoryClass) (driver.Allocation, error) {
	if usage.HasBits(driver.BufferUsageDeviceAddress) && !d.info.Features.BufferDeviceAddress {
		return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "Buffer device address usage")
	}
	r, err := d.pool.Allocate(uint32(class), size, max(d.info.Limits.MinStorageBufferOffsetAlignment, 16))
	if err != nil {
		return nil, err
	}
	return &allocation{dev: d, r: r, usage: usage}, nil
}

type descriptorSetLayout struct {
	bindings []driver.LayoutBinding
}

func (l *descriptorSetLayout) Bindings() []driver.LayoutBinding {
	return l.bindings
}

func (*descriptorSetLayout) Destroy() {}

func (d *device) CreateDescriptorSetLayout(bindings []driver.LayoutBinding) (driver.DescriptorSetLayout, error) {
	for _, b := range bindings {
		if b.Type != driver.DescriptorTypeStorageBuffer && b.Type != driver.DescriptorTypeUniformBuffer {
			return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "Descriptor type %s", b.Type)
		}
	}
	return &descriptorSetLayout{bindings: append([]driver.LayoutBinding(nil), bindings...)}, nil
}

type descriptorSet struct {
	layout *descriptorSetLayout
	writes map[[2]uint32]driver.BufferWrite
}

func (s *descriptorSet) bytes(binding, element uint32) []byte {
	w, ok := s.writes[[2]uint32{binding, element}]
	if !ok {
		return nil
	}
	a := w.Allocation.(*allocation)
	return a.bytes()[w.Offset : w.Offset+w.Range : w.Offset+w.Range]
}

func (*descriptorSet) Destroy() {}

func (d *device) CreateDescriptorSet(layout driver.DescriptorSetLayout, writes []driver.BufferWrite) (driver.DescriptorSet, error) {
	l, ok := layout.(*descriptorSetLayout)
	if !ok {
		return nil, debug.Errorf("Foreign descriptor set layout: %T", layout)
	}

	s := &descriptorSet{layout: l, writes: map[[2]uint32]driver.BufferWrite{}}
	for _, w := range writes {
		a, ok := w.Allocation.(*allocation)
		if !ok || a.freed {
			return nil, debug.Errorf("Invalid allocation bound to binding [%d]", w.Binding)
		}
		if w.Offset%d.info.Limits.MinStorageBufferOffsetAlignment != 0 {
			return nil, debug.Errorf("Binding [%d] offset [%d] is not aligned to [%d]",
				w.Binding, w.Offset, d.info.Limits.MinStorageBufferOffsetAlignment)
		}
		if w.Offset+w.Range > a.Size() {
			return nil, debug.Errorf("Binding [%d] range [%d:%d] exceeds allocation size [%d]",
				w.Binding, w.Offset, w.Offset+w.Range, a.Size())
		}
		s.writes[[2]uint32{w.Binding, w.ArrayElement}] = w
	}
	return s, nil
}

type shaderModule struct {
	code []uint32
}

func (*shaderModule) Destroy() {}

func (d *device) CreateShaderModule(code []uint32) (driver.ShaderModule, error) {
	if len(code) == 0 {
		return nil, debug.Errorf("Empty shader module")
	}
	return &shaderModule{code: append([]uint32(nil), code...)}, nil
}

type pipeline struct {
	kernel    Kernel
	entry     string
	localSize [3]uint32
	specs     map[uint32]uint32
	pushSize  uint32
	setCount  int
}

func (*pipeline) Destroy() {}

func (d *device) CreateComputePipeline(info driver.ComputePipelineInfo) (driver.Pipeline, error) {
	if _, ok := info.Module.(*shaderModule); !ok {
		return nil, debug.Errorf("Foreign shader module: %T", info.Module)
	}
	k, ok := lookupKernel(info.EntryPoint)
	if !ok {
		return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "No kernel registered for entry point %q", info.EntryPoint)
	}
	if info.PushConstantOffset+info.PushConstantSize > d.info.Limits.MaxPushConstantsSize {
		return nil, debug.Errorf("Push constant range [%d:%d] exceeds limit [%d]",
			info.PushConstantOffset, info.PushConstantOffset+info.PushConstantSize, d.info.Limits.MaxPushConstantsSize)
	}

	p := &pipeline{
		kernel:    k,
		entry:     info.EntryPoint,
		localSize: info.LocalSize,
		specs:     map[uint32]uint32{},
		pushSize:  info.PushConstantOffset + info.PushConstantSize,
		setCount:  len(info.SetLayouts),
	}
	for i := range p.localSize {
		p.localSize[i] = max(p.localSize[i], 1)
	}
	if p.localSize[0]*p.localSize[1]*p.localSize[2] > d.info.Limits.MaxComputeWorkGroupInvocations {
		return nil, debug.Errorf("Local size %v exceeds [%d] invocations", p.localSize, d.info.Limits.MaxComputeWorkGroupInvocations)
	}
	for _, s := range info.SpecConstants {
		p.specs[s.ID] = s.Value
	}
	return p, nil
}

type fence struct {
	mtx  sync.Mutex
	done chan struct{}
	// armed is set from submission until Reset.
	armed bool
}

func (f *fence) signal() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	close(f.done)
}

func (f *fence) wait() {
	f.mtx.Lock()
	done := f.done
	f.mtx.Unlock()
	<-done
}

func (f *fence) Signaled() bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fence) Reset() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.armed {
		select {
		case <-f.done:
		default:
			return debug.Errorf("Reset of pending fence")
		}
	}
	f.armed = false
	f.done = make(chan struct{})
	return nil
}

func (*fence) Destroy() {}

func (d *device) CreateFence() (driver.Fence, error) {
	return &fence{done: make(chan struct{})}, nil
}

type semaphore struct {
	mtx           sync.Mutex
	done          chan struct{}
	signalPending bool
	waitPending   bool
}

func (*semaphore) Destroy() {}

func (d *device) CreateSemaphore() (driver.Semaphore, error) {
	return &semaphore{done: make(chan struct{})}, nil
}

func (d *device) Submit(info driver.SubmitInfo) error {
	cb, ok := info.CommandBuffer.(*commandBuffer)
	if !ok {
		return debug.Errorf("Foreign command buffer: %T", info.CommandBuffer)
	}
	if err := cb.markPending(); err != nil {
		return err
	}

	waits := make([]*semaphore, 0, len(info.Waits))
	for _, w := range info.Waits {
		s := w.Semaphore.(*semaphore)
		s.mtx.Lock()
		if !s.signalPending || s.waitPending {
			s.mtx.Unlock()
			cb.pending.Store(false)
			return debug.Errorf("Semaphore wait has no pending signal or is already waited on")
		}
		s.waitPending = true
		s.mtx.Unlock()
		waits = append(waits, s)
	}

	var signal *semaphore
	if info.Signal != nil {
		signal = info.Signal.(*semaphore)
		signal.mtx.Lock()
		if signal.signalPending {
			signal.mtx.Unlock()
			cb.pending.Store(false)
			return debug.Errorf("Semaphore already has a pending signal")
		}
		signal.signalPending = true
		signal.mtx.Unlock()
	}

	var f *fence
	if info.Fence != nil {
		f = info.Fence.(*fence)
		f.mtx.Lock()
		if f.armed {
			f.mtx.Unlock()
			cb.pending.Store(false)
			return debug.Errorf("Fence is already in use")
		}
		f.armed = true
		f.mtx.Unlock()
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()

		for _, s := range waits {
			<-s.done
		}
		cb.execute(d)
		cb.pending.Store(false)
		if signal != nil {
			close(signal.done)
		}
		if f != nil {
			f.signal()
		}
	}()

	return nil
}

func (d *device) WaitFences(fences ...driver.Fence) error {
	for _, f := range fences {
		ff, ok := f.(*fence)
		if !ok {
			return debug.Errorf("Foreign fence: %T", f)
		}
		ff.wait()
	}
	return nil
}

func (d *device) WaitIdle() error {
	d.pending.Wait()
	return nil
}

func (d *device) Destroy() {
	d.pending.Wait()
	d.pool.Destroy()
	logger.IPrintf("Destroyed device %q", d.info.Name)
}
