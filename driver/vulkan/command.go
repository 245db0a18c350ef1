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
)

type commandBuffer struct {
	dev    *device
	pool   vk.CommandPool
	handle vk.CommandBuffer
}

func (d *device) CreateCommandBuffer() (driver.CommandBuffer, error) {
	cb := &commandBuffer{dev: d}
	ret := vk.CreateCommandPool(d.handle, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit),
		QueueFamilyIndex: d.adapter.queueFamily,
	}, nil, &cb.pool)
	if err := vkResult(ret, "Failed to create command pool"); err != nil {
		return nil, err
	}

	handles := make([]vk.CommandBuffer, 1)
	ret = vk.AllocateCommandBuffers(d.handle, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        cb.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, handles)
	if err := vkResult(ret, "Failed to allocate command buffer"); err != nil {
		vk.DestroyCommandPool(d.handle, cb.pool, nil)
		return nil, err
	}
	cb.handle = handles[0]
	return cb, nil
}

func (cb *commandBuffer) Reset() error {
	return vkResult(vk.ResetCommandPool(cb.dev.handle, cb.pool, 0), "Failed to reset command pool")
}

func (cb *commandBuffer) Begin() error {
	return vkResult(vk.BeginCommandBuffer(cb.handle, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}), "Failed to begin command buffer")
}

func (cb *commandBuffer) End() error {
	return vkResult(vk.EndCommandBuffer(cb.handle), "Failed to end command buffer")
}

func (cb *commandBuffer) BindPipeline(p driver.Pipeline) {
	vk.CmdBindPipeline(cb.handle, vk.PipelineBindPointCompute, p.(*pipeline).handle)
}

func (cb *commandBuffer) BindDescriptorSet(p driver.Pipeline, index uint32, set driver.DescriptorSet) {
	vk.CmdBindDescriptorSets(cb.handle, vk.PipelineBindPointCompute, p.(*pipeline).layout,
		index, 1, []vk.DescriptorSet{set.(*descriptorSet).handle}, 0, nil)
}

func (cb *commandBuffer) PushConstants(p driver.Pipeline, offset uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	vk.CmdPushConstants(cb.handle, p.(*pipeline).layout, vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		offset, uint32(len(data)), unsafe.Pointer(unsafe.SliceData(data)))
}

func (cb *commandBuffer) Dispatch(x, y, z uint32) {
	vk.CmdDispatch(cb.handle, x, y, z)
}

func (cb *commandBuffer) CopyBuffer(src, dst driver.Allocation, region driver.BufferCopy) {
	vk.CmdCopyBuffer(cb.handle, src.(*allocation).buffer, dst.(*allocation).buffer, 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(region.SrcOffset),
		DstOffset: vk.DeviceSize(region.DstOffset),
		Size:      vk.DeviceSize(region.Size),
	}})
}

func pipelineStage(s driver.PipelineStage) vk.PipelineStageFlags {
	var flags vk.PipelineStageFlagBits
	if s&driver.PipelineStageCompute != 0 {
		flags |= vk.PipelineStageComputeShaderBit
	}
	if s&driver.PipelineStageTransfer != 0 {
		flags |= vk.PipelineStageTransferBit
	}
	if s&driver.PipelineStageHost != 0 {
		flags |= vk.PipelineStageHostBit
	}
	if flags == 0 {
		flags = vk.PipelineStageTopOfPipeBit
	}
	return vk.PipelineStageFlags(flags)
}

func accessFlags(a driver.Access, s driver.PipelineStage) vk.AccessFlags {
	var flags vk.AccessFlagBits
	if a&driver.AccessRead != 0 {
		if s&driver.PipelineStageCompute != 0 {
			flags |= vk.AccessShaderReadBit
		}
		if s&driver.PipelineStageTransfer != 0 {
			flags |= vk.AccessTransferReadBit
		}
		if s&driver.PipelineStageHost != 0 {
			flags |= vk.AccessHostReadBit
		}
	}
	if a&driver.AccessWrite != 0 {
		if s&driver.PipelineStageCompute != 0 {
			flags |= vk.AccessShaderWriteBit
		}
		if s&driver.PipelineStageTransfer != 0 {
			flags |= vk.AccessTransferWriteBit
		}
		if s&driver.PipelineStageHost != 0 {
			flags |= vk.AccessHostWriteBit
		}
	}
	return vk.AccessFlags(flags)
}

func (cb *commandBuffer) Barrier(b driver.BufferBarrier) {
	vk.CmdPipelineBarrier(cb.handle, pipelineStage(b.SrcStage), pipelineStage(b.DstStage), 0,
		0, nil,
		1, []vk.BufferMemoryBarrier{{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       accessFlags(b.SrcAccess, b.SrcStage),
			DstAccessMask:       accessFlags(b.DstAccess, b.DstStage),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Buffer:              b.Allocation.(*allocation).buffer,
			Offset:              vk.DeviceSize(b.Offset),
			Size:                vk.DeviceSize(b.Size),
		}},
		0, nil)
}

func (cb *commandBuffer) Destroy() {
	vk.DestroyCommandPool(cb.dev.handle, cb.pool, nil)
}

type fence struct {
	dev    *device
	handle vk.Fence
}

func (d *device) CreateFence() (driver.Fence, error) {
	f := &fence{dev: d}
	ret := vk.CreateFence(d.handle, &vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}, nil, &f.handle)
	if err := vkResult(ret, "Failed to create fence"); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fence) Signaled() bool {
	return vk.GetFenceStatus(f.dev.handle, f.handle) == vk.Success
}

func (f *fence) Reset() error {
	return vkResult(vk.ResetFences(f.dev.handle, 1, []vk.Fence{f.handle}), "Failed to reset fence")
}

func (f *fence) Destroy() {
	vk.DestroyFence(f.dev.handle, f.handle, nil)
}

type semaphore struct {
	dev    *device
	handle vk.Semaphore
}

func (d *device) CreateSemaphore() (driver.Semaphore, error) {
	s := &semaphore{dev: d}
	ret := vk.CreateSemaphore(d.handle, &vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}, nil, &s.handle)
	if err := vkResult(ret, "Failed to create semaphore"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *semaphore) Destroy() {
	vk.DestroySemaphore(s.dev.handle, s.handle, nil)
}

func (d *device) Submit(info driver.SubmitInfo) error {
	waits := make([]vk.Semaphore, len(info.Waits))
	stages := make([]vk.PipelineStageFlags, len(info.Waits))
	for i, w := range info.Waits {
		waits[i] = w.Semaphore.(*semaphore).handle
		stages[i] = pipelineStage(w.Stage)
	}

	var signals []vk.Semaphore
	if info.Signal != nil {
		signals = []vk.Semaphore{info.Signal.(*semaphore).handle}
	}

	var f vk.Fence
	if info.Fence != nil {
		f = info.Fence.(*fence).handle
	}

	d.queueMtx.Lock()
	defer d.queueMtx.Unlock()

	ret := vk.QueueSubmit(d.queue, 1, []vk.SubmitInfo{{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   uint32(len(waits)),
		PWaitSemaphores:      waits,
		PWaitDstStageMask:    stages,
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{info.CommandBuffer.(*commandBuffer).handle},
		SignalSemaphoreCount: uint32(len(signals)),
		PSignalSemaphores:    signals,
	}}, f)
	return vkResult(ret, "Failed to submit")
}

func (d *device) WaitFences(fences ...driver.Fence) error {
	if len(fences) == 0 {
		return nil
	}
	handles := make([]vk.Fence, len(fences))
	for i, f := range fences {
		ff, ok := f.(*fence)
		if !ok {
			return debug.Errorf("Foreign fence: %T", f)
		}
		handles[i] = ff.handle
	}
	return vkResult(vk.WaitForFences(d.handle, uint32(len(handles)), handles, vk.True, vk.MaxUint64), "Failed to wait for fences")
}
