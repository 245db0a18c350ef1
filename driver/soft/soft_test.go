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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goarrg.com/rhi/vxc/driver"
)

func openTestDevice(t *testing.T, info driver.AdapterInfo) driver.Device {
	t.Helper()

	drv := New(Options{Adapters: []driver.AdapterInfo{info}})
	require.NoError(t, drv.Open(driver.InstanceConfig{AppName: t.Name()}))
	t.Cleanup(drv.Close)

	adapters, err := drv.Adapters()
	require.NoError(t, err)
	require.Len(t, adapters, 1)

	dev, err := adapters[0].Open(driver.DeviceConfig{BlockSize: 1 << 16})
	require.NoError(t, err)
	t.Cleanup(dev.Destroy)
	return dev
}

func TestSoft_Registered(t *testing.T) {
	assert := assert.New(t)
	assert.Contains(driver.Drivers(), Name)

	drv, err := driver.New(Name)
	require.NoError(t, err)
	assert.Equal(Name, drv.Name())

	_, err = driver.New("does-not-exist")
	assert.Error(err)
}

func TestSoft_Extensions(t *testing.T) {
	assert := assert.New(t)

	drv := New(Options{})
	require.NoError(t, drv.Open(driver.InstanceConfig{}))
	adapters, err := drv.Adapters()
	require.NoError(t, err)

	_, err = adapters[0].Open(driver.DeviceConfig{RequiredExtensions: []string{"VK_EXT_missing"}})
	assert.ErrorIs(err, driver.ErrorUnsupported{})

	dev, err := adapters[0].Open(driver.DeviceConfig{
		RequiredExtensions: []string{"VK_KHR_buffer_device_address"},
		OptionalExtensions: []string{"VK_EXT_missing", "VK_KHR_shader_non_semantic_info"},
	})
	require.NoError(t, err)
	defer dev.Destroy()
	assert.Equal([]string{"VK_KHR_buffer_device_address", "VK_KHR_shader_non_semantic_info"}, dev.Info().Extensions)
}

func TestSoft_DispatchAndSemaphores(t *testing.T) {
	assert := assert.New(t)
	dev := openTestDevice(t, DefaultAdapterInfo())

	RegisterKernel("soft_test_double", func(inv *Invocation) {
		data := As[uint32](inv.Buffer(0, 0))
		i := inv.GlobalID[0]
		if i < uint32(len(data)) {
			data[i] = data[i]*2 + inv.Spec(7) + As[uint32](inv.PushConstants())[0]
		}
	})

	const n = 100
	usage := driver.BufferUsageStorage | driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst
	buf, err := dev.Allocate(n*4, usage, driver.MemoryHostVisible)
	require.NoError(t, err)
	defer buf.Free()

	mapped, err := buf.Map()
	require.NoError(t, err)
	data := As[uint32](mapped)
	for i := range data {
		data[i] = uint32(i)
	}

	layout, err := dev.CreateDescriptorSetLayout([]driver.LayoutBinding{
		{Binding: 0, Type: driver.DescriptorTypeStorageBuffer, Count: 1, Stage: driver.ShaderStageCompute},
	})
	require.NoError(t, err)
	set, err := dev.CreateDescriptorSet(layout, []driver.BufferWrite{{Binding: 0, Allocation: buf, Range: n * 4}})
	require.NoError(t, err)
	module, err := dev.CreateShaderModule([]uint32{0x07230203})
	require.NoError(t, err)

	_, err = dev.CreateComputePipeline(driver.ComputePipelineInfo{Module: module, EntryPoint: "soft_test_unregistered"})
	assert.ErrorIs(err, driver.ErrorUnsupported{})

	p, err := dev.CreateComputePipeline(driver.ComputePipelineInfo{
		Module:           module,
		EntryPoint:       "soft_test_double",
		SetLayouts:       []driver.DescriptorSetLayout{layout},
		PushConstantSize: 4,
		SpecConstants:    []driver.SpecConstant{{ID: 7, Value: 1}},
		LocalSize:        [3]uint32{16, 1, 1},
	})
	require.NoError(t, err)

	record := func(cb driver.CommandBuffer, push uint32) {
		require.NoError(t, cb.Reset())
		require.NoError(t, cb.Begin())
		cb.BindPipeline(p)
		cb.BindDescriptorSet(p, 0, set)
		cb.PushConstants(p, 0, []byte{byte(push), 0, 0, 0})
		cb.Dispatch((n+15)/16, 1, 1)
		require.NoError(t, cb.End())
	}

	first, err := dev.CreateCommandBuffer()
	require.NoError(t, err)
	second, err := dev.CreateCommandBuffer()
	require.NoError(t, err)
	record(first, 0)
	record(second, 10)

	sem, err := dev.CreateSemaphore()
	require.NoError(t, err)
	fence, err := dev.CreateFence()
	require.NoError(t, err)

	require.NoError(t, dev.Submit(driver.SubmitInfo{CommandBuffer: first, Signal: sem}))
	require.NoError(t, dev.Submit(driver.SubmitInfo{
		CommandBuffer: second,
		Waits:         []driver.SemaphoreWait{{Semaphore: sem, Stage: driver.PipelineStageCompute}},
		Fence:         fence,
	}))

	require.NoError(t, dev.WaitFences(fence))
	assert.True(fence.Signaled())
	require.NoError(t, dev.WaitIdle())

	for i, v := range data {
		assert.Equal(uint32((i*2+1)*2+1+10), v, "index %d", i)
	}

	require.NoError(t, fence.Reset())
	assert.False(fence.Signaled())
}

func TestSoft_CopyAndAddress(t *testing.T) {
	assert := assert.New(t)
	dev := openTestDevice(t, DefaultAdapterInfo())

	usage := driver.BufferUsageStorage | driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst | driver.BufferUsageDeviceAddress
	src, err := dev.Allocate(256, usage, driver.MemoryHostVisible)
	require.NoError(t, err)
	dst, err := dev.Allocate(1<<17, usage, driver.MemoryDeviceLocal)
	require.NoError(t, err)

	_, err = dst.Map()
	assert.ErrorIs(err, driver.ErrorUnsupported{})

	mapped, err := src.Map()
	require.NoError(t, err)
	for i := range mapped {
		mapped[i] = byte(i)
	}

	addr, err := src.Address()
	require.NoError(t, err)
	assert.NotZero(addr)

	var seen atomic.Uint32
	RegisterKernel("soft_test_deref", func(inv *Invocation) {
		b := inv.Deref(addr+8, 4)
		seen.Store(uint32(b[0]) | uint32(b[3])<<24)
	})

	layout, err := dev.CreateDescriptorSetLayout(nil)
	require.NoError(t, err)
	module, err := dev.CreateShaderModule([]uint32{0x07230203})
	require.NoError(t, err)
	p, err := dev.CreateComputePipeline(driver.ComputePipelineInfo{
		Module: module, EntryPoint: "soft_test_deref", SetLayouts: []driver.DescriptorSetLayout{layout},
	})
	require.NoError(t, err)

	cb, err := dev.CreateCommandBuffer()
	require.NoError(t, err)
	fence, err := dev.CreateFence()
	require.NoError(t, err)

	require.NoError(t, cb.Reset())
	require.NoError(t, cb.Begin())
	cb.CopyBuffer(src, dst, driver.BufferCopy{SrcOffset: 0, DstOffset: 1 << 16, Size: 256})
	cb.Barrier(driver.BufferBarrier{Allocation: dst, Size: 1 << 17, SrcStage: driver.PipelineStageTransfer, DstStage: driver.PipelineStageCompute})
	cb.BindPipeline(p)
	cb.Dispatch(1, 1, 1)
	require.NoError(t, cb.End())
	require.NoError(t, dev.Submit(driver.SubmitInfo{CommandBuffer: cb, Fence: fence}))
	require.NoError(t, dev.WaitFences(fence))

	assert.Equal(uint32(8)|uint32(11)<<24, seen.Load())
	assert.Equal(byte(200), dst.(*allocation).bytes()[1<<16+200])

	noBDA := DefaultAdapterInfo()
	noBDA.Features.BufferDeviceAddress = false
	dev2 := openTestDevice(t, noBDA)
	_, err = dev2.Allocate(16, usage, driver.MemoryHostVisible)
	assert.ErrorIs(err, driver.ErrorUnsupported{})
	plain, err := dev2.Allocate(16, driver.BufferUsageStorage, driver.MemoryHostVisible)
	require.NoError(t, err)
	_, err = plain.Address()
	assert.ErrorIs(err, driver.ErrorUnsupported{})
}
