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
	"sync"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"goarrg.com/debug"
	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/internal/alloc"
)

const defaultBlockSize = 64 << 20

type device struct {
	adapter *adapter
	handle  vk.Device
	queue   vk.Queue
	info    driver.AdapterInfo

	pipelineCache vk.PipelineCache
	memoryTypes   [2]uint32
	pool          *alloc.Pool[*memoryBlock]

	// the queue is externally synchronized
	queueMtx sync.Mutex
}

func newDevice(a *adapter, handle vk.Device, info driver.AdapterInfo, blockSize uint64) (*device, error) {
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}

	d := &device{adapter: a, handle: handle, info: info}
	vk.GetDeviceQueue(handle, a.queueFamily, 0, &d.queue)

	{
		deviceLocal, ok := findMemoryType(a.memory, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
		if !ok {
			deviceLocal, _ = findMemoryType(a.memory, 0)
		}
		hostVisible, ok := findMemoryType(a.memory,
			vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
		if !ok {
			vk.DestroyDevice(handle, nil)
			return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "%q has no host coherent memory", info.Name)
		}
		d.memoryTypes[driver.MemoryDeviceLocal] = deviceLocal
		d.memoryTypes[driver.MemoryHostVisible] = hostVisible
	}

	ret := vk.CreatePipelineCache(handle, &vk.PipelineCacheCreateInfo{
		SType: vk.StructureTypePipelineCacheCreateInfo,
	}, nil, &d.pipelineCache)
	if err := vkResult(ret, "Failed to create pipeline cache"); err != nil {
		vk.DestroyDevice(handle, nil)
		return nil, err
	}

	d.pool = alloc.NewPool[*memoryBlock](d, blockSize)
	logger.IPrintf("Created device %q: queue family [%d] memory types %v", info.Name, a.queueFamily, d.memoryTypes)
	return d, nil
}

func findMemoryType(props vk.PhysicalDeviceMemoryProperties, want vk.MemoryPropertyFlags) (uint32, bool) {
	for i := uint32(0); i < props.MemoryTypeCount; i++ {
		props.MemoryTypes[i].Deref()
		if props.MemoryTypes[i].PropertyFlags&want == want {
			return i, true
		}
	}
	return 0, false
}

func (d *device) Info() driver.AdapterInfo {
	return d.info
}

type memoryBlock struct {
	memory vk.DeviceMemory
	mapped unsafe.Pointer
	size   uint64
}

func (d *device) AllocateBlock(memoryType uint32, size uint64) (*memoryBlock, error) {
	b := &memoryBlock{size: size}
	ret := vk.AllocateMemory(d.handle, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: memoryType,
	}, nil, &b.memory)
	if err := vkResult(ret, "Failed to allocate [%d] bytes of memory type [%d]", size, memoryType); err != nil {
		return nil, err
	}

	if memoryType == d.memoryTypes[driver.MemoryHostVisible] {
		// host visible blocks stay mapped, memory can only be mapped once
		ret := vk.MapMemory(d.handle, b.memory, 0, vk.DeviceSize(vk.WholeSize), 0, &b.mapped)
		if err := vkResult(ret, "Failed to map memory"); err != nil {
			vk.FreeMemory(d.handle, b.memory, nil)
			return nil, err
		}
	}
	return b, nil
}

func (d *device) FreeBlock(memoryType uint32, b *memoryBlock) {
	if b.mapped != nil {
		vk.UnmapMemory(d.handle, b.memory)
	}
	vk.FreeMemory(d.handle, b.memory, nil)
}

type allocation struct {
	dev    *device
	buffer vk.Buffer
	r      alloc.Range[*memoryBlock]
	size   uint64
	freed  bool
}

func bufferUsage(u driver.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if u.HasBits(driver.BufferUsageTransferSrc) {
		flags |= vk.BufferUsageTransferSrcBit
	}
	if u.HasBits(driver.BufferUsageTransferDst) {
		flags |= vk.BufferUsageTransferDstBit
	}
	if u.HasBits(driver.BufferUsageUniform) {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if u.HasBits(driver.BufferUsageStorage) {
		flags |= vk.BufferUsageStorageBufferBit
	}
	return vk.BufferUsageFlags(flags)
}

func (d *device) Allocate(size uint64, usage driver.BufferUsage, class driver.MemoryClass) (driver.Allocation, error) {
	if usage.HasBits(driver.BufferUsageDeviceAddress) {
		return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "Buffer device address usage")
	}

	a := &allocation{dev: d, size: size}
	ret := vk.CreateBuffer(d.handle, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       bufferUsage(usage),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &a.buffer)
	if err := vkResult(ret, "Failed to create buffer of size [%d]", size); err != nil {
		return nil, err
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.handle, a.buffer, &reqs)
	reqs.Deref()

	memoryType := d.memoryTypes[class]
	if reqs.MemoryTypeBits&(1<<memoryType) == 0 {
		vk.DestroyBuffer(d.handle, a.buffer, nil)
		return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "Buffer cannot live in %s memory type [%d]", class, memoryType)
	}

	r, err := d.pool.Allocate(memoryType, uint64(reqs.Size), uint64(reqs.Alignment))
	if err != nil {
		vk.DestroyBuffer(d.handle, a.buffer, nil)
		return nil, err
	}
	a.r = r

	ret = vk.BindBufferMemory(d.handle, a.buffer, r.Block.memory, vk.DeviceSize(r.Offset))
	if err := vkResult(ret, "Failed to bind buffer memory"); err != nil {
		d.pool.Free(r)
		vk.DestroyBuffer(d.handle, a.buffer, nil)
		return nil, err
	}

	return a, nil
}

func (a *allocation) Size() uint64 {
	return a.size
}

func (a *allocation) Map() ([]byte, error) {
	if a.freed {
		return nil, debug.Errorf("Map of freed allocation")
	}
	if a.r.Block.mapped == nil {
		return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "Allocation is not host visible")
	}
	return unsafe.Slice((*byte)(unsafe.Add(a.r.Block.mapped, a.r.Offset)), a.size), nil
}

func (a *allocation) Unmap() {}

func (a *allocation) Address() (uint64, error) {
	return 0, debug.ErrorWrapf(driver.ErrorUnsupported{}, "Buffer device address")
}

func (a *allocation) Free() {
	if a.freed {
		return
	}
	a.freed = true
	vk.DestroyBuffer(a.dev.handle, a.buffer, nil)
	a.dev.pool.Free(a.r)
}

func (d *device) WaitIdle() error {
	d.queueMtx.Lock()
	defer d.queueMtx.Unlock()
	return vkResult(vk.DeviceWaitIdle(d.handle), "Failed to wait idle")
}

func (d *device) Destroy() {
	if err := d.WaitIdle(); err != nil {
		logger.EPrintf("%s", err)
	}
	d.pool.Destroy()
	vk.DestroyPipelineCache(d.handle, d.pipelineCache, nil)
	vk.DestroyDevice(d.handle, nil)
	logger.IPrintf("Destroyed device %q", d.info.Name)
}
