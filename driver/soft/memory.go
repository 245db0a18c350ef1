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

// Synthetic device addresses start here so 0 is never valid.
const addressBase uint64 = 1 << 32

type slab struct {
	data []byte
	base uint64
}

// memory is the alloc.Source of a device, it also resolves device addresses.
type memory struct {
	mtx      sync.RWMutex
	limit    uint64
	next     uint64
	slabs    map[*slab]struct{}
	released bool
}

func (m *memory) AllocateBlock(key uint32, size uint64) (*slab, error) {
	if size > m.limit {
		return nil, debug.Errorf("Out of device memory: block size [%d] > [%d]", size, m.limit)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	s := &slab{data: make([]byte, size), base: m.next}
	// keep a gap so overruns of one slab never land in the next
	m.next += alignUp(size, 1<<16) + 1<<16
	m.slabs[s] = struct{}{}
	return s, nil
}

func (m *memory) FreeBlock(key uint32, s *slab) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.slabs, s)
}

func (m *memory) resolve(addr, size uint64) ([]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	for s := range m.slabs {
		if addr >= s.base && addr+size <= s.base+uint64(len(s.data)) {
			off := addr - s.base
			return s.data[off : off+size : off+size], nil
		}
	}
	return nil, debug.Errorf("Invalid device address 0x%X size [%d]", addr, size)
}

type allocation struct {
	dev   *device
	r     alloc.Range[*slab]
	usage driver.BufferUsage
	freed bool
}

func (a *allocation) Size() uint64 {
	return a.r.Size
}

func (a *allocation) bytes() []byte {
	return a.r.Block.data[a.r.Offset : a.r.Offset+a.r.Size : a.r.Offset+a.r.Size]
}

func (a *allocation) Map() ([]byte, error) {
	if a.freed {
		return nil, debug.Errorf("Map of freed allocation")
	}
	if a.r.Key != uint32(driver.MemoryHostVisible) {
		return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "Allocation is not host visible")
	}
	return a.bytes(), nil
}

func (a *allocation) Unmap() {}

func (a *allocation) Address() (uint64, error) {
	if !a.dev.info.Features.BufferDeviceAddress || !a.usage.HasBits(driver.BufferUsageDeviceAddress) {
		return 0, debug.ErrorWrapf(driver.ErrorUnsupported{}, "Buffer device address")
	}
	return a.r.Block.base + a.r.Offset, nil
}

func (a *allocation) Free() {
	if a.freed {
		return
	}
	a.freed = true
	a.dev.pool.Free(a.r)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
