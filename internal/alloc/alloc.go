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

// Package alloc suballocates large driver memory blocks into aligned ranges.
// Each key (a memory class or memory type index) gets its own list of blocks,
// requests larger than the block size get a dedicated block.
package alloc

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"goarrg.com/debug"
)

var logger = debug.NewLogger("vxc", "internal", "alloc")

// Source provides the backing blocks carved up by a Pool.
type Source[B any] interface {
	AllocateBlock(key uint32, size uint64) (B, error)
	FreeBlock(key uint32, block B)
}

type span struct {
	offset uint64
	size   uint64
}

type block[B any] struct {
	handle    B
	key       uint32
	size      uint64
	dedicated bool
	free      []span
	used      uint64
	count     int
}

func (b *block[B]) empty() bool {
	return b.count == 0
}

// take carves size bytes aligned to align out of the first free span that fits.
func (b *block[B]) take(size, align uint64) (uint64, bool) {
	for i, s := range b.free {
		aligned := alignUp(s.offset, align)
		pad := aligned - s.offset
		if pad+size > s.size {
			continue
		}

		remaining := make([]span, 0, 2)
		if pad > 0 {
			remaining = append(remaining, span{offset: s.offset, size: pad})
		}
		if tail := s.size - pad - size; tail > 0 {
			remaining = append(remaining, span{offset: aligned + size, size: tail})
		}
		b.free = slices.Replace(b.free, i, i+1, remaining...)
		b.used += size
		b.count++
		return aligned, true
	}
	return 0, false
}

// give returns a range to the free list, merging it with its neighbours.
func (b *block[B]) give(offset, size uint64) {
	i, _ := slices.BinarySearchFunc(b.free, offset, func(s span, o uint64) int {
		switch {
		case s.offset < o:
			return -1
		case s.offset > o:
			return 1
		}
		return 0
	})
	b.free = slices.Insert(b.free, i, span{offset: offset, size: size})

	if i+1 < len(b.free) && b.free[i].offset+b.free[i].size == b.free[i+1].offset {
		b.free[i].size += b.free[i+1].size
		b.free = slices.Delete(b.free, i+1, i+2)
	}
	if i > 0 && b.free[i-1].offset+b.free[i-1].size == b.free[i].offset {
		b.free[i-1].size += b.free[i].size
		b.free = slices.Delete(b.free, i, i+1)
	}

	b.used -= size
	b.count--
}

// Range is one live suballocation.
type Range[B any] struct {
	Block  B
	Key    uint32
	Offset uint64
	Size   uint64

	owner *block[B]
}

type Stats struct {
	Blocks          int
	DedicatedBlocks int
	Allocations     int
	BytesReserved   uint64
	BytesUsed       uint64
}

type Pool[B any] struct {
	mtx       sync.Mutex
	source    Source[B]
	blockSize uint64
	blocks    map[uint32][]*block[B]
}

func NewPool[B any](source Source[B], blockSize uint64) *Pool[B] {
	if blockSize == 0 {
		panic("alloc: zero block size")
	}
	return &Pool[B]{
		source:    source,
		blockSize: blockSize,
		blocks:    map[uint32][]*block[B]{},
	}
}

func (p *Pool[B]) BlockSize() uint64 {
	return p.blockSize
}

// Allocate returns size bytes aligned to align from a block with the given key.
func (p *Pool[B]) Allocate(key uint32, size, align uint64) (Range[B], error) {
	if size == 0 {
		return Range[B]{}, debug.Errorf("Cannot allocate 0 bytes")
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return Range[B]{}, debug.Errorf("Alignment [%d] is not a power of 2", align)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if size > p.blockSize {
		handle, err := p.source.AllocateBlock(key, size)
		if err != nil {
			return Range[B]{}, debug.ErrorWrapf(err, "Failed to allocate dedicated block of size [%d]", size)
		}
		b := &block[B]{handle: handle, key: key, size: size, dedicated: true, used: size, count: 1}
		p.blocks[key] = append(p.blocks[key], b)
		logger.VPrintf("Dedicated block: key [%d] size [%d]", key, size)
		return Range[B]{Block: handle, Key: key, Offset: 0, Size: size, owner: b}, nil
	}

	for _, b := range p.blocks[key] {
		if b.dedicated {
			continue
		}
		if offset, ok := b.take(size, align); ok {
			return Range[B]{Block: b.handle, Key: key, Offset: offset, Size: size, owner: b}, nil
		}
	}

	handle, err := p.source.AllocateBlock(key, p.blockSize)
	if err != nil {
		return Range[B]{}, debug.ErrorWrapf(err, "Failed to allocate block of size [%d]", p.blockSize)
	}
	b := &block[B]{handle: handle, key: key, size: p.blockSize, free: []span{{offset: 0, size: p.blockSize}}}
	p.blocks[key] = append(p.blocks[key], b)
	logger.VPrintf("New block: key [%d] size [%d]", key, p.blockSize)

	offset, _ := b.take(size, align)
	return Range[B]{Block: handle, Key: key, Offset: offset, Size: size, owner: b}, nil
}

// Free releases r. Empty dedicated blocks are returned immediately, at most one
// empty regular block is kept around per key.
func (p *Pool[B]) Free(r Range[B]) {
	if r.owner == nil {
		panic("alloc: free of zero Range")
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	b := r.owner
	if b.dedicated {
		b.count--
		b.used = 0
	} else {
		b.give(r.Offset, r.Size)
	}
	if !b.empty() {
		return
	}

	release := b.dedicated
	if !release {
		for _, other := range p.blocks[b.key] {
			if other != b && !other.dedicated && other.empty() {
				release = true
				break
			}
		}
	}
	if release {
		p.blocks[b.key] = slices.DeleteFunc(p.blocks[b.key], func(e *block[B]) bool { return e == b })
		if len(p.blocks[b.key]) == 0 {
			delete(p.blocks, b.key)
		}
		p.source.FreeBlock(b.key, b.handle)
	}
}

func (p *Pool[B]) Stats() Stats {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	var s Stats
	for _, blocks := range p.blocks {
		for _, b := range blocks {
			s.Blocks++
			if b.dedicated {
				s.DedicatedBlocks++
			}
			s.Allocations += b.count
			s.BytesReserved += b.size
			s.BytesUsed += b.used
		}
	}
	return s
}

// Destroy frees every block regardless of live ranges.
func (p *Pool[B]) Destroy() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for key, blocks := range p.blocks {
		for _, b := range blocks {
			if !b.empty() {
				logger.WPrintf("Destroying block key [%d] with [%d] live allocations", key, b.count)
			}
			p.source.FreeBlock(key, b.handle)
		}
	}
	clear(p.blocks)
}

func (p *Pool[B]) MarshalJSON() ([]byte, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	buff := bytes.Buffer{}
	buff.WriteString("{")
	buff.WriteString(fmt.Sprintf("\"blockSize\": %d,", p.blockSize))
	buff.WriteString("\"blocks\": {")

	keys := make([]uint32, 0, len(p.blocks))
	for k := range p.blocks {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if len(keys) > 0 {
		for _, k := range keys {
			buff.WriteString(fmt.Sprintf("\"%d\": [", k))
			for i, b := range p.blocks[k] {
				if i > 0 {
					buff.WriteString(",")
				}
				buff.WriteString(fmt.Sprintf("{\"size\": %d, \"used\": %d, \"allocations\": %d, \"dedicated\": %t, \"freeSpans\": %d}",
					b.size, b.used, b.count, b.dedicated, len(b.free)))
			}
			buff.WriteString("],")
		}
		buff.Truncate(buff.Len() - 1)
	}

	buff.WriteString("}}")
	return buff.Bytes(), nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
