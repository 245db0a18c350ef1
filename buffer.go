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
	"errors"
	"sync/atomic"

	"goarrg.com/debug"

	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/internal/util"
)

type BufferUsageFlags = driver.BufferUsage

const (
	BufferUsageTransferSrc   = driver.BufferUsageTransferSrc
	BufferUsageTransferDst   = driver.BufferUsageTransferDst
	BufferUsageUniformBuffer = driver.BufferUsageUniform
	BufferUsageStorageBuffer = driver.BufferUsageStorage
	BufferUsageDeviceAddress = driver.BufferUsageDeviceAddress

	DefaultBufferUsage = BufferUsageStorageBuffer | BufferUsageTransferSrc | BufferUsageTransferDst
)

// BufferID is unique for the lifetime of the process, it is never reused
// after the buffer is destroyed.
type BufferID uint64

var bufferIDs atomic.Uint64

func nextBufferID() BufferID {
	return BufferID(bufferIDs.Add(1))
}

// Buffer is either a root buffer owning an allocation or a view into one.
// Sizes are absolute: a view's Size is the root's size and its usable span
// is Size()-Offset().
type Buffer struct {
	noCopy     util.NoCopy
	id         BufferID
	device     *Device
	parent     *Buffer
	children   map[BufferID]*Buffer
	allocation driver.Allocation
	size       uint64
	offset     uint64
	usage      BufferUsageFlags
	host       bool
}

func (b *Buffer) ID() BufferID {
	return b.id
}

func (b *Buffer) Device() *Device {
	return b.device
}

func (b *Buffer) Size() uint64 {
	return b.size
}

func (b *Buffer) Offset() uint64 {
	return b.offset
}

// Span is the number of bytes addressable from Offset.
func (b *Buffer) Span() uint64 {
	return b.size - b.offset
}

func (b *Buffer) Usage() BufferUsageFlags {
	return b.usage
}

func (b *Buffer) HostVisible() bool {
	return b.host
}

func (b *Buffer) IsView() bool {
	return b.parent != nil
}

func (b *Buffer) Destroyed() bool {
	return !b.noCopy.Alive()
}

func (b *Buffer) root() *Buffer {
	r := b
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// family returns b and every view created from it.
func (b *Buffer) family() []*Buffer {
	ret := []*Buffer{b}
	for _, c := range b.children {
		ret = append(ret, c.family()...)
	}
	return ret
}

func (b *Buffer) checkLocked() error {
	if b == nil || !b.noCopy.Alive() {
		return debug.ErrorWrapf(ErrorUseAfterFree{}, "Buffer has been destroyed")
	}
	return nil
}

// View returns a buffer aliasing b starting offset bytes after b's own offset.
func (b *Buffer) View(offset uint64) (*Buffer, error) {
	b.device.mtx.Lock()
	defer b.device.mtx.Unlock()

	if err := b.checkLocked(); err != nil {
		return nil, err
	}
	if offset >= b.Span() {
		return nil, debug.ErrorWrapf(ErrorSizeMismatch{}, "View offset [%d] is outside of buffer %s span [%d]", offset, toHex(b.id), b.Span())
	}

	v := &Buffer{
		id:         nextBufferID(),
		device:     b.device,
		parent:     b,
		children:   map[BufferID]*Buffer{},
		allocation: b.allocation,
		size:       b.size,
		offset:     b.offset + offset,
		usage:      b.usage,
		host:       b.host,
	}
	v.noCopy.Init()
	b.children[v.id] = v
	b.device.buffers[v.id] = v
	return v, nil
}

// CopyIn writes data to the start of the buffer's span through a host visible
// staging buffer and waits for the copy to finish.
func (b *Buffer) CopyIn(data []byte) error {
	b.device.mtx.Lock()
	defer b.device.mtx.Unlock()

	if err := b.checkLocked(); err != nil {
		return err
	}
	if uint64(len(data)) > b.Span() {
		return debug.ErrorWrapf(ErrorSizeMismatch{}, "Data size [%d] is larger than buffer %s span [%d]", len(data), toHex(b.id), b.Span())
	}
	if len(data) == 0 {
		return nil
	}

	d := b.device
	staging, err := d.allocateBufferLocked(uint64(len(data)), true, BufferUsageTransferSrc|BufferUsageTransferDst)
	if err != nil {
		return debug.ErrorWrapf(err, "Failed to allocate staging buffer")
	}
	defer d.destroyBufferLocked(staging)

	{
		mem, err := staging.allocation.Map()
		if err != nil {
			return debug.ErrorWrapf(err, "Failed to map staging buffer")
		}
		copy(mem, data)
		staging.allocation.Unmap()
	}

	return d.copyLocked(staging, 0, b, 0, uint64(len(data)))
}

// CopyOut fills data from the start of the buffer's span and waits for the
// copy to finish.
func (b *Buffer) CopyOut(data []byte) error {
	b.device.mtx.Lock()
	defer b.device.mtx.Unlock()

	if err := b.checkLocked(); err != nil {
		return err
	}
	if uint64(len(data)) > b.Span() {
		return debug.ErrorWrapf(ErrorSizeMismatch{}, "Data size [%d] is larger than buffer %s span [%d]", len(data), toHex(b.id), b.Span())
	}
	if len(data) == 0 {
		return nil
	}

	d := b.device
	staging, err := d.allocateBufferLocked(uint64(len(data)), true, BufferUsageTransferSrc|BufferUsageTransferDst)
	if err != nil {
		return debug.ErrorWrapf(err, "Failed to allocate staging buffer")
	}
	defer d.destroyBufferLocked(staging)

	if err := d.copyLocked(b, 0, staging, 0, uint64(len(data))); err != nil {
		return err
	}

	mem, err := staging.allocation.Map()
	if err != nil {
		return debug.ErrorWrapf(err, "Failed to map staging buffer")
	}
	copy(data, mem)
	staging.allocation.Unmap()
	return nil
}

// CopyTo copies size bytes from selfOffset in b to destOffset in other, both
// relative to the buffers' own offsets. A size of 0 copies as much as fits
// in both spans.
func (b *Buffer) CopyTo(other *Buffer, selfOffset, destOffset, size uint64) error {
	b.device.mtx.Lock()
	defer b.device.mtx.Unlock()

	if err := b.checkLocked(); err != nil {
		return err
	}
	if err := other.checkLocked(); err != nil {
		return err
	}
	if other.device != b.device {
		return debug.ErrorWrapf(ErrorInvalidState{}, "Buffers %s and %s belong to different devices", toHex(b.id), toHex(other.id))
	}

	d := b.device
	if s := d.inFlightLocked(b); s != nil {
		return debug.ErrorWrapf(ErrorConcurrentUse{}, "Buffer %s is in use by sequence %d", toHex(b.id), s.id)
	}
	if s := d.inFlightLocked(other); s != nil {
		return debug.ErrorWrapf(ErrorConcurrentUse{}, "Buffer %s is in use by sequence %d", toHex(other.id), s.id)
	}

	if selfOffset >= b.Span() {
		return debug.ErrorWrapf(ErrorSizeMismatch{}, "Source offset [%d] is outside of buffer %s span [%d]", selfOffset, toHex(b.id), b.Span())
	}
	if destOffset >= other.Span() {
		return debug.ErrorWrapf(ErrorSizeMismatch{}, "Destination offset [%d] is outside of buffer %s span [%d]", destOffset, toHex(other.id), other.Span())
	}
	if size == 0 {
		size = min(b.Span()-selfOffset, other.Span()-destOffset)
	}
	if selfOffset+size > b.Span() || destOffset+size > other.Span() {
		return debug.ErrorWrapf(ErrorSizeMismatch{}, "Copy of [%d] bytes from [%d] to [%d] exceeds buffer spans [%d] and [%d]",
			size, selfOffset, destOffset, b.Span(), other.Span())
	}

	return d.copyLocked(b, selfOffset, other, destOffset, size)
}

// Address returns the device address of the start of the buffer's span.
func (b *Buffer) Address() (uint64, error) {
	b.device.mtx.Lock()
	defer b.device.mtx.Unlock()

	if err := b.checkLocked(); err != nil {
		return 0, err
	}
	if !b.device.properties.Features.BufferDeviceAddress {
		return 0, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "Device [%d] does not support buffer device address", b.device.index)
	}
	if !b.usage.HasBits(BufferUsageDeviceAddress) {
		return 0, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "Buffer %s was not created with usage [%s]", toHex(b.id), BufferUsageDeviceAddress)
	}

	addr, err := b.allocation.Address()
	if errors.Is(err, driver.ErrorUnsupported{}) {
		return 0, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "%s", err)
	} else if err != nil {
		return 0, debug.ErrorWrapf(err, "Failed to get address of buffer %s", toHex(b.id))
	}
	return addr + b.offset, nil
}

func (b *Buffer) Destroy() error {
	return b.device.DeallocateBuffer(b)
}
