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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goarrg.com/rhi/vxc/internal/spirv/spirvtest"
)

func TestBuffer_CopyRoundTrip(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	for _, host := range []bool{false, true} {
		data := []float32{1, -2, 3.5, 4e10}
		b, err := AllocateBufferWithData(d, data, host)
		require.NoError(t, err)
		assert.Equal(host, b.HostVisible())
		assert.Equal(uint64(16), b.Size())
		assert.Equal(data, downloadTest[float32](t, b))

		partial, err := CopyOutSlice[float32](b, 2)
		require.NoError(t, err)
		assert.Equal(data[:2], partial)
	}

	b, err := d.AllocateBuffer(6, false)
	require.NoError(t, err)
	_, err = CopyOutSlice[float32](b, 0)
	assert.ErrorIs(err, ErrorSizeMismatch{})
	assert.ErrorIs(b.CopyIn(make([]byte, 7)), ErrorSizeMismatch{})
	assert.ErrorIs(b.CopyOut(make([]byte, 7)), ErrorSizeMismatch{})
	assert.NoError(b.CopyIn(nil))
}

func TestBuffer_Views(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	want := []float32{1.2, 2.4, 3.5, 3.1, 9.0, -7.8, 4.3, 11.4, -4.3}
	b, err := d.AllocateBuffer(uint64(len(want))*4, false)
	require.NoError(t, err)

	v1, err := b.View(12)
	require.NoError(t, err)
	v2, err := v1.View(12)
	require.NoError(t, err)

	assert.True(v2.IsView())
	assert.Equal(uint64(24), v2.Offset())
	assert.Equal(uint64(12), v2.Span())
	assert.Equal(b.Size(), v2.Size())
	assert.NotEqual(v1.ID(), v2.ID())

	require.NoError(t, CopyInSlice(b, want[:3]))
	require.NoError(t, CopyInSlice(v1, want[3:6]))
	require.NoError(t, CopyInSlice(v2, want[6:]))

	assert.Equal(want, downloadTest[float32](t, b))
	assert.Equal(want[3:], downloadTest[float32](t, v1))
	assert.Equal(want[6:], downloadTest[float32](t, v2))

	_, err = v2.View(12)
	assert.ErrorIs(err, ErrorSizeMismatch{})

	require.NoError(t, b.Destroy())
	assert.True(v1.Destroyed())
	assert.True(v2.Destroyed())
	_, err = v2.View(0)
	assert.ErrorIs(err, ErrorUseAfterFree{})
	assert.ErrorIs(v1.CopyIn([]byte{1}), ErrorUseAfterFree{})
}

func TestBuffer_ViewAccumulation(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	p := newTestPipeline(t, d, spirvtest.Module{
		EntryPoint: "vxc_test_sum",
		Buffers: []spirvtest.Buffer{
			{Name: "in", Set: 0, Binding: 0},
			{Name: "sum", Set: 0, Binding: 1},
		},
	}, nil, nil)

	in := uploadTest(t, d, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	sum := uploadTest(t, d, []float32{0})

	s, err := d.CreateSequence()
	require.NoError(t, err)
	for off := uint64(0); off < in.Span(); off += 8 {
		v, err := in.View(off)
		require.NoError(t, err)
		require.NoError(t, s.RecordPipeline(p, nil, []*Buffer{v, sum}, nil))
	}
	assert.Equal(4, s.RecordCount())

	_, err = d.SubmitSequence(s)
	require.NoError(t, err)
	require.NoError(t, d.Sync(s))

	assert.Equal([]float32{36 + 33 + 26 + 15}, downloadTest[float32](t, sum))
}

func TestBuffer_CopyTo(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	a := uploadTest(t, d, []uint32{1, 2, 3, 4})
	b := uploadTest(t, d, []uint32{0, 0, 0, 0})

	require.NoError(t, a.CopyTo(b, 4, 0, 8))
	assert.Equal([]uint32{2, 3, 0, 0}, downloadTest[uint32](t, b))

	require.NoError(t, a.CopyTo(b, 0, 8, 0))
	assert.Equal([]uint32{2, 3, 1, 2}, downloadTest[uint32](t, b))

	assert.ErrorIs(a.CopyTo(b, 16, 0, 4), ErrorSizeMismatch{})
	assert.ErrorIs(a.CopyTo(b, 0, 12, 8), ErrorSizeMismatch{})

	v, err := a.View(8)
	require.NoError(t, err)
	require.NoError(t, a.CopyTo(v, 0, 0, 8))
	assert.Equal([]uint32{1, 2, 1, 2}, downloadTest[uint32](t, a))
	assert.ErrorIs(a.CopyTo(v, 4, 0, 8), ErrorInvalidState{})

	other := newTestDevice(t, Config{})
	c, err := other.AllocateBuffer(16, false)
	require.NoError(t, err)
	assert.ErrorIs(a.CopyTo(c, 0, 0, 0), ErrorInvalidState{})
}

func TestBuffer_CopyToInFlight(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	p := newTestPipeline(t, d, spirvtest.Module{
		EntryPoint: "vxc_test_block",
		Buffers:    []spirvtest.Buffer{{Name: "data", Set: 0, Binding: 0}},
	}, nil, nil)

	a := uploadTest(t, d, []uint32{1, 2})
	b := uploadTest(t, d, []uint32{0, 0})
	view, err := a.View(4)
	require.NoError(t, err)

	s, err := p.Dispatch(nil, []*Buffer{a}, nil)
	require.NoError(t, err)

	assert.ErrorIs(view.CopyTo(b, 0, 0, 0), ErrorConcurrentUse{})
	assert.ErrorIs(b.CopyTo(a, 0, 0, 0), ErrorConcurrentUse{})
	assert.ErrorIs(d.DeallocateBuffer(a), ErrorConcurrentUse{})
	assert.False(s.Synced())

	close(blockKernel)
	require.NoError(t, d.Sync())
	assert.True(s.Synced())
	require.NoError(t, view.CopyTo(b, 0, 0, 0))
	assert.Equal([]uint32{2, 0}, downloadTest[uint32](t, b))
}

func TestBuffer_Deallocate(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	p := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	a := uploadTest(t, d, []float32{1, 2})
	b := uploadTest(t, d, []float32{3, 4})
	out, err := d.AllocateBuffer(8, false)
	require.NoError(t, err)
	view, err := out.View(4)
	require.NoError(t, err)

	s, err := d.CreateSequence()
	require.NoError(t, err)
	require.NoError(t, s.RecordPipeline(p, []uint32{1}, []*Buffer{a, b, view}, nil))

	assert.ErrorIs(d.DeallocateBuffer(a), ErrorConcurrentUse{})
	assert.ErrorIs(out.Destroy(), ErrorConcurrentUse{}, "a view of out is recorded")

	_, err = d.SubmitSequence(s)
	require.NoError(t, err)
	assert.ErrorIs(d.DeallocateBuffer(out), ErrorConcurrentUse{})

	require.NoError(t, d.Sync(s))
	assert.Equal([]float32{4}, downloadTest[float32](t, view))

	require.NoError(t, d.DeallocateBuffer(out))
	assert.True(view.Destroyed())
	assert.ErrorIs(d.DeallocateBuffer(out), ErrorUseAfterFree{})
	assert.ErrorIs(s.RecordPipeline(p, []uint32{1}, []*Buffer{a, b, view}, nil), ErrorUseAfterFree{})
}

func TestBuffer_Limits(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	_, err := d.AllocateBuffer(8<<30, false)
	assert.ErrorIs(err, ErrorResourceLimitExceeded{})

	_, err = d.AllocateBuffer(0, false)
	assert.ErrorIs(err, ErrorSizeMismatch{})

	limits := d.Properties().Limits
	assert.Equal(uint64(1<<30), limits.Global.MaxAllocationSize)
	assert.Equal(uint64(4), limits.PerDescriptor.MinSBOOffsetAlignment)
}

func TestBuffer_Address(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	src := uploadTest(t, d, []uint32{5, 6, 7, 8})
	assert.True(src.Usage().HasBits(BufferUsageDeviceAddress))

	addr, err := src.Address()
	require.NoError(t, err)
	assert.NotZero(addr)

	view, err := src.View(8)
	require.NoError(t, err)
	viewAddr, err := view.Address()
	require.NoError(t, err)
	assert.Equal(addr+8, viewAddr)

	p := newTestPipeline(t, d, spirvtest.Module{
		EntryPoint:        "vxc_test_deref",
		LocalSize:         [3]uint32{4, 1, 1},
		Buffers:           []spirvtest.Buffer{{Name: "out", Set: 0, Binding: 0}},
		PushConstantWords: 2,
	}, nil, make([]byte, 8))

	out, err := d.AllocateBuffer(8, false)
	require.NoError(t, err)
	require.NoError(t, p.Execute([]uint32{1}, []*Buffer{out}, PackConstants(viewAddr)))
	assert.Equal([]uint32{7, 8}, downloadTest[uint32](t, out))

	plain, err := d.AllocateBufferUsage(16, false, DefaultBufferUsage)
	require.NoError(t, err)
	_, err = plain.Address()
	assert.ErrorIs(err, ErrorUnsupportedCapability{})
}

func TestBuffer_AddressUnsupported(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{Driver: testDriverNoBDA})

	assert.False(d.Properties().Features.BufferDeviceAddress)
	b, err := d.AllocateBuffer(16, false)
	require.NoError(t, err)
	assert.False(b.Usage().HasBits(BufferUsageDeviceAddress))

	_, err = b.Address()
	assert.ErrorIs(err, ErrorUnsupportedCapability{})
}
