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

	"goarrg.com/gmath"

	"goarrg.com/rhi/vxc/internal/spirv/spirvtest"
)

func specModule(ids ...uint32) spirvtest.Module {
	m := spirvtest.Module{
		EntryPoint: "vxc_test_spec",
		LocalSize:  [3]uint32{4, 1, 1},
		Buffers: []spirvtest.Buffer{
			{Name: "in", Set: 0, Binding: 0},
			{Name: "outA", Set: 0, Binding: 1},
			{Name: "outB", Set: 0, Binding: 2},
		},
	}
	for _, id := range ids {
		m.SpecConstants = append(m.SpecConstants, spirvtest.SpecConstant{ID: id, Default: 1})
	}
	return m
}

func TestPipeline_SpecConstants(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	p := newTestPipeline(t, d, specModule(0, 1), PackConstants[uint32](4, 10), nil)

	in := uploadTest(t, d, []uint32{1, 2, 3})
	outA, err := d.AllocateBuffer(12, false)
	require.NoError(t, err)
	outB, err := d.AllocateBuffer(12, false)
	require.NoError(t, err)

	require.NoError(t, p.Execute(nil, []*Buffer{in, outA, outB}, nil))
	assert.Equal([]uint32{4, 8, 12}, downloadTest[uint32](t, outA))
	assert.Equal([]uint32{10, 10, 10}, downloadTest[uint32](t, outB))

	m := loadTestModule(t, d, specModule(0, 1))
	_, err = d.CreatePipeline(m, "vxc_test_spec", PackConstants[uint32](4), nil)
	assert.ErrorIs(err, ErrorSizeMismatch{}, "too few words")
	_, err = d.CreatePipeline(m, "vxc_test_spec", []byte{1, 2, 3, 4, 5}, nil)
	assert.ErrorIs(err, ErrorSizeMismatch{}, "not a multiple of 4")

	sparse := loadTestModule(t, d, specModule(0, 5))
	_, err = d.CreatePipeline(sparse, "vxc_test_spec", PackConstants[uint32](4, 10), nil)
	assert.ErrorIs(err, ErrorUnsupportedCapability{})
}

func TestPipeline_PushConstants(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	m := spirvtest.Module{
		EntryPoint:        "vxc_test_push",
		LocalSize:         [3]uint32{8, 1, 1},
		Buffers:           []spirvtest.Buffer{{Name: "data", Set: 0, Binding: 0}},
		PushConstantWords: 1,
	}
	module := loadTestModule(t, d, m)

	_, err := d.CreatePipeline(module, m.EntryPoint, nil, nil)
	assert.ErrorIs(err, ErrorSizeMismatch{})
	_, err = d.CreatePipeline(module, m.EntryPoint, nil, make([]byte, 8))
	assert.ErrorIs(err, ErrorSizeMismatch{})

	p, err := d.CreatePipeline(module, m.EntryPoint, nil, PackConstants[uint32](100))
	require.NoError(t, err)
	assert.Equal(uint32(4), p.PushConstantSize())

	data := uploadTest(t, d, []uint32{1, 2, 3})
	require.NoError(t, p.Execute(nil, []*Buffer{data}, nil))
	assert.Equal([]uint32{101, 102, 103}, downloadTest[uint32](t, data))
	require.NoError(t, p.Execute(nil, []*Buffer{data}, PackConstants[uint32](1)))
	assert.Equal([]uint32{102, 103, 104}, downloadTest[uint32](t, data))

	assert.ErrorIs(p.Execute(nil, []*Buffer{data}, PackConstants[uint64](1)), ErrorSizeMismatch{})
}

func TestPipeline_Reflection(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	p := newTestPipeline(t, d, spirvtest.Module{
		EntryPoint: "vxc_test_gather",
		LocalSize:  [3]uint32{2, 3, 4},
		Buffers: []spirvtest.Buffer{
			{Name: "out", Set: 0, Binding: 0},
			{Name: "in", Set: 1, Binding: 0, Count: 3},
			{Name: "unused", Set: 2, Binding: 0, Unused: true},
		},
	}, nil, nil)

	assert.Equal("vxc_test_gather", p.EntryPoint())
	assert.Equal([]uint32{1, 3}, p.BindingCounts())
	assert.Equal(4, p.TotalBindings())
	assert.Equal(gmath.Extent3u32{X: 2, Y: 3, Z: 4}, p.LocalSize())

	out, err := d.AllocateBuffer(12, false)
	require.NoError(t, err)
	in := []*Buffer{}
	for i := range uint32(3) {
		in = append(in, uploadTest(t, d, []uint32{10 + i}))
	}
	require.NoError(t, p.Execute(nil, append([]*Buffer{out}, in...), nil))
	assert.Equal([]uint32{10, 11, 12}, downloadTest[uint32](t, out))

	assert.ErrorIs(p.Execute(nil, in, nil), ErrorSizeMismatch{})
}

func TestPipeline_Errors(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	uniform := spirvtest.Module{
		EntryPoint: "vxc_test_add",
		Buffers:    []spirvtest.Buffer{{Name: "u", Set: 0, Binding: 0, Uniform: true}},
	}
	_, err := d.CreatePipeline(loadTestModule(t, d, uniform), uniform.EntryPoint, nil, nil)
	assert.ErrorIs(err, ErrorUnsupportedCapability{})

	large := binaryModule("vxc_test_add")
	large.LocalSize = [3]uint32{2048, 1, 1}
	_, err = d.CreatePipeline(loadTestModule(t, d, large), large.EntryPoint, nil, nil)
	assert.ErrorIs(err, ErrorResourceLimitExceeded{})

	volume := binaryModule("vxc_test_add")
	volume.LocalSize = [3]uint32{64, 64, 1}
	_, err = d.CreatePipeline(loadTestModule(t, d, volume), volume.EntryPoint, nil, nil)
	assert.ErrorIs(err, ErrorResourceLimitExceeded{})

	_, err = d.CreatePipeline(loadTestModule(t, d, binaryModule("vxc_test_add")), "missing", nil, nil)
	assert.Error(err)

	p := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	a := uploadTest(t, d, []float32{1, 2, 3, 4})

	_, err = p.Dispatch([]uint32{70000}, []*Buffer{a, a, a}, nil)
	assert.ErrorIs(err, ErrorResourceLimitExceeded{})
	_, err = p.Dispatch([]uint32{1, 1, 1, 1}, []*Buffer{a, a, a}, nil)
	assert.ErrorIs(err, ErrorSizeMismatch{})
	_, err = p.Dispatch(nil, []*Buffer{a, a}, nil)
	assert.ErrorIs(err, ErrorSizeMismatch{})

	misaligned, err := a.View(2)
	require.NoError(t, err)
	assert.ErrorIs(p.UpdateBuffers([]*Buffer{a, a, misaligned}), ErrorSizeMismatch{})
	require.NoError(t, p.UpdateBuffers([]*Buffer{a, a, a}))

	other := newTestDevice(t, Config{})
	foreign, err := other.AllocateBuffer(16, false)
	require.NoError(t, err)
	assert.ErrorIs(p.UpdateBuffers([]*Buffer{a, a, foreign}), ErrorInvalidState{})

	assert.Empty(d.submitted.Data(), "failed dispatches leave nothing in flight")
}

func TestPipeline_DescriptorSetCache(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	add := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	mul := newTestPipeline(t, d, binaryModule("vxc_test_mul"), nil, nil)
	assert.Len(d.descriptorSetLayoutCache.cache, 1, "both pipelines share a layout")

	a := uploadTest(t, d, []float32{2})
	b := uploadTest(t, d, []float32{3})
	out, err := d.AllocateBuffer(4, false)
	require.NoError(t, err)

	require.NoError(t, add.Execute(nil, []*Buffer{a, b, out}, nil))
	assert.Len(d.descriptorSetCache.cache, 1)
	require.NoError(t, mul.Execute(nil, []*Buffer{a, b, out}, nil))
	assert.Len(d.descriptorSetCache.cache, 1, "same layout and buffers")
	assert.Equal([]float32{6}, downloadTest[float32](t, out))

	require.NoError(t, add.Execute(nil, []*Buffer{b, a, out}, nil))
	assert.Len(d.descriptorSetCache.cache, 2, "order matters")
	assert.Len(d.descriptorSetCache.buffers[a.ID()], 2)

	require.NoError(t, d.DeallocateBuffer(a))
	assert.Empty(d.descriptorSetCache.cache)
	assert.Empty(d.descriptorSetCache.buffers[b.ID()])
	assert.NotContains(d.descriptorSetCache.buffers, a.ID())

	assert.NotEmpty(prettyString(&d.descriptorSetCache))
	assert.NotEmpty(prettyString(&d.descriptorSetLayoutCache))
}

func TestPipeline_Destroy(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	p := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	a := uploadTest(t, d, []float32{1})
	out := uploadTest(t, d, []float32{0})

	assert.False(p.Bound())
	assert.False(p.Stale())
	s, err := p.Dispatch(nil, []*Buffer{a, a, out}, nil)
	require.NoError(t, err)
	assert.True(p.Bound())
	require.NoError(t, p.Destroy())
	assert.True(s.Synced())
	assert.NoError(p.Destroy())

	_, err = p.Dispatch(nil, []*Buffer{a, a, out}, nil)
	assert.ErrorIs(err, ErrorUseAfterFree{})
	assert.ErrorIs(p.UpdateBuffers([]*Buffer{a, a, out}), ErrorUseAfterFree{})
	assert.ErrorIs(s.RecordPipeline(p, nil, []*Buffer{a, a, out}, nil), ErrorUseAfterFree{})
}

func TestPipeline_Stale(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	p := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	a := uploadTest(t, d, []float32{1})
	out := uploadTest(t, d, []float32{0})

	require.NoError(t, p.UpdateBuffers([]*Buffer{a, a, out}))
	assert.True(p.Bound())
	assert.False(p.Stale())

	require.NoError(t, a.Destroy())
	assert.True(p.Stale())
	assert.True(p.Bound())

	b := uploadTest(t, d, []float32{2})
	require.NoError(t, p.Execute(nil, []*Buffer{b, b, out}, nil))
	assert.False(p.Stale())
	assert.Equal([]float32{4}, downloadTest[float32](t, out))
}

func TestPipeline_DestroyWhileRecorded(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	p := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	a := uploadTest(t, d, []float32{1})
	out := uploadTest(t, d, []float32{0})

	s, err := d.CreateSequence()
	require.NoError(t, err)
	require.NoError(t, s.RecordPipeline(p, nil, []*Buffer{a, a, out}, nil))
	assert.ErrorIs(p.Destroy(), ErrorConcurrentUse{})

	require.NoError(t, s.End())
	assert.ErrorIs(p.Destroy(), ErrorConcurrentUse{})

	_, err = d.SubmitSequence(s)
	require.NoError(t, err)
	require.NoError(t, p.Destroy())
	assert.True(s.Synced())
	assert.Empty(s.pipelines)
	assert.Equal([]float32{2}, downloadTest[float32](t, out))

	other := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	require.NoError(t, s.RecordPipeline(other, nil, []*Buffer{a, a, out}, nil))
	require.NoError(t, s.Destroy())
	assert.NoError(other.Destroy())
}

func TestKernelProgram(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	m := spirvtest.Module{
		EntryPoint:       "vxc_test_iota",
		LocalSize:        [3]uint32{1, 1, 1},
		LocalSizeSpecIDs: &[3]uint32{0, 1, 2},
		Buffers:          []spirvtest.Buffer{{Name: "out", Set: 0, Binding: 0}},
	}
	k := d.CreateKernelProgram(loadTestModule(t, d, m))
	out, err := d.AllocateBuffer(10*4, false)
	require.NoError(t, err)

	s, err := k.Dispatch(m.EntryPoint, []uint32{10}, []uint32{4}, []*Buffer{out}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Sync(s))
	require.NoError(t, s.Destroy())
	assert.Equal([]uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, downloadTest[uint32](t, out))
	assert.Equal(1, k.Pipelines())

	s, err = k.Dispatch(m.EntryPoint, []uint32{10}, []uint32{4}, []*Buffer{out}, nil)
	require.NoError(t, err)
	assert.Equal(1, k.Pipelines())
	s2, err := k.Dispatch(m.EntryPoint, []uint32{10}, nil, []*Buffer{out}, nil)
	require.NoError(t, err)
	assert.Equal(2, k.Pipelines())
	require.NoError(t, d.Sync(s, s2))

	_, err = k.Dispatch(m.EntryPoint, []uint32{10}, []uint32{0}, []*Buffer{out}, nil)
	assert.ErrorIs(err, ErrorSizeMismatch{})

	fixed := d.CreateKernelProgram(loadTestModule(t, d, binaryModule("vxc_test_add")))
	_, err = fixed.Dispatch("vxc_test_add", []uint32{10}, nil, []*Buffer{out, out, out}, nil)
	assert.ErrorIs(err, ErrorUnsupportedCapability{})

	require.NoError(t, d.Sync())
	s, err = d.CreateSequence()
	require.NoError(t, err)
	d.mtx.Lock()
	p, err := k.pipelineLocked(m.EntryPoint, [3]uint32{4, 1, 1})
	d.mtx.Unlock()
	require.NoError(t, err)
	require.NoError(t, s.RecordPipeline(p, []uint32{3}, []*Buffer{out}, nil))
	assert.ErrorIs(k.Destroy(), ErrorConcurrentUse{})
	assert.Equal(2, k.Pipelines())

	_, err = d.SubmitSequence(s)
	require.NoError(t, err)
	require.NoError(t, k.Destroy())
	assert.True(s.Synced())
	assert.NoError(k.Destroy())
	_, err = k.Dispatch(m.EntryPoint, []uint32{10}, nil, []*Buffer{out}, nil)
	assert.ErrorIs(err, ErrorUseAfterFree{})
}
