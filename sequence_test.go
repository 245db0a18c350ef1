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
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence_SemaphoreChain(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	mul := newTestPipeline(t, d, binaryModule("vxc_test_mul"), nil, nil)
	add := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)

	const n = 100
	a := make([]float32, n)
	b := make([]float32, n)
	c := make([]float32, n)
	want := make([]float32, n)
	for i := range n {
		a[i] = float32(i)
		b[i] = float32(i) / 2
		c[i] = 3
		want[i] = a[i]*b[i] + c[i]
	}
	bufA := uploadTest(t, d, a)
	bufB := uploadTest(t, d, b)
	bufC := uploadTest(t, d, c)

	for _, explicit := range []bool{true, false} {
		tmp, err := d.AllocateBuffer(n*4, false)
		require.NoError(t, err)
		out, err := d.AllocateBuffer(n*4, false)
		require.NoError(t, err)

		first, err := d.CreateSequence()
		require.NoError(t, err)
		second, err := d.CreateSequence()
		require.NoError(t, err)

		require.NoError(t, first.RecordPipeline(mul, []uint32{ceilDiv[uint32](n, 64)}, []*Buffer{bufA, bufB, tmp}, nil))
		require.NoError(t, second.RecordPipeline(add, []uint32{ceilDiv[uint32](n, 64)}, []*Buffer{tmp, bufC, out}, nil))

		_, err = d.SubmitSequence(first)
		require.NoError(t, err)
		if explicit {
			_, err = d.SubmitSequence(second, first)
		} else {
			_, err = d.SubmitSequence(second)
		}
		require.NoError(t, err)
		assert.Equal(second, first.consumer.seq.Value(), "explicit: %v", explicit)

		require.NoError(t, d.Sync(second))
		assert.True(second.Synced())
		assert.Equal(want, downloadTest[float32](t, out), "explicit: %v", explicit)

		require.NoError(t, d.Sync())
		require.NoError(t, first.Destroy())
		require.NoError(t, second.Destroy())
		assert.ErrorIs(first.Destroy(), ErrorUseAfterFree{})
	}
}

func TestSequence_WaitChain(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	add := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	one := uploadTest(t, d, []float32{1})
	acc := uploadTest(t, d, []float32{0})

	seqs := []*CommandSequence{}
	for range 4 {
		s, err := d.CreateSequence()
		require.NoError(t, err)
		require.NoError(t, s.RecordPipeline(add, nil, []*Buffer{acc, one, acc}, nil))
		_, err = d.SubmitSequence(s, seqs...)
		require.NoError(t, err)
		seqs = append(seqs, s)
	}

	for i := range len(seqs) - 1 {
		assert.Equal(seqs[i+1], seqs[i].consumer.seq.Value())
	}
	require.NoError(t, d.Sync(seqs[len(seqs)-1]))
	assert.Equal([]float32{4}, downloadTest[float32](t, acc))

	require.NoError(t, d.Sync())
	for _, s := range seqs {
		assert.True(s.Synced())
		assert.Empty(s.retired)
	}
}

func TestSequence_States(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	add := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	a := uploadTest(t, d, []float32{1})
	out := uploadTest(t, d, []float32{0})

	s, err := d.CreateSequence()
	require.NoError(t, err)
	assert.False(s.Recording())

	_, err = d.SubmitSequence(s)
	assert.ErrorIs(err, ErrorInvalidState{}, "nothing recorded")

	require.NoError(t, s.RecordPipeline(add, nil, []*Buffer{a, a, out}, nil))
	assert.True(s.Recording())
	require.NoError(t, s.End())
	assert.ErrorIs(s.End(), ErrorInvalidState{})
	assert.ErrorIs(s.RecordPipeline(add, nil, []*Buffer{a, a, out}, nil), ErrorInvalidState{}, "ended")

	_, err = d.SubmitSequence(s)
	require.NoError(t, err)
	assert.ErrorIs(s.RecordPipeline(add, nil, []*Buffer{a, a, out}, nil), ErrorInvalidState{}, "submitted")
	_, err = d.SubmitSequence(s)
	assert.ErrorIs(err, ErrorInvalidState{}, "resubmitted")

	require.NoError(t, d.Sync(s))
	assert.True(s.Synced())

	require.NoError(t, s.RecordPipeline(add, nil, []*Buffer{out, a, out}, nil))
	assert.Equal(1, s.RecordCount())
	_, err = d.SubmitSequence(s)
	require.NoError(t, err)
	require.NoError(t, d.Sync(s))
	assert.Equal([]float32{3}, downloadTest[float32](t, out))

	never, err := d.CreateSequence()
	require.NoError(t, err)
	require.NoError(t, s.RecordPipeline(add, nil, []*Buffer{a, a, out}, nil))
	_, err = d.SubmitSequence(s, never)
	assert.ErrorIs(err, ErrorInvalidState{}, "wait on a sequence never submitted")

	other := newTestDevice(t, Config{})
	assert.ErrorIs(other.DestroySequence(s), ErrorInvalidState{})
}

func TestSequence_DestroyUnsynced(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	add := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	a := uploadTest(t, d, []float32{2})
	out := uploadTest(t, d, []float32{0})

	s, err := add.Dispatch(nil, []*Buffer{a, a, out}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Destroy())
	assert.Empty(d.submitted.Data())
	assert.Equal([]float32{4}, downloadTest[float32](t, out))
	require.NoError(t, out.Destroy())
}

func TestSequence_CopyBuffer(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	src := uploadTest(t, d, []uint32{1, 2, 3, 4})
	dst := uploadTest(t, d, []uint32{0, 0, 0, 0})
	small, err := d.AllocateBuffer(8, false)
	require.NoError(t, err)

	s, err := d.CreateSequence()
	require.NoError(t, err)
	assert.ErrorIs(s.RecordCopyBuffer(small, src), ErrorSizeMismatch{})

	half, err := src.View(8)
	require.NoError(t, err)
	require.NoError(t, s.RecordCopyBuffer(small, half))
	require.NoError(t, s.RecordCopyBuffer(dst, src))

	self, err := dst.View(4)
	require.NoError(t, err)
	self2, err := dst.View(8)
	require.NoError(t, err)
	assert.ErrorIs(s.RecordCopyBuffer(self2, self), ErrorSizeMismatch{})

	_, err = d.SubmitSequence(s)
	require.NoError(t, err)
	require.NoError(t, d.Sync())

	assert.Equal([]uint32{3, 4}, downloadTest[uint32](t, small))
	assert.Equal([]uint32{1, 2, 3, 4}, downloadTest[uint32](t, dst))

	assert.ErrorIs(s.RecordCopyBuffer(self, self), ErrorInvalidState{})
	assert.False(s.Recording())
}

func TestSequence_OverlappingCopyRejected(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	b := uploadTest(t, d, []uint32{1, 2, 3, 4})
	lo, err := b.View(0)
	require.NoError(t, err)
	hi, err := b.View(4)
	require.NoError(t, err)

	s, err := d.CreateSequence()
	require.NoError(t, err)
	assert.ErrorIs(s.recordCopyRangeLocked(lo, 0, hi, 0, 8), ErrorInvalidState{})
	require.NoError(t, s.recordCopyRangeLocked(lo, 0, hi, 8, 4))
}

func TestSequence_DispatchLimit(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{DispatchLimit: 2})

	add := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	a := uploadTest(t, d, []float32{1})
	out := uploadTest(t, d, []float32{0})
	require.NoError(t, d.Sync())

	s1, err := add.Dispatch(nil, []*Buffer{a, a, out}, nil)
	require.NoError(t, err)
	s2, err := add.Dispatch(nil, []*Buffer{out, a, out}, nil)
	require.NoError(t, err)
	assert.False(s1.Synced())
	assert.False(s2.Synced())

	s3, err := add.Dispatch(nil, []*Buffer{out, a, out}, nil)
	require.NoError(t, err)
	assert.True(s1.Synced())
	assert.True(s2.Synced())
	assert.Equal(1, d.dispatchCount)

	require.NoError(t, d.Sync(s3))
	assert.Equal([]float32{4}, downloadTest[float32](t, out))
}

func TestSequence_DroppedAreCollected(t *testing.T) {
	assert := assert.New(t)
	d := newTestDevice(t, Config{})

	add := newTestPipeline(t, d, binaryModule("vxc_test_add"), nil, nil)
	one := uploadTest(t, d, []float32{1})
	acc := uploadTest(t, d, []float32{0})

	const n = 100
	for range n {
		_, err := add.Dispatch(nil, []*Buffer{acc, one, acc}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, d.Sync())
	assert.Equal([]float32{n}, downloadTest[float32](t, acc))

	kept, err := add.Dispatch(nil, []*Buffer{acc, one, acc}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Sync())

	assert.Eventually(func() bool {
		runtime.GC()
		if err := d.Sync(); err != nil {
			return false
		}
		d.mtx.Lock()
		defer d.mtx.Unlock()
		return len(d.sequences) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(kept.Synced())
	require.NoError(t, kept.Destroy())
	d.mtx.Lock()
	assert.Empty(d.sequences)
	d.mtx.Unlock()
}
