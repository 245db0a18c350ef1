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

	"github.com/stretchr/testify/require"

	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/driver/soft"
	"goarrg.com/rhi/vxc/internal/spirv/spirvtest"
)

const (
	testDriverMulti = "vxc_test_multi"
	testDriverNoBDA = "vxc_test_nobda"
)

// blockKernel holds every invocation of vxc_test_block until it is closed.
var blockKernel = make(chan struct{})

func init() {
	driver.Register(testDriverMulti, func() driver.Driver {
		adapters := []driver.AdapterInfo{}
		for _, name := range []string{"gpu0", "gpu1", "gpu2"} {
			info := soft.DefaultAdapterInfo()
			info.Name = name
			adapters = append(adapters, info)
		}
		return soft.New(soft.Options{Adapters: adapters})
	})
	driver.Register(testDriverNoBDA, func() driver.Driver {
		info := soft.DefaultAdapterInfo()
		info.Features.BufferDeviceAddress = false
		return soft.New(soft.Options{Adapters: []driver.AdapterInfo{info}})
	})

	soft.RegisterKernel("vxc_test_add", func(inv *soft.Invocation) {
		a := soft.As[float32](inv.Buffer(0, 0))
		b := soft.As[float32](inv.Buffer(0, 1))
		out := soft.As[float32](inv.Buffer(0, 2))
		if i := inv.GlobalID[0]; i < uint32(len(out)) {
			out[i] = a[i] + b[i]
		}
	})
	soft.RegisterKernel("vxc_test_mul", func(inv *soft.Invocation) {
		a := soft.As[float32](inv.Buffer(0, 0))
		b := soft.As[float32](inv.Buffer(0, 1))
		out := soft.As[float32](inv.Buffer(0, 2))
		if i := inv.GlobalID[0]; i < uint32(len(out)) {
			out[i] = a[i] * b[i]
		}
	})
	soft.RegisterKernel("vxc_test_sum", func(inv *soft.Invocation) {
		if inv.GlobalID != [3]uint32{} {
			return
		}
		sum := float32(0)
		for _, v := range soft.As[float32](inv.Buffer(0, 0)) {
			sum += v
		}
		soft.As[float32](inv.Buffer(0, 1))[0] += sum
	})
	soft.RegisterKernel("vxc_test_spec", func(inv *soft.Invocation) {
		in := soft.As[uint32](inv.Buffer(0, 0))
		outA := soft.As[uint32](inv.Buffer(0, 1))
		outB := soft.As[uint32](inv.Buffer(0, 2))
		if i := inv.GlobalID[0]; i < uint32(len(in)) {
			outA[i] = in[i] * inv.Spec(0)
			outB[i] = inv.Spec(1)
		}
	})
	soft.RegisterKernel("vxc_test_push", func(inv *soft.Invocation) {
		data := soft.As[uint32](inv.Buffer(0, 0))
		if i := inv.GlobalID[0]; i < uint32(len(data)) {
			data[i] += soft.As[uint32](inv.PushConstants())[0]
		}
	})
	soft.RegisterKernel("vxc_test_iota", func(inv *soft.Invocation) {
		out := soft.As[uint32](inv.Buffer(0, 0))
		if i := inv.GlobalID[0]; i < uint32(len(out)) {
			out[i] = i
		}
	})
	soft.RegisterKernel("vxc_test_gather", func(inv *soft.Invocation) {
		if inv.GlobalID != [3]uint32{} {
			return
		}
		out := soft.As[uint32](inv.Buffer(0, 0))
		for e := range uint32(3) {
			out[e] = soft.As[uint32](inv.BufferElement(1, 0, e))[0]
		}
	})
	soft.RegisterKernel("vxc_test_deref", func(inv *soft.Invocation) {
		addr := soft.As[uint64](inv.PushConstants())[0]
		out := soft.As[uint32](inv.Buffer(0, 0))
		if i := inv.GlobalID[0]; i < uint32(len(out)) {
			out[i] = soft.As[uint32](inv.Deref(addr+uint64(i)*4, 4))[0]
		}
	})
	soft.RegisterKernel("vxc_test_block", func(inv *soft.Invocation) {
		<-blockKernel
	})
}

func newTestInstance(t *testing.T, config Config) *Instance {
	t.Helper()

	if config.Driver == "" {
		config.Driver = soft.Name
	}
	if config.BlockSize == 0 {
		config.BlockSize = 1 << 20
	}
	if config.VisibleDevices == nil {
		config.VisibleDevices = []int{}
	}
	i, err := NewInstance(config)
	require.NoError(t, err)
	t.Cleanup(i.Destroy)
	return i
}

func newTestDevice(t *testing.T, config Config) *Device {
	t.Helper()

	d, err := newTestInstance(t, config).Device(0)
	require.NoError(t, err)
	return d
}

func loadTestModule(t *testing.T, d *Device, m spirvtest.Module) *ShaderModule {
	t.Helper()

	s, err := d.LoadShader(m.Build())
	require.NoError(t, err)
	return s
}

// binaryModule declares out = op(a, b) with three storage buffers in set 0.
func binaryModule(entry string) spirvtest.Module {
	return spirvtest.Module{
		EntryPoint: entry,
		LocalSize:  [3]uint32{64, 1, 1},
		Buffers: []spirvtest.Buffer{
			{Name: "a", Set: 0, Binding: 0},
			{Name: "b", Set: 0, Binding: 1},
			{Name: "out", Set: 0, Binding: 2},
		},
	}
}

func newTestPipeline(t *testing.T, d *Device, m spirvtest.Module, specConstants, defaultPushConstants []byte) *Pipeline {
	t.Helper()

	p, err := d.CreatePipeline(loadTestModule(t, d, m), m.EntryPoint, specConstants, defaultPushConstants)
	require.NoError(t, err)
	return p
}

func uploadTest[T Scalar](t *testing.T, d *Device, data []T) *Buffer {
	t.Helper()

	b, err := AllocateBufferWithData(d, data, false)
	require.NoError(t, err)
	return b
}

func downloadTest[T Scalar](t *testing.T, b *Buffer) []T {
	t.Helper()

	data, err := CopyOutSlice[T](b, 0)
	require.NoError(t, err)
	return data
}
