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

package spirv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/internal/spirv"
	"goarrg.com/rhi/vxc/internal/spirv/spirvtest"
)

func TestReflect_Bindings(t *testing.T) {
	assert := assert.New(t)

	code := spirvtest.Module{
		EntryPoint: "add",
		LocalSize:  [3]uint32{64, 1, 1},
		Buffers: []spirvtest.Buffer{
			{Name: "out", Set: 0, Binding: 2},
			{Name: "a", Set: 0, Binding: 0},
			{Name: "b", Set: 0, Binding: 1, Uniform: true},
			{Name: "tail", Set: 2, Binding: 0, Count: 3},
		},
		PushConstantWords: 3,
	}.Build()

	r, err := spirv.Reflect(code, "add")
	require.NoError(t, err)

	assert.Equal("add", r.EntryPoint)
	assert.Equal(spirv.ExecutionModelGLCompute, r.ExecutionModel)
	assert.Equal([3]spirv.Constant{{Value: 64}, {Value: 1}, {Value: 1}}, r.LocalSize)

	require.Len(t, r.Sets, 3)
	assert.Equal([]spirv.Binding{
		{Name: "a", Set: 0, Binding: 0, Type: driver.DescriptorTypeStorageBuffer, Count: 1},
		{Name: "b", Set: 0, Binding: 1, Type: driver.DescriptorTypeUniformBuffer, Count: 1},
		{Name: "out", Set: 0, Binding: 2, Type: driver.DescriptorTypeStorageBuffer, Count: 1},
	}, r.Sets[0])
	assert.Empty(r.Sets[1])
	assert.Equal([]spirv.Binding{
		{Name: "tail", Set: 2, Binding: 0, Type: driver.DescriptorTypeStorageBuffer, Count: 3},
	}, r.Sets[2])
	assert.Equal(4, r.NumBindings())

	require.Len(t, r.PushConstants, 1)
	assert.Equal(uint32(0), r.PushConstants[0].Offset)
	assert.Equal(uint32(12), r.PushConstants[0].Size)
}

func TestReflect_UnusedBindingsIgnored(t *testing.T) {
	assert := assert.New(t)

	for _, legacy := range []bool{false, true} {
		code := spirvtest.Module{
			Buffers: []spirvtest.Buffer{
				{Set: 0, Binding: 0},
				{Set: 0, Binding: 1, Unused: true},
				{Set: 1, Binding: 0, Unused: true},
			},
			Legacy: legacy,
		}.Build()

		r, err := spirv.Reflect(code, "main")
		require.NoError(t, err)
		require.Len(t, r.Sets, 1, "legacy: %v", legacy)
		assert.Len(r.Sets[0], 1)
		assert.Equal(uint32(0), r.Sets[0][0].Binding)
	}
}

func TestReflect_SpecConstants(t *testing.T) {
	assert := assert.New(t)

	code := spirvtest.Module{
		LocalSize:        [3]uint32{8, 4, 1},
		LocalSizeSpecIDs: &[3]uint32{100, 101, 102},
		SpecConstants:    []spirvtest.SpecConstant{{ID: 1, Default: 7}, {ID: 0, Default: 3}},
	}.Build()

	r, err := spirv.Reflect(code, "main")
	require.NoError(t, err)

	assert.Equal([3]spirv.Constant{
		{Value: 100, IsSpecConstant: true},
		{Value: 101, IsSpecConstant: true},
		{Value: 102, IsSpecConstant: true},
	}, r.LocalSize)
	assert.Equal([]uint32{0, 1, 100, 101, 102}, r.SpecConstantIDs)
	assert.Equal(uint32(3), r.SpecConstantDefaults[0])
	assert.Equal(uint32(7), r.SpecConstantDefaults[1])
	assert.Equal(uint32(8), r.SpecConstantDefaults[100])
	assert.Equal(uint32(4), r.SpecConstantDefaults[101])
	assert.Empty(r.Sets)
	assert.Empty(r.PushConstants)
}

func TestReflect_Errors(t *testing.T) {
	assert := assert.New(t)

	code := spirvtest.Module{EntryPoint: "main"}.Build()

	_, err := spirv.Reflect(code, "missing")
	if assert.Error(err) {
		assert.Contains(err.Error(), `"missing"`)
		assert.Contains(err.Error(), `"main"`)
	}

	_, err = spirv.Reflect(code[:3], "main")
	assert.Error(err)

	bad := append([]uint32{}, code...)
	bad[0] = 0xDEADBEEF
	_, err = spirv.Reflect(bad, "main")
	assert.Error(err)

	truncated := append([]uint32{}, code[:len(code)-1]...)
	truncated[len(truncated)-1] = 0xFFFF0000
	_, err = spirv.Reflect(truncated, "main")
	assert.Error(err)

	_, err = spirv.Words([]byte{1, 2, 3})
	assert.Error(err)
}

func TestWords(t *testing.T) {
	assert := assert.New(t)

	words, err := spirv.Words([]byte{0x03, 0x02, 0x23, 0x07, 1, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal([]uint32{spirv.Magic, 1}, words)
}
