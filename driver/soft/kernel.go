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

	"goarrg.com/rhi/vxc/internal/util"
)

// Kernel is run once per invocation of a dispatch.
type Kernel func(inv *Invocation)

var kernels = struct {
	sync.RWMutex
	m map[string]Kernel
}{
	m: map[string]Kernel{},
}

// RegisterKernel makes k the implementation of every pipeline created with
// entryPoint, replacing any previous registration.
func RegisterKernel(entryPoint string, k Kernel) {
	kernels.Lock()
	defer kernels.Unlock()
	kernels.m[entryPoint] = k
}

func lookupKernel(entryPoint string) (Kernel, bool) {
	kernels.RLock()
	defer kernels.RUnlock()
	k, ok := kernels.m[entryPoint]
	return k, ok
}

// Invocation is only valid for the duration of the Kernel call.
type Invocation struct {
	GlobalID      [3]uint32
	LocalID       [3]uint32
	WorkGroupID   [3]uint32
	NumWorkGroups [3]uint32
	LocalSize     [3]uint32

	dispatch *dispatchState
}

type dispatchState struct {
	mem   *memory
	sets  map[uint32]*descriptorSet
	push  []byte
	specs map[uint32]uint32
}

// LocalIndex is the flattened LocalID.
func (inv *Invocation) LocalIndex() uint32 {
	return inv.LocalID[0] + inv.LocalID[1]*inv.LocalSize[0] + inv.LocalID[2]*inv.LocalSize[0]*inv.LocalSize[1]
}

// Buffer returns the bound range of set/binding, nil if nothing is bound there.
func (inv *Invocation) Buffer(set, binding uint32) []byte {
	return inv.BufferElement(set, binding, 0)
}

func (inv *Invocation) BufferElement(set, binding, element uint32) []byte {
	s, ok := inv.dispatch.sets[set]
	if !ok {
		return nil
	}
	return s.bytes(binding, element)
}

func (inv *Invocation) PushConstants() []byte {
	return inv.dispatch.push
}

// Spec returns the value of the specialization constant with id, 0 if unset.
func (inv *Invocation) Spec(id uint32) uint32 {
	return inv.dispatch.specs[id]
}

// Deref resolves a buffer device address, it panics on an invalid address
// like an out of bounds access would fault.
func (inv *Invocation) Deref(addr, size uint64) []byte {
	b, err := inv.dispatch.mem.resolve(addr, size)
	if err != nil {
		panic(err)
	}
	return b
}

// As reinterprets bound memory as a slice of T.
func As[T any](b []byte) []T {
	return util.FromBytes[T](b)
}
