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
	"fmt"
	"maps"
	"slices"

	"goarrg.com/debug"

	"goarrg.com/rhi/vxc/internal/spirv"
	"goarrg.com/rhi/vxc/internal/util"
)

// KernelProgram creates pipelines on demand for modules whose local size is
// given by specialization constants 0, 1 and 2, as emitted by clspv.
type KernelProgram struct {
	noCopy    util.NoCopy
	device    *Device
	module    *ShaderModule
	pipelines map[string]*Pipeline
}

func (k *KernelProgram) pipelineLocked(entryPoint string, localSize [3]uint32) (*Pipeline, error) {
	id := genID(entryPoint, fmt.Sprintf("%d", localSize[0]), fmt.Sprintf("%d", localSize[1]), fmt.Sprintf("%d", localSize[2]))
	if p, ok := k.pipelines[id]; ok && p.noCopy.Alive() {
		return p, nil
	}

	if err := k.module.checkLocked(); err != nil {
		return nil, err
	}
	r, err := spirv.Reflect(k.module.spirv, entryPoint)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to reflect kernel %q", entryPoint)
	}
	for i, c := range r.LocalSize {
		if !c.IsSpecConstant || c.Value != uint32(i) {
			return nil, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "Kernel %q local size [%d] is not spec constant [%d]", entryPoint, i, i)
		}
	}
	if len(r.SpecConstantIDs) != 3 {
		return nil, debug.ErrorWrapf(ErrorUnsupportedCapability{}, "Kernel %q has [%d] spec constants, only the local size is supported",
			entryPoint, len(r.SpecConstantIDs))
	}

	push := []byte{}
	if len(r.PushConstants) == 1 {
		push = make([]byte, r.PushConstants[0].Size)
	}

	p, err := k.device.createPipelineLocked(k.module, entryPoint, PackConstants(localSize[:]...), push)
	if err != nil {
		return nil, err
	}
	k.pipelines[id] = p
	return p, nil
}

// Dispatch runs entryPoint over global invocations in groups of local, both
// default to 1 in missing dimensions. The global size is rounded up to whole
// work groups so kernels must bounds check.
func (k *KernelProgram) Dispatch(entryPoint string, global, local []uint32, buffers []*Buffer, pushConstants []byte) (*CommandSequence, error) {
	k.device.mtx.Lock()
	defer k.device.mtx.Unlock()

	if !k.noCopy.Alive() {
		return nil, debug.ErrorWrapf(ErrorUseAfterFree{}, "KernelProgram has been destroyed")
	}
	if err := k.device.checkLocked(); err != nil {
		return nil, err
	}
	if len(global) > 3 || len(local) > 3 {
		return nil, debug.ErrorWrapf(ErrorSizeMismatch{}, "Global [%d] and local [%d] sizes must have at most 3 dimensions", len(global), len(local))
	}

	g := [3]uint32{1, 1, 1}
	l := [3]uint32{1, 1, 1}
	copy(g[:], global)
	copy(l[:], local)

	groups := make([]uint32, 3)
	for i := range 3 {
		if l[i] == 0 {
			return nil, debug.ErrorWrapf(ErrorSizeMismatch{}, "Local size [%d] is 0", i)
		}
		groups[i] = ceilDiv(g[i], l[i])
	}

	p, err := k.pipelineLocked(entryPoint, l)
	if err != nil {
		return nil, err
	}
	return k.device.dispatchPipelineLocked(p, groups, buffers, pushConstants)
}

// Pipelines is the number of cached pipelines.
func (k *KernelProgram) Pipelines() int {
	k.device.mtx.Lock()
	defer k.device.mtx.Unlock()
	return len(k.pipelines)
}

// Destroy releases every cached pipeline. It fails with ErrorConcurrentUse,
// destroying nothing, while a sequence that recorded one of them has not
// been submitted.
func (k *KernelProgram) Destroy() error {
	k.device.mtx.Lock()
	defer k.device.mtx.Unlock()

	if !k.noCopy.Alive() {
		return nil
	}
	for _, key := range slices.Sorted(maps.Keys(k.pipelines)) {
		p := k.pipelines[key]
		if s := k.device.pipelineUserLocked(p); s != nil {
			return debug.ErrorWrapf(ErrorConcurrentUse{}, "Kernel %q is recorded in sequence %d", p.entryPoint, s.id)
		}
	}
	if len(k.pipelines) > 0 && k.device.noCopy.Alive() {
		if err := k.device.syncLocked(); err != nil {
			return debug.ErrorWrapf(err, "Failed to sync before destroying kernel program")
		}
	}
	for _, p := range k.pipelines {
		p.destroyLocked()
	}
	clear(k.pipelines)
	k.noCopy.Close()
	return nil
}
