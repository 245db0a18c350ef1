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
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"goarrg.com/debug"
	"goarrg.com/rhi/vxc/driver"
)

type commandState uint32

const (
	commandStateInitial commandState = iota
	commandStateRecording
	commandStateExecutable
)

type command func(d *device)

type commandBuffer struct {
	state    commandState
	pending  atomic.Bool
	commands []command

	pipeline *pipeline
	sets     map[uint32]*descriptorSet
	push     [256]byte
	barriers int
}

func (d *device) CreateCommandBuffer() (driver.CommandBuffer, error) {
	return &commandBuffer{sets: map[uint32]*descriptorSet{}}, nil
}

func (cb *commandBuffer) markPending() error {
	if cb.state != commandStateExecutable {
		return debug.Errorf("Submit of command buffer that is not executable")
	}
	if !cb.pending.CompareAndSwap(false, true) {
		return debug.Errorf("Submit of pending command buffer")
	}
	return nil
}

func (cb *commandBuffer) Reset() error {
	if cb.pending.Load() {
		return debug.Errorf("Reset of pending command buffer")
	}
	cb.state = commandStateInitial
	cb.commands = nil
	cb.pipeline = nil
	clear(cb.sets)
	cb.push = [256]byte{}
	cb.barriers = 0
	return nil
}

func (cb *commandBuffer) Begin() error {
	if cb.state != commandStateInitial {
		return debug.Errorf("Begin of command buffer that was not reset")
	}
	cb.state = commandStateRecording
	return nil
}

func (cb *commandBuffer) End() error {
	if cb.state != commandStateRecording {
		return debug.Errorf("End of command buffer that is not recording")
	}
	cb.state = commandStateExecutable
	return nil
}

func (cb *commandBuffer) record(c command) {
	if cb.state != commandStateRecording {
		panic("soft: command recorded outside of Begin/End")
	}
	cb.commands = append(cb.commands, c)
}

func (cb *commandBuffer) BindPipeline(p driver.Pipeline) {
	cb.pipeline = p.(*pipeline)
}

func (cb *commandBuffer) BindDescriptorSet(p driver.Pipeline, index uint32, set driver.DescriptorSet) {
	cb.sets[index] = set.(*descriptorSet)
}

func (cb *commandBuffer) PushConstants(p driver.Pipeline, offset uint32, data []byte) {
	copy(cb.push[offset:], data)
}

func (cb *commandBuffer) Dispatch(x, y, z uint32) {
	if cb.pipeline == nil {
		panic("soft: Dispatch without a bound pipeline")
	}

	p := cb.pipeline
	sets := make(map[uint32]*descriptorSet, len(cb.sets))
	for k, v := range cb.sets {
		sets[k] = v
	}
	push := append([]byte(nil), cb.push[:p.pushSize]...)
	groups := [3]uint32{x, y, z}

	cb.record(func(d *device) {
		state := &dispatchState{mem: d.mem, sets: sets, push: push, specs: p.specs}
		run(p, state, groups)
	})
}

func (cb *commandBuffer) CopyBuffer(src, dst driver.Allocation, region driver.BufferCopy) {
	s := src.(*allocation)
	t := dst.(*allocation)
	cb.record(func(*device) {
		copy(t.bytes()[region.DstOffset:region.DstOffset+region.Size], s.bytes()[region.SrcOffset:region.SrcOffset+region.Size])
	})
}

// Barrier is a no-op, commands of one submission run in order.
func (cb *commandBuffer) Barrier(driver.BufferBarrier) {
	cb.barriers++
}

func (cb *commandBuffer) Destroy() {}

func (cb *commandBuffer) execute(d *device) {
	for _, c := range cb.commands {
		c(d)
	}
}

// run executes every workgroup of a dispatch, workgroups run in parallel.
func run(p *pipeline, state *dispatchState, groups [3]uint32) {
	g := errgroup.Group{}
	g.SetLimit(runtime.GOMAXPROCS(0))

	for gz := uint32(0); gz < groups[2]; gz++ {
		for gy := uint32(0); gy < groups[1]; gy++ {
			for gx := uint32(0); gx < groups[0]; gx++ {
				group := [3]uint32{gx, gy, gz}
				g.Go(func() error {
					inv := Invocation{
						WorkGroupID:   group,
						NumWorkGroups: groups,
						LocalSize:     p.localSize,
						dispatch:      state,
					}
					for lz := uint32(0); lz < p.localSize[2]; lz++ {
						for ly := uint32(0); ly < p.localSize[1]; ly++ {
							for lx := uint32(0); lx < p.localSize[0]; lx++ {
								inv.LocalID = [3]uint32{lx, ly, lz}
								for i := range 3 {
									inv.GlobalID[i] = group[i]*p.localSize[i] + inv.LocalID[i]
								}
								p.kernel(&inv)
							}
						}
					}
					return nil
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		logger.EPrintf("Dispatch of %q failed: %s", p.entry, err)
	}
}
