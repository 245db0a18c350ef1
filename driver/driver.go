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

// Package driver defines the low level compute API the vxc runtime is built on
// and a registry of named implementations.
package driver

import (
	"slices"
	"sync"

	"goarrg.com/debug"
)

type InstanceConfig struct {
	AppName          string
	API              uint32
	EnableValidation bool
}

type DeviceConfig struct {
	RequiredExtensions []string
	OptionalExtensions []string
	// Size of the memory blocks buffers are suballocated from.
	BlockSize uint64
}

type Driver interface {
	Name() string
	Open(InstanceConfig) error
	Adapters() ([]Adapter, error)
	Close()
}

type Adapter interface {
	Info() AdapterInfo
	Open(DeviceConfig) (Device, error)
}

type Device interface {
	// Info returns the adapter info with Extensions narrowed to the enabled set.
	Info() AdapterInfo

	Allocate(size uint64, usage BufferUsage, class MemoryClass) (Allocation, error)
	CreateDescriptorSetLayout(bindings []LayoutBinding) (DescriptorSetLayout, error)
	// CreateDescriptorSet allocates one set from a pool dedicated to it.
	CreateDescriptorSet(layout DescriptorSetLayout, writes []BufferWrite) (DescriptorSet, error)
	CreateShaderModule(code []uint32) (ShaderModule, error)
	CreateComputePipeline(info ComputePipelineInfo) (Pipeline, error)
	CreateCommandBuffer() (CommandBuffer, error)
	CreateFence() (Fence, error)
	CreateSemaphore() (Semaphore, error)

	Submit(info SubmitInfo) error
	// WaitFences blocks until every fence is signaled, there is no timeout.
	WaitFences(fences ...Fence) error
	WaitIdle() error
	Destroy()
}

type Allocation interface {
	Size() uint64
	Map() ([]byte, error)
	Unmap()
	// Address fails with ErrorUnsupported when the device lacks buffer device address.
	Address() (uint64, error)
	Free()
}

type DescriptorSetLayout interface {
	Bindings() []LayoutBinding
	Destroy()
}

type DescriptorSet interface {
	Destroy()
}

type ShaderModule interface {
	Destroy()
}

type Pipeline interface {
	Destroy()
}

type CommandBuffer interface {
	// Reset discards everything recorded, the command buffer must not be pending.
	Reset() error
	Begin() error
	End() error

	BindPipeline(p Pipeline)
	BindDescriptorSet(p Pipeline, index uint32, set DescriptorSet)
	PushConstants(p Pipeline, offset uint32, data []byte)
	Dispatch(x, y, z uint32)
	CopyBuffer(src, dst Allocation, region BufferCopy)
	Barrier(b BufferBarrier)

	Destroy()
}

type Fence interface {
	Signaled() bool
	Reset() error
	Destroy()
}

type Semaphore interface {
	Destroy()
}

type ErrorUnsupported struct{}

func (ErrorUnsupported) Is(target error) bool {
	_, ok := target.(ErrorUnsupported)
	return ok
}

func (ErrorUnsupported) Error() string {
	return "Unsupported"
}

var registry = struct {
	sync.Mutex
	factories map[string]func() Driver
}{
	factories: map[string]func() Driver{},
}

// Register makes a driver available by name, it is meant to be called from init.
// Registering the same name twice panics.
func Register(name string, factory func() Driver) {
	registry.Lock()
	defer registry.Unlock()

	if _, ok := registry.factories[name]; ok {
		panic("driver: Register called twice for " + name)
	}
	registry.factories[name] = factory
}

// New returns a fresh, unopened instance of the named driver.
func New(name string) (Driver, error) {
	registry.Lock()
	factory, ok := registry.factories[name]
	registry.Unlock()

	if !ok {
		return nil, debug.Errorf("Unknown driver %q, registered drivers: %v", name, Drivers())
	}
	return factory(), nil
}

func Drivers() []string {
	registry.Lock()
	defer registry.Unlock()

	names := make([]string, 0, len(registry.factories))
	for k := range registry.factories {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
