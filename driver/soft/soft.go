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

// Package soft is a CPU implementation of the driver API. Shader modules are
// not executed, instead pipelines run the Go Kernel registered under their
// entry point name. Every submission runs on its own goroutine after its
// semaphore waits, like work on a GPU queue.
package soft

import (
	"runtime"
	"slices"

	"goarrg.com/debug"
	"goarrg.com/rhi/vxc/driver"
)

var logger = debug.NewLogger("vxc", "driver", "soft")

const Name = "soft"

func init() {
	driver.Register(Name, func() driver.Driver { return New(Options{}) })
}

type Options struct {
	// Adapters defaults to a single adapter with DefaultAdapterInfo.
	Adapters []driver.AdapterInfo
}

func DefaultAdapterInfo() driver.AdapterInfo {
	return driver.AdapterInfo{
		Name:          "vxc soft",
		Type:          driver.AdapterTypeCPU,
		API:           1<<22 | 3<<12,
		DriverVersion: 1,
		Limits: driver.Limits{
			MaxAllocationSize:               1 << 30,
			MaxMemoryAllocationCount:        4096,
			MaxBoundDescriptorSets:          8,
			MaxPushConstantsSize:            128,
			MaxStorageBufferRange:           1 << 30,
			MinStorageBufferOffsetAlignment: 4,
			MaxComputeWorkGroupCount:        [3]uint32{65535, 65535, 65535},
			MaxComputeWorkGroupSize:         [3]uint32{1024, 1024, 64},
			MaxComputeWorkGroupInvocations:  1024,
			MinSubgroupSize:                 1,
			MaxSubgroupSize:                 1,
		},
		Features: driver.Features{
			BufferDeviceAddress: true,
			ShaderFloat64:       true,
			ShaderInt64:         true,
			ShaderInt16:         true,
			ShaderInt8:          true,
		},
		Extensions: []string{"VK_KHR_buffer_device_address", "VK_KHR_shader_non_semantic_info"},
	}
}

type Driver struct {
	opts   Options
	opened bool
}

func New(opts Options) *Driver {
	if len(opts.Adapters) == 0 {
		opts.Adapters = []driver.AdapterInfo{DefaultAdapterInfo()}
	}
	return &Driver{opts: opts}
}

func (*Driver) Name() string {
	return Name
}

func (d *Driver) Open(config driver.InstanceConfig) error {
	if d.opened {
		return debug.Errorf("Driver already open")
	}
	d.opened = true
	logger.IPrintf("Opened for %q, %d CPUs", config.AppName, runtime.NumCPU())
	return nil
}

func (d *Driver) Adapters() ([]driver.Adapter, error) {
	if !d.opened {
		return nil, debug.Errorf("Driver not open")
	}
	adapters := make([]driver.Adapter, len(d.opts.Adapters))
	for i, info := range d.opts.Adapters {
		adapters[i] = &adapter{info: info}
	}
	return adapters, nil
}

func (d *Driver) Close() {
	d.opened = false
}

type adapter struct {
	info driver.AdapterInfo
}

func (a *adapter) Info() driver.AdapterInfo {
	return a.info
}

func (a *adapter) Open(config driver.DeviceConfig) (driver.Device, error) {
	info := a.info
	info.Extensions = nil

	for _, ext := range config.RequiredExtensions {
		if !slices.Contains(a.info.Extensions, ext) {
			return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "Missing required extension: %s", ext)
		}
		info.Extensions = append(info.Extensions, ext)
	}
	for _, ext := range config.OptionalExtensions {
		if slices.Contains(a.info.Extensions, ext) && !slices.Contains(info.Extensions, ext) {
			info.Extensions = append(info.Extensions, ext)
		}
	}

	return newDevice(info, config.BlockSize), nil
}
