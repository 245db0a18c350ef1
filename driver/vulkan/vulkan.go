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

// Package vulkan implements the driver API on top of github.com/vulkan-go/vulkan.
package vulkan

import (
	"slices"

	vk "github.com/vulkan-go/vulkan"

	"goarrg.com/debug"
	"goarrg.com/rhi/vxc/driver"
)

var logger = debug.NewLogger("vxc", "driver", "vulkan")

const Name = "vulkan"

func init() {
	driver.Register(Name, func() driver.Driver { return &Driver{} })
}

func vkResult(ret vk.Result, fmt string, args ...any) error {
	if ret == vk.Success {
		return nil
	}
	return debug.ErrorWrapf(vk.Error(ret), fmt, args...)
}

func cString(s string) string {
	return s + "\x00"
}

func cStrings(s []string) []string {
	ret := make([]string, len(s))
	for i, str := range s {
		ret[i] = cString(str)
	}
	return ret
}

type Driver struct {
	instance vk.Instance
	layers   []string
}

func (*Driver) Name() string {
	return Name
}

func (d *Driver) Open(config driver.InstanceConfig) error {
	if d.instance != nil {
		return debug.Errorf("Driver already open")
	}

	vk.SetDefaultGetInstanceProcAddr()
	if err := vk.Init(); err != nil {
		return debug.ErrorWrapf(err, "Failed to load vulkan")
	}

	if config.EnableValidation {
		available, err := instanceLayers()
		if err != nil {
			return err
		}
		if slices.Contains(available, "VK_LAYER_KHRONOS_validation") {
			d.layers = []string{"VK_LAYER_KHRONOS_validation"}
		} else {
			logger.WPrintf("Validation requested but VK_LAYER_KHRONOS_validation is not available")
		}
	}

	api := config.API
	if api == 0 {
		api = vk.MakeVersion(1, 1, 0)
	}

	var instance vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:            vk.StructureTypeApplicationInfo,
			ApiVersion:       api,
			PApplicationName: cString(config.AppName),
			PEngineName:      cString("goarrg.com/rhi/vxc"),
		},
		EnabledLayerCount:   uint32(len(d.layers)),
		PpEnabledLayerNames: cStrings(d.layers),
	}, nil, &instance)
	if err := vkResult(ret, "Failed to create instance"); err != nil {
		return err
	}
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, nil)
		return debug.ErrorWrapf(err, "Failed to init instance")
	}

	d.instance = instance
	logger.IPrintf("Created instance: api %d.%d.%d layers %v", api>>22, (api>>12)&0x3FF, api&0xFFF, d.layers)
	return nil
}

func instanceLayers() ([]string, error) {
	var count uint32
	if err := vkResult(vk.EnumerateInstanceLayerProperties(&count, nil), "Failed to enumerate layers"); err != nil {
		return nil, err
	}
	list := make([]vk.LayerProperties, count)
	if err := vkResult(vk.EnumerateInstanceLayerProperties(&count, list), "Failed to enumerate layers"); err != nil {
		return nil, err
	}
	names := make([]string, 0, count)
	for _, l := range list {
		l.Deref()
		names = append(names, vk.ToString(l.LayerName[:]))
	}
	return names, nil
}

func deviceExtensions(gpu vk.PhysicalDevice) ([]string, error) {
	var count uint32
	if err := vkResult(vk.EnumerateDeviceExtensionProperties(gpu, "", &count, nil), "Failed to enumerate extensions"); err != nil {
		return nil, err
	}
	list := make([]vk.ExtensionProperties, count)
	if err := vkResult(vk.EnumerateDeviceExtensionProperties(gpu, "", &count, list), "Failed to enumerate extensions"); err != nil {
		return nil, err
	}
	names := make([]string, 0, count)
	for _, ext := range list {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	slices.Sort(names)
	return names, nil
}

func (d *Driver) Adapters() ([]driver.Adapter, error) {
	if d.instance == nil {
		return nil, debug.Errorf("Driver not open")
	}

	var count uint32
	if err := vkResult(vk.EnumeratePhysicalDevices(d.instance, &count, nil), "Failed to enumerate physical devices"); err != nil {
		return nil, err
	}
	gpus := make([]vk.PhysicalDevice, count)
	if err := vkResult(vk.EnumeratePhysicalDevices(d.instance, &count, gpus), "Failed to enumerate physical devices"); err != nil {
		return nil, err
	}

	adapters := make([]driver.Adapter, 0, count)
	for _, gpu := range gpus[:count] {
		a, err := newAdapter(d, gpu)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

func (d *Driver) Close() {
	if d.instance == nil {
		return
	}
	vk.DestroyInstance(d.instance, nil)
	d.instance = nil
	logger.IPrintf("Destroyed instance")
}

type adapter struct {
	drv         *Driver
	gpu         vk.PhysicalDevice
	info        driver.AdapterInfo
	memory      vk.PhysicalDeviceMemoryProperties
	queueFamily uint32
}

func newAdapter(d *Driver, gpu vk.PhysicalDevice) (*adapter, error) {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(gpu, &props)
	props.Deref()
	props.Limits.Deref()

	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(gpu, &features)
	features.Deref()

	var memory vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(gpu, &memory)
	memory.Deref()

	extensions, err := deviceExtensions(gpu)
	if err != nil {
		return nil, err
	}

	a := &adapter{drv: d, gpu: gpu, memory: memory, queueFamily: ^uint32(0)}

	{
		var count uint32
		vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, nil)
		families := make([]vk.QueueFamilyProperties, count)
		vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, families)

		// prefer a dedicated compute family, fall back to any family with compute
		for i, f := range families {
			f.Deref()
			flags := f.QueueFlags
			if flags&vk.QueueFlags(vk.QueueComputeBit) == 0 {
				continue
			}
			if flags&vk.QueueFlags(vk.QueueGraphicsBit) == 0 {
				a.queueFamily = uint32(i)
				break
			}
			if a.queueFamily == ^uint32(0) {
				a.queueFamily = uint32(i)
			}
		}
	}

	var largestHeap uint64
	for i := uint32(0); i < memory.MemoryHeapCount; i++ {
		memory.MemoryHeaps[i].Deref()
		largestHeap = max(largestHeap, uint64(memory.MemoryHeaps[i].Size))
	}

	limits := props.Limits
	a.info = driver.AdapterInfo{
		Name:          vk.ToString(props.DeviceName[:]),
		VendorID:      props.VendorID,
		DeviceID:      props.DeviceID,
		Type:          adapterType(props.DeviceType),
		API:           props.ApiVersion,
		DriverVersion: props.DriverVersion,
		Limits: driver.Limits{
			MaxAllocationSize:               largestHeap,
			MaxMemoryAllocationCount:        limits.MaxMemoryAllocationCount,
			MaxBoundDescriptorSets:          limits.MaxBoundDescriptorSets,
			MaxPushConstantsSize:            limits.MaxPushConstantsSize,
			MaxStorageBufferRange:           uint64(limits.MaxStorageBufferRange),
			MinStorageBufferOffsetAlignment: uint64(limits.MinStorageBufferOffsetAlignment),
			MaxComputeWorkGroupCount:        limits.MaxComputeWorkGroupCount,
			MaxComputeWorkGroupSize:         limits.MaxComputeWorkGroupSize,
			MaxComputeWorkGroupInvocations:  limits.MaxComputeWorkGroupInvocations,
			MinSubgroupSize:                 1,
			MaxSubgroupSize:                 1,
		},
		Features: driver.Features{
			ShaderFloat64: features.ShaderFloat64 == vk.True,
			ShaderInt64:   features.ShaderInt64 == vk.True,
			ShaderInt16:   features.ShaderInt16 == vk.True,
		},
		Extensions: extensions,
	}

	return a, nil
}

func adapterType(t vk.PhysicalDeviceType) driver.AdapterType {
	switch t {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return driver.AdapterTypeIntegrated
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return driver.AdapterTypeDiscrete
	case vk.PhysicalDeviceTypeVirtualGpu:
		return driver.AdapterTypeVirtual
	case vk.PhysicalDeviceTypeCpu:
		return driver.AdapterTypeCPU
	default:
		return driver.AdapterTypeOther
	}
}

func (a *adapter) Info() driver.AdapterInfo {
	return a.info
}

func (a *adapter) Open(config driver.DeviceConfig) (driver.Device, error) {
	if a.queueFamily == ^uint32(0) {
		return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "%q has no compute queue", a.info.Name)
	}

	var enabled []string
	for _, ext := range config.RequiredExtensions {
		if !slices.Contains(a.info.Extensions, ext) {
			return nil, debug.ErrorWrapf(driver.ErrorUnsupported{}, "%q missing required extension: %s", a.info.Name, ext)
		}
		enabled = append(enabled, ext)
	}
	for _, ext := range config.OptionalExtensions {
		if slices.Contains(a.info.Extensions, ext) && !slices.Contains(enabled, ext) {
			enabled = append(enabled, ext)
		}
	}

	var dev vk.Device
	ret := vk.CreateDevice(a.gpu, &vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: a.queueFamily,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}},
		EnabledExtensionCount:   uint32(len(enabled)),
		PpEnabledExtensionNames: cStrings(enabled),
		EnabledLayerCount:       uint32(len(a.drv.layers)),
		PpEnabledLayerNames:     cStrings(a.drv.layers),
	}, nil, &dev)
	if err := vkResult(ret, "Failed to create device for %q", a.info.Name); err != nil {
		return nil, err
	}

	info := a.info
	info.Extensions = enabled
	return newDevice(a, dev, info, config.BlockSize)
}
