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
	"sync"

	"goarrg.com/debug"
	"golang.org/x/sync/errgroup"

	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/internal/util"
)

// Instance exposes the adapters of one driver and lazily opens a Device per
// adapter, caching it until the Instance is destroyed.
type Instance struct {
	noCopy util.NoCopy
	mtx    sync.Mutex

	config   Config
	driver   driver.Driver
	adapters []driver.Adapter
	visible  []int
	devices  []*Device
}

func NewInstance(config Config) (*Instance, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	global.logger.IPrintf("User requested config: %s", prettyString(&config))

	drv, err := driver.New(config.Driver)
	if err != nil {
		return nil, err
	}
	err = drv.Open(driver.InstanceConfig{
		AppName:          config.AppName,
		API:              config.API,
		EnableValidation: config.EnableValidation,
	})
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to open driver %q", config.Driver)
	}

	adapters, err := drv.Adapters()
	if err != nil {
		drv.Close()
		return nil, debug.ErrorWrapf(err, "Failed to enumerate adapters of driver %q", config.Driver)
	}

	i := &Instance{
		config:   config,
		driver:   drv,
		adapters: adapters,
		visible:  visibleAdapters(config.VisibleDevices, len(adapters)),
	}
	if len(adapters) == 0 {
		i.visible = nil
	}
	i.devices = make([]*Device, len(i.visible))
	i.noCopy.Init()

	for n, a := range i.visible {
		info := adapters[a].Info()
		global.logger.IPrintf("Device [%d]: adapter [%d] %q (%s)", n, a, info.Name, info.Type)
	}
	return i, nil
}

// DeviceCount is the number of visible adapters.
func (i *Instance) DeviceCount() int {
	return len(i.visible)
}

// Adapters returns the properties of the visible adapters, indexed like Device.
func (i *Instance) Adapters() []Properties {
	ret := make([]Properties, 0, len(i.visible))
	for _, a := range i.visible {
		ret = append(ret, newProperties(i.adapters[a].Info()))
	}
	return ret
}

// Device returns the device of the index-th visible adapter, opening it on first use.
func (i *Instance) Device(index int) (*Device, error) {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	if !i.noCopy.Alive() {
		return nil, debug.ErrorWrapf(ErrorUseAfterFree{}, "Instance has been destroyed")
	}
	if index < 0 || index >= len(i.visible) {
		return nil, debug.ErrorWrapf(ErrorDeviceNotFound{}, "Device [%d] not in [0, %d)", index, len(i.visible))
	}
	if d := i.devices[index]; d != nil && d.noCopy.Alive() {
		return d, nil
	}

	dev, err := i.adapters[i.visible[index]].Open(driver.DeviceConfig{
		RequiredExtensions: i.config.RequiredExtensions,
		OptionalExtensions: i.config.OptionalExtensions,
		BlockSize:          i.config.BlockSize,
	})
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to open device [%d]", index)
	}

	d := newDevice(index, i.config, dev)
	global.logger.IPrintf("Device [%d]: %s", index, prettyString(&d.properties))
	i.devices[index] = d
	return d, nil
}

// SyncAll waits for the submitted work of every opened device.
func (i *Instance) SyncAll() error {
	i.mtx.Lock()
	devices := make([]*Device, 0, len(i.devices))
	for _, d := range i.devices {
		if d != nil {
			devices = append(devices, d)
		}
	}
	i.mtx.Unlock()

	g := errgroup.Group{}
	for _, d := range devices {
		g.Go(func() error {
			d.mtx.Lock()
			defer d.mtx.Unlock()

			if !d.noCopy.Alive() {
				return nil
			}
			return d.syncLocked()
		})
	}
	return g.Wait()
}

func (i *Instance) Destroy() {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	if !i.noCopy.Alive() {
		return
	}
	for _, d := range i.devices {
		if d != nil {
			d.Destroy()
		}
	}
	i.devices = nil
	i.driver.Close()
	i.noCopy.Close()
}
