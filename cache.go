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
	"bytes"
	"fmt"

	"goarrg.com/debug"

	"goarrg.com/rhi/vxc/driver"
)

type descriptorSetLayout struct {
	id       string
	bindings []driver.LayoutBinding
	handle   driver.DescriptorSetLayout
}

// descriptorCount is the number of buffers a set with this layout consumes.
func (l *descriptorSetLayout) descriptorCount() int {
	n := 0
	for _, b := range l.bindings {
		n += int(b.Count)
	}
	return n
}

func layoutID(bindings []driver.LayoutBinding) string {
	items := make([]any, 0, len(bindings))
	for _, b := range bindings {
		items = append(items, fmt.Sprintf("%d:%s:%d:%s", b.Binding, b.Type, b.Count, b.Stage))
	}
	return genID(items...)
}

type descriptorSetLayoutCache struct {
	device driver.Device
	cache  map[string]*descriptorSetLayout
}

func (c *descriptorSetLayoutCache) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	{
		err := mapRunFuncSorted(c.cache, func(k string, v *descriptorSetLayout) error {
			buff.WriteString(fmt.Sprintf("%q: %d,", k, len(v.bindings)))
			return nil
		})
		if err == nil {
			buff.Truncate(buff.Len() - 1)
		}
	}

	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (c *descriptorSetLayoutCache) createOrRetrieveDescriptorSetLayout(bindings []driver.LayoutBinding) (*descriptorSetLayout, error) {
	id := layoutID(bindings)
	if l, ok := c.cache[id]; ok {
		return l, nil
	}

	handle, err := c.device.CreateDescriptorSetLayout(bindings)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to create descriptor set layout %s", id)
	}
	l := &descriptorSetLayout{
		id:       id,
		bindings: append([]driver.LayoutBinding{}, bindings...),
		handle:   handle,
	}
	c.cache[id] = l
	return l, nil
}

func (c *descriptorSetLayoutCache) destroy() {
	for _, l := range c.cache {
		l.handle.Destroy()
	}
	clear(c.cache)
}

type descriptorSet struct {
	id      string
	layout  *descriptorSetLayout
	buffers []BufferID
	handle  driver.DescriptorSet
}

func (s *descriptorSet) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"layout\": %q,", s.layout.id))
	buff.WriteString("\"buffers\": [")
	if len(s.buffers) > 0 {
		for _, b := range s.buffers {
			buff.WriteString(fmt.Sprintf("%q,", toHex(b)))
		}
		buff.Truncate(buff.Len() - 1)
	}
	buff.WriteString("]")

	buff.WriteString("}")
	return buff.Bytes(), nil
}

// descriptorSetCache owns one driver descriptor set per distinct
// (layout, ordered buffer list). Entries are indexed by every buffer they
// reference so deallocation only touches the sets it invalidates.
type descriptorSetCache struct {
	device  driver.Device
	cache   map[string]*descriptorSet
	buffers map[BufferID]map[string]struct{}
}

func (c *descriptorSetCache) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	{
		buff.WriteString("\"cache\": {")
		err := mapRunFuncSorted(c.cache, func(k string, v *descriptorSet) error {
			buff.WriteString(fmt.Sprintf("%q: %s,", k, jsonString(v)))
			return nil
		})
		if err == nil {
			buff.Truncate(buff.Len() - 1)
		}
		buff.WriteString("},")
	}
	{
		buff.WriteString("\"buffers\": {")
		err := mapRunFuncSorted(c.buffers, func(k BufferID, v map[string]struct{}) error {
			buff.WriteString(fmt.Sprintf("%q: %d,", toHex(k), len(v)))
			return nil
		})
		if err == nil {
			buff.Truncate(buff.Len() - 1)
		}
		buff.WriteString("}")
	}

	buff.WriteString("}")
	return buff.Bytes(), nil
}

// createOrRetrieveDescriptorSet expects one buffer per descriptor of layout,
// in binding order.
func (c *descriptorSetCache) createOrRetrieveDescriptorSet(layout *descriptorSetLayout, buffers []*Buffer) (*descriptorSet, error) {
	if len(buffers) != layout.descriptorCount() {
		abort("Layout %s expects %d buffers, got %d", layout.id, layout.descriptorCount(), len(buffers))
	}

	items := make([]any, 0, len(buffers)+1)
	for _, b := range buffers {
		items = append(items, b.id)
	}
	items = append(items, layout.id)
	id := genID(items...)

	if s, ok := c.cache[id]; ok {
		return s, nil
	}

	writes := make([]driver.BufferWrite, 0, len(buffers))
	{
		i := 0
		for _, binding := range layout.bindings {
			for e := uint32(0); e < binding.Count; e++ {
				b := buffers[i]
				writes = append(writes, driver.BufferWrite{
					Binding:      binding.Binding,
					ArrayElement: e,
					Allocation:   b.allocation,
					Offset:       b.offset,
					Range:        b.Span(),
				})
				i++
			}
		}
	}

	handle, err := c.device.CreateDescriptorSet(layout.handle, writes)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to create descriptor set %s", id)
	}

	s := &descriptorSet{
		id:      id,
		layout:  layout,
		buffers: make([]BufferID, 0, len(buffers)),
		handle:  handle,
	}
	for _, b := range buffers {
		s.buffers = append(s.buffers, b.id)
		keys, ok := c.buffers[b.id]
		if !ok {
			keys = map[string]struct{}{}
			c.buffers[b.id] = keys
		}
		keys[id] = struct{}{}
	}
	c.cache[id] = s
	return s, nil
}

func (c *descriptorSetCache) destroyAnyDescriptorSetsWithBuffer(id BufferID) {
	for key := range c.buffers[id] {
		s, ok := c.cache[key]
		if !ok {
			continue
		}
		for _, other := range s.buffers {
			if other == id {
				continue
			}
			if keys, ok := c.buffers[other]; ok {
				delete(keys, key)
				if len(keys) == 0 {
					delete(c.buffers, other)
				}
			}
		}
		s.handle.Destroy()
		delete(c.cache, key)
	}
	delete(c.buffers, id)
}

func (c *descriptorSetCache) destroy() {
	for _, s := range c.cache {
		s.handle.Destroy()
	}
	clear(c.cache)
	clear(c.buffers)
}
