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

	"goarrg.com/gmath"

	"goarrg.com/rhi/vxc/driver"
)

type VendorID uint32

const (
	VendorAMD    VendorID = 0x1002
	VendorNVIDIA VendorID = 0x10de
	VendorIntel  VendorID = 0x8086
)

func (id VendorID) String() string {
	switch id {
	case VendorAMD:
		return "AMD"
	case VendorNVIDIA:
		return "NVIDIA"
	case VendorIntel:
		return "Intel"
	default:
		return fmt.Sprintf("Unknown: 0x%04X", uint32(id))
	}
}

type (
	Limits struct {
		Global struct {
			MaxAllocationSize        uint64
			MaxMemoryAllocationCount uint32
		}
		PerDescriptor struct {
			MaxSBOSize            uint64
			MinSBOOffsetAlignment uint64
		}
		PerPipeline struct {
			MaxBoundDescriptorSets uint32
			MaxPushConstantsSize   uint32
		}
		Compute struct {
			MaxDispatchSize gmath.Extent3u32
			MaxLocalSize    gmath.Extent3u32
			SubgroupSize    gmath.Bounds[uint32]
			Workgroup       struct {
				MaxInvocations uint32
			}
		}
	}
	Features struct {
		BufferDeviceAddress bool
		ShaderFloat64       bool
		ShaderFloat16       bool
		ShaderInt64         bool
		ShaderInt16         bool
		ShaderInt8          bool
	}
	Properties struct {
		Name              string
		Type              driver.AdapterType
		VendorID          VendorID
		DeviceID          uint32
		DriverVersion     uint32
		API               uint32
		Limits            Limits
		Features          Features
		EnabledExtensions []string
	}
)

func newProperties(info driver.AdapterInfo) Properties {
	p := Properties{
		Name:              info.Name,
		Type:              info.Type,
		VendorID:          VendorID(info.VendorID),
		DeviceID:          info.DeviceID,
		DriverVersion:     info.DriverVersion,
		API:               info.API,
		Features:          Features(info.Features),
		EnabledExtensions: append([]string{}, info.Extensions...),
	}

	l := info.Limits
	p.Limits.Global.MaxAllocationSize = l.MaxAllocationSize
	p.Limits.Global.MaxMemoryAllocationCount = l.MaxMemoryAllocationCount
	p.Limits.PerDescriptor.MaxSBOSize = l.MaxStorageBufferRange
	p.Limits.PerDescriptor.MinSBOOffsetAlignment = max(l.MinStorageBufferOffsetAlignment, 1)
	p.Limits.PerPipeline.MaxBoundDescriptorSets = l.MaxBoundDescriptorSets
	p.Limits.PerPipeline.MaxPushConstantsSize = l.MaxPushConstantsSize
	p.Limits.Compute.MaxDispatchSize = gmath.Extent3u32{
		X: l.MaxComputeWorkGroupCount[0], Y: l.MaxComputeWorkGroupCount[1], Z: l.MaxComputeWorkGroupCount[2],
	}
	p.Limits.Compute.MaxLocalSize = gmath.Extent3u32{
		X: l.MaxComputeWorkGroupSize[0], Y: l.MaxComputeWorkGroupSize[1], Z: l.MaxComputeWorkGroupSize[2],
	}
	p.Limits.Compute.SubgroupSize = gmath.Bounds[uint32]{Min: l.MinSubgroupSize, Max: l.MaxSubgroupSize}
	p.Limits.Compute.Workgroup.MaxInvocations = l.MaxComputeWorkGroupInvocations

	return p
}

func (p *Properties) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Name\": %q,", p.Name))
	buff.WriteString(fmt.Sprintf("\"Type\": %q,", p.Type.String()))
	buff.WriteString(fmt.Sprintf("\"VendorID\": %q,", p.VendorID.String()))
	buff.WriteString(fmt.Sprintf("\"DeviceID\": %d,", p.DeviceID))
	buff.WriteString(fmt.Sprintf("\"DriverVersion\": %d,", p.DriverVersion))
	buff.WriteString(fmt.Sprintf("\"API\": %q,", vkAPI2String(p.API)))
	buff.WriteString(fmt.Sprintf("\"Limits\": %s,", jsonString(p.Limits)))
	buff.WriteString(fmt.Sprintf("\"Features\": %s,", jsonString(p.Features)))
	buff.WriteString(fmt.Sprintf("\"EnabledExtensions\": %s,", jsonString(p.EnabledExtensions)))

	buff.Truncate(buff.Len() - 1)
	buff.WriteString("}")
	return buff.Bytes(), nil
}
