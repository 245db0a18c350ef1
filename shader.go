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
	"slices"

	"goarrg.com/debug"

	"goarrg.com/rhi/vxc/driver"
	"goarrg.com/rhi/vxc/internal/spirv"
	"goarrg.com/rhi/vxc/internal/util"
)

type ShaderLanguage uint32

const (
	ShaderLanguageGLSL ShaderLanguage = iota
	ShaderLanguageCL
	ShaderLanguageWGSL
)

func (l ShaderLanguage) String() string {
	switch l {
	case ShaderLanguageGLSL:
		return "GLSL"
	case ShaderLanguageCL:
		return "OpenCL C"
	case ShaderLanguageWGSL:
		return "WGSL"
	default:
		return "Unknown"
	}
}

// ShaderCompiler turns shader source into SPIR-V words.
type ShaderCompiler interface {
	Compile(source string) ([]uint32, error)
}

// ShaderModule is an immutable SPIR-V binary loaded on a device, it lives
// until the device is destroyed.
type ShaderModule struct {
	noCopy util.NoCopy
	device *Device
	spirv  []uint32
	handle driver.ShaderModule
}

func (d *Device) loadShaderLocked(words []uint32) (*ShaderModule, error) {
	if len(words) < 5 {
		return nil, debug.ErrorWrapf(ErrorSizeMismatch{}, "SPIR-V binary of [%d] words is smaller than its header", len(words))
	}
	if words[0] != spirv.Magic {
		return nil, debug.Errorf("Invalid SPIR-V magic number: 0x%08X", words[0])
	}

	code := slices.Clone(words)
	handle, err := d.driver.CreateShaderModule(code)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Device [%d]: failed to create shader module", d.index)
	}

	s := &ShaderModule{
		device: d,
		spirv:  code,
		handle: handle,
	}
	s.noCopy.Init()
	d.shaders = append(d.shaders, s)
	return s, nil
}

func (s *ShaderModule) checkLocked() error {
	if s == nil || !s.noCopy.Alive() {
		return debug.ErrorWrapf(ErrorUseAfterFree{}, "ShaderModule has been destroyed")
	}
	return nil
}

func (s *ShaderModule) SPIRV() []uint32 {
	return slices.Clone(s.spirv)
}

// Reflect returns the resources used by entryPoint.
func (s *ShaderModule) Reflect(entryPoint string) (*spirv.Reflection, error) {
	return spirv.Reflect(s.spirv, entryPoint)
}

func (s *ShaderModule) destroyLocked() {
	if !s.noCopy.Alive() {
		return
	}
	s.handle.Destroy()
	s.noCopy.Close()
}
