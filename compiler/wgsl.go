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

package compiler

import (
	"errors"

	"github.com/gogpu/naga"

	"goarrg.com/rhi/vxc/internal/spirv"
)

// WGSL compiles WGSL compute shaders in process.
type WGSL struct{}

func (WGSL) Compile(source string) ([]uint32, error) {
	code, err := naga.Compile(source)
	if err != nil {
		return nil, &Error{Tool: "naga", Err: err}
	}
	words, err := spirv.Words(code)
	if err != nil {
		return nil, &Error{Tool: "naga", Err: err}
	}
	if len(words) == 0 || words[0] != spirv.Magic {
		return nil, &Error{Tool: "naga", Err: errors.New("output is not SPIR-V")}
	}
	return words, nil
}
