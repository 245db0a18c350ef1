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
	"context"
)

// CLSPV compiles OpenCL C kernels with clspv. Kernels get their local size
// from spec constants 0, 1 and 2 unless they declare reqd_work_group_size,
// see vxc.KernelProgram.
type CLSPV struct {
	// Path defaults to "clspv" looked up in PATH.
	Path string
	// Args are appended after the default arguments.
	Args []string
}

func (c CLSPV) Compile(source string) ([]uint32, error) {
	return c.CompileContext(context.Background(), source)
}

func (c CLSPV) CompileContext(ctx context.Context, source string) ([]uint32, error) {
	tool := c.Path
	if tool == "" {
		tool = "clspv"
	}
	args := append([]string{"-o", "{out}"}, c.Args...)
	args = append(args, "{in}")
	return run(ctx, tool, "kernel.cl", source, args...)
}
