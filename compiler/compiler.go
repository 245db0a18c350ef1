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

// Package compiler implements vxc.ShaderCompiler for WGSL through naga and
// for GLSL and OpenCL C through the glslangValidator and clspv executables.
package compiler

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"goarrg.com/debug"

	"goarrg.com/rhi/vxc/internal/spirv"
)

var logger = debug.NewLogger("vxc", "compiler")

// Error is returned when a compiler rejects its input, Output holds the
// compiler's diagnostics.
type Error struct {
	Tool   string
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e.Output == "" {
		return e.Tool + ": " + e.Err.Error()
	}
	return e.Tool + ": " + e.Err.Error() + "\n" + e.Output
}

func (e *Error) Unwrap() error {
	return e.Err
}

// run writes source to a temporary file named name, runs tool with args where
// "{in}" and "{out}" are replaced by the input and output paths, and returns
// the SPIR-V written to the output path.
func run(ctx context.Context, tool string, name string, source string, args ...string) ([]uint32, error) {
	dir, err := os.MkdirTemp("", "vxc-compiler-")
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to create temp dir")
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, name)
	out := filepath.Join(dir, "out.spv")
	if err := os.WriteFile(in, []byte(source), 0o644); err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to write %q", in)
	}

	for i, a := range args {
		a = strings.ReplaceAll(a, "{in}", in)
		args[i] = strings.ReplaceAll(a, "{out}", out)
	}

	cmd := exec.CommandContext(ctx, tool, args...)
	output := bytes.Buffer{}
	cmd.Stdout = &output
	cmd.Stderr = &output

	logger.VPrintf("%s", cmd.String())
	if err := cmd.Run(); err != nil {
		return nil, &Error{Tool: filepath.Base(tool), Output: strings.TrimSpace(output.String()), Err: err}
	}

	code, err := os.ReadFile(out)
	if err != nil {
		return nil, &Error{Tool: filepath.Base(tool), Output: strings.TrimSpace(output.String()), Err: err}
	}
	words, err := spirv.Words(code)
	if err != nil {
		return nil, &Error{Tool: filepath.Base(tool), Err: err}
	}
	return words, nil
}
