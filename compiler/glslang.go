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

// GLSLang compiles GLSL compute shaders with glslangValidator.
type GLSLang struct {
	// Path defaults to "glslangValidator" looked up in PATH.
	Path string
	// TargetEnv defaults to "vulkan1.1".
	TargetEnv string
	// Args are appended after the default arguments, for example "-DNAME=VALUE".
	Args []string
}

func (g GLSLang) Compile(source string) ([]uint32, error) {
	return g.CompileContext(context.Background(), source)
}

func (g GLSLang) CompileContext(ctx context.Context, source string) ([]uint32, error) {
	tool := g.Path
	if tool == "" {
		tool = "glslangValidator"
	}
	env := g.TargetEnv
	if env == "" {
		env = "vulkan1.1"
	}
	args := append([]string{"-V", "-S", "comp", "--target-env", env, "-o", "{out}"}, g.Args...)
	args = append(args, "{in}")
	return run(ctx, tool, "shader.comp", source, args...)
}
