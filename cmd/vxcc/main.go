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

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"goarrg.com/asset"
	"goarrg.com/debug"
	"golang.org/x/tools/go/packages"

	"goarrg.com/rhi/vxc"
	"goarrg.com/rhi/vxc/compiler"
	"goarrg.com/rhi/vxc/internal/spirv"
	"goarrg.com/rhi/vxc/internal/util"
)

var flags flag.FlagSet

type vkapi uint32

func (api *vkapi) UnmarshalText(data []byte) error {
	major, minor, ok := strings.Cut(string(data), ".")
	if !ok {
		return debug.Errorf("API string not in the format \"X.Y\"")
	}
	x, err := strconv.ParseUint(major, 10, 7)
	if err != nil {
		return debug.ErrorWrapf(err, "Invalid api string")
	}
	y, err := strconv.ParseUint(minor, 10, 10)
	if err != nil {
		return debug.ErrorWrapf(err, "Invalid api string")
	}
	*api = vkapi((uint32(x) << 22) | (uint32(y) << 12))
	return nil
}

func (api vkapi) MarshalText() (text []byte, err error) {
	return fmt.Appendf(nil, "%d.%d", ((api >> 22) & 0x7F), ((api >> 12) & 0x3FF)), err
}

type macros []string

func (m *macros) UnmarshalText(data []byte) error {
	str := string(data)
	if str == "" || strings.HasPrefix(str, "=") {
		return debug.Errorf("Macro not in the format \"macro=value\"")
	}
	*m = append(*m, "-D"+str)
	return nil
}

func (m macros) MarshalText() (text []byte, err error) {
	return []byte(strings.Join(m, "\n")), nil
}

type language uint32

const (
	languageAuto language = iota
	languageGLSL
	languageCL
	languageWGSL
	languageSPIRV
)

var languageNames = map[language]string{
	languageAuto:  "auto",
	languageGLSL:  "glsl",
	languageCL:    "cl",
	languageWGSL:  "wgsl",
	languageSPIRV: "spirv",
}

var languageExts = map[string]language{
	".comp": languageGLSL,
	".glsl": languageGLSL,
	".cl":   languageCL,
	".wgsl": languageWGSL,
	".spv":  languageSPIRV,
}

func (l *language) UnmarshalText(data []byte) error {
	for k, v := range languageNames {
		if v == string(data) {
			*l = k
			return nil
		}
	}
	return debug.Errorf("Invalid value: %q", data)
}

func (l language) MarshalText() (text []byte, err error) {
	if n, ok := languageNames[l]; ok {
		return []byte(n), nil
	}
	return nil, debug.Errorf("Invalid value: %d", l)
}

type generator uint32

const (
	generatorJSON generator = iota
	generatorGO
)

func (g *generator) UnmarshalText(data []byte) error {
	switch string(data) {
	case "json":
		*g = generatorJSON
	case "go":
		*g = generatorGO
	default:
		return debug.Errorf("Invalid value: %q", data)
	}
	return nil
}

func (g generator) MarshalText() (text []byte, err error) {
	switch g {
	case generatorJSON:
		return ([]byte)("json"), nil
	case generatorGO:
		return ([]byte)("go"), nil
	default:
		return nil, debug.Errorf("Invalid value: %d", g)
	}
}

// metadata is what a caller needs to build a pipeline for an entry point
// without reflecting at runtime.
type metadata struct {
	EntryPoint       string
	LocalSize        [3]uint32
	LocalSizeSpecIDs []uint32
	BindingCounts    [][]uint32
	PushConstantSize uint32
	SpecConstantIDs  []uint32
}

func newMetadata(r *spirv.Reflection) metadata {
	m := metadata{
		EntryPoint:      r.EntryPoint,
		BindingCounts:   make([][]uint32, len(r.Sets)),
		SpecConstantIDs: r.SpecConstantIDs,
	}
	for i, c := range r.LocalSize {
		if c.IsSpecConstant {
			m.LocalSizeSpecIDs = append(m.LocalSizeSpecIDs, c.Value)
			m.LocalSize[i] = r.SpecConstantDefaults[c.Value]
		} else {
			m.LocalSize[i] = c.Value
		}
	}
	for i, s := range r.Sets {
		m.BindingCounts[i] = make([]uint32, len(s))
		for j, b := range s {
			m.BindingCounts[i][j] = b.Count
		}
	}
	for _, p := range r.PushConstants {
		m.PushConstantSize = max(m.PushConstantSize, p.Offset+p.Size)
	}
	return m
}

func main() {
	debug.SetLevel(debug.LogLevelWarn)

	flags.Usage = help
	flags.Init("", flag.ExitOnError)

	v := flags.Bool("v", false, "Verbose - Print high level tasks")
	vv := flags.Bool("vv", false, "Very Verbose - Print everything")

	dir := flags.String("dir", ".", "Sets the directory for the purposes of <file> resolution.")
	outDir := flags.String("out-dir", ".", "Sets the output directory.")

	lang := languageAuto
	flags.TextVar(&lang, "lang", languageAuto, "Sets the source language.\n"+
		"Valid values are \"auto\", \"glsl\", \"cl\", \"wgsl\" and \"spirv\".\n"+
		"\"auto\" picks the language from the file extension.")
	entry := flags.String("entry", "main", "Sets the entry point to reflect.")

	api := vkapi(0)
	flags.TextVar(&api, "target-api", vkapi(vxc.MinAPI), "Sets the target vulkan version of glsl in the format \"X.Y\".")

	defines := macros{}
	flags.TextVar(&defines, "D", macros{}, "Define macro in the format \"macro=value\", ignored by wgsl.")

	glslang := flags.String("glslang", "glslangValidator", "Path to glslangValidator.")
	clspv := flags.String("clspv", "clspv", "Path to clspv.")

	g := generator(0)
	flags.TextVar(&g, "generator", generatorJSON, "Sets the generator to use when outputting metadata.\n"+
		"Valid values are \"json\" and \"go\".")

	separateSPV := flags.Bool("separate-spirv", false, "Output spirv as a separate .spv file.")

	err := flags.Parse(os.Args[1:])
	if err != nil {
		panic(err)
	}

	if *v {
		debug.SetLevel(debug.LogLevelInfo)
	} else if *vv {
		debug.SetLevel(debug.LogLevelVerbose)
	}

	args := flags.Args()
	if len(args) == 0 {
		debug.EPrintf("No input file provided.")
		help()
		os.Exit(2)
	} else if len(args) > 1 {
		debug.EPrintf("vxcc can only compile one file at a time.")
		help()
		os.Exit(2)
	}

	name := args[0]
	if lang == languageAuto {
		l, ok := languageExts[filepath.Ext(name)]
		if !ok {
			debug.EPrintf("Unable to determine the language of %q, use -lang.", name)
			os.Exit(2)
		}
		lang = l
	}

	source, err := read(asset.DirFS(*dir), name)
	if err != nil {
		debug.EPrintf("%v", err)
		os.Exit(1)
	}

	var words []uint32
	debug.IPrintf("Compiling %s shader", languageNames[lang])
	switch lang {
	case languageGLSL:
		words, err = compiler.GLSLang{
			Path:      *glslang,
			TargetEnv: fmt.Sprintf("vulkan%d.%d", (api>>22)&0x7F, (api>>12)&0x3FF),
			Args:      defines,
		}.Compile(string(source))
	case languageCL:
		words, err = compiler.CLSPV{Path: *clspv, Args: defines}.Compile(string(source))
	case languageWGSL:
		words, err = compiler.WGSL{}.Compile(string(source))
	case languageSPIRV:
		words, err = spirv.Words(source)
	}
	if err != nil {
		debug.EPrintf("%v", err)
		os.Exit(1)
	}

	r, err := spirv.Reflect(words, *entry)
	if err != nil {
		debug.EPrintf("%v", err)
		os.Exit(1)
	}
	if r.ExecutionModel != spirv.ExecutionModelGLCompute {
		debug.EPrintf("Entry point %q is a %s shader, only compute shaders are supported.", *entry, r.ExecutionModel)
		os.Exit(1)
	}
	meta := newMetadata(r)

	outName := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	err = os.MkdirAll(*outDir, 0o755)
	if err != nil {
		panic(err)
	}

	if *separateSPV {
		spvFile := filepath.Join(*outDir, outName+".spv")
		debug.IPrintf("Writing SPIRV to: %q", spvFile)
		err := os.WriteFile(spvFile, util.SliceBytes(words), 0o644)
		if err != nil {
			panic(err)
		}
	}

	switch g {
	case generatorJSON:
		genJson(*outDir, outName, *separateSPV, words, meta)
	case generatorGO:
		genGo(*outDir, outName, *separateSPV, words, meta)
	}
}

func read(fs *asset.FileSystem, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to open %q", name)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to read %q", name)
	}
	return data, nil
}

func help() {
	fmt.Fprintf(os.Stderr, "vxcc compiles a compute shader to SPIR-V and writes the metadata vxc needs to run it.\n"+
		"\nglsl and OpenCL C are compiled with glslangValidator and clspv which must be installed,\n"+
		"wgsl is compiled in process. Existing .spv files are only reflected.\n"+
		"\n")
	args := ""
	flags.VisitAll(func(f *flag.Flag) {
		n, u := flag.UnquoteUsage(f)
		if f.DefValue != "" {
			u += "\n\nDefaults to \"" + f.DefValue + "\"."
		}
		args += "\t-" + f.Name + " " + n + "\n\t\t" + strings.ReplaceAll(strings.TrimSpace(u), "\n", "\n\t\t") + "\n"
	})
	fmt.Fprintf(os.Stderr, "Usage:\n\t%s [arguments] <file>\n\nArguments:\n%s", filepath.Base(os.Args[0]), args)
}

func genJson(dir, name string, separateSPV bool, spv []uint32, meta metadata) {
	m := map[string]any{
		"Metadata": meta,
	}
	if !separateSPV {
		m["SPIRV"] = spv
	}

	j, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	jsonFile := filepath.Join(dir, name+".json")
	debug.IPrintf("Writing metadata to: %q", jsonFile)
	err = os.WriteFile(jsonFile, j, 0o644)
	if err != nil {
		panic(err)
	}
}

func genGo(dir, name string, separateSPV bool, spv []uint32, meta metadata) {
	filename := filepath.Join(dir, "zvxcc_"+name+".go")
	debug.IPrintf("Writing metadata to: %q", filename)
	fOut, err := os.Create(filename)
	if err != nil {
		panic(err)
	}
	defer fOut.Close()

	fmt.Fprintf(fOut, "// go run goarrg.com/rhi/vxc/cmd/vxcc %s\n", strings.Join(os.Args[1:], " "))
	fmt.Fprintf(fOut, "// Code generated by the command above; DO NOT EDIT.\n\n")

	{
		p, err := packages.Load(&packages.Config{Mode: packages.NeedName, Dir: dir}, ".")
		if err != nil {
			panic(debug.ErrorWrapf(err, "Failed to load package at %q", dir))
		}
		switch {
		case len(p) == 0:
			fmt.Fprintf(fOut, "package %s\n\n", filepath.Base(dir))
		case p[0].Name != "":
			fmt.Fprintf(fOut, "package %s\n\n", p[0].Name)
		default:
			fmt.Fprintf(fOut, "package %s\n\n", filepath.Base(p[0].PkgPath))
		}
	}

	type returnValue struct {
		key   string
		value any
	}
	vars := []returnValue{}
	if !separateSPV {
		vars = append(vars, returnValue{"spv", spv})
	}
	vars = append(vars,
		returnValue{"entryPoint", meta.EntryPoint},
		returnValue{"localSize", meta.LocalSize},
		returnValue{"bindingCounts", meta.BindingCounts},
		returnValue{"pushConstantSize", meta.PushConstantSize},
		returnValue{"specConstantIDs", meta.SpecConstantIDs},
	)

	sb := strings.Builder{}
	for _, r := range name {
		if unicode.IsDigit(r) || unicode.IsLetter(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	fnReturns := []string{}
	for _, v := range vars {
		fnReturns = append(fnReturns, fmt.Sprintf("%s %T", v.key, v.value))
	}
	fmt.Fprintf(fOut, "func vxccLoad_%s() (%s) {\n", sb.String(), strings.Join(fnReturns, ", "))
	for _, v := range vars {
		fmt.Fprintf(fOut, "\t%s = %#v\n", v.key, v.value)
	}
	fmt.Fprintf(fOut, "\treturn\n")
	fmt.Fprintf(fOut, "}\n")
}
