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
	"os"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"goarrg.com/debug"
	"goarrg.com/gmath"
)

const (
	MinAPI uint32 = (1 << 22) | (1 << 12)
	MaxAPI uint32 = (1 << 22) | (4 << 12)

	DefaultDriver        = "vulkan"
	DefaultDispatchLimit = 64
	DefaultBlockSize     = 64 * 1024 * 1024

	// VisibleDevicesEnv is read when Config.VisibleDevices is nil.
	VisibleDevicesEnv = "VXC_VISIBLE_DEVICES"
)

type Config struct {
	Driver  string
	AppName string
	API     uint32

	// DispatchLimit is the number of submissions allowed before a full sync is forced.
	DispatchLimit int

	// VisibleDevices restricts which adapters an Instance exposes, in order.
	// nil falls back to VisibleDevicesEnv, empty exposes every adapter.
	VisibleDevices []int

	EnableValidation   bool
	RequiredExtensions []string
	OptionalExtensions []string

	BlockSize uint64
	Compilers map[ShaderLanguage]ShaderCompiler
}

func (c *Config) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Driver\": %q,", c.Driver))
	buff.WriteString(fmt.Sprintf("\"AppName\": %q,", c.AppName))
	buff.WriteString(fmt.Sprintf("\"API\": %q,", vkAPI2String(c.API)))
	buff.WriteString(fmt.Sprintf("\"DispatchLimit\": %d,", c.DispatchLimit))
	buff.WriteString(fmt.Sprintf("\"VisibleDevices\": %s,", jsonString(c.VisibleDevices)))
	buff.WriteString(fmt.Sprintf("\"EnableValidation\": %t,", c.EnableValidation))

	buff.WriteString(fmt.Sprintf("\"RequiredExtensions\": %s,", jsonString(c.RequiredExtensions)))
	buff.WriteString(fmt.Sprintf("\"OptionalExtensions\": %s,", jsonString(c.OptionalExtensions)))
	buff.WriteString(fmt.Sprintf("\"BlockSize\": %d,", c.BlockSize))

	{
		buff.WriteString("\"Compilers\": {")
		err := mapRunFuncSorted(c.Compilers, func(k ShaderLanguage, v ShaderCompiler) error {
			buff.WriteString(fmt.Sprintf("%q: %q,", k.String(), fmt.Sprintf("%T", v)))
			return nil
		})
		if err == nil {
			buff.Truncate(buff.Len() - 1)
		}
		buff.WriteString("},")
	}

	buff.Truncate(buff.Len() - 1)
	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (c *Config) validate() error {
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.API == 0 {
		c.API = MinAPI
	} else if !gmath.InRange(c.API, MinAPI, MaxAPI) {
		return debug.Errorf("Config.API is outside of valid api range [%q, %q]", vkAPI2String(MinAPI), vkAPI2String(MaxAPI))
	}
	if c.DispatchLimit == 0 {
		c.DispatchLimit = DefaultDispatchLimit
	} else if c.DispatchLimit < 0 {
		return debug.Errorf("Config.DispatchLimit must be >= 1")
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	for _, i := range c.VisibleDevices {
		if i < 0 {
			return debug.Errorf("Config.VisibleDevices contains negative index: %d", i)
		}
	}
	if c.VisibleDevices == nil {
		if env, ok := os.LookupEnv(VisibleDevicesEnv); ok {
			c.VisibleDevices = parseVisibleDevices(env)
		}
	}
	return nil
}

// parseVisibleDevices ignores letters and whitespace so values like "GPU0, GPU2"
// are accepted, entries that are not integers are skipped.
func parseVisibleDevices(env string) []int {
	filtered := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, env)

	ret := []int{}
	for _, s := range strings.Split(filtered, ",") {
		if s == "" {
			continue
		}
		i, err := strconv.Atoi(s)
		if err != nil || i < 0 {
			global.logger.WPrintf("Ignoring invalid device index %q in %s", s, VisibleDevicesEnv)
			continue
		}
		ret = append(ret, i)
	}
	return ret
}

// visibleAdapters maps the filter onto [0, count), an empty result exposes
// every adapter.
func visibleAdapters(filter []int, count int) []int {
	ret := []int{}
	for _, i := range filter {
		if i < count && !slices.Contains(ret, i) {
			ret = append(ret, i)
		}
	}
	if len(ret) == 0 {
		for i := range count {
			ret = append(ret, i)
		}
	}
	return ret
}
