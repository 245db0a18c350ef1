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
	"goarrg.com"
	"goarrg.com/debug"

	"goarrg.com/rhi/vxc/internal/util"
)

type platform struct{}

func (platform) Abort()                           { panic("Fatal Error") }
func (platform) AbortPopup(f string, args ...any) { panic("Fatal Error") }

var global = struct {
	platform goarrg.PlatformInterface
	logger   *debug.Logger
}{
	platform: platform{},
	logger:   debug.NewLogger("vxc"),
}

func abort(fmt string, args ...any) {
	global.logger.EPrintf(fmt, args...)
	global.platform.Abort()
}

func SetLogLevel(l uint32) {
	global.logger.SetLevel(l)
}

// InitPlatform replaces the default panicking abort handler.
func InitPlatform(platform goarrg.PlatformInterface) {
	global.platform = platform
	util.Init(platform)
}
