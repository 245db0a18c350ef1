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

package util

import "goarrg.com/debug"

// NoCopy guards objects that hold driver handles. A zero value is dead,
// a value whose address moved was copied.
type NoCopy struct {
	addr *NoCopy
}

func (n *NoCopy) Init() {
	if n.addr != nil {
		abort("init called on non zero value")
	}
	n.addr = n
}

// Alive reports whether the value has been initialized and not closed,
// aborting if it was copied by value.
func (n *NoCopy) Alive() bool {
	if n.addr == nil {
		return false
	}
	if n.addr != n {
		abort("Illegal copy by value: \n%s", debug.StackTrace(0))
	}
	return true
}

func (n *NoCopy) Check() {
	if !n.Alive() {
		abort("Illegal use of zero/dead value: \n%s", debug.StackTrace(0))
	}
}

func (n *NoCopy) Close() {
	n.addr = nil
}

func (*NoCopy) Lock()   {}
func (*NoCopy) Unlock() {}
