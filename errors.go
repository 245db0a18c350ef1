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

type ErrorResourceLimitExceeded struct{}

func (ErrorResourceLimitExceeded) Is(target error) bool {
	_, ok := target.(ErrorResourceLimitExceeded)
	return ok
}

func (ErrorResourceLimitExceeded) Error() string {
	return "Resource Limit Exceeded"
}

type ErrorSizeMismatch struct{}

func (ErrorSizeMismatch) Is(target error) bool {
	_, ok := target.(ErrorSizeMismatch)
	return ok
}

func (ErrorSizeMismatch) Error() string {
	return "Size Mismatch"
}

type ErrorInvalidState struct{}

func (ErrorInvalidState) Is(target error) bool {
	_, ok := target.(ErrorInvalidState)
	return ok
}

func (ErrorInvalidState) Error() string {
	return "Invalid State"
}

type ErrorUnsupportedCapability struct{}

func (ErrorUnsupportedCapability) Is(target error) bool {
	_, ok := target.(ErrorUnsupportedCapability)
	return ok
}

func (ErrorUnsupportedCapability) Error() string {
	return "Unsupported Capability"
}

type ErrorUseAfterFree struct{}

func (ErrorUseAfterFree) Is(target error) bool {
	_, ok := target.(ErrorUseAfterFree)
	return ok
}

func (ErrorUseAfterFree) Error() string {
	return "Use After Free"
}

// ErrorConcurrentUse is returned when an operation needs exclusive access to a
// buffer that submitted but unsynced work still references.
type ErrorConcurrentUse struct{}

func (ErrorConcurrentUse) Is(target error) bool {
	_, ok := target.(ErrorConcurrentUse)
	return ok
}

func (ErrorConcurrentUse) Error() string {
	return "Concurrent Use"
}

type ErrorDeviceNotFound struct{}

func (ErrorDeviceNotFound) Is(target error) bool {
	_, ok := target.(ErrorDeviceNotFound)
	return ok
}

func (ErrorDeviceNotFound) Error() string {
	return "Device Not Found"
}
