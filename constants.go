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
	"goarrg.com/debug"
	"golang.org/x/exp/constraints"

	"goarrg.com/rhi/vxc/internal/util"
)

type Scalar interface {
	constraints.Integer | constraints.Float
}

// PackConstants returns the in memory representation of values, for use as
// spec or push constants.
func PackConstants[T Scalar](values ...T) []byte {
	return append([]byte{}, util.SliceBytes(values)...)
}

// AllocateBufferWithData allocates a buffer the size of data and copies data in.
func AllocateBufferWithData[T Scalar](d *Device, data []T, host bool) (*Buffer, error) {
	b, err := d.AllocateBuffer(uint64(len(data))*util.SizeOf[T](), host)
	if err != nil {
		return nil, err
	}
	if err := CopyInSlice(b, data); err != nil {
		_ = d.DeallocateBuffer(b)
		return nil, err
	}
	return b, nil
}

func CopyInSlice[T Scalar](b *Buffer, data []T) error {
	return b.CopyIn(util.SliceBytes(data))
}

// CopyOutSlice reads n elements from the start of the buffer's span, n == 0
// reads the whole span.
func CopyOutSlice[T Scalar](b *Buffer, n int) ([]T, error) {
	size := util.SizeOf[T]()
	if n == 0 {
		span := b.Span()
		if span%size != 0 {
			return nil, debug.ErrorWrapf(ErrorSizeMismatch{}, "Buffer span [%d] is not a multiple of element size [%d]", span, size)
		}
		n = int(span / size)
	}
	ret := make([]T, n)
	if err := b.CopyOut(util.SliceBytes(ret)); err != nil {
		return nil, err
	}
	return ret, nil
}
