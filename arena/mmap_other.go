// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !unix

package arena

import (
	"unsafe"
)

// Mmap is not available on this platform, use Slice.
type Mmap struct {
	region
}

// NewMmap always fails with ErrUnsupported.
func NewMmap(maxSize int) (*Mmap, error) {
	return nil, ErrUnsupported
}

// Grow always fails.
func (m *Mmap) Grow(n int) (unsafe.Pointer, error) {
	return nil, ErrUnsupported
}

// Close does nothing.
func (m *Mmap) Close() error { return nil }
