// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package arena

import (
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// Slice is an arena backed by a Go byte slice allocated once, at its
// maximum size. It works everywhere, but the whole reservation is
// allocated from the Go heap.
type Slice struct {
	region
}

// NewSlice reserves maxSize bytes (DefaultMaxHeap if maxSize <= 0).
// The memory is not zeroed.
func NewSlice(maxSize int) (*Slice, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxHeap
	}
	mem := dirtmake.Bytes(maxSize, maxSize)
	if err := checkAlign(mem); err != nil {
		return nil, err
	}
	return &Slice{region{mem: mem}}, nil
}

// Grow extends the arena by n bytes and returns the start of the new
// part.
func (s *Slice) Grow(n int) (unsafe.Pointer, error) {
	return s.grow(n)
}
