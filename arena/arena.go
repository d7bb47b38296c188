// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package arena provides growable memory regions for bmalloc.
//
// An arena reserves its maximum size up front and then hands it out in
// increasing chunks, like sbrk(2): memory returned by Grow never moves and
// is never given back, except by an explicit Reset.
package arena

import (
	"unsafe"

	"github.com/pkg/errors"
)

// DefaultMaxHeap is the reservation used when a non positive maximum size
// is passed to a constructor.
const DefaultMaxHeap = 20 * (1 << 20)

var (
	// ErrNoMem is returned by Grow when the reservation is exhausted.
	ErrNoMem = errors.New("arena: out of memory")
	// ErrUnaligned is returned if the reserved memory is not 8 bytes
	// aligned.
	ErrUnaligned = errors.New("arena: unaligned reservation")
	// ErrUnsupported is returned by constructors not available on the
	// current platform.
	ErrUnsupported = errors.New("arena: not supported on this platform")
)

const minAlign = 8

// region is the sbrk style bookkeeping shared by the arenas: mem is the
// whole reservation, brk the size handed out so far.
type region struct {
	mem []byte
	brk int
}

// grow moves the break by n bytes and returns the old break address.
func (r *region) grow(n int) (unsafe.Pointer, error) {
	if n < 0 {
		return nil, errors.Errorf("arena: negative growth %d", n)
	}
	if r.brk+n > len(r.mem) {
		return nil, errors.Wrapf(ErrNoMem,
			"growing by %d bytes, %d of %d already used", n, r.brk, len(r.mem))
	}
	p := unsafe.Add(r.base(), r.brk)
	r.brk += n
	return p, nil
}

func (r *region) base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(r.mem))
}

// Base returns the start of the arena.
func (r *region) Base() unsafe.Pointer { return r.base() }

// Size returns how many bytes were handed out by Grow.
func (r *region) Size() int { return r.brk }

// Max returns the reservation size.
func (r *region) Max() int { return len(r.mem) }

// Bytes returns the part of the arena handed out so far.
func (r *region) Bytes() []byte { return r.mem[:r.brk:r.brk] }

// Reset rewinds the break to the arena start. Everything allocated from
// the arena becomes invalid.
func (r *region) Reset() { r.brk = 0 }

func checkAlign(mem []byte) error {
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%minAlign != 0 {
		return errors.Wrapf(ErrUnaligned, "reservation at %p",
			unsafe.SliceData(mem))
	}
	return nil
}
