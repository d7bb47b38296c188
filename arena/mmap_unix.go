// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package arena

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mmap is an arena backed by an anonymous private mapping.
// The whole maximum size is reserved with PROT_NONE, pages are made
// accessible (committed) only when the break moves over them.
type Mmap struct {
	region
	committed int // bytes with PROT_READ|PROT_WRITE
	pageSize  int
}

// NewMmap reserves maxSize bytes (DefaultMaxHeap if maxSize <= 0) of address
// space, rounded up to the page size.
func NewMmap(maxSize int) (*Mmap, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxHeap
	}
	ps := unix.Getpagesize()
	maxSize = (maxSize + ps - 1) &^ (ps - 1)
	mem, err := unix.Mmap(-1, 0, maxSize, unix.PROT_NONE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "arena: reserving %d bytes", maxSize)
	}
	return &Mmap{region: region{mem: mem}, pageSize: ps}, nil
}

// Grow extends the arena by n bytes, committing the needed pages, and
// returns the start of the new part.
func (m *Mmap) Grow(n int) (unsafe.Pointer, error) {
	if m.mem == nil {
		return nil, errors.Wrap(ErrNoMem, "arena: closed")
	}
	if n > 0 && m.brk+n <= len(m.mem) && m.brk+n > m.committed {
		end := (m.brk + n + m.pageSize - 1) &^ (m.pageSize - 1)
		if end > len(m.mem) {
			end = len(m.mem)
		}
		err := unix.Mprotect(m.mem[m.committed:end],
			unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return nil, errors.Wrapf(ErrNoMem, "committing %d bytes: %v",
				end-m.committed, err)
		}
		m.committed = end
	}
	return m.grow(n)
}

// Close releases the whole mapping. The arena cannot be used afterwards.
func (m *Mmap) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	m.brk, m.committed = 0, 0
	return err
}
