// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/mallocs/bmalloc/arena"
)

// blockInfo is a decoded block of the chain.
type blockInfo struct {
	bp    blkp
	size  uint32
	alloc bool
}

// newTestHeap returns an initialised heap on a Slice arena of maxHeap
// bytes, using the default chunk size.
func newTestHeap(t testing.TB, maxHeap int, options Options) *BMalloc {
	t.Helper()
	a, err := arena.NewSlice(maxHeap)
	require.NoError(t, err)
	var bm BMalloc
	require.NoError(t, bm.Init(a, 0, options))
	requireConsistent(t, &bm)
	return &bm
}

// requireConsistent runs the heap validator and, in addition, verifies
// header == footer for every block and free list membership directly.
func requireConsistent(t testing.TB, bm *BMalloc) {
	t.Helper()
	require.NoError(t, bm.Check(false))
	inList := make(map[blkp]bool)
	for f := bm.free.head; f != 0; f = bm.nextFree(freeBlock{f}) {
		inList[f] = true
	}
	for _, b := range chain(bm) {
		require.Equal(t, bm.get(hdr(b.bp)), bm.get(bm.ftr(b.bp)),
			"block %d header/footer", b.bp)
		require.Equal(t, !b.alloc, inList[b.bp],
			"block %d free list membership", b.bp)
	}
}

// chain returns all blocks between the prologue and the epilogue.
func chain(bm *BMalloc) []blockInfo {
	var blocks []blockInfo
	for bp := prologueBp + DSize; bm.size(bp) != 0; bp = bm.next(bp) {
		size, alloc := unpack(bm.get(hdr(bp)))
		blocks = append(blocks, blockInfo{bp, size, alloc})
	}
	return blocks
}

// off returns the block pointer for a Malloc result.
func off(bm *BMalloc, p unsafe.Pointer) blkp {
	return bm.blkOf(p)
}

// fill writes pattern over the whole payload of p.
func fill(bm *BMalloc, p unsafe.Pointer, pattern byte) {
	b := bm.Bytes(p)
	for i := range b {
		b[i] = pattern + byte(i)
	}
}

// requirePattern verifies the first n payload bytes written by fill.
func requirePattern(t testing.TB, bm *BMalloc, p unsafe.Pointer,
	pattern byte, n int) {
	t.Helper()
	b := bm.Bytes(p)
	require.GreaterOrEqual(t, len(b), n)
	for i := 0; i < n; i++ {
		if b[i] != pattern+byte(i) {
			require.Failf(t, "payload corrupted",
				"%p: byte %d is %#x, expected %#x",
				p, i, b[i], pattern+byte(i))
		}
	}
}
