// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

// freeList is the explicit, unordered list of free blocks. The links live
// inside the free blocks payload, the list itself only keeps the head.
type freeList struct {
	head blkp   // most recently inserted block, 0 if empty
	no   uint64 // counter
}

// insertFree links f as the new head of the free list (LIFO).
func (bm *BMalloc) insertFree(f freeBlock) {
	old := bm.free.head
	bm.setPrevFree(f, 0)
	bm.setNextFree(f, old)
	if old != 0 {
		bm.setPrevFree(bm.asFree(old), f.bp)
	}
	bm.free.head = f.bp
	bm.free.no++
}

// detachFree unlinks f from the free list, using only its own links.
func (bm *BMalloc) detachFree(f freeBlock) {
	prev := bm.prevFree(f)
	next := bm.nextFree(f)
	if prev != 0 {
		bm.setNextFree(bm.asFree(prev), next)
	} else {
		if bm.Debug() && bm.free.head != f.bp {
			PANIC("BUG: detaching block %d with no prev link, but the"+
				" list head is %d\n", f.bp, bm.free.head)
		}
		bm.free.head = next
	}
	if next != 0 {
		bm.setPrevFree(bm.asFree(next), prev)
	}
	bm.free.no--
}
