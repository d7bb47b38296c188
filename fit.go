// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

// findFit returns a free block of at least asize bytes, using the
// configured fit policy. ok is false if no block is big enough.
func (bm *BMalloc) findFit(asize uint32) (f freeBlock, ok bool) {
	if bm.FirstFit() {
		return bm.firstFit(asize)
	}
	return bm.bestFit(asize)
}

// firstFit walks the whole block chain, starting from the prologue, and
// returns the first free block that fits.
func (bm *BMalloc) firstFit(asize uint32) (freeBlock, bool) {
	for bp := prologueBp; ; bp = bm.next(bp) {
		size, alloc := unpack(bm.get(hdr(bp)))
		if size == 0 {
			break // epilogue
		}
		if !alloc && size >= asize {
			return bm.asFree(bp), true
		}
	}
	return freeBlock{}, false
}

// bestFit walks the free list and returns the smallest block that fits.
// On equal sizes the first one found wins.
func (bm *BMalloc) bestFit(asize uint32) (freeBlock, bool) {
	var best blkp
	var bestSize uint32
	for bp := bm.free.head; bp != 0; bp = bm.nextFree(freeBlock{bp}) {
		size := bm.size(bp)
		if size < asize || (best != 0 && size >= bestSize) {
			continue
		}
		best, bestSize = bp, size
		if size == asize {
			break // cannot do better
		}
	}
	if best == 0 {
		return freeBlock{}, false
	}
	return bm.asFree(best), true
}
