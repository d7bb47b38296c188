// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"unsafe"
)

// Block layout (offsets relative to the payload start, bp):
//
//	bp-WSize          header  size|alloc
//	bp                payload (free: prev free link)
//	bp+WSize                  (free: next free link)
//	bp+size-DSize     footer  size|alloc
//
// The arena starts with a padding word, the prologue (header+footer,
// size DSize, allocated) and ends with a zero size allocated epilogue
// header.

const (
	WSize        = 4         // word, header and footer size
	DSize        = 2 * WSize // double word, the alignment
	MinBlockSize = 2 * DSize // header + 2 links + footer

	allocBit = uint32(1)
	sizeMask = ^uint32(DSize - 1)

	// payload offset of the prologue block
	prologueBp blkp = 2 * WSize
	// size of the padding + prologue + epilogue
	initSize = 4 * WSize
)

// blkp is a block pointer: the offset of a block payload from the arena
// base. 0 is never a valid block and is used as nil in the free list.
type blkp uint32

// freeBlock is a block whose allocation bit is clear. Only free blocks
// expose the free list links stored in their payload.
type freeBlock struct{ bp blkp }

// usedBlock is an allocated block. Its payload belongs to the caller.
type usedBlock struct{ bp blkp }

// pack returns the header/footer word for size and alloc.
func pack(size uint32, alloc bool) uint32 {
	if alloc {
		return size | allocBit
	}
	return size
}

// unpack splits a header/footer word.
func unpack(w uint32) (size uint32, alloc bool) {
	return w & sizeMask, w&allocBit != 0
}

// word returns a pointer to the arena word at offset off.
func (bm *BMalloc) word(off uint32) *uint32 {
	return (*uint32)(unsafe.Add(bm.base, off))
}

func (bm *BMalloc) get(off uint32) uint32      { return *bm.word(off) }
func (bm *BMalloc) put(off uint32, val uint32) { *bm.word(off) = val }

// hdr returns the offset of bp header.
func hdr(bp blkp) uint32 { return uint32(bp) - WSize }

// ftr returns the offset of bp footer.
func (bm *BMalloc) ftr(bp blkp) uint32 {
	return uint32(bp) + bm.size(bp) - DSize
}

// size returns the total block size, as recorded in the header.
func (bm *BMalloc) size(bp blkp) uint32 {
	return bm.get(hdr(bp)) & sizeMask
}

// isAlloc returns true if the block header has the allocated bit set.
func (bm *BMalloc) isAlloc(bp blkp) bool {
	return bm.get(hdr(bp))&allocBit != 0
}

// next returns the block following bp in the chain.
func (bm *BMalloc) next(bp blkp) blkp {
	return bp + blkp(bm.size(bp))
}

// prev returns the block preceding bp in the chain, using the previous
// block footer.
func (bm *BMalloc) prev(bp blkp) blkp {
	return bp - blkp(bm.get(uint32(bp)-DSize)&sizeMask)
}

// prevAlloc returns the allocated bit of the block preceding bp, read from
// its footer.
func (bm *BMalloc) prevAlloc(bp blkp) bool {
	return bm.get(uint32(bp)-DSize)&allocBit != 0
}

// setBlock writes header and footer of bp.
// It refuses (panics) to write a size that is not a multiple of DSize or
// that is smaller than MinBlockSize: such a block could never be freed
// and would break the chain arithmetic.
func (bm *BMalloc) setBlock(bp blkp, size uint32, alloc bool) {
	if size < MinBlockSize || size%DSize != 0 {
		PANIC("BUG: invalid block size %d at %d\n", size, bp)
	}
	w := pack(size, alloc)
	bm.put(hdr(bp), w)
	bm.put(uint32(bp)+size-DSize, w)
}

// markFree formats bp as a free block of the given size.
func (bm *BMalloc) markFree(bp blkp, size uint32) freeBlock {
	bm.setBlock(bp, size, false)
	return freeBlock{bp}
}

// markUsed formats bp as an allocated block of the given size.
func (bm *BMalloc) markUsed(bp blkp, size uint32) usedBlock {
	bm.setBlock(bp, size, true)
	return usedBlock{bp}
}

// asFree returns bp as a free block. The header must have the allocated
// bit clear.
func (bm *BMalloc) asFree(bp blkp) freeBlock {
	if bm.Debug() && bm.isAlloc(bp) {
		PANIC("BUG: block %d used as a free block but marked allocated\n",
			bp)
	}
	return freeBlock{bp}
}

// asUsed returns bp as an allocated block.
func (bm *BMalloc) asUsed(bp blkp) usedBlock {
	if bm.Debug() && !bm.isAlloc(bp) {
		PANIC("BUG: block %d used as allocated but marked free\n", bp)
	}
	return usedBlock{bp}
}

// free list links, valid only inside a free block payload

func (bm *BMalloc) prevFree(f freeBlock) blkp { return blkp(bm.get(uint32(f.bp))) }
func (bm *BMalloc) nextFree(f freeBlock) blkp {
	return blkp(bm.get(uint32(f.bp) + WSize))
}
func (bm *BMalloc) setPrevFree(f freeBlock, p blkp) { bm.put(uint32(f.bp), uint32(p)) }
func (bm *BMalloc) setNextFree(f freeBlock, n blkp) {
	bm.put(uint32(f.bp)+WSize, uint32(n))
}

// addr returns the caller visible address of a used block payload.
func (bm *BMalloc) addr(u usedBlock) unsafe.Pointer {
	return unsafe.Add(bm.base, u.bp)
}

// blkOf converts a caller pointer back into a block pointer.
// It does not check that p belongs to the heap (see Owns).
func (bm *BMalloc) blkOf(p unsafe.Pointer) blkp {
	return blkp(uintptr(p) - uintptr(bm.base))
}

// payload returns the payload bytes of a used block.
func (bm *BMalloc) payload(u usedBlock) []byte {
	return unsafe.Slice((*byte)(bm.addr(u)), bm.size(u.bp)-DSize)
}
