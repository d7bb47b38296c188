// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package bmalloc provides a boundary tag malloc working on a single
// growable arena.
//
// Every block keeps its size and allocation state both in a header and in
// a footer word, so neighbours can be found in both directions and freed
// blocks are merged with their free neighbours in constant time. Free
// blocks are kept on an explicit LIFO list, threaded through their own
// payload. When no free block fits, the arena is grown by at least
// one chunk.
//
// A BMalloc is not safe for concurrent use.
package bmalloc

import (
	"math"
	"unsafe"

	"github.com/pkg/errors"
)

const NAME = "bmalloc"

const (
	// DefaultChunkBits selects the default minimum arena growth (4k).
	DefaultChunkBits = 12
	minChunkBits     = 4
	maxChunkBits     = 30
)

var (
	// ErrOutOfMemory is returned when the arena cannot be grown.
	ErrOutOfMemory = errors.New("bmalloc: out of memory")
	// ErrBadArena is returned for arenas that are not empty or whose
	// base is not DSize aligned.
	ErrBadArena = errors.New("bmalloc: bad arena")
	// ErrBadChunk is returned for chunk sizes out of range.
	ErrBadChunk = errors.New("bmalloc: bad chunk size")
)

// Arena is the growable memory region managed by a BMalloc.
//
// Grow extends the region by exactly n bytes and returns the start of the
// new part, which must be Base() + Size() before the call. Already
// returned memory must never move.
type Arena interface {
	Grow(n int) (unsafe.Pointer, error)
	Base() unsafe.Pointer
	Size() int
}

// MUsed contains the bmalloc memory usage statistics.
type MUsed struct {
	Used        uint64 // total payload size allocated
	RealUsed    uint64 // real size = Used + headers, footers and sentinels
	MaxRealUsed uint64
}

// Stats contains operation counters.
type Stats struct {
	Mallocs        uint64
	Frees          uint64
	Reallocs       uint64
	ReallocInPlace uint64 // grown into the next free block or shrunk
	GrowCalls      uint64
	GrowBytes      uint64
	Splits         uint64
	Coalesces      uint64
}

// Options encodes various configuration flags for BMalloc
type Options uint32

const (
	BMDebug          Options = 1 << iota // check the whole heap after each op
	BMChecks                             // check pointers passed to Free & Realloc
	BMFirstFit                           // first-fit over all blocks instead of best-fit
	BMDumpStatsShort                     // dump status in log, short version
	BMDefaultOptions = BMChecks
)

// BMalloc is the allocator context: the arena it grows and all the
// bookkeeping information. The classical malloc functions are methods.
type BMalloc struct {
	options  Options
	chunk    uint32 // minimum arena growth
	heapSize uint32 // bytes obtained from the arena so far
	arena    Arena
	base     unsafe.Pointer // arena start

	free  freeList
	used  MUsed // statistics
	stats Stats
}

// Debug returns true if malloc debugging is turned on.
func (bm *BMalloc) Debug() bool { return bm.options&BMDebug != 0 }

// BChecks returns true if pointer checking is turned on.
func (bm *BMalloc) BChecks() bool { return bm.options&BMChecks != 0 }

// FirstFit returns true if the first-fit policy is used.
func (bm *BMalloc) FirstFit() bool { return bm.options&BMFirstFit != 0 }

// addUsed increases the "used" stats with the size of a newly
// allocated block.
func (bm *BMalloc) addUsed(size uint32) {
	bm.used.Used += uint64(size - DSize)
	bm.used.RealUsed += uint64(size)
	if bm.used.MaxRealUsed < bm.used.RealUsed {
		bm.used.MaxRealUsed = bm.used.RealUsed
	}
}

// subUsed subtracts the size of a released block from the "used" stats.
func (bm *BMalloc) subUsed(size uint32) {
	bm.used.Used -= uint64(size - DSize)
	bm.used.RealUsed -= uint64(size)
}

// MUsage returns current memory usage values.
func (bm *BMalloc) MUsage() MUsed {
	return bm.used
}

// Stats returns the operation counters.
func (bm *BMalloc) Stats() Stats {
	return bm.stats
}

// HeapSize returns how many bytes were obtained from the arena.
func (bm *BMalloc) HeapSize() uint64 {
	return uint64(bm.heapSize)
}

// Available returns how many heap bytes are not allocated (free blocks,
// including their headers and footers).
func (bm *BMalloc) Available() uint64 {
	return uint64(bm.heapSize) - bm.used.RealUsed
}

// Init initialises a bmalloc heap on top of an empty arena.
// It writes the prologue and epilogue and grows the arena by one chunk
// (1 << chunkBits bytes, 0 means DefaultChunkBits) to seed the first free
// block. It can be called again on a reset arena.
func (bm *BMalloc) Init(a Arena, chunkBits int, options Options) error {
	*bm = BMalloc{} // zero, in case of re-init
	if chunkBits == 0 {
		chunkBits = DefaultChunkBits
	}
	if chunkBits < minChunkBits || chunkBits > maxChunkBits {
		return errors.Wrapf(ErrBadChunk, "chunk bits %d not in [%d, %d]",
			chunkBits, minChunkBits, maxChunkBits)
	}
	if a.Size() != 0 {
		return errors.Wrapf(ErrBadArena, "arena not empty (%d bytes)",
			a.Size())
	}
	p, err := a.Grow(initSize)
	if err != nil {
		return errors.Wrapf(ErrOutOfMemory, "initial growth: %v", err)
	}
	if uintptr(p)%DSize != 0 || p != a.Base() {
		return errors.Wrapf(ErrBadArena, "region start %p (base %p) not aligned to %d",
			p, a.Base(), DSize)
	}
	bm.arena = a
	bm.base = p
	bm.options = options
	bm.chunk = uint32(1) << uint(chunkBits)
	bm.heapSize = initSize

	bm.put(0, 0)                                     // alignment padding
	bm.put(hdr(prologueBp), pack(DSize, true))       // prologue header
	bm.put(hdr(prologueBp)+WSize, pack(DSize, true)) // prologue footer
	bm.put(initSize-WSize, pack(0, true))            // epilogue header
	bm.used.RealUsed = initSize
	bm.used.MaxRealUsed = initSize

	if _, ok := bm.extendHeap(bm.chunk); !ok {
		return errors.Wrapf(ErrOutOfMemory, "seeding first %d bytes block",
			bm.chunk)
	}
	return nil
}

// adjustSize returns the block size needed for a payload of size bytes:
// payload + header + footer rounded up to DSize, at least MinBlockSize.
func adjustSize(size uint64) (uint32, bool) {
	if size <= DSize {
		return MinBlockSize, true
	}
	if size > math.MaxUint32-2*DSize {
		return 0, false
	}
	return uint32(DSize * ((size + DSize + (DSize - 1)) / DSize)), true
}

// extendHeap grows the arena by size bytes, turns the new space into a
// free block (merged with a free block preceding the old epilogue) and
// writes a new epilogue.
func (bm *BMalloc) extendHeap(size uint32) (freeBlock, bool) {
	size = (size + DSize - 1) &^ (DSize - 1)
	if uint64(bm.heapSize)+uint64(size) > math.MaxUint32 {
		return freeBlock{}, false
	}
	p, err := bm.arena.Grow(int(size))
	if err != nil {
		if WARNon() {
			WARN("arena growth by %d bytes failed (heap size %d): %v\n",
				size, bm.heapSize, err)
		}
		return freeBlock{}, false
	}
	// the new block header replaces the old epilogue
	bp := blkp(bm.heapSize)
	if p != unsafe.Add(bm.base, bm.heapSize) {
		BUG("arena grown at %p, expected %p\n",
			p, unsafe.Add(bm.base, bm.heapSize))
		return freeBlock{}, false
	}
	bm.heapSize += size
	if DBGon() {
		DBG("heap grown by %d to %d bytes\n", size, bm.heapSize)
	}
	bm.stats.GrowCalls++
	bm.stats.GrowBytes += uint64(size)
	f := bm.markFree(bp, size)
	bm.put(hdr(bm.next(bp)), pack(0, true)) // new epilogue
	return bm.coalesce(f), true
}

// place allocates asize bytes at the start of the free block f, splitting
// off the rest as a new free block if it is at least MinBlockSize.
func (bm *BMalloc) place(f freeBlock, asize uint32) usedBlock {
	csize := bm.size(f.bp)
	bm.detachFree(f)
	u := bm.markUsed(f.bp, csize)
	bm.split(u, asize)
	return u
}

// split shrinks the used block u to asize bytes if the rest is big enough
// to be a block on its own. The rest is freed and merged with the next
// block if that one is free.
// It returns true if the block was split.
func (bm *BMalloc) split(u usedBlock, asize uint32) bool {
	csize := bm.size(u.bp)
	if csize-asize < MinBlockSize {
		// not worth it, keep the whole block
		return false
	}
	bm.markUsed(u.bp, asize)
	rest := bm.markFree(bm.next(u.bp), csize-asize)
	bm.coalesce(rest)
	bm.stats.Splits++
	return true
}

// coalesce merges the free block f with its free neighbours (if any) and
// inserts the result into the free list. It returns the merged block.
// The block following the prologue never merges backwards: the prologue
// footer is always marked allocated.
func (bm *BMalloc) coalesce(f freeBlock) freeBlock {
	bp := f.bp
	size := bm.size(bp)
	prevAlloc := bm.prevAlloc(bp)
	next := bm.next(bp)
	nextAlloc := bm.isAlloc(next)

	switch {
	case prevAlloc && nextAlloc:
		// nothing to merge
	case prevAlloc && !nextAlloc:
		bm.detachFree(bm.asFree(next))
		size += bm.size(next)
		f = bm.markFree(bp, size)
		bm.stats.Coalesces++
	case !prevAlloc && nextAlloc:
		prev := bm.prev(bp)
		bm.detachFree(bm.asFree(prev))
		size += bm.size(prev)
		f = bm.markFree(prev, size)
		bm.stats.Coalesces++
	default:
		prev := bm.prev(bp)
		bm.detachFree(bm.asFree(prev))
		bm.detachFree(bm.asFree(next))
		size += bm.size(prev) + bm.size(next)
		f = bm.markFree(prev, size)
		bm.stats.Coalesces += 2
	}
	bm.insertFree(f)
	return f
}

// Owns returns whether or not p was allocated from this heap
// (the address is inside the heap usable range).
// Behaviour is undefined if p was Free()d.
func (bm *BMalloc) Owns(p unsafe.Pointer) bool {
	if bm.base == nil {
		return false
	}
	first := uintptr(bm.base) + uintptr(prologueBp) + DSize
	end := uintptr(bm.base) + uintptr(bm.heapSize) - WSize
	return uintptr(p) >= first && uintptr(p) < end
}

// checkPtr verifies that p looks like a live block returned by Malloc.
// op is used only for the log message.
func (bm *BMalloc) checkPtr(op string, p unsafe.Pointer) bool {
	if !bm.Owns(p) {
		BUG("%s called with pointer %p out of the heap (%p - %p)\n",
			op, p, bm.base, unsafe.Add(bm.base, bm.heapSize))
		return false
	}
	bp := bm.blkOf(p)
	if uint32(bp)%DSize != 0 {
		BUG("%s called with unaligned pointer %p\n", op, p)
		return false
	}
	h := bm.get(hdr(bp))
	size, alloc := unpack(h)
	if !alloc {
		BUG("attempt to %s already freed pointer %p\n", op, p)
		return false
	}
	if size < MinBlockSize || uint64(bp)+uint64(size) > uint64(bm.heapSize) {
		BUG("%s: block %p has bad size %d (heap size %d)\n",
			op, p, size, bm.heapSize)
		return false
	}
	if f := bm.get(bm.ftr(bp)); h != f {
		BUG("%s: block %p header (%#x) does not match footer (%#x)\n",
			op, p, h, f)
		return false
	}
	return true
}

// malloc is Malloc without the debug heap check.
func (bm *BMalloc) malloc(size uint64) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	asize, ok := adjustSize(size)
	if !ok {
		return nil
	}
	f, ok := bm.findFit(asize)
	if !ok {
		// no fit => get more memory
		ext := asize
		if ext < bm.chunk {
			ext = bm.chunk
		}
		if f, ok = bm.extendHeap(ext); !ok {
			return nil
		}
	}
	u := bm.place(f, asize)
	bm.addUsed(bm.size(u.bp))
	bm.stats.Mallocs++
	return bm.addr(u)
}

// release is Free without the pointer and debug heap checks.
func (bm *BMalloc) release(u usedBlock) {
	size := bm.size(u.bp)
	bm.subUsed(size)
	bm.coalesce(bm.markFree(u.bp, size))
	bm.stats.Frees++
}

// realloc is Realloc without the debug heap check, for a non nil p and
// a non zero size.
func (bm *BMalloc) realloc(p unsafe.Pointer, size uint64) unsafe.Pointer {
	asize, ok := adjustSize(size)
	if !ok {
		return nil
	}
	u := bm.asUsed(bm.blkOf(p))
	oldSize := bm.size(u.bp)
	bm.stats.Reallocs++
	if asize <= oldSize {
		// shrink (or same size)
		if bm.split(u, asize) {
			bm.subUsed(oldSize)
			bm.addUsed(asize)
			bm.stats.ReallocInPlace++
		}
		return p
	}
	next := bm.next(u.bp)
	if nsize, nalloc := unpack(bm.get(hdr(next))); !nalloc &&
		oldSize+nsize >= asize {
		// grow into the following free block
		bm.detachFree(bm.asFree(next))
		bm.markUsed(u.bp, oldSize+nsize)
		bm.split(u, asize)
		bm.subUsed(oldSize)
		bm.addUsed(bm.size(u.bp))
		bm.stats.ReallocInPlace++
		return p
	}
	// no in-place growth possible => move
	np := bm.malloc(size)
	if np == nil {
		return nil // p untouched
	}
	dst := bm.payload(bm.asUsed(bm.blkOf(np)))
	copy(dst[:size], bm.payload(u))
	bm.release(u)
	return np
}

// Malloc allocates size bytes of memory and returns a pointer to it,
// aligned to DSize.
// It returns nil for size 0 and on failure (out of memory).
func (bm *BMalloc) Malloc(size uint64) unsafe.Pointer {
	p := bm.malloc(size)
	if bm.Debug() {
		bm.debugCheck("malloc")
	}
	return p
}

// Free releases the memory associated with p (p must have been previously
// allocated with Malloc or Realloc).
func (bm *BMalloc) Free(p unsafe.Pointer) {
	if p == nil {
		WARN("free(nil) called\n")
		return
	}
	if bm.BChecks() && !bm.checkPtr("free", p) {
		return
	}
	bm.release(bm.asUsed(bm.blkOf(p)))
	if bm.Debug() {
		bm.debugCheck("free")
	}
}

// Realloc tries to grow or shrink a previously Malloc allocated pointer to
// a new size.
// A nil p makes it a Malloc, a 0 size a Free (returning nil).
// It returns either the old value, when the size change was possible
// in-place, or a new value. In the new value case, the old contents is
// copied in the new location and the old pointer is Free()d.
// If not enough memory is available for growing p, it will return nil,
// but it will _not_ free the original pointer p.
func (bm *BMalloc) Realloc(p unsafe.Pointer, size uint64) unsafe.Pointer {
	if size == 0 {
		// it is actually a free
		if p != nil {
			bm.Free(p)
		}
		return nil
	}
	if p == nil {
		// it's a malloc
		return bm.Malloc(size)
	}
	if bm.BChecks() && !bm.checkPtr("realloc", p) {
		return nil
	}
	np := bm.realloc(p, size)
	if bm.Debug() {
		bm.debugCheck("realloc")
	}
	return np
}

// UsableSize returns the payload size of the block backing p, which can
// be larger than the requested size.
func (bm *BMalloc) UsableSize(p unsafe.Pointer) uint64 {
	if p == nil {
		return 0
	}
	return uint64(bm.size(bm.blkOf(p)) - DSize)
}

// Bytes returns the whole payload of the block backing p as a byte slice.
// The slice is valid until p is freed or reallocated.
func (bm *BMalloc) Bytes(p unsafe.Pointer) []byte {
	if p == nil {
		return nil
	}
	return bm.payload(bm.asUsed(bm.blkOf(p)))
}
