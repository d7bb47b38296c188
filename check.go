// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"fmt"
	"strings"
)

// Problem is one heap inconsistency found by Check.
type Problem struct {
	Off uint32 // block payload offset (0 for list wide problems)
	Msg string
}

func (p Problem) String() string {
	return fmt.Sprintf("block %d: %s", p.Off, p.Msg)
}

// HeapError is returned by Check when the heap is inconsistent.
type HeapError struct {
	Problems []Problem
}

func (e *HeapError) Error() string {
	s := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		s = append(s, p.String())
	}
	return NAME + ": corrupted heap: " + strings.Join(s, "; ")
}

// Check walks the block chain from the prologue to the epilogue and then
// the free list, verifying that:
//   - prologue and epilogue have the expected size and are allocated
//   - every block is DSize aligned, at least MinBlockSize and its header
//     matches its footer
//   - no two neighbour blocks are both free
//   - every free list member is marked free, and appears only once
//   - every free block of the chain is on the free list
//
// Problems are logged and returned as a *HeapError. The heap is never
// modified. If verbose is true every block is logged too.
func (bm *BMalloc) Check(verbose bool) error {
	if bm.base == nil {
		return &HeapError{[]Problem{{0, "heap not initialised"}}}
	}
	var probs []Problem
	report := func(bp blkp, f string, a ...interface{}) {
		p := Problem{uint32(bp), fmt.Sprintf(f, a...)}
		BUG("check: %s\n", p)
		probs = append(probs, p)
	}

	if psize, palloc := unpack(bm.get(hdr(prologueBp))); psize != DSize ||
		!palloc {
		report(prologueBp, "bad prologue header (size %d, alloc %v)",
			psize, palloc)
	}
	if bm.get(hdr(prologueBp)) != bm.get(hdr(prologueBp)+WSize) {
		report(prologueBp, "prologue header does not match footer")
	}

	end := blkp(bm.heapSize) // payload offset "after" the epilogue
	free := make(map[blkp]bool)
	lastFree := false
	bp := prologueBp + DSize
	for {
		if bp > end {
			report(bp, "block chain runs past the heap end (%d)", end)
			break
		}
		size, alloc := unpack(bm.get(hdr(bp)))
		if size == 0 {
			break // epilogue
		}
		if verbose {
			bm.logBlock(bp)
		}
		if uint32(bp)%DSize != 0 {
			report(bp, "not double word aligned")
		}
		if size < MinBlockSize {
			report(bp, "size %d smaller than the minimum block", size)
			break // cannot trust the chain any more
		}
		if uint32(bp)+size > uint32(end) {
			report(bp, "size %d runs past the heap end", size)
			break
		}
		if h, f := bm.get(hdr(bp)), bm.get(bm.ftr(bp)); h != f {
			report(bp, "header (%#x) does not match footer (%#x)", h, f)
		}
		if !alloc {
			if lastFree {
				report(bp, "free block following a free block"+
					" (not coalesced)")
			}
			free[bp] = false
		}
		lastFree = !alloc
		bp = bm.next(bp)
	}
	if bp != end {
		report(bp, "epilogue found at %d, expected at %d", bp, end)
	} else if w := bm.get(hdr(bp)); w != pack(0, true) {
		report(bp, "bad epilogue header %#x", w)
	}

	// free list
	n := uint64(0)
	var prev blkp
	for f := bm.free.head; f != 0; f = bm.nextFree(freeBlock{f}) {
		if f < prologueBp+DSize || f >= end || uint32(f)%DSize != 0 {
			report(f, "free list entry out of the heap")
			break
		}
		if bm.isAlloc(f) {
			report(f, "free list entry marked allocated")
		}
		if p := bm.prevFree(freeBlock{f}); p != prev {
			report(f, "prev link %d, expected %d", p, prev)
		}
		seen, ok := free[f]
		switch {
		case !ok:
			report(f, "free list entry not a free block of the chain")
		case seen:
			report(f, "free list entry seen twice (loop)")
		}
		if seen {
			break
		}
		free[f] = true
		prev = f
		n++
	}
	for f, seen := range free {
		if !seen {
			report(f, "free block missing from the free list")
		}
	}
	if n != bm.free.no {
		report(0, "free list has %d entries, counter says %d", n, bm.free.no)
	}

	if len(probs) != 0 {
		return &HeapError{probs}
	}
	return nil
}

// debugCheck runs Check after op and dumps the heap status if it fails.
func (bm *BMalloc) debugCheck(op string) {
	if err := bm.Check(false); err != nil {
		if ERRon() {
			ERR("heap check after %s failed: %v\n", op, err)
		}
		bm.dumpStatus()
	}
}
