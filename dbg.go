// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"github.com/intuitivelabs/slog"
)

const statusPrefix = "bm_status "

// logBlock writes bp header and footer in the log.
func (bm *BMalloc) logBlock(bp blkp) {
	const lev = slog.LDBG
	if !Log.L(lev) {
		return
	}
	hsize, halloc := unpack(bm.get(hdr(bp)))
	if hsize == 0 {
		Log.LLog(lev, 0, statusPrefix, "%6d: end of heap\n", bp)
		return
	}
	if uint64(bp)+uint64(hsize) > uint64(bm.heapSize) {
		Log.LLog(lev, 0, statusPrefix,
			"%6d: header: [%d:%c] past the heap end\n",
			bp, hsize, allocChar(halloc))
		return
	}
	fsize, falloc := unpack(bm.get(bm.ftr(bp)))
	Log.LLog(lev, 0, statusPrefix,
		"%6d: header: [%d:%c] footer: [%d:%c]\n",
		bp, hsize, allocChar(halloc), fsize, allocChar(falloc))
}

func allocChar(alloc bool) byte {
	if alloc {
		return 'a'
	}
	return 'f'
}

// dumpStatus will write current status information in the log
func (bm *BMalloc) dumpStatus() {
	const lev = slog.LDBG

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, statusPrefix, "(%p):\n", bm)
	if bm == nil {
		return
	}
	Log.LLog(lev, 0, statusPrefix, "heap size= %d, base= %p\n",
		bm.heapSize, bm.base)
	Log.LLog(lev, 0, statusPrefix, "used= %d, used+overhead=%d, free=%d\n",
		bm.used.Used, bm.used.RealUsed, bm.Available())
	Log.LLog(lev, 0, statusPrefix, "max used (+overhead)= %d\n",
		bm.used.MaxRealUsed)
	Log.LLog(lev, 0, statusPrefix,
		"mallocs= %d frees= %d reallocs= %d (in place %d)"+
			" grows= %d (%d bytes) splits= %d coalesces= %d\n",
		bm.stats.Mallocs, bm.stats.Frees, bm.stats.Reallocs,
		bm.stats.ReallocInPlace, bm.stats.GrowCalls, bm.stats.GrowBytes,
		bm.stats.Splits, bm.stats.Coalesces)
	if bm.options&BMDumpStatsShort != 0 || bm.base == nil {
		return
	}
	Log.LLog(lev, 0, statusPrefix, "dumping all blocks:\n")
	end := blkp(bm.heapSize)
	i := 0
	bp := prologueBp
	for ; bp < end; bp = bm.next(bp) {
		size := bm.size(bp)
		if size == 0 {
			break
		}
		Log.LLog(lev, 0, statusPrefix, "   %3d. ", i)
		bm.logBlock(bp)
		i++
	}
	bm.logBlock(bp)
	Log.LLog(lev, 0, statusPrefix, "dumping free list: %d entries\n",
		bm.free.no)
	j := uint64(0)
	for f := bm.free.head; f != 0 && j <= bm.free.no; f = bm.nextFree(freeBlock{f}) {
		Log.LLog(lev, 0, statusPrefix, "   %3d. block=%d size=%d\n",
			j, f, bm.size(f))
		j++
	}
	if j != bm.free.no {
		BUG("bm_status: different free block count: %d != %d\n",
			j, bm.free.no)
	}
	Log.LLog(lev, 0, statusPrefix, "-----------------------------\n")
}

// DumpStatus writes the heap status (usage, counters and, unless
// BMDumpStatsShort is set, every block) in the log at debug level.
func (bm *BMalloc) DumpStatus() {
	bm.dumpStatus()
}
