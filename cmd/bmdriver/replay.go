// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"time"
	"unsafe"

	"github.com/bytedance/gopkg/util/xxhash3"
	"github.com/pkg/errors"

	"github.com/intuitivelabs/mallocs/bmalloc"
	"github.com/intuitivelabs/mallocs/bmalloc/arena"
	"github.com/intuitivelabs/mallocs/bmalloc/trace"
)

var (
	errNoMem     = errors.New("out of memory")
	errUnaligned = errors.New("payload not aligned")
	errOutOfHeap = errors.New("payload outside the heap")
	errOverlap   = errors.New("payload overlaps a live block")
	errCorrupt   = errors.New("payload corrupted")
	errBadID     = errors.New("bad block id")
)

// heapArena is an arena that can be rewound between traces.
type heapArena interface {
	bmalloc.Arena
	Reset()
	Max() int
}

// newArena builds the arena selected by kind. The returned function
// releases it.
func newArena(kind string, maxHeap int) (heapArena, func() error, error) {
	switch kind {
	case "mmap":
		m, err := arena.NewMmap(maxHeap)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	case "slice":
		s, err := arena.NewSlice(maxHeap)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
	return nil, nil, errors.Errorf("unknown arena %q (mmap or slice)", kind)
}

// config holds the heap setup used for every trace.
type config struct {
	firstFit  bool
	chunkBits int
	check     bool // full heap check after every operation
}

func (c config) options() bmalloc.Options {
	o := bmalloc.BMDefaultOptions
	if c.firstFit {
		o |= bmalloc.BMFirstFit
	}
	return o
}

// Result is the outcome of replaying one trace.
type Result struct {
	Trace       string        `json:"trace"`
	Weight      int           `json:"weight"`
	Ops         int           `json:"ops"`
	PeakPayload uint64        `json:"peak_payload"`
	HeapSize    uint64        `json:"heap_size"`
	Utilization float64       `json:"utilization"`
	Seconds     float64       `json:"seconds"`
	OpsPerSec   float64       `json:"ops_per_sec"`
	Stats       bmalloc.Stats `json:"stats"`
}

// block is a trace block: its payload, the requested size and the
// fingerprint of the payload contents. A 0 size allocation is used with a
// nil payload.
type block struct {
	p    unsafe.Pointer
	size uint64
	sum  uint64
	used bool
}

// replayer runs one trace on one heap.
type replayer struct {
	a      heapArena
	bm     bmalloc.BMalloc
	cfg    config
	verify bool
	live   map[int]block // by trace id
	cur    uint64        // live payload bytes
	peak   uint64
}

func (r *replayer) init(t *trace.Trace) error {
	r.a.Reset()
	if err := r.bm.Init(r.a, r.cfg.chunkBits, r.cfg.options()); err != nil {
		return err
	}
	r.live = make(map[int]block)
	r.cur, r.peak = 0, 0
	return nil
}

// payload returns the first size bytes of the block at p.
func payload(p unsafe.Pointer, size uint64) []byte {
	return unsafe.Slice((*byte)(p), size)
}

// fill writes an id derived pattern into the block and records its
// fingerprint.
func (r *replayer) fill(id int, b *block) {
	buf := payload(b.p, b.size)
	for i := range buf {
		buf[i] = byte(id*31 + i)
	}
	b.sum = xxhash3.Hash(buf)
}

// valid checks a block just returned by the allocator for id. The live
// block of id itself is not considered for overlaps.
func (r *replayer) valid(id int, p unsafe.Pointer, size uint64) error {
	if uintptr(p)%bmalloc.DSize != 0 {
		return errors.Wrapf(errUnaligned, "%p", p)
	}
	lo := uintptr(p)
	hi := lo + uintptr(size)
	base := uintptr(r.a.Base())
	if lo < base || hi > base+uintptr(r.bm.HeapSize()) {
		return errors.Wrapf(errOutOfHeap, "[%#x, %#x) heap [%#x, %#x)",
			lo, hi, base, base+uintptr(r.bm.HeapSize()))
	}
	for i, l := range r.live {
		if i == id || l.p == nil || l.size == 0 {
			continue
		}
		llo := uintptr(l.p)
		lhi := llo + uintptr(l.size)
		if lo < lhi && llo < hi {
			return errors.Wrapf(errOverlap, "[%#x, %#x) and id %d [%#x, %#x)",
				lo, hi, i, llo, lhi)
		}
	}
	return nil
}

func (r *replayer) intact(id int) error {
	b := r.live[id]
	if b.p == nil {
		return nil
	}
	if xxhash3.Hash(payload(b.p, b.size)) != b.sum {
		return errors.Wrapf(errCorrupt, "id %d (%d bytes at %p)", id,
			b.size, b.p)
	}
	return nil
}

func (r *replayer) account(oldSize, newSize uint64) {
	r.cur = r.cur - oldSize + newSize
	if r.cur > r.peak {
		r.peak = r.cur
	}
}

func (r *replayer) alloc(id int, size uint64) error {
	if r.live[id].used {
		return errors.Wrapf(errBadID, "id %d already allocated", id)
	}
	p := r.bm.Malloc(size)
	if p == nil {
		if size == 0 {
			r.live[id] = block{used: true}
			return nil
		}
		return errors.Wrapf(errNoMem, "malloc(%d)", size)
	}
	b := block{p: p, size: size, used: true}
	if r.verify {
		if err := r.valid(id, p, size); err != nil {
			return err
		}
		r.fill(id, &b)
	}
	r.live[id] = b
	r.account(0, size)
	return nil
}

func (r *replayer) realloc(id int, size uint64) error {
	old := r.live[id]
	var prefix uint64
	keep := old.size
	if size < keep {
		keep = size
	}
	if r.verify {
		if err := r.intact(id); err != nil {
			return err
		}
		if old.p != nil {
			prefix = xxhash3.Hash(payload(old.p, keep))
		}
	}
	p := r.bm.Realloc(old.p, size)
	if p == nil {
		if size == 0 {
			delete(r.live, id)
			r.account(old.size, 0)
			return nil
		}
		return errors.Wrapf(errNoMem, "realloc(%d)", size)
	}
	b := block{p: p, size: size, used: true}
	if r.verify {
		if err := r.valid(id, p, size); err != nil {
			return err
		}
		if old.p != nil && xxhash3.Hash(payload(p, keep)) != prefix {
			return errors.Wrapf(errCorrupt,
				"id %d: realloc lost the first %d bytes", id, keep)
		}
		r.fill(id, &b)
	}
	r.live[id] = b
	r.account(old.size, size)
	return nil
}

func (r *replayer) free(id int) error {
	b := r.live[id]
	if !b.used {
		return errors.Wrapf(errBadID, "id %d not allocated", id)
	}
	if r.verify {
		if err := r.intact(id); err != nil {
			return err
		}
	}
	if b.p != nil {
		r.bm.Free(b.p)
	}
	delete(r.live, id)
	r.account(b.size, 0)
	return nil
}

func (r *replayer) do(op trace.Op) error {
	switch op.Kind {
	case trace.Alloc:
		return r.alloc(op.ID, op.Size)
	case trace.Realloc:
		return r.realloc(op.ID, op.Size)
	case trace.Free:
		return r.free(op.ID)
	}
	return errors.Errorf("unknown operation %s", op.Kind)
}

// run replays all the trace operations on a fresh heap.
func (r *replayer) run(t *trace.Trace) error {
	if err := r.init(t); err != nil {
		return err
	}
	for i, op := range t.Ops {
		err := r.do(op)
		if err == nil && r.verify && r.cfg.check {
			err = r.bm.Check(verbose)
		}
		if err != nil {
			return errors.Wrapf(err, "op %d (%s %d %d)", i, op.Kind, op.ID,
				op.Size)
		}
	}
	return nil
}

// replay checks t on a, then replays it a second time without checks to
// measure the throughput.
func replay(a heapArena, t *trace.Trace, cfg config) (*Result, error) {
	r := &replayer{a: a, cfg: cfg, verify: true}
	if err := r.run(t); err != nil {
		return nil, errors.Wrapf(err, "%s", t.Name)
	}
	res := &Result{
		Trace:       t.Name,
		Weight:      t.Weight,
		Ops:         len(t.Ops),
		PeakPayload: r.peak,
		HeapSize:    r.bm.HeapSize(),
		Stats:       r.bm.Stats(),
	}
	if res.HeapSize > 0 {
		res.Utilization = float64(res.PeakPayload) / float64(res.HeapSize)
	}
	if verbose {
		r.bm.DumpStatus()
	}

	r.verify = false
	start := time.Now()
	if err := r.run(t); err != nil {
		return nil, errors.Wrapf(err, "%s: timed run", t.Name)
	}
	res.Seconds = time.Since(start).Seconds()
	if res.Seconds > 0 {
		res.OpsPerSec = float64(res.Ops) / res.Seconds
	}
	return res, nil
}
