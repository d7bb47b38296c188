// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"math/rand"
	"sort"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

type liveBlock struct {
	p       unsafe.Pointer
	size    uint64 // requested size
	pattern byte
}

// requireDisjoint checks that the live payloads do not overlap and are
// all aligned.
func requireDisjoint(t *testing.T, bm *BMalloc, live []liveBlock) {
	t.Helper()
	type rng struct{ lo, hi uintptr }
	r := make([]rng, 0, len(live))
	for _, l := range live {
		require.Zero(t, uintptr(l.p)%DSize)
		lo := uintptr(l.p)
		r = append(r, rng{lo, lo + uintptr(bm.UsableSize(l.p))})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].lo < r[j].lo })
	for i := 1; i < len(r); i++ {
		require.LessOrEqual(t, r[i-1].hi, r[i].lo, "overlapping blocks")
	}
}

// TestRandomOps runs a seeded random sequence of Malloc, Free and Realloc
// and checks the heap invariants and all live payloads after every call.
func TestRandomOps(t *testing.T) {
	policies := append(fitPolicies[:len(fitPolicies):len(fitPolicies)],
		struct {
			name    string
			options Options
		}{"debug", BMDefaultOptions | BMDebug})
	for _, fp := range policies {
		t.Run(fp.name, func(t *testing.T) {
			rnd := rand.New(rand.NewSource(42))
			bm := newTestHeap(t, 4<<20, fp.options)
			var live []liveBlock
			randSize := func() uint64 {
				if rnd.Intn(10) == 0 {
					return uint64(1 + rnd.Intn(8000))
				}
				return uint64(1 + rnd.Intn(300))
			}

			for i := 0; i < 1000; i++ {
				switch op := rnd.Intn(10); {
				case op < 5 || len(live) == 0:
					size := randSize()
					p := bm.Malloc(size)
					require.NotNil(t, p, "op %d: malloc(%d)", i, size)
					l := liveBlock{p, size, byte(i)}
					fill(bm, p, l.pattern)
					live = append(live, l)
				case op < 8:
					k := rnd.Intn(len(live))
					bm.Free(live[k].p)
					live[k] = live[len(live)-1]
					live = live[:len(live)-1]
				default:
					k := rnd.Intn(len(live))
					l := live[k]
					size := randSize()
					usable := bm.UsableSize(l.p)
					p := bm.Realloc(l.p, size)
					require.NotNil(t, p, "op %d: realloc(%d)", i, size)
					keep := l.size
					if size < keep {
						keep = size
					}
					requirePattern(t, bm, p, l.pattern, int(keep))
					if size <= usable {
						require.Equal(t, l.p, p, "shrinking realloc moved")
					}
					live[k] = liveBlock{p, size, byte(i)}
					fill(bm, p, live[k].pattern)
				}

				requireConsistent(t, bm)
				requireDisjoint(t, bm, live)
				for _, l := range live {
					requirePattern(t, bm, l.p, l.pattern, int(l.size))
				}
			}

			for _, l := range live {
				bm.Free(l.p)
			}
			requireConsistent(t, bm)
			blocks := chain(bm)
			require.Len(t, blocks, 1, "everything merged back")
			require.Equal(t, uint64(0), bm.MUsage().Used)
		})
	}
}
