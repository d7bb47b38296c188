// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package bmalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/mallocs/bmalloc/arena"
)

// TestMmapArena runs the allocator on a reserved mapping, growing it until
// the reservation is exhausted.
func TestMmapArena(t *testing.T) {
	a, err := arena.NewMmap(1 << 20)
	require.NoError(t, err)
	defer a.Close()

	var bm BMalloc
	require.NoError(t, bm.Init(a, 0, BMDefaultOptions))

	var ptrs [][]byte
	for {
		p := bm.Malloc(10000)
		if p == nil {
			break
		}
		b := bm.Bytes(p)
		for i := range b {
			b[i] = byte(len(ptrs))
		}
		ptrs = append(ptrs, b)
	}
	require.NoError(t, bm.Check(false))
	assert.Greater(t, len(ptrs), 90)
	assert.LessOrEqual(t, bm.HeapSize(), uint64(a.Max()))
	assert.Equal(t, uint64(a.Size()), bm.HeapSize())

	for i, b := range ptrs {
		for _, c := range b {
			require.Equal(t, byte(i), c)
		}
	}
	// small requests still fit in the tail
	assert.NotNil(t, bm.Malloc(100))
	require.NoError(t, bm.Check(false))
}
