// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const short = `20000
2
5
1
# comment
a 0 2040
a 1 10

r 0 4000
f 1
f 0
`

func TestParse(t *testing.T) {
	tr, err := Parse(strings.NewReader(short))
	require.NoError(t, err)
	assert.Equal(t, uint64(20000), tr.HeapSize)
	assert.Equal(t, 2, tr.NumIDs)
	assert.Equal(t, 1, tr.Weight)
	assert.Equal(t, []Op{
		{Alloc, 0, 2040},
		{Alloc, 1, 10},
		{Realloc, 0, 4000},
		{Free, 1, 0},
		{Free, 0, 0},
	}, tr.Ops)
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"truncated header", "100\n2\n"},
		{"bad header", "100\nx\n1\n1\n"},
		{"too few ops", "0\n1\n2\n1\na 0 1\n"},
		{"too many ops", "0\n1\n1\n1\na 0 1\nf 0\n"},
		{"unknown op", "0\n1\n1\n1\nx 0 1\n"},
		{"id out of range", "0\n1\n1\n1\na 1 1\n"},
		{"negative id", "0\n1\n1\n1\na -1 1\n"},
		{"missing size", "0\n1\n1\n1\na 0\n"},
		{"free with size", "0\n1\n1\n1\nf 0 1\n"},
		{"bad size", "0\n1\n1\n1\nr 0 -5\n"},
		{"huge op count", "0\n1\n18446744073709551615\n0\n"},
		{"huge id count", "0\n18446744073709551615\n0\n0\n"},
		{"id count over max", "0\n2147483648\n0\n0\n"},
		{"huge weight", "0\n1\n0\n4294967296\n"},
		{"header overflow", "0\n1\n99999999999999999999\n0\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.input))
			require.Error(t, err)
			assert.Equal(t, ErrSyntax, errors.Cause(err))
		})
	}
}

// TestParseLargeCounts: counts up to MaxCount are accepted and nothing is
// sized from them up front.
func TestParseLargeCounts(t *testing.T) {
	tr, err := Parse(strings.NewReader(
		"0\n2147483647\n1\n2147483647\na 2147483646 8\n"))
	require.NoError(t, err)
	assert.Equal(t, MaxCount, tr.NumIDs)
	assert.Equal(t, MaxCount, tr.Weight)
	assert.Equal(t, []Op{{Alloc, MaxCount - 1, 8}}, tr.Ops)

	_, err = Parse(strings.NewReader("0\n1\n2147483647\n0\na 0 8\n"))
	assert.Equal(t, ErrSyntax, errors.Cause(err))
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.rep")
	require.NoError(t, os.WriteFile(path, []byte(short), 0o600))
	tr, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, tr.Name)
	assert.Len(t, tr.Ops, 5)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.rep"))
	assert.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "alloc", Alloc.String())
	assert.Equal(t, "realloc", Realloc.String())
	assert.Equal(t, "free", Free.String())
	assert.Equal(t, "unknown(120)", Kind('x').String())
}
