// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package trace reads allocation trace files.
//
// A trace starts with four numbers (suggested heap size, number of block
// ids, number of operations and weight), followed by one operation per
// line:
//
//	a <id> <size>   allocate size bytes for block id
//	r <id> <size>   reallocate block id to size bytes
//	f <id>          free block id
//
// Empty lines and lines starting with '#' are ignored.
package trace

import (
	"bufio"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the operation type.
type Kind byte

const (
	Alloc   Kind = 'a'
	Realloc Kind = 'r'
	Free    Kind = 'f'
)

func (k Kind) String() string {
	switch k {
	case Alloc:
		return "alloc"
	case Realloc:
		return "realloc"
	case Free:
		return "free"
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// Op is one trace operation. Size is 0 for Free.
type Op struct {
	Kind Kind
	ID   int
	Size uint64
}

// Trace is a parsed trace file.
type Trace struct {
	Name     string
	HeapSize uint64 // suggested, informative only
	NumIDs   int
	Weight   int
	Ops      []Op
}

// ErrSyntax is the cause of all the parsing errors.
var ErrSyntax = errors.New("trace: syntax error")

// MaxCount is the largest block id count, operation count or weight
// accepted in a header.
const MaxCount = math.MaxInt32

// ReadFile parses the trace at path.
func ReadFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "trace")
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	t.Name = path
	return t, nil
}

// Parse reads a whole trace from r.
func Parse(r io.Reader) (*Trace, error) {
	s := bufio.NewScanner(r)
	line := 0
	fail := func(f string, a ...interface{}) error {
		return errors.Wrapf(ErrSyntax, "line %d: "+f,
			append([]interface{}{line}, a...)...)
	}

	var hdr [4]uint64
	n := 0
	var t Trace
	numOps := 0
	for s.Scan() {
		line++
		fields := strings.Fields(s.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if n < len(hdr) {
			if len(fields) != 1 {
				return nil, fail("expected a single header number")
			}
			v, err := strconv.ParseUint(fields[0], 10, 64)
			if err != nil {
				return nil, fail("bad header value %q", fields[0])
			}
			if n > 0 && v > MaxCount {
				return nil, fail("header value %d too big (max %d)", v,
					MaxCount)
			}
			hdr[n] = v
			n++
			if n == len(hdr) {
				t.HeapSize = hdr[0]
				t.NumIDs = int(hdr[1])
				numOps = int(hdr[2])
				t.Weight = int(hdr[3])
			}
			continue
		}
		op, err := parseOp(fields, t.NumIDs)
		if err != nil {
			return nil, fail("%v", err)
		}
		if len(t.Ops) == numOps {
			return nil, fail("more than %d operations", numOps)
		}
		t.Ops = append(t.Ops, op)
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "trace")
	}
	if n < len(hdr) {
		return nil, fail("truncated header")
	}
	if len(t.Ops) != numOps {
		return nil, fail("%d operations, header says %d", len(t.Ops), numOps)
	}
	return &t, nil
}

func parseOp(fields []string, numIDs int) (Op, error) {
	var op Op
	if len(fields[0]) != 1 {
		return op, errors.Errorf("unknown operation %q", fields[0])
	}
	op.Kind = Kind(fields[0][0])
	want := 3
	switch op.Kind {
	case Alloc, Realloc:
	case Free:
		want = 2
	default:
		return op, errors.Errorf("unknown operation %q", fields[0])
	}
	if len(fields) != want {
		return op, errors.Errorf("%s needs %d arguments, got %d",
			op.Kind, want-1, len(fields)-1)
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil || id < 0 || id >= numIDs {
		return op, errors.Errorf("bad block id %q (ids: %d)", fields[1],
			numIDs)
	}
	op.ID = id
	if want == 3 {
		if op.Size, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
			return op, errors.Errorf("bad size %q", fields[2])
		}
	}
	return op, nil
}
