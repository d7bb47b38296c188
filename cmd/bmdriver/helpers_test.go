// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTrace stores a trace in the test temp dir and returns its path.
func writeTrace(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	return buf.String(), fnErr
}

// resetFlags restores the default flag values.
func resetFlags() {
	verbose = false
	jsonOut = false
	runFirstFit = false
	runChunkBits = 0
	runMaxHeap = 1 << 20
	runArena = "slice"
	runCheck = false
}

// assertJSON checks that output is valid JSON and decodes it into v.
func assertJSON(t *testing.T, output string, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(output), v), "output: %s",
		output)
}
