// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLogLevel(t *testing.T) {
	assert.False(t, DBGon(), "debug logs on by default")
	assert.True(t, WARNon())
	assert.True(t, ERRon())
}
