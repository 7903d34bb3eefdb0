/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package bpool

import (
	"bytes"
	"sync"
)

// MaxRetainedSize is the capacity above which buffers are not returned to the
// pool. Room descriptors and offers can be large, but one oversized frame
// should not pin its memory forever.
const MaxRetainedSize = 256 * 1024

var bpool sync.Pool

// Get returns a buffer from the pool creating a new one if the pool is empty.
func Get() *bytes.Buffer {
	b, ok := bpool.Get().(*bytes.Buffer)
	if !ok {
		b = &bytes.Buffer{}
	}
	return b
}

// Put returns the provided buffer into the pool.
func Put(b *bytes.Buffer) {
	if b.Cap() > MaxRetainedSize {
		return
	}
	b.Reset()
	bpool.Put(b)
}
