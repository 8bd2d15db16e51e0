// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

// Package mempool pools the byte buffers used to encode outbound packets.
package mempool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer capacity returned to the default pool.
const DefaultMaxCap = 64 * 1024

var bufPool = NewBuffer(DefaultMaxCap)

// GetBuffer takes a buffer from the default pool.
func GetBuffer() *bytes.Buffer { return bufPool.Get() }

// PutBuffer returns a buffer to the default pool.
func PutBuffer(x *bytes.Buffer) { bufPool.Put(x) }

// Buffer is a pool of reusable byte buffers. Buffers which have grown beyond
// max are dropped on Put instead of being retained.
type Buffer struct {
	pool sync.Pool
	max  int
}

// NewBuffer returns a buffer pool. If max <= 0 no capacity limit is enforced.
func NewBuffer(max int) *Buffer {
	return &Buffer{
		pool: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
		max: max,
	}
}

// Get takes an empty buffer from the pool.
func (b *Buffer) Get() *bytes.Buffer {
	return b.pool.Get().(*bytes.Buffer)
}

// Put resets the buffer and returns it to the pool.
func (b *Buffer) Put(x *bytes.Buffer) {
	if b.max > 0 && x.Cap() > b.max {
		return
	}

	x.Reset()
	b.pool.Put(x)
}
