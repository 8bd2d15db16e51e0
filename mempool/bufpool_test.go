// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

package mempool

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferReset(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))

	bp := NewBuffer(0)
	buf := bp.Get()
	for i := 0; i < 101; i++ {
		buf.WriteByte('a')
	}

	bp.Put(buf)
	buf = bp.Get()
	require.Equal(t, 0, buf.Len())
}

func TestBufferWithCap(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))

	bp := NewBuffer(100)
	buf := bp.Get()
	for i := 0; i < 200; i++ {
		buf.WriteByte('a')
	}

	bp.Put(buf)
	buf = bp.Get()
	require.Equal(t, 0, buf.Len())
	require.Equal(t, 0, buf.Cap())
}

func TestDefaultPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("mqtt")
	PutBuffer(buf)

	buf = GetBuffer()
	require.Equal(t, 0, buf.Len())
	PutBuffer(buf)
}
