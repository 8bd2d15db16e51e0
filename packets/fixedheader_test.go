// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedHeaderTable struct {
	desc      string
	rawBytes  []byte
	header    FixedHeader
	flagError error
}

var fixedHeaderExpected = []fixedHeaderTable{
	{
		desc:     "connect",
		rawBytes: []byte{Connect << 4, 0x00},
		header:   FixedHeader{Type: Connect},
	},
	{
		desc:     "connack",
		rawBytes: []byte{Connack << 4, 0x00},
		header:   FixedHeader{Type: Connack},
	},
	{
		desc:     "publish qos 0",
		rawBytes: []byte{Publish << 4, 0x00},
		header:   FixedHeader{Type: Publish},
	},
	{
		desc:     "publish qos 1 retain",
		rawBytes: []byte{Publish<<4 | 1<<1 | 1, 0x00},
		header:   FixedHeader{Type: Publish, Qos: 1, Retain: true},
	},
	{
		desc:     "publish qos 2 dup",
		rawBytes: []byte{Publish<<4 | 1<<3 | 2<<1, 0x00},
		header:   FixedHeader{Type: Publish, Qos: 2, Dup: true},
	},
	{
		desc:      "publish qos 3",
		rawBytes:  []byte{Publish<<4 | 3<<1, 0x00},
		header:    FixedHeader{Type: Publish},
		flagError: ErrProtocolViolationQosOutOfRange,
	},
	{
		desc:     "pubrel",
		rawBytes: []byte{Pubrel<<4 | 1<<1, 0x00},
		header:   FixedHeader{Type: Pubrel, Qos: 1},
	},
	{
		desc:      "pubrel bad flags",
		rawBytes:  []byte{Pubrel << 4, 0x00},
		header:    FixedHeader{Type: Pubrel},
		flagError: ErrMalformedInvalidFlags,
	},
	{
		desc:     "subscribe",
		rawBytes: []byte{Subscribe<<4 | 1<<1, 0x00},
		header:   FixedHeader{Type: Subscribe, Qos: 1},
	},
	{
		desc:      "subscribe bad flags",
		rawBytes:  []byte{Subscribe<<4 | 1, 0x00},
		header:    FixedHeader{Type: Subscribe},
		flagError: ErrMalformedInvalidFlags,
	},
	{
		desc:     "unsubscribe",
		rawBytes: []byte{Unsubscribe<<4 | 1<<1, 0x00},
		header:   FixedHeader{Type: Unsubscribe, Qos: 1},
	},
	{
		desc:      "connect with flags",
		rawBytes:  []byte{Connect<<4 | 1<<1, 0x00},
		header:    FixedHeader{Type: Connect},
		flagError: ErrMalformedInvalidFlags,
	},
	{
		desc:     "pingreq",
		rawBytes: []byte{Pingreq << 4, 0x00},
		header:   FixedHeader{Type: Pingreq},
	},
	{
		desc:     "disconnect",
		rawBytes: []byte{Disconnect << 4, 0x00},
		header:   FixedHeader{Type: Disconnect},
	},
}

func TestFixedHeaderDecode(t *testing.T) {
	for _, wanted := range fixedHeaderExpected {
		t.Run(wanted.desc, func(t *testing.T) {
			fh := new(FixedHeader)
			err := fh.Decode(wanted.rawBytes[0])
			if wanted.flagError != nil {
				require.ErrorIs(t, err, wanted.flagError)
				return
			}

			require.NoError(t, err)
			require.Equal(t, wanted.header.Type, fh.Type)
			require.Equal(t, wanted.header.Dup, fh.Dup)
			require.Equal(t, wanted.header.Qos, fh.Qos)
			require.Equal(t, wanted.header.Retain, fh.Retain)
		})
	}
}

func TestFixedHeaderEncode(t *testing.T) {
	for _, wanted := range fixedHeaderExpected {
		if wanted.flagError != nil {
			continue
		}

		t.Run(wanted.desc, func(t *testing.T) {
			buf := new(bytes.Buffer)
			wanted.header.Encode(buf)
			require.Equal(t, wanted.rawBytes, buf.Bytes())
		})
	}
}

func TestFixedHeaderEncodeRemaining(t *testing.T) {
	fh := FixedHeader{Type: Publish, Qos: 1, Retain: true, Remaining: 321}
	buf := new(bytes.Buffer)
	fh.Encode(buf)
	require.Equal(t, []byte{0x33, 0xc1, 0x02}, buf.Bytes())
}
