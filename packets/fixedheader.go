// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// FixedHeader contains the values of the fixed header portion of the MQTT packet.
type FixedHeader struct {
	Remaining int  `json:"remaining"` // the number of remaining bytes in the payload.
	Type      byte `json:"type"`      // the type of the packet (PUBLISH, SUBSCRIBE, etc) from bits 7 - 4 (byte 1).
	Qos       byte `json:"qos"`       // indicates the quality of service expected.
	Dup       bool `json:"dup"`       // indicates if the packet was already sent at an earlier time.
	Retain    bool `json:"retain"`    // whether the message should be retained.
}

// Encode encodes the FixedHeader and returns a bytes buffer.
func (fh *FixedHeader) Encode(buf *bytes.Buffer) {
	buf.WriteByte(fh.Type<<4 | encodeBool(fh.Dup)<<3 | fh.Qos<<1 | encodeBool(fh.Retain))
	encodeLength(buf, int64(fh.Remaining))
}

// Decode extracts the type and flag bits from the header byte.
func (fh *FixedHeader) Decode(hb byte) error {
	fh.Type = hb >> 4

	switch fh.Type {
	case Publish:
		if (hb>>1)&0x03 == 3 {
			return ErrProtocolViolationQosOutOfRange // [MQTT-3.3.1-4]
		}

		fh.Dup = (hb>>3)&0x01 > 0
		fh.Qos = (hb >> 1) & 0x03
		fh.Retain = hb&0x01 > 0
	case Pubrel, Subscribe, Unsubscribe:
		if hb&0x0F != 0x02 { // [MQTT-3.6.1-1] [MQTT-3.8.1-1] [MQTT-3.10.1-1]
			return ErrMalformedInvalidFlags
		}
		fh.Qos = (hb >> 1) & 0x03
	default:
		if (hb>>3)&0x01 > 0 || (hb>>1)&0x03 > 0 || hb&0x01 > 0 { // [MQTT-2.2.2-2]
			return ErrMalformedInvalidFlags
		}
	}

	return nil
}
