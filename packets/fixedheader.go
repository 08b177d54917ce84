// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package packets

import (
	"bytes"
)

// FixedHeader is the decoded form of the first byte of a control packet plus
// the remaining length.
type FixedHeader struct {
	Remaining int  `json:"remaining"` // the number of bytes remaining in the packet body
	Type      byte `json:"type"`      // the control packet kind, from the high nibble
	Qos       byte `json:"qos"`       // qos flag for publish packets
	Dup       bool `json:"dup"`       // duplicate delivery flag for publish packets
	Retain    bool `json:"retain"`    // retain flag for publish packets
}

// Encode appends the header byte and remaining length to the buffer.
func (fh *FixedHeader) Encode(buf *bytes.Buffer) {
	buf.WriteByte(fh.Type<<4 | boolByte(fh.Dup)<<3 | fh.Qos<<1 | boolByte(fh.Retain))
	writeVarint(buf, fh.Remaining)
}

// Decode extracts the packet kind and flag bits from a header byte. The low
// nibble is reserved for every kind except Publish; Pubrel, Subscribe and
// Unsubscribe must carry 0b0010 [MQTT-2.2.2-1] [MQTT-2.2.2-2].
func (fh *FixedHeader) Decode(hb byte) error {
	fh.Type = hb >> 4

	switch fh.Type {
	case Publish:
		if (hb>>1)&0x03 > 2 {
			return ErrProtocolViolationQosOutOfRange // [MQTT-3.3.1-4]
		}

		fh.Dup = (hb>>3)&0x01 > 0
		fh.Qos = (hb >> 1) & 0x03
		fh.Retain = hb&0x01 > 0
	case Pubrel, Subscribe, Unsubscribe:
		if hb&0x0F != 0x02 {
			return ErrMalformedFlags
		}

		fh.Qos = (hb >> 1) & 0x03
	default:
		if hb&0x0F != 0 {
			return ErrMalformedFlags
		}
	}

	return nil
}
