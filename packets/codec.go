// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package packets

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"
)

const (
	// MaximumRemainingLength is the largest value a variable byte integer can hold.
	MaximumRemainingLength = 268435455 // 0xFF 0xFF 0xFF 0x7F
)

// readUint16 reads a big-endian two byte integer from buf at offset.
func readUint16(buf []byte, offset int) (uint16, int, error) {
	if len(buf) < offset+2 {
		return 0, 0, ErrMalformedUintTruncated
	}

	return binary.BigEndian.Uint16(buf[offset : offset+2]), offset + 2, nil
}

// readUint32 reads a big-endian four byte integer from buf at offset.
func readUint32(buf []byte, offset int) (uint32, int, error) {
	if len(buf) < offset+4 {
		return 0, 0, ErrMalformedUintTruncated
	}

	return binary.BigEndian.Uint32(buf[offset : offset+4]), offset + 4, nil
}

// readByte reads a single byte from buf at offset.
func readByte(buf []byte, offset int) (byte, int, error) {
	if len(buf) <= offset {
		return 0, 0, ErrMalformedByteTruncated
	}
	return buf[offset], offset + 1, nil
}

// readBool reads a single byte from buf at offset and interprets bit 0 as a bool.
func readBool(buf []byte, offset int) (bool, int, error) {
	b, n, err := readByte(buf, offset)
	return b&1 > 0, n, err
}

// readBinary reads a two byte length followed by that many bytes. No content
// validation is performed; used for payloads, passwords, auth and correlation data.
func readBinary(buf []byte, offset int) ([]byte, int, error) {
	length, next, err := readUint16(buf, offset)
	if err != nil {
		return nil, 0, err
	}

	if next+int(length) > len(buf) {
		return nil, 0, ErrMalformedBytesTruncated
	}

	return buf[next : next+int(length)], next + int(length), nil
}

// readString reads a length-prefixed UTF-8 string, rejecting invalid sequences
// and embedded nulls per [MQTT-1.5.4-1] [MQTT-1.5.4-2].
func readString(buf []byte, offset int) (string, int, error) {
	b, n, err := readBinary(buf, offset)
	if err != nil {
		return "", 0, err
	}

	if !validUTF8(b) {
		return "", 0, ErrMalformedInvalidUTF8
	}

	return string(b), n, nil
}

// validUTF8 reports whether b is a well-formed MQTT UTF-8 string.
func validUTF8(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0x00) == -1
}

// writeUint16 appends a big-endian two byte integer to the buffer.
func writeUint16(b *bytes.Buffer, val uint16) {
	var out [2]byte
	binary.BigEndian.PutUint16(out[:], val)
	b.Write(out[:])
}

// writeUint32 appends a big-endian four byte integer to the buffer.
func writeUint32(b *bytes.Buffer, val uint32) {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], val)
	b.Write(out[:])
}

// writeBinary appends a two byte length followed by val.
func writeBinary(b *bytes.Buffer, val []byte) {
	writeUint16(b, uint16(len(val)))
	b.Write(val)
}

// writeString appends a length-prefixed UTF-8 string.
func writeString(b *bytes.Buffer, val string) {
	writeUint16(b, uint16(len(val)))
	b.WriteString(val)
}

// boolByte converts a bool flag to its wire bit.
func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// writeVarint appends a variable byte integer in minimal form [MQTT-1.5.5-1].
func writeVarint(b *bytes.Buffer, val int) {
	for {
		digit := byte(val % 128)
		val /= 128
		if val > 0 {
			digit |= 0x80
		}
		b.WriteByte(digit)
		if val == 0 {
			return
		}
	}
}

// ReadVarint reads a variable byte integer from a byte reader, returning the
// value and the number of bytes consumed. A fifth continuation byte or a value
// beyond MaximumRemainingLength is a malformed packet.
func ReadVarint(r io.ByteReader) (val, n int, err error) {
	var shift uint32
	var value uint32
	for n = 1; ; n++ {
		eb, err := r.ReadByte()
		if err != nil {
			return 0, n, err
		}

		value |= uint32(eb&0x7F) << shift
		if value > MaximumRemainingLength {
			return 0, n, ErrMalformedVariableByteInteger
		}

		if eb&0x80 == 0 {
			break
		}

		if n == 4 {
			return 0, n, ErrMalformedVariableByteInteger
		}
		shift += 7
	}

	return int(value), n, nil
}

// readVarint reads a variable byte integer from buf at offset.
func readVarint(buf []byte, offset int) (int, int, error) {
	r := bytes.NewReader(buf[offset:])
	val, n, err := ReadVarint(r)
	if err != nil {
		return 0, 0, err
	}
	return val, offset + n, nil
}
