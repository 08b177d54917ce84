// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadUint16(t *testing.T) {
	v, n, err := readUint16([]byte{0x12, 0x34, 0x56}, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), v)
	require.Equal(t, 2, n)

	v, n, err = readUint16([]byte{0x12, 0x34, 0x56}, 1)
	require.NoError(t, err)
	require.Equal(t, uint16(0x3456), v)
	require.Equal(t, 3, n)
}

func TestReadUint16Truncated(t *testing.T) {
	_, _, err := readUint16([]byte{0x12}, 0)
	require.ErrorIs(t, err, ErrMalformedUintTruncated)
}

func TestReadUint32(t *testing.T) {
	v, n, err := readUint32([]byte{0x12, 0x34, 0x56, 0x78}, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x12345678), v)
	require.Equal(t, 4, n)
}

func TestReadUint32Truncated(t *testing.T) {
	_, _, err := readUint32([]byte{0x12, 0x34, 0x56}, 0)
	require.ErrorIs(t, err, ErrMalformedUintTruncated)
}

func TestReadByte(t *testing.T) {
	v, n, err := readByte([]byte{0x0F}, 0)
	require.NoError(t, err)
	require.Equal(t, byte(0x0F), v)
	require.Equal(t, 1, n)

	_, _, err = readByte([]byte{0x0F}, 1)
	require.ErrorIs(t, err, ErrMalformedByteTruncated)
}

func TestReadString(t *testing.T) {
	b := []byte{0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}
	v, n, err := readString(b, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", v)
	require.Equal(t, 7, n)
}

func TestReadStringInvalidUTF8(t *testing.T) {
	_, _, err := readString([]byte{0x00, 0x02, 0xC3, 0x28}, 0)
	require.ErrorIs(t, err, ErrMalformedInvalidUTF8)
}

func TestReadStringEmbeddedNull(t *testing.T) {
	_, _, err := readString([]byte{0x00, 0x03, 'a', 0x00, 'b'}, 0)
	require.ErrorIs(t, err, ErrMalformedInvalidUTF8)
}

func TestReadBinaryTruncated(t *testing.T) {
	_, _, err := readBinary([]byte{0x00, 0x04, 'a', 'b'}, 0)
	require.ErrorIs(t, err, ErrMalformedBytesTruncated)
}

func TestWriteString(t *testing.T) {
	var b bytes.Buffer
	writeString(&b, "a/b")
	require.Equal(t, []byte{0x00, 0x03, 'a', '/', 'b'}, b.Bytes())
}

func TestWriteBinary(t *testing.T) {
	var b bytes.Buffer
	writeBinary(&b, []byte{0xDE, 0xAD})
	require.Equal(t, []byte{0x00, 0x02, 0xDE, 0xAD}, b.Bytes())
}

func TestVarintRoundTrip(t *testing.T) {
	for _, val := range []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, MaximumRemainingLength} {
		var b bytes.Buffer
		writeVarint(&b, val)
		out, n, err := ReadVarint(&b)
		require.NoError(t, err, "value %d", val)
		require.Equal(t, val, out)
		require.Equal(t, encodedVarintLen(val), n)
	}
}

func encodedVarintLen(v int) int {
	switch {
	case v < 128:
		return 1
	case v < 16384:
		return 2
	case v < 2097152:
		return 3
	default:
		return 4
	}
}

func TestVarintMinimalEncoding(t *testing.T) {
	var b bytes.Buffer
	writeVarint(&b, 127)
	require.Equal(t, []byte{0x7F}, b.Bytes())

	b.Reset()
	writeVarint(&b, 128)
	require.Equal(t, []byte{0x80, 0x01}, b.Bytes())

	b.Reset()
	writeVarint(&b, MaximumRemainingLength)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0x7F}, b.Bytes())
}

func TestVarintFifthByteRejected(t *testing.T) {
	_, _, err := ReadVarint(bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}))
	require.ErrorIs(t, err, ErrMalformedVariableByteInteger)
}

func TestVarintTruncated(t *testing.T) {
	_, _, err := ReadVarint(bytes.NewBuffer([]byte{0x80}))
	require.Error(t, err)
}
