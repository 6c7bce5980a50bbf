package hfsplus

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDecmpfsHeader(compressionType uint32, uncompressedSize int64, payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	copy(buf[0:4], "fpmc")
	binary.LittleEndian.PutUint32(buf[4:8], compressionType)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(uncompressedSize))
	copy(buf[16:], payload)
	return buf
}

func TestParseDecmpfsHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 16)
	copy(buf[0:4], "xxxx")
	_, ok := parseDecmpfsHeader(buf)
	assert.False(t, ok)
}

func TestParseDecmpfsHeaderDecodesLittleEndianFields(t *testing.T) {
	buf := buildDecmpfsHeader(decmpfsTypeZlibInline, 12345, nil)
	h, ok := parseDecmpfsHeader(buf)
	require.True(t, ok)
	assert.EqualValues(t, decmpfsTypeZlibInline, h.compressionType)
	assert.EqualValues(t, 12345, h.uncompressedSize)
}

func TestDecompressStreamInlineZlib(t *testing.T) {
	want := []byte("hello, compressed world")
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	_, err := w.Write(want)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	attr := buildDecmpfsHeader(decmpfsTypeZlibInline, int64(len(want)), compressed.Bytes())
	h, ok := parseDecmpfsHeader(attr)
	require.True(t, ok)

	s, err := decompressStream(h, attr, nil, nil)
	require.NoError(t, err)
	buf := make([]byte, len(want))
	n, err := s.ReadAt(0, buf)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, buf)
}

func TestDecompressStreamInlineLiteralMarker(t *testing.T) {
	literal := []byte("stored uncompressed")
	payload := append([]byte{0x0F}, literal...)
	attr := buildDecmpfsHeader(decmpfsTypeZlibInline, int64(len(literal)), payload)
	h, ok := parseDecmpfsHeader(attr)
	require.True(t, ok)

	s, err := decompressStream(h, attr, nil, nil)
	require.NoError(t, err)
	buf := make([]byte, len(literal))
	n, err := s.ReadAt(0, buf)
	require.NoError(t, err)
	assert.Equal(t, literal, buf[:n])
}

func TestDecompressStreamLZVNRejected(t *testing.T) {
	attr := buildDecmpfsHeader(decmpfsTypeLZVNInline, 10, []byte{1, 2, 3})
	h, ok := parseDecmpfsHeader(attr)
	require.True(t, ok)
	_, err := decompressStream(h, attr, nil, nil)
	require.Error(t, err)
}
