package codec

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/aarsakian/keramics/kerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryRawRoundTrips(t *testing.T) {
	r := DefaultRegistry()
	in := []byte("hello world")
	out, err := r.Decompress(Raw, in, len(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDefaultRegistryZeroProducesZeroedBuffer(t *testing.T) {
	r := DefaultRegistry()
	out, err := r.Decompress(Zero, nil, 8)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), out)
}

func TestDefaultRegistryZlibRoundTrips(t *testing.T) {
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	want := []byte("the quick brown fox jumps over the lazy dog")
	_, err := w.Write(want)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r := DefaultRegistry()
	out, err := r.Decompress(Zlib, compressed.Bytes(), len(want))
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

func TestDecompressRejectsUnregisteredCodec(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decompress(Zlib, nil, 0)
	require.Error(t, err)
	var kerrErr *kerr.Error
	require.ErrorAs(t, err, &kerrErr)
	assert.Equal(t, kerr.Unsupported, kerrErr.Kind)
}

func TestDecompressRejectsSizeMismatch(t *testing.T) {
	r := NewRegistry()
	r.Register(Raw, func(in []byte, outSize int) ([]byte, error) {
		return []byte("short"), nil
	})
	_, err := r.Decompress(Raw, nil, 100)
	require.Error(t, err)
	var kerrErr *kerr.Error
	require.ErrorAs(t, err, &kerrErr)
	assert.Equal(t, kerr.Corrupt, kerrErr.Kind)
}

func TestUnimplementedCodecsFailClosed(t *testing.T) {
	r := DefaultRegistry()
	for _, id := range []ID{ADC, LZFSE, LZMA, LZXpress, LZXpressHuffman, LZX, LZVN} {
		_, err := r.Decompress(id, []byte{1, 2, 3}, 3)
		require.Error(t, err, "codec %s should be unimplemented by default", id)
	}
}

func TestIDStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "lzvn", LZVN.String())
	assert.Equal(t, "zlib", Zlib.String())
	assert.Contains(t, ID(999).String(), "codec(999)")
}
