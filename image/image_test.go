package image

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStream struct{ data []byte }

func (m *memStream) Size() int64 { return int64(len(m.data)) }
func (m *memStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(buf, m.data[offset:]), nil
}

func TestNewExtentMapFillsGapsWithSparse(t *testing.T) {
	backing := &memStream{data: []byte("0123456789")}
	m, err := NewExtentMap(20, []Extent{
		{LogicalStart: 5, LogicalEnd: 10, Kind: Present, Backing: backing, BackingOffset: 0},
	})
	require.NoError(t, err)
	all := m.All()
	require.Len(t, all, 3)
	assert.Equal(t, Sparse, all[0].Kind)
	assert.EqualValues(t, 0, all[0].LogicalStart)
	assert.EqualValues(t, 5, all[0].LogicalEnd)
	assert.Equal(t, Present, all[1].Kind)
	assert.Equal(t, Sparse, all[2].Kind)
	assert.EqualValues(t, 20, all[2].LogicalEnd)
}

func TestNewExtentMapRejectsOverlap(t *testing.T) {
	backing := &memStream{data: []byte("0123456789")}
	_, err := NewExtentMap(10, []Extent{
		{LogicalStart: 0, LogicalEnd: 6, Kind: Present, Backing: backing},
		{LogicalStart: 4, LogicalEnd: 10, Kind: Present, Backing: backing},
	})
	require.Error(t, err)
}

func TestNewExtentMapRejectsOverflow(t *testing.T) {
	backing := &memStream{data: []byte("0123456789")}
	_, err := NewExtentMap(5, []Extent{
		{LogicalStart: 0, LogicalEnd: 10, Kind: Present, Backing: backing},
	})
	require.Error(t, err)
}

func TestReadExtentMapAcrossSparseAndPresent(t *testing.T) {
	backing := &memStream{data: []byte("HELLOWORLD")}
	m, err := NewExtentMap(20, []Extent{
		{LogicalStart: 5, LogicalEnd: 15, Kind: Present, Backing: backing, BackingOffset: 0, Codec: codec.Raw},
	})
	require.NoError(t, err)

	buf := make([]byte, 20)
	n, err := ReadExtentMap(m, nil, 0, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, append(append(make([]byte, 5), []byte("HELLOWORLD")...), make([]byte, 5)...), buf)
}

func TestReadExtentMapDecodesCompressedChunk(t *testing.T) {
	want := []byte("the quick brown fox jumps over the lazy dog")
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	_, err := w.Write(want)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	backing := &memStream{data: compressed.Bytes()}
	m, err := NewExtentMap(int64(len(want)), []Extent{
		{
			LogicalStart: 0, LogicalEnd: int64(len(want)), Kind: Present,
			Backing: backing, BackingOffset: 0, Codec: codec.Zlib,
			CompressedSize: int64(compressed.Len()),
		},
	})
	require.NoError(t, err)

	chunk := NewChunkCache(4, nil)
	instance := chunk.NewInstance()
	buf := make([]byte, len(want))
	n, err := ReadExtentMap(m, chunk, instance, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, buf)
}

func TestReadExtentMapUnmappedFallsThroughToParent(t *testing.T) {
	parent := &memStream{data: []byte("PARENTDATA")}
	m, err := NewExtentMap(10, []Extent{
		{LogicalStart: 0, LogicalEnd: 10, Kind: Unmapped, Parent: parent},
	})
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := ReadExtentMap(m, nil, 0, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "PARENTDATA", string(buf))
}

var _ block.Stream = (*memStream)(nil)
