package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStream is a fixed-content Stream used only by tests in this package.
type memStream struct{ data []byte }

func (m *memStream) Size() int64 { return int64(len(m.data)) }
func (m *memStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(buf, m.data[offset:])
	return n, nil
}

func TestSubStreamClampsWindow(t *testing.T) {
	parent := &memStream{data: []byte("0123456789")}
	sub, err := Sub(parent, 2, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 4, sub.Size())

	buf := make([]byte, 4)
	n, err := sub.ReadAt(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "2345", string(buf))

	// a read starting past the window returns 0, nil rather than erroring.
	n, err = sub.ReadAt(4, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubRejectsOutOfRange(t *testing.T) {
	parent := &memStream{data: []byte("0123456789")}
	_, err := Sub(parent, 8, 5)
	require.Error(t, err)
}

func TestReadFullShortReadErrors(t *testing.T) {
	parent := &memStream{data: []byte("0123456789")}
	buf := make([]byte, 5)
	err := ReadFull(parent, 8, buf)
	require.Error(t, err)
}

func TestSegmentedStreamConcatenatesInOrder(t *testing.T) {
	a := &memStream{data: []byte("AAAA")}
	b := &memStream{data: []byte("BBB")}
	c := &memStream{data: []byte("CC")}
	seg := NewSegmented([]Stream{a, b, c})
	assert.EqualValues(t, 9, seg.Size())

	buf := make([]byte, 9)
	n, err := seg.ReadAt(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, "AAAABBBCC", string(buf))
}

func TestSegmentedStreamReadSpansBoundary(t *testing.T) {
	a := &memStream{data: []byte("AAAA")}
	b := &memStream{data: []byte("BBBB")}
	seg := NewSegmented([]Stream{a, b})

	buf := make([]byte, 4)
	n, err := seg.ReadAt(2, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "AABB", string(buf))
}

func TestSegmentedStreamSegmentsExposesBacking(t *testing.T) {
	a := &memStream{data: []byte("AA")}
	b := &memStream{data: []byte("BB")}
	seg := NewSegmented([]Stream{a, b})
	got := seg.Segments()
	require.Len(t, got, 2)
	assert.Same(t, Stream(a), got[0])
}
