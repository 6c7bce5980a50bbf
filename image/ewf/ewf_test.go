package ewf

import (
	"encoding/binary"
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

var _ block.Stream = (*memStream)(nil)

func TestReadTableHeaderDecodesEntryCountAndBaseOffset(t *testing.T) {
	header := []byte{
		0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x4d, 0x07, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xd5, 0x00, 0xfd, 0x0d,
	}
	base, err := readTableHeader(header)
	require.NoError(t, err)
	assert.EqualValues(t, 1869, base)
	assert.EqualValues(t, 128, binary.LittleEndian.Uint32(header[0:4]))
}

func TestReadTableHeaderRejectsBadChecksum(t *testing.T) {
	header := []byte{
		0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x4d, 0x07, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	_, err := readTableHeader(header)
	assert.Error(t, err)
}

// buildTableHeader packs (entryCount, baseOffset) into a 24-byte table
// header with a correct Adler-32 checksum, matching the real on-disk
// layout: number_of_entries, padding, base_offset, padding, checksum.
func buildTableHeader(t *testing.T, entryCount uint32, baseOffset uint64) []byte {
	t.Helper()
	header := make([]byte, 24)
	binary.LittleEndian.PutUint32(header[0:4], entryCount)
	binary.LittleEndian.PutUint64(header[8:16], baseOffset)
	binary.LittleEndian.PutUint32(header[20:24], adler32Checksum(header[0:20]))
	return header
}

// adler32Checksum reimplements hash/adler32's algorithm so the test fixture
// builder does not depend on the package under test for its own checksums.
func adler32Checksum(data []byte) uint32 {
	var a, b uint32 = 1, 0
	for _, c := range data {
		a = (a + uint32(c)) % 65521
		b = (b + a) % 65521
	}
	return b<<16 | a
}

func buildTableSection(t *testing.T, entryOffsets []uint32, baseOffset uint64) ([]byte, section) {
	t.Helper()
	const sectionOffset = 76
	header := buildTableHeader(t, uint32(len(entryOffsets)), baseOffset)

	entries := make([]byte, len(entryOffsets)*4)
	for i, off := range entryOffsets {
		binary.LittleEndian.PutUint32(entries[i*4:], off)
	}

	data := make([]byte, sectionOffset+sectionHeaderSize+24+len(entries))
	copy(data[sectionOffset+sectionHeaderSize:], header)
	copy(data[sectionOffset+sectionHeaderSize+24:], entries)
	return data, section{typ: "table", offset: sectionOffset}
}

func TestParseTableSectionSizesEntriesByNextOffsetDelta(t *testing.T) {
	entryOffsets := []uint32{0, 100, 250}
	data, sec := buildTableSection(t, entryOffsets, 1000)
	sec.nextOffset = int64(len(data)) + 400 // bounds the last entry's span
	seg := &memStream{data: data}

	geom := geometry{sectorsPerChunk: 8, bytesPerSector: 512} // chunkBytes = 4096
	extents, base, cursor, err := parseTableSection(seg, sec, geom, 0, sec.nextOffset)
	require.NoError(t, err)
	require.Len(t, extents, 3)
	assert.EqualValues(t, 1000, base)
	assert.EqualValues(t, 4096*3, cursor)

	assert.EqualValues(t, 1000+0, extents[0].BackingOffset)
	assert.EqualValues(t, 100, extents[0].CompressedSize) // 100-0
	assert.EqualValues(t, 150, extents[1].CompressedSize) // 250-100

	wantLastSize := sec.nextOffset - (1000 + 250)
	assert.EqualValues(t, wantLastSize, extents[2].CompressedSize)
}

func TestParseTableSectionFlagsCompressedEntriesBeforeOverflow(t *testing.T) {
	entryOffsets := []uint32{tableCompressed | 10, 50}
	data, sec := buildTableSection(t, entryOffsets, 0)
	sec.nextOffset = int64(len(data)) + 100
	seg := &memStream{data: data}

	geom := geometry{sectorsPerChunk: 1, bytesPerSector: 512}
	extents, _, _, err := parseTableSection(seg, sec, geom, 0, sec.nextOffset)
	require.NoError(t, err)
	require.Len(t, extents, 2)
	assert.Equal(t, codec.Zlib, extents[0].Codec)
	assert.Equal(t, codec.Raw, extents[1].Codec)
}

// TestParseTableSectionStopsMaskingAfter31BitOverflow reproduces the EnCase
// 6.7.1 bug: once a table entry's raw offset has grown past the 31-bit
// boundary, its top bit is genuinely part of the offset rather than a
// compression flag, and every subsequent entry in the section must be read
// unmasked to land on the right backing offset.
func TestParseTableSectionStopsMaskingAfter31BitOverflow(t *testing.T) {
	const raw0 = 0x7ffffff0 // 2147483632, just under the 31-bit boundary
	const raw1 = 0x80000100 // 2147483904, past it; masked looks like a tiny offset
	const raw2 = 0x80000300 // 2147484416, continues growing past the boundary
	entryOffsets := []uint32{raw0, raw1, raw2}
	data, sec := buildTableSection(t, entryOffsets, 0)
	sec.nextOffset = int64(len(data)) + raw2 + 1000
	seg := &memStream{data: data}

	geom := geometry{sectorsPerChunk: 1, bytesPerSector: 512}
	extents, _, _, err := parseTableSection(seg, sec, geom, 0, sec.nextOffset)
	require.NoError(t, err)
	require.Len(t, extents, 3)

	assert.EqualValues(t, raw0, extents[0].BackingOffset)
	assert.EqualValues(t, raw1-raw0, extents[0].CompressedSize)
	assert.Equal(t, codec.Raw, extents[0].Codec)

	// From entry 1 onward the offset is unmasked: its top bit stays set.
	assert.EqualValues(t, raw1, extents[1].BackingOffset)
	assert.EqualValues(t, raw2-raw1, extents[1].CompressedSize)
	assert.Equal(t, codec.Raw, extents[1].Codec)

	assert.EqualValues(t, raw2, extents[2].BackingOffset)
	assert.EqualValues(t, sec.nextOffset-raw2, extents[2].CompressedSize)
}
