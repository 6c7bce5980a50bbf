package ntfs

import (
	"bytes"
	"testing"

	"github.com/aarsakian/keramics/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCompressedStreamDecodesLZNT1BackreferenceUnit exercises the real
// $DATA+LZNT1 decode path (spec §8's NTFS scenario): one compression unit
// with a single present cluster and the rest sparse, so decodeUnit falls
// through to decodeLZNT1Unit rather than the all-present raw-copy branch.
// The physical cluster holds one LZNT1 sub-chunk whose token stream is a
// literal byte followed by a single self-referencing backreference token,
// expanding to 64 repeated bytes — the golden output this test checks.
func TestCompressedStreamDecodesLZNT1BackreferenceUnit(t *testing.T) {
	const clusterSize = 8
	const unitClusters = 8 // compressionUnitShift=3 -> unitLogicalFull = 64

	// Sub-chunk payload: flags=0x02 (token0 literal, token1 compressed),
	// literal byte 'A', then a backreference token (length=63, displacement=1)
	// that repeats 'A' for the rest of the chunk.
	payload := []byte{0x02, 'A', 0x3C, 0x00}
	header := []byte{byte(len(payload) - 1), 0x80} // bit15 set: chunk is compressed
	chunk := append(header, payload...)

	backing := make([]byte, 900)
	const presentLCN = 100
	copy(backing[presentLCN*clusterSize:], chunk)

	runs := []run{
		{lcn: presentLCN, length: 1, sparse: false},
		{length: unitClusters - 1, sparse: true},
	}

	cs := newCompressedStream(newMemStream(backing), runs, clusterSize, 3, unitClusters*clusterSize, codec.DefaultRegistry())
	require.EqualValues(t, 64, cs.Size())

	got := make([]byte, 64)
	n, err := cs.ReadAt(0, got)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
	assert.Equal(t, bytes.Repeat([]byte{'A'}, 64), got)
}

// TestCompressedStreamTruncatesFinalUnitToLogicalSize checks a compression
// unit whose declared logical size runs past the file's real size gets
// truncated rather than over-reading (spec §4.F.1's "VCN space is
// cluster-granular" note).
func TestCompressedStreamTruncatesFinalUnitToLogicalSize(t *testing.T) {
	const clusterSize = 8
	payload := []byte{0x02, 'B', 0x3C, 0x00}
	header := []byte{byte(len(payload) - 1), 0x80}
	chunk := append(header, payload...)

	backing := make([]byte, 900)
	copy(backing[0:], chunk)

	runs := []run{
		{lcn: 0, length: 1, sparse: false},
		{length: 7, sparse: true},
	}

	const logicalSize = 40 // less than the full 64-byte unit
	cs := newCompressedStream(newMemStream(backing), runs, clusterSize, 3, logicalSize, codec.DefaultRegistry())

	got := make([]byte, logicalSize)
	n, err := cs.ReadAt(0, got)
	require.NoError(t, err)
	assert.Equal(t, logicalSize, n)
	assert.Equal(t, bytes.Repeat([]byte{'B'}, logicalSize), got)
}

// TestDataStreamResolvesNamedAlternateDataStream checks that a record
// carrying both an unnamed $DATA attribute and a named alternate data
// stream resolves each independently by name (spec §8's ADS check),
// matching how Streams() enumerates rec.findAllAttributes(attrData).
func TestDataStreamResolvesNamedAlternateDataStream(t *testing.T) {
	rec := record{
		entry: 42,
		attributes: []attribute{
			{typeID: attrData, name: "", content: []byte("main stream content")},
			{typeID: attrData, name: "zone.identifier", content: []byte("[ZoneTransfer]\nZoneId=3\n")},
		},
	}

	v := &Volume{}

	main, err := v.dataStream(rec, "")
	require.NoError(t, err)
	mainBuf := make([]byte, main.Size())
	_, err = main.ReadAt(0, mainBuf)
	require.NoError(t, err)
	assert.Equal(t, "main stream content", string(mainBuf))

	ads, err := v.dataStream(rec, "zone.identifier")
	require.NoError(t, err)
	adsBuf := make([]byte, ads.Size())
	_, err = ads.ReadAt(0, adsBuf)
	require.NoError(t, err)
	assert.Equal(t, "[ZoneTransfer]\nZoneId=3\n", string(adsBuf))

	_, err = v.dataStream(rec, "no-such-stream")
	require.Error(t, err)

	all := rec.findAllAttributes(attrData)
	require.Len(t, all, 2)
}
