package hfsplus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extentsOverflowKeyBytes(forkType uint8, fileID, startBlock uint32) []byte {
	key := make([]byte, 10)
	key[0] = forkType
	putBE32(key[2:6], fileID)
	putBE32(key[6:10], startBlock)
	return key
}

func extentDescriptorBytes(startBlock, blockCount uint32) []byte {
	data := make([]byte, 8)
	putBE32(data[0:4], startBlock)
	putBE32(data[4:8], blockCount)
	return data
}

func TestParseExtentsOverflowKeyFieldOrder(t *testing.T) {
	raw := extentsOverflowKeyBytes(0xFF, 123, 8)
	key := parseExtentsOverflowKey(raw)
	assert.EqualValues(t, 0xFF, key.forkType)
	assert.EqualValues(t, 123, key.fileID)
	assert.EqualValues(t, 8, key.startBlock)
}

func TestLookupExtentOverflowFindsExactMatch(t *testing.T) {
	const nodeSize = 512
	rec1 := buildKeyedRecord(extentsOverflowKeyBytes(0, 5, 0), extentDescriptorBytes(100, 8))
	rec2 := buildKeyedRecord(extentsOverflowKeyBytes(0, 5, 8), extentDescriptorBytes(200, 4))
	leaf := buildNode(nodeSize, 0, btreeNodeLeaf, [][]byte{rec1, rec2})
	header := buildHeaderNode(1, 1, 1, nodeSize, 2)
	img := append(append([]byte{}, header...), leaf...)
	s := &testMemStream{data: img}

	h, err := openBTree(s)
	require.NoError(t, err)

	ext, ok, err := lookupExtentOverflow(s, h.nodeSize, h.firstLeaf, 0, 5, 8)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 200, ext.startBlock)
	assert.EqualValues(t, 4, ext.blockCount)
}

func TestLookupExtentOverflowNoMatch(t *testing.T) {
	const nodeSize = 512
	rec1 := buildKeyedRecord(extentsOverflowKeyBytes(0, 5, 0), extentDescriptorBytes(100, 8))
	leaf := buildNode(nodeSize, 0, btreeNodeLeaf, [][]byte{rec1})
	header := buildHeaderNode(1, 1, 1, nodeSize, 1)
	img := append(append([]byte{}, header...), leaf...)
	s := &testMemStream{data: img}

	h, err := openBTree(s)
	require.NoError(t, err)

	_, ok, err := lookupExtentOverflow(s, h.nodeSize, h.firstLeaf, 0, 99, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}
