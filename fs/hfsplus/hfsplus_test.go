package hfsplus

import (
	"encoding/binary"
	"testing"

	"github.com/aarsakian/keramics/block"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMemStream is an in-memory block.Stream used only by this package's
// tests to assemble synthetic B-tree fixtures byte-for-byte.
type testMemStream struct{ data []byte }

func (m *testMemStream) Size() int64 { return int64(len(m.data)) }
func (m *testMemStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(buf, m.data[offset:]), nil
}

func putBE16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func putBE32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// buildKeyedRecord packs (key, data) into a node record: a 2-byte
// big-endian key length, the key bytes, even-boundary padding, then data.
func buildKeyedRecord(key, data []byte) []byte {
	out := make([]byte, 2+len(key))
	putBE16(out[0:2], uint16(len(key)))
	copy(out[2:], key)
	if len(out)%2 != 0 {
		out = append(out, 0)
	}
	return append(out, data...)
}

// buildNode assembles one B-tree node of nodeSize bytes: descriptor,
// concatenated records, then the trailing record-offset table.
func buildNode(nodeSize int, fLink uint32, kind int8, records [][]byte) []byte {
	buf := make([]byte, nodeSize)
	putBE32(buf[0:4], fLink)
	buf[8] = byte(kind)
	putBE16(buf[10:12], uint16(len(records)))

	offsets := make([]uint16, len(records)+1)
	pos := 14
	for i, r := range records {
		offsets[i] = uint16(pos)
		copy(buf[pos:pos+len(r)], r)
		pos += len(r)
	}
	offsets[len(records)] = uint16(pos)

	tableBase := nodeSize - (len(records)+1)*2
	for i, off := range offsets {
		putBE16(buf[tableBase+i*2:tableBase+i*2+2], off)
	}
	return buf
}

// buildHeaderNode assembles the 512-byte B-tree header node openBTree
// expects at offset 0 regardless of the tree's own declared node size.
func buildHeaderNode(rootNode, firstLeaf, lastLeaf uint32, nodeSize uint16, totalNodes uint32) []byte {
	buf := make([]byte, 512)
	buf[8] = btreeNodeHeader
	putBE16(buf[10:12], 1) // one BTHeaderRec

	rec := buf[14:]
	putBE32(rec[2:6], rootNode)
	putBE32(rec[10:14], firstLeaf)
	putBE32(rec[14:18], lastLeaf)
	putBE16(rec[18:20], nodeSize)
	putBE32(rec[24:28], totalNodes)
	return buf
}

func TestOpenBTreeRejectsNonHeaderNode(t *testing.T) {
	s := &testMemStream{data: make([]byte, 512)} // kind defaults to 0 (index node)
	_, err := openBTree(s)
	require.Error(t, err)
}

func TestOpenBTreeDecodesHeaderFields(t *testing.T) {
	header := buildHeaderNode(1, 1, 1, 512, 1)
	s := &testMemStream{data: header}
	h, err := openBTree(s)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.rootNode)
	assert.EqualValues(t, 1, h.firstLeaf)
	assert.EqualValues(t, 512, h.nodeSize)
}

func TestWalkLeavesVisitsEveryRecordInOrder(t *testing.T) {
	const nodeSize = 512
	rec1 := buildKeyedRecord([]byte("KEY1"), []byte("DATA1"))
	rec2 := buildKeyedRecord([]byte("KEY2"), []byte("DATA2"))
	leaf := buildNode(nodeSize, 0, btreeNodeLeaf, [][]byte{rec1, rec2})

	header := buildHeaderNode(1, 1, 1, nodeSize, 2)
	img := append(append([]byte{}, header...), leaf...)
	s := &testMemStream{data: img}

	h, err := openBTree(s)
	require.NoError(t, err)

	var gotKeys []string
	var gotData []string
	err = walkLeaves(s, h.nodeSize, h.firstLeaf, func(key, data []byte) bool {
		gotKeys = append(gotKeys, string(key))
		gotData = append(gotData, string(data))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"KEY1", "KEY2"}, gotKeys)
	assert.Equal(t, []string{"DATA1", "DATA2"}, gotData)
}

func TestWalkLeavesStopsEarlyWhenVisitReturnsFalse(t *testing.T) {
	const nodeSize = 512
	rec1 := buildKeyedRecord([]byte("KEY1"), []byte("DATA1"))
	rec2 := buildKeyedRecord([]byte("KEY2"), []byte("DATA2"))
	leaf := buildNode(nodeSize, 0, btreeNodeLeaf, [][]byte{rec1, rec2})
	header := buildHeaderNode(1, 1, 1, nodeSize, 2)
	img := append(append([]byte{}, header...), leaf...)
	s := &testMemStream{data: img}

	h, err := openBTree(s)
	require.NoError(t, err)

	visits := 0
	err = walkLeaves(s, h.nodeSize, h.firstLeaf, func(key, data []byte) bool {
		visits++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, visits)
}

func TestWalkLeavesFollowsForwardLinkChain(t *testing.T) {
	const nodeSize = 512
	recA := buildKeyedRecord([]byte("A"), []byte("first"))
	recB := buildKeyedRecord([]byte("B"), []byte("second"))
	leaf2 := buildNode(nodeSize, 0, btreeNodeLeaf, [][]byte{recB}) // node index 2, no next
	leaf1 := buildNode(nodeSize, 2, btreeNodeLeaf, [][]byte{recA}) // node index 1, links to 2
	header := buildHeaderNode(1, 1, 2, nodeSize, 3)

	img := append(append([]byte{}, header...), leaf1...)
	img = append(img, leaf2...)
	s := &testMemStream{data: img}

	h, err := openBTree(s)
	require.NoError(t, err)

	var gotKeys []string
	err = walkLeaves(s, h.nodeSize, h.firstLeaf, func(key, data []byte) bool {
		gotKeys = append(gotKeys, string(key))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, gotKeys)
}

var _ block.Stream = (*testMemStream)(nil)
