package hfsplus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogKeyBytes(parentID uint32, name string) []byte {
	units := []uint16{}
	for _, r := range name {
		units = append(units, uint16(r)) // test names are plain ASCII
	}
	key := make([]byte, 6+len(units)*2)
	putBE32(key[0:4], parentID)
	putBE16(key[4:6], uint16(len(units)))
	for i, u := range units {
		putBE16(key[6+i*2:8+i*2], u)
	}
	return key
}

func buildFolderRecord(folderID uint32, fileMode uint16) []byte {
	rec := make([]byte, 88)
	putBE16(rec[0:2], catalogRecordFolder)
	putBE32(rec[8:12], folderID)
	putBE16(rec[42:44], fileMode)
	return rec
}

func buildFileRecord(fileID uint32, fileMode uint16, dataLogicalSize uint64) []byte {
	rec := make([]byte, 248)
	putBE16(rec[0:2], catalogRecordFile)
	putBE32(rec[8:12], fileID)
	putBE16(rec[42:44], fileMode)
	// dataFork at 88:168, logicalSize is the first 8 bytes (big-endian).
	for i := 0; i < 8; i++ {
		rec[88+i] = byte(dataLogicalSize >> uint((7-i)*8))
	}
	return rec
}

func buildThreadRecord(recordType uint16, parentID uint32, name string) []byte {
	key := catalogKeyBytes(parentID, name)
	rec := make([]byte, 4+len(key))
	putBE16(rec[0:2], recordType)
	copy(rec[4:], key)
	return rec
}

func TestParseCatalogKeyDecodesName(t *testing.T) {
	raw := catalogKeyBytes(2, "Documents")
	key := parseCatalogKey(raw)
	assert.EqualValues(t, 2, key.parentID)
	assert.Equal(t, "Documents", key.name)
}

func TestParseCatalogRecordFolderReadsFileModeAtCorrectOffset(t *testing.T) {
	rec := buildFolderRecord(42, 0o40755)
	parsed, err := parseCatalogRecord(rec)
	require.NoError(t, err)
	folder, ok := parsed.(catalogFolder)
	require.True(t, ok)
	assert.EqualValues(t, 42, folder.folderID)
	assert.EqualValues(t, 0o40755, folder.fileMode)
}

func TestParseCatalogRecordFileReadsFileModeAndForks(t *testing.T) {
	rec := buildFileRecord(7, 0o100644, 12345)
	parsed, err := parseCatalogRecord(rec)
	require.NoError(t, err)
	file, ok := parsed.(catalogFile)
	require.True(t, ok)
	assert.EqualValues(t, 7, file.fileID)
	assert.EqualValues(t, 0o100644, file.fileMode)
	assert.EqualValues(t, 12345, file.dataFork.logicalSize)
}

func TestParseCatalogRecordThreadDecodesParentAndName(t *testing.T) {
	rec := buildThreadRecord(catalogRecordFileThread, 2, "readme.txt")
	parsed, err := parseCatalogRecord(rec)
	require.NoError(t, err)
	thread, ok := parsed.(catalogThread)
	require.True(t, ok)
	assert.EqualValues(t, 2, thread.parentID)
	assert.Equal(t, "readme.txt", thread.name)
}

func TestParseCatalogRecordRejectsTruncatedFolder(t *testing.T) {
	rec := make([]byte, 10)
	putBE16(rec[0:2], catalogRecordFolder)
	_, err := parseCatalogRecord(rec)
	require.Error(t, err)
}

// buildCatalogStream assembles a one-leaf-node catalog B-tree containing
// kHFSRootFolderID's thread record plus a child folder and its own
// entry, enough to exercise both listCatalogChildren and the two-hop
// findCatalogRecordByCNID lookup.
func buildCatalogStream(t *testing.T) (*testMemStream, btreeHeader) {
	t.Helper()
	const nodeSize = 1024

	rootThread := buildKeyedRecord(catalogKeyBytes(kHFSRootFolderID, ""), buildThreadRecord(catalogRecordFolderThread, 1, ""))
	childEntry := buildKeyedRecord(catalogKeyBytes(kHFSRootFolderID, "Documents"), buildFolderRecord(99, 0o40755))
	childThread := buildKeyedRecord(catalogKeyBytes(99, ""), buildThreadRecord(catalogRecordFolderThread, kHFSRootFolderID, "Documents"))

	leaf := buildNode(nodeSize, 0, btreeNodeLeaf, [][]byte{rootThread, childEntry, childThread})
	header := buildHeaderNode(1, 1, 1, nodeSize, 2)
	img := append(append(append([]byte{}, header...), make([]byte, nodeSize-len(header))...), leaf...)
	s := &testMemStream{data: img}

	h, err := openBTree(s)
	require.NoError(t, err)
	return s, h
}

func TestListCatalogChildrenFindsFolderUnderRoot(t *testing.T) {
	stream, header := buildCatalogStream(t)
	v := &Volume{catalogStream: stream, catalogHeader: header}

	entries, err := v.listCatalogChildren(kHFSRootFolderID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Documents", entries[0].Name)
	assert.Equal(t, Handle{CNID: 99}, entries[0].Handle)
}

func TestFindCatalogRecordByCNIDResolvesTwoHopLookup(t *testing.T) {
	stream, header := buildCatalogStream(t)
	v := &Volume{catalogStream: stream, catalogHeader: header}

	rec, err := v.findCatalogRecordByCNID(99)
	require.NoError(t, err)
	folder, ok := rec.(catalogFolder)
	require.True(t, ok)
	assert.EqualValues(t, 99, folder.folderID)
}

func TestFindCatalogRecordByCNIDNotFound(t *testing.T) {
	stream, header := buildCatalogStream(t)
	v := &Volume{catalogStream: stream, catalogHeader: header}

	_, err := v.findCatalogRecordByCNID(12345)
	require.Error(t, err)
}
