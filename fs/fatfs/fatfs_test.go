package fatfs

import (
	"testing"

	"github.com/aarsakian/keramics/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStream is a growable in-memory backing used only by this package's
// tests to assemble a synthetic FAT12 image byte-for-byte.
type memStream struct{ data []byte }

func (m *memStream) Size() int64 { return int64(len(m.data)) }
func (m *memStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(buf, m.data[offset:]), nil
}

func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// buildFAT12Image assembles a minimal FAT12 volume: 1 reserved sector, one
// FAT, a 16-entry root directory, 512-byte sectors/clusters, holding a
// single two-cluster file "HELLO.TXT".
func buildFAT12Image(t *testing.T, fileData []byte) *memStream {
	t.Helper()
	const bytesPerSector = 512
	const sectorsPerCluster = 1
	const reservedSectors = 1
	const fatCount = 1
	const rootEntries = 16
	const sectorsPerFAT = 1
	const totalSectors = 40

	img := &memStream{data: make([]byte, totalSectors*bytesPerSector)}
	boot := img.data[0:512]
	putLE16(boot[11:13], bytesPerSector)
	boot[13] = sectorsPerCluster
	putLE16(boot[14:16], reservedSectors)
	boot[16] = fatCount
	putLE16(boot[17:19], rootEntries)
	putLE16(boot[19:21], totalSectors)
	putLE16(boot[22:24], sectorsPerFAT)

	fatOffset := int64(reservedSectors) * bytesPerSector
	rootDirSectors := (int64(rootEntries)*32 + bytesPerSector - 1) / bytesPerSector
	rootDirOffset := fatOffset + int64(fatCount)*sectorsPerFAT*bytesPerSector
	dataOffset := rootDirOffset + rootDirSectors*bytesPerSector

	// FAT12 entries: cluster 2 -> cluster 3 -> EOF.
	fat := img.data[fatOffset : fatOffset+sectorsPerFAT*bytesPerSector]
	setFAT12Entry(fat, 2, 3)
	setFAT12Entry(fat, 3, 0xFFF)

	root := img.data[rootDirOffset : rootDirOffset+rootDirSectors*bytesPerSector]
	entry := root[0:32]
	copy(entry[0:11], "HELLO   TXT")
	entry[11] = 0x00 // plain file, no attributes
	putLE16(entry[26:28], 2)
	putLE32(entry[28:32], uint32(len(fileData)))

	cluster2 := img.data[dataOffset : dataOffset+bytesPerSector]
	cluster3 := img.data[dataOffset+bytesPerSector : dataOffset+2*bytesPerSector]
	firstClusterLen := len(fileData)
	if firstClusterLen > bytesPerSector {
		firstClusterLen = bytesPerSector
	}
	copy(cluster2, fileData[:firstClusterLen])
	if len(fileData) > bytesPerSector {
		copy(cluster3, fileData[bytesPerSector:])
	}
	return img
}

// setFAT12Entry packs a 12-bit value into the FAT12 table at index n.
func setFAT12Entry(fat []byte, n uint32, val uint16) {
	byteOff := int64(n) * 3 / 2
	if n%2 == 0 {
		fat[byteOff] = byte(val)
		fat[byteOff+1] = (fat[byteOff+1] & 0xF0) | byte(val>>8)
	} else {
		fat[byteOff] = (fat[byteOff] & 0x0F) | byte(val<<4)
		fat[byteOff+1] = byte(val >> 4)
	}
}

func TestOpenDetectsFAT12Width(t *testing.T) {
	img := buildFAT12Image(t, []byte("hello world"))
	v, err := Open(img)
	require.NoError(t, err)
	assert.Equal(t, width12, v.fatWidth)
}

func TestListRootFindsFile(t *testing.T) {
	content := []byte("hello, this is a two-cluster test file spanning clusters 2 and 3!!")
	img := buildFAT12Image(t, content)
	v, err := Open(img)
	require.NoError(t, err)

	root, err := v.Root()
	require.NoError(t, err)
	entries, err := v.List(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "HELLO.TXT", entries[0].Name)
}

func TestStreamsReadsAcrossClusterChain(t *testing.T) {
	content := make([]byte, 512+100)
	for i := range content {
		content[i] = byte(i % 251)
	}
	img := buildFAT12Image(t, content)
	v, err := Open(img)
	require.NoError(t, err)

	root, err := v.Root()
	require.NoError(t, err)
	handle, ok, err := v.Lookup(root, "hello.txt")
	require.NoError(t, err)
	require.True(t, ok)

	streams, err := v.Streams(handle)
	require.NoError(t, err)
	require.Len(t, streams, 1)

	buf := make([]byte, len(content))
	n, err := streams[0].Data.ReadAt(0, buf)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	assert.Equal(t, content, buf)
}

func TestMetadataReportsRegularType(t *testing.T) {
	img := buildFAT12Image(t, []byte("x"))
	v, err := Open(img)
	require.NoError(t, err)
	root, _ := v.Root()
	entries, err := v.List(root)
	require.NoError(t, err)

	m, err := v.Metadata(entries[0].Handle)
	require.NoError(t, err)
	assert.Equal(t, fs.Regular, m.Type)
}

func TestTargetOfLinkAlwaysFalse(t *testing.T) {
	img := buildFAT12Image(t, []byte("x"))
	v, err := Open(img)
	require.NoError(t, err)
	root, _ := v.Root()
	_, ok, err := v.TargetOfLink(root)
	require.NoError(t, err)
	assert.False(t, ok)
}
