package volume

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeGPTHeader packs one 92-byte GPT header at backing[offset:] with a
// correct header CRC-32 (header_size bytes, CRC field zeroed while
// checksumming) and a correct entries CRC-32 over the entry array already
// written at entriesLBA.
func writeGPTHeader(backing []byte, offset, myLBA, alternateLBA, entriesLBA int64, entryCount uint32, entries []byte) {
	buf := backing[offset : offset+gptHeaderSize]
	copy(buf[0:8], gptHeaderSig)
	binary.LittleEndian.PutUint32(buf[12:16], gptHeaderSize) // header_size
	binary.LittleEndian.PutUint64(buf[24:32], uint64(myLBA))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(alternateLBA))
	binary.LittleEndian.PutUint64(buf[40:48], 34)
	binary.LittleEndian.PutUint64(buf[48:56], 1000)
	binary.LittleEndian.PutUint64(buf[72:80], uint64(entriesLBA))
	binary.LittleEndian.PutUint32(buf[80:84], entryCount)
	binary.LittleEndian.PutUint32(buf[84:88], gptEntrySize)
	binary.LittleEndian.PutUint32(buf[88:92], crc32.ChecksumIEEE(entries))

	binary.LittleEndian.PutUint32(buf[16:20], 0)
	binary.LittleEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(buf))
}

// buildSingleEntryArray returns a one-entry GPT partition array (a
// non-zero type GUID so it isn't skipped as "unused"), per the spec §4.E
// 128-byte entry layout.
func buildSingleEntryArray() []byte {
	entries := make([]byte, gptEntrySize)
	entries[0] = 0x01 // non-zero type GUID byte, so IsZero() is false
	binary.LittleEndian.PutUint64(entries[32:40], 2048)
	binary.LittleEndian.PutUint64(entries[40:48], 4095)
	return entries
}

func TestOpenGPTReadsPrimaryHeaderWhenValid(t *testing.T) {
	const sectorSize = 512
	backing := newMemStream(200)
	entries := buildSingleEntryArray()
	copy(backing.data[gptArrayLBA*sectorSize:], entries)
	writeGPTHeader(backing.data, gptHeaderLBA*sectorSize, gptHeaderLBA, 199, gptArrayLBA, 1, entries)

	sys, err := OpenGPT(backing, sectorSize)
	require.NoError(t, err)
	assert.False(t, sys.UsedBackupHeader())
	require.Len(t, sys.Descriptors(), 1)
	assert.EqualValues(t, 2048, sys.Descriptors()[0].StartLBA)
}

// TestOpenGPTFallsBackToBackupHeaderWhenPrimaryCorrupt reproduces spec §8's
// "corrupted GPT primary" scenario: the primary header's checksum no
// longer matches its bytes, so OpenGPT must fall through to the backup
// header at the disk's last LBA and report UsedBackupHeader().
func TestOpenGPTFallsBackToBackupHeaderWhenPrimaryCorrupt(t *testing.T) {
	const sectorSize = 512
	const diskSectors = 200
	backing := newMemStream(diskSectors)
	lastLBA := int64(diskSectors - 1)

	entries := buildSingleEntryArray()
	// Backup's entry array sits just before the backup header, as on a
	// real disk; the test only needs it readable, not at the exact LBA.
	backupEntriesLBA := lastLBA - 1
	copy(backing.data[backupEntriesLBA*sectorSize:], entries)

	// Primary header: written with a correct checksum, then corrupted.
	writeGPTHeader(backing.data, gptHeaderLBA*sectorSize, gptHeaderLBA, lastLBA, gptArrayLBA, 1, entries)
	backing.data[gptHeaderLBA*sectorSize+56] ^= 0xFF // flip a disk-GUID byte after the checksum was computed

	// Backup header: valid, self-referencing as myLBA==lastLBA.
	writeGPTHeader(backing.data, lastLBA*sectorSize, lastLBA, gptHeaderLBA, backupEntriesLBA, 1, entries)

	sys, err := OpenGPT(backing, sectorSize)
	require.NoError(t, err)
	assert.True(t, sys.UsedBackupHeader())
	require.Len(t, sys.Descriptors(), 1)
	assert.EqualValues(t, 2048, sys.Descriptors()[0].StartLBA)
}

func TestOpenGPTFailsWhenBothHeadersInvalid(t *testing.T) {
	const sectorSize = 512
	backing := newMemStream(200)
	// Never writes any GPT signature anywhere: both reads miss.
	_, err := OpenGPT(backing, sectorSize)
	require.Error(t, err)
}

func TestOpenGPTRejectsEntryArrayChecksumMismatch(t *testing.T) {
	const sectorSize = 512
	backing := newMemStream(200)
	entries := buildSingleEntryArray()
	writeGPTHeader(backing.data, gptHeaderLBA*sectorSize, gptHeaderLBA, 199, gptArrayLBA, 1, entries)
	// Header's entriesCRC32 was computed over `entries`, but the bytes
	// actually written to the array's LBA are corrupted afterward.
	corrupted := append([]byte{}, entries...)
	corrupted[32] ^= 0xFF
	copy(backing.data[gptArrayLBA*sectorSize:], corrupted)

	_, err := OpenGPT(backing, sectorSize)
	require.Error(t, err)
}
