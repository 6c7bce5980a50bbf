package volume

import (
	"testing"

	"github.com/aarsakian/keramics/block"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStream is a fixed-size, zero-filled backing stream that test cases
// poke sector contents into directly.
type memStream struct{ data []byte }

func newMemStream(sectors int64) *memStream {
	return &memStream{data: make([]byte, sectors*512)}
}

func (m *memStream) Size() int64 { return int64(len(m.data)) }
func (m *memStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(buf, m.data[offset:]), nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func writeMBREntry(sector []byte, slot int, bootFlag, typeID byte, startLBA, sectors uint32) {
	off := mbrTableOffset + slot*mbrPartitionSize
	sector[off] = bootFlag
	sector[off+4] = typeID
	putLE32(sector[off+8:off+12], startLBA)
	putLE32(sector[off+12:off+16], sectors)
}

func TestOpenMBRRejectsMissingSignature(t *testing.T) {
	backing := newMemStream(10)
	_, err := OpenMBR(backing, 512)
	require.Error(t, err)
}

func TestOpenMBRParsesPrimaryPartitions(t *testing.T) {
	backing := newMemStream(100)
	sector := backing.data[0:512]
	writeMBREntry(sector, 0, 0x80, 0x07, 2048, 10000) // bootable NTFS-typed
	writeMBREntry(sector, 1, 0x00, 0x83, 12048, 5000) // Linux-typed
	sector[mbrSigOffset] = 0x55
	sector[mbrSigOffset+1] = 0xAA

	sys, err := OpenMBR(backing, 512)
	require.NoError(t, err)
	assert.Equal(t, KindMBR, sys.Kind())

	descs := sys.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "0x07", descs[0].TypeID)
	assert.True(t, descs[0].Bootable)
	assert.EqualValues(t, 2048, descs[0].StartLBA)
	assert.Equal(t, "0x83", descs[1].TypeID)
	assert.False(t, descs[1].Bootable)
}

func TestOpenMBRRejectsProtectiveMBR(t *testing.T) {
	backing := newMemStream(10)
	sector := backing.data[0:512]
	for slot := 0; slot < 4; slot++ {
		writeMBREntry(sector, slot, 0x00, 0xEE, 1, 1)
	}
	sector[mbrSigOffset] = 0x55
	sector[mbrSigOffset+1] = 0xAA

	_, err := OpenMBR(backing, 512)
	require.Error(t, err)
}

func TestOpenMBRWalksExtendedPartitionChain(t *testing.T) {
	backing := newMemStream(100)
	sector := backing.data[0:512]
	// one primary, then an extended partition starting at LBA 20
	writeMBREntry(sector, 0, 0x00, 0x07, 2, 10)
	writeMBREntry(sector, 1, 0x00, typeExtendedLBA, 20, 50)
	sector[mbrSigOffset] = 0x55
	sector[mbrSigOffset+1] = 0xAA

	// first EBR at LBA 20: logical partition at relative LBA 1, chain to
	// the next EBR at relative LBA 25.
	ebr1 := backing.data[20*512 : 20*512+512]
	writeMBREntry(ebr1, 0, 0x00, 0x83, 1, 5)
	writeMBREntry(ebr1, 1, 0x00, typeExtendedLBA, 25, 5)
	ebr1[mbrSigOffset] = 0x55
	ebr1[mbrSigOffset+1] = 0xAA

	// second EBR at LBA 20+25=45: one logical partition, no further chain.
	ebr2 := backing.data[45*512 : 45*512+512]
	writeMBREntry(ebr2, 0, 0x00, 0x83, 1, 3)
	ebr2[mbrSigOffset] = 0x55
	ebr2[mbrSigOffset+1] = 0xAA

	sys, err := OpenMBR(backing, 512)
	require.NoError(t, err)
	descs := sys.Descriptors()
	require.Len(t, descs, 3)
	assert.EqualValues(t, 21, descs[1].StartLBA) // 20 + 1
	assert.EqualValues(t, 46, descs[2].StartLBA) // 20 + 25 + 1
}

func TestMBRSystemOpenReturnsClampedSubStream(t *testing.T) {
	backing := newMemStream(100)
	sector := backing.data[0:512]
	writeMBREntry(sector, 0, 0x00, 0x07, 2, 10)
	sector[mbrSigOffset] = 0x55
	sector[mbrSigOffset+1] = 0xAA

	sys, err := OpenMBR(backing, 512)
	require.NoError(t, err)

	sub, err := sys.Open(0)
	require.NoError(t, err)
	assert.EqualValues(t, 10*512, sub.Size())

	_, err = sys.Open(99)
	require.Error(t, err)
}

var _ block.Stream = (*memStream)(nil)
