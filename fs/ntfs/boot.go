// Package ntfs implements spec §4.F.1: the NTFS filesystem reader,
// grounded on the teacher's FS/NTFS/MFT/MFT.go and disk/volume/ntfs.go —
// boot record, MFT fix-up, attribute dispatch, runlist decoding,
// $ATTRIBUTE_LIST stitching, LZNT1 compression units, and the $I30
// directory B-tree.
package ntfs

import (
	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/kerr"
)

const layer = "ntfs"

// bootRecord mirrors the fields spec §4.F.1 names from the NTFS boot
// sector's BIOS Parameter Block.
type bootRecord struct {
	bytesPerSector    int64
	sectorsPerCluster int64
	mftLCN            int64
	mftMirrorLCN      int64
	bytesPerMFTRecord int64
	bytesPerIndexRec  int64
	totalSectors       int64
}

func (b bootRecord) clusterSize() int64 { return b.bytesPerSector * b.sectorsPerCluster }

// parseBootRecord reads and validates the 512-byte NTFS boot sector. Per
// spec §6 ("NTFS    " at byte 3), this is also used as the filesystem's
// detection probe.
func parseBootRecord(backing block.Stream) (bootRecord, error) {
	sector := make([]byte, 512)
	if err := block.ReadFull(backing, 0, sector); err != nil {
		return bootRecord{}, err
	}
	if string(sector[3:11]) != "NTFS    " {
		return bootRecord{}, kerr.New(kerr.Format, layer, 0, "missing NTFS OEM ID")
	}
	r := binreader.New(sector)
	r.Pos = 11
	bytesPerSector, err := r.U16LE()
	if err != nil {
		return bootRecord{}, err
	}
	sectorsPerCluster, err := r.U8()
	if err != nil {
		return bootRecord{}, err
	}
	r.Pos = 40
	totalSectors, err := r.I64LE()
	if err != nil {
		return bootRecord{}, err
	}
	mftLCN, err := r.I64LE()
	if err != nil {
		return bootRecord{}, err
	}
	mftMirrorLCN, err := r.I64LE()
	if err != nil {
		return bootRecord{}, err
	}
	// signed byte: negative n means record size 2^|n| bytes
	clustersPerMFTRecord, err := r.U8()
	if err != nil {
		return bootRecord{}, err
	}
	r.Pos = 65
	clustersPerIndexRec, err := r.U8()
	if err != nil {
		return bootRecord{}, err
	}

	b := bootRecord{
		bytesPerSector:    int64(bytesPerSector),
		sectorsPerCluster: int64(sectorsPerCluster),
		totalSectors:      totalSectors,
		mftLCN:            mftLCN,
		mftMirrorLCN:      mftMirrorLCN,
	}
	b.bytesPerMFTRecord = sizeFromSignedByte(clustersPerMFTRecord, b.clusterSize())
	b.bytesPerIndexRec = sizeFromSignedByte(clustersPerIndexRec, b.clusterSize())
	return b, nil
}

// sizeFromSignedByte decodes the NTFS convention for per-record cluster
// counts: a positive value is a cluster count; a negative (as a signed
// int8) value n means the record size is 2^|n| bytes.
func sizeFromSignedByte(raw uint8, clusterSize int64) int64 {
	signed := int8(raw)
	if signed >= 0 {
		return int64(signed) * clusterSize
	}
	return int64(1) << uint(-signed)
}
