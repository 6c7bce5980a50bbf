package hfsplus

import (
	"encoding/binary"

	"github.com/aarsakian/keramics/block"
)

// extentsOverflowKey is HFSPlusExtentKey: the continuation-extent lookup
// key (fork type, file ID, starting logical block).
type extentsOverflowKey struct {
	forkType   uint8
	fileID     uint32
	startBlock uint32
}

func parseExtentsOverflowKey(raw []byte) extentsOverflowKey {
	return extentsOverflowKey{
		forkType:   raw[0],
		fileID:     binary.BigEndian.Uint32(raw[2:6]),
		startBlock: binary.BigEndian.Uint32(raw[6:10]),
	}
}

// lookupExtentOverflow scans the extents-overflow B-tree's leaf chain for
// the continuation record covering startBlock, per spec §4.F.5's fork
// resolution: beyond the first 8 inline descriptors, additional extents
// are keyed (forkType, fileID, startBlock).
func lookupExtentOverflow(s block.Stream, nodeSize uint16, firstLeaf uint32, forkType uint8, fileID, startBlock uint32) (extentDescriptor, bool, error) {
	var found extentDescriptor
	ok := false
	err := walkLeaves(s, nodeSize, firstLeaf, func(rawKey, data []byte) bool {
		if len(rawKey) < 10 || len(data) < 8 {
			return true
		}
		key := parseExtentsOverflowKey(rawKey)
		if key.fileID != fileID || key.forkType != forkType || key.startBlock != startBlock {
			return true
		}
		found = extentDescriptor{
			startBlock: binary.BigEndian.Uint32(data[0:4]),
			blockCount: binary.BigEndian.Uint32(data[4:8]),
		}
		ok = true
		return false
	})
	return found, ok, err
}
