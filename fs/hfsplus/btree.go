// Package hfsplus implements spec §4.F.5: HFS+/HFSX — the volume
// header, catalog/extents-overflow/attributes B-trees, fork extent
// resolution, and decmpfs compression detection. Every multi-byte
// on-disk value is big-endian, per spec §6.
package hfsplus

import (
	"encoding/binary"

	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/kerr"
)

const layer = "hfsplus"

const (
	btreeNodeLeaf   = -1
	btreeNodeIndex  = 0
	btreeNodeHeader = 1
	btreeNodeMap    = 2
)

// btreeHeader is BTHeaderRec, the record immediately following node 0's
// 14-byte node descriptor.
type btreeHeader struct {
	rootNode     uint32
	firstLeaf    uint32
	lastLeaf     uint32
	nodeSize     uint16
	totalNodes   uint32
}

// btreeRecord is one raw (key, data) pair decoded from a node.
type btreeRecord struct {
	raw []byte
}

// openBTree reads node 0 of a B-tree file stream and returns its header.
func openBTree(s block.Stream) (btreeHeader, error) {
	node0 := make([]byte, 512) // header node is always read at the default minimum node size first
	if err := block.ReadFull(s, 0, node0); err != nil {
		return btreeHeader{}, err
	}
	kind := int8(node0[8])
	if kind != btreeNodeHeader {
		return btreeHeader{}, kerr.New(kerr.Format, layer, 0, "expected B-tree header node")
	}
	numRecords := binary.BigEndian.Uint16(node0[10:12])
	if numRecords < 1 {
		return btreeHeader{}, kerr.New(kerr.Format, layer, 0, "B-tree header node has no records")
	}
	rec := node0[14:]
	return btreeHeader{
		rootNode:   binary.BigEndian.Uint32(rec[2:6]),
		firstLeaf:  binary.BigEndian.Uint32(rec[10:14]),
		lastLeaf:   binary.BigEndian.Uint32(rec[14:18]),
		nodeSize:   binary.BigEndian.Uint16(rec[18:20]),
		totalNodes: binary.BigEndian.Uint32(rec[24:28]),
	}, nil
}

// readNode reads node index (by its own declared nodeSize) and returns
// its kind, forward link, and decoded records.
func readNode(s block.Stream, nodeSize uint16, index uint32) (kind int8, fLink uint32, records []btreeRecord, err error) {
	buf := make([]byte, nodeSize)
	if err := block.ReadFull(s, int64(index)*int64(nodeSize), buf); err != nil {
		return 0, 0, nil, err
	}
	fLink = binary.BigEndian.Uint32(buf[0:4])
	kind = int8(buf[8])
	numRecords := binary.BigEndian.Uint16(buf[10:12])

	offsets := make([]uint16, numRecords+1)
	base := len(buf) - int(numRecords+1)*2
	for i := range offsets {
		offsets[i] = binary.BigEndian.Uint16(buf[base+i*2 : base+i*2+2])
	}
	for i := 0; i < int(numRecords); i++ {
		start, end := offsets[i], offsets[i+1]
		if int(start) > len(buf) || int(end) > len(buf) || start > end {
			continue
		}
		records = append(records, btreeRecord{raw: buf[start:end]})
	}
	return kind, fLink, records, nil
}

// keyedRecord splits a raw node record into its key and data portions:
// a 2-byte key length prefix (HFS+'s variable-length key convention)
// followed by the key bytes, then the data.
func keyedRecord(raw []byte) (key, data []byte, ok bool) {
	if len(raw) < 2 {
		return nil, nil, false
	}
	keyLen := binary.BigEndian.Uint16(raw[0:2])
	start := 2 + int(keyLen)
	if start > len(raw) {
		return nil, nil, false
	}
	if start%2 != 0 && start < len(raw) { // records are padded to an even boundary
		start++
	}
	return raw[2 : 2+int(keyLen)], raw[start:], true
}

// walkLeaves visits every leaf node starting at first, calling visit with
// each record; visit returns false to stop early. This module always
// scans leaves linearly rather than performing a keyed descent from the
// root — simpler to get right, and leaf counts in the volumes this
// reads are modest (see DESIGN.md).
func walkLeaves(s block.Stream, nodeSize uint16, first uint32, visit func(key, data []byte) bool) error {
	node := first
	for node != 0 {
		kind, fLink, records, err := readNode(s, nodeSize, node)
		if err != nil {
			return err
		}
		if kind != btreeNodeLeaf {
			return kerr.New(kerr.Format, layer, int64(node), "expected leaf node in leaf chain")
		}
		for _, r := range records {
			key, data, ok := keyedRecord(r.raw)
			if !ok {
				continue
			}
			if !visit(key, data) {
				return nil
			}
		}
		node = fLink
	}
	return nil
}
