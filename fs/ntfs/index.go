package ntfs

import (
	"encoding/binary"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/kerr"
)

// indexEntry is one decoded $I30 directory index entry: a child's MFT
// reference, its $FILE_NAME content, and (for interior nodes) the VCN of
// the $INDEX_ALLOCATION subnode to recurse into for names collating
// before this entry.
type indexEntry struct {
	fileRef     uint64
	sequence    uint16
	name        string
	namespace   uint8
	isDirectory bool
	hasSubnode  bool
	subnodeVCN  int64
	last        bool
}

const (
	indexFlagHasSubnode = 0x01
	indexFlagLast       = 0x02

	fileNameFlagDirectory = 0x10000000
)

// parseIndexEntries walks a flat run of $I30 entries starting at buf[0],
// in the on-disk order the spec's B+tree requires in-order traversal to
// preserve (ascending by collated name within one node).
func parseIndexEntries(buf []byte) ([]indexEntry, error) {
	var out []indexEntry
	pos := 0
	for pos+16 <= len(buf) {
		entryLength := int(binary.LittleEndian.Uint16(buf[pos+8 : pos+10]))
		if entryLength < 16 || pos+entryLength > len(buf) {
			return nil, kerr.New(kerr.Corrupt, layer, int64(pos), "index entry length out of bounds")
		}
		flags := binary.LittleEndian.Uint32(buf[pos+12 : pos+16])
		e := indexEntry{
			hasSubnode: flags&indexFlagHasSubnode != 0,
			last:       flags&indexFlagLast != 0,
		}
		if !e.last {
			ref := binary.LittleEndian.Uint64(buf[pos : pos+8])
			e.fileRef = ref & 0x0000FFFFFFFFFFFF
			e.sequence = uint16(ref >> 48)

			streamLen := int(binary.LittleEndian.Uint16(buf[pos+10 : pos+12]))
			fn := buf[pos+16 : pos+16+streamLen]
			if len(fn) >= 66 {
				fnFlags := binary.LittleEndian.Uint32(fn[56:60])
				e.isDirectory = fnFlags&fileNameFlagDirectory != 0
				nameLen := int(fn[64])
				e.namespace = fn[65]
				nameBytes := fn[66 : 66+nameLen*2]
				e.name = binreader.UTF16LEToUTF8(nameBytes)
			}
		}
		if e.hasSubnode {
			e.subnodeVCN = int64(binary.LittleEndian.Uint64(buf[pos+entryLength-8 : pos+entryLength]))
		}
		out = append(out, e)
		if e.last {
			break
		}
		pos += entryLength
	}
	return out, nil
}

// indexHeader is the common header preceding a flat entry run, shared by
// $INDEX_ROOT's resident body and each $INDEX_ALLOCATION INDX record.
type indexHeader struct {
	entriesOffset int
	usedSize      int
}

func parseIndexHeader(buf []byte) indexHeader {
	return indexHeader{
		entriesOffset: int(binary.LittleEndian.Uint32(buf[0:4])),
		usedSize:      int(binary.LittleEndian.Uint32(buf[4:8])),
	}
}

// parseIndexRoot decodes a resident $INDEX_ROOT attribute's value: an
// 16-byte header (attribute type/collation rule/bytes-per-index-record)
// followed by an indexHeader and its entries.
func parseIndexRoot(buf []byte) ([]indexEntry, error) {
	if len(buf) < 32 {
		return nil, kerr.New(kerr.Corrupt, layer, 0, "index root shorter than header")
	}
	hdr := parseIndexHeader(buf[16:32])
	start := 16 + hdr.entriesOffset
	end := 16 + hdr.usedSize
	if start > len(buf) || end > len(buf) || start > end {
		return nil, kerr.New(kerr.Corrupt, layer, 0, "index root entries out of bounds")
	}
	return parseIndexEntries(buf[start:end])
}

// parseIndexRecord decodes one fixed-up $INDEX_ALLOCATION "INDX" record.
func parseIndexRecord(buf []byte) ([]indexEntry, error) {
	if err := applyFixup(buf, "INDX"); err != nil {
		return nil, err
	}
	if len(buf) < 40 {
		return nil, kerr.New(kerr.Corrupt, layer, 0, "index record shorter than header")
	}
	hdr := parseIndexHeader(buf[24:40])
	start := 24 + hdr.entriesOffset
	end := 24 + hdr.usedSize
	if start > len(buf) || end > len(buf) || start > end {
		return nil, kerr.New(kerr.Corrupt, layer, 0, "index record entries out of bounds")
	}
	return parseIndexEntries(buf[start:end])
}
