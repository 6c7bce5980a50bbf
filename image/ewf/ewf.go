// Package ewf implements spec §4.D.7: the Expert Witness Format used by
// EnCase/FTK (.E01…EZZ, .s01, .L01). A segment file is a 13-byte signature
// header followed by a chain of 76-byte sections; this package walks that
// chain across every segment, builds one logical ExtentMap from the
// table/table2 chunk-offset arrays, and hides the segment-file boundary
// from callers the way the teacher's EWFReader hid it behind ReadFile.
package ewf

import (
	"encoding/binary"
	"hash/adler32"
	"math"

	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/codec"
	"github.com/aarsakian/keramics/image"
	"github.com/aarsakian/keramics/kerr"
)

const (
	layer = "ewf"

	segmentHeaderSize = 13
	sectionHeaderSize = 76

	tableOffsetMask uint32 = 0x7fffffff
	tableCompressed uint32 = 0x80000000
)

var evfSignature = []byte{'E', 'V', 'F', 0x09, 0x0d, 0x0a, 0xff, 0x00}
var lvfSignature = []byte{'L', 'V', 'F', 0x09, 0x0d, 0x0a, 0xff, 0x00}

type section struct {
	typ        string
	offset     int64 // absolute offset of this section's header
	nextOffset int64
	size       int64
}

type geometry struct {
	bytesPerSector   int64
	sectorsPerChunk  int64
	chunkCount       int64
	compressionLevel byte
}

// Container is an opened EWF acquisition spanning one or more segment files.
type Container struct {
	segments   []block.Stream // in segment-number order
	geom       geometry
	extents    *image.ExtentMap
	chunkCache *image.ChunkCache
	instance   uint64
}

// Open parses every segments file (already in acquisition order: E01,
// E02, ... or s01, s02, ...), chains their sections together, and builds
// the combined logical ExtentMap from every table/table2 section found.
func Open(segments []block.Stream, chunkCache *image.ChunkCache) (*Container, error) {
	if len(segments) == 0 {
		return nil, kerr.New(kerr.Format, layer, 0, "no EWF segment files supplied")
	}
	c := &Container{segments: segments}
	if chunkCache == nil {
		chunkCache = image.NewChunkCache(256, nil)
	}
	c.chunkCache = chunkCache
	c.instance = chunkCache.NewInstance()

	var extents []image.Extent
	var logicalCursor int64
	haveGeometry := false

	for _, seg := range segments {
		if err := verifySegmentHeader(seg); err != nil {
			return nil, err
		}
		offset := int64(segmentHeaderSize)
		var sectorsEndOffset int64 // next_offset of the most recent sectors section, for the last table entry's span
		for {
			sec, err := readSection(seg, offset)
			if err != nil {
				return nil, err
			}
			switch sec.typ {
			case "volume", "disk":
				g, err := parseVolumeSection(seg, sec)
				if err != nil {
					return nil, err
				}
				c.geom = g
				haveGeometry = true
			case "sectors":
				sectorsEndOffset = sec.nextOffset
			case "table", "table2":
				segExtents, _, newCursor, err := parseTableSection(seg, sec, c.geom, logicalCursor, sectorsEndOffset)
				if err != nil {
					return nil, err
				}
				extents = append(extents, segExtents...)
				logicalCursor = newCursor
			}
			if sec.nextOffset <= sec.offset || sec.typ == "done" || sec.typ == "next" {
				break
			}
			offset = sec.nextOffset
		}
	}
	if !haveGeometry {
		return nil, kerr.New(kerr.Format, layer, 0, "no volume/disk section found in any segment")
	}

	totalSize := c.geom.chunkCount * c.geom.sectorsPerChunk * c.geom.bytesPerSector
	em, err := image.NewExtentMap(totalSize, extents)
	if err != nil {
		return nil, err
	}
	c.extents = em
	return c, nil
}

func verifySegmentHeader(seg block.Stream) error {
	hdr := make([]byte, segmentHeaderSize)
	if err := block.ReadFull(seg, 0, hdr); err != nil {
		return err
	}
	if matchSignature(hdr, evfSignature) || matchSignature(hdr, lvfSignature) {
		return nil
	}
	return kerr.New(kerr.Format, layer, 0, "missing EVF/LVF segment signature")
}

func matchSignature(hdr []byte, sig []byte) bool {
	for i, b := range sig {
		if hdr[i] != b {
			return false
		}
	}
	return true
}

func readSection(seg block.Stream, offset int64) (section, error) {
	buf := make([]byte, sectionHeaderSize)
	if err := block.ReadFull(seg, offset, buf); err != nil {
		return section{}, kerr.Wrap(kerr.Format, layer, offset, "reading section header", err)
	}
	typ := trimNulString(buf[0:16])
	next := int64(binary.LittleEndian.Uint64(buf[16:24]))
	size := int64(binary.LittleEndian.Uint64(buf[24:32]))
	return section{typ: typ, offset: offset, nextOffset: next, size: size}, nil
}

func trimNulString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func parseVolumeSection(seg block.Stream, sec section) (geometry, error) {
	body := make([]byte, sec.size-sectionHeaderSize)
	if err := block.ReadFull(seg, sec.offset+sectionHeaderSize, body); err != nil {
		return geometry{}, err
	}
	var g geometry
	switch {
	case len(body) >= 94: // EWF "volume" layout (disk media)
		g.chunkCount = int64(binary.LittleEndian.Uint32(body[4:8]))
		g.sectorsPerChunk = int64(binary.LittleEndian.Uint32(body[8:12]))
		g.bytesPerSector = int64(binary.LittleEndian.Uint32(body[12:16]))
		g.compressionLevel = body[91]
	case len(body) >= 4: // EWF-L01 "disk" layout (logical evidence)
		g.chunkCount = int64(binary.LittleEndian.Uint32(body[4:8]))
		g.sectorsPerChunk = 64
		g.bytesPerSector = 512
	default:
		return g, kerr.New(kerr.Format, layer, sec.offset, "volume/disk section too short")
	}
	if g.sectorsPerChunk == 0 {
		g.sectorsPerChunk = 64
	}
	if g.bytesPerSector == 0 {
		g.bytesPerSector = 512
	}
	return g, nil
}

// parseTableSection decodes one table/table2 section's 24-byte header
// (number_of_entries, base_offset, checksum over the first 20 bytes) plus
// its chunk-offset array into Present extents covering
// [logicalCursor, logicalCursor+N*chunkBytes), returning the section's
// base_offset and the advanced logical cursor.
//
// Each entry packs a 31-bit chunk_data_offset (relative to base_offset)
// plus a top compressed-flag bit. EnCase 6.7.1 has a documented bug where
// chunk_data_offset+chunk_data_size can overflow 31 bits once a segment
// approaches 2 GiB; from the first entry where that happens onward, the
// offset is used unmasked and the top bit is no longer a compression flag,
// per spec §9's "EWF 6.7.1 table-entry 31-bit overflow" note. The overflow
// state is local to this table section: a fresh table/table2 section
// always starts unmasked-clean.
func parseTableSection(seg block.Stream, sec section, geom geometry, logicalCursor int64, sectorsEndOffset int64) ([]image.Extent, int64, int64, error) {
	header := make([]byte, 24)
	if err := block.ReadFull(seg, sec.offset+sectionHeaderSize, header); err != nil {
		return nil, 0, 0, err
	}
	entryCount := binary.LittleEndian.Uint32(header[0:4])
	baseOffset, err := readTableHeader(header)
	if err != nil {
		return nil, 0, 0, err
	}
	entriesOffset := sec.offset + sectionHeaderSize + 24

	entries := make([]byte, int64(entryCount)*4)
	if err := block.ReadFull(seg, entriesOffset, entries); err != nil {
		return nil, 0, 0, err
	}
	rawOffsets := make([]uint32, entryCount)
	for i := range rawOffsets {
		rawOffsets[i] = binary.LittleEndian.Uint32(entries[i*4:])
	}

	chunkBytes := geom.sectorsPerChunk * geom.bytesPerSector
	var extents []image.Extent
	cursor := logicalCursor
	overflowed := false
	for i := uint32(0); i < entryCount; i++ {
		compressed := !overflowed && rawOffsets[i]&tableCompressed != 0
		chunkOffset := rawOffsets[i]
		if !overflowed {
			chunkOffset &= tableOffsetMask
		}

		var chunkDataSize int64
		if i+1 < entryCount {
			nextOffset := rawOffsets[i+1]
			if !overflowed {
				nextOffset &= tableOffsetMask
			}
			switch {
			case chunkOffset < nextOffset:
				chunkDataSize = int64(nextOffset - chunkOffset)
			case uint64(chunkOffset) < uint64(rawOffsets[i+1]):
				// This entry's masked offset no longer precedes the next
				// entry's masked offset, but does precede its raw, unmasked
				// value: the next entry has crossed the 31-bit boundary and
				// its top bit is not really a compression flag. Size against
				// the raw value; the overflow check below then latches for
				// every entry from here on.
				chunkDataSize = int64(rawOffsets[i+1]) - int64(chunkOffset)
			default:
				return nil, 0, 0, kerr.New(kerr.Corrupt, layer, sec.offset, "EWF table entry offset does not precede next entry")
			}
		} else {
			// Last entry in the section: its size is bounded by where the
			// backing data ends, not by another table entry.
			end := sectorsEndOffset
			if end == 0 {
				end = sec.nextOffset
			}
			chunkDataSize = end - (baseOffset + int64(chunkOffset))
		}

		if !overflowed && uint64(chunkOffset)+uint64(chunkDataSize) > math.MaxInt32 {
			overflowed = true
		}

		codecID := codec.Raw
		if compressed {
			codecID = codec.Zlib
		}
		extents = append(extents, image.Extent{
			LogicalStart: cursor, LogicalEnd: cursor + chunkBytes, Kind: image.Present,
			Codec: codecID, Backing: seg, BackingOffset: baseOffset + int64(chunkOffset), CompressedSize: chunkDataSize,
		})
		cursor += chunkBytes
	}
	return extents, baseOffset, cursor, nil
}

// readTableHeader validates the table header's Adler-32 checksum (over
// bytes 0-20, stored at bytes 20-24) and returns its 64-bit base_offset at
// bytes 8-16. Every EWF table header carries this layout; there is no
// version-dependent ambiguity to resolve.
func readTableHeader(header []byte) (int64, error) {
	stored := binary.LittleEndian.Uint32(header[20:24])
	computed := adler32.Checksum(header[0:20])
	if stored != computed {
		return 0, kerr.New(kerr.Format, layer, 0, "EWF table header checksum mismatch")
	}
	return int64(binary.LittleEndian.Uint64(header[8:16])), nil
}

func (c *Container) Size() int64 { return c.extents.Size() }

func (c *Container) ReadAt(offset int64, buf []byte) (int, error) {
	return image.ReadExtentMap(c.extents, c.chunkCache, c.instance, offset, buf)
}

func (c *Container) Extents() *image.ExtentMap { return c.extents }

// SegmentCount reports how many segment files back this image, for
// diagnostics (spec §8 "EWF multi-segment" scenario).
func (c *Container) SegmentCount() int { return len(c.segments) }
