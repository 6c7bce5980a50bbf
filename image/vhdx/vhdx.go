// Package vhdx implements spec §4.D.5: Microsoft's VHDX container. Two
// 64 KiB-aligned header copies and two region-table copies are CRC-32C
// protected; the valid header with the highest sequence number wins. The
// region table locates the BAT and metadata regions by GUID; metadata
// yields block size and virtual disk size, and the BAT's 64-bit entries
// (3-bit state + 44-bit 1MiB-granular file offset) resolve payload and
// sector-bitmap blocks.
package vhdx

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/codec"
	"github.com/aarsakian/keramics/image"
	"github.com/aarsakian/keramics/kerr"
)

const (
	layer              = "vhdx"
	regionSize         = 64 * 1024
	headerSig          = "head"
	regionTableSig     = "regi"
	metadataTableSig   = "metadata"
	sectorBitmapBlockBytes = 1 << 20 // 1 MiB
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Known region/metadata item GUIDs, mixed-endian as stored on disk.
var (
	batRegionGUID      = binreader.MustParseGUID("2dc27766-f623-4200-9d64-115e9bfd4a08")
	metadataRegionGUID = binreader.MustParseGUID("8b7ca206-4790-4b9a-b8fe-575f050f886e")

	fileParamsItemGUID    = binreader.MustParseGUID("caa16737-fa36-4d43-b3b6-33f0aa44e76b")
	virtualSizeItemGUID   = binreader.MustParseGUID("2fa54224-cd1b-4876-b211-5dbed83bf4b8")
	logicalSectorItemGUID = binreader.MustParseGUID("8141bf1d-a96f-4709-ba47-f233a8faab5f")
)

type regionEntry struct {
	offset int64
	length int64
}

type fileParams struct {
	blockSize          uint32
	leaveBlocksAllocated bool
	hasParent          bool
}

// Container is an opened VHDX image.
type Container struct {
	backing       block.Stream
	parent        block.Stream
	virtualSize   int64
	blockSize     int64
	logicalSector int64
	bat           []uint64
	chunkRatio    int64
	extents       *image.ExtentMap
	chunkCache    *image.ChunkCache
	instance      uint64
}

// Open parses backing's headers, region table, and metadata, then builds
// the ExtentMap over the declared virtual disk size.
func Open(backing block.Stream, parent block.Stream, chunkCache *image.ChunkCache) (*Container, error) {
	ident := make([]byte, 8)
	if err := block.ReadFull(backing, 0, ident); err != nil {
		return nil, err
	}
	if string(ident) != "vhdxfile" {
		return nil, kerr.New(kerr.Format, layer, 0, "missing vhdxfile signature")
	}

	regionTableOffset, err := bestRegionTable(backing)
	if err != nil {
		return nil, err
	}
	regions, err := parseRegionTable(backing, regionTableOffset)
	if err != nil {
		return nil, err
	}
	batRegion, ok := regions[batRegionGUID]
	if !ok {
		return nil, kerr.New(kerr.Format, layer, regionTableOffset, "missing BAT region")
	}
	metaRegion, ok := regions[metadataRegionGUID]
	if !ok {
		return nil, kerr.New(kerr.Format, layer, regionTableOffset, "missing metadata region")
	}

	fp, virtualSize, logicalSector, err := parseMetadata(backing, metaRegion)
	if err != nil {
		return nil, err
	}

	c := &Container{
		backing: backing, parent: parent,
		virtualSize: virtualSize, blockSize: int64(fp.blockSize), logicalSector: logicalSector,
	}
	if chunkCache == nil {
		chunkCache = image.NewChunkCache(256, nil)
	}
	c.chunkCache = chunkCache
	c.instance = chunkCache.NewInstance()
	c.chunkRatio = (int64(1) << 23) * logicalSector / c.blockSize

	if err := c.loadBAT(batRegion); err != nil {
		return nil, err
	}
	extents, err := c.buildExtents(fp.hasParent)
	if err != nil {
		return nil, err
	}
	em, err := image.NewExtentMap(virtualSize, extents)
	if err != nil {
		return nil, err
	}
	c.extents = em
	return c, nil
}

// bestRegionTable picks whichever of the two 64KiB-aligned headers
// (at 64KiB and 128KiB) has the higher sequence number and a valid
// CRC-32C, per spec §4.D.5, and returns the offset of its matching
// region table copy (at 192KiB or 256KiB respectively).
func bestRegionTable(backing block.Stream) (int64, error) {
	type candidate struct {
		seq    uint64
		region int64
		valid  bool
	}
	var candidates []candidate
	headerOffsets := []int64{64 * 1024, 128 * 1024}
	regionOffsets := []int64{192 * 1024, 256 * 1024}
	for i, off := range headerOffsets {
		buf := make([]byte, 64)
		if err := block.ReadFull(backing, off, buf); err != nil {
			continue
		}
		if string(buf[0:4]) != headerSig {
			continue
		}
		storedCRC := binary.LittleEndian.Uint32(buf[4:8])
		check := make([]byte, len(buf))
		copy(check, buf)
		binary.LittleEndian.PutUint32(check[4:8], 0)
		computed := crc32.Checksum(check, crc32cTable)
		seq := binary.LittleEndian.Uint64(buf[8:16])
		candidates = append(candidates, candidate{seq: seq, region: regionOffsets[i], valid: computed == storedCRC})
	}
	var best *candidate
	for i := range candidates {
		c := &candidates[i]
		if !c.valid {
			continue
		}
		if best == nil || c.seq > best.seq {
			best = c
		}
	}
	if best == nil {
		return 0, kerr.New(kerr.Format, layer, 0, "no valid VHDX header found")
	}
	return best.region, nil
}

func parseRegionTable(backing block.Stream, offset int64) (map[binreader.GUID]regionEntry, error) {
	hdr := make([]byte, 16)
	if err := block.ReadFull(backing, offset, hdr); err != nil {
		return nil, err
	}
	if string(hdr[0:4]) != regionTableSig {
		return nil, kerr.New(kerr.Format, layer, offset, "missing regi signature")
	}
	entryCount := binary.LittleEndian.Uint32(hdr[8:12])

	entries := make(map[binreader.GUID]regionEntry)
	buf := make([]byte, int64(entryCount)*32)
	if err := block.ReadFull(backing, offset+16, buf); err != nil {
		return nil, err
	}
	for i := uint32(0); i < entryCount; i++ {
		rec := buf[i*32 : i*32+32]
		var g binreader.GUID
		copy(g[:], rec[0:16])
		fileOffset := int64(binary.LittleEndian.Uint64(rec[16:24]))
		length := int64(binary.LittleEndian.Uint32(rec[24:28]))
		entries[g] = regionEntry{offset: fileOffset, length: length}
	}
	return entries, nil
}

func parseMetadata(backing block.Stream, region regionEntry) (fileParams, int64, int64, error) {
	hdr := make([]byte, 32)
	if err := block.ReadFull(backing, region.offset, hdr); err != nil {
		return fileParams{}, 0, 0, err
	}
	if string(hdr[0:8]) != metadataTableSig {
		return fileParams{}, 0, 0, kerr.New(kerr.Format, layer, region.offset, "missing metadata signature")
	}
	entryCount := binary.LittleEndian.Uint16(hdr[10:12])

	var fp fileParams
	var virtualSize int64
	var logicalSector int64 = 512

	entries := make([]byte, int64(entryCount)*32)
	if err := block.ReadFull(backing, region.offset+32, entries); err != nil {
		return fp, 0, 0, err
	}
	for i := uint16(0); i < entryCount; i++ {
		rec := entries[i*32 : i*32+32]
		var g binreader.GUID
		copy(g[:], rec[0:16])
		itemOffset := region.offset + int64(binary.LittleEndian.Uint32(rec[16:20]))
		itemLength := int64(binary.LittleEndian.Uint32(rec[20:24]))

		switch g {
		case fileParamsItemGUID:
			buf := make([]byte, 8)
			if err := block.ReadFull(backing, itemOffset, buf); err == nil {
				fp.blockSize = binary.LittleEndian.Uint32(buf[0:4])
				flags := binary.LittleEndian.Uint32(buf[4:8])
				fp.leaveBlocksAllocated = flags&0x1 != 0
				fp.hasParent = flags&0x2 != 0
			}
		case virtualSizeItemGUID:
			buf := make([]byte, 8)
			if err := block.ReadFull(backing, itemOffset, buf); err == nil {
				virtualSize = int64(binary.LittleEndian.Uint64(buf))
			}
		case logicalSectorItemGUID:
			buf := make([]byte, 4)
			if err := block.ReadFull(backing, itemOffset, buf); err == nil {
				logicalSector = int64(binary.LittleEndian.Uint32(buf))
			}
		}
		_ = itemLength
	}
	if fp.blockSize == 0 {
		return fp, 0, 0, kerr.New(kerr.Format, layer, region.offset, "missing File Parameters metadata item")
	}
	return fp, virtualSize, logicalSector, nil
}

func (c *Container) loadBAT(region regionEntry) error {
	dataBlocks := (c.virtualSize + c.blockSize - 1) / c.blockSize
	sectorBitmapBlocks := (dataBlocks + c.chunkRatio - 1) / c.chunkRatio
	totalEntries := dataBlocks + sectorBitmapBlocks

	buf := make([]byte, totalEntries*8)
	if err := block.ReadFull(c.backing, region.offset, buf); err != nil {
		return err
	}
	c.bat = make([]uint64, totalEntries)
	for i := range c.bat {
		c.bat[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return nil
}

func (c *Container) payloadBATIndex(blockIdx int64) int64 {
	chunk := blockIdx / c.chunkRatio
	return chunk*(c.chunkRatio+1) + blockIdx%c.chunkRatio
}

func (c *Container) bitmapBATIndex(chunk int64) int64 {
	return chunk*(c.chunkRatio+1) + c.chunkRatio
}

const (
	payloadNotPresent        = 0
	payloadUndefined         = 1
	payloadZero              = 2
	payloadUnmapped          = 3
	payloadFullyPresent      = 6
	payloadPartiallyPresent  = 7

	sbBlockPresent = 6
)

func batState(entry uint64) uint8    { return uint8(entry & 0x7) }
func batFileOffset(entry uint64) int64 { return int64((entry >> 20) * (1 << 20)) }

func (c *Container) buildExtents(hasParent bool) ([]image.Extent, error) {
	dataBlocks := (c.virtualSize + c.blockSize - 1) / c.blockSize
	var extents []image.Extent
	for b := int64(0); b < dataBlocks; b++ {
		logicalStart := b * c.blockSize
		logicalEnd := logicalStart + c.blockSize
		if logicalEnd > c.virtualSize {
			logicalEnd = c.virtualSize
		}
		entry := c.bat[c.payloadBATIndex(b)]
		state := batState(entry)

		switch state {
		case payloadNotPresent, payloadUndefined:
			kind := image.Sparse
			var parent block.Stream
			if hasParent {
				kind = image.Unmapped
				parent = c.parent
			}
			extents = append(extents, image.Extent{LogicalStart: logicalStart, LogicalEnd: logicalEnd, Kind: kind, Parent: parent})
		case payloadZero:
			extents = append(extents, image.Extent{LogicalStart: logicalStart, LogicalEnd: logicalEnd, Kind: image.Uninitialized})
		case payloadUnmapped:
			extents = append(extents, image.Extent{LogicalStart: logicalStart, LogicalEnd: logicalEnd, Kind: image.Unmapped, Parent: c.parent})
		case payloadFullyPresent:
			extents = append(extents, image.Extent{
				LogicalStart: logicalStart, LogicalEnd: logicalEnd, Kind: image.Present, Codec: codec.Raw,
				Backing: c.backing, BackingOffset: batFileOffset(entry), CompressedSize: logicalEnd - logicalStart,
			})
		case payloadPartiallyPresent:
			sub, err := c.extentsForPartialBlock(b, entry, logicalStart, logicalEnd, hasParent)
			if err != nil {
				return nil, err
			}
			extents = append(extents, sub...)
		default:
			return nil, kerr.New(kerr.Format, layer, logicalStart, "unknown VHDX payload BAT state")
		}
	}
	return extents, nil
}

func (c *Container) extentsForPartialBlock(blockIdx int64, entry uint64, blockStart, blockEnd int64, hasParent bool) ([]image.Extent, error) {
	chunk := blockIdx / c.chunkRatio
	bitmapEntry := c.bat[c.bitmapBATIndex(chunk)]
	var bitmap []byte
	if batState(bitmapEntry) == sbBlockPresent {
		bitmap = make([]byte, sectorBitmapBlockBytes)
		if err := block.ReadFull(c.backing, batFileOffset(bitmapEntry), bitmap); err != nil {
			return nil, err
		}
	} else {
		bitmap = make([]byte, sectorBitmapBlockBytes)
	}

	sectorWithinChunk := (blockIdx % c.chunkRatio) * (c.blockSize / c.logicalSector)
	dataOffset := batFileOffset(entry)

	var extents []image.Extent
	sector := int64(0)
	for logical := blockStart; logical < blockEnd; logical += c.logicalSector {
		end := logical + c.logicalSector
		if end > blockEnd {
			end = blockEnd
		}
		bitIdx := sectorWithinChunk + sector
		set := bitmap[bitIdx/8]&(1<<(uint(bitIdx%8))) != 0
		if set {
			extents = append(extents, image.Extent{
				LogicalStart: logical, LogicalEnd: end, Kind: image.Present, Codec: codec.Raw,
				Backing: c.backing, BackingOffset: dataOffset + sector*c.logicalSector, CompressedSize: end - logical,
			})
		} else if hasParent {
			extents = append(extents, image.Extent{LogicalStart: logical, LogicalEnd: end, Kind: image.Unmapped, Parent: c.parent})
		} else {
			extents = append(extents, image.Extent{LogicalStart: logical, LogicalEnd: end, Kind: image.Sparse})
		}
		sector++
	}
	return extents, nil
}

func (c *Container) Size() int64 { return c.extents.Size() }

func (c *Container) ReadAt(offset int64, buf []byte) (int, error) {
	return image.ReadExtentMap(c.extents, c.chunkCache, c.instance, offset, buf)
}

func (c *Container) Extents() *image.ExtentMap { return c.extents }
