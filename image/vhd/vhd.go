// Package vhd implements spec §4.D.4: Microsoft's VHD container — fixed,
// dynamic, and differential disks distinguished by the trailing 512-byte
// "conectix" footer, with dynamic/differential images resolving blocks
// through a BAT plus a per-block sector bitmap.
package vhd

import (
	"encoding/binary"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/codec"
	"github.com/aarsakian/keramics/image"
	"github.com/aarsakian/keramics/kerr"
)

const (
	layer        = "vhd"
	footerSize   = 512
	footerSig    = "conectix"
	dynHeaderSig = "cxsparse"

	diskTypeFixed        = 2
	diskTypeDynamic       = 3
	diskTypeDifferencing  = 4

	batUnused uint32 = 0xFFFFFFFF
)

// Footer mirrors the fields this package needs from the 512-byte VHD footer.
type footer struct {
	diskType    uint32
	currentSize uint64
	dataOffset  uint64 // absolute offset of the Dynamic Disk Header, or 0xFFFFFFFFFFFFFFFF for fixed
	parentUUID  binreader.GUID
}

type dynHeader struct {
	tableOffset uint64
	maxTableEntries uint32
	blockSize   uint32
}

// Container is an opened VHD image (fixed, dynamic, or differencing).
type Container struct {
	backing    block.Stream
	parent     block.Stream
	ft         footer
	dyn        *dynHeader
	bat        []uint32
	extents    *image.ExtentMap
	chunkCache *image.ChunkCache
	instance   uint64
}

// Open parses backing's trailing footer (and, for dynamic/differencing
// disks, the Dynamic Disk Header + BAT) and builds an ExtentMap. parent
// backs a differencing disk's unset-bitmap sectors.
func Open(backing block.Stream, parent block.Stream, chunkCache *image.ChunkCache) (*Container, error) {
	size := backing.Size()
	if size < footerSize {
		return nil, kerr.New(kerr.Format, layer, size, "file too small for VHD footer")
	}
	footerBuf := make([]byte, footerSize)
	if err := block.ReadFull(backing, size-footerSize, footerBuf); err != nil {
		return nil, err
	}
	ft, err := parseFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	c := &Container{backing: backing, parent: parent, ft: ft}
	if chunkCache == nil {
		chunkCache = image.NewChunkCache(256, nil)
	}
	c.chunkCache = chunkCache
	c.instance = chunkCache.NewInstance()

	var extents []image.Extent
	switch ft.diskType {
	case diskTypeFixed:
		extents = []image.Extent{{LogicalStart: 0, LogicalEnd: int64(ft.currentSize), Kind: image.Present, Codec: codec.Raw, Backing: backing, BackingOffset: 0, CompressedSize: int64(ft.currentSize)}}
	case diskTypeDynamic, diskTypeDifferencing:
		dh, err := readDynHeader(backing, int64(ft.dataOffset))
		if err != nil {
			return nil, err
		}
		c.dyn = &dh
		if err := c.loadBAT(); err != nil {
			return nil, err
		}
		extents, err = c.buildExtents()
		if err != nil {
			return nil, err
		}
	default:
		return nil, kerr.New(kerr.Unsupported, layer, 0, "unsupported VHD disk type")
	}

	em, err := image.NewExtentMap(int64(ft.currentSize), extents)
	if err != nil {
		return nil, err
	}
	c.extents = em
	return c, nil
}

func parseFooter(b []byte) (footer, error) {
	var f footer
	if string(b[0:8]) != footerSig {
		return f, kerr.New(kerr.Format, layer, 0, "missing conectix signature")
	}
	f.diskType = binary.BigEndian.Uint32(b[60:64])
	f.currentSize = binary.BigEndian.Uint64(b[48:56])
	f.dataOffset = binary.BigEndian.Uint64(b[16:24])
	copy(f.parentUUID[:], b[68:84])
	return f, nil
}

func readDynHeader(backing block.Stream, offset int64) (dynHeader, error) {
	var dh dynHeader
	buf := make([]byte, 1024)
	if err := block.ReadFull(backing, offset, buf); err != nil {
		return dh, err
	}
	if string(buf[0:8]) != dynHeaderSig {
		return dh, kerr.New(kerr.Format, layer, offset, "missing cxsparse signature")
	}
	dh.tableOffset = binary.BigEndian.Uint64(buf[16:24])
	dh.maxTableEntries = binary.BigEndian.Uint32(buf[28:32])
	dh.blockSize = binary.BigEndian.Uint32(buf[32:36])
	return dh, nil
}

func (c *Container) loadBAT() error {
	c.bat = make([]uint32, c.dyn.maxTableEntries)
	buf := make([]byte, int64(c.dyn.maxTableEntries)*4)
	if err := block.ReadFull(c.backing, int64(c.dyn.tableOffset), buf); err != nil {
		return err
	}
	for i := range c.bat {
		c.bat[i] = binary.BigEndian.Uint32(buf[i*4:])
	}
	return nil
}

// bitmapSectors is the sector-bitmap size in 512-byte sectors preceding
// each block: one bit per 512-byte sector of the block, rounded up.
func (c *Container) bitmapSectors() int64 {
	sectorsPerBlock := int64(c.dyn.blockSize) / 512
	bits := (sectorsPerBlock + 7) / 8
	return (bits + 511) / 512
}

func (c *Container) buildExtents() ([]image.Extent, error) {
	blockSize := int64(c.dyn.blockSize)
	bitmapLen := c.bitmapSectors() * 512
	totalBlocks := (int64(c.ft.currentSize) + blockSize - 1) / blockSize

	var extents []image.Extent
	for b := int64(0); b < totalBlocks && b < int64(len(c.bat)); b++ {
		logicalBlockStart := b * blockSize
		logicalBlockEnd := logicalBlockStart + blockSize
		if logicalBlockEnd > int64(c.ft.currentSize) {
			logicalBlockEnd = int64(c.ft.currentSize)
		}
		if c.bat[b] == batUnused {
			kind := image.Sparse
			var parent block.Stream
			if c.ft.diskType == diskTypeDifferencing {
				kind = image.Unmapped
				parent = c.parent
			}
			extents = append(extents, image.Extent{LogicalStart: logicalBlockStart, LogicalEnd: logicalBlockEnd, Kind: kind, Parent: parent})
			continue
		}
		blockDataOffset := int64(c.bat[b])*512 + bitmapLen
		bitmap := make([]byte, bitmapLen)
		if err := block.ReadFull(c.backing, int64(c.bat[b])*512, bitmap); err != nil {
			return nil, err
		}
		subExtents, err := c.extentsForBlock(bitmap, logicalBlockStart, logicalBlockEnd, blockDataOffset)
		if err != nil {
			return nil, err
		}
		extents = append(extents, subExtents...)
	}
	return extents, nil
}

// extentsForBlock walks a block's per-sector bitmap: set bits (present
// for dynamic, also present for differencing) map to backing data; unset
// bits mean sparse (dynamic) or read-from-parent (differential), per
// spec §4.D.4.
func (c *Container) extentsForBlock(bitmap []byte, blockStart, blockEnd, dataOffset int64) ([]image.Extent, error) {
	var extents []image.Extent
	sector := int64(0)
	for logical := blockStart; logical < blockEnd; logical += 512 {
		set := bitmap[sector/8]&(1<<(7-uint(sector%8))) != 0
		end := logical + 512
		if end > blockEnd {
			end = blockEnd
		}
		if set {
			extents = append(extents, image.Extent{
				LogicalStart: logical, LogicalEnd: end, Kind: image.Present, Codec: codec.Raw,
				Backing: c.backing, BackingOffset: dataOffset + sector*512, CompressedSize: end - logical,
			})
		} else if c.ft.diskType == diskTypeDifferencing {
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

// ParentUUID returns the footer-declared parent disk UUID, used by a
// caller resolving a differencing disk's parent-locator entries
// (W2ru/W2ku/MacX/etc., spec §4.D.4) to the correct backing file.
func (c *Container) ParentUUID() binreader.GUID { return c.ft.parentUUID }
