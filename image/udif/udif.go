// Package udif implements spec §4.D.2: Apple's UDIF (.dmg) container.
// A 512-byte "koly" footer at EOF points at an XML plist whose "blkx"
// array holds one base64-encoded BLKX table per logical sector range;
// each table is a header plus chunk-descriptor entries this package
// turns into one image.ExtentMap.
package udif

import (
	"encoding/binary"
	"fmt"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/codec"
	"github.com/aarsakian/keramics/image"
	"github.com/aarsakian/keramics/internal/plist"
	"github.com/aarsakian/keramics/kerr"
	"github.com/aarsakian/keramics/klog"
)

var log = klog.New("image.udif")

const (
	layer          = "udif"
	footerSize     = 512
	footerSig      = "koly"
	blkxTableSig   = "mish"
	chunkEntrySize = 40
)

const sectorSize = 512

// chunk entry types, per spec §4.D.2.
const (
	entryZeroA    = 0x00000000
	entryZeroB    = 0x00000002
	entryRaw      = 0x00000001
	entryADC      = 0x80000004
	entryZlib     = 0x80000005
	entryBZip2    = 0x80000006
	entryLZFSE    = 0x80000007
	entryLZMA     = 0x80000008
	entryComment  = 0x7ffffffe
	entryTerminal = 0xffffffff
)

// Container is an opened UDIF image.
type Container struct {
	backing    block.Stream
	extents    *image.ExtentMap
	chunkCache *image.ChunkCache
	instance   uint64
}

// Open parses backing's "koly" footer, decodes the embedded plist, and
// builds the combined ExtentMap across every blkx table.
func Open(backing block.Stream, chunkCache *image.ChunkCache) (*Container, error) {
	size := backing.Size()
	if size < footerSize {
		return nil, kerr.New(kerr.Format, layer, size, "file too small for UDIF footer")
	}
	footer := make([]byte, footerSize)
	if err := block.ReadFull(backing, size-footerSize, footer); err != nil {
		return nil, err
	}
	if string(footer[0:4]) != footerSig {
		return nil, kerr.New(kerr.Format, layer, size-footerSize, "missing koly signature")
	}
	version := binary.BigEndian.Uint32(footer[4:8])
	if version != 4 {
		log.Warning(fmt.Sprintf("unexpected UDIF footer version %d", version))
	}
	xmlOffset := int64(binary.BigEndian.Uint64(footer[216:224]))
	xmlLength := int64(binary.BigEndian.Uint64(footer[224:232]))
	sectorCount := binary.BigEndian.Uint64(footer[24:32])

	xmlData := make([]byte, xmlLength)
	if err := block.ReadFull(backing, xmlOffset, xmlData); err != nil {
		return nil, err
	}
	root, err := plist.Parse(xmlData)
	if err != nil {
		return nil, kerr.Wrap(kerr.Format, layer, xmlOffset, "decoding resource plist", err)
	}

	logicalSize := int64(sectorCount) * sectorSize
	extents, err := extentsFromPlist(root, backing, logicalSize)
	if err != nil {
		return nil, err
	}
	em, err := image.NewExtentMap(logicalSize, extents)
	if err != nil {
		return nil, err
	}
	if chunkCache == nil {
		chunkCache = image.NewChunkCache(256, nil)
	}
	return &Container{backing: backing, extents: em, chunkCache: chunkCache, instance: chunkCache.NewInstance()}, nil
}

func extentsFromPlist(root plist.Value, backing block.Stream, logicalSize int64) ([]image.Extent, error) {
	rsrc, ok := root.Get("resource-fork")
	if !ok {
		return nil, kerr.New(kerr.Format, layer, 0, "plist missing resource-fork")
	}
	blkx, ok := rsrc.Get("blkx")
	if !ok || blkx.Kind != plist.KindArray {
		return nil, kerr.New(kerr.Format, layer, 0, "plist missing blkx array")
	}

	var extents []image.Extent
	for _, entryDict := range blkx.Array {
		dataVal, ok := entryDict.Get("Data")
		if !ok || dataVal.Kind != plist.KindData {
			continue
		}
		tableExtents, err := parseBLKXTable(dataVal.Data, backing)
		if err != nil {
			return nil, err
		}
		extents = append(extents, tableExtents...)
	}
	return extents, nil
}

func parseBLKXTable(data []byte, backing block.Stream) ([]image.Extent, error) {
	r := binreader.New(data)
	sig, err := r.FixedString(4)
	if err != nil || sig != blkxTableSig {
		return nil, kerr.New(kerr.Format, layer, 0, "blkx table missing mish signature")
	}
	if err := r.Skip(4); err != nil { // version
		return nil, err
	}
	startSectorBE, err := r.U64BE()
	if err != nil {
		return nil, err
	}
	if _, err := r.U64BE(); err != nil { // sector count
		return nil, err
	}
	if _, err := r.U64BE(); err != nil { // data offset (absolute, within data fork)
		return nil, err
	}
	if err := r.Skip(4 + 4); err != nil { // buffers needed, block descriptors
		return nil, err
	}
	if err := r.Skip(24); err != nil { // reserved
		return nil, err
	}
	if err := r.Skip(4 + 4 + 128); err != nil { // checksum type/size/data
		return nil, err
	}
	numChunks, err := r.U32BE()
	if err != nil {
		return nil, err
	}

	var extents []image.Extent
	startSectorLogical := int64(startSectorBE)
	for i := uint32(0); i < numChunks; i++ {
		entryType, err := r.U32BE()
		if err != nil {
			return nil, err
		}
		if err := r.Skip(4); err != nil { // comment
			return nil, err
		}
		chunkSector, err := r.U64BE()
		if err != nil {
			return nil, err
		}
		chunkSectorCount, err := r.U64BE()
		if err != nil {
			return nil, err
		}
		compOffset, err := r.U64BE()
		if err != nil {
			return nil, err
		}
		compLength, err := r.U64BE()
		if err != nil {
			return nil, err
		}

		if entryType == entryTerminal {
			break
		}
		if entryType == entryComment {
			continue
		}

		logicalStart := (startSectorLogical + int64(chunkSector)) * sectorSize
		logicalLen := int64(chunkSectorCount) * sectorSize
		ext := image.Extent{
			LogicalStart: logicalStart,
			LogicalEnd:   logicalStart + logicalLen,
		}
		switch entryType {
		case entryZeroA, entryZeroB:
			ext.Kind = image.Sparse
		case entryRaw:
			ext.Kind = image.Present
			ext.Codec = codec.Raw
			ext.Backing = backing
			ext.BackingOffset = int64(compOffset)
			ext.CompressedSize = int64(compLength)
		case entryADC, entryZlib, entryBZip2, entryLZFSE, entryLZMA:
			ext.Kind = image.Present
			ext.Codec = codecForEntryType(entryType)
			ext.Backing = backing
			ext.BackingOffset = int64(compOffset)
			ext.CompressedSize = int64(compLength)
		default:
			return nil, kerr.New(kerr.Format, layer, logicalStart, fmt.Sprintf("unknown blkx entry type 0x%x", entryType))
		}
		extents = append(extents, ext)
	}
	return extents, nil
}

func codecForEntryType(t uint32) codec.ID {
	switch t {
	case entryADC:
		return codec.ADC
	case entryZlib:
		return codec.Zlib
	case entryBZip2:
		return codec.BZip2
	case entryLZFSE:
		return codec.LZFSE
	case entryLZMA:
		return codec.LZMA
	default:
		return codec.Raw
	}
}

func (c *Container) Size() int64 { return c.extents.Size() }

func (c *Container) ReadAt(offset int64, buf []byte) (int, error) {
	return image.ReadExtentMap(c.extents, c.chunkCache, c.instance, offset, buf)
}

func (c *Container) Extents() *image.ExtentMap { return c.extents }
