// Package sparsebundle implements spec §4.D.6: Apple's two band-oriented
// sparse containers. sparseimage packs a header, a band-number array, and
// every allocated band's data into one file; sparsebundle spreads bands
// across hex-named files under a bands/ directory next to an Info.plist.
// Both resolve to the same logical model: band i is either backed by real
// data or, if never allocated, entirely sparse.
package sparsebundle

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/codec"
	"github.com/aarsakian/keramics/image"
	"github.com/aarsakian/keramics/internal/plist"
	"github.com/aarsakian/keramics/kerr"
)

const (
	layer          = "sparsebundle"
	sprsHeaderSize = 4096
	sprsSignature  = "sprs"
)

// Container is an opened sparseimage or sparsebundle image; both share the
// same band-indexed ExtentMap and Container-interface surface.
type Container struct {
	extents    *image.ExtentMap
	chunkCache *image.ChunkCache
	instance   uint64
}

// OpenImage parses a .sparseimage file: a 4096-byte "sprs" header followed
// by a band-number table, with band data packed contiguously afterward.
func OpenImage(backing block.Stream, chunkCache *image.ChunkCache) (*Container, error) {
	hdr := make([]byte, sprsHeaderSize)
	if err := block.ReadFull(backing, 0, hdr); err != nil {
		return nil, err
	}
	if string(hdr[0:4]) != sprsSignature {
		return nil, kerr.New(kerr.Format, layer, 0, "missing sprs signature")
	}
	bandSizeSectors := binary.BigEndian.Uint32(hdr[24:28])
	totalSectors := binary.BigEndian.Uint32(hdr[28:32])
	bandCount := binary.BigEndian.Uint32(hdr[40:44])

	const sectorSize = 512
	bandSizeBytes := int64(bandSizeSectors) * sectorSize
	mediaSize := int64(totalSectors) * sectorSize
	if bandSizeBytes == 0 {
		return nil, kerr.New(kerr.Format, layer, 0, "zero band size")
	}

	tableBytes := make([]byte, int64(bandCount)*4)
	if err := block.ReadFull(backing, sprsHeaderSize, tableBytes); err != nil {
		return nil, err
	}
	dataAreaOffset := sprsHeaderSize + int64(len(tableBytes))

	logicalBands := (mediaSize + bandSizeBytes - 1) / bandSizeBytes
	var extents []image.Extent
	for i := int64(0); i < logicalBands; i++ {
		logicalStart := i * bandSizeBytes
		logicalEnd := logicalStart + bandSizeBytes
		if logicalEnd > mediaSize {
			logicalEnd = mediaSize
		}
		var n uint32
		if i < int64(bandCount) {
			n = binary.BigEndian.Uint32(tableBytes[i*4:])
		}
		if n == 0 {
			extents = append(extents, image.Extent{LogicalStart: logicalStart, LogicalEnd: logicalEnd, Kind: image.Sparse})
			continue
		}
		backingOffset := dataAreaOffset + (int64(n)-1)*bandSizeBytes
		extents = append(extents, image.Extent{
			LogicalStart: logicalStart, LogicalEnd: logicalEnd, Kind: image.Present, Codec: codec.Raw,
			Backing: backing, BackingOffset: backingOffset, CompressedSize: logicalEnd - logicalStart,
		})
	}

	em, err := image.NewExtentMap(mediaSize, extents)
	if err != nil {
		return nil, err
	}
	if chunkCache == nil {
		chunkCache = image.NewChunkCache(256, nil)
	}
	return &Container{extents: em, chunkCache: chunkCache, instance: chunkCache.NewInstance()}, nil
}

// OpenBundle parses a .sparsebundle package directory: bundleDir/Info.plist
// for geometry, and bundleDir/bands/<hex band index> for each allocated
// band's data (a missing file means the band is entirely sparse).
func OpenBundle(bundleDir string) (*Container, error) {
	plistData, err := os.ReadFile(filepath.Join(bundleDir, "Info.plist"))
	if err != nil {
		return nil, kerr.Wrap(kerr.Io, layer, 0, "reading Info.plist", err)
	}
	root, err := plist.Parse(plistData)
	if err != nil {
		return nil, kerr.Wrap(kerr.Format, layer, 0, "decoding Info.plist", err)
	}
	bandSizeVal, ok := root.Get("band-size")
	if !ok || bandSizeVal.Kind != plist.KindInteger {
		return nil, kerr.New(kerr.Format, layer, 0, "Info.plist missing band-size")
	}
	sizeVal, ok := root.Get("size")
	if !ok || sizeVal.Kind != plist.KindInteger {
		return nil, kerr.New(kerr.Format, layer, 0, "Info.plist missing size")
	}
	bandSizeBytes := bandSizeVal.Int
	mediaSize := sizeVal.Int
	if bandSizeBytes <= 0 {
		return nil, kerr.New(kerr.Format, layer, 0, "non-positive band-size")
	}

	bandsDir := filepath.Join(bundleDir, "bands")
	entries, err := os.ReadDir(bandsDir)
	if err != nil {
		return nil, kerr.Wrap(kerr.Io, layer, 0, "reading bands directory", err)
	}
	present := make(map[int64]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, err := strconv.ParseInt(e.Name(), 16, 64)
		if err != nil {
			continue
		}
		present[idx] = filepath.Join(bandsDir, e.Name())
	}

	logicalBands := (mediaSize + bandSizeBytes - 1) / bandSizeBytes
	var extents []image.Extent
	for i := int64(0); i < logicalBands; i++ {
		logicalStart := i * bandSizeBytes
		logicalEnd := logicalStart + bandSizeBytes
		if logicalEnd > mediaSize {
			logicalEnd = mediaSize
		}
		path, ok := present[i]
		if !ok {
			extents = append(extents, image.Extent{LogicalStart: logicalStart, LogicalEnd: logicalEnd, Kind: image.Sparse})
			continue
		}
		bandExtents, err := bandFileExtents(path, logicalStart, logicalEnd)
		if err != nil {
			return nil, err
		}
		extents = append(extents, bandExtents...)
	}

	em, err := image.NewExtentMap(mediaSize, extents)
	if err != nil {
		return nil, err
	}
	chunkCache := image.NewChunkCache(256, nil)
	return &Container{extents: em, chunkCache: chunkCache, instance: chunkCache.NewInstance()}, nil
}

// bandFileExtents opens one bands/<hex> file and, if it is shorter than
// the band's full logical span (Apple truncates trailing all-zero pages),
// splits the range into a Present prefix and a Sparse remainder.
func bandFileExtents(path string, logicalStart, logicalEnd int64) ([]image.Extent, error) {
	f, err := block.OpenFile(path)
	if err != nil {
		return nil, kerr.Wrap(kerr.Io, layer, logicalStart, fmt.Sprintf("opening band file %s", path), err)
	}
	fileSize := f.Size()
	want := logicalEnd - logicalStart
	if fileSize > want {
		fileSize = want
	}
	var extents []image.Extent
	if fileSize > 0 {
		extents = append(extents, image.Extent{
			LogicalStart: logicalStart, LogicalEnd: logicalStart + fileSize, Kind: image.Present, Codec: codec.Raw,
			Backing: f, BackingOffset: 0, CompressedSize: fileSize,
		})
	}
	if fileSize < want {
		extents = append(extents, image.Extent{LogicalStart: logicalStart + fileSize, LogicalEnd: logicalEnd, Kind: image.Sparse})
	}
	return extents, nil
}

func (c *Container) Size() int64 { return c.extents.Size() }

func (c *Container) ReadAt(offset int64, buf []byte) (int, error) {
	return image.ReadExtentMap(c.extents, c.chunkCache, c.instance, offset, buf)
}

func (c *Container) Extents() *image.ExtentMap { return c.extents }
