// Package exfat implements spec §4.F.3: exFAT's boot record, typed
// 32-byte directory entries (primary/secondary/filename), and cluster
// allocation either by FAT chain or as a contiguous ("no-FAT-chain") run.
// The allocation bitmap entry is not read.
package exfat

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/fs"
	"github.com/aarsakian/keramics/image"
	"github.com/aarsakian/keramics/kerr"
)

const layer = "exfat"

const (
	entryTypeInUse = 0x80

	entryBitmap    = 0x81
	entryUpcase    = 0x82
	entryVolLabel  = 0x83
	entryFile      = 0x85
	entryStreamExt = 0xC0
	entryFileName  = 0xC1

	streamFlagNoFATChain = 0x02

	attrDirectory = 0x10
)

// Handle is a self-contained snapshot of one file entry set, the same
// shape fatfs.Handle uses for the same reason: exFAT has no separate
// persistent inode to re-resolve later.
type Handle struct {
	Name          string
	FirstCluster  uint32
	DataLength    int64
	Attr          uint16
	NoFATChain    bool
	IsRoot        bool
	Modified      time.Time
	Created       time.Time
	Accessed      time.Time
}

func (h Handle) isDirectory() bool { return h.Attr&attrDirectory != 0 || h.IsRoot }

// Volume is an opened exFAT filesystem.
type Volume struct {
	backing        block.Stream
	bytesPerSector int64
	clusterSize    int64
	fatOffset      int64
	fatLength      int64
	clusterHeap    int64 // byte offset of cluster #2
	rootCluster    uint32
}

var _ fs.FileSystem = (*Volume)(nil)

// Open parses the exFAT boot sector (spec §6's detection probe is the
// same "EXFAT   " signature read here).
func Open(backing block.Stream) (*Volume, error) {
	sector := make([]byte, 512)
	if err := block.ReadFull(backing, 0, sector); err != nil {
		return nil, err
	}
	if string(sector[3:11]) != "EXFAT   " {
		return nil, kerr.New(kerr.Format, layer, 0, "missing EXFAT OEM ID")
	}
	fatOffset := binary.LittleEndian.Uint32(sector[80:84])
	fatLength := binary.LittleEndian.Uint32(sector[84:88])
	clusterHeapOffset := binary.LittleEndian.Uint32(sector[88:92])
	rootCluster := binary.LittleEndian.Uint32(sector[96:100])
	bytesPerSectorShift := sector[108]
	sectorsPerClusterShift := sector[109]

	bytesPerSector := int64(1) << bytesPerSectorShift
	clusterSize := int64(1) << (bytesPerSectorShift + sectorsPerClusterShift)

	return &Volume{
		backing:        backing,
		bytesPerSector: bytesPerSector,
		clusterSize:    clusterSize,
		fatOffset:      int64(fatOffset) * bytesPerSector,
		fatLength:      int64(fatLength) * bytesPerSector,
		clusterHeap:    int64(clusterHeapOffset) * bytesPerSector,
		rootCluster:    rootCluster,
	}, nil
}

func (v *Volume) clusterOffset(cluster uint32) int64 {
	return v.clusterHeap + (int64(cluster)-2)*v.clusterSize
}

func (v *Volume) fatEntry(n uint32) (uint32, error) {
	buf := make([]byte, 4)
	if err := block.ReadFull(v.backing, v.fatOffset+int64(n)*4, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

const (
	clusterEOF = 0xFFFFFFFF
	clusterBad = 0xFFFFFFF7
)

func (v *Volume) clusterChain(first uint32) ([]uint32, error) {
	var chain []uint32
	seen := map[uint32]bool{}
	cur := first
	for cur >= 2 && cur != clusterEOF && cur != clusterBad {
		if seen[cur] {
			break
		}
		seen[cur] = true
		chain = append(chain, cur)
		next, err := v.fatEntry(cur)
		if err != nil {
			return chain, err
		}
		cur = next
	}
	return chain, nil
}

// dataStream resolves a file's content to a block.Stream: contiguous
// allocation when NoFATChain is set (spec §4.F.3), else a FAT-chain walk.
func (v *Volume) dataStream(h Handle) (block.Stream, error) {
	if h.NoFATChain {
		return block.Sub(v.backing, v.clusterOffset(h.FirstCluster), h.DataLength)
	}
	chain, err := v.clusterChain(h.FirstCluster)
	if err != nil {
		return nil, err
	}
	extents := make([]image.Extent, 0, len(chain))
	var cursor int64
	for _, c := range chain {
		end := cursor + v.clusterSize
		if end > h.DataLength {
			end = h.DataLength
		}
		if cursor >= h.DataLength {
			break
		}
		extents = append(extents, image.Extent{
			LogicalStart: cursor, LogicalEnd: end,
			Kind: image.Present, Backing: v.backing, BackingOffset: v.clusterOffset(c),
		})
		cursor += v.clusterSize
	}
	m, err := image.NewExtentMap(h.DataLength, extents)
	if err != nil {
		return nil, err
	}
	return &extentStream{m: m}, nil
}

type extentStream struct{ m *image.ExtentMap }

func (s *extentStream) Size() int64 { return s.m.Size() }
func (s *extentStream) ReadAt(offset int64, buf []byte) (int, error) {
	return image.ReadExtentMap(s.m, nil, 0, offset, buf)
}

// directoryBytes reads a directory's full entry set, contiguous or
// chained per its own allocation (the root directory is always chained,
// since it has no stream-extension entry to carry a no-FAT-chain flag).
func (v *Volume) directoryBytes(h Handle) ([]byte, error) {
	if h.NoFATChain && !h.IsRoot {
		buf := make([]byte, h.DataLength)
		if err := block.ReadFull(v.backing, v.clusterOffset(h.FirstCluster), buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	chain, err := v.clusterChain(h.FirstCluster)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, int64(len(chain))*v.clusterSize)
	for _, c := range chain {
		cluster := make([]byte, v.clusterSize)
		if err := block.ReadFull(v.backing, v.clusterOffset(c), cluster); err != nil {
			return nil, err
		}
		buf = append(buf, cluster...)
	}
	return buf, nil
}

func (v *Volume) Root() (fs.Handle, error) {
	return Handle{IsRoot: true, FirstCluster: v.rootCluster, Attr: attrDirectory}, nil
}

func (v *Volume) List(parent fs.Handle) ([]fs.DirEntry, error) {
	h, ok := parent.(Handle)
	if !ok {
		return nil, kerr.New(kerr.Format, layer, 0, "not an exfat handle")
	}
	raw, err := v.directoryBytes(h)
	if err != nil {
		return nil, err
	}
	return parseDirectorySet(raw)
}

func (v *Volume) Lookup(parent fs.Handle, name string) (fs.Handle, bool, error) {
	entries, err := v.List(parent)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return e.Handle, true, nil
		}
	}
	return nil, false, nil
}

func (v *Volume) Metadata(h fs.Handle) (fs.Metadata, error) {
	handle, ok := h.(Handle)
	if !ok {
		return fs.Metadata{}, kerr.New(kerr.Format, layer, 0, "not an exfat handle")
	}
	m := fs.Metadata{
		Name: handle.Name, Size: handle.DataLength,
		Created: handle.Created, Modified: handle.Modified, Accessed: handle.Accessed,
		Attributes: map[string]string{},
	}
	if handle.isDirectory() {
		m.Type = fs.Directory
	} else {
		m.Type = fs.Regular
	}
	return m, nil
}

func (v *Volume) Streams(h fs.Handle) ([]fs.Stream, error) {
	handle, ok := h.(Handle)
	if !ok {
		return nil, kerr.New(kerr.Format, layer, 0, "not an exfat handle")
	}
	if handle.isDirectory() {
		return nil, nil
	}
	s, err := v.dataStream(handle)
	if err != nil {
		return nil, err
	}
	return []fs.Stream{{Name: "", Data: s}}, nil
}

func (v *Volume) TargetOfLink(fs.Handle) (string, bool, error) { return "", false, nil }
