// Package fatfs implements spec §4.F.2: FAT12/FAT16/FAT32, distinguished
// by the cluster count computed from the boot record rather than any
// stored format byte, per the spec's explicit detection rule.
package fatfs

import (
	"strings"
	"time"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/fs"
	"github.com/aarsakian/keramics/image"
	"github.com/aarsakian/keramics/kerr"
)

const layer = "fat"

const (
	width12 = 12
	width16 = 16
	width32 = 32

	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrLongName  = 0x0F // ReadOnly|Hidden|System|VolumeID together mark an LFN entry
)

// Handle is a self-contained snapshot of one directory entry: FAT has no
// persistent inode to re-resolve later, so everything Metadata/Streams
// need travels with the handle from the List/Lookup call that produced it.
type Handle struct {
	Name         string
	FirstCluster uint32
	Size         uint32
	Attr         byte
	IsRoot       bool
	Created      time.Time
	Modified     time.Time
	Accessed     time.Time
}

func (h Handle) isDirectory() bool { return h.Attr&attrDirectory != 0 || h.IsRoot }

// Volume is an opened FAT12/16/32 filesystem.
type Volume struct {
	backing           block.Stream
	bytesPerSector    int64
	sectorsPerCluster int64
	clusterSize       int64
	fatOffset         int64
	fatWidth          int
	clusterCount      int64
	dataOffset        int64 // byte offset of cluster #2
	rootDirOffset     int64 // FAT12/16 only: fixed-size root directory region
	rootDirSectors    int64
	rootCluster       uint32 // FAT32 only
}

var _ fs.FileSystem = (*Volume)(nil)

// Open parses the BPB and determines FAT width from the cluster count
// per spec §4.F.2's thresholds (fewer than 4085 clusters is FAT12, fewer
// than 65525 is FAT16, otherwise FAT32).
func Open(backing block.Stream) (*Volume, error) {
	sector := make([]byte, 512)
	if err := block.ReadFull(backing, 0, sector); err != nil {
		return nil, err
	}
	r := binreader.New(sector)
	r.Pos = 11
	bytesPerSector, err := r.U16LE()
	if err != nil {
		return nil, err
	}
	sectorsPerCluster, err := r.U8()
	if err != nil {
		return nil, err
	}
	reservedSectors, err := r.U16LE()
	if err != nil {
		return nil, err
	}
	fatCount, err := r.U8()
	if err != nil {
		return nil, err
	}
	rootEntries, err := r.U16LE()
	if err != nil {
		return nil, err
	}
	totalSectors16, err := r.U16LE()
	if err != nil {
		return nil, err
	}
	r.Pos = 22
	sectorsPerFAT16, err := r.U16LE()
	if err != nil {
		return nil, err
	}
	r.Pos = 32
	totalSectors32, err := r.U32LE()
	if err != nil {
		return nil, err
	}

	v := &Volume{
		backing:           backing,
		bytesPerSector:    int64(bytesPerSector),
		sectorsPerCluster: int64(sectorsPerCluster),
	}
	v.clusterSize = v.bytesPerSector * v.sectorsPerCluster

	totalSectors := int64(totalSectors16)
	if totalSectors == 0 {
		totalSectors = int64(totalSectors32)
	}
	sectorsPerFAT := int64(sectorsPerFAT16)
	rootDirSectors := (int64(rootEntries)*32 + v.bytesPerSector - 1) / v.bytesPerSector

	if sectorsPerFAT == 0 {
		// FAT32: BPB32 overlays bytes 36-89.
		r.Pos = 36
		sectorsPerFAT32, err := r.U32LE()
		if err != nil {
			return nil, err
		}
		r.Pos = 44
		rootCluster, err := r.U32LE()
		if err != nil {
			return nil, err
		}
		sectorsPerFAT = int64(sectorsPerFAT32)
		v.rootCluster = rootCluster
		rootDirSectors = 0
	}

	v.fatOffset = int64(reservedSectors) * v.bytesPerSector
	v.rootDirOffset = v.fatOffset + int64(fatCount)*sectorsPerFAT*v.bytesPerSector
	v.rootDirSectors = rootDirSectors
	v.dataOffset = v.rootDirOffset + rootDirSectors*v.bytesPerSector

	dataSectors := totalSectors - (int64(reservedSectors) + int64(fatCount)*sectorsPerFAT + rootDirSectors)
	v.clusterCount = dataSectors / v.sectorsPerCluster

	switch {
	case v.clusterCount < 4085:
		v.fatWidth = width12
	case v.clusterCount < 65525:
		v.fatWidth = width16
	default:
		v.fatWidth = width32
	}
	return v, nil
}

func (v *Volume) clusterOffset(cluster uint32) int64 {
	return v.dataOffset + (int64(cluster)-2)*v.clusterSize
}

// fatEntry reads raw FAT table entry n, per the active width.
func (v *Volume) fatEntry(n uint32) (uint32, error) {
	switch v.fatWidth {
	case width12:
		byteOff := v.fatOffset + int64(n)*3/2
		buf := make([]byte, 2)
		if err := block.ReadFull(v.backing, byteOff, buf); err != nil {
			return 0, err
		}
		val := uint16(buf[0]) | uint16(buf[1])<<8
		if n%2 == 0 {
			return uint32(val & 0x0FFF), nil
		}
		return uint32(val >> 4), nil
	case width16:
		buf := make([]byte, 2)
		if err := block.ReadFull(v.backing, v.fatOffset+int64(n)*2, buf); err != nil {
			return 0, err
		}
		return uint32(buf[0]) | uint32(buf[1])<<8, nil
	default: // width32
		buf := make([]byte, 4)
		if err := block.ReadFull(v.backing, v.fatOffset+int64(n)*4, buf); err != nil {
			return 0, err
		}
		return (uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24) & 0x0FFFFFFF, nil
	}
}

func (v *Volume) isEOF(entry uint32) bool {
	switch v.fatWidth {
	case width12:
		return entry >= 0xFF8
	case width16:
		return entry >= 0xFFF8
	default:
		return entry >= 0x0FFFFFF8
	}
}

func (v *Volume) isBad(entry uint32) bool {
	switch v.fatWidth {
	case width12:
		return entry == 0xFF7
	case width16:
		return entry == 0xFFF7
	default:
		return entry == 0x0FFFFFF7
	}
}

// clusterChain walks the FAT starting at first, stopping at an EOF or bad
// marker (a bad cluster terminates the chain early rather than erroring,
// per spec §4.F.2's "treat as EOF with warning").
func (v *Volume) clusterChain(first uint32) ([]uint32, error) {
	var chain []uint32
	seen := map[uint32]bool{}
	cur := first
	for cur >= 2 && !v.isEOF(cur) && !v.isBad(cur) {
		if seen[cur] {
			break // cyclic chain; stop rather than loop forever
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

// clusterChainStream builds a block.Stream over a file's cluster chain,
// reusing image.ExtentMap the same way fs/ntfs does.
func (v *Volume) clusterChainStream(first uint32, size int64) (block.Stream, error) {
	chain, err := v.clusterChain(first)
	if err != nil {
		return nil, err
	}
	extents := make([]image.Extent, 0, len(chain))
	var cursor int64
	for _, c := range chain {
		end := cursor + v.clusterSize
		if end > size {
			end = size
		}
		if cursor >= size {
			break
		}
		extents = append(extents, image.Extent{
			LogicalStart: cursor, LogicalEnd: end,
			Kind: image.Present, Backing: v.backing, BackingOffset: v.clusterOffset(c),
		})
		cursor += v.clusterSize
	}
	m, err := image.NewExtentMap(size, extents)
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

func (v *Volume) Root() (fs.Handle, error) {
	return Handle{IsRoot: true, FirstCluster: v.rootCluster, Attr: attrDirectory}, nil
}

// List reads parent's directory region (the fixed root region for
// FAT12/16's root, or the cluster chain otherwise) and reassembles VFAT
// long names preceding each 8.3 entry.
func (v *Volume) List(parent fs.Handle) ([]fs.DirEntry, error) {
	h, ok := parent.(Handle)
	if !ok {
		return nil, kerr.New(kerr.Format, layer, 0, "not a fat handle")
	}
	var raw []byte
	if h.IsRoot && v.rootDirSectors > 0 {
		raw = make([]byte, v.rootDirSectors*v.bytesPerSector)
		if err := block.ReadFull(v.backing, v.rootDirOffset, raw); err != nil {
			return nil, err
		}
	} else {
		chain, err := v.clusterChain(h.FirstCluster)
		if err != nil {
			return nil, err
		}
		raw = make([]byte, 0, int64(len(chain))*v.clusterSize)
		for _, c := range chain {
			cluster := make([]byte, v.clusterSize)
			if err := block.ReadFull(v.backing, v.clusterOffset(c), cluster); err != nil {
				return nil, err
			}
			raw = append(raw, cluster...)
		}
	}
	return parseDirectory(raw)
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
		return fs.Metadata{}, kerr.New(kerr.Format, layer, 0, "not a fat handle")
	}
	m := fs.Metadata{
		Name: handle.Name, Size: int64(handle.Size),
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
		return nil, kerr.New(kerr.Format, layer, 0, "not a fat handle")
	}
	if handle.isDirectory() {
		return nil, nil
	}
	s, err := v.clusterChainStream(handle.FirstCluster, int64(handle.Size))
	if err != nil {
		return nil, err
	}
	return []fs.Stream{{Name: "", Data: s}}, nil
}

// TargetOfLink always reports false: FAT has no symlink concept.
func (v *Volume) TargetOfLink(fs.Handle) (string, bool, error) { return "", false, nil }
