package hfsplus

import (
	"encoding/binary"
	"strings"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/fs"
	"github.com/aarsakian/keramics/image"
	"github.com/aarsakian/keramics/kerr"
)

const volumeHeaderOffset = 1024 // sector 2 at 512 bytes/sector, per spec §4.F.5

const (
	kHFSRootFolderID     = 2
	kHFSExtentsFileID    = 3
	kHFSCatalogFileID    = 4
	kHFSAttributesFileID = 7
)

// forkData is HFSPlusForkData: a fork's logical size plus its first
// eight extent descriptors.
type forkData struct {
	logicalSize int64
	totalBlocks uint32
	extents     [8]extentDescriptor
}

type extentDescriptor struct {
	startBlock uint32
	blockCount uint32
}

func parseForkData(buf []byte) forkData {
	f := forkData{
		logicalSize: int64(binary.BigEndian.Uint64(buf[0:8])),
		totalBlocks: binary.BigEndian.Uint32(buf[12:16]),
	}
	for i := 0; i < 8; i++ {
		e := buf[16+i*8 : 16+i*8+8]
		f.extents[i] = extentDescriptor{
			startBlock: binary.BigEndian.Uint32(e[0:4]),
			blockCount: binary.BigEndian.Uint32(e[4:8]),
		}
	}
	return f
}

// Handle identifies a catalog node by its CNID, HFS+'s persistent entry
// number (analogous to an inode number).
type Handle struct {
	CNID uint32
}

// Volume is an opened HFS+ or HFSX filesystem.
type Volume struct {
	backing   block.Stream
	blockSize int64

	catalogFork    forkData
	extentsFork    forkData
	attributesFork forkData

	catalogStream    block.Stream
	extentsStream    block.Stream
	attributesStream block.Stream

	catalogHeader btreeHeader
	extentsHeader btreeHeader
}

var _ fs.FileSystem = (*Volume)(nil)

// Open parses the volume header at byte offset 1024 (sector 2), per
// spec §4.F.5: signature "H+" (HFS+) or "HX" (HFSX), every field
// big-endian.
func Open(backing block.Stream) (*Volume, error) {
	buf := make([]byte, 512)
	if err := block.ReadFull(backing, volumeHeaderOffset, buf); err != nil {
		return nil, err
	}
	sig := string(buf[0:2])
	if sig != "H+" && sig != "HX" {
		return nil, kerr.New(kerr.Format, layer, volumeHeaderOffset, "missing HFS+/HFSX signature")
	}
	blockSize := int64(binary.BigEndian.Uint32(buf[40:44]))

	v := &Volume{
		backing:        backing,
		blockSize:      blockSize,
		extentsFork:    parseForkData(buf[192:272]),
		catalogFork:    parseForkData(buf[272:352]),
		attributesFork: parseForkData(buf[352:432]),
	}

	var err error
	v.extentsStream, err = v.inlineForkStream(v.extentsFork)
	if err != nil {
		return nil, err
	}
	v.extentsHeader, err = openBTree(v.extentsStream)
	if err != nil {
		return nil, err
	}

	v.catalogStream, err = v.forkStream(kHFSCatalogFileID, 0, v.catalogFork)
	if err != nil {
		return nil, err
	}
	v.catalogHeader, err = openBTree(v.catalogStream)
	if err != nil {
		return nil, err
	}

	if v.attributesFork.totalBlocks > 0 {
		v.attributesStream, err = v.forkStream(kHFSAttributesFileID, 0, v.attributesFork)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

// inlineForkStream builds a stream over a fork using only its eight
// inline extents — used for the extents-overflow file itself, which
// cannot recursively consult the extents-overflow tree to resolve its
// own continuation.
func (v *Volume) inlineForkStream(f forkData) (block.Stream, error) {
	extents, covered := v.inlineExtents(f)
	if covered < f.logicalSize {
		return nil, kerr.New(kerr.Unsupported, layer, 0,
			"extents-overflow file itself spans more than its 8 inline extents")
	}
	m, err := image.NewExtentMap(f.logicalSize, extents)
	if err != nil {
		return nil, err
	}
	return &extentStream{m: m}, nil
}

// forkStream builds a stream over a fork belonging to fileID/forkType,
// consulting the extents-overflow B-tree when the inline extents don't
// cover the fork's declared block count.
func (v *Volume) forkStream(fileID uint32, forkType uint8, f forkData) (block.Stream, error) {
	extents, covered := v.inlineExtents(f)
	coveredBlocks := covered / v.blockSize

	for coveredBlocks < int64(f.totalBlocks) {
		if v.extentsStream == nil {
			break // bootstrapping the extents file itself; no overflow lookup available yet
		}
		next, ok, err := lookupExtentOverflow(v.extentsStream, v.extentsHeader.nodeSize, v.extentsHeader.firstLeaf, forkType, fileID, uint32(coveredBlocks))
		if err != nil {
			return nil, err
		}
		if !ok {
			break // best-effort: stop at whatever the overflow tree actually has
		}
		logicalStart := coveredBlocks * v.blockSize
		extents = append(extents, image.Extent{
			LogicalStart: logicalStart, LogicalEnd: logicalStart + int64(next.blockCount)*v.blockSize,
			Kind: image.Present, Backing: v.backing, BackingOffset: int64(next.startBlock) * v.blockSize,
		})
		coveredBlocks += int64(next.blockCount)
	}

	m, err := image.NewExtentMap(f.logicalSize, extents)
	if err != nil {
		return nil, err
	}
	return &extentStream{m: m}, nil
}

func (v *Volume) inlineExtents(f forkData) ([]image.Extent, int64) {
	var extents []image.Extent
	var covered int64
	for _, e := range f.extents {
		if e.blockCount == 0 {
			break
		}
		start := covered
		end := start + int64(e.blockCount)*v.blockSize
		extents = append(extents, image.Extent{
			LogicalStart: start, LogicalEnd: end,
			Kind: image.Present, Backing: v.backing, BackingOffset: int64(e.startBlock) * v.blockSize,
		})
		covered = end
	}
	return extents, covered
}

type extentStream struct{ m *image.ExtentMap }

func (s *extentStream) Size() int64 { return s.m.Size() }
func (s *extentStream) ReadAt(offset int64, buf []byte) (int, error) {
	return image.ReadExtentMap(s.m, nil, 0, offset, buf)
}

func (v *Volume) Root() (fs.Handle, error) { return Handle{CNID: kHFSRootFolderID}, nil }

func (v *Volume) List(parent fs.Handle) ([]fs.DirEntry, error) {
	h, ok := parent.(Handle)
	if !ok {
		return nil, kerr.New(kerr.Format, layer, 0, "not an hfsplus handle")
	}
	return v.listCatalogChildren(h.CNID)
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
		return fs.Metadata{}, kerr.New(kerr.Format, layer, 0, "not an hfsplus handle")
	}
	rec, err := v.findCatalogRecordByCNID(handle.CNID)
	if err != nil {
		return fs.Metadata{}, err
	}
	m := fs.Metadata{Attributes: map[string]string{}}
	switch r := rec.(type) {
	case catalogFolder:
		m.Type = fs.Directory
		m.Created = binreader.HFSTime(r.createDate)
		m.Modified = binreader.HFSTime(r.contentModDate)
		m.Changed = binreader.HFSTime(r.attributeModDate)
		m.Accessed = binreader.HFSTime(r.accessDate)
		m.Permissions = uint32(r.fileMode)
	case catalogFile:
		m.Type = fs.Regular
		m.Size = r.dataFork.logicalSize
		m.AllocatedSize = int64(r.dataFork.totalBlocks) * v.blockSize
		m.Created = binreader.HFSTime(r.createDate)
		m.Modified = binreader.HFSTime(r.contentModDate)
		m.Changed = binreader.HFSTime(r.attributeModDate)
		m.Accessed = binreader.HFSTime(r.accessDate)
		m.Permissions = uint32(r.fileMode)
		if r.fileMode&0xA000 == 0xA000 {
			m.Type = fs.Symlink
		}
		if decmpfs, ok, _ := v.readDecmpfsHeader(r.fileID); ok {
			m.Attributes["decmpfs.type"] = decompressionMethodName(decmpfs.compressionType)
			m.Size = decmpfs.uncompressedSize
		}
	default:
		return fs.Metadata{}, kerr.New(kerr.Format, layer, int64(handle.CNID), "catalog entry is not a file or folder record")
	}
	return m, nil
}

func (v *Volume) Streams(h fs.Handle) ([]fs.Stream, error) {
	handle, ok := h.(Handle)
	if !ok {
		return nil, kerr.New(kerr.Format, layer, 0, "not an hfsplus handle")
	}
	rec, err := v.findCatalogRecordByCNID(handle.CNID)
	if err != nil {
		return nil, err
	}
	file, ok := rec.(catalogFile)
	if !ok {
		return nil, nil // folders have no data streams
	}
	if decmpfs, ok, data := v.readDecmpfsHeader(file.fileID); ok {
		s, err := decompressStream(decmpfs, data, v.backing, func() (block.Stream, error) {
			return v.forkStream(file.fileID, 0xFF, file.resourceFork) // resource-fork compression (method 4/8)
		})
		if err != nil {
			return nil, err
		}
		return []fs.Stream{{Name: "", Data: s}}, nil
	}
	data, err := v.forkStream(file.fileID, 0, file.dataFork)
	if err != nil {
		return nil, err
	}
	streams := []fs.Stream{{Name: "", Data: data}}
	if file.resourceFork.totalBlocks > 0 {
		rsrc, err := v.forkStream(file.fileID, 0xFF, file.resourceFork)
		if err != nil {
			return nil, err
		}
		streams = append(streams, fs.Stream{Name: "rsrc", Data: rsrc})
	}
	return streams, nil
}

// TargetOfLink reads a symlink's target from its data fork: HFS+ stores
// symlinks as ordinary files whose data is the target path; a file counts
// as a symlink when its BSD file mode carries the S_IFLNK (0xA000) bits.
func (v *Volume) TargetOfLink(h fs.Handle) (string, bool, error) {
	handle, ok := h.(Handle)
	if !ok {
		return "", false, kerr.New(kerr.Format, layer, 0, "not an hfsplus handle")
	}
	rec, err := v.findCatalogRecordByCNID(handle.CNID)
	if err != nil {
		return "", false, err
	}
	file, ok := rec.(catalogFile)
	if !ok || file.fileMode&0xA000 != 0xA000 {
		return "", false, nil
	}
	s, err := v.forkStream(file.fileID, 0, file.dataFork)
	if err != nil {
		return "", false, err
	}
	buf := make([]byte, s.Size())
	if err := block.ReadFull(s, 0, buf); err != nil {
		return "", false, err
	}
	return string(buf), true, nil
}
