package ntfs

import (
	"strings"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/codec"
	"github.com/aarsakian/keramics/fs"
	"github.com/aarsakian/keramics/kerr"
)

const rootEntry = 5 // NTFS reserves MFT entry 5 for the volume root directory

// Handle identifies one MFT entry (and its sequence number, for stale-
// handle detection) within a Volume.
type Handle struct {
	Entry    uint64
	Sequence uint16
}

// Volume is an opened NTFS filesystem, implementing fs.FileSystem.
type Volume struct {
	backing     block.Stream
	boot        bootRecord
	clusterSize int64
	mft         block.Stream
	registry    *codec.Registry
}

var _ fs.FileSystem = (*Volume)(nil)

// Open parses the boot sector and bootstraps the $MFT: record 0 is read
// directly at mftLCN*clusterSize (its own runlist isn't known yet), fixed
// up, and its $DATA attribute's decoded runlist becomes the logical MFT
// stream every later record is read from.
func Open(backing block.Stream) (*Volume, error) {
	boot, err := parseBootRecord(backing)
	if err != nil {
		return nil, err
	}
	clusterSize := boot.clusterSize()

	raw := make([]byte, boot.bytesPerMFTRecord)
	if err := block.ReadFull(backing, boot.mftLCN*clusterSize, raw); err != nil {
		return nil, err
	}
	rec0, err := parseRecord(raw, 0)
	if err != nil {
		return nil, err
	}
	dataAttr := rec0.findAttribute(attrData, "")
	if dataAttr == nil || !dataAttr.nonResident {
		return nil, kerr.New(kerr.Format, layer, 0, "$MFT record 0 missing non-resident $DATA")
	}
	mftStream, err := newRunlistStream(backing, dataAttr.runs, clusterSize, dataAttr.realSize)
	if err != nil {
		return nil, err
	}

	return &Volume{backing: backing, boot: boot, clusterSize: clusterSize, mft: mftStream, registry: codec.DefaultRegistry()}, nil
}

// readRecord reads and fixes up one raw MFT entry by number, without
// resolving any $ATTRIBUTE_LIST extension records.
func (v *Volume) readRecord(entry uint64) (record, error) {
	offset := int64(entry) * v.boot.bytesPerMFTRecord
	buf := make([]byte, v.boot.bytesPerMFTRecord)
	if err := block.ReadFull(v.mft, offset, buf); err != nil {
		return record{}, err
	}
	return parseRecord(buf, entry)
}

// loadRecord reads a record and, if it carries an $ATTRIBUTE_LIST, merges
// in attributes that live in extension records (spec §4.F.1's basic
// cross-record stitching — a record whose attributes overflow one MFT
// entry points onward via $ATTRIBUTE_LIST to base-record-relative
// "extension" entries holding the rest).
func (v *Volume) loadRecord(entry uint64) (record, error) {
	rec, err := v.readRecord(entry)
	if err != nil {
		return record{}, err
	}
	al := rec.findAttribute(attrAttributeList, "")
	if al == nil {
		return rec, nil
	}
	listBytes := al.content
	if al.nonResident {
		s, err := newRunlistStream(v.backing, al.runs, v.clusterSize, al.realSize)
		if err != nil {
			return record{}, err
		}
		listBytes = make([]byte, s.Size())
		if err := block.ReadFull(s, 0, listBytes); err != nil {
			return record{}, err
		}
	}
	extraEntries, err := parseAttributeList(listBytes)
	if err != nil {
		return record{}, err
	}
	seen := map[uint64]bool{entry: true}
	for _, le := range extraEntries {
		if le.fileRef == entry || seen[le.fileRef] {
			continue
		}
		ext, err := v.readRecord(le.fileRef)
		if err != nil {
			return record{}, err
		}
		rec.attributes = append(rec.attributes, ext.attributes...)
		seen[le.fileRef] = true
	}
	return rec, nil
}

// attributeListEntry is one $ATTRIBUTE_LIST entry pointing at the MFT
// record actually holding an attribute.
type attributeListEntry struct {
	typeID   uint32
	fileRef  uint64
	startVCN int64
}

func parseAttributeList(buf []byte) ([]attributeListEntry, error) {
	var out []attributeListEntry
	pos := 0
	for pos+26 <= len(buf) {
		r := binreader.New(buf[pos:])
		typeID, err := r.U32LE()
		if err != nil {
			return nil, err
		}
		length, err := r.U16LE()
		if err != nil {
			return nil, err
		}
		if length < 26 || pos+int(length) > len(buf) {
			break
		}
		r.Pos = 8
		startVCN, err := r.I64LE()
		if err != nil {
			return nil, err
		}
		ref, err := r.U64LE()
		if err != nil {
			return nil, err
		}
		out = append(out, attributeListEntry{typeID: typeID, startVCN: startVCN, fileRef: ref & 0x0000FFFFFFFFFFFF})
		pos += int(length)
	}
	return out, nil
}

// dataStream resolves the named $DATA stream ("" for the unnamed default
// stream) of rec into a readable block.Stream, dispatching resident,
// plain non-resident, and LZNT1-compressed non-resident content.
func (v *Volume) dataStream(rec record, name string) (block.Stream, error) {
	attr := rec.findAttribute(attrData, name)
	if attr == nil {
		return nil, kerr.New(kerr.NotFound, layer, 0, "no such data stream")
	}
	if !attr.nonResident {
		return newMemStream(attr.content), nil
	}
	if attr.flags&dataFlagCompressed != 0 {
		return newCompressedStream(v.backing, attr.runs, v.clusterSize, attr.compressionUnit, attr.realSize, v.registry), nil
	}
	return newRunlistStream(v.backing, attr.runs, v.clusterSize, attr.realSize)
}

// Root returns the handle for MFT entry 5, NTFS's fixed root-directory entry.
func (v *Volume) Root() (fs.Handle, error) {
	rec, err := v.loadRecord(rootEntry)
	if err != nil {
		return nil, err
	}
	return Handle{Entry: rootEntry, Sequence: rec.sequence}, nil
}

// List walks parent's $I30 B+tree (root entries plus, for each interior
// entry, its $INDEX_ALLOCATION subnode) in collation order, filtering out
// duplicate short (DOS-only, namespace 2) names that accompany a long name.
func (v *Volume) List(parent fs.Handle) ([]fs.DirEntry, error) {
	h, ok := parent.(Handle)
	if !ok {
		return nil, kerr.New(kerr.Format, layer, 0, "not an ntfs handle")
	}
	rec, err := v.loadRecord(h.Entry)
	if err != nil {
		return nil, err
	}
	entries, err := v.walkIndex(rec)
	if err != nil {
		return nil, err
	}
	var out []fs.DirEntry
	for _, e := range entries {
		if e.last || e.namespace == 2 { // DOS 8.3 alias of a name already listed under WIN32
			continue
		}
		out = append(out, fs.DirEntry{Name: e.name, Handle: Handle{Entry: e.fileRef, Sequence: e.sequence}})
	}
	return out, nil
}

// walkIndex performs the B+tree's required in-order traversal: for every
// entry, first recurse into its subnode (names collating before it), then
// emit the entry itself.
func (v *Volume) walkIndex(rec record) ([]indexEntry, error) {
	rootAttr := rec.findAttribute(attrIndexRoot, "$I30")
	if rootAttr == nil {
		return nil, kerr.New(kerr.Format, layer, 0, "directory has no $I30 index root")
	}
	rootEntries, err := parseIndexRoot(rootAttr.content)
	if err != nil {
		return nil, err
	}

	var allocStream block.Stream
	if allocAttr := rec.findAttribute(attrIndexAllocation, "$I30"); allocAttr != nil {
		allocStream, err = newRunlistStream(v.backing, allocAttr.runs, v.clusterSize, allocAttr.realSize)
		if err != nil {
			return nil, err
		}
	}

	var out []indexEntry
	var visit func(entries []indexEntry) error
	visit = func(entries []indexEntry) error {
		for _, e := range entries {
			if e.hasSubnode {
				if allocStream == nil {
					return kerr.New(kerr.Format, layer, 0, "index entry references subnode but no $INDEX_ALLOCATION present")
				}
				// VCN is expressed in clusters whenever the index record size is
				// at least one cluster, which covers every disk this reads.
				offset := e.subnodeVCN * v.clusterSize
				buf := make([]byte, v.boot.bytesPerIndexRec)
				if err := block.ReadFull(allocStream, offset, buf); err != nil {
					return err
				}
				sub, err := parseIndexRecord(buf)
				if err != nil {
					return err
				}
				if err := visit(sub); err != nil {
					return err
				}
			}
			if !e.last {
				out = append(out, e)
			}
		}
		return nil
	}
	if err := visit(rootEntries); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup scans parent's directory for an entry named name (case-
// insensitive, matching NTFS's default case-insensitive collation for
// ordinary lookups).
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

// Metadata reports $STANDARD_INFORMATION timestamps, the name from
// $FILE_NAME (preferring a WIN32/POSIX name over the 8.3 alias), and the
// unnamed $DATA stream's size. When $STANDARD_INFORMATION is absent the
// timestamps stay zero; the $FILE_NAME copies of the timestamps and sizes
// are not read.
func (v *Volume) Metadata(h fs.Handle) (fs.Metadata, error) {
	handle, ok := h.(Handle)
	if !ok {
		return fs.Metadata{}, kerr.New(kerr.Format, layer, 0, "not an ntfs handle")
	}
	rec, err := v.loadRecord(handle.Entry)
	if err != nil {
		return fs.Metadata{}, err
	}

	m := fs.Metadata{Attributes: map[string]string{}}
	if rec.isDirectory() {
		m.Type = fs.Directory
	} else {
		m.Type = fs.Regular
	}

	if si := rec.findAttribute(attrStandardInfo, ""); si != nil && len(si.content) >= 32 {
		r := binreader.New(si.content)
		created, _ := r.U64LE()
		modified, _ := r.U64LE()
		changed, _ := r.U64LE()
		accessed, _ := r.U64LE()
		m.Created = binreader.FILETIME(created)
		m.Modified = binreader.FILETIME(modified)
		m.Changed = binreader.FILETIME(changed)
		m.Accessed = binreader.FILETIME(accessed)
	}

	for _, fn := range rec.findAllAttributes(attrFileName) {
		if len(fn.content) < 66 {
			continue
		}
		nameLen := int(fn.content[64])
		namespace := fn.content[65]
		m.Name = binreader.UTF16LEToUTF8(fn.content[66 : 66+nameLen*2])
		if namespace != 2 { // prefer a WIN32/POSIX name over the 8.3 alias
			break
		}
	}

	if rp := rec.findAttribute(attrReparsePoint, ""); rp != nil {
		m.Type = fs.Reparse
		m.Attributes["reparse_tag"] = "present"
	}

	if data := rec.findAttribute(attrData, ""); data != nil {
		m.Size = data.realSize
		m.AllocatedSize = data.allocatedSize
	}
	return m, nil
}

// Streams returns every $DATA attribute on the entry, including named
// alternate data streams, as fs.Stream values.
func (v *Volume) Streams(h fs.Handle) ([]fs.Stream, error) {
	handle, ok := h.(Handle)
	if !ok {
		return nil, kerr.New(kerr.Format, layer, 0, "not an ntfs handle")
	}
	rec, err := v.loadRecord(handle.Entry)
	if err != nil {
		return nil, err
	}
	var out []fs.Stream
	for _, attr := range rec.findAllAttributes(attrData) {
		s, err := v.dataStream(rec, attr.name)
		if err != nil {
			return nil, err
		}
		out = append(out, fs.Stream{Name: attr.name, Data: s})
	}
	return out, nil
}

// TargetOfLink decodes an IO_REPARSE_TAG_SYMLINK reparse point's
// substitute name. Other reparse tags (mount points, WOF-compressed
// files) report ok == false; WOF-compressed content is not decompressed.
func (v *Volume) TargetOfLink(h fs.Handle) (string, bool, error) {
	handle, ok := h.(Handle)
	if !ok {
		return "", false, kerr.New(kerr.Format, layer, 0, "not an ntfs handle")
	}
	rec, err := v.loadRecord(handle.Entry)
	if err != nil {
		return "", false, err
	}
	rp := rec.findAttribute(attrReparsePoint, "")
	if rp == nil || len(rp.content) < 20 {
		return "", false, nil
	}
	buf := rp.content
	tag := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	const reparseTagSymlink = 0xA000000C
	if tag != reparseTagSymlink {
		return "", false, nil
	}
	r := binreader.New(buf)
	r.Pos = 8
	substOffset, err := r.U16LE()
	if err != nil {
		return "", false, err
	}
	substLength, err := r.U16LE()
	if err != nil {
		return "", false, err
	}
	const pathBufferStart = 20
	start := pathBufferStart + int(substOffset)
	end := start + int(substLength)
	if end > len(buf) {
		return "", false, nil
	}
	target := binreader.UTF16LEToUTF8(buf[start:end])
	return strings.TrimPrefix(target, `\??\`), true, nil
}
