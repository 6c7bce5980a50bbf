package hfsplus

import (
	"encoding/binary"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/fs"
	"github.com/aarsakian/keramics/kerr"
)

const (
	catalogRecordFolder       = 1
	catalogRecordFile         = 2
	catalogRecordFolderThread = 3
	catalogRecordFileThread   = 4
)

// catalogKey is HFSPlusCatalogKey: a (parentID, name) pair. Names are
// compared case-insensitively via strings.EqualFold at the fs.FileSystem
// layer rather than HFS+'s true fast-unicode-compare collation table —
// documented simplification, see DESIGN.md.
type catalogKey struct {
	parentID uint32
	name     string
}

func parseCatalogKey(raw []byte) catalogKey {
	parentID := binary.BigEndian.Uint32(raw[0:4])
	nameLen := int(binary.BigEndian.Uint16(raw[4:6]))
	nameBytes := raw[6:]
	if nameLen*2 < len(nameBytes) {
		nameBytes = nameBytes[:nameLen*2]
	}
	return catalogKey{parentID: parentID, name: binreader.UTF16BEToUTF8(nameBytes)}
}

type catalogFolder struct {
	folderID         uint32
	createDate       uint32
	contentModDate   uint32
	attributeModDate uint32
	accessDate       uint32
	fileMode         uint16
}

type catalogFile struct {
	fileID           uint32
	createDate       uint32
	contentModDate   uint32
	attributeModDate uint32
	accessDate       uint32
	fileMode         uint16
	dataFork         forkData
	resourceFork     forkData
}

type catalogThread struct {
	parentID uint32
	name     string
}

func parseCatalogRecord(data []byte) (interface{}, error) {
	if len(data) < 2 {
		return nil, kerr.New(kerr.Format, layer, 0, "truncated catalog record")
	}
	recordType := binary.BigEndian.Uint16(data[0:2])
	switch recordType {
	case catalogRecordFolder:
		if len(data) < 88 {
			return nil, kerr.New(kerr.Format, layer, 0, "truncated catalog folder record")
		}
		return catalogFolder{
			folderID:         binary.BigEndian.Uint32(data[8:12]),
			createDate:       binary.BigEndian.Uint32(data[12:16]),
			contentModDate:   binary.BigEndian.Uint32(data[16:20]),
			attributeModDate: binary.BigEndian.Uint32(data[20:24]),
			accessDate:       binary.BigEndian.Uint32(data[24:28]),
			fileMode:         binary.BigEndian.Uint16(data[42:44]), // HFSPlusBSDInfo.fileMode
		}, nil
	case catalogRecordFile:
		if len(data) < 248 {
			return nil, kerr.New(kerr.Format, layer, 0, "truncated catalog file record")
		}
		return catalogFile{
			fileID:           binary.BigEndian.Uint32(data[8:12]),
			createDate:       binary.BigEndian.Uint32(data[12:16]),
			contentModDate:   binary.BigEndian.Uint32(data[16:20]),
			attributeModDate: binary.BigEndian.Uint32(data[20:24]),
			accessDate:       binary.BigEndian.Uint32(data[24:28]),
			fileMode:         binary.BigEndian.Uint16(data[42:44]),
			dataFork:         parseForkData(data[88:168]),
			resourceFork:     parseForkData(data[168:248]),
		}, nil
	case catalogRecordFolderThread, catalogRecordFileThread:
		if len(data) < 10 {
			return nil, kerr.New(kerr.Format, layer, 0, "truncated catalog thread record")
		}
		key := parseCatalogKey(data[4:])
		return catalogThread{parentID: key.parentID, name: key.name}, nil
	default:
		return nil, kerr.New(kerr.Format, layer, 0, "unknown catalog record type")
	}
}

// listCatalogChildren scans the catalog leaf chain for every (folder,
// file) record whose key parentID matches, per spec §4.F.5.
func (v *Volume) listCatalogChildren(parentID uint32) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	seenAny := false
	err := walkLeaves(v.catalogStream, v.catalogHeader.nodeSize, v.catalogHeader.firstLeaf, func(rawKey, data []byte) bool {
		key := parseCatalogKey(rawKey)
		if key.parentID != parentID {
			if seenAny {
				return false // catalog is sorted by parentID; nothing more to find
			}
			return true
		}
		if key.name == "" {
			return true // thread record, not a directory entry
		}
		rec, err := parseCatalogRecord(data)
		if err != nil {
			return true
		}
		seenAny = true
		switch r := rec.(type) {
		case catalogFolder:
			out = append(out, fs.DirEntry{Name: key.name, Handle: Handle{CNID: r.folderID}})
		case catalogFile:
			out = append(out, fs.DirEntry{Name: key.name, Handle: Handle{CNID: r.fileID}})
		}
		return true
	})
	return out, err
}

// findCatalogRecordByCNID resolves a CNID to its folder/file record via
// the thread record stored under key (cnid, ""), then a second pass
// locating (parentID, name) — the standard two-hop lookup catalog
// B-trees require since records are keyed by name, not CNID.
func (v *Volume) findCatalogRecordByCNID(cnid uint32) (interface{}, error) {
	var thread catalogThread
	found := false
	err := walkLeaves(v.catalogStream, v.catalogHeader.nodeSize, v.catalogHeader.firstLeaf, func(rawKey, data []byte) bool {
		key := parseCatalogKey(rawKey)
		if key.parentID != cnid {
			return true
		}
		if key.name != "" {
			return true
		}
		rec, err := parseCatalogRecord(data)
		if err != nil {
			return true
		}
		t, ok := rec.(catalogThread)
		if !ok {
			return true
		}
		thread, found = t, true
		return false
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, kerr.New(kerr.NotFound, layer, int64(cnid), "no catalog thread record for CNID")
	}

	var result interface{}
	err = walkLeaves(v.catalogStream, v.catalogHeader.nodeSize, v.catalogHeader.firstLeaf, func(rawKey, data []byte) bool {
		key := parseCatalogKey(rawKey)
		if key.parentID != thread.parentID || key.name != thread.name {
			return true
		}
		rec, err := parseCatalogRecord(data)
		if err != nil {
			return true
		}
		if _, ok := rec.(catalogThread); ok {
			return true
		}
		result = rec
		return false
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, kerr.New(kerr.NotFound, layer, int64(cnid), "catalog record for CNID not found")
	}
	return result, nil
}
