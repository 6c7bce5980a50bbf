package ntfs

import (
	"encoding/binary"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/kerr"
)

// Attribute type codes, per spec §4.F.1.
const (
	attrStandardInfo    uint32 = 0x10
	attrAttributeList   uint32 = 0x20
	attrFileName        uint32 = 0x30
	attrObjectID        uint32 = 0x40
	attrSecurityDesc    uint32 = 0x50
	attrVolumeName      uint32 = 0x60
	attrVolumeInfo      uint32 = 0x70
	attrData            uint32 = 0x80
	attrIndexRoot       uint32 = 0x90
	attrIndexAllocation uint32 = 0xA0
	attrBitmap          uint32 = 0xB0
	attrReparsePoint    uint32 = 0xC0
	attrLoggedUtility   uint32 = 0x100
	attrEnd             uint32 = 0xFFFFFFFF

	dataFlagCompressed uint16 = 0x0001
	dataFlagSparse     uint16 = 0x8000

	fileNameHasReparse uint32 = 0x80000017 // reparse tag identifying a WOF-compressed file
)

// attribute is one parsed MFT attribute: either resident (content holds
// the value directly) or non-resident (runs holds the decoded runlist
// and realSize/allocatedSize describe the logical stream those runs back).
type attribute struct {
	typeID       uint32
	name         string
	nonResident  bool
	flags        uint16
	content      []byte // resident value, or the raw (still-to-decode) bytes for small helper attributes
	runs         []run
	realSize     int64
	allocatedSize int64
	compressionUnit uint16
	startVCN     int64
}

// record is one parsed, fixed-up MFT entry.
type record struct {
	entry      uint64
	sequence   uint16
	flags      uint16
	baseRef    uint64
	attributes []attribute
}

func (r record) inUse() bool    { return r.flags&0x0001 != 0 }
func (r record) isDirectory() bool { return r.flags&0x0002 != 0 }

// applyFixup restores every 512-byte sector's final two bytes from the
// update sequence array, per spec §4.F.1's fix-up protocol, and verifies
// that each matched the placeholder beforehand — a mismatch is a Corrupt
// read since the fix-up checksum is "required-to-recover" per spec §7.
func applyFixup(buf []byte, signature string) error {
	if len(buf) < 8 || string(buf[0:4]) != signature {
		return kerr.New(kerr.Format, layer, 0, "bad MFT/INDX record signature")
	}
	usaOffset := binary.LittleEndian.Uint16(buf[4:6])
	usaCount := binary.LittleEndian.Uint16(buf[6:8])
	if usaCount == 0 {
		return nil
	}
	placeholder := buf[usaOffset : usaOffset+2]
	for i := 0; i < int(usaCount)-1; i++ {
		sectorEnd := (i+1)*512
		if sectorEnd > len(buf) {
			break
		}
		original := buf[int(usaOffset)+2+i*2 : int(usaOffset)+2+i*2+2]
		if buf[sectorEnd-2] != placeholder[0] || buf[sectorEnd-1] != placeholder[1] {
			return kerr.New(kerr.Corrupt, layer, int64(sectorEnd-2), "fix-up placeholder mismatch")
		}
		buf[sectorEnd-2] = original[0]
		buf[sectorEnd-1] = original[1]
	}
	return nil
}

// parseRecord applies fix-up to a raw MFT entry and walks its attribute
// chain. "BAAD" records (a corrupted entry the OS already flagged) parse
// as empty rather than erroring, matching spec's Corrupt-is-localized
// read policy.
func parseRecord(buf []byte, entry uint64) (record, error) {
	if len(buf) >= 4 && string(buf[0:4]) == "BAAD" {
		return record{entry: entry}, nil
	}
	if err := applyFixup(buf, "FILE"); err != nil {
		return record{}, err
	}

	r := binreader.New(buf)
	r.Pos = 16
	sequence, err := r.U16LE()
	if err != nil {
		return record{}, err
	}
	r.Pos = 22
	flags, err := r.U16LE()
	if err != nil {
		return record{}, err
	}
	r.Pos = 20
	attrOff, err := r.U16LE()
	if err != nil {
		return record{}, err
	}
	r.Pos = 32
	baseRefRaw, err := r.U64LE()
	if err != nil {
		return record{}, err
	}

	rec := record{entry: entry, sequence: sequence, flags: flags, baseRef: baseRefRaw & 0x0000FFFFFFFFFFFF}

	pos := int(attrOff)
	for pos+8 <= len(buf) {
		typeID := binary.LittleEndian.Uint32(buf[pos : pos+4])
		if typeID == attrEnd {
			break
		}
		length := binary.LittleEndian.Uint32(buf[pos+4 : pos+8])
		if length == 0 || pos+int(length) > len(buf) {
			break
		}
		attr, err := parseAttribute(buf[pos : pos+int(length)])
		if err != nil {
			return record{}, err
		}
		rec.attributes = append(rec.attributes, attr)
		pos += int(length)
	}
	return rec, nil
}

func parseAttribute(buf []byte) (attribute, error) {
	typeID := binary.LittleEndian.Uint32(buf[0:4])
	nonResidentFlag := buf[8]
	nameLength := buf[9]
	nameOffset := binary.LittleEndian.Uint16(buf[10:12])
	flags := binary.LittleEndian.Uint16(buf[12:14])

	a := attribute{typeID: typeID, nonResident: nonResidentFlag != 0, flags: flags}
	if nameLength > 0 {
		nameBytes := buf[nameOffset : int(nameOffset)+int(nameLength)*2]
		a.name = binreader.UTF16LEToUTF8(nameBytes)
	}

	if !a.nonResident {
		valueLength := binary.LittleEndian.Uint32(buf[16:20])
		valueOffset := binary.LittleEndian.Uint16(buf[20:22])
		if int(valueOffset)+int(valueLength) > len(buf) {
			return attribute{}, kerr.New(kerr.Corrupt, layer, 0, "resident attribute value exceeds record bounds")
		}
		a.content = buf[valueOffset : int(valueOffset)+int(valueLength)]
		a.realSize = int64(valueLength)
		return a, nil
	}

	a.startVCN = int64(binary.LittleEndian.Uint64(buf[16:24]))
	runlistOffset := binary.LittleEndian.Uint16(buf[32:34])
	a.compressionUnit = binary.LittleEndian.Uint16(buf[34:36])
	a.allocatedSize = int64(binary.LittleEndian.Uint64(buf[40:48]))
	a.realSize = int64(binary.LittleEndian.Uint64(buf[48:56]))

	if int(runlistOffset) > len(buf) {
		return attribute{}, kerr.New(kerr.Corrupt, layer, 0, "runlist offset exceeds attribute bounds")
	}
	runs, err := decodeRunlist(buf[runlistOffset:])
	if err != nil {
		return attribute{}, err
	}
	a.runs = runs
	return a, nil
}

func (r record) findAttribute(typeID uint32, name string) *attribute {
	for i := range r.attributes {
		if r.attributes[i].typeID == typeID && r.attributes[i].name == name {
			return &r.attributes[i]
		}
	}
	return nil
}

func (r record) findAllAttributes(typeID uint32) []*attribute {
	var out []*attribute
	for i := range r.attributes {
		if r.attributes[i].typeID == typeID {
			out = append(out, &r.attributes[i])
		}
	}
	return out
}
