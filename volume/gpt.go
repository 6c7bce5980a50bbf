// GPT parsing, grounded on go-apfs's efi_partition_manager.go header/entry
// layout, extended with real CRC-32 verification of both header copies
// and a primary-then-backup fallback, per spec §4.E.
package volume

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/kerr"
)

const (
	gptHeaderSig   = "EFI PART"
	gptHeaderSize  = 92
	gptEntrySize   = 128
	gptHeaderLBA   = 1
	gptArrayLBA    = 2
)

type gptHeader struct {
	myLBA          int64
	alternateLBA   int64
	firstUsableLBA int64
	lastUsableLBA  int64
	diskGUID       binreader.GUID
	entriesLBA     int64
	entryCount     uint32
	entrySize      uint32
	entriesCRC32   uint32
}

// GPTSystem is an opened GPT volume table.
type GPTSystem struct {
	backing    block.Stream
	sectorSize int64
	header     gptHeader
	entries    []Descriptor
	usedBackup bool
}

// OpenGPT reads the primary GPT header at LBA 1 (falling back to the
// backup header at the disk's last LBA if the primary's checksum or
// signature is invalid), and decodes the partition-entry array, skipping
// all-zero type GUID ("unused") entries. The protective MBR at LBA 0 is
// not examined.
func OpenGPT(backing block.Stream, sectorSize int64) (*GPTSystem, error) {
	hdr, usedBackup, err := readValidHeader(backing, sectorSize)
	if err != nil {
		return nil, err
	}

	entries, err := readEntries(backing, hdr, sectorSize)
	if err != nil {
		return nil, err
	}

	return &GPTSystem{backing: backing, sectorSize: sectorSize, header: hdr, entries: entries, usedBackup: usedBackup}, nil
}

func readValidHeader(backing block.Stream, sectorSize int64) (gptHeader, bool, error) {
	primary, primaryOK := tryReadHeader(backing, gptHeaderLBA*sectorSize)
	if primaryOK {
		return primary, false, nil
	}

	size := backing.Size()
	lastLBA := size/sectorSize - 1
	backup, backupOK := tryReadHeader(backing, lastLBA*sectorSize)
	if backupOK {
		return backup, true, nil
	}
	return gptHeader{}, false, kerr.New(kerr.Format, layer, 0, "neither primary nor backup GPT header is valid")
}

func tryReadHeader(backing block.Stream, offset int64) (gptHeader, bool) {
	buf := make([]byte, gptHeaderSize)
	if err := block.ReadFull(backing, offset, buf); err != nil {
		return gptHeader{}, false
	}
	if string(buf[0:8]) != gptHeaderSig {
		return gptHeader{}, false
	}
	storedCRC := binary.LittleEndian.Uint32(buf[16:20])
	check := make([]byte, gptHeaderSize)
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[16:20], 0)
	headerSize := binary.LittleEndian.Uint32(buf[12:16])
	if headerSize < gptHeaderSize {
		headerSize = gptHeaderSize
	}
	if crc32.ChecksumIEEE(check[:min32(headerSize, uint32(len(check)))]) != storedCRC {
		return gptHeader{}, false
	}

	var h gptHeader
	h.myLBA = int64(binary.LittleEndian.Uint64(buf[24:32]))
	h.alternateLBA = int64(binary.LittleEndian.Uint64(buf[32:40]))
	h.firstUsableLBA = int64(binary.LittleEndian.Uint64(buf[40:48]))
	h.lastUsableLBA = int64(binary.LittleEndian.Uint64(buf[48:56]))
	copy(h.diskGUID[:], buf[56:72])
	h.entriesLBA = int64(binary.LittleEndian.Uint64(buf[72:80]))
	h.entryCount = binary.LittleEndian.Uint32(buf[80:84])
	h.entrySize = binary.LittleEndian.Uint32(buf[84:88])
	h.entriesCRC32 = binary.LittleEndian.Uint32(buf[88:92])
	return h, true
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// trimUTF16Nul returns the prefix of b up to (not including) the first
// UTF-16LE null code unit, since GPT partition names are null-padded.
func trimUTF16Nul(b []byte) []byte {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			return b[:i]
		}
	}
	return b
}

func readEntries(backing block.Stream, hdr gptHeader, sectorSize int64) ([]Descriptor, error) {
	entrySize := hdr.entrySize
	if entrySize == 0 {
		entrySize = gptEntrySize
	}
	total := int64(hdr.entryCount) * int64(entrySize)
	buf := make([]byte, total)
	if err := block.ReadFull(backing, hdr.entriesLBA*sectorSize, buf); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(buf) != hdr.entriesCRC32 {
		return nil, kerr.New(kerr.Corrupt, layer, hdr.entriesLBA*sectorSize, "GPT partition entry array CRC-32 mismatch")
	}

	var out []Descriptor
	for i := uint32(0); i < hdr.entryCount; i++ {
		rec := buf[int64(i)*int64(entrySize) : int64(i)*int64(entrySize)+int64(entrySize)]
		var typeGUID binreader.GUID
		copy(typeGUID[:], rec[0:16])
		if typeGUID.IsZero() {
			continue
		}
		firstLBA := int64(binary.LittleEndian.Uint64(rec[32:40]))
		lastLBA := int64(binary.LittleEndian.Uint64(rec[40:48]))
		name := binreader.UTF16LEToUTF8(trimUTF16Nul(rec[56:128]))
		out = append(out, Descriptor{
			Index: len(out), TypeID: typeGUID.String(), Name: name,
			StartLBA: firstLBA, SectorCount: lastLBA - firstLBA + 1,
		})
	}
	return out, nil
}

func (sys *GPTSystem) Kind() Kind                { return KindGPT }
func (sys *GPTSystem) Descriptors() []Descriptor { return sys.entries }

// UsedBackupHeader reports whether the primary header failed validation
// and the backup at the disk's last LBA was used instead (spec §8
// "corrupted GPT primary" scenario).
func (sys *GPTSystem) UsedBackupHeader() bool { return sys.usedBackup }

func (sys *GPTSystem) Open(index int) (block.Stream, error) {
	for _, d := range sys.entries {
		if d.Index != index {
			continue
		}
		return block.Sub(sys.backing, d.StartOffset(sys.sectorSize), d.Size(sys.sectorSize))
	}
	return nil, kerr.New(kerr.NotFound, layer, int64(index), "no such partition index")
}
