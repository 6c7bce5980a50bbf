package fatfs

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/fs"
)

// lfnFragment is one decoded VFAT long-name entry, still in on-disk
// (descending sequence number) order.
type lfnFragment struct {
	sequence    int
	chars       string
	checksum    byte
	isLast      bool
}

// parseDirectory decodes a flat run of 32-byte FAT directory entries into
// (name, handle) pairs, reassembling VFAT long names from the LFN entries
// that precede each 8.3 entry, per spec §4.F.2.
func parseDirectory(buf []byte) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	var pending []lfnFragment

	for pos := 0; pos+32 <= len(buf); pos += 32 {
		entry := buf[pos : pos+32]
		first := entry[0]
		if first == 0x00 {
			break // end of directory
		}
		if first == 0xE5 {
			pending = nil
			continue
		}
		attr := entry[11]
		if attr == attrLongName {
			pending = append(pending, parseLFNFragment(entry))
			continue
		}
		if attr&attrVolumeID != 0 {
			pending = nil
			continue
		}

		name := reassembleLongName(pending, entry)
		pending = nil

		firstClusterHi := uint32(binary.LittleEndian.Uint16(entry[20:22]))
		firstClusterLo := uint32(binary.LittleEndian.Uint16(entry[26:28]))
		size := binary.LittleEndian.Uint32(entry[28:32])
		createDate := binary.LittleEndian.Uint16(entry[16:18])
		createTime := binary.LittleEndian.Uint16(entry[14:16])
		writeDate := binary.LittleEndian.Uint16(entry[24:26])
		writeTime := binary.LittleEndian.Uint16(entry[22:24])
		accessDate := binary.LittleEndian.Uint16(entry[18:20])

		h := Handle{
			Name:         name,
			FirstCluster: firstClusterHi<<16 | firstClusterLo,
			Size:         size,
			Attr:         attr,
			Created:      binreader.FATDateTime(createDate, createTime),
			Modified:     binreader.FATDateTime(writeDate, writeTime),
			Accessed:     binreader.FATDateTime(accessDate, 0),
		}
		out = append(out, fs.DirEntry{Name: name, Handle: h})
	}
	return out, nil
}

func parseLFNFragment(entry []byte) lfnFragment {
	seqByte := entry[0]
	f := lfnFragment{
		sequence: int(seqByte & 0x1F),
		checksum: entry[13],
		isLast:   seqByte&0x40 != 0,
	}
	var runes []byte
	runes = append(runes, entry[1:11]...)
	runes = append(runes, entry[14:26]...)
	runes = append(runes, entry[28:32]...)
	f.chars = binreader.UTF16LEToUTF8(trimLFNPad(runes))
	return f
}

// trimLFNPad strips the 0x0000 terminator and trailing 0xFFFF padding
// VFAT long-name fragments use to fill a partial final entry.
func trimLFNPad(b []byte) []byte {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0x00 && b[i+1] == 0x00 {
			return b[:i]
		}
	}
	return b
}

// shortNameChecksum implements the standard 8.3-name checksum every LFN
// fragment carries, used to detect a long name whose short-name partner
// was overwritten without updating it.
func shortNameChecksum(shortName [11]byte) byte {
	var sum byte
	for _, c := range shortName {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

func reassembleLongName(pending []lfnFragment, shortEntry []byte) string {
	var short [11]byte
	copy(short[:], shortEntry[0:11])
	if len(pending) == 0 {
		return decodeShortName(short)
	}
	sorted := make([]lfnFragment, len(pending))
	copy(sorted, pending)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].sequence < sorted[j-1].sequence; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	want := shortNameChecksum(short)
	for _, f := range sorted {
		if f.checksum != want {
			return decodeShortName(short) // checksum mismatch: fall back to the short name
		}
	}
	var b strings.Builder
	for _, f := range sorted {
		b.WriteString(f.chars)
	}
	return b.String()
}

func decodeShortName(short [11]byte) string {
	name := strings.TrimRight(string(short[0:8]), " ")
	ext := strings.TrimRight(string(short[8:11]), " ")
	if ext == "" {
		return name
	}
	return fmt.Sprintf("%s.%s", name, ext)
}
