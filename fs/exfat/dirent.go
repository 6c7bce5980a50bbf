package exfat

import (
	"encoding/binary"
	"time"

	"github.com/aarsakian/keramics/binreader"
	"github.com/aarsakian/keramics/fs"
)

// parseDirectorySet walks a flat run of 32-byte exFAT directory entries,
// grouping each 0x85 (file) primary with its 0xC0 (stream extension) and
// 0xC1 (filename) secondaries per spec §4.F.3's required set, verifying
// the set checksum before trusting the reassembled name.
func parseDirectorySet(buf []byte) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	pos := 0
	for pos+32 <= len(buf) {
		entry := buf[pos : pos+32]
		typeCode := entry[0]
		if typeCode == 0x00 {
			break // unused entry marks end of allocated set
		}
		if typeCode != entryFile {
			pos += 32
			continue
		}
		secondaryCount := int(entry[1])
		setChecksum := binary.LittleEndian.Uint16(entry[2:4])
		attr := binary.LittleEndian.Uint16(entry[4:6])
		created := dosTimestamp(binary.LittleEndian.Uint32(entry[8:12]))
		modified := dosTimestamp(binary.LittleEndian.Uint32(entry[12:16]))
		accessed := dosTimestamp(binary.LittleEndian.Uint32(entry[16:20]))
		setLen := (secondaryCount + 1) * 32
		if pos+setLen > len(buf) {
			break
		}
		set := buf[pos : pos+setLen]
		pos += setLen

		if computeSetChecksum(set) != setChecksum || secondaryCount < 1 {
			continue // corrupt or truncated set; skip rather than guess
		}
		streamEntry := set[32:64]
		if streamEntry[0] != entryStreamExt {
			continue
		}
		streamFlags := streamEntry[1]
		nameLength := int(streamEntry[3])
		firstCluster := binary.LittleEndian.Uint32(streamEntry[20:24])
		dataLength := int64(binary.LittleEndian.Uint64(streamEntry[24:32]))

		var nameBytes []byte
		for i := 2; i < secondaryCount+1 && len(nameBytes) < nameLength*2; i++ {
			frag := set[i*32 : i*32+32]
			if frag[0] != entryFileName {
				break
			}
			nameBytes = append(nameBytes, frag[2:32]...)
		}
		if len(nameBytes) > nameLength*2 {
			nameBytes = nameBytes[:nameLength*2]
		}
		name := binreader.UTF16LEToUTF8(nameBytes)

		h := Handle{
			Name: name, FirstCluster: firstCluster, DataLength: dataLength,
			Attr: attr, NoFATChain: streamFlags&streamFlagNoFATChain != 0,
			Created: created, Modified: modified, Accessed: accessed,
		}
		out = append(out, fs.DirEntry{Name: name, Handle: h})
	}
	return out, nil
}

// dosTimestamp decodes exFAT's packed 32-bit timestamp, the same
// date/time bit layout spec §4.F.2 uses for FAT.
func dosTimestamp(v uint32) time.Time {
	return binreader.FATDateTime(uint16(v>>16), uint16(v))
}

// computeSetChecksum implements exFAT's rolling 16-bit checksum over an
// entire directory-entry set, skipping the checksum field itself (bytes
// 2-3 of the first, primary entry).
func computeSetChecksum(set []byte) uint16 {
	var sum uint16
	for i, b := range set {
		if i == 2 || i == 3 {
			continue
		}
		sum = (sum << 15) | (sum >> 1)
		sum += uint16(b)
	}
	return sum
}
