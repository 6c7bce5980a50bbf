package ext

import (
	"encoding/binary"

	"github.com/aarsakian/keramics/fs"
)

// parseDirectory decodes a linear run of ext2/3/4 directory entries
// (8 bytes fixed header + inline name, 4-byte aligned), per spec §4.F.4.
// hasFileType controls whether byte 7 is a file-type hint or the high
// byte of name_len (the pre-FILETYPE layout).
func parseDirectory(buf []byte, hasFileType bool) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	pos := 0
	for pos+8 <= len(buf) {
		inode := binary.LittleEndian.Uint32(buf[pos : pos+4])
		recLen := int(binary.LittleEndian.Uint16(buf[pos+4 : pos+6]))
		if recLen < 8 || pos+recLen > len(buf) {
			break
		}
		nameLen := int(buf[pos+6])
		if !hasFileType {
			nameLen |= int(buf[pos+7]) << 8
		}
		if inode != 0 && nameLen > 0 {
			nameStart := pos + 8
			name := string(buf[nameStart : nameStart+nameLen])
			if name != "." && name != ".." {
				out = append(out, fs.DirEntry{Name: name, Handle: Handle{Inode: inode}})
			}
		}
		pos += recLen
	}
	return out, nil
}
