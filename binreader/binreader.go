// Package binreader provides a zero-allocation cursor over an in-memory
// buffer: endianness-tagged integer reads, string extraction, GUID reads
// in the Microsoft mixed-endian convention, and timestamp conversion.
// Out-of-bounds access is always an error, never a panic.
package binreader

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/aarsakian/keramics/kerr"
	"github.com/google/uuid"
)

const layer = "binreader"

// Reader is a cursor over buf. Pos advances on every typed read; callers
// that need random access use the *At variants, which don't move Pos.
type Reader struct {
	buf []byte
	Pos int
}

// New wraps buf for sequential reads starting at offset 0.
func New(buf []byte) *Reader { return &Reader{buf: buf} }

// Len returns the number of bytes remaining after Pos.
func (r *Reader) Len() int { return len(r.buf) - r.Pos }

func (r *Reader) need(n int) error {
	if n < 0 || r.Pos+n > len(r.buf) || r.Pos < 0 {
		return kerr.New(kerr.OutOfRange, layer, int64(r.Pos), fmt.Sprintf("need %d bytes, have %d", n, r.Len()))
	}
	return nil
}

func (r *Reader) slice(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.Pos : r.Pos+n]
	r.Pos += n
	return b, nil
}

// Skip advances Pos by n bytes without reading.
func (r *Reader) Skip(n int) error {
	_, err := r.slice(n)
	return err
}

// Bytes returns the next n bytes and advances Pos.
func (r *Reader) Bytes(n int) ([]byte, error) { return r.slice(n) }

// BytesAt returns n bytes at absolute offset off without moving Pos.
func (r *Reader) BytesAt(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(r.buf) {
		return nil, kerr.New(kerr.OutOfRange, layer, int64(off), fmt.Sprintf("need %d bytes at %d, have %d", n, off, len(r.buf)))
	}
	return r.buf[off : off+n], nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.slice(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16LE() (uint16, error) {
	b, err := r.slice(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U16BE() (uint16, error) {
	b, err := r.slice(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) U32LE() (uint32, error) {
	b, err := r.slice(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) U32BE() (uint32, error) {
	b, err := r.slice(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) U64LE() (uint64, error) {
	b, err := r.slice(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) U64BE() (uint64, error) {
	b, err := r.slice(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) I64LE() (int64, error) {
	u, err := r.U64LE()
	return int64(u), err
}

// FixedString reads n bytes and trims trailing NUL padding.
func (r *Reader) FixedString(n int) (string, error) {
	b, err := r.slice(n)
	if err != nil {
		return "", err
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end]), nil
}

// NullTerminatedASCII reads bytes up to (and consuming) the next NUL, or
// to the end of the buffer if no NUL is found.
func (r *Reader) NullTerminatedASCII() (string, error) {
	start := r.Pos
	for r.Pos < len(r.buf) && r.buf[r.Pos] != 0 {
		r.Pos++
	}
	s := string(r.buf[start:r.Pos])
	if r.Pos < len(r.buf) {
		r.Pos++ // consume the NUL
	}
	return s, nil
}

// GUID reads a 16-byte GUID in the Microsoft mixed-endian convention:
// the first three fields little-endian, the last two (and the 6-byte node
// id) big-endian/byte-order-as-stored.
type GUID [16]byte

// String renders the canonical 8-4-4-4-12 hyphenated form by permuting the
// mixed-endian bytes into RFC4122 order and handing them to uuid.UUID,
// rather than hand-rolling the hex formatting.
func (g GUID) String() string {
	return g.toRFC4122().String()
}

// toRFC4122 reverses the little-endian byte order of the first three
// on-disk fields; the trailing clock-seq/node bytes are already stored in
// the order RFC4122 expects.
func (g GUID) toRFC4122() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(g[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(g[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(g[6:8]))
	copy(u[8:], g[8:16])
	return u
}

// ParseGUID parses a canonical 8-4-4-4-12 GUID literal (as used for the
// well-known VHDX region/metadata item GUIDs) into the on-disk
// mixed-endian byte layout, via uuid.Parse rather than hand-rolled hex
// decoding.
func ParseGUID(s string) (GUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, kerr.Wrap(kerr.Format, layer, 0, "parsing GUID literal", err)
	}
	var g GUID
	binary.LittleEndian.PutUint32(g[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(g[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(g[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(g[8:], u[8:16])
	return g, nil
}

// MustParseGUID is ParseGUID for compile-time-known literals (package-level
// var initializers); it panics on a malformed literal.
func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

// IsZero reports whether this is the all-zero GUID (GPT "unused" sentinel).
func (g GUID) IsZero() bool {
	for _, b := range g {
		if b != 0 {
			return false
		}
	}
	return true
}

func (r *Reader) GUID() (GUID, error) {
	b, err := r.slice(16)
	if err != nil {
		return GUID{}, err
	}
	var g GUID
	copy(g[:], b)
	return g, nil
}

// FATDateTime converts a packed FAT date+time pair (local to an
// unspecified zone, per spec §4.F.2) to a time.Time in UTC representing
// the same wall-clock fields, flagging the zone as unknown to the caller
// by convention (callers must not treat the Location as authoritative).
func FATDateTime(date, timeVal uint16) time.Time {
	year := int(date>>9) + 1980
	month := int((date >> 5) & 0x0F)
	day := int(date & 0x1F)
	hour := int(timeVal >> 11)
	min := int((timeVal >> 5) & 0x3F)
	sec := int(timeVal&0x1F) * 2
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
}

// FILETIME converts a Windows FILETIME (100ns intervals since 1601-01-01)
// to UTC, as NTFS/exFAT $STANDARD_INFORMATION timestamps are stored.
func FILETIME(ft uint64) time.Time {
	const epochDiff = 116444736000000000 // 1601-01-01 -> 1970-01-01, in 100ns units
	if ft < epochDiff {
		return time.Unix(0, 0).UTC()
	}
	unix100ns := int64(ft - epochDiff)
	return time.Unix(unix100ns/10000000, (unix100ns%10000000)*100).UTC()
}

// POSIXTime converts a 32-bit POSIX timestamp (ext2/3/4 inode times) to UTC.
func POSIXTime(sec uint32) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}

// HFSTime converts an HFS+ timestamp: seconds since 1904-01-01, UTC.
func HFSTime(sec uint32) time.Time {
	const hfsEpochOffset = 2082844800 // 1904-01-01 -> 1970-01-01, seconds
	return time.Unix(int64(sec)-hfsEpochOffset, 0).UTC()
}
