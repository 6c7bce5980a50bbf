package binreader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialReadsAdvancePos(t *testing.T) {
	buf := []byte{0x01, 0x03, 0x04, 0xAA, 0xBB}
	r := New(buf)
	b, err := r.U8()
	require.NoError(t, err)
	assert.EqualValues(t, 0x01, b)

	u16, err := r.U16LE()
	require.NoError(t, err)
	assert.EqualValues(t, 0x0403, u16)

	u16be, err := r.U16BE()
	require.NoError(t, err)
	assert.EqualValues(t, 0xAABB, u16be)

	assert.Equal(t, 0, r.Len())
}

func TestReadPastEndErrors(t *testing.T) {
	r := New([]byte{0x01, 0x02})
	_, err := r.U32LE()
	require.Error(t, err)
}

func TestBytesAtDoesNotMovePos(t *testing.T) {
	r := New([]byte{0, 1, 2, 3, 4, 5})
	r.Pos = 2
	b, err := r.BytesAt(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, b)
	assert.Equal(t, 2, r.Pos)
}

func TestFixedStringTrimsNulPadding(t *testing.T) {
	r := New([]byte{'h', 'i', 0, 0, 0})
	s, err := r.FixedString(5)
	require.NoError(t, err)
	assert.Equal(t, "hi", s)
}

func TestNullTerminatedASCIIStopsAtNulAndConsumesIt(t *testing.T) {
	r := New([]byte{'a', 'b', 0, 'c'})
	s, err := r.NullTerminatedASCII()
	require.NoError(t, err)
	assert.Equal(t, "ab", s)
	assert.Equal(t, 3, r.Pos)
}

func TestGUIDStringCanonicalForm(t *testing.T) {
	raw := []byte{
		0x78, 0x56, 0x34, 0x12, // data1 LE
		0xBC, 0x9A, // data2 LE
		0xF0, 0xDE, // data3 LE
		0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF,
	}
	r := New(raw)
	g, err := r.GUID()
	require.NoError(t, err)
	assert.Equal(t, "12345678-9abc-def0-0123-456789abcdef", g.String())
	assert.False(t, g.IsZero())
	assert.True(t, GUID{}.IsZero())
}

func TestFATDateTimeDecodesPackedFields(t *testing.T) {
	// 1990-05-15, 13:30:40 packed into FAT's date/time bitfields.
	date := uint16((1990-1980)<<9 | 5<<5 | 15)
	timeVal := uint16(13<<11 | 30<<5 | 20) // seconds stored /2
	got := FATDateTime(date, timeVal)
	assert.Equal(t, time.Date(1990, 5, 15, 13, 30, 40, 0, time.UTC), got)
}

func TestFILETIMEEpochConversion(t *testing.T) {
	// exactly the Unix epoch.
	const epochDiff = 116444736000000000
	got := FILETIME(epochDiff)
	assert.Equal(t, time.Unix(0, 0).UTC(), got)
}

func TestHFSTimeEpochOffset(t *testing.T) {
	// 2082844800 seconds after the HFS+ epoch (1904-01-01) is the Unix epoch.
	got := HFSTime(2082844800)
	assert.Equal(t, time.Unix(0, 0).UTC(), got)
}

func TestUTF16LEToUTF8WellFormed(t *testing.T) {
	// "AB" as UTF-16LE.
	got := UTF16LEToUTF8([]byte{'A', 0, 'B', 0})
	assert.Equal(t, "AB", got)
}

func TestUTF16BEToUTF8WellFormed(t *testing.T) {
	// "AB" as UTF-16BE.
	got := UTF16BEToUTF8([]byte{0, 'A', 0, 'B'})
	assert.Equal(t, "AB", got)
}

func TestUTF16LEToUTF8SurrogatePairDecodesToOneRune(t *testing.T) {
	// U+1F600 (an emoji) encoded as a valid UTF-16LE surrogate pair.
	got := UTF16LEToUTF8([]byte{0x3D, 0xD8, 0x00, 0xDE})
	assert.Equal(t, "😀", got)
}

func TestUTF16LEToUTF8LoneSurrogateRoundTripsAsWTF8(t *testing.T) {
	// a lone high surrogate (0xD800) with no following low surrogate.
	got := UTF16LEToUTF8([]byte{0x00, 0xD8})
	require.Len(t, got, 3, "lone surrogate must encode as a 3-byte WTF-8 sequence")
}
