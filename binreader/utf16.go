package binreader

import (
	"bytes"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// utf16LEDecoder and utf16BEDecoder are reused for the common well-formed
// case, where golang.org/x/text's decoder is both faster and the corpus-standard
// tool (the teacher's go.mod already depends on golang.org/x/text).
var utf16LEDecoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
var utf16BEDecoder = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()

// UTF16LEToUTF8 decodes a little-endian UTF-16 (or UCS-2LE) byte slice to
// UTF-8. x/text's decoder replaces unpaired surrogates with U+FFFD, so any
// output containing U+FFFD is re-decoded by hand, passing lone surrogates
// through as WTF-8 three-byte sequences so that NTFS/exFAT names that
// legally contain them round-trip losslessly.
func UTF16LEToUTF8(b []byte) string {
	if out, err := utf16LEDecoder.Bytes(b); err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
		return string(out)
	}
	return wtf8FromUnits(decodeUnitsLE(b))
}

// UTF16BEToUTF8 is the big-endian counterpart, used by HFS+ catalog keys.
func UTF16BEToUTF8(b []byte) string {
	if out, err := utf16BEDecoder.Bytes(b); err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
		return string(out)
	}
	return wtf8FromUnits(decodeUnitsBE(b))
}

func decodeUnitsLE(b []byte) []uint16 {
	n := len(b) / 2
	units := make([]uint16, n)
	for i := 0; i < n; i++ {
		units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return units
}

func decodeUnitsBE(b []byte) []uint16 {
	n := len(b) / 2
	units := make([]uint16, n)
	for i := 0; i < n; i++ {
		units[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return units
}

// wtf8FromUnits is the fallback path for UTF-16 input whose x/text decoding
// contains U+FFFD (which x/text substitutes for unpaired surrogates). It walks code units manually, decoding valid surrogate
// pairs normally and emitting a raw WTF-8 3-byte sequence for every
// unpaired high or low surrogate, per spec §3/§4.B.
func wtf8FromUnits(units []uint16) string {
	var out []byte
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case u < 0xD800 || u > 0xDFFF:
			out = utf8.AppendRune(out, rune(u))
		case u <= 0xDBFF: // high surrogate
			if i+1 < len(units) && units[i+1] >= 0xDC00 && units[i+1] <= 0xDFFF {
				r := utf16.DecodeRune(rune(u), rune(units[i+1]))
				out = utf8.AppendRune(out, r)
				i++
			} else {
				out = appendWTF8Surrogate(out, u)
			}
		default: // unpaired low surrogate
			out = appendWTF8Surrogate(out, u)
		}
	}
	return string(out)
}

// appendWTF8Surrogate appends the 3-byte WTF-8 encoding of a lone
// surrogate code point (0xD800-0xDFFF), which standard UTF-8 forbids but
// WTF-8 permits for lossless round-tripping.
func appendWTF8Surrogate(out []byte, u uint16) []byte {
	r := rune(u)
	return append(out, byte(0xE0|(r>>12)), byte(0x80|((r>>6)&0x3F)), byte(0x80|(r&0x3F)))
}
