package codec

import "github.com/aarsakian/keramics/kerr"

// lznt1Decode decompresses one LZNT1 sub-block payload (the bytes
// following the 2-byte block header described in spec §4.C/§4.F.1 — the
// caller has already stripped the header and knows outSize, the fixed
// uncompressed chunk size, typically 4096).
//
// The token stream is a sequence of 8-token groups: a flag byte whose
// bits (LSB first) say whether each of the following 8 items is a
// literal byte or a 2-byte back-reference. A back-reference's 16 bits
// split into a length field and a displacement field whose widths are
// not fixed: the displacement field widens (and the length field
// narrows) as the output position within the chunk grows, since a
// larger position needs more bits to address every byte already
// produced. This is the one codec this module implements natively
// rather than treating as an external collaborator (see SPEC_FULL.md
// §4.C / DESIGN.md), since every concrete NTFS scenario in spec §8
// exercises it directly.
func lznt1Decode(in []byte, outSize int) ([]byte, error) {
	// Per spec §9 open question: a declared-zero-length compressed
	// block zero-fills rather than erroring.
	if len(in) == 0 {
		return make([]byte, outSize), nil
	}

	out := make([]byte, 0, outSize)
	srcPos := 0
	for srcPos < len(in) && len(out) < outSize {
		flags := in[srcPos]
		srcPos++
		for bit := 0; bit < 8 && len(out) < outSize; bit++ {
			if srcPos >= len(in) {
				break
			}
			if flags&(1<<uint(bit)) == 0 {
				// literal byte
				out = append(out, in[srcPos])
				srcPos++
				continue
			}
			// compressed token: 2 bytes, little-endian
			if srcPos+2 > len(in) {
				return nil, kerr.New(kerr.Corrupt, layer, -1, "lznt1: truncated backreference token")
			}
			token := uint16(in[srcPos]) | uint16(in[srcPos+1])<<8
			srcPos += 2

			lenBits := lznt1LengthBits(len(out))
			lengthMask := uint16(1<<lenBits) - 1
			length := int(token&lengthMask) + 3
			displacement := int(token>>lenBits) + 1

			srcCopy := len(out) - displacement
			if srcCopy < 0 {
				return nil, kerr.New(kerr.Corrupt, layer, -1, "lznt1: backreference before chunk start")
			}
			for i := 0; i < length && len(out) < outSize; i++ {
				out = append(out, out[srcCopy+i])
			}
		}
	}
	// Short output (e.g. a chunk that legitimately ends early) is
	// zero-padded up to the declared size rather than treated as an
	// error: spec's Corrupt is reserved for structurally invalid
	// token streams, not for chunks whose logical tail is padding.
	for len(out) < outSize {
		out = append(out, 0)
	}
	return out, nil
}

// lznt1LengthBits returns the width, in bits, of the length field for a
// back-reference token decoded when pos bytes of this chunk have already
// been produced. The displacement field gets the remaining bits (minimum
// 4, since a chunk never needs more than 12 displacement bits for a
// 4096-byte window).
func lznt1LengthBits(pos int) int {
	if pos == 0 {
		return 12
	}
	dispBits := 0
	v := pos - 1
	for v > 0 {
		v >>= 1
		dispBits++
	}
	if dispBits < 4 {
		dispBits = 4
	}
	lenBits := 16 - dispBits
	if lenBits < 4 {
		lenBits = 4
	}
	return lenBits
}
