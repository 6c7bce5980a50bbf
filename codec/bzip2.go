package codec

import (
	"bytes"
	"compress/bzip2"
)

// bzip2Decode wires stdlib compress/bzip2, which is decode-only — exactly
// this library's need, and the corpus contains no third-party bzip2
// decoder anywhere (see DESIGN.md for the explicit justification). Used by
// UDIF BLKX compressed-type 0x80000006 entries.
func bzip2Decode(in []byte, outSize int) ([]byte, error) {
	br := bzip2.NewReader(bytes.NewReader(in))
	return readExact(br, outSize)
}
