package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"

	"github.com/aarsakian/keramics/kerr"
)

// zlibDecode handles RFC 1950 zlib streams, as used by UDIF BLKX
// compressed-type 0x80000005 entries and decmpfs inline method 3.
// klauspost/compress is the corpus's own compression dependency
// (bureau-foundation-bureau/lib/artifactstore/compress.go) and is faster
// than compress/zlib for the chunk sizes these containers use.
func zlibDecode(in []byte, outSize int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, kerr.Wrap(kerr.Corrupt, layer, -1, "invalid zlib stream", err)
	}
	defer zr.Close()
	return readExact(zr, outSize)
}

// deflateRawDecode handles RFC 1951 raw Deflate streams (no zlib header),
// as required by QCOW compressed clusters and some EWF/UDIF variants.
func deflateRawDecode(in []byte, outSize int) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(in))
	defer fr.Close()
	return readExact(fr, outSize)
}

func readExact(r io.Reader, outSize int) ([]byte, error) {
	out := make([]byte, outSize)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, kerr.Wrap(kerr.Corrupt, layer, -1, "decompression failed", err)
	}
	return out[:n], nil
}
