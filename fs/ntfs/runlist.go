package ntfs

import "github.com/aarsakian/keramics/kerr"

// run is one decoded runlist entry: length clusters starting at LCN, or a
// sparse run when sparse is true (LCN is meaningless then).
type run struct {
	lcn     int64
	length  int64
	sparse  bool
}

// decodeRunlist implements spec §4.F.1's runlist decoding: each entry's
// first byte packs (low nibble = byte-width of the length field, high
// nibble = byte-width of the offset field); a zero offset-width means a
// sparse run; every later offset is a signed delta from the previous LCN.
// The list terminates at a zero header byte.
func decodeRunlist(buf []byte) ([]run, error) {
	var runs []run
	pos := 0
	var priorLCN int64

	for pos < len(buf) {
		header := buf[pos]
		if header == 0 {
			break
		}
		lengthSize := int(header & 0x0F)
		offsetSize := int(header >> 4)
		pos++

		if pos+lengthSize > len(buf) {
			return nil, kerr.New(kerr.Corrupt, layer, int64(pos), "runlist length field truncated")
		}
		length := decodeUnsigned(buf[pos : pos+lengthSize])
		pos += lengthSize

		r := run{length: length}
		if offsetSize == 0 {
			r.sparse = true
		} else {
			if pos+offsetSize > len(buf) {
				return nil, kerr.New(kerr.Corrupt, layer, int64(pos), "runlist offset field truncated")
			}
			delta := decodeSigned(buf[pos : pos+offsetSize])
			pos += offsetSize
			priorLCN += delta
			r.lcn = priorLCN
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func decodeUnsigned(b []byte) int64 {
	var v int64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	return v
}

// decodeSigned sign-extends a little-endian two's-complement field of
// arbitrary byte width, as NTFS runlist offset deltas require.
func decodeSigned(b []byte) int64 {
	v := decodeUnsigned(b)
	bits := uint(len(b)) * 8
	if bits < 64 && v&(int64(1)<<(bits-1)) != 0 {
		v -= int64(1) << bits
	}
	return v
}

// byteRun is one decoded run as a (backingOffset, length) byte range within
// the volume; runsToByteRuns converts a runlist into byteRuns, keeping
// sparse runs in place with sparse set.
type byteRun struct {
	backingOffset int64
	length        int64
	sparse        bool
}

func runsToByteRuns(runs []run, clusterSize int64) []byteRun {
	out := make([]byteRun, len(runs))
	for i, r := range runs {
		out[i] = byteRun{backingOffset: r.lcn * clusterSize, length: r.length * clusterSize, sparse: r.sparse}
	}
	return out
}
