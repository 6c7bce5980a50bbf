package ntfs

import (
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/codec"
	"github.com/aarsakian/keramics/image"
	"github.com/aarsakian/keramics/kerr"
)

// memStream presents a resident attribute's already-in-memory value as a
// block.Stream, so resolveDataStream never needs to special-case residency
// past this one conversion point.
type memStream struct{ data []byte }

func newMemStream(data []byte) *memStream { return &memStream{data: data} }

func (s *memStream) Size() int64 { return int64(len(s.data)) }

func (s *memStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset >= int64(len(s.data)) {
		return 0, nil
	}
	n := copy(buf, s.data[offset:])
	return n, nil
}

// runlistStream adapts image.ExtentMap (the same sparse/present addressing
// scheme every disk-image container already uses) to back an uncompressed
// non-resident attribute's logical byte range.
type runlistStream struct {
	extents *image.ExtentMap
}

// newRunlistStream builds the extent map for a's decoded runlist: each run
// becomes a Present extent pointing at backing, cluster-sparse runs become
// Sparse. logicalSize truncates the final run (VCN space is cluster-
// granular; a file's real size commonly ends mid-cluster).
func newRunlistStream(backing block.Stream, runs []run, clusterSize, logicalSize int64) (*runlistStream, error) {
	extents := make([]image.Extent, 0, len(runs))
	var cursor int64
	for _, r := range runs {
		length := r.length * clusterSize
		end := cursor + length
		if end > logicalSize {
			end = logicalSize
		}
		if cursor >= logicalSize {
			break
		}
		if r.sparse {
			extents = append(extents, image.Extent{LogicalStart: cursor, LogicalEnd: end, Kind: image.Sparse})
		} else {
			extents = append(extents, image.Extent{
				LogicalStart: cursor, LogicalEnd: end, Kind: image.Present,
				Backing: backing, BackingOffset: r.lcn * clusterSize, Codec: codec.Raw,
			})
		}
		cursor += length
	}
	m, err := image.NewExtentMap(logicalSize, extents)
	if err != nil {
		return nil, err
	}
	return &runlistStream{extents: m}, nil
}

func (s *runlistStream) Size() int64 { return s.extents.Size() }

func (s *runlistStream) ReadAt(offset int64, buf []byte) (int, error) {
	return image.ReadExtentMap(s.extents, nil, 0, offset, buf)
}

// clusterIndex reports the run and within-run cluster delta covering
// cluster pos, or ok == false once pos runs past the end of runs.
func clusterIndex(runs []run, pos int64) (r run, within int64, ok bool) {
	var cursor int64
	for _, candidate := range runs {
		if pos < cursor+candidate.length {
			return candidate, pos - cursor, true
		}
		cursor += candidate.length
	}
	return run{}, 0, false
}

// compressedStream backs an LZNT1-compressed non-resident $DATA attribute
// (FILE_ATTRIBUTE_COMPRESSED, spec §4.F.1): decoding happens one
// compression unit at a time, each unitClusters*clusterSize logical bytes.
type compressedStream struct {
	backing      block.Stream
	runs         []run
	clusterSize  int64
	unitClusters int64
	logicalSize  int64
	registry     *codec.Registry
}

func newCompressedStream(backing block.Stream, runs []run, clusterSize int64, compressionUnitShift uint16, logicalSize int64, registry *codec.Registry) *compressedStream {
	unit := int64(16)
	if compressionUnitShift > 0 {
		unit = int64(1) << compressionUnitShift
	}
	if registry == nil {
		registry = codec.DefaultRegistry()
	}
	return &compressedStream{backing: backing, runs: runs, clusterSize: clusterSize, unitClusters: unit, logicalSize: logicalSize, registry: registry}
}

func (s *compressedStream) Size() int64 { return s.logicalSize }

func (s *compressedStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset >= s.logicalSize {
		return 0, nil
	}
	want := len(buf)
	if offset+int64(want) > s.logicalSize {
		want = int(s.logicalSize - offset)
	}
	unitLogicalFull := s.unitClusters * s.clusterSize

	total := 0
	for total < want {
		cur := offset + int64(total)
		unitIdx := cur / unitLogicalFull
		unitStart := unitIdx * unitLogicalFull
		unitEnd := unitStart + unitLogicalFull
		if unitEnd > s.logicalSize {
			unitEnd = s.logicalSize
		}
		decoded, err := s.decodeUnit(unitIdx, unitEnd-unitStart)
		if err != nil {
			return total, err
		}
		withinUnit := cur - unitStart
		if withinUnit >= int64(len(decoded)) {
			break
		}
		n := copy(buf[total:want], decoded[withinUnit:])
		total += n
	}
	return total, nil
}

// decodeUnit materializes one compression unit's logicalLen decoded bytes.
// If every cluster in the unit is physically present (no sparse padding),
// the unit was stored raw with no per-chunk LZNT1 headers at all — the
// common case when a unit failed to compress smaller than its input.
func (s *compressedStream) decodeUnit(unitIdx, logicalLen int64) ([]byte, error) {
	firstCluster := unitIdx * s.unitClusters
	physical := make([]byte, 0, s.unitClusters*s.clusterSize)
	present := int64(0)
	for c := int64(0); c < s.unitClusters; c++ {
		r, within, ok := clusterIndex(s.runs, firstCluster+c)
		if !ok {
			break
		}
		if r.sparse {
			continue
		}
		clusterBuf := make([]byte, s.clusterSize)
		if err := block.ReadFull(s.backing, (r.lcn+within)*s.clusterSize, clusterBuf); err != nil {
			return nil, err
		}
		physical = append(physical, clusterBuf...)
		present++
	}

	unitLogicalFull := s.unitClusters * s.clusterSize
	if present == s.unitClusters {
		if int64(len(physical)) < logicalLen {
			return nil, kerr.New(kerr.Corrupt, layer, firstCluster*s.clusterSize, "uncompressed compression unit shorter than declared")
		}
		return physical[:logicalLen], nil
	}

	decoded, err := decodeLZNT1Unit(physical, int(unitLogicalFull), s.registry)
	if err != nil {
		return nil, err
	}
	if int64(len(decoded)) > logicalLen {
		decoded = decoded[:logicalLen]
	}
	return decoded, nil
}

// decodeLZNT1Unit splits a partially-present compression unit's physical
// bytes into 4096-byte-chunk LZNT1 sub-blocks (2-byte header: low 12 bits
// = chunk size - 1, bit 15 = compressed) and decodes each, per spec
// §4.F.1's compression-unit convention.
func decodeLZNT1Unit(physical []byte, unitLogicalSize int, registry *codec.Registry) ([]byte, error) {
	const chunkLogicalSize = 4096
	out := make([]byte, 0, unitLogicalSize)
	pos := 0
	for pos+2 <= len(physical) && len(out) < unitLogicalSize {
		header := uint16(physical[pos]) | uint16(physical[pos+1])<<8
		pos += 2
		chunkSize := int(header&0x0FFF) + 1
		compressed := header&0x8000 != 0
		if pos+chunkSize > len(physical) {
			chunkSize = len(physical) - pos
		}
		payload := physical[pos : pos+chunkSize]
		pos += chunkSize

		remaining := unitLogicalSize - len(out)
		chunkOut := chunkLogicalSize
		if remaining < chunkOut {
			chunkOut = remaining
		}
		if compressed {
			decoded, err := registry.Decompress(codec.LZNT1, payload, chunkOut)
			if err != nil {
				return nil, err
			}
			out = append(out, decoded...)
		} else {
			if len(payload) < chunkOut {
				padded := make([]byte, chunkOut)
				copy(padded, payload)
				out = append(out, padded...)
			} else {
				out = append(out, payload[:chunkOut]...)
			}
		}
	}
	for len(out) < unitLogicalSize {
		out = append(out, 0)
	}
	return out, nil
}
