package block

import (
	"sort"

	"github.com/aarsakian/keramics/kerr"
)

// segment is one backing stream's placement within a SegmentedStream's
// logical address space.
type segment struct {
	stream      Stream
	logicalBase int64
	size        int64
}

// SegmentedStream presents a logically contiguous view over a sorted
// sequence of backing streams (EWF .E01/.E02/... segments, VHDX log
// containers, split-raw dd images). Its map is fixed at construction, per
// spec §4.A.
type SegmentedStream struct {
	segments []segment
	size     int64
}

// NewSegmented builds a SegmentedStream by concatenating streams in order.
func NewSegmented(streams []Stream) *SegmentedStream {
	ss := &SegmentedStream{}
	var base int64
	for _, s := range streams {
		sz := s.Size()
		ss.segments = append(ss.segments, segment{stream: s, logicalBase: base, size: sz})
		base += sz
	}
	ss.size = base
	return ss
}

func (s *SegmentedStream) Size() int64 { return s.size }

func (s *SegmentedStream) segmentFor(offset int64) int {
	return sort.Search(len(s.segments), func(i int) bool {
		seg := s.segments[i]
		return seg.logicalBase+seg.size > offset
	})
}

func (s *SegmentedStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset < 0 {
		return 0, kerr.New(kerr.OutOfRange, layer, offset, "negative offset")
	}
	if offset >= s.size {
		return 0, nil
	}
	total := 0
	for total < len(buf) {
		cur := offset + int64(total)
		if cur >= s.size {
			break
		}
		idx := s.segmentFor(cur)
		if idx >= len(s.segments) {
			break
		}
		seg := s.segments[idx]
		segOff := cur - seg.logicalBase
		segWant := len(buf) - total
		if segOff+int64(segWant) > seg.size {
			segWant = int(seg.size - segOff)
		}
		n, err := seg.stream.ReadAt(segOff, buf[total:total+segWant])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Segments exposes the underlying backing streams, used by containers
// that need to know which physical file a logical chunk offset lands in
// (EWF table entries address "the preceding sectors section").
func (s *SegmentedStream) Segments() []Stream {
	out := make([]Stream, len(s.segments))
	for i, seg := range s.segments {
		out[i] = seg.stream
	}
	return out
}
