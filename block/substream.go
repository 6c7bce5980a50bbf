package block

// SubStream presents a (parent, base, length) view over a parent Stream.
// Reads are clamped to [base, base+length) and translated into parent
// offsets; per spec's invariant, a SubStream never exposes bytes outside
// its declared window even if the parent is larger.
type SubStream struct {
	parent Stream
	base   int64
	length int64
}

func (s *SubStream) Size() int64 { return s.length }

func (s *SubStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset >= s.length {
		return 0, nil
	}
	want := len(buf)
	if offset+int64(want) > s.length {
		want = int(s.length - offset)
	}
	return s.parent.ReadAt(s.base+offset, buf[:want])
}

// Base returns the parent-relative starting offset of this view.
func (s *SubStream) Base() int64 { return s.base }
