// Package image implements the disk-image container layer (spec §4.D):
// UDIF, QCOW, VHD, VHDx, sparseimage/sparsebundle, EWF, and plain raw,
// each mapping a virtual sector range onto one or more backing files
// through an ExtentMap.
package image

import (
	"sort"

	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/codec"
	"github.com/aarsakian/keramics/kerr"
)

const layer = "image"

// ExtentKind tags how an Extent's logical range is backed.
type ExtentKind int

const (
	// Present means the range is mapped to (backing stream, backing offset).
	Present ExtentKind = iota
	// Sparse means the range is zero-filled and not stored at all.
	Sparse
	// Unmapped means the range falls through to a parent/backing image.
	Unmapped
	// Uninitialized means the range is zero-filled but allocated — a
	// distinction containers like VHDX make explicit.
	Uninitialized
)

// Extent is a half-open [LogicalStart, LogicalEnd) range of a container's
// logical address space, tagged with how to resolve reads within it.
type Extent struct {
	LogicalStart int64
	LogicalEnd   int64
	Kind         ExtentKind

	// Backing is the stream holding the bytes for a Present extent
	// (nil for Sparse/Unmapped/Uninitialized).
	Backing block.Stream
	// BackingOffset is the offset within Backing where this extent's
	// data begins (meaningless unless Kind == Present).
	BackingOffset int64

	// Codec, when not codec.Raw, means the backing bytes are a
	// compressed chunk that must be decoded before use.
	Codec          codec.ID
	CompressedSize int64

	// Parent, when set, is consulted for Unmapped ranges instead of
	// zero-filling (VHD/VHDX/QCOW differencing/backing-file chains).
	Parent block.Stream
}

func (e Extent) length() int64 { return e.LogicalEnd - e.LogicalStart }

// ExtentMap is a sorted, non-overlapping, gapless-by-construction list of
// Extents covering [0, Size). Gaps passed to New are filled with
// synthetic Sparse extents, per spec §3.
type ExtentMap struct {
	size    int64
	extents []Extent
}

// NewExtentMap validates and sorts extents, filling gaps with Sparse
// ranges, and rejects overlaps (spec §4.D.2 UDIF requires rejecting
// overlapping blkx entries; this applies the same rule to every format).
func NewExtentMap(size int64, extents []Extent) (*ExtentMap, error) {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LogicalStart < sorted[j].LogicalStart })

	var filled []Extent
	var cursor int64
	for _, e := range sorted {
		if e.LogicalStart < cursor {
			return nil, kerr.New(kerr.Format, layer, e.LogicalStart, "overlapping extents")
		}
		if e.LogicalStart > cursor {
			filled = append(filled, Extent{LogicalStart: cursor, LogicalEnd: e.LogicalStart, Kind: Sparse})
		}
		filled = append(filled, e)
		cursor = e.LogicalEnd
	}
	if cursor < size {
		filled = append(filled, Extent{LogicalStart: cursor, LogicalEnd: size, Kind: Sparse})
	} else if cursor > size {
		return nil, kerr.New(kerr.Format, layer, cursor, "extents exceed declared logical size")
	}
	return &ExtentMap{size: size, extents: filled}, nil
}

// Size returns the logical size this map covers.
func (m *ExtentMap) Size() int64 { return m.size }

// Lookup binary-searches for the Extent covering offset.
func (m *ExtentMap) Lookup(offset int64) (Extent, error) {
	if offset < 0 || offset >= m.size {
		return Extent{}, kerr.New(kerr.OutOfRange, layer, offset, "offset outside extent map")
	}
	idx := sort.Search(len(m.extents), func(i int) bool {
		return m.extents[i].LogicalEnd > offset
	})
	if idx >= len(m.extents) {
		return Extent{}, kerr.New(kerr.OutOfRange, layer, offset, "offset outside extent map")
	}
	return m.extents[idx], nil
}

// All returns every Extent in logical order, for callers building an
// ExtentMap-of-ExtentMaps (e.g. a differencing image stacking its own
// map over its parent's).
func (m *ExtentMap) All() []Extent { return m.extents }
