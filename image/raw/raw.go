// Package raw implements spec §4.D.1: a pass-through container over one
// or multiple files (plain device dumps and split-dd images), grounded
// directly on the teacher's img.RawReader (which already treats a raw
// image as "open the file, os.File.ReadAt" with no container parsing).
package raw

import (
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/image"
)

// Container wraps a single (or, via NewSegmented, multi-file) backing
// stream with no decoding at all: the trivial degenerate Container.
type Container struct {
	backing block.Stream
	extents *image.ExtentMap
}

// Open treats backing as the whole logical image, one Present extent
// covering it end to end.
func Open(backing block.Stream) (*Container, error) {
	size := backing.Size()
	extents, err := image.NewExtentMap(size, []image.Extent{
		{LogicalStart: 0, LogicalEnd: size, Backing: backing, BackingOffset: 0},
	})
	if err != nil {
		return nil, err
	}
	return &Container{backing: backing, extents: extents}, nil
}

// OpenSegmented concatenates segments (split dd images, e.g. disk.001,
// disk.002, ...) into one logical raw container via block.SegmentedStream.
func OpenSegmented(segments []block.Stream) (*Container, error) {
	return Open(block.NewSegmented(segments))
}

func (c *Container) Size() int64 { return c.backing.Size() }

func (c *Container) ReadAt(offset int64, buf []byte) (int, error) {
	return c.backing.ReadAt(offset, buf)
}

func (c *Container) Extents() *image.ExtentMap { return c.extents }
