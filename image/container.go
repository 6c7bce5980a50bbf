package image

import (
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/cache"
	"github.com/aarsakian/keramics/codec"
	"github.com/aarsakian/keramics/kerr"
)

// Container is the contract every disk-image format (§4.D.1-§4.D.7)
// implements: a block.Stream backed by an ExtentMap, plus the extent map
// itself for callers (e.g. a volume system) that want to reason about
// sparseness directly.
type Container interface {
	block.Stream
	Extents() *ExtentMap
}

// chunkKey identifies one chunk slot in a ChunkCache:
// (container instance, chunk index), per spec §5.
type chunkKey struct {
	instance uint64
	index    int64
}

// ChunkCache is the shared, fixed-capacity LRU described in spec §5,
// owned by the opened image and torn down with it (spec §9 "Cache
// lifetimes") — never process-wide global state.
type ChunkCache struct {
	lru      *cache.LRU[chunkKey, []byte]
	registry *codec.Registry
	nextID   uint64
}

// NewChunkCache returns a ChunkCache with room for capacity decoded
// chunks, dispatching compressed chunks through registry.
func NewChunkCache(capacity int, registry *codec.Registry) *ChunkCache {
	if registry == nil {
		registry = codec.DefaultRegistry()
	}
	return &ChunkCache{lru: cache.New[chunkKey, []byte](capacity), registry: registry}
}

// NewInstance returns a unique instance id for a newly opened container,
// so its chunk indices never collide with another container's in the
// shared cache.
func (c *ChunkCache) NewInstance() uint64 {
	c.nextID++
	return c.nextID
}

// Decode returns the decoded bytes for chunk chunkIdx of instance,
// reading compressedSize bytes at backingOffset from backing and
// decoding them with codecID if not already cached. At most one decode
// per (instance, chunkIdx) runs concurrently; other callers await it.
func (c *ChunkCache) Decode(instance uint64, chunkIdx int64, backing block.Stream, backingOffset, compressedSize int64, codecID codec.ID, outSize int) ([]byte, error) {
	key := chunkKey{instance: instance, index: chunkIdx}
	return c.lru.GetOrLoad(key, func() ([]byte, error) {
		raw := make([]byte, compressedSize)
		n, err := backing.ReadAt(backingOffset, raw)
		if err != nil {
			return nil, kerr.Wrap(kerr.Io, layer, backingOffset, "reading compressed chunk", err)
		}
		raw = raw[:n]
		return c.registry.Decompress(codecID, raw, outSize)
	})
}

// ReadExtentMap satisfies most of block.Stream.ReadAt for a format whose
// Extents() already fully describes its logical address space: binary
// search the map, resolve Sparse/Unmapped/Uninitialized locally, and
// decode Present extents (via chunkCache when compressed) before copying
// the requested slice. Containers call this from their own ReadAt.
func ReadExtentMap(m *ExtentMap, chunkCache *ChunkCache, instance uint64, offset int64, buf []byte) (int, error) {
	size := m.Size()
	if offset >= size {
		return 0, nil
	}
	want := len(buf)
	if offset+int64(want) > size {
		want = int(size - offset)
	}
	total := 0
	for total < want {
		cur := offset + int64(total)
		ext, err := m.Lookup(cur)
		if err != nil {
			return total, err
		}
		n, err := readWithinExtent(ext, chunkCache, instance, cur, buf[total:want])
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			break
		}
	}
	return total, nil
}

func readWithinExtent(ext Extent, chunkCache *ChunkCache, instance uint64, offset int64, buf []byte) (int, error) {
	avail := ext.LogicalEnd - offset
	want := int64(len(buf))
	if want > avail {
		want = avail
	}
	switch ext.Kind {
	case Sparse, Uninitialized:
		for i := int64(0); i < want; i++ {
			buf[i] = 0
		}
		return int(want), nil
	case Unmapped:
		if ext.Parent == nil {
			for i := int64(0); i < want; i++ {
				buf[i] = 0
			}
			return int(want), nil
		}
		return ext.Parent.ReadAt(offset, buf[:want])
	case Present:
		withinExtent := offset - ext.LogicalStart
		if ext.Codec == codec.Raw {
			n, err := ext.Backing.ReadAt(ext.BackingOffset+withinExtent, buf[:want])
			return n, err
		}
		decoded, err := chunkCache.Decode(instance, ext.LogicalStart, ext.Backing, ext.BackingOffset, ext.CompressedSize, ext.Codec, int(ext.length()))
		if err != nil {
			return 0, kerr.WithOffset(err, offset)
		}
		n := copy(buf[:want], decoded[withinExtent:])
		return n, nil
	default:
		return 0, kerr.New(kerr.Format, layer, offset, "unknown extent kind")
	}
}
