// Package keramics is the pipeline root: Open takes a disk-image file (or
// an already-open block.Stream) and walks the image-container, volume, and
// filesystem layers to produce a browsable tree, per spec §2/§9. Grounded
// on the teacher's disk.Disk orchestration (disk.go's
// Initialize→DiscoverPartitions→ProcessPartitions→DiscoverFileSystems
// pipeline), rewritten as a read-only, detection-driven Go API instead of
// a flag-and-global-state CLI front end — the CLI itself is explicitly out
// of this library's scope (spec §1).
package keramics

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/codec"
	"github.com/aarsakian/keramics/fs"
	"github.com/aarsakian/keramics/fs/ext"
	"github.com/aarsakian/keramics/fs/exfat"
	"github.com/aarsakian/keramics/fs/fatfs"
	"github.com/aarsakian/keramics/fs/hfsplus"
	"github.com/aarsakian/keramics/fs/ntfs"
	"github.com/aarsakian/keramics/image"
	"github.com/aarsakian/keramics/image/ewf"
	"github.com/aarsakian/keramics/image/qcow"
	"github.com/aarsakian/keramics/image/raw"
	"github.com/aarsakian/keramics/image/sparsebundle"
	"github.com/aarsakian/keramics/image/udif"
	"github.com/aarsakian/keramics/image/vhd"
	"github.com/aarsakian/keramics/image/vhdx"
	"github.com/aarsakian/keramics/kerr"
	"github.com/aarsakian/keramics/klog"
	"github.com/aarsakian/keramics/volume"
)

const layer = "keramics"

var log = klog.New("keramics")

// OpenOptions configures Open, replacing the teacher's flag.* globals with
// a plain functional-options-free struct per spec §1's ambient-stack note.
type OpenOptions struct {
	// ChunkCacheCapacity bounds the shared decoded-chunk LRU (spec §5).
	// Zero uses a reasonable default.
	ChunkCacheCapacity int
	// Registry overrides the default codec dispatch table, letting a
	// caller register a real decoder for a codec this library only
	// ships as codec.Unimplemented (LZFSE, LZMA, LZX, LZVN, ...).
	Registry *codec.Registry
}

func (o OpenOptions) chunkCache() *image.ChunkCache {
	capacity := o.ChunkCacheCapacity
	if capacity <= 0 {
		capacity = 256
	}
	return image.NewChunkCache(capacity, o.Registry)
}

// Image is an opened disk image: its container layer, detected volume
// system (if any), and on-demand filesystem access per volume.
type Image struct {
	container image.Container
	chunk     *image.ChunkCache
	vols      volume.System // nil when no recognized volume system was found
	closers   []io.Closer   // backing file(s) Open acquired; empty for OpenStream
}

// Open opens path, detects its image-container format, and probes for a
// volume system. Detection never trusts a file extension: every container
// format is tried in turn and the first one whose signature validates
// wins, per spec §6.
func Open(path string, opts OpenOptions) (*Image, error) {
	backing, err := openBacking(path)
	if err != nil {
		return nil, err
	}
	img, err := OpenStream(backing, opts)
	if err != nil {
		if closer, ok := backing.(io.Closer); ok {
			closer.Close()
		}
		return nil, err
	}
	if segmented, ok := backing.(*block.SegmentedStream); ok {
		for _, seg := range segmented.Segments() {
			if closer, ok := seg.(io.Closer); ok {
				img.closers = append(img.closers, closer)
			}
		}
	} else if closer, ok := backing.(io.Closer); ok {
		img.closers = append(img.closers, closer)
	}
	return img, nil
}

// OpenStream is Open for a caller that already has a block.Stream (e.g. an
// in-memory fixture, or a segment chain assembled by the caller).
func OpenStream(backing block.Stream, opts OpenOptions) (*Image, error) {
	chunk := opts.chunkCache()
	container, err := detectContainer(backing, chunk)
	if err != nil {
		return nil, err
	}
	img := &Image{container: container, chunk: chunk}

	if vols, err := volume.Detect(container, 512); err == nil {
		img.vols = vols
	} else {
		log.Info("no volume system detected; treating image as a single unpartitioned volume")
	}
	return img, nil
}

// openBacking opens path as a plain file, following the teacher's
// extension-sniffing (disk.Initialize) only as far as choosing between a
// segmented EWF chain and a single file — container *format* detection
// itself always happens on bytes, never on extension, in detectContainer.
func openBacking(path string) (block.Stream, error) {
	if strings.ToLower(filepath.Ext(path)) == ".e01" {
		segments, err := ewfSegmentChain(path)
		if err != nil {
			return nil, err
		}
		return block.NewSegmented(segments), nil
	}
	return block.OpenFile(path)
}

// ewfSegmentChain opens path (<base>.E01) and every following segment
// (<base>.E02, .E03, ... then .EAA, .EAB, ...) that exists, per EWF's
// segment-naming convention (spec §4.D.7).
func ewfSegmentChain(first string) ([]block.Stream, error) {
	var segments []block.Stream
	for i := 1; ; i++ {
		name := segmentName(first, i)
		s, err := block.OpenFile(name)
		if err != nil {
			if i == 1 {
				return nil, err
			}
			break
		}
		segments = append(segments, s)
	}
	return segments, nil
}

// segmentName computes the n-th EWF segment's filename from the first
// segment's path, cycling E01-E99 then EAA-EZZ per the format's
// two-letter overflow convention.
func segmentName(first string, n int) string {
	base := strings.TrimSuffix(first, filepath.Ext(first))
	if n <= 99 {
		return base + ".E" + twoDigits(n)
	}
	n -= 100
	first2 := byte('A' + n/26)
	second2 := byte('A' + n%26)
	return base + ".E" + string(first2) + string(second2)
}

func twoDigits(n int) string {
	return fmt.Sprintf("%02d", n)
}

// detectContainer tries every image-container format in turn, per spec
// §6: each Open call validates its own signature and fails fast with
// kerr.Format on mismatch, so probing is cheap and never guesses from a
// file extension.
func detectContainer(backing block.Stream, chunk *image.ChunkCache) (image.Container, error) {
	if c, err := udif.Open(backing, chunk); err == nil {
		return c, nil
	}
	if c, err := vhdx.Open(backing, nil, chunk); err == nil {
		return c, nil
	}
	if c, err := vhd.Open(backing, nil, chunk); err == nil {
		return c, nil
	}
	if c, err := qcow.Open(backing, nil, chunk); err == nil {
		return c, nil
	}
	if c, err := sparsebundle.OpenImage(backing, chunk); err == nil {
		return c, nil
	}
	// EWF is probed only on a SegmentedStream (the segment chain
	// openBacking assembles, see ewfSegmentChain); ewf.Open checks each
	// segment's EVF/LVF signature. A bare backing stream falls through to
	// the raw default.
	if segmented, ok := backing.(*block.SegmentedStream); ok {
		if c, err := ewf.Open(segmented.Segments(), chunk); err == nil {
			return c, nil
		}
	}
	return raw.Open(backing)
}

// OpenEWF opens an already-assembled EWF segment chain, bypassing
// detectContainer's single-stream probes (EWF's own internal section
// structure is unambiguous once segmented, so there is nothing to probe).
func OpenEWF(segments []block.Stream, opts OpenOptions) (*Image, error) {
	chunk := opts.chunkCache()
	container, err := ewf.Open(segments, chunk)
	if err != nil {
		return nil, err
	}
	img := &Image{container: container, chunk: chunk}
	if vols, err := volume.Detect(container, 512); err == nil {
		img.vols = vols
	}
	for _, seg := range segments {
		if closer, ok := seg.(io.Closer); ok {
			img.closers = append(img.closers, closer)
		}
	}
	return img, nil
}

// Volumes lists the detected volume system's descriptors, or a single
// synthetic whole-image descriptor when no volume system was recognized
// (spec §4.E's "probe, don't assume" extends to "no partition table" being
// a legitimate outcome, not an error).
func (img *Image) Volumes() []volume.Descriptor {
	if img.vols == nil {
		return []volume.Descriptor{{Index: 0, Name: "(unpartitioned)", SectorCount: img.container.Size() / 512}}
	}
	return img.vols.Descriptors()
}

// OpenVolume returns the block.Stream for volume index (per Volumes), or
// the whole container when no volume system was detected.
func (img *Image) OpenVolume(index int) (block.Stream, error) {
	if img.vols == nil {
		if index != 0 {
			return nil, kerr.New(kerr.OutOfRange, layer, int64(index), "no volume system detected; only index 0 is valid")
		}
		return img.container, nil
	}
	return img.vols.Open(index)
}

// OpenFileSystem detects and opens the filesystem on volume index, trying
// every supported format in turn (spec §6's magic-byte table) rather than
// trusting the volume descriptor's type byte/GUID/string, per spec §4.E.
func (img *Image) OpenFileSystem(index int) (fs.FileSystem, error) {
	backing, err := img.OpenVolume(index)
	if err != nil {
		return nil, err
	}
	return DetectFileSystem(backing)
}

// DetectFileSystem probes backing for every supported filesystem format in
// byte-signature order: NTFS, exFAT, FAT12/16/32, ext2/3/4, then
// HFS+/HFSX.
func DetectFileSystem(backing block.Stream) (fs.FileSystem, error) {
	if v, err := ntfs.Open(backing); err == nil {
		return v, nil
	}
	if v, err := exfat.Open(backing); err == nil {
		return v, nil
	}
	if v, err := fatfs.Open(backing); err == nil {
		return v, nil
	}
	if v, err := ext.Open(backing); err == nil {
		return v, nil
	}
	if v, err := hfsplus.Open(backing); err == nil {
		return v, nil
	}
	return nil, kerr.New(kerr.Unsupported, layer, 0, "no recognized filesystem signature found")
}

// Close releases the underlying backing file(s), when Open or OpenEWF (not
// OpenStream) was used to acquire them.
func (img *Image) Close() error {
	var firstErr error
	for _, c := range img.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
