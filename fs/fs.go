// Package fs declares the filesystem contract every concrete filesystem
// (NTFS, FAT12/16/32, exFAT, ext2/3/4, HFS+/HFSX) under this module
// implements, per spec §4.F: a read-only handle-based tree with metadata
// and named data streams, deliberately free of any host-filesystem
// concept (no *os.File, no path separators assumed).
package fs

import (
	"time"

	"github.com/aarsakian/keramics/block"
)

// EntryType classifies what a Handle refers to.
type EntryType int

const (
	Regular EntryType = iota
	Directory
	Symlink
	Device
	Fifo
	Socket
	Reparse
)

func (t EntryType) String() string {
	switch t {
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Device:
		return "device"
	case Fifo:
		return "fifo"
	case Socket:
		return "socket"
	case Reparse:
		return "reparse"
	default:
		return "unknown"
	}
}

// Handle opaquely identifies one entry within a FileSystem. Each
// implementation defines its own concrete, comparable type (an MFT
// entry+sequence pair, an inode number, a CNID, a cluster+dirent index)
// and returns it through this interface.
type Handle interface{}

// Metadata is everything spec §6 "Outputs" names about one entry.
type Metadata struct {
	Name          string
	Size          int64
	AllocatedSize int64
	Type          EntryType
	Created       time.Time
	Modified      time.Time
	Changed       time.Time
	Accessed      time.Time
	Permissions   uint32 // POSIX mode bits, zero when the format has none
	Attributes    map[string]string
}

// DirEntry is one (name, handle) pair returned by List.
type DirEntry struct {
	Name   string
	Handle Handle
}

// Stream is one named data stream of an entry: the nameless default
// stream has Name == "".
type Stream struct {
	Name string
	Data block.Stream
}

// FileSystem is the read-only contract spec §4.F requires of every
// concrete filesystem.
type FileSystem interface {
	Root() (Handle, error)
	Lookup(parent Handle, name string) (Handle, bool, error)
	List(parent Handle) ([]DirEntry, error)
	Metadata(h Handle) (Metadata, error)
	Streams(h Handle) ([]Stream, error)
	TargetOfLink(h Handle) (string, bool, error)
}
