// Package volume implements spec §4.E: the volume-system layer sitting
// between a disk-image container and the filesystems inside it. Each
// scheme (MBR, GPT, APM) parses its own on-disk table into an ordered
// list of VolumeDescriptors and a factory that yields the child
// block.Stream for any one of them. No layer above this one interprets
// MBR type bytes, GPT type GUIDs, or APM type strings as authoritative —
// filesystem detection always probes signatures at known offsets instead.
package volume

import (
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/kerr"
)

const layer = "volume"

// Kind names which volume scheme produced a System.
type Kind int

const (
	KindMBR Kind = iota
	KindGPT
	KindAPM
)

func (k Kind) String() string {
	switch k {
	case KindMBR:
		return "mbr"
	case KindGPT:
		return "gpt"
	case KindAPM:
		return "apm"
	default:
		return "unknown"
	}
}

// Descriptor describes one partition/volume entry, uniform across schemes.
// TypeID is scheme-specific (an MBR type byte as "0x07", a GPT type GUID,
// or an APM partition type string) and carried for display only — no
// layer in this module branches on it to decide filesystem type.
type Descriptor struct {
	Index       int
	TypeID      string
	Name        string
	StartLBA    int64
	SectorCount int64
	Bootable    bool
}

func (d Descriptor) StartOffset(sectorSize int64) int64 { return d.StartLBA * sectorSize }
func (d Descriptor) Size(sectorSize int64) int64        { return d.SectorCount * sectorSize }

// System is an opened volume table: its descriptors plus a way to get a
// SubStream for any one of them.
type System interface {
	Kind() Kind
	Descriptors() []Descriptor
	Open(index int) (block.Stream, error)
}

// Detect probes backing for GPT, then APM, then falls back to plain MBR,
// per spec §4.E's "no layer interprets MBR type bytes as authoritative" —
// the probe order itself, not a type byte, decides the scheme.
func Detect(backing block.Stream, sectorSize int64) (System, error) {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	if gpt, err := OpenGPT(backing, sectorSize); err == nil {
		return gpt, nil
	}
	if apm, err := OpenAPM(backing, sectorSize); err == nil {
		return apm, nil
	}
	if mbr, err := OpenMBR(backing, sectorSize); err == nil {
		return mbr, nil
	}
	return nil, kerr.New(kerr.Unsupported, layer, 0, "no recognized volume system signature found")
}
