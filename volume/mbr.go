// MBR parsing, generalized from the teacher's disk/partition/MBR/mbr.go:
// the four primary entries plus an extended-partition (0x05/0x0F) chain of
// EBRs, each relative to the first EBR, terminated by a zero second entry.
package volume

import (
	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/kerr"
)

const (
	mbrRecordSize    = 512 // the partition table itself is always in the first 512 bytes of a sector
	mbrPartitionSize = 16
	mbrSigOffset     = 510
	mbrTableOffset   = 446

	typeExtendedCHS = 0x05
	typeExtendedLBA = 0x0F
	typeEmpty       = 0x00
	typeProtective  = 0xEE
)

type mbrEntry struct {
	bootFlag uint8
	typeID   uint8
	startLBA uint32
	sectors  uint32
}

// MBRSystem is an opened MBR (plus any extended-partition chain).
type MBRSystem struct {
	backing    block.Stream
	sectorSize int64
	entries    []Descriptor
}

// OpenMBR reads backing's first sector, verifies the 0x55AA boot
// signature, and walks primary + extended partitions. sectorSize seeds
// the EBR-chain probe; probeSectorSize may revise it if the nested EBR
// signature is found at a different stride.
func OpenMBR(backing block.Stream, sectorSize int64) (*MBRSystem, error) {
	sector := make([]byte, mbrRecordSize)
	if err := block.ReadFull(backing, 0, sector); err != nil {
		return nil, err
	}
	if sector[mbrSigOffset] != 0x55 || sector[mbrSigOffset+1] != 0xAA {
		return nil, kerr.New(kerr.Format, layer, 0, "missing 0x55AA MBR boot signature")
	}

	primaries := parseEntries(sector[mbrTableOffset:mbrSigOffset])
	if len(primaries) == 4 && primaries[0].typeID == typeProtective {
		return nil, kerr.New(kerr.Unsupported, layer, 0, "protective MBR; this disk uses GPT")
	}

	sys := &MBRSystem{backing: backing, sectorSize: sectorSize}
	idx := 0
	for _, e := range primaries {
		if e.typeID == typeEmpty {
			continue
		}
		if e.typeID == typeExtendedCHS || e.typeID == typeExtendedLBA {
			if err := sys.walkExtended(int64(e.startLBA), &idx); err != nil {
				return nil, err
			}
			continue
		}
		sys.entries = append(sys.entries, Descriptor{
			Index: idx, TypeID: typeIDString(e.typeID), StartLBA: int64(e.startLBA),
			SectorCount: int64(e.sectors), Bootable: e.bootFlag == 0x80,
		})
		idx++
	}
	return sys, nil
}

func parseEntries(buf []byte) []mbrEntry {
	var out []mbrEntry
	for pos := 0; pos+mbrPartitionSize <= len(buf); pos += mbrPartitionSize {
		rec := buf[pos : pos+mbrPartitionSize]
		out = append(out, mbrEntry{
			bootFlag: rec[0],
			typeID:   rec[4],
			startLBA: le32(rec[8:12]),
			sectors:  le32(rec[12:16]),
		})
	}
	return out
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// walkExtended follows the EBR chain starting at firstEBRLBA (relative to
// the start of the disk). Each EBR's first entry describes the logical
// partition it introduces; its second entry, if present, points at the
// next EBR as an offset relative to firstEBRLBA — never assume 512-byte
// sectors here, probe for the nested 0x55AA signature instead.
func (sys *MBRSystem) walkExtended(firstEBRLBA int64, idx *int) error {
	sectorSize, err := sys.probeSectorSize(firstEBRLBA)
	if err != nil {
		return err
	}
	sys.sectorSize = sectorSize

	relOffset := int64(0)
	for {
		ebrOffset := (firstEBRLBA + relOffset) * sectorSize
		sector := make([]byte, mbrRecordSize)
		if err := block.ReadFull(sys.backing, ebrOffset, sector); err != nil {
			return err
		}
		if sector[mbrSigOffset] != 0x55 || sector[mbrSigOffset+1] != 0xAA {
			return kerr.New(kerr.Corrupt, layer, ebrOffset, "EBR missing 0x55AA signature")
		}
		ebrEntries := parseEntries(sector[mbrTableOffset:mbrSigOffset])
		if len(ebrEntries) < 1 || ebrEntries[0].typeID == typeEmpty {
			return nil
		}
		logical := ebrEntries[0]
		sys.entries = append(sys.entries, Descriptor{
			Index: *idx, TypeID: typeIDString(logical.typeID),
			StartLBA: firstEBRLBA + relOffset + int64(logical.startLBA), SectorCount: int64(logical.sectors),
			Bootable: logical.bootFlag == 0x80,
		})
		*idx++

		if len(ebrEntries) < 2 || ebrEntries[1].typeID == typeEmpty {
			return nil
		}
		relOffset = int64(ebrEntries[1].startLBA)
	}
}

// probeSectorSize tries the common sector sizes at firstEBRLBA*candidate
// and returns the first one whose implied offset carries a valid 0x55AA
// signature, per spec §4.E's "probe, don't assume" requirement.
func (sys *MBRSystem) probeSectorSize(firstEBRLBA int64) (int64, error) {
	candidates := []int64{512, 4096, 2048}
	if sys.sectorSize != 0 {
		candidates = append([]int64{sys.sectorSize}, candidates...)
	}
	tried := make(map[int64]bool)
	for _, size := range candidates {
		if tried[size] {
			continue
		}
		tried[size] = true
		sig := make([]byte, 2)
		if err := block.ReadFull(sys.backing, firstEBRLBA*size+mbrSigOffset, sig); err != nil {
			continue
		}
		if sig[0] == 0x55 && sig[1] == 0xAA {
			return size, nil
		}
	}
	return 0, kerr.New(kerr.Format, layer, firstEBRLBA, "could not locate EBR signature at any probed sector size")
}

func typeIDString(t uint8) string {
	const hexDigits = "0123456789abcdef"
	return "0x" + string([]byte{hexDigits[t>>4], hexDigits[t&0xF]})
}

func (sys *MBRSystem) Kind() Kind                { return KindMBR }
func (sys *MBRSystem) Descriptors() []Descriptor { return sys.entries }

func (sys *MBRSystem) Open(index int) (block.Stream, error) {
	for _, d := range sys.entries {
		if d.Index != index {
			continue
		}
		return block.Sub(sys.backing, d.StartOffset(sys.sectorSize), d.Size(sys.sectorSize))
	}
	return nil, kerr.New(kerr.NotFound, layer, int64(index), "no such partition index")
}
