// APM (Apple Partition Map) parsing, per spec §4.E: block 0 carries a
// driver descriptor ("ER"); block 1 onward carries partition entries
// ("PM"), the first of which describes the map itself and names the
// total entry count.
package volume

import (
	"encoding/binary"

	"github.com/aarsakian/keramics/block"
	"github.com/aarsakian/keramics/kerr"
)

const (
	apmDriverSig    = "ER"
	apmPartitionSig = "PM"
	apmBlockSize    = 512 // APM predates variable sector sizes; always 512
)

// APMSystem is an opened Apple Partition Map.
type APMSystem struct {
	backing block.Stream
	entries []Descriptor
}

// OpenAPM reads block 0's driver descriptor ("ER") to confirm this is an
// APM disk, then walks the "PM" partition-map entries starting at block 1;
// the first entry's map_entries field gives the total count to read.
func OpenAPM(backing block.Stream, sectorSize int64) (*APMSystem, error) {
	ddBlock := make([]byte, apmBlockSize)
	if err := block.ReadFull(backing, 0, ddBlock); err != nil {
		return nil, err
	}
	if string(ddBlock[0:2]) != apmDriverSig {
		return nil, kerr.New(kerr.Format, layer, 0, "missing ER driver descriptor signature")
	}

	first := make([]byte, apmBlockSize)
	if err := block.ReadFull(backing, apmBlockSize, first); err != nil {
		return nil, err
	}
	if string(first[0:2]) != apmPartitionSig {
		return nil, kerr.New(kerr.Format, layer, apmBlockSize, "missing PM partition entry signature")
	}
	mapEntries := binary.BigEndian.Uint32(first[4:8])

	sys := &APMSystem{backing: backing}
	for i := uint32(0); i < mapEntries; i++ {
		offset := int64(i+1) * apmBlockSize
		buf := make([]byte, apmBlockSize)
		if err := block.ReadFull(backing, offset, buf); err != nil {
			return nil, err
		}
		if string(buf[0:2]) != apmPartitionSig {
			break
		}
		startBlock := binary.BigEndian.Uint32(buf[8:12])
		blockCount := binary.BigEndian.Uint32(buf[12:16])
		partType := trimNulString(buf[48:80])
		name := trimNulString(buf[16:48])
		sys.entries = append(sys.entries, Descriptor{
			Index: int(i), TypeID: partType, Name: name,
			StartLBA: int64(startBlock), SectorCount: int64(blockCount),
		})
	}
	return sys, nil
}

func trimNulString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (sys *APMSystem) Kind() Kind                { return KindAPM }
func (sys *APMSystem) Descriptors() []Descriptor { return sys.entries }

func (sys *APMSystem) Open(index int) (block.Stream, error) {
	for _, d := range sys.entries {
		if d.Index != index {
			continue
		}
		return block.Sub(sys.backing, d.StartOffset(apmBlockSize), d.Size(apmBlockSize))
	}
	return nil, kerr.New(kerr.NotFound, layer, int64(index), "no such partition index")
}
