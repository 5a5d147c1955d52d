package cache

import (
	"sort"

	"github.com/pkg/errors"
)

// AddressAdjustor maps an input vmaddr of a dylib to its cache vmaddr.
type AddressAdjustor interface {
	AdjustVMAddr(inputVMAddr uint64) (uint64, error)
}

type segmentMapping struct {
	name      string
	inputAddr uint64
	inputSize uint64
	cacheAddr uint64
	cacheSize uint64
}

func (m segmentMapping) inputEnd() uint64 { return m.inputAddr + m.inputSize }

// SegmentAdjustor slides each input segment to the address of its cache chunk.
type SegmentAdjustor struct {
	mappings []segmentMapping
}

// NewSegmentAdjustor pairs input segments with cache chunks by index.
func NewSegmentAdjustor(input []InputSegment, chunks []*SegmentChunk) (*SegmentAdjustor, error) {
	if len(input) != len(chunks) {
		return nil, errors.Errorf("%d input segments but %d cache segments", len(input), len(chunks))
	}
	a := &SegmentAdjustor{mappings: make([]segmentMapping, 0, len(input))}
	for i, seg := range input {
		if seg.Name != chunks[i].Name {
			return nil, errors.Errorf("segment %d is %s in the input but %s in the cache", i, seg.Name, chunks[i].Name)
		}
		if seg.VMSize == 0 {
			continue
		}
		cacheSize := chunks[i].CacheVMSize
		if cacheSize == 0 {
			cacheSize = seg.VMSize
		}
		a.mappings = append(a.mappings, segmentMapping{
			name:      seg.Name,
			inputAddr: seg.VMAddr,
			inputSize: seg.VMSize,
			cacheAddr: chunks[i].CacheVMAddr,
			cacheSize: cacheSize,
		})
	}
	sort.Slice(a.mappings, func(i, j int) bool {
		return a.mappings[i].inputAddr < a.mappings[j].inputAddr
	})
	for i := 1; i < len(a.mappings); i++ {
		if a.mappings[i].inputAddr < a.mappings[i-1].inputEnd() {
			return nil, errors.Errorf("segments %s and %s overlap", a.mappings[i-1].name, a.mappings[i].name)
		}
	}
	return a, nil
}

// AdjustVMAddr maps addr through the segment containing it. The end address
// of a segment maps to the end of its chunk.
func (a *SegmentAdjustor) AdjustVMAddr(addr uint64) (uint64, error) {
	// first segment ending at or after addr
	i := sort.Search(len(a.mappings), func(i int) bool {
		return a.mappings[i].inputEnd() >= addr
	})
	// prefer the segment starting exactly at addr over one ending there
	if i+1 < len(a.mappings) && a.mappings[i+1].inputAddr == addr {
		i++
	}
	if i == len(a.mappings) || addr < a.mappings[i].inputAddr {
		return 0, errors.Wrapf(ErrAddressOutOfRange, "vmaddr %#x is not in any segment", addr)
	}
	m := a.mappings[i]
	off := addr - m.inputAddr
	if off > m.cacheSize {
		return 0, errors.Wrapf(ErrAddressOutOfRange, "vmaddr %#x is past the end of %s in the cache", addr, m.name)
	}
	return m.cacheAddr + off, nil
}
