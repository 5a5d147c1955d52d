package cache

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/dscbuilder/pkg/fixups"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

const (
	cache64OffsetBits = 44
	cache64OffsetMask = 1<<cache64OffsetBits - 1
	high8Shift        = 56
	high8Mask         = 0xFF << high8Shift
)

// EncodeCache64 encodes target as a 64-bit cache pointer: an offset from the
// cache base with either high8 or the authentication state of pmd.
func EncodeCache64(cacheBase, target uint64, high8 uint8, pmd fixups.PointerMetaData) (uint64, error) {
	if target < cacheBase || target-cacheBase > cache64OffsetMask {
		return 0, errors.Wrapf(ErrAddressOutOfRange, "target %#x is not within %#x bytes of the cache base %#x", target, uint64(cache64OffsetMask), cacheBase)
	}
	v := target - cacheBase
	if pmd.Authenticated {
		v |= uint64(pmd.Diversity) << 44
		v |= uint64(pmd.Key&3) << 60
		if pmd.UsesAddrDiversity {
			v |= 1 << 62
		}
		v |= 1 << 63
		return v, nil
	}
	return v | uint64(high8)<<44, nil
}

// Cache64 is a decoded 64-bit cache pointer.
type Cache64 struct {
	Offset uint64
	High8  uint8
	PMD    fixups.PointerMetaData
}

// DecodeCache64 splits a slot written by EncodeCache64.
func DecodeCache64(v uint64) Cache64 {
	c := Cache64{Offset: types.ExtractBits(v, 0, cache64OffsetBits)}
	if types.ExtractBits(v, 63, 1) != 0 {
		c.PMD = fixups.PointerMetaData{
			Authenticated:     true,
			Diversity:         uint16(types.ExtractBits(v, 44, 16)),
			Key:               uint8(types.ExtractBits(v, 60, 2)),
			UsesAddrDiversity: types.ExtractBits(v, 62, 1) != 0,
		}
		return c
	}
	c.High8 = uint8(types.ExtractBits(v, 44, 8))
	return c
}

func (c Cache64) String() string {
	if c.PMD.Authenticated {
		return fmt.Sprintf("cache+%#x %s", c.Offset, c.PMD)
	}
	if c.High8 != 0 {
		return fmt.Sprintf("cache+%#x high8: %#02x", c.Offset, c.High8)
	}
	return fmt.Sprintf("cache+%#x", c.Offset)
}

// EncodeCache32 encodes target as a 32-bit offset from the cache base.
func EncodeCache32(cacheBase, target uint64) (uint32, error) {
	if target < cacheBase || target-cacheBase > 0xFFFFFFFF {
		return 0, errors.Wrapf(ErrAddressOutOfRange, "target %#x does not fit a 32-bit cache pointer from %#x", target, cacheBase)
	}
	return uint32(target - cacheBase), nil
}

func splitHigh8(v uint64) (uint64, uint8) {
	return v &^ high8Mask, uint8(v >> high8Shift)
}

func slotSize(is64 bool) int {
	if is64 {
		return 8
	}
	return 4
}

func checkBuffer(seg *SegmentChunk, off uint64, size int) error {
	if off+uint64(size) > uint64(len(seg.Buffer)) || off+uint64(size) < off {
		return errors.Wrapf(fixups.ErrMalformed, "slot %#x outside %s (size %#x)", off, seg.Name, len(seg.Buffer))
	}
	return nil
}

func readSlot(seg *SegmentChunk, off uint64, is64 bool) (uint64, error) {
	if err := checkBuffer(seg, off, slotSize(is64)); err != nil {
		return 0, err
	}
	if is64 {
		return binary.LittleEndian.Uint64(seg.Buffer[off:]), nil
	}
	return uint64(binary.LittleEndian.Uint32(seg.Buffer[off:])), nil
}

// writeSlot zeroes the slot before storing v.
func writeSlot(seg *SegmentChunk, off uint64, v uint64, is64 bool) error {
	size := slotSize(is64)
	if err := checkBuffer(seg, off, size); err != nil {
		return err
	}
	clear(seg.Buffer[off : off+uint64(size)])
	if is64 {
		binary.LittleEndian.PutUint64(seg.Buffer[off:], v)
	} else {
		binary.LittleEndian.PutUint32(seg.Buffer[off:], uint32(v))
	}
	return nil
}
