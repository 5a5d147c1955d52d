package cache

import (
	"fmt"
	"strings"

	"github.com/blacktop/dscbuilder/pkg/fixups"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// PatchableLocation is a use of a bind target the patch table must be able to
// redirect.
type PatchableLocation struct {
	CacheVMAddr uint64
	PMD         fixups.PointerMetaData
	Addend      uint64
	WeakImport  bool
}

func (p PatchableLocation) String() string {
	var detail []string
	if p.PMD.Authenticated || p.PMD.High8 != 0 {
		detail = append(detail, p.PMD.String())
	}
	if p.Addend > 0 {
		detail = append(detail, fmt.Sprintf("addend: %#x", p.Addend))
	}
	if p.WeakImport {
		detail = append(detail, "weak_import")
	}
	if len(detail) > 0 {
		return fmt.Sprintf("%#09x (%s)", p.CacheVMAddr, strings.Join(detail, ", "))
	}
	return fmt.Sprintf("%#09x", p.CacheVMAddr)
}

// V4 packs the location flags the way dyld_cache_patchable_location_v4 does.
func (p PatchableLocation) V4() (PatchableLocationV4, error) {
	return NewPatchableLocation(p.PMD, p.Addend, p.WeakImport)
}

// GOTUse is a use through a coalesced GOT slot. CacheVMAddr is the address of
// the shared slot.
type GOTUse struct {
	PatchableLocation
	// TargetVMOffset is the target address as an offset from the cache base.
	TargetVMOffset uint64
}

// PatchableLocationV4 is the packed flag word of a patch table entry.
type PatchableLocationV4 uint32

// NewPatchableLocation packs pmd and addend. Only the A keys are allowed and
// high8 must be even since the entry keeps its top seven bits.
func NewPatchableLocation(pmd fixups.PointerMetaData, addend uint64, weakImport bool) (PatchableLocationV4, error) {
	var v uint32
	high7 := uint32(pmd.High8 >> 1)
	if uint8(high7<<1) != pmd.High8 {
		return 0, errors.Errorf("high8 %#x has its low bit set", pmd.High8)
	}
	v |= high7 << 1
	if weakImport {
		v |= 1 << 8
	}
	if pmd.Authenticated {
		if addend >= 1<<5 {
			return 0, errors.Errorf("addend %#x too large for an authenticated patch location", addend)
		}
		v |= 1
		v |= uint32(addend) << 9
		if pmd.UsesAddrDiversity {
			v |= 1 << 14
		}
		switch pmd.Key {
		case 0: // IA
		case 2: // DA
			v |= 1 << 15
		default:
			return 0, errors.Errorf("patch locations cannot use the %s key", fixups.KeyName(pmd.Key))
		}
		v |= uint32(pmd.Diversity) << 16
		return PatchableLocationV4(v), nil
	}
	if addend >= 1<<23 {
		return 0, errors.Errorf("addend %#x too large for a patch location", addend)
	}
	v |= uint32(addend) << 9
	return PatchableLocationV4(v), nil
}

func (p PatchableLocationV4) Authenticated() bool {
	return types.ExtractBits(uint64(p), 0, 1) != 0
}
func (p PatchableLocationV4) High7() uint32 {
	return uint32(types.ExtractBits(uint64(p), 1, 7))
}
func (p PatchableLocationV4) IsWeakImport() bool {
	return types.ExtractBits(uint64(p), 8, 1) != 0
}
func (p PatchableLocationV4) Addend() uint64 {
	if p.Authenticated() {
		return types.ExtractBits(uint64(p), 9, 5)
	}
	return types.ExtractBits(uint64(p), 9, 23)
}
func (p PatchableLocationV4) UsesAddressDiversity() bool {
	return p.Authenticated() && types.ExtractBits(uint64(p), 14, 1) != 0
}
func (p PatchableLocationV4) IsDataKey() bool {
	return p.Authenticated() && types.ExtractBits(uint64(p), 15, 1) != 0
}
func (p PatchableLocationV4) Discriminator() uint16 {
	if !p.Authenticated() {
		return 0
	}
	return uint16(types.ExtractBits(uint64(p), 16, 16))
}

// PatchInfo records, per bind target ordinal, every location that uses the
// target so the patch table can be built later.
type PatchInfo struct {
	BindUses           [][]PatchableLocation
	BindGOTUses        [][]GOTUse
	BindAuthGOTUses    [][]GOTUse
	BindAuthPtrGOTUses [][]GOTUse
	BindTargetNames    []string

	seenGOT map[gotUseKey]struct{}
}

type gotUseKey struct {
	kind    GOTKind
	ordinal int
	vmAddr  uint64
}

// NewPatchInfo returns an empty PatchInfo.
func NewPatchInfo() *PatchInfo {
	return &PatchInfo{seenGOT: make(map[gotUseKey]struct{})}
}

// resize makes every use slice exactly n long.
func (p *PatchInfo) resize(n int) {
	p.BindUses = resizeUses(p.BindUses, n)
	p.BindGOTUses = resizeUses(p.BindGOTUses, n)
	p.BindAuthGOTUses = resizeUses(p.BindAuthGOTUses, n)
	p.BindAuthPtrGOTUses = resizeUses(p.BindAuthPtrGOTUses, n)
}

func resizeUses[T any](s [][]T, n int) [][]T {
	if len(s) >= n {
		return s[:n]
	}
	return append(s, make([][]T, n-len(s))...)
}

func (p *PatchInfo) addUse(ordinal int, loc PatchableLocation) {
	p.BindUses[ordinal] = append(p.BindUses[ordinal], loc)
}

// addGOTUse keeps one entry per target ordinal and coalesced slot.
func (p *PatchInfo) addGOTUse(kind GOTKind, ordinal int, use GOTUse) bool {
	key := gotUseKey{kind: kind, ordinal: ordinal, vmAddr: use.CacheVMAddr}
	if _, ok := p.seenGOT[key]; ok {
		return false
	}
	p.seenGOT[key] = struct{}{}
	switch kind {
	case GOTRegular:
		p.BindGOTUses[ordinal] = append(p.BindGOTUses[ordinal], use)
	case GOTAuth:
		p.BindAuthGOTUses[ordinal] = append(p.BindAuthGOTUses[ordinal], use)
	case GOTAuthPointer:
		p.BindAuthPtrGOTUses[ordinal] = append(p.BindAuthPtrGOTUses[ordinal], use)
	}
	return true
}

// GOTUses returns the uses of ordinal through coalesced slots of kind.
func (p *PatchInfo) GOTUses(kind GOTKind, ordinal int) []GOTUse {
	switch kind {
	case GOTRegular:
		return p.BindGOTUses[ordinal]
	case GOTAuth:
		return p.BindAuthGOTUses[ordinal]
	case GOTAuthPointer:
		return p.BindAuthPtrGOTUses[ordinal]
	}
	return nil
}
