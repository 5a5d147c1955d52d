package fixups

import (
	"fmt"

	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// PointerFormat is a dyld_chained_starts_in_segment.pointer_format value.
type PointerFormat uint16

const (
	PtrArm64e           = PointerFormat(fixupchains.DYLD_CHAINED_PTR_ARM64E)
	Ptr64               = PointerFormat(fixupchains.DYLD_CHAINED_PTR_64)
	Ptr32               = PointerFormat(fixupchains.DYLD_CHAINED_PTR_32)
	Ptr64Offset         = PointerFormat(fixupchains.DYLD_CHAINED_PTR_64_OFFSET)
	PtrArm64eKernel     = PointerFormat(fixupchains.DYLD_CHAINED_PTR_ARM64E_KERNEL)
	PtrArm64eUserland   = PointerFormat(fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND)
	PtrArm64eFirmware   = PointerFormat(fixupchains.DYLD_CHAINED_PTR_ARM64E_FIRMWARE)
	PtrArm64eUserland24 = PointerFormat(fixupchains.DYLD_CHAINED_PTR_ARM64E_USERLAND24)
)

func (f PointerFormat) String() string {
	switch f {
	case PtrArm64e:
		return "DYLD_CHAINED_PTR_ARM64E"
	case Ptr64:
		return "DYLD_CHAINED_PTR_64"
	case Ptr32:
		return "DYLD_CHAINED_PTR_32"
	case Ptr64Offset:
		return "DYLD_CHAINED_PTR_64_OFFSET"
	case PtrArm64eKernel:
		return "DYLD_CHAINED_PTR_ARM64E_KERNEL"
	case PtrArm64eUserland:
		return "DYLD_CHAINED_PTR_ARM64E_USERLAND"
	case PtrArm64eFirmware:
		return "DYLD_CHAINED_PTR_ARM64E_FIRMWARE"
	case PtrArm64eUserland24:
		return "DYLD_CHAINED_PTR_ARM64E_USERLAND24"
	}
	return fmt.Sprintf("DYLD_CHAINED_PTR(%d)", uint16(f))
}

// IsArm64e reports whether the format uses the arm64e pointer layout.
func (f PointerFormat) IsArm64e() bool {
	switch f {
	case PtrArm64e, PtrArm64eKernel, PtrArm64eUserland, PtrArm64eFirmware, PtrArm64eUserland24:
		return true
	}
	return false
}

// Is32 reports whether slots of this format are 4 bytes wide.
func (f PointerFormat) Is32() bool {
	return f == Ptr32
}

// Stride returns the unit of the chain next field in bytes.
func (f PointerFormat) Stride() (uint64, error) {
	switch f {
	case PtrArm64e, PtrArm64eUserland, PtrArm64eUserland24:
		return 8, nil
	case PtrArm64eKernel, PtrArm64eFirmware, Ptr64, Ptr64Offset, Ptr32:
		return 4, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedPointerFormat, "%s", f)
}

// targetIsVMAddr reports whether an unauthenticated rebase target is a vmaddr
// rather than an offset from the image load address.
func (f PointerFormat) targetIsVMAddr() bool {
	switch f {
	case PtrArm64e, PtrArm64eFirmware, Ptr64, Ptr32:
		return true
	}
	return false
}

// PointerMetaData is the pointer authentication and tag state of a fixup.
type PointerMetaData struct {
	Diversity         uint16 `json:"diversity,omitempty"`
	High8             uint8  `json:"high8,omitempty"`
	Authenticated     bool   `json:"authenticated,omitempty"`
	Key               uint8  `json:"key,omitempty"`
	UsesAddrDiversity bool   `json:"addr_div,omitempty"`
}

// KeyName returns the name of a pointer authentication key.
func KeyName(key uint8) string {
	name := []string{"IA", "IB", "DA", "DB"}
	if key >= 4 {
		return "ERROR"
	}
	return name[key]
}

func (p PointerMetaData) String() string {
	if p.Authenticated {
		return fmt.Sprintf("auth(key: %s, addr_div: %t, diversity: %#04x)", KeyName(p.Key), p.UsesAddrDiversity, p.Diversity)
	}
	if p.High8 != 0 {
		return fmt.Sprintf("high8: %#02x", p.High8)
	}
	return "plain"
}

// ChainedPointer is the raw content of a chained fixup slot.
type ChainedPointer struct {
	Raw    uint64
	Format PointerFormat
}

func (p ChainedPointer) bits(start, n int32) uint64 {
	return types.ExtractBits(p.Raw, start, n)
}

func (p ChainedPointer) isAuth() bool {
	return p.Format.IsArm64e() && p.bits(63, 1) != 0
}

// IsBind reports whether the slot is a bind.
func (p ChainedPointer) IsBind() bool {
	switch {
	case p.Format.IsArm64e():
		return p.bits(62, 1) != 0
	case p.Format == Ptr64 || p.Format == Ptr64Offset:
		return p.bits(63, 1) != 0
	case p.Format == Ptr32:
		return p.bits(31, 1) != 0
	}
	return false
}

// Next returns the distance to the next slot in strides; zero ends the chain.
func (p ChainedPointer) Next() uint64 {
	switch {
	case p.Format.IsArm64e():
		return p.bits(51, 11)
	case p.Format == Ptr64 || p.Format == Ptr64Offset:
		return p.bits(51, 12)
	case p.Format == Ptr32:
		return p.bits(26, 5)
	}
	return 0
}

// BindOrdinal returns the bind target ordinal and embedded addend of a bind.
func (p ChainedPointer) BindOrdinal() (uint32, int64) {
	switch {
	case p.Format.IsArm64e():
		n := int32(16)
		if p.Format == PtrArm64eUserland24 {
			n = 24
		}
		ordinal := uint32(p.bits(0, n))
		if p.isAuth() {
			return ordinal, 0
		}
		// 19 bit signed addend
		addend := int64(p.bits(32, 19))
		if addend&0x40000 != 0 {
			addend |= ^int64(0x7FFFF)
		}
		return ordinal, addend
	case p.Format == Ptr64 || p.Format == Ptr64Offset:
		return uint32(p.bits(0, 24)), int64(p.bits(24, 8))
	case p.Format == Ptr32:
		return uint32(p.bits(0, 20)), int64(p.bits(20, 6))
	}
	return 0, 0
}

// RebaseTarget returns the runtime offset (from the image load address) a
// rebase points to. High8 is left in bits 56-63.
func (p ChainedPointer) RebaseTarget(preferredLoadAddress uint64) uint64 {
	var target uint64
	switch {
	case p.Format.IsArm64e():
		if p.isAuth() {
			return p.bits(0, 32)
		}
		target = p.bits(43, 8)<<56 | p.bits(0, 43)
	case p.Format == Ptr64 || p.Format == Ptr64Offset:
		target = p.bits(36, 8)<<56 | p.bits(0, 36)
	case p.Format == Ptr32:
		target = p.bits(0, 26)
	}
	if p.Format.targetIsVMAddr() {
		target -= preferredLoadAddress
	}
	return target
}

// MetaData decodes the pointer authentication and high8 state of the slot.
func (p ChainedPointer) MetaData() PointerMetaData {
	var pmd PointerMetaData
	switch {
	case p.Format.IsArm64e():
		if p.isAuth() {
			pmd.Authenticated = true
			pmd.Diversity = uint16(p.bits(32, 16))
			pmd.UsesAddrDiversity = p.bits(48, 1) != 0
			pmd.Key = uint8(p.bits(49, 2))
		} else if !p.IsBind() {
			pmd.High8 = uint8(p.bits(43, 8))
		}
	case p.Format == Ptr64 || p.Format == Ptr64Offset:
		if !p.IsBind() {
			pmd.High8 = uint8(p.bits(36, 8))
		}
	}
	return pmd
}

func (p ChainedPointer) String() string {
	if p.IsBind() {
		ordinal, addend := p.BindOrdinal()
		return fmt.Sprintf("%#016x bind ordinal: %d addend: %d next: %d (%s)", p.Raw, ordinal, addend, p.Next(), p.MetaData())
	}
	return fmt.Sprintf("%#016x rebase target: %#x next: %d (%s)", p.Raw, p.RebaseTarget(0), p.Next(), p.MetaData())
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// EncodeArm64eRebase packs a plain arm64e rebase.
func EncodeArm64eRebase(target uint64, high8 uint8, next uint64) uint64 {
	return target&(1<<43-1) | uint64(high8)<<43 | (next&0x7FF)<<51
}

// EncodeArm64eAuthRebase packs an authenticated arm64e rebase.
func EncodeArm64eAuthRebase(target uint32, diversity uint16, addrDiv bool, key uint8, next uint64) uint64 {
	return uint64(target) | uint64(diversity)<<32 | boolBit(addrDiv)<<48 | uint64(key&3)<<49 | (next&0x7FF)<<51 | 1<<63
}

// EncodeArm64eBind packs a plain arm64e bind. Ordinals up to 24 bits are only
// valid for PtrArm64eUserland24.
func EncodeArm64eBind(ordinal uint32, addend int32, next uint64) uint64 {
	return uint64(ordinal&0xFFFFFF) | (uint64(addend)&0x7FFFF)<<32 | (next&0x7FF)<<51 | 1<<62
}

// EncodeArm64eAuthBind packs an authenticated arm64e bind.
func EncodeArm64eAuthBind(ordinal uint32, diversity uint16, addrDiv bool, key uint8, next uint64) uint64 {
	return uint64(ordinal&0xFFFFFF) | uint64(diversity)<<32 | boolBit(addrDiv)<<48 | uint64(key&3)<<49 | (next&0x7FF)<<51 | 1<<62 | 1<<63
}

// EncodeGeneric64Rebase packs a DYLD_CHAINED_PTR_64(_OFFSET) rebase.
func EncodeGeneric64Rebase(target uint64, high8 uint8, next uint64) uint64 {
	return target&(1<<36-1) | uint64(high8)<<36 | (next&0xFFF)<<51
}

// EncodeGeneric64Bind packs a DYLD_CHAINED_PTR_64(_OFFSET) bind.
func EncodeGeneric64Bind(ordinal uint32, addend uint8, next uint64) uint64 {
	return uint64(ordinal&0xFFFFFF) | uint64(addend)<<24 | (next&0xFFF)<<51 | 1<<63
}

// EncodeGeneric32Rebase packs a DYLD_CHAINED_PTR_32 rebase.
func EncodeGeneric32Rebase(target uint32, next uint64) uint32 {
	return target&(1<<26-1) | uint32(next&0x1F)<<26
}

// EncodeGeneric32Bind packs a DYLD_CHAINED_PTR_32 bind.
func EncodeGeneric32Bind(ordinal uint32, addend uint8, next uint64) uint32 {
	return ordinal&0xFFFFF | uint32(addend&0x3F)<<20 | uint32(next&0x1F)<<26 | 1<<31
}
