// Package fixups decodes the two Mach-O fixup encodings a cache dylib can
// carry: LC_DYLD_CHAINED_FIXUPS chains and the dyld info rebase/bind opcode
// streams.
package fixups

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMalformed is wrapped by every decoding failure.
	ErrMalformed = errors.New("malformed fixups")
	// ErrUnsupportedPointerFormat is returned for chained formats a cache dylib never uses.
	ErrUnsupportedPointerFormat = errors.New("unsupported chained pointer format")
)

// Special library ordinals
const (
	OrdinalSelf           = 0
	OrdinalMainExecutable = -1
	OrdinalFlatLookup     = -2
	OrdinalWeakLookup     = -3
)

// OrdinalName returns a printable name for a library ordinal.
func OrdinalName(ordinal int) string {
	switch ordinal {
	case OrdinalSelf:
		return "this-image"
	case OrdinalMainExecutable:
		return "main-executable"
	case OrdinalFlatLookup:
		return "flat-namespace"
	case OrdinalWeakLookup:
		return "weak-coalesce"
	}
	return fmt.Sprintf("dylib #%d", ordinal)
}

// Import is one external reference a dylib binds to.
type Import struct {
	// Index is the position of the import in the bind target table (or in the
	// weak override table for opcode weak binds).
	Index      int
	LibOrdinal int
	SymbolName string
	Addend     int64
	WeakImport bool
	LazyBind   bool
}

func (i Import) String() string {
	var weak string
	if i.WeakImport {
		weak = ", weak"
	}
	if i.Addend != 0 {
		return fmt.Sprintf("[%d] %s + %#x (%s%s)", i.Index, i.SymbolName, i.Addend, OrdinalName(i.LibOrdinal), weak)
	}
	return fmt.Sprintf("[%d] %s (%s%s)", i.Index, i.SymbolName, OrdinalName(i.LibOrdinal), weak)
}

// Kind of fixup location
type Kind uint8

const (
	Rebase Kind = iota
	Bind
	// WeakBind locations index the weak override table, not the bind table.
	WeakBind
)

func (k Kind) String() string {
	switch k {
	case Rebase:
		return "rebase"
	case Bind:
		return "bind"
	case WeakBind:
		return "weak-bind"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Fixup is one location visited by a ForEachFixup walk.
type Fixup struct {
	Kind      Kind
	SegIndex  int
	SegOffset uint64
	// TargetIndex is the bind ordinal of a Bind or the override index of a
	// WeakBind.
	TargetIndex int
	// Addend is the addend embedded in a chained bind.
	Addend int64
	PMD    PointerMetaData
	// Pointer is the chained value read from the slot before the visitor
	// runs. It is zero for opcode fixups.
	Pointer ChainedPointer
}

// ImportFunc visits a bind target.
type ImportFunc func(Import) error

// FixupFunc visits a fixup location. A visitor may overwrite the slot; walkers
// decode everything they need from it before calling the visitor.
type FixupFunc func(Fixup) error

// Fixups is implemented by *Chained and *Opcodes.
type Fixups interface {
	// ForEachBindTarget visits every bind target in table order. weakFn
	// receives opcode weak binds and is never called for chained fixups.
	ForEachBindTarget(fn ImportFunc, weakFn ImportFunc) error
	// ForEachFixup walks every fixup location over the given segment buffers.
	ForEachFixup(segments [][]byte, fn FixupFunc) error
	// PointerSize is 8 or 4.
	PointerSize() int
}

func checkSlot(segments [][]byte, seg int, off uint64, size int) error {
	if seg < 0 || seg >= len(segments) {
		return errors.Wrapf(ErrMalformed, "segment index %d out of range (%d segments)", seg, len(segments))
	}
	if off+uint64(size) > uint64(len(segments[seg])) || off+uint64(size) < off {
		return errors.Wrapf(ErrMalformed, "fixup offset %#x outside segment %d (size %#x)", off, seg, len(segments[seg]))
	}
	return nil
}
