package cache

import "fmt"

// BindTarget is an entry of a dylib's bind target table: either Absolute or
// CacheImage.
type BindTarget interface {
	fmt.Stringer
	bindAddend() int64
}

// ResolvedSymbol is what symbol resolution produces: either Absolute or
// ResolvedInput. Input offsets become cache offsets when the bind target table
// is built.
type ResolvedSymbol interface {
	fmt.Stringer
	resolved()
}

// Absolute is a fixed value that does not slide with the cache.
type Absolute struct {
	Value      uint64
	Addend     int64
	WeakImport bool
}

func (a Absolute) bindAddend() int64 { return a.Addend }
func (Absolute) resolved()           {}

func (a Absolute) String() string {
	if a.Addend != 0 {
		return fmt.Sprintf("absolute(%#x + %#x)", a.Value, a.Addend)
	}
	return fmt.Sprintf("absolute(%#x)", a.Value)
}

// nullTarget is what a missing weak import binds to.
var nullTarget = Absolute{}

// ResolvedInput is a symbol found in the export trie of Target at an offset
// from its input load address.
type ResolvedInput struct {
	Target            *CacheDylib
	InputOffset       uint64
	WeakDef           bool
	IsFunctionVariant bool
	VariantIndex      uint64
}

func (ResolvedInput) resolved() {}

func (r ResolvedInput) String() string {
	return fmt.Sprintf("%s+%#x", r.Target.InstallName(), r.InputOffset)
}

// CacheImage is a location inside a cache dylib, as an offset from that
// dylib's cache load address.
type CacheImage struct {
	Target            *CacheDylib
	CacheOffset       uint64
	Addend            int64
	WeakDef           bool
	WeakImport        bool
	IsFunctionVariant bool
	VariantIndex      uint64
}

func (c CacheImage) bindAddend() int64 { return c.Addend }

// VMAddr returns the cache address of the target, without the addend.
func (c CacheImage) VMAddr() uint64 {
	return c.Target.CacheLoadAddress + c.CacheOffset
}

func (c CacheImage) String() string {
	s := fmt.Sprintf("%s+%#x", c.Target.InstallName(), c.CacheOffset)
	if c.Addend != 0 {
		s += fmt.Sprintf(" + %#x", c.Addend)
	}
	if c.IsFunctionVariant {
		s += fmt.Sprintf(" (variant %d)", c.VariantIndex)
	}
	return s
}

func isWeakImport(t BindTarget) bool {
	switch v := t.(type) {
	case Absolute:
		return v.WeakImport
	case CacheImage:
		return v.WeakImport
	}
	return false
}
