// Package cache resolves the bind targets of the dylibs placed in a shared
// cache and rewrites their fixup locations into cache pointer encodings.
package cache

import (
	"fmt"

	"github.com/blacktop/dscbuilder/pkg/aslr"
	"github.com/blacktop/dscbuilder/pkg/fixups"
	"github.com/pkg/errors"
)

// LinkKind is how a dylib depends on another.
type LinkKind uint8

const (
	LinkRegular LinkKind = iota
	LinkWeak
	LinkUpward
	LinkReexport
)

func (k LinkKind) String() string {
	switch k {
	case LinkRegular:
		return "regular"
	case LinkWeak:
		return "weak"
	case LinkUpward:
		return "upward"
	case LinkReexport:
		return "re-export"
	}
	return fmt.Sprintf("link(%d)", k)
}

// Dependency is one LC_LOAD_*DYLIB entry. Its position in the list is the
// 1-based library ordinal binds use.
type Dependency struct {
	InstallName string
	Kind        LinkKind
}

// InputSegment is a segment of a dylib as found on disk.
type InputSegment struct {
	Name       string
	VMAddr     uint64
	VMSize     uint64
	FileOffset uint64
	FileSize   uint64
	// Data is the file content of the segment, nil when not loaded.
	Data []byte
}

// FunctionVariants locates a dylib's function variant table as an offset from
// its load address.
type FunctionVariants struct {
	Offset uint64
	Size   uint64
}

// InputDylib is the read-only view of a dylib before it is placed in the cache.
type InputDylib struct {
	InstallName  string
	LoadAddress  uint64
	Dependencies []Dependency
	ExportTrie   []byte
	// Fixups is nil for a dylib without binds or rebases.
	Fixups   fixups.Fixups
	Segments []InputSegment

	HasWeakDefs              bool
	ParticipatesInPatchTable bool
	FunctionVariants         *FunctionVariants
}

// Segment returns the input segment with the given name.
func (d *InputDylib) Segment(name string) (*InputSegment, bool) {
	for i := range d.Segments {
		if d.Segments[i].Name == name {
			return &d.Segments[i], true
		}
	}
	return nil, false
}

// DependentDylib is a Dependency resolved against the cache roster. Dylib is
// nil when the dependency is not in the cache.
type DependentDylib struct {
	Dependency
	Dylib *CacheDylib
}

// SegmentChunk is the cache-side copy of one input segment.
type SegmentChunk struct {
	Name        string
	InputVMAddr uint64
	InputVMSize uint64
	CacheVMAddr uint64
	CacheVMSize uint64
	FileOffset  uint64
	// Buffer is the segment content inside the cache image. Fixups are
	// rewritten in place.
	Buffer        []byte
	Tracker       aslr.Tracker
	RebaseTargets *aslr.RebaseTargets
}

// CacheDylib is a dylib placed in the cache. Everything except BindTargets,
// PatchInfo, FunctionVariantFixups, Stats and the segment buffers is fixed once
// the roster is linked.
type CacheDylib struct {
	Input            *InputDylib
	Dependents       []DependentDylib
	Segments         []*SegmentChunk
	CacheLoadAddress uint64
	Adjustor         AddressAdjustor

	BindTargets           []BindTarget
	PatchInfo             *PatchInfo
	FunctionVariantFixups []FunctionVariantFixup
	Stats                 RewriteStats

	weakBindTargetsStart int
}

// NewCacheDylib places input at the cache addresses of segs, which pair with
// input.Segments by index. Segments without a tracker get a Bitmap and every
// segment gets an empty rebase target table if it has none.
func NewCacheDylib(input *InputDylib, segs []*SegmentChunk) (*CacheDylib, error) {
	if len(segs) == 0 {
		return nil, errors.Errorf("%s: no segments", input.InstallName)
	}
	adj, err := NewSegmentAdjustor(input.Segments, segs)
	if err != nil {
		return nil, errors.Wrap(err, input.InstallName)
	}
	d := &CacheDylib{
		Input:                input,
		Segments:             segs,
		CacheLoadAddress:     segs[0].CacheVMAddr,
		Adjustor:             adj,
		weakBindTargetsStart: -1,
	}
	for _, seg := range segs {
		if seg.Name == "__TEXT" {
			d.CacheLoadAddress = seg.CacheVMAddr
		}
		if seg.Tracker == nil {
			seg.Tracker = aslr.NewBitmap(uint64(len(seg.Buffer)))
		}
		if seg.RebaseTargets == nil {
			seg.RebaseTargets = aslr.NewRebaseTargets()
		}
	}
	return d, nil
}

// InstallName returns the install name of the input dylib.
func (d *CacheDylib) InstallName() string {
	return d.Input.InstallName
}

// WeakBindTargetsStart returns the index in BindTargets of the first opcode
// weak bind target.
func (d *CacheDylib) WeakBindTargetsStart() (int, bool) {
	return d.weakBindTargetsStart, d.weakBindTargetsStart >= 0
}

func (d *CacheDylib) String() string {
	return fmt.Sprintf("%s @ %#x", d.InstallName(), d.CacheLoadAddress)
}

// Layout is the cache-wide state the rewriter needs.
type Layout struct {
	CacheBaseAddress uint64
	Is64             bool
}

// FunctionVariantFixup is a bind whose target must be chosen at runtime from
// a function variant table.
type FunctionVariantFixup struct {
	FixupVMAddr        uint64
	TargetInstallName  string
	VariantIndex       uint64
	VariantTableVMAddr uint64
	VariantTableSize   uint64
	PMD                fixups.PointerMetaData
}

// RewriteStats counts what the rewriter did to one dylib.
type RewriteStats struct {
	Rebases       int
	Binds         int
	AbsoluteBinds int
	GOTBinds      int
}
