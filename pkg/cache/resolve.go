package cache

import (
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/dscbuilder/pkg/fixups"
	"github.com/blacktop/dscbuilder/pkg/trie"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// SearchMode controls whether an export lookup follows re-exported dylibs.
type SearchMode uint8

const (
	OnlySelf SearchMode = iota
	SelfAndReexports
)

func (m SearchMode) String() string {
	if m == OnlySelf {
		return "only-self"
	}
	return "self-and-reexports"
}

const (
	// DefaultMemoSize is the export lookup memo size used when none is given.
	DefaultMemoSize = 1 << 16

	maxReexportDepth = 64

	segmentStartMarker = "segment$start$"
	segmentEndMarker   = "segment$end$"
	cxxRuntimePrefix   = "/usr/lib/libc++."
)

type exportKey struct {
	dylib *CacheDylib
	name  string
	mode  SearchMode
	// segments is set for callers that may bind to segment symbols.
	segments bool
}

type exportResult struct {
	sym ResolvedSymbol
	err error
}

// Resolver finds the definition of imported symbols among the cache dylibs.
// It is safe for concurrent use once the roster is linked.
type Resolver struct {
	roster []*CacheDylib
	memo   *lru.Cache[exportKey, exportResult]
}

// NewResolver returns a resolver over roster, which must already be linked.
// A memoSize of zero or less disables memoization.
func NewResolver(roster []*CacheDylib, memoSize int) (*Resolver, error) {
	r := &Resolver{roster: roster}
	if memoSize > 0 {
		memo, err := lru.New[exportKey, exportResult](memoSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create export lookup memo")
		}
		r.memo = memo
	}
	return r, nil
}

// Resolve finds the definition of name as imported by d with the given library
// ordinal. A weak import that cannot be found resolves to a null Absolute.
func (r *Resolver) Resolve(d *CacheDylib, ordinal int, name string, weakImport bool) (ResolvedSymbol, error) {
	var target *CacheDylib
	switch {
	case ordinal > 0 && ordinal <= len(d.Dependents):
		dep := d.Dependents[ordinal-1]
		if dep.Dylib == nil {
			if weakImport {
				return nullTarget, nil
			}
			return nil, &SymbolError{
				Kind:     MissingDependency,
				Dylib:    d.InstallName(),
				Symbol:   name,
				Ordinal:  ordinal,
				Expected: dep.InstallName,
			}
		}
		target = dep.Dylib
	case ordinal == fixups.OrdinalSelf:
		target = d
	case ordinal == fixups.OrdinalMainExecutable:
		return nil, &SymbolError{
			Kind:    DisallowedMainExecutableBind,
			Dylib:   d.InstallName(),
			Symbol:  name,
			Ordinal: ordinal,
		}
	case ordinal == fixups.OrdinalFlatLookup:
		return r.resolveFlat(d, name, weakImport)
	case ordinal == fixups.OrdinalWeakLookup:
		return r.resolveWeak(d, name, weakImport)
	default:
		return nil, &SymbolError{
			Kind:    BadLibraryOrdinal,
			Dylib:   d.InstallName(),
			Symbol:  name,
			Ordinal: ordinal,
		}
	}

	sym, err := r.lookup(d, target, name, SelfAndReexports, 0)
	if err != nil {
		return nil, err
	}
	if sym != nil {
		return sym, nil
	}
	if weakImport {
		return nullTarget, nil
	}
	return nil, &SymbolError{
		Kind:     SymbolNotFound,
		Dylib:    d.InstallName(),
		Symbol:   name,
		Ordinal:  ordinal,
		Expected: target.InstallName(),
	}
}

// resolveFlat takes the first roster dylib that exports name itself.
func (r *Resolver) resolveFlat(d *CacheDylib, name string, weakImport bool) (ResolvedSymbol, error) {
	for _, c := range r.roster {
		sym, err := r.lookup(d, c, name, OnlySelf, 0)
		if err != nil {
			return nil, err
		}
		if sym != nil {
			return sym, nil
		}
	}
	if weakImport {
		return nullTarget, nil
	}
	return nil, &SymbolError{
		Kind:     SymbolNotFound,
		Dylib:    d.InstallName(),
		Symbol:   name,
		Ordinal:  fixups.OrdinalFlatLookup,
		Expected: "flat namespace",
	}
}

// resolveWeak coalesces a weak definition. The C++ runtime wins if it is in
// the cache and defines the symbol, then d itself, then d's dependents.
func (r *Resolver) resolveWeak(d *CacheDylib, name string, weakImport bool) (ResolvedSymbol, error) {
	for _, c := range r.roster {
		if !c.Input.HasWeakDefs || !strings.HasPrefix(c.InstallName(), cxxRuntimePrefix) {
			continue
		}
		sym, err := r.lookup(d, c, name, OnlySelf, 0)
		if err != nil {
			return nil, err
		}
		if sym != nil {
			return sym, nil
		}
		break
	}

	sym, err := r.lookup(d, d, name, OnlySelf, 0)
	if err != nil {
		return nil, err
	}
	if sym != nil {
		return sym, nil
	}

	for _, dep := range d.Dependents {
		if dep.Kind == LinkUpward || dep.Dylib == nil {
			continue
		}
		sym, err := r.lookup(d, dep.Dylib, name, SelfAndReexports, 0)
		if err != nil {
			return nil, err
		}
		if sym != nil {
			return sym, nil
		}
	}

	if weakImport {
		return nullTarget, nil
	}
	return nil, &SymbolError{
		Kind:    WeakSymbolNotFound,
		Dylib:   d.InstallName(),
		Symbol:  name,
		Ordinal: fixups.OrdinalWeakLookup,
	}
}

// Lookup reports whether d exports name. A nil symbol with a nil error means
// it does not.
func (r *Resolver) Lookup(d *CacheDylib, name string, mode SearchMode) (ResolvedSymbol, error) {
	return r.lookup(d, d, name, mode, 0)
}

// lookup searches d's exports on behalf of the dylib caller. Only the segment
// symbols depend on caller, so the memo is keyed on d and on whether caller
// may see them.
func (r *Resolver) lookup(caller, d *CacheDylib, name string, mode SearchMode, depth int) (ResolvedSymbol, error) {
	if depth > maxReexportDepth {
		return nil, &SymbolError{
			Kind:   MalformedTrie,
			Dylib:  d.InstallName(),
			Symbol: name,
			Err:    errors.Wrapf(trie.ErrMalformedTrie, "re-export chain deeper than %d", maxReexportDepth),
		}
	}
	segments := !caller.Input.ParticipatesInPatchTable
	if segments {
		if sym, ok := segmentSymbol(d, name); ok {
			return sym, nil
		}
	}

	key := exportKey{dylib: d, name: name, mode: mode, segments: segments}
	if r.memo != nil {
		if res, ok := r.memo.Get(key); ok {
			return res.sym, res.err
		}
	}
	sym, err := r.exported(caller, d, name, mode, depth)
	if r.memo != nil {
		r.memo.Add(key, exportResult{sym: sym, err: err})
	}
	return sym, err
}

func (r *Resolver) exported(caller, d *CacheDylib, name string, mode SearchMode, depth int) (ResolvedSymbol, error) {
	node, err := trie.Lookup(d.Input.ExportTrie, name)
	if err != nil {
		return nil, &SymbolError{Kind: MalformedTrie, Dylib: d.InstallName(), Symbol: name, Err: err}
	}
	if node != nil {
		switch {
		case node.Flags.ReExport():
			if node.Ordinal == 0 || node.Ordinal > uint64(len(d.Dependents)) {
				return nil, &SymbolError{
					Kind:    ReexportOrdinalOutOfRange,
					Dylib:   d.InstallName(),
					Symbol:  name,
					Ordinal: int(node.Ordinal),
				}
			}
			dep := d.Dependents[node.Ordinal-1]
			if dep.Dylib == nil {
				log.WithFields(log.Fields{
					"symbol": name,
					"dylib":  d.InstallName(),
					"from":   dep.InstallName,
				}).Debug("re-exported symbol comes from a dylib outside the cache")
				return nil, nil
			}
			return r.lookup(caller, dep.Dylib, node.ImportedName(), mode, depth+1)
		case node.Flags.Absolute():
			return Absolute{Value: node.Value}, nil
		default:
			return ResolvedInput{
				Target:            d,
				InputOffset:       node.Value,
				WeakDef:           node.Flags.WeakDef(),
				IsFunctionVariant: node.Flags.FunctionVariant(),
				VariantIndex:      node.VariantIndex,
			}, nil
		}
	}

	if mode == SelfAndReexports {
		for _, dep := range d.Dependents {
			if dep.Kind != LinkReexport || dep.Dylib == nil {
				continue
			}
			sym, err := r.lookup(caller, dep.Dylib, name, mode, depth+1)
			if err != nil {
				return nil, err
			}
			if sym != nil {
				return sym, nil
			}
		}
	}
	return nil, nil
}

// segmentSymbol resolves names containing the linker's segment$start$NAME and
// segment$end$NAME markers against d's input segments.
func segmentSymbol(d *CacheDylib, name string) (ResolvedSymbol, bool) {
	var segName string
	var end bool
	if _, after, ok := strings.Cut(name, segmentStartMarker); ok {
		segName = after
	} else if _, after, ok := strings.Cut(name, segmentEndMarker); ok {
		segName, end = after, true
	} else {
		return nil, false
	}
	seg, ok := d.Input.Segment(segName)
	if !ok {
		return nil, false
	}
	off := seg.VMAddr - d.Input.LoadAddress
	if end {
		off += seg.VMSize
	}
	return ResolvedInput{Target: d, InputOffset: off}, true
}
