package cache

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// DylibResult is the outcome of a Build for one dylib.
type DylibResult struct {
	InstallName string
	BindTargets int
	Stats       RewriteStats
	Err         error
}

// UnresolvedSymbol is one symbol that failed to resolve. Structural failures
// such as malformed tries are reported per dylib only.
type UnresolvedSymbol struct {
	Kind           ErrorKind
	Symbol         string
	ReferencedFrom string
	Expected       string
}

func (u UnresolvedSymbol) String() string {
	if u.Expected != "" {
		return fmt.Sprintf("%s: %s (from %s, expected in %s)", u.Kind, u.Symbol, u.ReferencedFrom, u.Expected)
	}
	return fmt.Sprintf("%s: %s (from %s)", u.Kind, u.Symbol, u.ReferencedFrom)
}

// Report summarizes a Build. Results are in roster order.
type Report struct {
	Results    []DylibResult
	Unresolved []UnresolvedSymbol
}

func newReport(dylibs []*CacheDylib, errs []error) *Report {
	r := &Report{Results: make([]DylibResult, len(dylibs))}
	for i, d := range dylibs {
		r.Results[i] = DylibResult{
			InstallName: d.InstallName(),
			BindTargets: len(d.BindTargets),
			Stats:       d.Stats,
			Err:         errs[i],
		}
		for _, err := range flatten(errs[i]) {
			se, ok := asSymbolError(err)
			if !ok || se.Symbol == "" {
				continue
			}
			switch se.Kind {
			case SymbolNotFound, WeakSymbolNotFound, MissingDependency, DisallowedMainExecutableBind,
				BadLibraryOrdinal, ReexportOrdinalOutOfRange:
				r.Unresolved = append(r.Unresolved, UnresolvedSymbol{
					Kind:           se.Kind,
					Symbol:         se.Symbol,
					ReferencedFrom: se.Dylib,
					Expected:       se.Expected,
				})
			}
		}
	}
	sort.SliceStable(r.Unresolved, func(i, j int) bool {
		if r.Unresolved[i].Symbol != r.Unresolved[j].Symbol {
			return r.Unresolved[i].Symbol < r.Unresolved[j].Symbol
		}
		return r.Unresolved[i].ReferencedFrom < r.Unresolved[j].ReferencedFrom
	})
	return r
}

func flatten(err error) []error {
	if err == nil {
		return nil
	}
	var de *DylibError
	if errors.As(err, &de) {
		return de.Errs
	}
	return []error{err}
}

// Failed returns the install names of the dylibs that did not bind.
func (r *Report) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res.InstallName)
		}
	}
	return out
}

// Err returns the dylib errors joined, or nil if every dylib bound.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return &DylibError{InstallName: fmt.Sprintf("%d dylibs", len(errs)), Errs: errs}
}
