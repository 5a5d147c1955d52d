package cache

import (
	"fmt"
	"strings"

	"github.com/blacktop/dscbuilder/pkg/fixups"
	"github.com/blacktop/dscbuilder/pkg/trie"
	"github.com/pkg/errors"
)

// ErrorKind classifies a SymbolError.
type ErrorKind uint8

const (
	SymbolNotFound ErrorKind = iota + 1
	WeakSymbolNotFound
	MissingDependency
	DisallowedMainExecutableBind
	ReexportOrdinalOutOfRange
	BadLibraryOrdinal
	BadBindOrdinal
	MalformedTrie
	MalformedFixups
	UnsupportedPointerFormat
	AddressOutOfRange
)

var kindNames = map[ErrorKind]string{
	SymbolNotFound:               "symbol not found",
	WeakSymbolNotFound:           "weak-def symbol not found",
	MissingDependency:            "missing dependency",
	DisallowedMainExecutableBind: "bind to main executable",
	ReexportOrdinalOutOfRange:    "re-export ordinal out of range",
	BadLibraryOrdinal:            "bad library ordinal",
	BadBindOrdinal:               "bad bind ordinal",
	MalformedTrie:                "malformed export trie",
	MalformedFixups:              "malformed fixups",
	UnsupportedPointerFormat:     "unsupported pointer format",
	AddressOutOfRange:            "address out of range",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error(%d)", k)
}

// Structural kinds stop the walk they occur in. The rest are reported per
// symbol and the scan goes on.
func (k ErrorKind) Structural() bool {
	switch k {
	case BadBindOrdinal, MalformedTrie, MalformedFixups, UnsupportedPointerFormat:
		return true
	}
	return false
}

var (
	ErrSymbolNotFound               = errors.New("symbol not found")
	ErrWeakSymbolNotFound           = errors.New("weak-def symbol not found")
	ErrMissingDependency            = errors.New("missing dependency")
	ErrDisallowedMainExecutableBind = errors.New("shared cache dylibs may not bind to the main executable")
	ErrReexportOrdinalOutOfRange    = errors.New("re-export ordinal out of range")
	ErrBadLibraryOrdinal            = errors.New("bad library ordinal")
	ErrBadBindOrdinal               = errors.New("out of range bind ordinal")
	ErrAddressOutOfRange            = errors.New("address out of range")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case SymbolNotFound:
		return ErrSymbolNotFound
	case WeakSymbolNotFound:
		return ErrWeakSymbolNotFound
	case MissingDependency:
		return ErrMissingDependency
	case DisallowedMainExecutableBind:
		return ErrDisallowedMainExecutableBind
	case ReexportOrdinalOutOfRange:
		return ErrReexportOrdinalOutOfRange
	case BadLibraryOrdinal:
		return ErrBadLibraryOrdinal
	case BadBindOrdinal:
		return ErrBadBindOrdinal
	case MalformedTrie:
		return trie.ErrMalformedTrie
	case MalformedFixups:
		return fixups.ErrMalformed
	case UnsupportedPointerFormat:
		return fixups.ErrUnsupportedPointerFormat
	case AddressOutOfRange:
		return ErrAddressOutOfRange
	}
	return nil
}

// SymbolError is a failure tied to one symbol or fixup of one dylib.
type SymbolError struct {
	Kind    ErrorKind
	Dylib   string
	Symbol  string
	Ordinal int
	// Expected is the install name the symbol was looked up in.
	Expected string
	Err      error
}

func (e *SymbolError) Error() string {
	switch e.Kind {
	case SymbolNotFound:
		return fmt.Sprintf("Symbol not found: %s\n  Referenced from: %s\n  Expected in: %s", e.Symbol, e.Dylib, e.Expected)
	case WeakSymbolNotFound:
		return fmt.Sprintf("weak-def symbol (%s) not found in dyld cache\n  Referenced from: %s", e.Symbol, e.Dylib)
	case MissingDependency:
		return fmt.Sprintf("Symbol not found: %s\n  Referenced from: %s\n  Expected in: %s (not in cache)", e.Symbol, e.Dylib, e.Expected)
	case DisallowedMainExecutableBind:
		return fmt.Sprintf("%s: %s: %s", ErrDisallowedMainExecutableBind, e.Dylib, e.Symbol)
	case ReexportOrdinalOutOfRange:
		return fmt.Sprintf("re-export ordinal %d in %s out of range for %s", e.Ordinal, e.Dylib, e.Symbol)
	case BadLibraryOrdinal:
		return fmt.Sprintf("unknown library ordinal %d in %s when binding '%s'", e.Ordinal, e.Dylib, e.Symbol)
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Dylib)
	if e.Symbol != "" {
		msg += fmt.Sprintf(" (%s)", e.Symbol)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SymbolError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error kind.
func (e *SymbolError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// DylibError collects every failure recorded for one dylib.
type DylibError struct {
	InstallName string
	Errs        []error
}

func (e *DylibError) Error() string {
	if len(e.Errs) == 1 {
		return e.Errs[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d errors", e.InstallName, len(e.Errs))
	for _, err := range e.Errs {
		sb.WriteString("\n\t")
		sb.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n\t"))
	}
	return sb.String()
}

func (e *DylibError) Unwrap() []error { return e.Errs }

// fixupError classifies a decoder error against d.
func fixupError(d *CacheDylib, err error) error {
	var se *SymbolError
	if errors.As(err, &se) {
		return err
	}
	kind := MalformedFixups
	if errors.Is(err, fixups.ErrUnsupportedPointerFormat) {
		kind = UnsupportedPointerFormat
	}
	return &SymbolError{Kind: kind, Dylib: d.InstallName(), Err: err}
}

// asSymbolError returns the SymbolError inside err, if any.
func asSymbolError(err error) (*SymbolError, bool) {
	var se *SymbolError
	ok := errors.As(err, &se)
	return se, ok
}
