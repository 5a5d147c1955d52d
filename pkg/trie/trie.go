// Package trie reads and writes the Mach-O export trie.
package trie

import (
	"fmt"
	"strings"

	"github.com/blacktop/dscbuilder/internal/utils"
	"github.com/pkg/errors"
)

// ErrMalformedTrie is wrapped by every decoding failure.
var ErrMalformedTrie = errors.New("malformed export trie")

// Flags are the EXPORT_SYMBOL_FLAGS_* bits of a terminal node.
type Flags uint64

const (
	KindMask        Flags = 0x03
	KindRegular     Flags = 0x00
	KindThreadLocal Flags = 0x01
	KindAbsolute    Flags = 0x02
	WeakDefinition  Flags = 0x04
	Reexport        Flags = 0x08
	StubAndResolver Flags = 0x10
	FunctionVariant Flags = 0x20

	knownFlags = KindMask | WeakDefinition | Reexport | StubAndResolver | FunctionVariant
)

func (f Flags) Kind() Flags           { return f & KindMask }
func (f Flags) Regular() bool         { return f.Kind() == KindRegular }
func (f Flags) ThreadLocal() bool     { return f.Kind() == KindThreadLocal }
func (f Flags) Absolute() bool        { return f.Kind() == KindAbsolute }
func (f Flags) WeakDef() bool         { return f&WeakDefinition != 0 }
func (f Flags) ReExport() bool        { return f&Reexport != 0 }
func (f Flags) StubAndResolver() bool { return f&StubAndResolver != 0 }
func (f Flags) FunctionVariant() bool { return f&FunctionVariant != 0 }

func (f Flags) String() string {
	var out []string
	switch f.Kind() {
	case KindRegular:
		out = append(out, "regular")
	case KindThreadLocal:
		out = append(out, "thread_local")
	case KindAbsolute:
		out = append(out, "absolute")
	default:
		out = append(out, fmt.Sprintf("kind(%d)", f.Kind()))
	}
	if f.WeakDef() {
		out = append(out, "weak_def")
	}
	if f.ReExport() {
		out = append(out, "reexport")
	}
	if f.StubAndResolver() {
		out = append(out, "stub_and_resolver")
	}
	if f.FunctionVariant() {
		out = append(out, "function_variant")
	}
	return strings.Join(out, "|")
}

// Node is a decoded terminal node.
type Node struct {
	Name  string
	Flags Flags
	// Value is the image offset, absolute value, or stub offset of a resolver.
	Value uint64
	// Resolver is the resolver function offset of a StubAndResolver node.
	Resolver uint64
	// Ordinal is the 1-based dependent ordinal of a re-export.
	Ordinal uint64
	// ImportName is the re-exported name; empty means the same name.
	ImportName   string
	VariantIndex uint64
}

func (n Node) String() string {
	switch {
	case n.Flags.ReExport():
		if len(n.ImportName) > 0 {
			return fmt.Sprintf("%s (re-export of %s from dylib #%d) [%s]", n.Name, n.ImportName, n.Ordinal, n.Flags)
		}
		return fmt.Sprintf("%s (re-export from dylib #%d) [%s]", n.Name, n.Ordinal, n.Flags)
	case n.Flags.StubAndResolver():
		return fmt.Sprintf("%#08x: %s (resolver %#x) [%s]", n.Value, n.Name, n.Resolver, n.Flags)
	case n.Flags.FunctionVariant():
		return fmt.Sprintf("%#08x: %s (variant %d) [%s]", n.Value, n.Name, n.VariantIndex, n.Flags)
	}
	return fmt.Sprintf("%#08x: %s [%s]", n.Value, n.Name, n.Flags)
}

// ImportedName returns the name to look up in the re-exporting dependent.
func (n Node) ImportedName() string {
	if len(n.ImportName) == 0 {
		return n.Name
	}
	return n.ImportName
}

// Lookup descends the trie looking for symbol. A nil node with a nil error
// means the symbol is not exported.
func Lookup(data []byte, symbol string) (*Node, error) {
	if len(data) == 0 {
		return nil, nil
	}

	visited := make(map[int]bool)
	rest := symbol
	off := 0

	for {
		if visited[off] {
			return nil, errors.Wrapf(ErrMalformedTrie, "loop detected at node %#x", off)
		}
		visited[off] = true

		termSize, p, err := utils.ReadUleb128(data, off)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedTrie, "node %#x: %v", off, err)
		}
		children := p + int(termSize)
		if termSize > uint64(len(data)) || children >= len(data) {
			return nil, errors.Wrapf(ErrMalformedTrie, "node %#x: terminal size %#x extends past end of trie", off, termSize)
		}

		if len(rest) == 0 && termSize != 0 {
			return parseTerminal(data[p:children], symbol, off)
		}

		childCount := int(data[children])
		q := children + 1
		next := 0
		for i := 0; i < childCount; i++ {
			matched := true
			j := 0
			for {
				if q >= len(data) {
					return nil, errors.Wrapf(ErrMalformedTrie, "node %#x: edge string extends past end of trie", off)
				}
				c := data[q]
				q++
				if c == 0 {
					break
				}
				if matched {
					if j < len(rest) && rest[j] == c {
						j++
					} else {
						matched = false
					}
				}
			}
			child, nq, err := utils.ReadUleb128(data, q)
			if err != nil {
				return nil, errors.Wrapf(ErrMalformedTrie, "node %#x: %v", off, err)
			}
			q = nq
			if matched && j > 0 {
				if child == 0 || child >= uint64(len(data)) {
					return nil, errors.Wrapf(ErrMalformedTrie, "node %#x: child offset %#x out of range", off, child)
				}
				next = int(child)
				rest = rest[j:]
				break
			}
		}
		if next == 0 {
			return nil, nil
		}
		off = next
	}
}

func parseTerminal(payload []byte, name string, nodeOff int) (*Node, error) {
	wrap := func(err error) error {
		return errors.Wrapf(ErrMalformedTrie, "terminal of node %#x for %s: %v", nodeOff, name, err)
	}

	flags, p, err := utils.ReadUleb128(payload, 0)
	if err != nil {
		return nil, wrap(err)
	}
	n := &Node{Name: name, Flags: Flags(flags)}
	if n.Flags&^knownFlags != 0 {
		return nil, wrap(fmt.Errorf("unknown export flag bits %#x", flags))
	}

	switch {
	case n.Flags.ReExport():
		if n.Ordinal, p, err = utils.ReadUleb128(payload, p); err != nil {
			return nil, wrap(err)
		}
		start := p
		for ; p < len(payload) && payload[p] != 0; p++ {
		}
		if p >= len(payload) {
			return nil, wrap(errors.New("unterminated re-export import name"))
		}
		n.ImportName = string(payload[start:p])
	case n.Flags.StubAndResolver():
		if n.Value, p, err = utils.ReadUleb128(payload, p); err != nil {
			return nil, wrap(err)
		}
		if n.Resolver, _, err = utils.ReadUleb128(payload, p); err != nil {
			return nil, wrap(err)
		}
	default:
		if n.Value, p, err = utils.ReadUleb128(payload, p); err != nil {
			return nil, wrap(err)
		}
		if n.Flags.FunctionVariant() {
			if n.VariantIndex, _, err = utils.ReadUleb128(payload, p); err != nil {
				return nil, wrap(err)
			}
		}
	}

	return n, nil
}

type walkFrame struct {
	offset int
	prefix []byte
}

// Walk calls fn for every terminal node in the trie.
func Walk(data []byte, fn func(*Node) error) error {
	if len(data) == 0 {
		return nil
	}

	// every node of a well formed trie has exactly one parent
	visited := make(map[int]bool)

	stack := []walkFrame{{offset: 0}}
	for len(stack) > 0 {
		var f walkFrame
		f, stack = stack[len(stack)-1], stack[:len(stack)-1]
		if visited[f.offset] {
			return errors.Wrapf(ErrMalformedTrie, "loop detected at node %#x", f.offset)
		}
		visited[f.offset] = true

		termSize, p, err := utils.ReadUleb128(data, f.offset)
		if err != nil {
			return errors.Wrapf(ErrMalformedTrie, "node %#x: %v", f.offset, err)
		}
		children := p + int(termSize)
		if termSize > uint64(len(data)) || children >= len(data) {
			return errors.Wrapf(ErrMalformedTrie, "node %#x: terminal size %#x extends past end of trie", f.offset, termSize)
		}
		if termSize != 0 {
			n, err := parseTerminal(data[p:children], string(f.prefix), f.offset)
			if err != nil {
				return err
			}
			if err := fn(n); err != nil {
				return err
			}
		}

		childCount := int(data[children])
		q := children + 1
		var frames []walkFrame
		for i := 0; i < childCount; i++ {
			start := q
			for q < len(data) && data[q] != 0 {
				q++
			}
			if q >= len(data) {
				return errors.Wrapf(ErrMalformedTrie, "node %#x: edge string extends past end of trie", f.offset)
			}
			edge := data[start:q]
			q++
			child, nq, err := utils.ReadUleb128(data, q)
			if err != nil {
				return errors.Wrapf(ErrMalformedTrie, "node %#x: %v", f.offset, err)
			}
			q = nq
			if child == 0 || child >= uint64(len(data)) {
				return errors.Wrapf(ErrMalformedTrie, "node %#x: child offset %#x out of range", f.offset, child)
			}
			prefix := make([]byte, 0, len(f.prefix)+len(edge))
			prefix = append(append(prefix, f.prefix...), edge...)
			frames = append(frames, walkFrame{offset: int(child), prefix: prefix})
		}
		// push in reverse so children are visited in declared order
		for i := len(frames) - 1; i >= 0; i-- {
			stack = append(stack, frames[i])
		}
	}

	return nil
}
