package trie

import (
	"sort"

	"github.com/blacktop/dscbuilder/internal/utils"
	"github.com/pkg/errors"
)

// Entry is one export to encode with a Builder.
type Entry struct {
	Name  string
	Flags Flags
	// Value is the image offset or absolute value, or the stub offset when
	// Flags has StubAndResolver.
	Value        uint64
	Resolver     uint64
	Ordinal      uint64
	ImportName   string
	VariantIndex uint64
}

type edge struct {
	label string
	child *node
}

type node struct {
	edges    []edge
	terminal []byte
	offset   int
}

// Builder encodes export entries into trie bytes.
type Builder struct {
	entries []Entry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add queues an export for encoding.
func (b *Builder) Add(e Entry) *Builder {
	b.entries = append(b.entries, e)
	return b
}

func (e Entry) payload() ([]byte, error) {
	if e.Flags&^knownFlags != 0 {
		return nil, errors.Errorf("export %s has unknown flag bits %#x", e.Name, uint64(e.Flags))
	}
	out := utils.AppendUleb128(nil, uint64(e.Flags))
	switch {
	case e.Flags.ReExport():
		out = utils.AppendUleb128(out, e.Ordinal)
		if e.ImportName != e.Name {
			out = append(out, e.ImportName...)
		}
		out = append(out, 0)
	case e.Flags.StubAndResolver():
		out = utils.AppendUleb128(out, e.Value)
		out = utils.AppendUleb128(out, e.Resolver)
	default:
		out = utils.AppendUleb128(out, e.Value)
		if e.Flags.FunctionVariant() {
			out = utils.AppendUleb128(out, e.VariantIndex)
		}
	}
	return out, nil
}

func commonPrefix(a, b string) int {
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	return i
}

func (n *node) insert(name string, payload []byte) error {
	cur := n
	rest := name
	for len(rest) > 0 {
		found := false
		for i := range cur.edges {
			e := &cur.edges[i]
			cp := commonPrefix(e.label, rest)
			if cp == 0 {
				continue
			}
			if cp < len(e.label) {
				mid := &node{edges: []edge{{label: e.label[cp:], child: e.child}}}
				e.label = e.label[:cp]
				e.child = mid
			}
			cur = e.child
			rest = rest[cp:]
			found = true
			break
		}
		if !found {
			leaf := &node{}
			cur.edges = append(cur.edges, edge{label: rest, child: leaf})
			cur = leaf
			rest = ""
		}
	}
	if cur.terminal != nil {
		return errors.Errorf("duplicate export %s", name)
	}
	cur.terminal = payload
	return nil
}

func (n *node) size() int {
	sz := utils.Uleb128Size(uint64(len(n.terminal))) + len(n.terminal) + 1
	for _, e := range n.edges {
		sz += len(e.label) + 1 + utils.Uleb128Size(uint64(e.child.offset))
	}
	return sz
}

func (n *node) flatten(out []*node) []*node {
	out = append(out, n)
	for _, e := range n.edges {
		out = e.child.flatten(out)
	}
	return out
}

// Bytes encodes every queued entry. Entries are sorted by name so the output
// is deterministic.
func (b *Builder) Bytes() ([]byte, error) {
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	root := &node{}
	for _, e := range entries {
		if len(e.Name) == 0 {
			return nil, errors.New("cannot export an empty symbol name")
		}
		payload, err := e.payload()
		if err != nil {
			return nil, err
		}
		if err := root.insert(e.Name, payload); err != nil {
			return nil, err
		}
	}

	nodes := root.flatten(nil)
	for _, n := range nodes {
		if len(n.edges) > 255 {
			return nil, errors.Errorf("trie node has %d children (max 255)", len(n.edges))
		}
	}

	// child offsets are uleb128 encoded, so iterate until the layout settles
	for {
		changed := false
		off := 0
		for _, n := range nodes {
			if n.offset != off {
				n.offset = off
				changed = true
			}
			off += n.size()
		}
		if !changed {
			break
		}
	}

	var out []byte
	for _, n := range nodes {
		out = utils.AppendUleb128(out, uint64(len(n.terminal)))
		out = append(out, n.terminal...)
		out = append(out, byte(len(n.edges)))
		for _, e := range n.edges {
			out = append(out, e.label...)
			out = append(out, 0)
			out = utils.AppendUleb128(out, uint64(e.child.offset))
		}
	}
	// pad to pointer alignment like the static linker does
	for len(out)%8 != 0 {
		out = append(out, 0)
	}

	return out, nil
}
