package trie

import (
	"errors"
	"reflect"
	"testing"
)

func TestLookupRoundTrip(t *testing.T) {
	entries := []Entry{
		{Name: "_foo", Value: 0x1000},
		{Name: "_foobar", Value: 0x2000, Flags: WeakDefinition},
		{Name: "_fo", Value: 0x10, Flags: KindAbsolute},
		{Name: "_bar", Flags: Reexport, Ordinal: 2, ImportName: "_baz"},
		{Name: "_qux", Flags: Reexport, Ordinal: 1, ImportName: "_qux"},
		{Name: "_resolved", Flags: StubAndResolver, Value: 0x3000, Resolver: 0x3100},
		{Name: "_variant", Flags: FunctionVariant, Value: 0x4000, VariantIndex: 3},
		{Name: "_tlv", Flags: KindThreadLocal, Value: 0x5000},
	}
	b := NewBuilder()
	for _, e := range entries {
		b.Add(e)
	}
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	tests := []struct {
		name string
		want *Node
	}{
		{"_foo", &Node{Name: "_foo", Value: 0x1000}},
		{"_foobar", &Node{Name: "_foobar", Value: 0x2000, Flags: WeakDefinition}},
		{"_fo", &Node{Name: "_fo", Value: 0x10, Flags: KindAbsolute}},
		{"_bar", &Node{Name: "_bar", Flags: Reexport, Ordinal: 2, ImportName: "_baz"}},
		{"_qux", &Node{Name: "_qux", Flags: Reexport, Ordinal: 1}},
		{"_resolved", &Node{Name: "_resolved", Flags: StubAndResolver, Value: 0x3000, Resolver: 0x3100}},
		{"_variant", &Node{Name: "_variant", Flags: FunctionVariant, Value: 0x4000, VariantIndex: 3}},
		{"_tlv", &Node{Name: "_tlv", Flags: KindThreadLocal, Value: 0x5000}},
		{"_f", nil},
		{"_foob", nil},
		{"_foobarx", nil},
		{"_missing", nil},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Lookup(data, tt.name)
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Lookup() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWalkVisitsEveryEntry(t *testing.T) {
	names := []string{"_a", "_ab", "_abc", "_b", "_ba", "__mh_dylib_header"}
	b := NewBuilder()
	for i, n := range names {
		b.Add(Entry{Name: n, Value: uint64(i) * 0x10})
	}
	data, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	got := make(map[string]uint64)
	if err := Walk(data, func(n *Node) error {
		got[n.Name] = n.Value
		return nil
	}); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(got) != len(names) {
		t.Fatalf("Walk() visited %d entries, want %d", len(got), len(names))
	}
	for i, n := range names {
		if got[n] != uint64(i)*0x10 {
			t.Errorf("Walk() %s = %#x, want %#x", n, got[n], uint64(i)*0x10)
		}
	}
}

func TestBuilderRejectsDuplicates(t *testing.T) {
	_, err := NewBuilder().Add(Entry{Name: "_dup"}).Add(Entry{Name: "_dup", Value: 1}).Bytes()
	if err == nil {
		t.Fatal("Bytes() expected duplicate export error")
	}
}

func TestMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		sym  string
	}{
		{
			name: "truncated terminal size",
			data: []byte{0x80},
			sym:  "_a",
		},
		{
			name: "terminal past end",
			data: []byte{0x20, 0x00},
			sym:  "_a",
		},
		{
			name: "child offset out of range",
			// root: no terminal, one child "_a" at 0x40
			data: []byte{0x00, 0x01, '_', 'a', 0x00, 0x40},
			sym:  "_a",
		},
		{
			name: "unterminated edge",
			data: []byte{0x00, 0x01, '_', 'a'},
			sym:  "_a",
		},
		{
			name: "unknown flag bits",
			// root -> "_a" at 6: terminal {flags=0x40, value=0}, no children
			data: []byte{0x00, 0x01, '_', 'a', 0x00, 0x06, 0x02, 0x40, 0x00, 0x00},
			sym:  "_a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Lookup(tt.data, tt.sym)
			if !errors.Is(err, ErrMalformedTrie) {
				t.Errorf("Lookup() error = %v, want ErrMalformedTrie", err)
			}
		})
	}
}

func TestWalkDetectsLoop(t *testing.T) {
	// root -> "_a" -> node at 6 whose only child points back at itself
	data := []byte{
		0x00, 0x01, '_', 'a', 0x00, 0x06,
		0x00, 0x01, 'b', 0x00, 0x06,
	}
	err := Walk(data, func(*Node) error { return nil })
	if !errors.Is(err, ErrMalformedTrie) {
		t.Errorf("Walk() error = %v, want ErrMalformedTrie", err)
	}
	if _, err := Lookup(data, "_abbbb"); !errors.Is(err, ErrMalformedTrie) {
		t.Errorf("Lookup() error = %v, want ErrMalformedTrie", err)
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{0, "regular"},
		{KindAbsolute, "absolute"},
		{WeakDefinition | Reexport, "regular|weak_def|reexport"},
		{KindThreadLocal | FunctionVariant, "thread_local|function_variant"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("Flags(%#x).String() = %q, want %q", uint64(tt.flags), got, tt.want)
		}
	}
}
