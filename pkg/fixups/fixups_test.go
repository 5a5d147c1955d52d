package fixups

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

type visit struct {
	Kind   Kind
	Seg    int
	Off    uint64
	Target int
	Addend int64
}

func TestChainedRoundTrip(t *testing.T) {
	imports := []Import{
		{Index: 0, LibOrdinal: 1, SymbolName: "_foo"},
		{Index: 1, LibOrdinal: OrdinalFlatLookup, SymbolName: "_bar", WeakImport: true},
	}
	seg := make([]byte, 0x4000)
	binary.LittleEndian.PutUint64(seg[0:], EncodeArm64eRebase(0x1000, 0, 1))
	binary.LittleEndian.PutUint64(seg[8:], EncodeArm64eBind(1, 5, 2))
	binary.LittleEndian.PutUint64(seg[24:], EncodeArm64eAuthRebase(0x2000, 0x1234, true, 2, 0))

	data, err := BuildChained(imports, []*SegmentStarts{nil, {
		PageSize:   0x4000,
		Format:     PtrArm64e,
		PageStarts: []uint16{0},
	}})
	if err != nil {
		t.Fatalf("BuildChained() error = %v", err)
	}
	c, err := ParseChained(data)
	if err != nil {
		t.Fatalf("ParseChained() error = %v", err)
	}
	if c.ImportsFormat != importFormat {
		t.Errorf("ImportsFormat = %d, want %d", c.ImportsFormat, importFormat)
	}
	if !reflect.DeepEqual(c.Imports, imports) {
		t.Errorf("Imports = %+v, want %+v", c.Imports, imports)
	}
	if c.PointerSize() != 8 {
		t.Errorf("PointerSize() = %d, want 8", c.PointerSize())
	}

	var got []visit
	var pmds []PointerMetaData
	err = c.ForEachFixup([][]byte{nil, seg}, func(f Fixup) error {
		got = append(got, visit{f.Kind, f.SegIndex, f.SegOffset, f.TargetIndex, f.Addend})
		pmds = append(pmds, f.PMD)
		// overwriting the slot must not break the chain
		binary.LittleEndian.PutUint64(seg[f.SegOffset:], 0)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachFixup() error = %v", err)
	}
	want := []visit{
		{Rebase, 1, 0, 0, 0},
		{Bind, 1, 8, 1, 5},
		{Rebase, 1, 24, 0, 0},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ForEachFixup() visited %+v, want %+v", got, want)
	}
	wantAuth := PointerMetaData{Diversity: 0x1234, Authenticated: true, Key: 2, UsesAddrDiversity: true}
	if len(pmds) == 3 && pmds[2] != wantAuth {
		t.Errorf("auth rebase PMD = %+v, want %+v", pmds[2], wantAuth)
	}
}

func TestChainedImportFormats(t *testing.T) {
	tests := []struct {
		name    string
		imports []Import
		want    uint32
	}{
		{
			name:    "plain",
			imports: []Import{{LibOrdinal: OrdinalWeakLookup, SymbolName: "_a"}},
			want:    importFormat,
		},
		{
			name:    "addend",
			imports: []Import{{LibOrdinal: 2, SymbolName: "_a", Addend: -16}},
			want:    importAddendFormat,
		},
		{
			name:    "wide ordinal",
			imports: []Import{{LibOrdinal: 300, SymbolName: "_a", Addend: 1 << 40}, {Index: 1, LibOrdinal: OrdinalSelf, SymbolName: "_b", WeakImport: true}},
			want:    importAddend64Format,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := BuildChained(tt.imports, nil)
			if err != nil {
				t.Fatalf("BuildChained() error = %v", err)
			}
			c, err := ParseChained(data)
			if err != nil {
				t.Fatalf("ParseChained() error = %v", err)
			}
			if c.ImportsFormat != tt.want {
				t.Errorf("ImportsFormat = %d, want %d", c.ImportsFormat, tt.want)
			}
			if !reflect.DeepEqual(c.Imports, tt.imports) {
				t.Errorf("Imports = %+v, want %+v", c.Imports, tt.imports)
			}
		})
	}
}

func TestChainedMultiPageStarts(t *testing.T) {
	seg := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(seg[0x0:], EncodeGeneric64Rebase(0x100, 0, 0))
	binary.LittleEndian.PutUint64(seg[0x10:], EncodeGeneric64Rebase(0x200, 0, 0))
	data, err := BuildChained(nil, []*SegmentStarts{{
		PageSize:   0x1000,
		Format:     Ptr64Offset,
		PageCount:  1,
		PageStarts: []uint16{pageStartMulti | 1, 0x0, pageStartLast | 0x10},
	}})
	if err != nil {
		t.Fatal(err)
	}
	c, err := ParseChained(data)
	if err != nil {
		t.Fatal(err)
	}
	var offs []uint64
	if err := c.ForEachFixup([][]byte{seg}, func(f Fixup) error {
		offs = append(offs, f.SegOffset)
		return nil
	}); err != nil {
		t.Fatalf("ForEachFixup() error = %v", err)
	}
	if !reflect.DeepEqual(offs, []uint64{0, 0x10}) {
		t.Errorf("ForEachFixup() offsets = %#x, want [0 0x10]", offs)
	}
}

func TestChainedMalformed(t *testing.T) {
	good, err := BuildChained([]Import{{LibOrdinal: 1, SymbolName: "_a"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	badStarts := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badStarts[4:], 0xFFFF)
	badImports := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badImports[16:], 1000)

	tests := []struct {
		name string
		data []byte
	}{
		{"short header", good[:12]},
		{"starts out of range", badStarts},
		{"imports out of range", badImports},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseChained(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("ParseChained() error = %v, want ErrMalformed", err)
			}
		})
	}

	// chain that runs off the end of its segment
	seg := make([]byte, 16)
	binary.LittleEndian.PutUint64(seg, EncodeArm64eRebase(0, 0, 4))
	data, err := BuildChained(nil, []*SegmentStarts{{PageSize: 0x4000, Format: PtrArm64e, PageStarts: []uint16{0}}})
	if err != nil {
		t.Fatal(err)
	}
	c, err := ParseChained(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ForEachFixup([][]byte{seg}, func(Fixup) error { return nil }); !errors.Is(err, ErrMalformed) {
		t.Errorf("ForEachFixup() error = %v, want ErrMalformed", err)
	}
}

func TestChainedImportSignExtension(t *testing.T) {
	tests := []struct {
		name       string
		format     uint32
		ordinal    int
		addend     uint64
		wantOrd    int
		wantAddend int64
	}{
		{name: "flat lookup", format: importFormat, ordinal: 0xFE, wantOrd: OrdinalFlatLookup},
		{name: "already signed", format: importFormat, ordinal: OrdinalWeakLookup, wantOrd: OrdinalWeakLookup},
		{name: "negative addend", format: importAddendFormat, ordinal: 2, addend: 0xFFFFFFF0, wantOrd: 2, wantAddend: -16},
		{name: "wide main executable", format: importAddend64Format, ordinal: 0xFFFF, wantOrd: OrdinalMainExecutable},
		{name: "wide ordinal", format: importAddend64Format, ordinal: 0xF5, addend: 1 << 40, wantOrd: 0xF5, wantAddend: 1 << 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := libOrdinal(tt.format, tt.ordinal); got != tt.wantOrd {
				t.Errorf("libOrdinal() = %d, want %d", got, tt.wantOrd)
			}
			if got := importAddend(tt.format, tt.addend); got != tt.wantAddend {
				t.Errorf("importAddend() = %d, want %d", got, tt.wantAddend)
			}
		})
	}
}

func TestChainedPointerDecode(t *testing.T) {
	tests := []struct {
		name       string
		ptr        ChainedPointer
		bind       bool
		next       uint64
		ordinal    uint32
		addend     int64
		target     uint64
		preferred  uint64
		wantHigh8  uint8
		wantAuthed bool
	}{
		{
			name:      "arm64e rebase with high8",
			ptr:       ChainedPointer{EncodeArm64eRebase(0x1_0000_4000, 0x80, 7), PtrArm64e},
			next:      7,
			preferred: 0x1_0000_0000,
			target:    0x80<<56 | 0x4000,
			wantHigh8: 0x80,
		},
		{
			name:      "arm64e userland rebase is an offset",
			ptr:       ChainedPointer{EncodeArm64eRebase(0x4000, 0, 0), PtrArm64eUserland},
			preferred: 0x1_0000_0000,
			target:    0x4000,
		},
		{
			name:       "arm64e auth rebase",
			ptr:        ChainedPointer{EncodeArm64eAuthRebase(0x88, 0xBEEF, false, 0, 1), PtrArm64e},
			next:       1,
			target:     0x88,
			preferred:  0x1_0000_0000,
			wantAuthed: true,
		},
		{
			name:    "arm64e bind negative addend",
			ptr:     ChainedPointer{EncodeArm64eBind(7, -4, 3), PtrArm64e},
			bind:    true,
			next:    3,
			ordinal: 7,
			addend:  -4,
		},
		{
			name:    "arm64e 16 bit ordinal",
			ptr:     ChainedPointer{EncodeArm64eBind(0x12345, 0, 0), PtrArm64e},
			bind:    true,
			ordinal: 0x2345,
		},
		{
			name:    "arm64e userland24 ordinal",
			ptr:     ChainedPointer{EncodeArm64eBind(0x12345, 0, 0), PtrArm64eUserland24},
			bind:    true,
			ordinal: 0x12345,
		},
		{
			name:       "arm64e auth bind",
			ptr:        ChainedPointer{EncodeArm64eAuthBind(2, 0x10, true, 1, 0), PtrArm64e},
			bind:       true,
			ordinal:    2,
			wantAuthed: true,
		},
		{
			name:      "generic64 rebase",
			ptr:       ChainedPointer{EncodeGeneric64Rebase(0x12345, 0xAB, 3), Ptr64},
			next:      3,
			preferred: 0x1000,
			target:    0xAB<<56 | 0x12345 - 0x1000,
			wantHigh8: 0xAB,
		},
		{
			name:    "generic64 bind",
			ptr:     ChainedPointer{EncodeGeneric64Bind(0x1234, 9, 1), Ptr64Offset},
			bind:    true,
			next:    1,
			ordinal: 0x1234,
			addend:  9,
		},
		{
			name:    "generic32 bind",
			ptr:     ChainedPointer{uint64(EncodeGeneric32Bind(0x123, 5, 2)), Ptr32},
			bind:    true,
			next:    2,
			ordinal: 0x123,
			addend:  5,
		},
		{
			name:      "generic32 rebase",
			ptr:       ChainedPointer{uint64(EncodeGeneric32Rebase(0x5000, 1)), Ptr32},
			next:      1,
			preferred: 0x4000,
			target:    0x1000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ptr.IsBind(); got != tt.bind {
				t.Fatalf("IsBind() = %t, want %t", got, tt.bind)
			}
			if got := tt.ptr.Next(); got != tt.next {
				t.Errorf("Next() = %d, want %d", got, tt.next)
			}
			pmd := tt.ptr.MetaData()
			if pmd.High8 != tt.wantHigh8 || pmd.Authenticated != tt.wantAuthed {
				t.Errorf("MetaData() = %+v, want high8 %#x auth %t", pmd, tt.wantHigh8, tt.wantAuthed)
			}
			if tt.bind {
				ordinal, addend := tt.ptr.BindOrdinal()
				if ordinal != tt.ordinal || addend != tt.addend {
					t.Errorf("BindOrdinal() = (%#x, %d), want (%#x, %d)", ordinal, addend, tt.ordinal, tt.addend)
				}
				return
			}
			if got := tt.ptr.RebaseTarget(tt.preferred); got != tt.target {
				t.Errorf("RebaseTarget() = %#x, want %#x", got, tt.target)
			}
		})
	}
}

func TestPointerFormatStride(t *testing.T) {
	tests := []struct {
		format PointerFormat
		want   uint64
	}{
		{PtrArm64e, 8},
		{PtrArm64eUserland24, 8},
		{PtrArm64eKernel, 4},
		{Ptr64, 4},
		{Ptr32, 4},
	}
	for _, tt := range tests {
		got, err := tt.format.Stride()
		if err != nil || got != tt.want {
			t.Errorf("%s.Stride() = %d, %v; want %d", tt.format, got, err, tt.want)
		}
	}
	if _, err := PointerFormat(4).Stride(); !errors.Is(err, ErrUnsupportedPointerFormat) {
		t.Errorf("Stride() error = %v, want ErrUnsupportedPointerFormat", err)
	}
}

func testOpcodes() *Opcodes {
	bind := NewOpcodeWriter(8).
		SetOrdinal(1).SetSymbol("_a", 0).SetType(BindTypePointer).SetSegmentOffset(1, 0).DoBind().DoBind().
		SetSymbol("_b", BindSymbolFlagsWeakImport).DoBind().
		SetOrdinal(OrdinalFlatLookup).SetSymbol("_c", 0).SetAddend(4).DoBindTimes(2, 8).
		Done().Bytes()
	lazy := NewOpcodeWriter(8).
		SetSegmentOffset(1, 0x40).SetOrdinal(2).SetSymbol("_d", 0).DoBind().Done().
		SetSegmentOffset(1, 0x48).SetOrdinal(2).SetSymbol("_d", 0).DoBind().Done().
		Bytes()
	weak := NewOpcodeWriter(8).
		SetSymbol("_w", 0).SetSegmentOffset(1, 0x50).DoBind().SetSegmentOffset(1, 0x58).DoBind().
		SetSymbol("_x", 0).DoBind().
		SetSymbol("_strong", BindSymbolFlagsNonWeakDefinition).
		Done().Bytes()
	rebase := NewRebaseWriter().SetSegmentOffset(1, 0x80).DoRebaseTimes(2).DoRebaseSkip(2, 8).Done().Bytes()
	return NewOpcodes(rebase, bind, weak, lazy, 8)
}

func TestOpcodesBindTargets(t *testing.T) {
	var regular, weak []Import
	err := testOpcodes().ForEachBindTarget(func(imp Import) error {
		regular = append(regular, imp)
		return nil
	}, func(imp Import) error {
		weak = append(weak, imp)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachBindTarget() error = %v", err)
	}
	wantRegular := []Import{
		{Index: 0, LibOrdinal: 1, SymbolName: "_a"},
		{Index: 1, LibOrdinal: 1, SymbolName: "_b", WeakImport: true},
		{Index: 2, LibOrdinal: OrdinalFlatLookup, SymbolName: "_c", Addend: 4},
		{Index: 3, LibOrdinal: 2, SymbolName: "_d", LazyBind: true},
		{Index: 4, LibOrdinal: 2, SymbolName: "_d", LazyBind: true},
	}
	if !reflect.DeepEqual(regular, wantRegular) {
		t.Errorf("regular targets = %+v, want %+v", regular, wantRegular)
	}
	wantWeak := []Import{
		{Index: 0, LibOrdinal: OrdinalWeakLookup, SymbolName: "_w"},
		{Index: 1, LibOrdinal: OrdinalWeakLookup, SymbolName: "_x"},
	}
	if !reflect.DeepEqual(weak, wantWeak) {
		t.Errorf("weak targets = %+v, want %+v", weak, wantWeak)
	}
}

func TestOpcodesForEachFixup(t *testing.T) {
	segs := [][]byte{nil, make([]byte, 0x100)}
	var got []visit
	if err := testOpcodes().ForEachFixup(segs, func(f Fixup) error {
		got = append(got, visit{f.Kind, f.SegIndex, f.SegOffset, f.TargetIndex, f.Addend})
		return nil
	}); err != nil {
		t.Fatalf("ForEachFixup() error = %v", err)
	}
	want := []visit{
		{Rebase, 1, 0x80, 0, 0},
		{Rebase, 1, 0x88, 0, 0},
		{Rebase, 1, 0x90, 0, 0},
		{Rebase, 1, 0xA0, 0, 0},
		{Bind, 1, 0x00, 0, 0},
		{Bind, 1, 0x08, 0, 0},
		{Bind, 1, 0x10, 1, 0},
		{Bind, 1, 0x18, 2, 0},
		{Bind, 1, 0x28, 2, 0},
		{Bind, 1, 0x40, 3, 0},
		{Bind, 1, 0x48, 4, 0},
		{WeakBind, 1, 0x50, 0, 0},
		{WeakBind, 1, 0x58, 0, 0},
		{WeakBind, 1, 0x60, 1, 0},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ForEachFixup() visited\n%+v\nwant\n%+v", got, want)
	}
}

func TestOpcodesMalformed(t *testing.T) {
	tests := []struct {
		name string
		ops  *Opcodes
	}{
		{
			name: "threaded bind",
			ops:  NewOpcodes(nil, []byte{BindOpcodeThreaded}, nil, nil, 8),
		},
		{
			name: "bind before segment",
			ops:  NewOpcodes(nil, NewOpcodeWriter(8).SetOrdinal(1).SetSymbol("_a", 0).DoBind().Bytes(), nil, nil, 8),
		},
		{
			name: "scaled bind in lazy stream",
			ops:  NewOpcodes(nil, nil, nil, NewOpcodeWriter(8).SetSegmentOffset(0, 0).SetSymbol("_a", 0).DoBindSkip(8).Bytes(), 8),
		},
		{
			name: "ordinal in weak stream",
			ops:  NewOpcodes(nil, nil, NewOpcodeWriter(8).SetOrdinal(1).Bytes(), nil, 8),
		},
		{
			name: "unterminated symbol",
			ops:  NewOpcodes(nil, []byte{BindOpcodeSetSymbolTrailingFlagsImm, '_', 'a'}, nil, nil, 8),
		},
		{
			name: "unknown rebase opcode",
			ops:  NewOpcodes([]byte{0xF0}, nil, nil, nil, 8),
		},
		{
			name: "rebase outside segment",
			ops:  NewOpcodes(NewRebaseWriter().SetSegmentOffset(0, 0x1000).DoRebaseTimes(1).Bytes(), nil, nil, nil, 8),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ops.ForEachFixup([][]byte{make([]byte, 0x10)}, func(Fixup) error { return nil })
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("ForEachFixup() error = %v, want ErrMalformed", err)
			}
		})
	}
}
