package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/blacktop/dscbuilder/pkg/fixups"
	"github.com/blacktop/dscbuilder/pkg/trie"
)

// bindScenario places libA exporting _foo at the start of its __DATA and libB
// importing it.
func bindScenario(t *testing.T, bFixups fixups.Fixups) (a, b *CacheDylib) {
	t.Helper()
	a = placeDylib(t, &InputDylib{
		InstallName: "/usr/lib/libA.dylib",
		ExportTrie: exportTrie(t,
			export("_foo", 0x1000),
			trie.Entry{Name: "_w", Flags: trie.KindRegular | trie.WeakDefinition, Value: 0x1008},
		),
	}, testCacheBase, testCacheBase+0x2000)
	b = placeDylib(t, &InputDylib{
		InstallName:  "/usr/lib/libB.dylib",
		Dependencies: []Dependency{{InstallName: a.InstallName()}},
		Fixups:       bFixups,
	}, testCacheBase+0x10000, testCacheBase+0x14000)
	return a, b
}

func TestBuildChained(t *testing.T) {
	c := chainedData(
		fixups.Import{Index: 0, LibOrdinal: 1, SymbolName: "_foo"},
		fixups.Import{Index: 1, LibOrdinal: fixups.OrdinalFlatLookup, SymbolName: "_bar", WeakImport: true},
	)
	a, b := bindScenario(t, c)
	putSlot(b, 0x00, fixups.EncodeArm64eBind(0, 0, 1))
	putSlot(b, 0x08, fixups.EncodeArm64eRebase(0x1010, 0, 1))
	putSlot(b, 0x10, fixups.EncodeArm64eAuthBind(0, 0x1234, true, 0, 1))
	putSlot(b, 0x18, fixups.EncodeArm64eBind(1, 0, 1))
	putSlot(b, 0x20, fixups.EncodeArm64eBind(0, 0x10, 1))
	putSlot(b, 0x28, fixups.EncodeArm64eRebase(0x1030, 0x80, 0))

	var events int
	builder, err := NewBuilder([]*CacheDylib{a, b}, Options{
		Workers: 2,
		Layout:  testLayout,
		OnProgress: func(Phase, *CacheDylib, error) {
			events++
		},
	})
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	report, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := report.Err(); err != nil {
		t.Fatalf("Build() report error = %v", err)
	}
	if events != 4 {
		t.Errorf("OnProgress called %d times, want 4", events)
	}

	wantTargets := []BindTarget{
		CacheImage{Target: a, CacheOffset: 0x2000},
		Absolute{WeakImport: true},
	}
	if !reflect.DeepEqual(b.BindTargets, wantTargets) {
		t.Errorf("BindTargets = %v, want %v", b.BindTargets, wantTargets)
	}

	slots := []struct {
		off     uint64
		want    uint64
		sliding bool
	}{
		{0x00, 0x2000, true},
		{0x08, 0x1_4010, true},
		{0x10, 0x2000 | 0x1234<<44 | 1<<62 | 1<<63, true},
		{0x18, 0, false},
		{0x20, 0x2010, true},
		{0x28, 0x1_4030 | 0x80<<44, true},
	}
	for _, s := range slots {
		if got := slot(b, s.off); got != s.want {
			t.Errorf("slot %#x = %#x, want %#x", s.off, got, s.want)
		}
		if got := b.Segments[1].Tracker.Has(s.off); got != s.sliding {
			t.Errorf("slot %#x tracked = %t, want %t", s.off, got, s.sliding)
		}
	}

	wantUses := []PatchableLocation{
		{CacheVMAddr: testCacheBase + 0x14000},
		{CacheVMAddr: testCacheBase + 0x14010, PMD: fixups.PointerMetaData{Diversity: 0x1234, Authenticated: true, UsesAddrDiversity: true}},
		{CacheVMAddr: testCacheBase + 0x14020, Addend: 0x10},
	}
	if !reflect.DeepEqual(b.PatchInfo.BindUses[0], wantUses) {
		t.Errorf("BindUses[0] = %v, want %v", b.PatchInfo.BindUses[0], wantUses)
	}
	if len(b.PatchInfo.BindUses) != 2 || len(b.PatchInfo.BindUses[1]) != 0 {
		t.Errorf("BindUses = %v, want no uses of the absolute target", b.PatchInfo.BindUses)
	}
	if !reflect.DeepEqual(b.PatchInfo.BindTargetNames, []string{"_foo", "_bar"}) {
		t.Errorf("BindTargetNames = %v", b.PatchInfo.BindTargetNames)
	}
	wantStats := RewriteStats{Rebases: 2, Binds: 4, AbsoluteBinds: 1}
	if b.Stats != wantStats {
		t.Errorf("Stats = %+v, want %+v", b.Stats, wantStats)
	}
}

func TestBuildOpcodes(t *testing.T) {
	bind := fixups.NewOpcodeWriter(8).
		SetOrdinal(1).SetSymbol("_foo", 0).SetType(fixups.BindTypePointer).SetSegmentOffset(1, 0).DoBind().
		Done().Bytes()
	weak := fixups.NewOpcodeWriter(8).
		SetSymbol("_w", 0).SetType(fixups.BindTypePointer).SetSegmentOffset(1, 0x8).DoBind().
		Done().Bytes()
	rebase := fixups.NewRebaseWriter().SetSegmentOffset(1, 0x10).DoRebaseTimes(1).Done().Bytes()
	a, b := bindScenario(t, fixups.NewOpcodes(rebase, bind, weak, nil, 8))
	putSlot(b, 0x10, 0x1008)

	r := link(t, a, b)
	if err := BuildBindTargets(b, r); err != nil {
		t.Fatalf("BuildBindTargets() error = %v", err)
	}
	if start, ok := b.WeakBindTargetsStart(); !ok || start != 1 {
		t.Errorf("WeakBindTargetsStart() = %d, %t, want 1, true", start, ok)
	}
	if err := Rewrite(b, testLayout, CoalescedGOTs{}); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}

	for off, want := range map[uint64]uint64{
		0x00: 0x2000,
		0x08: 0x2008,
		0x10: 0x1_4008,
	} {
		if got := slot(b, off); got != want {
			t.Errorf("slot %#x = %#x, want %#x", off, got, want)
		}
		if !b.Segments[1].Tracker.Has(off) {
			t.Errorf("slot %#x is not tracked", off)
		}
	}
	if len(b.PatchInfo.BindUses[1]) != 1 || b.PatchInfo.BindUses[1][0].CacheVMAddr != testCacheBase+0x14008 {
		t.Errorf("weak bind uses = %v", b.PatchInfo.BindUses[1])
	}
}

func TestRewriteCoalescedGOT(t *testing.T) {
	c := chainedData(fixups.Import{Index: 0, LibOrdinal: 1, SymbolName: "_foo"})
	a, b := bindScenario(t, c)
	putSlot(b, 0x00, fixups.EncodeArm64eBind(0, 0, 1))
	putSlot(b, 0x08, fixups.EncodeArm64eBind(0, 0, 0))

	const shared = testCacheBase + 0x80000
	gots := CoalescedGOTs{Regular: map[uint64]uint64{
		testCacheBase + 0x14000: shared,
		testCacheBase + 0x14008: shared,
	}}
	r := link(t, a, b)
	if err := BuildBindTargets(b, r); err != nil {
		t.Fatalf("BuildBindTargets() error = %v", err)
	}
	if err := Rewrite(b, testLayout, gots); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}

	want := []GOTUse{{
		PatchableLocation: PatchableLocation{CacheVMAddr: shared},
		TargetVMOffset:    0x2000,
	}}
	if got := b.PatchInfo.GOTUses(GOTRegular, 0); !reflect.DeepEqual(got, want) {
		t.Errorf("GOTUses() = %v, want %v", got, want)
	}
	if len(b.PatchInfo.BindUses[0]) != 0 {
		t.Errorf("BindUses[0] = %v, want none", b.PatchInfo.BindUses[0])
	}
	for _, off := range []uint64{0, 8} {
		if got := slot(b, off); got != 0 {
			t.Errorf("slot %#x = %#x, want 0", off, got)
		}
		if b.Segments[1].Tracker.Has(off) {
			t.Errorf("slot %#x is still tracked", off)
		}
	}
	if b.Stats.GOTBinds != 2 {
		t.Errorf("Stats.GOTBinds = %d, want 2", b.Stats.GOTBinds)
	}
}

func TestRewriteAbsoluteTwice(t *testing.T) {
	_, b := bindScenario(t, nil)
	b.PatchInfo = NewPatchInfo()
	b.BindTargets = []BindTarget{Absolute{Value: 0x40, Addend: 2}}
	b.PatchInfo.resize(1)
	rw := &rewriter{d: b, layout: testLayout}
	seg := b.Segments[1]
	seg.Tracker.Add(0x18)

	f := fixups.Fixup{Kind: fixups.Bind, SegIndex: 1, SegOffset: 0x18}
	for i := 0; i < 2; i++ {
		if err := rw.bind(f, seg, b.BindTargets[0], 2, 0, fixups.PointerMetaData{}); err != nil {
			t.Fatalf("bind() error = %v", err)
		}
		if got := slot(b, 0x18); got != 0x42 {
			t.Fatalf("pass %d: slot = %#x, want 0x42", i, got)
		}
		if seg.Tracker.Has(0x18) {
			t.Fatalf("pass %d: absolute slot is tracked", i)
		}
	}
}

func TestRewriteBadBindOrdinal(t *testing.T) {
	c := chainedData(fixups.Import{Index: 0, LibOrdinal: 1, SymbolName: "_foo"})
	a, b := bindScenario(t, c)
	putSlot(b, 0x00, fixups.EncodeArm64eBind(5, 0, 0))

	r := link(t, a, b)
	if err := BuildBindTargets(b, r); err != nil {
		t.Fatalf("BuildBindTargets() error = %v", err)
	}
	b.Segments[1].RebaseTargets.SetRebaseTarget64(0x40, testCacheBase)
	err := Rewrite(b, testLayout, CoalescedGOTs{})
	if !errors.Is(err, ErrBadBindOrdinal) {
		t.Fatalf("Rewrite() error = %v, want %v", err, ErrBadBindOrdinal)
	}
	if b.Segments[1].RebaseTargets.Len() != 0 {
		t.Error("rebase targets were not cleared after a failed rewrite")
	}
}

func TestRewriteBadWeakBindOrdinal(t *testing.T) {
	bind := fixups.NewOpcodeWriter(8).
		SetOrdinal(1).SetSymbol("_foo", 0).SetType(fixups.BindTypePointer).SetSegmentOffset(1, 0).DoBind().
		Done().Bytes()
	weak := fixups.NewOpcodeWriter(8).
		SetSymbol("_w", 0).SetType(fixups.BindTypePointer).SetSegmentOffset(1, 0x8).DoBind().
		Done().Bytes()
	a, b := bindScenario(t, fixups.NewOpcodes(nil, bind, weak, nil, 8))

	r := link(t, a, b)
	if err := BuildBindTargets(b, r); err != nil {
		t.Fatalf("BuildBindTargets() error = %v", err)
	}
	// drop the weak bind targets so the weak stream points past the table
	b.BindTargets = b.BindTargets[:1]
	err := Rewrite(b, testLayout, CoalescedGOTs{})
	if !errors.Is(err, ErrBadBindOrdinal) {
		t.Fatalf("Rewrite() error = %v, want %v", err, ErrBadBindOrdinal)
	}
	errs := flatten(err)
	se, ok := asSymbolError(errs[0])
	if len(errs) != 1 || !ok || !se.Kind.Structural() || se.Ordinal != 1 {
		t.Errorf("Rewrite() error = %v, want one structural error for ordinal 1", err)
	}
}

func TestRewrite32(t *testing.T) {
	layout := Layout{CacheBaseAddress: testCacheBase, Is64: false}
	c := &fixups.Chained{
		Imports: []fixups.Import{{Index: 0, LibOrdinal: 1, SymbolName: "_foo"}},
		Starts: []*fixups.SegmentStarts{nil, {
			PageSize:   0x1000,
			Format:     fixups.Ptr32,
			PageCount:  1,
			PageStarts: []uint16{0},
		}},
	}
	a, b := bindScenario(t, c)
	put := func(off uint64, v uint32) { binary.LittleEndian.PutUint32(data(b)[off:], v) }
	put(0x0, fixups.EncodeGeneric32Bind(0, 0, 1))
	put(0x4, fixups.EncodeGeneric32Rebase(0x1010, 1))
	put(0x8, fixups.EncodeGeneric32Bind(0, 4, 0))

	r := link(t, a, b)
	if err := BuildBindTargets(b, r); err != nil {
		t.Fatalf("BuildBindTargets() error = %v", err)
	}
	if err := Rewrite(b, layout, CoalescedGOTs{}); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}

	tests := []struct {
		name string
		off  uint64
		want uint32
	}{
		{"bind", 0x0, 0x2000},
		{"rebase", 0x4, 0x1_4010},
		{"bind with addend", 0x8, 0x2004},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := binary.LittleEndian.Uint32(data(b)[tt.off:]); got != tt.want {
				t.Errorf("slot %#x = %#x, want %#x", tt.off, got, tt.want)
			}
			if !b.Segments[1].Tracker.Has(tt.off) {
				t.Errorf("slot %#x is not tracked", tt.off)
			}
		})
	}
	if got := b.PatchInfo.BindUses[0]; len(got) != 2 || got[1].Addend != 4 {
		t.Errorf("BindUses[0] = %v", got)
	}
}

func TestRewriteFunctionVariants(t *testing.T) {
	tests := []struct {
		name  string
		table *FunctionVariants
		want  FunctionVariantFixup
	}{
		{
			name:  "with table",
			table: &FunctionVariants{Offset: 0x1f00, Size: 0x40},
			want: FunctionVariantFixup{
				FixupVMAddr:        testCacheBase + 0x14000,
				TargetInstallName:  "/usr/lib/libA.dylib",
				VariantIndex:       2,
				VariantTableVMAddr: testCacheBase + 0x2f00,
				VariantTableSize:   0x40,
			},
		},
		{
			name: "without table",
			want: FunctionVariantFixup{
				FixupVMAddr:       testCacheBase + 0x14000,
				TargetInstallName: "/usr/lib/libA.dylib",
				VariantIndex:      2,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := placeDylib(t, &InputDylib{
				InstallName:      "/usr/lib/libA.dylib",
				ExportTrie:       exportTrie(t, trie.Entry{Name: "_fv", Flags: trie.FunctionVariant, Value: 0x1800, VariantIndex: 2}),
				FunctionVariants: tt.table,
			}, testCacheBase, testCacheBase+0x2000)
			b := placeDylib(t, &InputDylib{
				InstallName:  "/usr/lib/libB.dylib",
				Dependencies: []Dependency{{InstallName: a.InstallName()}},
				Fixups:       chainedData(fixups.Import{Index: 0, LibOrdinal: 1, SymbolName: "_fv"}),
			}, testCacheBase+0x10000, testCacheBase+0x14000)
			putSlot(b, 0x00, fixups.EncodeArm64eBind(0, 0, 0))

			r := link(t, a, b)
			if err := BuildBindTargets(b, r); err != nil {
				t.Fatalf("BuildBindTargets() error = %v", err)
			}
			if err := Rewrite(b, testLayout, CoalescedGOTs{}); err != nil {
				t.Fatalf("Rewrite() error = %v", err)
			}
			if got := slot(b, 0); got != 0x2800 {
				t.Errorf("slot = %#x, want 0x2800", got)
			}
			if !reflect.DeepEqual(b.FunctionVariantFixups, []FunctionVariantFixup{tt.want}) {
				t.Errorf("FunctionVariantFixups = %+v, want %+v", b.FunctionVariantFixups, tt.want)
			}
		})
	}
}

func TestRewriteRebaseTargetHandoff(t *testing.T) {
	c := chainedData()
	a, b := bindScenario(t, c)
	putSlot(b, 0x00, fixups.EncodeArm64eRebase(0x1010, 0, 0))
	b.Segments[1].RebaseTargets.SetRebaseTarget64(0x00, testCacheBase+0x3000)

	link(t, a, b)
	if err := Rewrite(b, testLayout, CoalescedGOTs{}); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if got := slot(b, 0); got != 0x3000 {
		t.Errorf("slot = %#x, want 0x3000", got)
	}
}

func TestBuildReportsUnresolved(t *testing.T) {
	c := chainedData(
		fixups.Import{Index: 0, LibOrdinal: 1, SymbolName: "_missing"},
		fixups.Import{Index: 1, LibOrdinal: 9, SymbolName: "_foo"},
		fixups.Import{Index: 2, LibOrdinal: 1, SymbolName: "_foo"},
	)
	a, b := bindScenario(t, c)
	builder, err := NewBuilder([]*CacheDylib{a, b}, Options{Layout: testLayout})
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	report, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if got := report.Failed(); !reflect.DeepEqual(got, []string{b.InstallName()}) {
		t.Errorf("Failed() = %v, want [%s]", got, b.InstallName())
	}
	err = report.Err()
	if !errors.Is(err, ErrSymbolNotFound) || !errors.Is(err, ErrBadLibraryOrdinal) {
		t.Errorf("report error = %v, want both symbol errors", err)
	}
	if len(b.BindTargets) != 3 {
		t.Errorf("len(BindTargets) = %d, want 3", len(b.BindTargets))
	}
	want := []UnresolvedSymbol{
		{
			Kind:           BadLibraryOrdinal,
			Symbol:         "_foo",
			ReferencedFrom: b.InstallName(),
		},
		{
			Kind:           SymbolNotFound,
			Symbol:         "_missing",
			ReferencedFrom: b.InstallName(),
			Expected:       a.InstallName(),
		},
	}
	if !reflect.DeepEqual(report.Unresolved, want) {
		t.Errorf("Unresolved = %v, want %v", report.Unresolved, want)
	}
}

func TestBuildCancelled(t *testing.T) {
	a, b := bindScenario(t, nil)
	builder, err := NewBuilder([]*CacheDylib{a, b}, Options{Layout: testLayout})
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := builder.Build(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Build() error = %v, want %v", err, context.Canceled)
	}
}
