package cache

import (
	"encoding/binary"
	"testing"

	"github.com/blacktop/dscbuilder/pkg/fixups"
	"github.com/blacktop/dscbuilder/pkg/trie"
)

const testCacheBase = 0x1_0000_0000

var testLayout = Layout{CacheBaseAddress: testCacheBase, Is64: true}

func exportTrie(t *testing.T, entries ...trie.Entry) []byte {
	t.Helper()
	b := trie.NewBuilder()
	for _, e := range entries {
		b.Add(e)
	}
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("failed to build export trie: %v", err)
	}
	return data
}

func export(name string, off uint64) trie.Entry {
	return trie.Entry{Name: name, Flags: trie.KindRegular, Value: off}
}

// placeDylib gives in a __TEXT and __DATA segment of 0x1000 bytes each at
// input load address 0, and places them at textAddr and dataAddr.
func placeDylib(t *testing.T, in *InputDylib, textAddr, dataAddr uint64) *CacheDylib {
	t.Helper()
	in.Segments = []InputSegment{
		{Name: "__TEXT", VMAddr: 0, VMSize: 0x1000, FileSize: 0x1000},
		{Name: "__DATA", VMAddr: 0x1000, VMSize: 0x1000, FileOffset: 0x1000, FileSize: 0x1000},
	}
	d, err := NewCacheDylib(in, []*SegmentChunk{
		{
			Name:        "__TEXT",
			InputVMAddr: 0,
			InputVMSize: 0x1000,
			CacheVMAddr: textAddr,
			CacheVMSize: 0x1000,
			Buffer:      make([]byte, 0x1000),
		},
		{
			Name:        "__DATA",
			InputVMAddr: 0x1000,
			InputVMSize: 0x1000,
			CacheVMAddr: dataAddr,
			CacheVMSize: 0x1000,
			Buffer:      make([]byte, 0x1000),
		},
	})
	if err != nil {
		t.Fatalf("NewCacheDylib(%s) error = %v", in.InstallName, err)
	}
	return d
}

func link(t *testing.T, dylibs ...*CacheDylib) *Resolver {
	t.Helper()
	if err := Link(dylibs); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	r, err := NewResolver(dylibs, 128)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r
}

// chainedData returns arm64e chained fixups with one chain over __DATA.
func chainedData(imports ...fixups.Import) *fixups.Chained {
	return &fixups.Chained{
		Imports: imports,
		Starts: []*fixups.SegmentStarts{nil, {
			PageSize:   0x1000,
			Format:     fixups.PtrArm64e,
			PageCount:  1,
			PageStarts: []uint16{0},
		}},
	}
}

func data(d *CacheDylib) []byte {
	return d.Segments[1].Buffer
}

func putSlot(d *CacheDylib, off uint64, v uint64) {
	binary.LittleEndian.PutUint64(data(d)[off:], v)
}

func slot(d *CacheDylib, off uint64) uint64 {
	return binary.LittleEndian.Uint64(data(d)[off:])
}
