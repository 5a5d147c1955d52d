// Package layout reads the cache layout manifest used by the bind command.
package layout

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/dscbuilder/pkg/cache"
	yaml "gopkg.in/yaml.v3"
)

// Address is a cache address. YAML may spell it as an integer or a hex string.
type Address uint64

// UnmarshalYAML accepts 4096, 0x1000 and "0x1000".
func (a *Address) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(str, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", str, err)
	}
	*a = Address(v)
	return nil
}

func (a Address) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(a)), nil
}

// Segment places one input segment in the cache.
type Segment struct {
	Name      string  `yaml:"name" json:"name"`
	CacheAddr Address `yaml:"cache_addr" json:"cache_addr"`
	// CacheSize defaults to the input segment's vmsize.
	CacheSize Address `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`
}

type FunctionVariants struct {
	Offset Address `yaml:"offset" json:"offset"`
	Size   Address `yaml:"size" json:"size"`
}

// Dylib is one input dylib and its placement.
type Dylib struct {
	Path             string            `yaml:"path" json:"path"`
	PatchTable       bool              `yaml:"patch_table,omitempty" json:"patch_table,omitempty"`
	Segments         []Segment         `yaml:"segments" json:"segments"`
	FunctionVariants *FunctionVariants `yaml:"function_variants,omitempty" json:"function_variants,omitempty"`
}

// GOTPair maps a dylib GOT slot to the shared slot it was coalesced into.
type GOTPair struct {
	From Address `yaml:"from" json:"from"`
	To   Address `yaml:"to" json:"to"`
}

type GOTs struct {
	Regular     []GOTPair `yaml:"regular,omitempty" json:"regular,omitempty"`
	Auth        []GOTPair `yaml:"auth,omitempty" json:"auth,omitempty"`
	AuthPointer []GOTPair `yaml:"auth_pointer,omitempty" json:"auth_pointer,omitempty"`
}

// Manifest is the cache layout.
type Manifest struct {
	CacheBase Address `yaml:"cache_base" json:"cache_base"`
	Is64      *bool   `yaml:"is64,omitempty" json:"is64,omitempty"`
	Dylibs    []Dylib `yaml:"dylibs" json:"dylibs"`
	GOTs      GOTs    `yaml:"gots,omitempty" json:"gots,omitempty"`
}

// Load reads and validates the manifest at file. Relative dylib paths are
// resolved against the manifest's directory.
func Load(file string) (*Manifest, error) {
	f, err := os.Open(file) // #nosec
	if err != nil {
		return nil, err
	}
	defer f.Close()
	log.WithField("file", file).Debug("loading layout manifest")
	m, err := LoadReader(f)
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", file, err)
	}
	dir := filepath.Dir(file)
	for i := range m.Dylibs {
		if !filepath.IsAbs(m.Dylibs[i].Path) {
			m.Dylibs[i].Path = filepath.Join(dir, m.Dylibs[i].Path)
		}
	}
	return m, nil
}

// LoadReader reads and validates a manifest.
func LoadReader(fd io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(fd)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest on its own. Segment counts are checked against
// the loaded dylibs by Place.
func (m *Manifest) Validate() error {
	if m.CacheBase == 0 {
		return fmt.Errorf("cache_base must be set")
	}
	if len(m.Dylibs) == 0 {
		return fmt.Errorf("no dylibs")
	}
	for i, d := range m.Dylibs {
		if d.Path == "" {
			return fmt.Errorf("dylibs[%d]: path must be set", i)
		}
		if len(d.Segments) == 0 {
			return fmt.Errorf("%s: no segments", d.Path)
		}
		for _, s := range d.Segments {
			if s.Name == "" {
				return fmt.Errorf("%s: segment without a name", d.Path)
			}
			if s.CacheAddr == 0 {
				return fmt.Errorf("%s: segment %s has no cache_addr", d.Path, s.Name)
			}
			if s.CacheAddr < m.CacheBase {
				return fmt.Errorf("%s: segment %s cache_addr %#x is below cache_base %#x", d.Path, s.Name, s.CacheAddr, m.CacheBase)
			}
		}
		if fv := d.FunctionVariants; fv != nil && fv.Size == 0 {
			return fmt.Errorf("%s: function_variants has no size", d.Path)
		}
	}
	for kind, pairs := range map[string][]GOTPair{
		"regular":      m.GOTs.Regular,
		"auth":         m.GOTs.Auth,
		"auth_pointer": m.GOTs.AuthPointer,
	} {
		for _, p := range pairs {
			if p.From == 0 || p.To == 0 {
				return fmt.Errorf("gots.%s: zero address in %#x -> %#x", kind, p.From, p.To)
			}
		}
	}
	return nil
}

// Layout returns the cache-wide parameters. is64 defaults to true.
func (m *Manifest) Layout() cache.Layout {
	is64 := true
	if m.Is64 != nil {
		is64 = *m.Is64
	}
	return cache.Layout{CacheBaseAddress: uint64(m.CacheBase), Is64: is64}
}

func gotMap(pairs []GOTPair) map[uint64]uint64 {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[uint64]uint64, len(pairs))
	for _, p := range pairs {
		out[uint64(p.From)] = uint64(p.To)
	}
	return out
}

// CoalescedGOTs returns the GOT maps.
func (m *Manifest) CoalescedGOTs() cache.CoalescedGOTs {
	return cache.CoalescedGOTs{
		Regular:     gotMap(m.GOTs.Regular),
		Auth:        gotMap(m.GOTs.Auth),
		AuthPointer: gotMap(m.GOTs.AuthPointer),
	}
}

// Place copies each input's segments into cache buffers at the addresses the
// manifest gives. inputs must be in manifest order.
func (m *Manifest) Place(inputs []*cache.InputDylib) ([]*cache.CacheDylib, error) {
	if len(inputs) != len(m.Dylibs) {
		return nil, fmt.Errorf("layout has %d dylibs, got %d inputs", len(m.Dylibs), len(inputs))
	}
	var out []*cache.CacheDylib
	for i, in := range inputs {
		ld := m.Dylibs[i]
		if len(ld.Segments) != len(in.Segments) {
			return nil, fmt.Errorf("%s: layout has %d segments, dylib has %d", in.InstallName, len(ld.Segments), len(in.Segments))
		}
		in.ParticipatesInPatchTable = ld.PatchTable
		if fv := ld.FunctionVariants; fv != nil {
			in.FunctionVariants = &cache.FunctionVariants{Offset: uint64(fv.Offset), Size: uint64(fv.Size)}
		}
		chunks := make([]*cache.SegmentChunk, 0, len(in.Segments))
		for j, seg := range in.Segments {
			ls := ld.Segments[j]
			if ls.Name != seg.Name {
				return nil, fmt.Errorf("%s: layout segment %d is %s, dylib has %s", in.InstallName, j, ls.Name, seg.Name)
			}
			size := uint64(ls.CacheSize)
			if size == 0 {
				size = seg.VMSize
			}
			if size < uint64(len(seg.Data)) {
				return nil, fmt.Errorf("%s: segment %s cache_size %#x is smaller than its file data (%#x)", in.InstallName, seg.Name, size, len(seg.Data))
			}
			buf := make([]byte, size)
			copy(buf, seg.Data)
			chunks = append(chunks, &cache.SegmentChunk{
				Name:        seg.Name,
				InputVMAddr: seg.VMAddr,
				InputVMSize: seg.VMSize,
				CacheVMAddr: uint64(ls.CacheAddr),
				CacheVMSize: size,
				FileOffset:  uint64(ls.CacheAddr - m.CacheBase),
				Buffer:      buf,
			})
		}
		d, err := cache.NewCacheDylib(in, chunks)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
