// Package output writes the rewritten segments, patch info and build report.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blacktop/dscbuilder/pkg/cache"
)

const (
	PatchInfoFile = "patch_info.json"
	ReportFile    = "report.json"
)

// Summary counts what Write produced.
type Summary struct {
	Files int
	Bytes uint64
}

type location struct {
	Addr       string `json:"addr"`
	PMD        string `json:"pmd,omitempty"`
	Addend     uint64 `json:"addend,omitempty"`
	WeakImport bool   `json:"weak_import,omitempty"`
	// V4 is empty when the location cannot be packed.
	V4 string `json:"v4,omitempty"`
}

type gotLocation struct {
	location
	Target string `json:"target"`
}

type target struct {
	Ordinal        int           `json:"ordinal"`
	Name           string        `json:"name"`
	Target         string        `json:"target"`
	Uses           []location    `json:"uses,omitempty"`
	GOTUses        []gotLocation `json:"got_uses,omitempty"`
	AuthGOTUses    []gotLocation `json:"auth_got_uses,omitempty"`
	AuthPtrGOTUses []gotLocation `json:"auth_ptr_got_uses,omitempty"`
}

type functionVariant struct {
	Fixup     string `json:"fixup"`
	Dylib     string `json:"dylib"`
	Index     uint64 `json:"index"`
	TableAddr string `json:"table_addr"`
	TableSize uint64 `json:"table_size"`
	PMD       string `json:"pmd,omitempty"`
}

type dylibPatchInfo struct {
	InstallName      string            `json:"install_name"`
	Targets          []target          `json:"targets"`
	FunctionVariants []functionVariant `json:"function_variants,omitempty"`
}

type unresolved struct {
	Kind           string `json:"kind"`
	Symbol         string `json:"symbol"`
	ReferencedFrom string `json:"referenced_from"`
	Expected       string `json:"expected,omitempty"`
}

type dylibResult struct {
	InstallName   string `json:"install_name"`
	BindTargets   int    `json:"bind_targets"`
	Rebases       int    `json:"rebases"`
	Binds         int    `json:"binds"`
	AbsoluteBinds int    `json:"absolute_binds"`
	GOTBinds      int    `json:"got_binds"`
	Error         string `json:"error,omitempty"`
}

type report struct {
	Dylibs     []dylibResult `json:"dylibs"`
	Failed     []string      `json:"failed,omitempty"`
	Unresolved []unresolved  `json:"unresolved,omitempty"`
}

func hex(v uint64) string { return fmt.Sprintf("%#x", v) }

func pmdString(l cache.PatchableLocation) string {
	if !l.PMD.Authenticated && l.PMD.High8 == 0 {
		return ""
	}
	return l.PMD.String()
}

func newLocation(l cache.PatchableLocation) location {
	loc := location{
		Addr:       hex(l.CacheVMAddr),
		PMD:        pmdString(l),
		Addend:     l.Addend,
		WeakImport: l.WeakImport,
	}
	if v4, err := l.V4(); err == nil {
		loc.V4 = fmt.Sprintf("%#08x", uint32(v4))
	}
	return loc
}

func newGOTLocations(uses []cache.GOTUse) []gotLocation {
	var out []gotLocation
	for _, u := range uses {
		out = append(out, gotLocation{location: newLocation(u.PatchableLocation), Target: hex(u.TargetVMOffset)})
	}
	return out
}

func patchInfo(d *cache.CacheDylib) dylibPatchInfo {
	pi := dylibPatchInfo{InstallName: d.InstallName(), Targets: []target{}}
	p := d.PatchInfo
	for i, bt := range d.BindTargets {
		t := target{Ordinal: i, Target: bt.String()}
		if p != nil {
			if i < len(p.BindTargetNames) {
				t.Name = p.BindTargetNames[i]
			}
			if i < len(p.BindUses) {
				for _, u := range p.BindUses[i] {
					t.Uses = append(t.Uses, newLocation(u))
				}
				t.GOTUses = newGOTLocations(p.GOTUses(cache.GOTRegular, i))
				t.AuthGOTUses = newGOTLocations(p.GOTUses(cache.GOTAuth, i))
				t.AuthPtrGOTUses = newGOTLocations(p.GOTUses(cache.GOTAuthPointer, i))
			}
		}
		pi.Targets = append(pi.Targets, t)
	}
	for _, fv := range d.FunctionVariantFixups {
		f := functionVariant{
			Fixup:     hex(fv.FixupVMAddr),
			Dylib:     fv.TargetInstallName,
			Index:     fv.VariantIndex,
			TableAddr: hex(fv.VariantTableVMAddr),
			TableSize: fv.VariantTableSize,
		}
		if fv.PMD.Authenticated {
			f.PMD = fv.PMD.String()
		}
		pi.FunctionVariants = append(pi.FunctionVariants, f)
	}
	return pi
}

func newReport(r *cache.Report) report {
	out := report{Dylibs: []dylibResult{}, Failed: r.Failed()}
	for _, res := range r.Results {
		dr := dylibResult{
			InstallName:   res.InstallName,
			BindTargets:   res.BindTargets,
			Rebases:       res.Stats.Rebases,
			Binds:         res.Stats.Binds,
			AbsoluteBinds: res.Stats.AbsoluteBinds,
			GOTBinds:      res.Stats.GOTBinds,
		}
		if res.Err != nil {
			dr.Error = res.Err.Error()
		}
		out.Dylibs = append(out.Dylibs, dr)
	}
	for _, u := range r.Unresolved {
		out.Unresolved = append(out.Unresolved, unresolved{
			Kind:           u.Kind.String(),
			Symbol:         u.Symbol,
			ReferencedFrom: u.ReferencedFrom,
			Expected:       u.Expected,
		})
	}
	return out
}

// dylibDirs names each dylib's output folder after its install name's base,
// suffixing repeats with their position.
func dylibDirs(dylibs []*cache.CacheDylib) []string {
	seen := make(map[string]int, len(dylibs))
	dirs := make([]string, len(dylibs))
	for i, d := range dylibs {
		base := filepath.Base(d.InstallName())
		seen[base]++
		if seen[base] > 1 {
			base = fmt.Sprintf("%s.%d", base, i)
		}
		dirs[i] = base
	}
	return dirs
}

func writeJSON(path string, v any) (uint64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 0, fmt.Errorf("failed to write %s: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// Write saves every dylib's segment buffers as <dir>/<name>/<SEG>.bin,
// followed by patch_info.json and report.json. When skipJSON is set only the
// segments are written.
func Write(dir string, dylibs []*cache.CacheDylib, r *cache.Report, skipJSON bool) (*Summary, error) {
	var sum Summary
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %v", dir, err)
	}
	for i, name := range dylibDirs(dylibs) {
		segDir := filepath.Join(dir, name)
		if err := os.MkdirAll(segDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create %s: %v", segDir, err)
		}
		for _, seg := range dylibs[i].Segments {
			path := filepath.Join(segDir, seg.Name+".bin")
			if err := os.WriteFile(path, seg.Buffer, 0644); err != nil {
				return nil, fmt.Errorf("failed to write %s: %v", path, err)
			}
			sum.Files++
			sum.Bytes += uint64(len(seg.Buffer))
		}
	}
	if skipJSON {
		return &sum, nil
	}

	infos := make([]dylibPatchInfo, 0, len(dylibs))
	for _, d := range dylibs {
		infos = append(infos, patchInfo(d))
	}
	n, err := writeJSON(filepath.Join(dir, PatchInfoFile), infos)
	if err != nil {
		return nil, err
	}
	sum.Files++
	sum.Bytes += n

	n, err = writeJSON(filepath.Join(dir, ReportFile), newReport(r))
	if err != nil {
		return nil, err
	}
	sum.Files++
	sum.Bytes += n
	return &sum, nil
}
