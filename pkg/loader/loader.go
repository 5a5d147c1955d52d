// Package loader reads the parts of a Mach-O dylib the cache binder needs.
package loader

import (
	"bytes"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/dscbuilder/pkg/cache"
	"github.com/blacktop/dscbuilder/pkg/fixups"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// linkedit returns the file range a load command names.
func linkedit(data []byte, off, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	end := uint64(off) + uint64(size)
	if end > uint64(len(data)) {
		return nil, errors.Errorf("linkedit range %#x-%#x is past the end of the file (%#x)", off, end, len(data))
	}
	return data[off:end], nil
}

// dyldInfo holds the LC_DYLD_INFO(_ONLY) offset and size pairs in command
// order: rebase, bind, weak bind, lazy bind, export.
type dyldInfo [5][2]uint32

func (d *dyldInfo) stream(data []byte, i int) ([]byte, error) {
	return linkedit(data, d[i][0], d[i][1])
}

// Open reads the dylib at path.
func Open(path string) (*cache.InputDylib, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	in, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	return in, nil
}

// Parse reads a dylib from its file contents. Segment Data aliases data.
func Parse(data []byte) (*cache.InputDylib, error) {
	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse MachO")
	}
	defer m.Close()

	id := m.DylibID()
	if id == nil {
		return nil, errors.New("not a dylib: missing LC_ID_DYLIB")
	}
	in := &cache.InputDylib{
		InstallName: id.Name,
		LoadAddress: m.GetBaseAddress(),
		HasWeakDefs: m.FileTOC.FileHeader.Flags.WeakDefines(),
	}

	for _, seg := range m.Segments() {
		s := cache.InputSegment{
			Name:       seg.Name,
			VMAddr:     seg.Addr,
			VMSize:     seg.Memsz,
			FileOffset: seg.Offset,
			FileSize:   seg.Filesz,
		}
		if seg.Filesz > 0 {
			if seg.Offset+seg.Filesz > uint64(len(data)) {
				return nil, errors.Errorf("segment %s file range %#x-%#x is past the end of the file", seg.Name, seg.Offset, seg.Offset+seg.Filesz)
			}
			s.Data = data[seg.Offset : seg.Offset+seg.Filesz]
		}
		in.Segments = append(in.Segments, s)
	}

	var chained *macho.DyldChainedFixups
	for _, l := range m.Loads {
		switch lc := l.(type) {
		case *macho.LoadDylib:
			in.Dependencies = append(in.Dependencies, cache.Dependency{InstallName: lc.Name})
		case *macho.LazyLoadDylib:
			in.Dependencies = append(in.Dependencies, cache.Dependency{InstallName: lc.Name})
		case *macho.WeakDylib:
			in.Dependencies = append(in.Dependencies, cache.Dependency{InstallName: lc.Name, Kind: cache.LinkWeak})
		case *macho.UpwardDylib:
			in.Dependencies = append(in.Dependencies, cache.Dependency{InstallName: lc.Name, Kind: cache.LinkUpward})
		case *macho.ReExportDylib:
			in.Dependencies = append(in.Dependencies, cache.Dependency{InstallName: lc.Name, Kind: cache.LinkReexport})
		case *macho.DyldChainedFixups:
			chained = lc
		}
	}

	var info *dyldInfo
	if di := m.DyldInfo(); di != nil {
		info = &dyldInfo{
			{di.RebaseOff, di.RebaseSize},
			{di.BindOff, di.BindSize},
			{di.WeakBindOff, di.WeakBindSize},
			{di.LazyBindOff, di.LazyBindSize},
			{di.ExportOff, di.ExportSize},
		}
	} else if di := m.DyldInfoOnly(); di != nil {
		info = &dyldInfo{
			{di.RebaseOff, di.RebaseSize},
			{di.BindOff, di.BindSize},
			{di.WeakBindOff, di.WeakBindSize},
			{di.LazyBindOff, di.LazyBindSize},
			{di.ExportOff, di.ExportSize},
		}
	}

	switch {
	case m.DyldExportsTrie() != nil:
		et := m.DyldExportsTrie()
		in.ExportTrie, err = linkedit(data, et.Offset, et.Size)
	case info != nil:
		in.ExportTrie, err = info.stream(data, 4)
	}
	if err != nil {
		return nil, errors.Wrap(err, "export trie")
	}

	switch {
	case chained != nil:
		payload, err := linkedit(data, chained.Offset, chained.Size)
		if err != nil {
			return nil, errors.Wrap(err, "chained fixups")
		}
		if len(payload) > 0 {
			c, err := fixups.ParseChained(payload)
			if err != nil {
				return nil, err
			}
			in.Fixups = c
		}
	case info != nil:
		var streams [4][]byte
		for i := range streams {
			if streams[i], err = info.stream(data, i); err != nil {
				return nil, errors.Wrap(err, "dyld info")
			}
		}
		ptrSize := 4
		if m.FileTOC.FileHeader.Magic == types.Magic64 {
			ptrSize = 8
		}
		in.Fixups = fixups.NewOpcodes(streams[0], streams[1], streams[2], streams[3], ptrSize)
	}
	log.WithFields(log.Fields{
		"dylib":    in.InstallName,
		"deps":     len(in.Dependencies),
		"segments": len(in.Segments),
		"trie":     len(in.ExportTrie),
	}).Debug("loaded dylib")
	return in, nil
}
