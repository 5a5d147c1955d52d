package fixups

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

const (
	chainedHeaderSize  = 28
	segmentStartsFixed = 22

	importFormat         = uint32(fixupchains.DC_IMPORT)
	importAddendFormat   = uint32(fixupchains.DC_IMPORT_ADDEND)
	importAddend64Format = uint32(fixupchains.DC_IMPORT_ADDEND64)

	pageStartNone  = uint16(fixupchains.DYLD_CHAINED_PTR_START_NONE)
	pageStartMulti = uint16(fixupchains.DYLD_CHAINED_PTR_START_MULTI)
	pageStartLast  = uint16(fixupchains.DYLD_CHAINED_PTR_START_LAST)
)

// SegmentStarts is a decoded dyld_chained_starts_in_segment.
type SegmentStarts struct {
	PageSize        uint16
	Format          PointerFormat
	SegmentOffset   uint64
	MaxValidPointer uint32
	PageCount       uint16
	// PageStarts holds PageCount entries followed by any overflow entries
	// referenced by DYLD_CHAINED_PTR_START_MULTI.
	PageStarts []uint16
}

// Chained is a parsed LC_DYLD_CHAINED_FIXUPS payload.
type Chained struct {
	Version       uint32
	ImportsFormat uint32
	SymbolsFormat uint32
	Imports       []Import
	// Starts is indexed by segment; nil means the segment has no fixups.
	Starts []*SegmentStarts
}

var le = binary.LittleEndian

// ParseChained decodes the chained fixups header, imports and chain starts.
func ParseChained(data []byte) (*Chained, error) {
	var hdr fixupchains.DyldChainedFixupsHeader
	if err := binary.Read(bytes.NewReader(data), le, &hdr); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "chained fixups header: %v", err)
	}
	if hdr.FixupsVersion != 0 {
		return nil, errors.Wrapf(ErrMalformed, "unknown chained fixups version %d", hdr.FixupsVersion)
	}
	if hdr.SymbolsFormat != 0 {
		return nil, errors.Wrapf(ErrMalformed, "compressed chained fixups symbols (format %d) are not supported", hdr.SymbolsFormat)
	}
	format := uint32(hdr.ImportsFormat)
	var recSize uint64
	switch format {
	case importFormat:
		recSize = 4
	case importAddendFormat:
		recSize = 8
	case importAddend64Format:
		recSize = 16
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown chained imports format %d", hdr.ImportsFormat)
	}
	if uint64(hdr.ImportsOffset)+uint64(hdr.ImportsCount)*recSize > uint64(len(data)) {
		return nil, errors.Wrapf(ErrMalformed, "%d imports at %#x extend past end of chained fixups", hdr.ImportsCount, hdr.ImportsOffset)
	}
	if hdr.ImportsCount > 0 && uint64(hdr.SymbolsOffset) >= uint64(len(data)) {
		return nil, errors.Wrapf(ErrMalformed, "symbols offset %#x out of range", hdr.SymbolsOffset)
	}
	if err := checkStartsTable(data, hdr.StartsOffset); err != nil {
		return nil, err
	}

	var sr types.MachoReader
	dcf := fixupchains.NewChainedFixups(bytes.NewReader(data), &sr, le)
	if hdr.StartsOffset != 0 {
		if err := dcf.ParseStarts(); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "chain starts: %v", err)
		}
	} else {
		dcf.DyldChainedFixupsHeader = hdr
	}
	if err := dcf.EnsureImports(); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "chained imports: %v", err)
	}

	c := &Chained{
		Version:       hdr.FixupsVersion,
		ImportsFormat: format,
		SymbolsFormat: uint32(hdr.SymbolsFormat),
		Imports:       make([]Import, 0, len(dcf.Imports)),
		Starts:        make([]*SegmentStarts, len(dcf.Starts)),
	}
	for i, imp := range dcf.Imports {
		c.Imports = append(c.Imports, Import{
			Index:      i,
			LibOrdinal: libOrdinal(format, int(imp.LibOrdinal())),
			SymbolName: imp.Name,
			Addend:     importAddend(format, uint64(imp.Addend())),
			WeakImport: imp.WeakImport(),
		})
	}
	for i, start := range dcf.Starts {
		if start.Size == 0 {
			continue
		}
		ss, err := segmentStarts(data, hdr.StartsOffset, i, start)
		if err != nil {
			return nil, errors.Wrapf(err, "segment %d", i)
		}
		c.Starts[i] = ss
	}
	return c, nil
}

// libOrdinal sign extends the special lookup ordinals.
func libOrdinal(format uint32, ord int) int {
	switch {
	case format == importAddend64Format && ord > 0xFFF0:
		return int(int16(ord))
	case format != importAddend64Format && ord > 0xF0:
		return int(int8(ord))
	}
	return ord
}

// importAddend sign extends the 32-bit addend of DYLD_CHAINED_IMPORT_ADDEND.
func importAddend(format uint32, a uint64) int64 {
	if format == importAddendFormat {
		return int64(int32(a))
	}
	return int64(a)
}

// checkStartsTable bounds the segment count before it is used to size the
// starts table.
func checkStartsTable(data []byte, startsOff uint32) error {
	if startsOff == 0 {
		return nil
	}
	if uint64(startsOff)+4 > uint64(len(data)) {
		return errors.Wrapf(ErrMalformed, "chain starts offset %#x out of range", startsOff)
	}
	segCount := uint64(le.Uint32(data[startsOff:]))
	if uint64(startsOff)+4+segCount*4 > uint64(len(data)) {
		return errors.Wrapf(ErrMalformed, "%d segment starts extend past end of chained fixups", segCount)
	}
	return nil
}

// segmentStarts converts one parsed segment and appends the overflow chain
// starts the page starts array points into, which follow it in the payload.
func segmentStarts(data []byte, startsOff uint32, segIndex int, start fixupchains.DyldChainedStarts) (*SegmentStarts, error) {
	ss := &SegmentStarts{
		PageSize:        start.PageSize,
		Format:          PointerFormat(start.PointerFormat),
		SegmentOffset:   start.SegmentOffset,
		MaxValidPointer: start.MaxValidPointer,
		PageCount:       start.PageCount,
		PageStarts:      make([]uint16, 0, len(start.PageStarts)),
	}
	if _, err := ss.Format.Stride(); err != nil {
		return nil, err
	}
	if ss.PageSize == 0 {
		return nil, errors.Wrap(ErrMalformed, "zero page size")
	}
	size := uint64(start.Size)
	if size < segmentStartsFixed+2*uint64(ss.PageCount) {
		return nil, errors.Wrapf(ErrMalformed, "%d page starts do not fit in starts size %#x", ss.PageCount, size)
	}
	multi := false
	for _, ps := range start.PageStarts {
		ss.PageStarts = append(ss.PageStarts, uint16(ps))
		if uint16(ps) != pageStartNone && uint16(ps)&pageStartMulti != 0 {
			multi = true
		}
	}
	if !multi {
		return ss, nil
	}

	segInfoOff := uint64(le.Uint32(data[uint64(startsOff)+4+uint64(segIndex)*4:]))
	off := uint64(startsOff) + segInfoOff
	if off+size > uint64(len(data)) {
		return nil, errors.Wrapf(ErrMalformed, "starts size %#x at %#x out of range", size, off)
	}
	for p := off + segmentStartsFixed + uint64(ss.PageCount)*2; p+2 <= off+size; p += 2 {
		ss.PageStarts = append(ss.PageStarts, le.Uint16(data[p:]))
	}
	return ss, nil
}

// PointerSize returns 4 when any segment uses DYLD_CHAINED_PTR_32, else 8.
func (c *Chained) PointerSize() int {
	for _, s := range c.Starts {
		if s != nil && s.Format.Is32() {
			return 4
		}
	}
	return 8
}

// ForEachBindTarget visits every chained import. Chained imports carry their
// own weak flag so weakFn is unused.
func (c *Chained) ForEachBindTarget(fn ImportFunc, _ ImportFunc) error {
	for _, imp := range c.Imports {
		if err := fn(imp); err != nil {
			return err
		}
	}
	return nil
}

// pageChainStarts returns the chain start offsets within a page.
func (s *SegmentStarts) pageChainStarts(page int) ([]uint16, error) {
	start := s.PageStarts[page]
	if start == pageStartNone {
		return nil, nil
	}
	if start&pageStartMulti == 0 {
		return []uint16{start}, nil
	}
	var out []uint16
	for i := int(start &^ pageStartMulti); ; i++ {
		if i >= len(s.PageStarts) {
			return nil, errors.Wrapf(ErrMalformed, "page %d overflow start index %d out of range", page, i)
		}
		out = append(out, s.PageStarts[i]&^pageStartLast)
		if s.PageStarts[i]&pageStartLast != 0 {
			return out, nil
		}
	}
}

// ForEachFixup walks every chain in page order. The slot value and its next
// link are decoded before fn runs.
func (c *Chained) ForEachFixup(segments [][]byte, fn FixupFunc) error {
	for segIndex, s := range c.Starts {
		if s == nil {
			continue
		}
		stride, err := s.Format.Stride()
		if err != nil {
			return err
		}
		size := 8
		if s.Format.Is32() {
			size = 4
		}
		for page := 0; page < int(s.PageCount); page++ {
			starts, err := s.pageChainStarts(page)
			if err != nil {
				return errors.Wrapf(err, "segment %d", segIndex)
			}
			for _, start := range starts {
				off := uint64(page)*uint64(s.PageSize) + uint64(start)
				if err := c.walkChain(segments, segIndex, s, off, stride, size, fn); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Chained) walkChain(segments [][]byte, segIndex int, s *SegmentStarts, off, stride uint64, size int, fn FixupFunc) error {
	for {
		if err := checkSlot(segments, segIndex, off, size); err != nil {
			return err
		}
		buf := segments[segIndex][off:]
		p := ChainedPointer{Format: s.Format}
		if size == 8 {
			p.Raw = le.Uint64(buf)
		} else {
			p.Raw = uint64(le.Uint32(buf))
		}
		next := p.Next()

		switch {
		case p.IsBind():
			ordinal, addend := p.BindOrdinal()
			if err := fn(Fixup{
				Kind:        Bind,
				SegIndex:    segIndex,
				SegOffset:   off,
				TargetIndex: int(ordinal),
				Addend:      addend,
				PMD:         p.MetaData(),
				Pointer:     p,
			}); err != nil {
				return err
			}
		case s.Format.Is32() && s.MaxValidPointer != 0 && p.bits(0, 26) > uint64(s.MaxValidPointer):
			// 32-bit non-pointer values are only linked into the chain
		default:
			if err := fn(Fixup{
				Kind:      Rebase,
				SegIndex:  segIndex,
				SegOffset: off,
				PMD:       p.MetaData(),
				Pointer:   p,
			}); err != nil {
				return err
			}
		}

		if next == 0 {
			return nil
		}
		off += next * stride
	}
}

func (c *Chained) String() string {
	var segs int
	for _, s := range c.Starts {
		if s != nil {
			segs++
		}
	}
	return fmt.Sprintf("chained fixups: %d imports (format %d), %d segments with chains", len(c.Imports), c.ImportsFormat, segs)
}
