package fixups

import (
	"math"

	"github.com/blacktop/dscbuilder/internal/utils"
	"github.com/pkg/errors"
)

func align(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}

func importFormatFor(imports []Import, namesSize int) uint32 {
	format := importFormat
	for _, imp := range imports {
		if imp.LibOrdinal > 0xF0 || imp.LibOrdinal < -15 || imp.Addend > math.MaxInt32 || imp.Addend < math.MinInt32 || namesSize >= 1<<23 {
			return importAddend64Format
		}
		if imp.Addend != 0 {
			format = importAddendFormat
		}
	}
	return format
}

// BuildChained encodes a LC_DYLD_CHAINED_FIXUPS payload. starts is indexed by
// segment with nil for segments without chains. The narrowest import format
// that holds every import is chosen.
func BuildChained(imports []Import, starts []*SegmentStarts) ([]byte, error) {
	var symbols []byte
	nameOffs := make([]uint64, len(imports))
	for i, imp := range imports {
		nameOffs[i] = uint64(len(symbols))
		symbols = append(append(symbols, imp.SymbolName...), 0)
	}
	format := importFormatFor(imports, len(symbols))

	out := make([]byte, chainedHeaderSize)
	for len(out)%8 != 0 {
		out = append(out, 0)
	}

	startsOff := len(out)
	out = le.AppendUint32(out, uint32(len(starts)))
	out = append(out, make([]byte, 4*len(starts))...)
	for i, s := range starts {
		if s == nil {
			continue
		}
		if _, err := s.Format.Stride(); err != nil {
			return nil, errors.Wrapf(err, "segment %d", i)
		}
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		le.PutUint32(out[startsOff+4+i*4:], uint32(len(out)-startsOff))
		pageCount := s.PageCount
		if pageCount == 0 {
			pageCount = uint16(len(s.PageStarts))
		}
		out = le.AppendUint32(out, uint32(segmentStartsFixed+2*len(s.PageStarts)))
		out = le.AppendUint16(out, s.PageSize)
		out = le.AppendUint16(out, uint16(s.Format))
		out = le.AppendUint64(out, s.SegmentOffset)
		out = le.AppendUint32(out, s.MaxValidPointer)
		out = le.AppendUint16(out, pageCount)
		for _, ps := range s.PageStarts {
			out = le.AppendUint16(out, ps)
		}
	}

	importsOff := align(len(out), 4)
	out = append(out, make([]byte, importsOff-len(out))...)
	for i, imp := range imports {
		weak := uint64(0)
		if imp.WeakImport {
			weak = 1
		}
		switch format {
		case importFormat, importAddendFormat:
			v := uint32(uint8(int8(imp.LibOrdinal))) | uint32(weak)<<8 | uint32(nameOffs[i])<<9
			out = le.AppendUint32(out, v)
			if format == importAddendFormat {
				out = le.AppendUint32(out, uint32(int32(imp.Addend)))
			}
		case importAddend64Format:
			v := uint64(uint16(int16(imp.LibOrdinal))) | weak<<16 | nameOffs[i]<<32
			out = le.AppendUint64(out, v)
			out = le.AppendUint64(out, uint64(imp.Addend))
		}
	}

	symbolsOff := len(out)
	out = append(out, symbols...)
	for len(out)%8 != 0 {
		out = append(out, 0)
	}

	le.PutUint32(out[0:], 0)
	le.PutUint32(out[4:], uint32(startsOff))
	le.PutUint32(out[8:], uint32(importsOff))
	le.PutUint32(out[12:], uint32(symbolsOff))
	le.PutUint32(out[16:], uint32(len(imports)))
	le.PutUint32(out[20:], format)
	le.PutUint32(out[24:], 0)

	return out, nil
}

// OpcodeWriter emits a dyld info bind opcode stream.
type OpcodeWriter struct {
	buf         []byte
	pointerSize uint64
}

// NewOpcodeWriter returns a writer for the given pointer size.
func NewOpcodeWriter(pointerSize int) *OpcodeWriter {
	return &OpcodeWriter{pointerSize: uint64(pointerSize)}
}

// SetOrdinal emits the shortest opcode for a library ordinal.
func (w *OpcodeWriter) SetOrdinal(ordinal int) *OpcodeWriter {
	switch {
	case ordinal <= 0:
		w.buf = append(w.buf, BindOpcodeSetDylibSpecialImm|byte(ordinal)&BindImmediateMask)
	case ordinal <= 15:
		w.buf = append(w.buf, BindOpcodeSetDylibOrdinalImm|byte(ordinal))
	default:
		w.buf = append(w.buf, BindOpcodeSetDylibOrdinalUleb)
		w.buf = utils.AppendUleb128(w.buf, uint64(ordinal))
	}
	return w
}

// SetSymbol emits BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM.
func (w *OpcodeWriter) SetSymbol(name string, flags uint8) *OpcodeWriter {
	w.buf = append(w.buf, BindOpcodeSetSymbolTrailingFlagsImm|flags&BindImmediateMask)
	w.buf = append(append(w.buf, name...), 0)
	return w
}

// SetType emits BIND_OPCODE_SET_TYPE_IMM.
func (w *OpcodeWriter) SetType(typ uint8) *OpcodeWriter {
	w.buf = append(w.buf, BindOpcodeSetTypeImm|typ&BindImmediateMask)
	return w
}

// SetAddend emits BIND_OPCODE_SET_ADDEND_SLEB.
func (w *OpcodeWriter) SetAddend(addend int64) *OpcodeWriter {
	w.buf = append(w.buf, BindOpcodeSetAddendSleb)
	w.buf = utils.AppendSleb128(w.buf, addend)
	return w
}

// SetSegmentOffset emits BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB.
func (w *OpcodeWriter) SetSegmentOffset(seg int, off uint64) *OpcodeWriter {
	w.buf = append(w.buf, BindOpcodeSetSegmentAndOffsetUleb|byte(seg)&BindImmediateMask)
	w.buf = utils.AppendUleb128(w.buf, off)
	return w
}

// DoBind emits BIND_OPCODE_DO_BIND.
func (w *OpcodeWriter) DoBind() *OpcodeWriter {
	w.buf = append(w.buf, BindOpcodeDoBind)
	return w
}

// DoBindSkip emits BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB, or the scaled immediate
// form when skip is a small multiple of the pointer size.
func (w *OpcodeWriter) DoBindSkip(skip uint64) *OpcodeWriter {
	if skip%w.pointerSize == 0 && skip/w.pointerSize <= 15 {
		w.buf = append(w.buf, BindOpcodeDoBindAddAddrImmScaled|byte(skip/w.pointerSize))
		return w
	}
	w.buf = append(w.buf, BindOpcodeDoBindAddAddrUleb)
	w.buf = utils.AppendUleb128(w.buf, skip)
	return w
}

// DoBindTimes emits BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB.
func (w *OpcodeWriter) DoBindTimes(count, skip uint64) *OpcodeWriter {
	w.buf = append(w.buf, BindOpcodeDoBindUlebTimesSkippingUleb)
	w.buf = utils.AppendUleb128(w.buf, count)
	w.buf = utils.AppendUleb128(w.buf, skip)
	return w
}

// Done emits BIND_OPCODE_DONE.
func (w *OpcodeWriter) Done() *OpcodeWriter {
	w.buf = append(w.buf, BindOpcodeDone)
	return w
}

// Bytes returns the stream written so far.
func (w *OpcodeWriter) Bytes() []byte {
	return w.buf
}

// RebaseWriter emits a dyld info rebase opcode stream.
type RebaseWriter struct {
	buf []byte
}

// NewRebaseWriter returns a writer with the pointer rebase type selected.
func NewRebaseWriter() *RebaseWriter {
	return &RebaseWriter{buf: []byte{RebaseOpcodeSetTypeImm | RebaseTypePointer}}
}

// SetSegmentOffset emits REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB.
func (w *RebaseWriter) SetSegmentOffset(seg int, off uint64) *RebaseWriter {
	w.buf = append(w.buf, RebaseOpcodeSetSegmentAndOffsetUleb|byte(seg)&RebaseImmediateMask)
	w.buf = utils.AppendUleb128(w.buf, off)
	return w
}

// DoRebaseTimes emits REBASE_OPCODE_DO_REBASE_IMM_TIMES or its uleb form.
func (w *RebaseWriter) DoRebaseTimes(count uint64) *RebaseWriter {
	if count <= 15 {
		w.buf = append(w.buf, RebaseOpcodeDoRebaseImmTimes|byte(count))
		return w
	}
	w.buf = append(w.buf, RebaseOpcodeDoRebaseUlebTimes)
	w.buf = utils.AppendUleb128(w.buf, count)
	return w
}

// DoRebaseSkip emits REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB.
func (w *RebaseWriter) DoRebaseSkip(count, skip uint64) *RebaseWriter {
	w.buf = append(w.buf, RebaseOpcodeDoRebaseUlebTimesSkippingUleb)
	w.buf = utils.AppendUleb128(w.buf, count)
	w.buf = utils.AppendUleb128(w.buf, skip)
	return w
}

// Done emits REBASE_OPCODE_DONE.
func (w *RebaseWriter) Done() *RebaseWriter {
	w.buf = append(w.buf, RebaseOpcodeDone)
	return w
}

// Bytes returns the stream written so far.
func (w *RebaseWriter) Bytes() []byte {
	return w.buf
}
