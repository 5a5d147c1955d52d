package fixups

import (
	"bytes"

	"github.com/apex/log"
	"github.com/blacktop/dscbuilder/internal/utils"
	"github.com/pkg/errors"
)

// rebase opcodes
const (
	RebaseOpcodeMask    = 0xF0
	RebaseImmediateMask = 0x0F

	RebaseOpcodeDone                          = 0x00
	RebaseOpcodeSetTypeImm                    = 0x10
	RebaseOpcodeSetSegmentAndOffsetUleb       = 0x20
	RebaseOpcodeAddAddrUleb                   = 0x30
	RebaseOpcodeAddAddrImmScaled              = 0x40
	RebaseOpcodeDoRebaseImmTimes              = 0x50
	RebaseOpcodeDoRebaseUlebTimes             = 0x60
	RebaseOpcodeDoRebaseAddAddrUleb           = 0x70
	RebaseOpcodeDoRebaseUlebTimesSkippingUleb = 0x80

	RebaseTypePointer = 1
)

// bind opcodes
const (
	BindOpcodeMask    = 0xF0
	BindImmediateMask = 0x0F

	BindOpcodeDone                        = 0x00
	BindOpcodeSetDylibOrdinalImm          = 0x10
	BindOpcodeSetDylibOrdinalUleb         = 0x20
	BindOpcodeSetDylibSpecialImm          = 0x30
	BindOpcodeSetSymbolTrailingFlagsImm   = 0x40
	BindOpcodeSetTypeImm                  = 0x50
	BindOpcodeSetAddendSleb               = 0x60
	BindOpcodeSetSegmentAndOffsetUleb     = 0x70
	BindOpcodeAddAddrUleb                 = 0x80
	BindOpcodeDoBind                      = 0x90
	BindOpcodeDoBindAddAddrUleb           = 0xA0
	BindOpcodeDoBindAddAddrImmScaled      = 0xB0
	BindOpcodeDoBindUlebTimesSkippingUleb = 0xC0
	BindOpcodeThreaded                    = 0xD0

	BindSymbolFlagsWeakImport        = 0x1
	BindSymbolFlagsNonWeakDefinition = 0x8

	BindTypePointer = 1
)

type stream uint8

const (
	regularStream stream = iota
	lazyStream
	weakStream
)

func (s stream) String() string {
	switch s {
	case lazyStream:
		return "lazy bind"
	case weakStream:
		return "weak bind"
	}
	return "bind"
}

// bindRecord is the interpreter state at one DO_BIND location.
type bindRecord struct {
	segIndex   int
	segOffset  uint64
	ordinal    int
	symbol     string
	addend     int64
	weakImport bool
	// changed is set when the target or addend differs from the previous bind.
	changed bool
}

// Opcodes holds the dyld info rebase and bind opcode streams of an image.
type Opcodes struct {
	Rebase   []byte
	Bind     []byte
	WeakBind []byte
	LazyBind []byte

	ptrSize int
}

// NewOpcodes wraps raw dyld info streams. Any stream may be empty.
func NewOpcodes(rebase, bind, weakBind, lazyBind []byte, pointerSize int) *Opcodes {
	if pointerSize != 4 {
		pointerSize = 8
	}
	return &Opcodes{
		Rebase:   rebase,
		Bind:     bind,
		WeakBind: weakBind,
		LazyBind: lazyBind,
		ptrSize:  pointerSize,
	}
}

func (o *Opcodes) PointerSize() int { return o.ptrSize }

func malformed(s stream, off int, format string, args ...any) error {
	return errors.Wrapf(ErrMalformed, "%s opcodes at %#x: "+format, append([]any{s, off}, args...)...)
}

func readSymbol(data []byte, p int) (string, int, error) {
	end := bytes.IndexByte(data[p:], 0)
	if end < 0 {
		return "", p, errors.New("unterminated symbol name")
	}
	return string(data[p : p+end]), p + end + 1, nil
}

// forEachRebase interprets the rebase stream.
func (o *Opcodes) forEachRebase(fn func(seg int, off uint64) error) error {
	data := o.Rebase
	ptr := uint64(o.ptrSize)
	var (
		seg    int
		off    uint64
		segSet bool
		err    error
	)
	do := func() error {
		if !segSet {
			return errors.Wrap(ErrMalformed, "rebase before REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB")
		}
		return fn(seg, off)
	}

	for p := 0; p < len(data); {
		at := p
		imm := data[p] & RebaseImmediateMask
		op := data[p] & RebaseOpcodeMask
		p++
		switch op {
		case RebaseOpcodeDone:
			return nil
		case RebaseOpcodeSetTypeImm:
			if imm != RebaseTypePointer {
				log.Warnf("rebase opcodes at %#x: ignoring rebase type %d", at, imm)
			}
		case RebaseOpcodeSetSegmentAndOffsetUleb:
			seg = int(imm)
			if off, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(regularStream, at, "%v", err)
			}
			segSet = true
		case RebaseOpcodeAddAddrUleb:
			var v uint64
			if v, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(regularStream, at, "%v", err)
			}
			off += v
		case RebaseOpcodeAddAddrImmScaled:
			off += uint64(imm) * ptr
		case RebaseOpcodeDoRebaseImmTimes:
			for i := 0; i < int(imm); i++ {
				if err := do(); err != nil {
					return err
				}
				off += ptr
			}
		case RebaseOpcodeDoRebaseUlebTimes:
			var count uint64
			if count, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(regularStream, at, "%v", err)
			}
			for i := uint64(0); i < count; i++ {
				if err := do(); err != nil {
					return err
				}
				off += ptr
			}
		case RebaseOpcodeDoRebaseAddAddrUleb:
			if err := do(); err != nil {
				return err
			}
			var v uint64
			if v, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(regularStream, at, "%v", err)
			}
			off += v + ptr
		case RebaseOpcodeDoRebaseUlebTimesSkippingUleb:
			var count, skip uint64
			if count, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(regularStream, at, "%v", err)
			}
			if skip, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(regularStream, at, "%v", err)
			}
			for i := uint64(0); i < count; i++ {
				if err := do(); err != nil {
					return err
				}
				off += skip + ptr
			}
		default:
			return errors.Wrapf(ErrMalformed, "unknown rebase opcode %#02x at %#x", op, at)
		}
	}
	return nil
}

// forEachBind interprets one bind stream.
func (o *Opcodes) forEachBind(s stream, fn func(bindRecord) error) error {
	var data []byte
	switch s {
	case regularStream:
		data = o.Bind
	case lazyStream:
		data = o.LazyBind
	case weakStream:
		data = o.WeakBind
	}
	ptr := uint64(o.ptrSize)

	r := bindRecord{changed: true}
	if s == weakStream {
		r.ordinal = OrdinalWeakLookup
	}
	var (
		segSet bool
		err    error
	)
	do := func() error {
		if !segSet {
			return errors.Wrapf(ErrMalformed, "%s before BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB", s)
		}
		if len(r.symbol) == 0 {
			return errors.Wrapf(ErrMalformed, "%s before BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM", s)
		}
		if s == lazyStream {
			r.changed = true
		}
		if err := fn(r); err != nil {
			return err
		}
		r.changed = false
		return nil
	}

	for p := 0; p < len(data); {
		at := p
		imm := data[p] & BindImmediateMask
		op := data[p] & BindOpcodeMask
		p++

		if s == lazyStream {
			switch op {
			case BindOpcodeSetTypeImm, BindOpcodeAddAddrUleb, BindOpcodeDoBindAddAddrUleb,
				BindOpcodeDoBindAddAddrImmScaled, BindOpcodeDoBindUlebTimesSkippingUleb, BindOpcodeThreaded:
				return malformed(s, at, "bad lazy bind opcode %#02x", op)
			}
		}
		if s == weakStream {
			switch op {
			case BindOpcodeSetDylibOrdinalImm, BindOpcodeSetDylibOrdinalUleb, BindOpcodeSetDylibSpecialImm:
				return malformed(s, at, "unexpected dylib ordinal in weak bind")
			}
		}

		switch op {
		case BindOpcodeDone:
			// lazy entries are each terminated with DONE
			if s != lazyStream {
				return nil
			}
		case BindOpcodeSetDylibOrdinalImm:
			r.ordinal = int(imm)
			r.changed = true
		case BindOpcodeSetDylibOrdinalUleb:
			var v uint64
			if v, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(s, at, "%v", err)
			}
			r.ordinal = int(v)
			r.changed = true
		case BindOpcodeSetDylibSpecialImm:
			if imm == 0 {
				r.ordinal = 0
			} else {
				r.ordinal = int(int8(BindOpcodeMask | imm))
			}
			r.changed = true
		case BindOpcodeSetSymbolTrailingFlagsImm:
			if r.symbol, p, err = readSymbol(data, p); err != nil {
				return malformed(s, at, "%v", err)
			}
			r.weakImport = imm&BindSymbolFlagsWeakImport != 0
			if s == weakStream {
				// weak binds never import weakly; non-weak definitions only announce a strong symbol
				r.weakImport = false
			}
			r.changed = true
		case BindOpcodeSetTypeImm:
			if imm != BindTypePointer {
				log.Warnf("%s opcodes at %#x: ignoring bind type %d", s, at, imm)
			}
		case BindOpcodeSetAddendSleb:
			if r.addend, p, err = utils.ReadSleb128(data, p); err != nil {
				return malformed(s, at, "%v", err)
			}
			r.changed = true
		case BindOpcodeSetSegmentAndOffsetUleb:
			r.segIndex = int(imm)
			if r.segOffset, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(s, at, "%v", err)
			}
			segSet = true
		case BindOpcodeAddAddrUleb:
			var v uint64
			if v, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(s, at, "%v", err)
			}
			r.segOffset += v
		case BindOpcodeDoBind:
			if err := do(); err != nil {
				return err
			}
			r.segOffset += ptr
		case BindOpcodeDoBindAddAddrUleb:
			if err := do(); err != nil {
				return err
			}
			var v uint64
			if v, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(s, at, "%v", err)
			}
			r.segOffset += v + ptr
		case BindOpcodeDoBindAddAddrImmScaled:
			if err := do(); err != nil {
				return err
			}
			r.segOffset += uint64(imm)*ptr + ptr
		case BindOpcodeDoBindUlebTimesSkippingUleb:
			var count, skip uint64
			if count, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(s, at, "%v", err)
			}
			if skip, p, err = utils.ReadUleb128(data, p); err != nil {
				return malformed(s, at, "%v", err)
			}
			for i := uint64(0); i < count; i++ {
				if err := do(); err != nil {
					return err
				}
				r.segOffset += skip + ptr
			}
		case BindOpcodeThreaded:
			return malformed(s, at, "BIND_OPCODE_THREADED is not supported in cache dylibs")
		default:
			return malformed(s, at, "unknown bind opcode %#02x", op)
		}
	}
	return nil
}

// forEachBindSite runs the regular and lazy streams with one shared target
// index, then the weak stream with its own override index.
func (o *Opcodes) forEachBindSite(fn func(Import, bindRecord) error, weakFn func(Import, bindRecord) error) error {
	index := -1
	var cur Import
	visit := func(lazy bool) func(bindRecord) error {
		return func(r bindRecord) error {
			if r.changed {
				index++
				cur = Import{
					Index:      index,
					LibOrdinal: r.ordinal,
					SymbolName: r.symbol,
					Addend:     r.addend,
					WeakImport: r.weakImport,
					LazyBind:   lazy,
				}
			}
			return fn(cur, r)
		}
	}
	if err := o.forEachBind(regularStream, visit(false)); err != nil {
		return err
	}
	if err := o.forEachBind(lazyStream, visit(true)); err != nil {
		return err
	}

	weakIndex := -1
	var weak Import
	return o.forEachBind(weakStream, func(r bindRecord) error {
		if weakIndex < 0 || r.symbol != weak.SymbolName || r.addend != weak.Addend {
			weakIndex++
			weak = Import{
				Index:      weakIndex,
				LibOrdinal: OrdinalWeakLookup,
				SymbolName: r.symbol,
				Addend:     r.addend,
			}
		}
		return weakFn(weak, r)
	})
}

// ForEachBindTarget visits each distinct regular and lazy bind target in
// table order, then each weak override target.
func (o *Opcodes) ForEachBindTarget(fn ImportFunc, weakFn ImportFunc) error {
	last, lastWeak := -1, -1
	return o.forEachBindSite(func(imp Import, _ bindRecord) error {
		if imp.Index == last {
			return nil
		}
		last = imp.Index
		return fn(imp)
	}, func(imp Import, _ bindRecord) error {
		if imp.Index == lastWeak {
			return nil
		}
		lastWeak = imp.Index
		if weakFn == nil {
			return nil
		}
		return weakFn(imp)
	})
}

// ForEachFixup visits rebases, then regular and lazy binds, then weak binds.
func (o *Opcodes) ForEachFixup(segments [][]byte, fn FixupFunc) error {
	if err := o.forEachRebase(func(seg int, off uint64) error {
		if err := checkSlot(segments, seg, off, o.ptrSize); err != nil {
			return err
		}
		return fn(Fixup{Kind: Rebase, SegIndex: seg, SegOffset: off})
	}); err != nil {
		return err
	}
	site := func(kind Kind) func(Import, bindRecord) error {
		return func(imp Import, r bindRecord) error {
			if err := checkSlot(segments, r.segIndex, r.segOffset, o.ptrSize); err != nil {
				return err
			}
			return fn(Fixup{Kind: kind, SegIndex: r.segIndex, SegOffset: r.segOffset, TargetIndex: imp.Index})
		}
	}
	return o.forEachBindSite(site(Bind), site(WeakBind))
}
