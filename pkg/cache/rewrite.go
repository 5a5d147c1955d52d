package cache

import (
	"github.com/apex/log"
	"github.com/blacktop/dscbuilder/pkg/fixups"
	"github.com/pkg/errors"
)

type rewriter struct {
	d      *CacheDylib
	layout Layout
	gots   CoalescedGOTs
}

// Rewrite replaces every fixup slot of d with its cache pointer encoding and
// records the uses of each bind target in d.PatchInfo. BuildBindTargets must
// have succeeded for d. Pending rebase targets are cleared afterwards.
func Rewrite(d *CacheDylib, layout Layout, gots CoalescedGOTs) error {
	if d.PatchInfo == nil {
		d.PatchInfo = NewPatchInfo()
	}
	d.PatchInfo.resize(len(d.BindTargets))
	d.FunctionVariantFixups = d.FunctionVariantFixups[:0]
	d.Stats = RewriteStats{}

	defer func() {
		for _, seg := range d.Segments {
			seg.RebaseTargets.Clear()
		}
	}()

	if d.Input.Fixups == nil {
		return nil
	}

	rw := &rewriter{d: d, layout: layout, gots: gots}
	buffers := make([][]byte, len(d.Segments))
	for i, seg := range d.Segments {
		buffers[i] = seg.Buffer
	}

	var visit fixups.FixupFunc
	switch d.Input.Fixups.(type) {
	case *fixups.Chained:
		visit = rw.chained
	default:
		visit = rw.opcode
	}
	if err := d.Input.Fixups.ForEachFixup(buffers, visit); err != nil {
		return &DylibError{InstallName: d.InstallName(), Errs: []error{fixupError(d, err)}}
	}

	log.WithFields(log.Fields{
		"dylib":   d.InstallName(),
		"rebases": d.Stats.Rebases,
		"binds":   d.Stats.Binds,
		"got":     d.Stats.GOTBinds,
	}).Debug("rewrote fixups")
	return nil
}

func (rw *rewriter) segment(f fixups.Fixup) (*SegmentChunk, error) {
	if f.SegIndex < 0 || f.SegIndex >= len(rw.d.Segments) {
		return nil, errors.Wrapf(fixups.ErrMalformed, "segment index %d out of range", f.SegIndex)
	}
	return rw.d.Segments[f.SegIndex], nil
}

func (rw *rewriter) addressError(f fixups.Fixup, seg *SegmentChunk, err error) error {
	return &SymbolError{
		Kind:  AddressOutOfRange,
		Dylib: rw.d.InstallName(),
		Err:   errors.Wrapf(err, "%s+%#x", seg.Name, f.SegOffset),
	}
}

// chained handles a location from LC_DYLD_CHAINED_FIXUPS.
func (rw *rewriter) chained(f fixups.Fixup) error {
	seg, err := rw.segment(f)
	if err != nil {
		return err
	}
	switch f.Kind {
	case fixups.Rebase:
		return rw.chainedRebase(f, seg)
	case fixups.Bind:
		if f.TargetIndex < 0 || f.TargetIndex >= len(rw.d.BindTargets) {
			return &SymbolError{
				Kind:    BadBindOrdinal,
				Dylib:   rw.d.InstallName(),
				Ordinal: f.TargetIndex,
				Err:     errors.Errorf("bind ordinal %d with %d bind targets", f.TargetIndex, len(rw.d.BindTargets)),
			}
		}
		target := rw.d.BindTargets[f.TargetIndex]
		return rw.bind(f, seg, target, target.bindAddend()+f.Addend, f.TargetIndex, f.PMD)
	}
	return errors.Wrapf(fixups.ErrMalformed, "unexpected %s in a chain", f.Kind)
}

func (rw *rewriter) chainedRebase(f fixups.Fixup, seg *SegmentChunk) error {
	d := rw.d
	if rw.layout.Is64 {
		target, ok := seg.RebaseTargets.HasRebaseTarget64(f.SegOffset)
		high8 := f.PMD.High8
		if !ok {
			var runtimeOffset uint64
			runtimeOffset, high8 = splitHigh8(f.Pointer.RebaseTarget(d.Input.LoadAddress))
			if f.PMD.Authenticated {
				high8 = 0
			}
			addr, err := d.Adjustor.AdjustVMAddr(d.Input.LoadAddress + runtimeOffset)
			if err != nil {
				return rw.addressError(f, seg, err)
			}
			target = addr
		}
		v, err := EncodeCache64(rw.layout.CacheBaseAddress, target, high8, f.PMD)
		if err != nil {
			return rw.addressError(f, seg, err)
		}
		if err := writeSlot(seg, f.SegOffset, v, true); err != nil {
			return err
		}
	} else {
		target, ok := seg.RebaseTargets.HasRebaseTarget32(f.SegOffset)
		addr := uint64(target)
		if !ok {
			var err error
			addr, err = d.Adjustor.AdjustVMAddr(d.Input.LoadAddress + f.Pointer.RebaseTarget(d.Input.LoadAddress))
			if err != nil {
				return rw.addressError(f, seg, err)
			}
		}
		v, err := EncodeCache32(rw.layout.CacheBaseAddress, addr)
		if err != nil {
			return rw.addressError(f, seg, err)
		}
		if err := writeSlot(seg, f.SegOffset, uint64(v), false); err != nil {
			return err
		}
	}
	seg.Tracker.Add(f.SegOffset)
	d.Stats.Rebases++
	return nil
}

// opcode handles a location from the dyld info opcode streams. Rebase slots
// hold an unslid input vmaddr.
func (rw *rewriter) opcode(f fixups.Fixup) error {
	seg, err := rw.segment(f)
	if err != nil {
		return err
	}
	d := rw.d
	switch f.Kind {
	case fixups.Rebase:
		raw, err := readSlot(seg, f.SegOffset, rw.layout.Is64)
		if err != nil {
			return err
		}
		vmAddr, high8 := splitHigh8(raw)
		if !rw.layout.Is64 {
			high8 = 0
		}
		addr, err := d.Adjustor.AdjustVMAddr(vmAddr)
		if err != nil {
			return rw.addressError(f, seg, err)
		}
		var v uint64
		if rw.layout.Is64 {
			v, err = EncodeCache64(rw.layout.CacheBaseAddress, addr, high8, fixups.PointerMetaData{})
		} else {
			var v32 uint32
			v32, err = EncodeCache32(rw.layout.CacheBaseAddress, addr)
			v = uint64(v32)
		}
		if err != nil {
			return rw.addressError(f, seg, err)
		}
		if err := writeSlot(seg, f.SegOffset, v, rw.layout.Is64); err != nil {
			return err
		}
		seg.Tracker.Add(f.SegOffset)
		d.Stats.Rebases++
		return nil
	case fixups.Bind, fixups.WeakBind:
		index := f.TargetIndex
		if f.Kind == fixups.WeakBind {
			start, ok := d.WeakBindTargetsStart()
			if !ok {
				return errors.Wrap(fixups.ErrMalformed, "weak bind without weak bind targets")
			}
			index += start
		}
		if index < 0 || index >= len(d.BindTargets) {
			return &SymbolError{
				Kind:    BadBindOrdinal,
				Dylib:   d.InstallName(),
				Ordinal: index,
				Err:     errors.Errorf("bind ordinal %d with %d bind targets", index, len(d.BindTargets)),
			}
		}
		target := d.BindTargets[index]
		return rw.bind(f, seg, target, target.bindAddend(), index, fixups.PointerMetaData{})
	}
	return errors.Wrapf(fixups.ErrMalformed, "unexpected fixup kind %s", f.Kind)
}

// bind writes one bind location and records its use for the patch table.
func (rw *rewriter) bind(f fixups.Fixup, seg *SegmentChunk, target BindTarget, addend int64, ordinal int, pmd fixups.PointerMetaData) error {
	d := rw.d
	is64 := rw.layout.Is64
	fixupVMAddr := seg.CacheVMAddr + f.SegOffset
	d.Stats.Binds++

	switch t := target.(type) {
	case Absolute:
		value := t.Value + uint64(addend)
		if gotAddr, kind, ok := rw.gots.Lookup(fixupVMAddr); ok {
			d.PatchInfo.addGOTUse(kind, ordinal, GOTUse{
				PatchableLocation: PatchableLocation{CacheVMAddr: gotAddr, PMD: pmd, Addend: uint64(addend), WeakImport: t.WeakImport},
				TargetVMOffset:    value,
			})
		}
		if err := writeSlot(seg, f.SegOffset, value, is64); err != nil {
			return err
		}
		seg.Tracker.Remove(f.SegOffset)
		d.Stats.AbsoluteBinds++
		return nil

	case CacheImage:
		final := t.VMAddr() + uint64(addend)
		if is64 {
			addr, high8 := splitHigh8(final)
			if pmd.Authenticated {
				high8 = 0
			}
			v, err := EncodeCache64(rw.layout.CacheBaseAddress, addr, high8, pmd)
			if err != nil {
				return rw.addressError(f, seg, err)
			}
			if err := writeSlot(seg, f.SegOffset, v, true); err != nil {
				return err
			}
		} else {
			v, err := EncodeCache32(rw.layout.CacheBaseAddress, final)
			if err != nil {
				return rw.addressError(f, seg, err)
			}
			if err := writeSlot(seg, f.SegOffset, uint64(v), false); err != nil {
				return err
			}
		}
		seg.Tracker.Add(f.SegOffset)

		// the patch table keeps high8 in the location, not the addend
		patchPMD := pmd
		patchAddend, high8 := splitHigh8(uint64(addend))
		if high8 != 0 {
			patchPMD.High8 = high8
		}
		loc := PatchableLocation{CacheVMAddr: fixupVMAddr, PMD: patchPMD, Addend: patchAddend, WeakImport: t.WeakImport}

		if gotAddr, kind, ok := rw.gots.Lookup(fixupVMAddr); ok {
			loc.CacheVMAddr = gotAddr
			d.PatchInfo.addGOTUse(kind, ordinal, GOTUse{
				PatchableLocation: loc,
				TargetVMOffset:    final - rw.layout.CacheBaseAddress,
			})
			// the coalesced slot is written once by the GOT owner
			if err := writeSlot(seg, f.SegOffset, 0, is64); err != nil {
				return err
			}
			seg.Tracker.Remove(f.SegOffset)
			d.Stats.GOTBinds++
		} else {
			d.PatchInfo.addUse(ordinal, loc)
		}

		if t.IsFunctionVariant {
			rw.functionVariant(fixupVMAddr, t, pmd)
		}
		return nil
	}
	return errors.Errorf("unknown bind target %T", target)
}

func (rw *rewriter) functionVariant(fixupVMAddr uint64, t CacheImage, pmd fixups.PointerMetaData) {
	fv := FunctionVariantFixup{
		FixupVMAddr:       fixupVMAddr,
		TargetInstallName: t.Target.InstallName(),
		VariantIndex:      t.VariantIndex,
		PMD:               pmd,
	}
	if tbl := t.Target.Input.FunctionVariants; tbl != nil {
		addr, err := t.Target.Adjustor.AdjustVMAddr(t.Target.Input.LoadAddress + tbl.Offset)
		if err == nil {
			fv.VariantTableVMAddr = addr
			fv.VariantTableSize = tbl.Size
		} else {
			log.WithError(err).WithField("dylib", t.Target.InstallName()).Warn("function variant table is outside the dylib")
		}
	} else {
		log.WithField("dylib", t.Target.InstallName()).Warn("function variant export without a variant table")
	}
	rw.d.FunctionVariantFixups = append(rw.d.FunctionVariantFixups, fv)
}
