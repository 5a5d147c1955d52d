package cache

import (
	"github.com/apex/log"
	"github.com/blacktop/dscbuilder/pkg/fixups"
)

// BuildBindTargets resolves every import of d into d.BindTargets, in table
// order. Per-symbol failures are collected and returned together as a
// *DylibError once the scan is done. Structural errors end the scan early.
func BuildBindTargets(d *CacheDylib, r *Resolver) error {
	d.BindTargets = d.BindTargets[:0]
	d.weakBindTargetsStart = -1
	d.PatchInfo = NewPatchInfo()

	if d.Input.Fixups == nil {
		return nil
	}

	var errs []error
	add := func(imp fixups.Import) error {
		target, err := bindTarget(d, r, imp)
		if err != nil {
			if se, ok := asSymbolError(err); ok && se.Kind.Structural() {
				return err
			}
			errs = append(errs, err)
			// keep ordinals aligned with the import table
			target = Absolute{Addend: imp.Addend, WeakImport: imp.WeakImport}
		}
		d.BindTargets = append(d.BindTargets, target)
		d.PatchInfo.BindTargetNames = append(d.PatchInfo.BindTargetNames, imp.SymbolName)
		return nil
	}
	weak := func(imp fixups.Import) error {
		if d.weakBindTargetsStart < 0 {
			d.weakBindTargetsStart = len(d.BindTargets)
		}
		return add(imp)
	}

	if err := d.Input.Fixups.ForEachBindTarget(add, weak); err != nil {
		errs = append(errs, fixupError(d, err))
	}

	log.WithFields(log.Fields{
		"dylib":   d.InstallName(),
		"targets": len(d.BindTargets),
		"errors":  len(errs),
	}).Debug("calculated bind targets")

	if len(errs) > 0 {
		return &DylibError{InstallName: d.InstallName(), Errs: errs}
	}
	return nil
}

func bindTarget(d *CacheDylib, r *Resolver, imp fixups.Import) (BindTarget, error) {
	sym, err := r.Resolve(d, imp.LibOrdinal, imp.SymbolName, imp.WeakImport)
	if err != nil {
		return nil, err
	}
	switch s := sym.(type) {
	case Absolute:
		s.Addend = imp.Addend
		s.WeakImport = imp.WeakImport
		return s, nil
	case ResolvedInput:
		addr, err := s.Target.Adjustor.AdjustVMAddr(s.Target.Input.LoadAddress + s.InputOffset)
		if err != nil {
			return nil, &SymbolError{
				Kind:     AddressOutOfRange,
				Dylib:    d.InstallName(),
				Symbol:   imp.SymbolName,
				Ordinal:  imp.LibOrdinal,
				Expected: s.Target.InstallName(),
				Err:      err,
			}
		}
		return CacheImage{
			Target:            s.Target,
			CacheOffset:       addr - s.Target.CacheLoadAddress,
			Addend:            imp.Addend,
			WeakDef:           s.WeakDef,
			WeakImport:        imp.WeakImport,
			IsFunctionVariant: s.IsFunctionVariant,
			VariantIndex:      s.VariantIndex,
		}, nil
	}
	return nil, &SymbolError{Kind: SymbolNotFound, Dylib: d.InstallName(), Symbol: imp.SymbolName, Ordinal: imp.LibOrdinal}
}
