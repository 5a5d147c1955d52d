package cache

import (
	"context"
	"runtime"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Phase of a Build.
type Phase uint8

const (
	PhaseBindTargets Phase = iota
	PhaseRewrite
)

func (p Phase) String() string {
	if p == PhaseBindTargets {
		return "bind targets"
	}
	return "rewrite"
}

// Options configures a Builder.
type Options struct {
	// Workers bounds the dylibs processed at once. Zero means GOMAXPROCS.
	Workers  int
	MemoSize int
	Layout   Layout
	GOTs     CoalescedGOTs
	// OnProgress is called after each dylib finishes a phase. Calls are
	// serialized.
	OnProgress func(phase Phase, d *CacheDylib, err error)
}

// Builder runs symbol resolution and fixup rewriting over every cache dylib.
type Builder struct {
	dylibs   []*CacheDylib
	resolver *Resolver
	opts     Options

	progressMu sync.Mutex
}

// NewBuilder links dylibs into a roster and prepares the resolver.
func NewBuilder(dylibs []*CacheDylib, opts Options) (*Builder, error) {
	if err := Link(dylibs); err != nil {
		return nil, err
	}
	if opts.MemoSize == 0 {
		opts.MemoSize = DefaultMemoSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	r, err := NewResolver(dylibs, opts.MemoSize)
	if err != nil {
		return nil, err
	}
	return &Builder{dylibs: dylibs, resolver: r, opts: opts}, nil
}

// Resolver returns the resolver over the builder's roster.
func (b *Builder) Resolver() *Resolver {
	return b.resolver
}

func (b *Builder) progress(phase Phase, d *CacheDylib, err error) {
	if b.opts.OnProgress == nil {
		return
	}
	b.progressMu.Lock()
	defer b.progressMu.Unlock()
	b.opts.OnProgress(phase, d, err)
}

// Build computes every dylib's bind targets, then rewrites the fixups of the
// dylibs whose targets all resolved. The second phase starts only when the
// first has finished for every dylib, since rewriting reads the cache layout
// of the targets. The returned error is non-nil only if ctx is done; dylib
// failures are in the Report.
func (b *Builder) Build(ctx context.Context) (*Report, error) {
	errs := make([]error, len(b.dylibs))

	run := func(phase Phase, fn func(*CacheDylib) error) error {
		var g errgroup.Group
		g.SetLimit(b.opts.Workers)
		for i, d := range b.dylibs {
			if errs[i] != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				g.Wait()
				return err
			}
			g.Go(func() error {
				errs[i] = fn(d)
				b.progress(phase, d, errs[i])
				return nil
			})
		}
		g.Wait()
		return ctx.Err()
	}

	if err := run(PhaseBindTargets, func(d *CacheDylib) error {
		return BuildBindTargets(d, b.resolver)
	}); err != nil {
		return nil, errors.Wrap(err, "bind target phase interrupted")
	}
	if err := run(PhaseRewrite, func(d *CacheDylib) error {
		return Rewrite(d, b.opts.Layout, b.opts.GOTs)
	}); err != nil {
		return nil, errors.Wrap(err, "rewrite phase interrupted")
	}

	report := newReport(b.dylibs, errs)
	log.WithFields(log.Fields{
		"dylibs": len(b.dylibs),
		"failed": len(report.Failed()),
	}).Debug("bind finished")
	return report, nil
}
