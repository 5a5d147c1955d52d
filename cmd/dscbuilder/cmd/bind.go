/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/apex/log"
	"github.com/blacktop/dscbuilder/internal/colors"
	"github.com/blacktop/dscbuilder/internal/config"
	"github.com/blacktop/dscbuilder/internal/layout"
	"github.com/blacktop/dscbuilder/internal/output"
	"github.com/blacktop/dscbuilder/internal/utils"
	"github.com/blacktop/dscbuilder/pkg/cache"
	"github.com/blacktop/dscbuilder/pkg/loader"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(bindCmd)
	bindCmd.Flags().StringP("output", "o", "", "Directory to write the rewritten segments and JSON to")
	bindCmd.Flags().IntP("workers", "j", 0, "Number of dylibs to process at once (default is the number of CPUs)")
	bindCmd.Flags().String("base", "", "Override the manifest's cache base address")
	bindCmd.Flags().Bool("no-json", false, "Do not write patch_info.json and report.json")
	bindCmd.Flags().Bool("no-progress", false, "Do not show progress bars")
	bindCmd.MarkFlagDirname("output")
	viper.BindPFlag("output.dir", bindCmd.Flags().Lookup("output"))
	viper.BindPFlag("workers", bindCmd.Flags().Lookup("workers"))
	viper.BindPFlag("bind.base", bindCmd.Flags().Lookup("base"))
	viper.BindPFlag("bind.no-json", bindCmd.Flags().Lookup("no-json"))
	viper.BindPFlag("bind.no-progress", bindCmd.Flags().Lookup("no-progress"))
}

func newBar(p *mpb.Progress, name string, total int) *mpb.Bar {
	if p == nil {
		return nil
	}
	return p.New(int64(total),
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: 14, C: decor.DindentRight | decor.DextraSpace}),
			decor.OnComplete(
				decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ ",
			),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d/%d"),
			decor.Name(" ] "),
		),
	)
}

// finish lets p.Wait return when some dylibs skipped a phase.
func finish(bars ...*mpb.Bar) {
	for _, bar := range bars {
		if bar != nil && !bar.Completed() {
			bar.Abort(false)
		}
	}
}

func loadDylibs(ctx context.Context, m *layout.Manifest, workers int, bar *mpb.Bar) ([]*cache.InputDylib, error) {
	inputs := make([]*cache.InputDylib, len(m.Dylibs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, d := range m.Dylibs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			in, err := loader.Open(d.Path)
			if err != nil {
				return err
			}
			inputs[i] = in
			if bar != nil {
				bar.Increment()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

func printSummary(r *cache.Report, sum *output.Summary, dir string) {
	fmt.Println(colors.Header("Bind Summary"))
	var total cache.RewriteStats
	for _, res := range r.Results {
		total.Rebases += res.Stats.Rebases
		total.Binds += res.Stats.Binds
		total.AbsoluteBinds += res.Stats.AbsoluteBinds
		total.GOTBinds += res.Stats.GOTBinds
		fmt.Printf("%s%-6s %s\t%s\n", utils.Pad(2), colors.Status(res.Err != nil), colors.Dylib(res.InstallName),
			colors.Faint("%s targets, %s binds, %s rebases", humanize.Comma(int64(res.BindTargets)), humanize.Comma(int64(res.Stats.Binds)), humanize.Comma(int64(res.Stats.Rebases))))
	}
	if len(r.Unresolved) > 0 {
		fmt.Println(colors.Header("Unresolved Symbols"))
		for _, u := range r.Unresolved {
			fmt.Printf("%s%s\t%s\n", utils.Pad(2), colors.Symbol(u.Symbol), colors.Faint("%s, from %s", u.Kind, u.ReferencedFrom))
		}
	}
	log.WithFields(log.Fields{
		"rebases":  humanize.Comma(int64(total.Rebases)),
		"binds":    humanize.Comma(int64(total.Binds)),
		"absolute": humanize.Comma(int64(total.AbsoluteBinds)),
		"got":      humanize.Comma(int64(total.GOTBinds)),
	}).Info("Rewrote fixups")
	if sum != nil {
		log.Infof("Wrote %d files (%s) to %s", sum.Files, humanize.Bytes(sum.Bytes), dir)
	}
	if n := len(r.Failed()); n > 0 {
		log.Warn(colors.Warn(n, "dylibs failed to bind"))
		for _, res := range r.Results {
			if res.Err != nil {
				utils.Indent(log.Error, 2)(fmt.Sprintf("%s: %s", res.InstallName, colors.Error(res.Err)))
			}
		}
	}
}

// bindCmd represents the bind command
var bindCmd = &cobra.Command{
	Use:           "bind <LAYOUT>",
	Aliases:       []string{"b"},
	Short:         "Resolve symbols and rewrite fixups for the dylibs in a cache layout",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		noProgress := viper.GetBool("bind.no-progress")

		m, err := layout.Load(args[0])
		if err != nil {
			return err
		}
		lay := m.Layout()
		if m.Is64 == nil {
			lay.Is64 = conf.Cache.Is64
		}
		base := conf.Cache.BaseAddress
		if s := viper.GetString("bind.base"); len(s) > 0 {
			if base, err = utils.ConvertStrToInt(s); err != nil {
				return fmt.Errorf("invalid --base %q: %v", s, err)
			}
		}
		if base != 0 && base != lay.CacheBaseAddress {
			log.Warnf("Overriding manifest cache base %#x with %#x", lay.CacheBaseAddress, base)
			m.CacheBase = layout.Address(base)
			if err := m.Validate(); err != nil {
				return err
			}
			lay.CacheBaseAddress = base
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var p *mpb.Progress
		if !noProgress {
			p = mpb.NewWithContext(ctx, mpb.WithWidth(80))
		}
		n := len(m.Dylibs)
		loadBar := newBar(p, "load", n)
		bindBar := newBar(p, "bind targets", n)
		rewriteBar := newBar(p, "rewrite", n)
		wait := func() {
			if p != nil {
				finish(loadBar, bindBar, rewriteBar)
				p.Wait()
			}
		}

		log.WithField("manifest", args[0]).Debugf("Loading %d dylibs", n)
		inputs, err := loadDylibs(ctx, m, conf.Workers, loadBar)
		if err != nil {
			wait()
			return err
		}
		dylibs, err := m.Place(inputs)
		if err != nil {
			wait()
			return err
		}

		b, err := cache.NewBuilder(dylibs, cache.Options{
			Workers:  conf.Workers,
			MemoSize: conf.Cache.ExportCacheSize,
			Layout:   lay,
			GOTs:     m.CoalescedGOTs(),
			OnProgress: func(phase cache.Phase, d *cache.CacheDylib, err error) {
				bar := bindBar
				if phase == cache.PhaseRewrite {
					bar = rewriteBar
				}
				if bar != nil {
					bar.Increment()
				}
				if err != nil {
					log.WithField("phase", phase.String()).Debugf("%s: %v", d.InstallName(), err)
				}
			},
		})
		if err != nil {
			wait()
			return err
		}
		report, err := b.Build(ctx)
		wait()
		if err != nil {
			return err
		}

		sum, err := output.Write(conf.Output.Dir, dylibs, report, !conf.Output.JSON || viper.GetBool("bind.no-json"))
		if err != nil {
			return err
		}
		printSummary(report, sum, conf.Output.Dir)

		if failed := report.Failed(); len(failed) > 0 {
			return fmt.Errorf("%d of %d dylibs failed to bind", len(failed), n)
		}
		return nil
	},
}
