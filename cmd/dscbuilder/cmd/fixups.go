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
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/dscbuilder/internal/colors"
	"github.com/blacktop/dscbuilder/internal/utils"
	"github.com/blacktop/dscbuilder/pkg/fixups"
	"github.com/blacktop/dscbuilder/pkg/loader"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(fixupsCmd)
	fixupsCmd.Flags().BoolP("targets", "t", true, "List bind targets")
	fixupsCmd.Flags().BoolP("count", "c", true, "Count fixup locations by kind")
	viper.BindPFlag("fixups.targets", fixupsCmd.Flags().Lookup("targets"))
	viper.BindPFlag("fixups.count", fixupsCmd.Flags().Lookup("count"))
}

func printImport(imp fixups.Import) {
	var detail string
	if imp.Addend != 0 {
		detail += fmt.Sprintf(" + %#x", imp.Addend)
	}
	if imp.WeakImport {
		detail += " (weak)"
	}
	if imp.LazyBind {
		detail += " (lazy)"
	}
	fmt.Printf("%6d: %s%s\t%s\n", imp.Index, colors.Symbol(imp.SymbolName), detail, colors.Faint("%s", fixups.OrdinalName(imp.LibOrdinal)))
}

// fixupsCmd represents the fixups command
var fixupsCmd = &cobra.Command{
	Use:           "fixups <DYLIB>",
	Aliases:       []string{"f"},
	Short:         "List a dylib's bind targets and fixups",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := loader.Open(args[0])
		if err != nil {
			return err
		}
		if in.Fixups == nil {
			log.Warnf("%s has no fixups", in.InstallName)
			return nil
		}

		if viper.GetBool("fixups.targets") {
			if len(in.Dependencies) > 0 {
				fmt.Println(colors.Header("Dependencies"))
				for i, dep := range in.Dependencies {
					fmt.Printf("%6d: %s\t%s\n", i+1, colors.Dylib(dep.InstallName), colors.Faint("%s", dep.Kind))
				}
			}
			var targets, weak []fixups.Import
			if err := in.Fixups.ForEachBindTarget(func(imp fixups.Import) error {
				targets = append(targets, imp)
				return nil
			}, func(imp fixups.Import) error {
				weak = append(weak, imp)
				return nil
			}); err != nil {
				return fmt.Errorf("failed to read bind targets of %s: %v", in.InstallName, err)
			}
			fmt.Println(colors.Header("Bind Targets"))
			for _, imp := range targets {
				printImport(imp)
			}
			if len(weak) > 0 {
				fmt.Println(colors.Header("Weak Binds"))
				for _, imp := range weak {
					printImport(imp)
				}
			}
		}

		if viper.GetBool("fixups.count") {
			segs := make([][]byte, len(in.Segments))
			for i, seg := range in.Segments {
				segs[i] = seg.Data
			}
			counts := make(map[fixups.Kind]int)
			perSeg := make(map[int]int)
			if err := in.Fixups.ForEachFixup(segs, func(f fixups.Fixup) error {
				counts[f.Kind]++
				perSeg[f.SegIndex]++
				return nil
			}); err != nil {
				return fmt.Errorf("failed to walk fixups of %s: %v", in.InstallName, err)
			}
			fmt.Println(colors.Header("Fixups"))
			for _, k := range []fixups.Kind{fixups.Rebase, fixups.Bind, fixups.WeakBind} {
				if counts[k] > 0 {
					fmt.Printf("%s%-10s %s\n", utils.Pad(2), k, humanize.Comma(int64(counts[k])))
				}
			}
			for i, seg := range in.Segments {
				if perSeg[i] > 0 {
					fmt.Printf("%s%-10s %s\n", utils.Pad(2), seg.Name, colors.Faint("%s locations", humanize.Comma(int64(perSeg[i]))))
				}
			}
		}
		return nil
	},
}
