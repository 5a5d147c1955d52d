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
	"encoding/json"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/dscbuilder/internal/colors"
	"github.com/blacktop/dscbuilder/internal/utils"
	"github.com/blacktop/dscbuilder/pkg/loader"
	"github.com/blacktop/dscbuilder/pkg/trie"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(exportsCmd)
	exportsCmd.Flags().StringP("symbol", "s", "", "Look up a single exported symbol")
	exportsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	viper.BindPFlag("exports.symbol", exportsCmd.Flags().Lookup("symbol"))
	viper.BindPFlag("exports.json", exportsCmd.Flags().Lookup("json"))
}

type exportJSON struct {
	Name     string `json:"name"`
	Flags    string `json:"flags"`
	Value    string `json:"value,omitempty"`
	Resolver string `json:"resolver,omitempty"`
	Ordinal  uint64 `json:"reexport_ordinal,omitempty"`
	Import   string `json:"import_name,omitempty"`
	Variant  uint64 `json:"variant_index,omitempty"`
}

func newExportJSON(n *trie.Node) exportJSON {
	e := exportJSON{Name: n.Name, Flags: n.Flags.String()}
	switch {
	case n.Flags.ReExport():
		e.Ordinal = n.Ordinal
		e.Import = n.ImportName
	case n.Flags.StubAndResolver():
		e.Value = fmt.Sprintf("%#x", n.Value)
		e.Resolver = fmt.Sprintf("%#x", n.Resolver)
	default:
		e.Value = fmt.Sprintf("%#x", n.Value)
		if n.Flags.FunctionVariant() {
			e.Variant = n.VariantIndex
		}
	}
	return e
}

func printExport(n *trie.Node) {
	switch {
	case n.Flags.ReExport():
		from := fmt.Sprintf("re-exported from dylib #%d", n.Ordinal)
		if n.ImportName != "" && n.ImportName != n.Name {
			from += " as " + colors.Symbol(n.ImportName)
		}
		fmt.Printf("%s%s\t%s\n", utils.Pad(12), colors.Symbol(n.Name), colors.Faint("%s [%s]", from, n.Flags))
	case n.Flags.StubAndResolver():
		fmt.Printf("%s: %s\t%s\n", colors.Addr(n.Value, 8), colors.Symbol(n.Name), colors.Faint("resolver %#x [%s]", n.Resolver, n.Flags))
	default:
		fmt.Printf("%s: %s\t%s\n", colors.Addr(n.Value, 8), colors.Symbol(n.Name), colors.Faint("[%s]", n.Flags))
	}
}

// exportsCmd represents the exports command
var exportsCmd = &cobra.Command{
	Use:           "exports <DYLIB>",
	Aliases:       []string{"e"},
	Short:         "Dump a dylib's export trie",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		symbol := viper.GetString("exports.symbol")
		asJSON := viper.GetBool("exports.json")

		in, err := loader.Open(args[0])
		if err != nil {
			return err
		}

		if len(symbol) > 0 {
			n, err := trie.Lookup(in.ExportTrie, symbol)
			if err != nil {
				return fmt.Errorf("failed to look up %s: %v", symbol, err)
			}
			if n == nil {
				return fmt.Errorf("%s does not export %s", in.InstallName, symbol)
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(newExportJSON(n))
			}
			printExport(n)
			return nil
		}

		var nodes []*trie.Node
		if err := trie.Walk(in.ExportTrie, func(n *trie.Node) error {
			nodes = append(nodes, n)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to walk export trie of %s: %v", in.InstallName, err)
		}

		if asJSON {
			out := make([]exportJSON, 0, len(nodes))
			for _, n := range nodes {
				out = append(out, newExportJSON(n))
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		log.Infof("%s exports %s symbols (%s trie)", colors.Dylib(in.InstallName), humanize.Comma(int64(len(nodes))), humanize.Bytes(uint64(len(in.ExportTrie))))
		for _, n := range nodes {
			printExport(n)
		}
		return nil
	},
}
