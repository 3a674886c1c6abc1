package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/abramin/tracelens/internal/index"
)

var (
	compileProxies []string
	compileFormat  string
)

var compileCmd = &cobra.Command{
	Use:   "compile <trace> [out]",
	Short: "Compile a callgrind trace into a binary index",
	Long: `Parse a callgrind trace and write its function table as a binary index.

The index is written to a temporary file and renamed into place, so a
failed compile never leaves a partial index behind. Gzip-compressed
traces are read transparently.

Without an output path the index goes to the storage directory, named
after the trace with the configured suffix.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		format := cfg.Index.Format
		if compileFormat != "" {
			format = compileFormat
		}
		layout, err := index.LayoutByName(format)
		if err != nil {
			return err
		}
		proxies := cfg.ProxyFunctions
		if cmd.Flags().Changed("proxy") {
			proxies = compileProxies
		}

		out := cfg.CompiledPath(args[0])
		if len(args) > 1 {
			out = args[1]
		}
		if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}

		compiler := index.NewCompiler(
			index.WithLayout(layout),
			index.WithProxies(proxies),
			index.WithLogger(logger),
		)
		result, err := compiler.Compile(args[0], out)
		if err != nil {
			return fmt.Errorf("compile failed: %w", err)
		}

		fmt.Printf("Compiled %s\n", result.Source)
		fmt.Printf("  Functions: %d\n", result.Functions)
		fmt.Printf("  Edges:     %d\n", result.Edges)
		fmt.Printf("  Format:    %s (v%d)\n", layout.Name, layout.Version)
		fmt.Printf("  Size:      %s\n", humanize.Bytes(uint64(result.Bytes)))
		fmt.Printf("  Duration:  %s\n", result.Duration.Round(time.Millisecond))
		fmt.Printf("  Index:     %s\n", result.Dest)
		if result.Command != "" {
			fmt.Printf("  Command:   %s\n", result.Command)
		}
		return nil
	},
}

func init() {
	compileCmd.Flags().StringSliceVar(&compileProxies, "proxy", nil, "functions to splice out of the call graph (overrides config)")
	compileCmd.Flags().StringVar(&compileFormat, "format", "", "index format: compact or wide (overrides config)")
	rootCmd.AddCommand(compileCmd)
}
