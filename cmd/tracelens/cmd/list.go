package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the traces in the trace directory",
	Long: `Scan the configured trace directory and list every trace file,
newest first, with its size, invoking command and whether a current
compiled index exists for it.

Listing also prunes compiled indexes whose trace was removed or rewritten.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, closeAll, err := openManager(nil)
		if err != nil {
			return err
		}
		defer closeAll()

		traces, err := mgr.Traces()
		if err != nil {
			return err
		}
		if len(traces) == 0 {
			fmt.Printf("No traces found in %s\n", GetConfig().TraceDir)
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Name", "Size", "Modified", "Invoke URL", "Compiled"})
		table.SetAutoWrapText(false)
		for _, tr := range traces {
			compiled := "no"
			if tr.Compiled() {
				compiled = fmt.Sprintf("yes (%d functions)", tr.FunctionCount)
			}
			table.Append([]string{
				tr.Name,
				humanize.Bytes(uint64(tr.Size)),
				humanize.Time(tr.ModTime),
				tr.InvokeURL,
				compiled,
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
