package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/abramin/tracelens/internal/index"
	"github.com/abramin/tracelens/internal/report"
)

var (
	inspectFormat   string
	inspectFunction int
	inspectHeaders  bool
	inspectLimit    int
	inspectPercent  bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <index>",
	Short: "Print the contents of a compiled index",
	Long: `Read a compiled index and print its function table.

By default functions are listed by self cost, most expensive first.
With --function the callers and callees of one function are shown
instead, and --headers prints the trace header block.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		format := cfg.Index.Format
		if inspectFormat != "" {
			format = inspectFormat
		}
		layout, err := index.LayoutByName(format)
		if err != nil {
			return err
		}
		r, err := index.Open(args[0], layout)
		if err != nil {
			return err
		}
		defer r.Close()

		costFormat := report.CostFormat(cfg.Report.CostFormat)
		if inspectPercent {
			costFormat = report.Percent
		}

		switch {
		case inspectHeaders:
			return printHeaders(r)
		case inspectFunction >= 0:
			return printFunction(r, inspectFunction, costFormat)
		default:
			return printFunctions(r, report.Options{
				HideInternals:  cfg.Report.HideInternals,
				InternalPrefix: cfg.Report.InternalPrefix,
				ShowFraction:   cfg.Report.ShowFraction,
				Format:         costFormat,
			})
		}
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "", "index format: compact or wide (overrides config)")
	inspectCmd.Flags().IntVar(&inspectFunction, "function", -1, "show callers and callees of this function index")
	inspectCmd.Flags().BoolVar(&inspectHeaders, "headers", false, "print the trace headers")
	inspectCmd.Flags().IntVar(&inspectLimit, "limit", 0, "show at most this many functions (0 for all)")
	inspectCmd.Flags().BoolVar(&inspectPercent, "percent", false, "show costs as a percentage of the summary")
	rootCmd.AddCommand(inspectCmd)
}

func printHeaders(r *index.Reader) error {
	headers, err := r.Headers()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Value"})
	table.SetAutoWrapText(false)
	for _, k := range keys {
		table.Append([]string{k, headers[k]})
	}
	table.Render()
	return nil
}

func printFunctions(r *index.Reader, opts report.Options) error {
	list, err := report.Functions(r, opts)
	if err != nil {
		return err
	}

	rows := list.Functions
	if inspectLimit > 0 && len(rows) > inspectLimit {
		rows = rows[:inspectLimit]
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Nr", "Function", "Location", "Calls", "Self", "Inclusive"})
	table.SetAutoWrapText(false)
	for _, fn := range rows {
		table.Append([]string{
			strconv.Itoa(fn.Index),
			fn.Name,
			location(fn.File, fn.Line),
			strconv.FormatUint(fn.InvocationCount, 10),
			fn.SelfCost,
			fn.InclusiveCost,
		})
	}
	table.Render()

	fmt.Printf("%s (%s): %d of %d functions, summary %d\n", r.Path(), r.Layout(), len(rows), list.TotalFunctions, list.Summary)
	if list.InvokeURL != "" {
		fmt.Printf("Invoked as %s\n", list.InvokeURL)
	}
	return nil
}

func printFunction(r *index.Reader, fn int, format report.CostFormat) error {
	info, err := r.FunctionInfo(fn)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", info.Name, location(info.File, info.Line))
	fmt.Printf("  Invocations: %d\n", info.InvocationCount)
	fmt.Printf("  Self:        %d\n", info.SelfCost)
	fmt.Printf("  Inclusive:   %d (%s%%)\n", info.InclusiveCost, r.PercentCost(info.InclusiveCost))
	fmt.Println()

	callers, err := report.Callers(r, fn, format)
	if err != nil {
		return err
	}
	fmt.Println("Called from:")
	printCalls(callers.Calls)
	if callers.CalledByHost {
		fmt.Println("  (also invoked by the host)")
	}
	fmt.Println()

	callees, err := report.Callees(r, fn, format)
	if err != nil {
		return err
	}
	fmt.Println("Calls:")
	printCalls(callees)
	return nil
}

func printCalls(calls []report.Call) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Nr", "Function", "Location", "Calls", "Cost"})
	table.SetAutoWrapText(false)
	for _, c := range calls {
		table.Append([]string{
			strconv.Itoa(c.Index),
			c.Name,
			location(c.File, c.Line),
			strconv.FormatUint(c.CallCount, 10),
			c.SummedCost,
		})
	}
	table.Render()
}

func location(file string, line uint64) string {
	return fmt.Sprintf("%s:%d", file, line)
}
