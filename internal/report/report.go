// Package report builds the function and call-info listings served to users
// from a compiled index.
package report

import (
	"sort"
	"strconv"
	"strings"

	"github.com/abramin/tracelens/internal/index"
)

// CostFormat selects how costs are rendered.
type CostFormat string

const (
	Absolute CostFormat = "absolute"
	Percent  CostFormat = "percent"
)

// Source is the read side of a compiled index.
type Source interface {
	FunctionCount() int
	FunctionInfo(i int) (index.FunctionInfo, error)
	CalledFromInfo(fn, n int) (index.EdgeInfo, error)
	SubCallInfo(fn, n int) (index.EdgeInfo, error)
	Header(key string) (string, error)
	Summary() uint64
}

// Options controls Functions.
type Options struct {
	// HideInternals drops functions whose name contains InternalPrefix.
	HideInternals  bool
	InternalPrefix string
	// ShowFraction stops the listing once the cumulative self cost of the
	// listed functions exceeds this share of the shown total. 0 means 1.
	ShowFraction float64
	Format       CostFormat
}

// IsInternal reports whether name belongs to the runtime's builtins, which
// the profiler marks with prefix. An empty prefix matches nothing.
func IsInternal(name, prefix string) bool {
	return prefix != "" && strings.Contains(name, prefix)
}

// Function is one row of the function listing.
type Function struct {
	Index           int    `json:"nr"`
	Name            string `json:"functionName"`
	File            string `json:"file"`
	Line            uint64 `json:"line"`
	InvocationCount uint64 `json:"invocationCount"`
	SelfCost        string `json:"summedSelfCost"`
	InclusiveCost   string `json:"summedInclusiveCost"`
	CalledFromCount int    `json:"calledFromInfoCount"`
	SubCallCount    int    `json:"subCallInfoCount"`

	selfCost uint64
}

// FunctionList is the full function listing of one trace.
type FunctionList struct {
	Functions      []Function `json:"functions"`
	Summary        uint64     `json:"summedRunTime"`
	TotalSelfCost  uint64     `json:"totalSelfCost"`
	InvokeURL      string     `json:"invokeUrl"`
	ShownFunctions int        `json:"shownFunctions"`
	TotalFunctions int        `json:"totalFunctions"`
}

// Functions lists functions by self cost, most expensive first.
func Functions(src Source, opts Options) (*FunctionList, error) {
	out := &FunctionList{
		Summary:        src.Summary(),
		TotalFunctions: src.FunctionCount(),
	}
	out.InvokeURL, _ = src.Header("cmd")

	rows := make([]Function, 0, src.FunctionCount())
	for i := 0; i < src.FunctionCount(); i++ {
		fn, err := src.FunctionInfo(i)
		if err != nil {
			return nil, err
		}
		if opts.HideInternals && IsInternal(fn.Name, opts.InternalPrefix) {
			continue
		}
		out.TotalSelfCost += fn.SelfCost
		rows = append(rows, Function{
			Index:           fn.Index,
			Name:            fn.Name,
			File:            fn.File,
			Line:            fn.Line,
			InvocationCount: fn.InvocationCount,
			SelfCost:        formatCost(fn.SelfCost, out.Summary, opts.Format),
			InclusiveCost:   formatCost(fn.InclusiveCost, out.Summary, opts.Format),
			CalledFromCount: fn.CalledFromCount,
			SubCallCount:    fn.SubCallCount,
			selfCost:        fn.SelfCost,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].selfCost > rows[j].selfCost
	})

	fraction := opts.ShowFraction
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	if fraction < 1 {
		limit := float64(out.TotalSelfCost) * fraction
		var shown uint64
		for i, row := range rows {
			shown += row.selfCost
			if float64(shown) > limit {
				rows = rows[:i+1]
				break
			}
		}
	}

	out.Functions = rows
	out.ShownFunctions = len(rows)
	return out, nil
}

// Call is one row of a caller or callee listing.
type Call struct {
	Index      int    `json:"nr"`
	Name       string `json:"callerFunctionName"`
	File       string `json:"callerFile"`
	Line       uint64 `json:"line"`
	CallCount  uint64 `json:"callCount"`
	SummedCost string `json:"summedCallCost"`
}

// CallerList lists the callers of one function.
type CallerList struct {
	Calls []Call `json:"calledFrom"`
	// CalledByHost is set when some invocations have no recorded caller,
	// as for the entry point.
	CalledByHost bool `json:"calledByHost"`
}

// Callers lists the calledFrom edges of function fn.
func Callers(src Source, fn int, format CostFormat) (*CallerList, error) {
	info, err := src.FunctionInfo(fn)
	if err != nil {
		return nil, err
	}
	calls, err := edges(src, info.CalledFromCount, format, func(n int) (index.EdgeInfo, error) {
		return src.CalledFromInfo(fn, n)
	})
	if err != nil {
		return nil, err
	}

	var counted uint64
	for _, c := range calls {
		counted += c.CallCount
	}
	return &CallerList{Calls: calls, CalledByHost: counted < info.InvocationCount}, nil
}

// Callees lists the subCall edges of function fn.
func Callees(src Source, fn int, format CostFormat) ([]Call, error) {
	info, err := src.FunctionInfo(fn)
	if err != nil {
		return nil, err
	}
	return edges(src, info.SubCallCount, format, func(n int) (index.EdgeInfo, error) {
		return src.SubCallInfo(fn, n)
	})
}

func edges(src Source, count int, format CostFormat, edge func(n int) (index.EdgeInfo, error)) ([]Call, error) {
	summary := src.Summary()
	calls := make([]Call, 0, count)
	for n := 0; n < count; n++ {
		e, err := edge(n)
		if err != nil {
			return nil, err
		}
		other, err := src.FunctionInfo(e.Function)
		if err != nil {
			return nil, err
		}
		calls = append(calls, Call{
			Index:      e.Function,
			Name:       other.Name,
			File:       other.File,
			Line:       e.Line,
			CallCount:  e.CallCount,
			SummedCost: formatCost(e.SummedCost, summary, format),
		})
	}
	return calls, nil
}

func formatCost(cost, total uint64, format CostFormat) string {
	if format == Percent {
		return index.FormatPercent(cost, total)
	}
	return strconv.FormatUint(cost, 10)
}
