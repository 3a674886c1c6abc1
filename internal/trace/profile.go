package trace

import "strings"

// EntryPoint is the name the profiler gives the top-level script body.
const EntryPoint = "{main}"

// Edge aggregates every call between two functions from one source line.
type Edge struct {
	Function   int    `json:"function"`
	Line       uint64 `json:"line"`
	CallCount  uint64 `json:"call_count"`
	SummedCost uint64 `json:"summed_cost"`
}

// Function is the aggregated record of one distinct function name.
type Function struct {
	Index           int    `json:"index"`
	Name            string `json:"name"`
	File            string `json:"file"`
	Line            uint64 `json:"line"`
	InvocationCount uint64 `json:"invocation_count"`
	SelfCost        uint64 `json:"self_cost"`
	InclusiveCost   uint64 `json:"inclusive_cost"`
	CalledFrom      []Edge `json:"called_from"`
	SubCalls        []Edge `json:"sub_calls"`

	calledFrom map[edgeKey]int
	subCalls   map[edgeKey]int
}

type edgeKey struct {
	function int
	line     uint64
}

// Profile is the in-memory aggregation of a whole trace.
type Profile struct {
	Functions []*Function
	// Headers holds every metadata line in trace order, without line terminators.
	Headers []string
}

func newFunction(index int, name string) *Function {
	return &Function{
		Index:      index,
		Name:       name,
		calledFrom: make(map[edgeKey]int),
		subCalls:   make(map[edgeKey]int),
	}
}

// Header returns the value of the last metadata line with the given key.
func (p *Profile) Header(key string) (string, bool) {
	var (
		value string
		found bool
	)
	for _, h := range p.Headers {
		k, v, ok := strings.Cut(h, ": ")
		if ok && k == key {
			value, found = v, true
		}
	}
	return value, found
}

// EdgeCount returns the number of distinct caller/callee/line edges.
func (p *Profile) EdgeCount() int {
	n := 0
	for _, fn := range p.Functions {
		n += len(fn.SubCalls)
	}
	return n
}

// link records one call from caller to callee on both sides of the edge.
func (p *Profile) link(caller, callee int, line, cost uint64) {
	from := p.Functions[caller]
	to := p.Functions[callee]

	from.InclusiveCost += cost
	to.CalledFrom = accumulate(to.CalledFrom, to.calledFrom, edgeKey{caller, line}, cost)
	from.SubCalls = accumulate(from.SubCalls, from.subCalls, edgeKey{callee, line}, cost)
}

func accumulate(edges []Edge, index map[edgeKey]int, key edgeKey, cost uint64) []Edge {
	i, ok := index[key]
	if !ok {
		i = len(edges)
		index[key] = i
		edges = append(edges, Edge{Function: key.function, Line: key.line})
	}
	edges[i].CallCount++
	edges[i].SummedCost += cost
	return edges
}
