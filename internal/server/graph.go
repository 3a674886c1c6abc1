package server

import (
	"sort"

	"github.com/abramin/tracelens/internal/index"
	"github.com/abramin/tracelens/internal/report"
)

// GraphFilter specifies filters for graph traversal.
type GraphFilter struct {
	HideInternals  bool    `json:"hideInternals"`
	InternalPrefix string  `json:"internalPrefix"`
	MinPercent     float64 `json:"minPercent"`
	MaxDepth       int     `json:"maxDepth"`
}

// DefaultGraphFilter returns sensible defaults for graph filtering.
func DefaultGraphFilter() GraphFilter {
	return GraphFilter{
		InternalPrefix: "php::",
		MinPercent:     1,
		MaxDepth:       6,
	}
}

// GraphNode represents a function in the graph response.
type GraphNode struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	File             string `json:"file"`
	Line             uint64 `json:"line"`
	InvocationCount  uint64 `json:"invocation_count"`
	SelfCost         uint64 `json:"self_cost"`
	InclusiveCost    uint64 `json:"inclusive_cost"`
	InclusivePercent string `json:"inclusive_percent"`
	Expanded         bool   `json:"expanded"`
	Depth            int    `json:"depth"`
}

// GraphEdge aggregates every call from one function to another.
type GraphEdge struct {
	SourceID      int    `json:"source_id"`
	TargetID      int    `json:"target_id"`
	CallCount     uint64 `json:"call_count"`
	CallsiteCount int    `json:"callsite_count"`
	SummedCost    uint64 `json:"summed_cost"`
	Percent       string `json:"percent"`
}

// GraphResponse is the response format for graph endpoints.
type GraphResponse struct {
	Nodes    []GraphNode `json:"nodes"`
	Edges    []GraphEdge `json:"edges"`
	RootID   int         `json:"root_id"`
	MaxDepth int         `json:"max_depth"`
	Filtered int         `json:"filtered_count"`
}

// GraphBuilder builds call graphs from a compiled index.
type GraphBuilder struct {
	src      report.Source
	filter   GraphFilter
	summary  uint64
	nodes    map[int]*GraphNode
	edges    []GraphEdge
	visited  map[int]bool
	filtered int
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder(src report.Source, filter GraphFilter) *GraphBuilder {
	return &GraphBuilder{
		src:     src,
		filter:  filter,
		summary: src.Summary(),
		nodes:   make(map[int]*GraphNode),
		edges:   []GraphEdge{},
		visited: make(map[int]bool),
	}
}

// BuildFromRoot builds a graph of callees reachable from root.
func (gb *GraphBuilder) BuildFromRoot(root, depth int) (*GraphResponse, error) {
	if gb.filter.MaxDepth > 0 && depth > gb.filter.MaxDepth {
		depth = gb.filter.MaxDepth
	}

	info, err := gb.src.FunctionInfo(root)
	if err != nil {
		return nil, err
	}
	gb.addNode(info, 0)

	if err := gb.expand(root, depth, 0); err != nil {
		return nil, err
	}
	return gb.buildResponse(root, depth), nil
}

func (gb *GraphBuilder) addNode(info index.FunctionInfo, depth int) {
	if _, exists := gb.nodes[info.Index]; exists {
		return
	}
	gb.nodes[info.Index] = &GraphNode{
		ID:               info.Index,
		Name:             info.Name,
		File:             info.File,
		Line:             info.Line,
		InvocationCount:  info.InvocationCount,
		SelfCost:         info.SelfCost,
		InclusiveCost:    info.InclusiveCost,
		InclusivePercent: index.FormatPercent(info.InclusiveCost, gb.summary),
		Depth:            depth,
	}
}

// hides returns true if the function should be left out.
func (f GraphFilter) hides(name string) bool {
	return f.HideInternals && report.IsInternal(name, f.InternalPrefix)
}

// belowThreshold reports whether cost is too small a share of the run to show.
func (gb *GraphBuilder) belowThreshold(cost uint64) bool {
	if gb.summary == 0 || gb.filter.MinPercent <= 0 {
		return false
	}
	return float64(cost)*100/float64(gb.summary) < gb.filter.MinPercent
}

// callees aggregates the sub-call edges of fn by callee, most expensive first.
func callees(src report.Source, fn int) ([]GraphEdge, error) {
	info, err := src.FunctionInfo(fn)
	if err != nil {
		return nil, err
	}

	byCallee := make(map[int]*GraphEdge)
	var order []int
	for n := 0; n < info.SubCallCount; n++ {
		e, err := src.SubCallInfo(fn, n)
		if err != nil {
			return nil, err
		}
		if existing, ok := byCallee[e.Function]; ok {
			existing.CallCount += e.CallCount
			existing.SummedCost += e.SummedCost
			existing.CallsiteCount++
			continue
		}
		byCallee[e.Function] = &GraphEdge{
			SourceID:      fn,
			TargetID:      e.Function,
			CallCount:     e.CallCount,
			CallsiteCount: 1,
			SummedCost:    e.SummedCost,
		}
		order = append(order, e.Function)
	}

	edges := make([]GraphEdge, len(order))
	for i, id := range order {
		edges[i] = *byCallee[id]
	}
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].SummedCost > edges[j].SummedCost
	})
	return edges, nil
}

// expand recursively adds the callees of fn.
func (gb *GraphBuilder) expand(fn, maxDepth, currentDepth int) error {
	if currentDepth >= maxDepth {
		return nil
	}
	if gb.visited[fn] {
		return nil
	}
	gb.visited[fn] = true

	edges, err := callees(gb.src, fn)
	if err != nil {
		return err
	}

	for _, edge := range edges {
		info, err := gb.src.FunctionInfo(edge.TargetID)
		if err != nil {
			return err
		}
		if gb.filter.hides(info.Name) || gb.belowThreshold(edge.SummedCost) {
			gb.filtered++
			continue
		}

		edge.Percent = index.FormatPercent(edge.SummedCost, gb.summary)
		gb.edges = append(gb.edges, edge)
		gb.addNode(info, currentDepth+1)

		if err := gb.expand(edge.TargetID, maxDepth, currentDepth+1); err != nil {
			return err
		}
	}

	if node, ok := gb.nodes[fn]; ok {
		node.Expanded = true
	}
	return nil
}

// buildResponse constructs the final response.
func (gb *GraphBuilder) buildResponse(root, maxDepth int) *GraphResponse {
	nodes := make([]GraphNode, 0, len(gb.nodes))
	for _, node := range gb.nodes {
		nodes = append(nodes, *node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})

	return &GraphResponse{
		Nodes:    nodes,
		Edges:    gb.edges,
		RootID:   root,
		MaxDepth: maxDepth,
		Filtered: gb.filtered,
	}
}
