package server

import (
	"github.com/abramin/tracelens/internal/index"
	"github.com/abramin/tracelens/internal/report"
)

// HotPathNode is one function on the hot path.
type HotPathNode struct {
	ID            int          `json:"id"`
	Name          string       `json:"name"`
	File          string       `json:"file"`
	Line          uint64       `json:"line"`
	Depth         int          `json:"depth"`
	InclusiveCost uint64       `json:"inclusive_cost"`
	Percent       string       `json:"percent"`
	BranchBadge   *BranchBadge `json:"branch_badge,omitempty"`
}

// BranchBadge summarizes the callees collapsed beside a hot path node.
type BranchBadge struct {
	CallCount     int      `json:"call_count"`
	CollapsedIDs  []int    `json:"collapsed_ids"`
	Labels        []string `json:"labels"`
	CollapsedCost uint64   `json:"collapsed_cost"`
}

// HotPathResponse is the response for hot path requests.
type HotPathResponse struct {
	Nodes          []HotPathNode `json:"nodes"`
	MainPath       []int         `json:"main_path"`
	TotalNodes     int           `json:"total_nodes"`
	CollapsedCount int           `json:"collapsed_count"`
}

// HotPathBuilder follows the most expensive callee from a root function.
type HotPathBuilder struct {
	src     report.Source
	filter  GraphFilter
	summary uint64
}

// NewHotPathBuilder creates a new hot path builder.
func NewHotPathBuilder(src report.Source, filter GraphFilter) *HotPathBuilder {
	return &HotPathBuilder{
		src:     src,
		filter:  filter,
		summary: src.Summary(),
	}
}

// Build walks at most maxDepth functions from root, at each step taking the
// costliest callee not already on the path.
func (hb *HotPathBuilder) Build(root, maxDepth int) (*HotPathResponse, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}

	info, err := hb.src.FunctionInfo(root)
	if err != nil {
		return nil, err
	}

	resp := &HotPathResponse{}
	onPath := map[int]bool{root: true}
	current := info

	for depth := 0; ; depth++ {
		node := HotPathNode{
			ID:            current.Index,
			Name:          current.Name,
			File:          current.File,
			Line:          current.Line,
			Depth:         depth,
			InclusiveCost: current.InclusiveCost,
			Percent:       index.FormatPercent(current.InclusiveCost, hb.summary),
		}
		resp.MainPath = append(resp.MainPath, current.Index)
		resp.TotalNodes++

		edges, err := callees(hb.src, current.Index)
		if err != nil {
			return nil, err
		}

		// Edges come sorted by cost, so the first eligible one is the hottest.
		var (
			next  *index.FunctionInfo
			badge BranchBadge
		)
		for _, e := range edges {
			callee, err := hb.src.FunctionInfo(e.TargetID)
			if err != nil {
				return nil, err
			}
			if hb.filter.hides(callee.Name) {
				continue
			}
			if next == nil && !onPath[e.TargetID] && depth+1 < maxDepth {
				next = &callee
				continue
			}
			badge.CallCount++
			badge.CollapsedIDs = append(badge.CollapsedIDs, e.TargetID)
			badge.Labels = append(badge.Labels, callee.Name)
			badge.CollapsedCost += e.SummedCost
		}
		if badge.CallCount > 0 {
			node.BranchBadge = &badge
			resp.CollapsedCount += badge.CallCount
			resp.TotalNodes += badge.CallCount
		}
		resp.Nodes = append(resp.Nodes, node)

		if next == nil {
			break
		}
		onPath[next.Index] = true
		current = *next
	}
	return resp, nil
}
