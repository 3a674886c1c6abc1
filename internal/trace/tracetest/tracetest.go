// Package tracetest builds trace text for tests, together with the aggregates
// a correct compiler must derive from it.
package tracetest

import (
	"fmt"
	"math/rand"
	"strings"
)

// Sample is a small trace in which {main} calls a() twice from the same line
// and each a() invocation calls c() once.
const Sample = `version: 1
creator: xdebug 2.2.1
cmd: /srv/index.php
part: 1
positions: line

events: Time

fl=/srv/lib.php
fn=c
5 40

fl=/srv/lib.php
fn=a
2 10
cfn=c
calls=1 0 0
3 40

fl=/srv/lib.php
fn=c
5 60

fl=/srv/lib.php
fn=a
2 15
cfn=c
calls=1 0 0
3 60

fl=/srv/index.php
fn={main}

summary: 200

1 75
cfn=a
calls=1 0 0
4 50
cfn=a
calls=1 0 0
4 75
`

// CallSite identifies the other end of an edge.
type CallSite struct {
	Function string
	Line     uint64
}

// Agg is an aggregated edge value.
type Agg struct {
	Count uint64
	Cost  uint64
}

// Function holds the expected aggregates of one function.
type Function struct {
	File        string
	Line        uint64
	Invocations uint64
	Self        uint64
	Inclusive   uint64
	SubCalls    map[CallSite]Agg
	CalledFrom  map[CallSite]Agg
}

// Expected maps function names to their expected aggregates.
type Expected struct {
	Functions map[string]*Function
	Summary   uint64
}

type node struct {
	name     string
	self     uint64
	children []call
}

type call struct {
	line   uint64
	callee *node
}

// Random builds a random call tree rooted at {main} and renders it in the
// profiler's output order (callees before callers).
func Random(rng *rand.Rand, functions, maxDepth, maxChildren int) (string, *Expected) {
	root := &node{name: "{main}", self: uint64(rng.Intn(100))}
	grow(rng, root, functions, maxDepth, maxChildren)

	exp := &Expected{Functions: make(map[string]*Function)}
	var sb strings.Builder
	sb.WriteString("version: 1\ncreator: tracetest\ncmd: /srv/synthetic.php\npart: 1\npositions: line\n\nevents: Time\n\n")
	exp.Summary = render(&sb, root, exp)
	fmt.Fprintf(&sb, "summary: %d\n", exp.Summary)
	return sb.String(), exp
}

func grow(rng *rand.Rand, n *node, functions, depth, maxChildren int) {
	if depth == 0 {
		return
	}
	kids := rng.Intn(maxChildren + 1)
	for i := 0; i < kids; i++ {
		child := &node{
			name: fmt.Sprintf("fn%d", rng.Intn(functions)),
			self: uint64(rng.Intn(1000)),
		}
		grow(rng, child, functions, depth-1, maxChildren)
		n.children = append(n.children, call{line: uint64(1 + rng.Intn(4)), callee: child})
	}
}

func fileOf(name string) string {
	if name == "{main}" {
		return "/srv/synthetic.php"
	}
	return "/srv/" + name + ".php"
}

// defLine is fixed per name so last-seen-wins is deterministic.
func defLine(name string) uint64 {
	return uint64(len(name)*7 + int(name[len(name)-1]))
}

func render(sb *strings.Builder, n *node, exp *Expected) uint64 {
	costs := make([]uint64, len(n.children))
	for i, c := range n.children {
		costs[i] = render(sb, c.callee, exp)
	}

	fn := exp.function(n.name)
	fn.Invocations++
	fn.Self += n.self
	inclusive := n.self

	fmt.Fprintf(sb, "fl=%s\nfn=%s\n%d %d\n", fileOf(n.name), n.name, defLine(n.name), n.self)
	for i, c := range n.children {
		fmt.Fprintf(sb, "cfl=%s\ncfn=%s\ncalls=1 0 0\n%d %d\n", fileOf(c.callee.name), c.callee.name, c.line, costs[i])
		inclusive += costs[i]

		sub := fn.SubCalls[CallSite{c.callee.name, c.line}]
		fn.SubCalls[CallSite{c.callee.name, c.line}] = Agg{sub.Count + 1, sub.Cost + costs[i]}

		callee := exp.function(c.callee.name)
		from := callee.CalledFrom[CallSite{n.name, c.line}]
		callee.CalledFrom[CallSite{n.name, c.line}] = Agg{from.Count + 1, from.Cost + costs[i]}
	}
	sb.WriteString("\n")

	fn.Inclusive += inclusive
	return inclusive
}

func (e *Expected) function(name string) *Function {
	fn, ok := e.Functions[name]
	if !ok {
		fn = &Function{
			File:       fileOf(name),
			Line:       defLine(name),
			SubCalls:   make(map[CallSite]Agg),
			CalledFrom: make(map[CallSite]Agg),
		}
		e.Functions[name] = fn
	}
	return fn
}
