// Package symbols interns the file and function names found in a trace.
//
// Profiler output may compress repeated names: the first occurrence is written
// as "(N) literal" and later ones as a bare "(N)". File and function names use
// independent id spaces.
package symbols

import (
	"strconv"
	"strings"
)

// Kind selects one of the independent name spaces.
type Kind int

const (
	File Kind = iota
	Function
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Function:
		return "function"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Symbol is an interned name with its dense, first-seen index.
type Symbol struct {
	Name  string
	Index int
}

// Table owns one interning space per Kind.
type Table struct {
	spaces [2]space
}

type space struct {
	compressed map[int]string
	index      map[string]int
	names      []string
}

// New returns an empty table.
func New() *Table {
	t := &Table{}
	for i := range t.spaces {
		t.spaces[i] = space{
			compressed: make(map[int]string),
			index:      make(map[string]int),
		}
	}
	return t
}

// Intern resolves raw and returns its symbol. Identical raw names of the same
// kind always map to the same index. ok is false when raw is a bare "(N)"
// reference that was never registered; the raw token is then interned as is.
func (t *Table) Intern(raw string, kind Kind) (sym Symbol, ok bool) {
	sp := &t.spaces[kind]
	name, ok := sp.resolve(raw)
	idx, seen := sp.index[name]
	if !seen {
		idx = len(sp.names)
		sp.index[name] = idx
		sp.names = append(sp.names, name)
	}
	return Symbol{Name: name, Index: idx}, ok
}

func (sp *space) resolve(raw string) (string, bool) {
	id, literal, compressed := splitCompressed(raw)
	if !compressed {
		return raw, true
	}
	if literal != "" {
		// The first registration of an id wins.
		if _, exists := sp.compressed[id]; !exists {
			sp.compressed[id] = literal
		}
		return sp.compressed[id], true
	}
	if name, exists := sp.compressed[id]; exists {
		return name, true
	}
	return raw, false
}

// splitCompressed parses "(N) literal" or "(N)".
func splitCompressed(raw string) (id int, literal string, ok bool) {
	if len(raw) < 3 || raw[0] != '(' || raw[1] < '0' || raw[1] > '9' {
		return 0, "", false
	}
	end := strings.IndexByte(raw, ')')
	if end < 0 {
		return 0, "", false
	}
	id, err := strconv.Atoi(raw[1:end])
	if err != nil {
		return 0, "", false
	}
	return id, strings.TrimPrefix(raw[end+1:], " "), true
}
