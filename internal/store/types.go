package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a trace is not in the catalog.
var ErrNotFound = errors.New("trace not found")

// Trace is one catalogued trace file and the state of its compiled index.
type Trace struct {
	Name      string    `json:"filename"`
	Path      string    `json:"path"`
	Size      int64     `json:"filesize"`
	ModTime   time.Time `json:"mtime"`
	InvokeURL string    `json:"invokeUrl"`

	CompiledPath  string    `json:"compiled_path,omitempty"`
	CompiledAt    time.Time `json:"compiled_at,omitempty"`
	FunctionCount int       `json:"function_count,omitempty"`
	Summary       uint64    `json:"summary,omitempty"`
	FormatVersion uint64    `json:"format_version,omitempty"`
}

// Compiled reports whether an index has been published for the trace.
func (t *Trace) Compiled() bool {
	return t.CompiledPath != ""
}

// Compilation describes a freshly published index.
type Compilation struct {
	Path          string
	At            time.Time
	FunctionCount int
	Summary       uint64
	FormatVersion uint64
}
