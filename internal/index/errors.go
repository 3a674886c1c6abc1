package index

import "fmt"

// IOError reports a failed open, read or write of a trace or index file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// VersionMismatchError reports an index written with another format revision.
type VersionMismatchError struct {
	Found    uint64
	Expected uint64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("index format version %d, expected %d", e.Found, e.Expected)
}

// OutOfRangeError reports an invalid function or edge index.
type OutOfRangeError struct {
	Kind  string
	Index int
	Count int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s index %d out of range [0,%d)", e.Kind, e.Index, e.Count)
}

// MissingHeaderError reports a header key absent from the index.
type MissingHeaderError struct {
	Key string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("header %q not found", e.Key)
}
