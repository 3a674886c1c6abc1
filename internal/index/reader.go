package index

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/mmap"
)

// FunctionInfo is the fixed part of a function record plus its names.
type FunctionInfo struct {
	Index           int    `json:"nr"`
	File            string `json:"file"`
	Name            string `json:"function_name"`
	Line            uint64 `json:"line"`
	SelfCost        uint64 `json:"summed_self_cost"`
	InclusiveCost   uint64 `json:"summed_inclusive_cost"`
	InvocationCount uint64 `json:"invocation_count"`
	CalledFromCount int    `json:"called_from_count"`
	SubCallCount    int    `json:"sub_call_count"`
}

// EdgeInfo is one aggregated call edge of a function record.
type EdgeInfo struct {
	Function   int    `json:"function_nr"`
	Line       uint64 `json:"line"`
	CallCount  uint64 `json:"call_count"`
	SummedCost uint64 `json:"summed_call_cost"`
}

// Reader answers point queries against a compiled index. All methods are
// safe for concurrent use.
type Reader struct {
	ra        io.ReaderAt
	size      int64
	closer    io.Closer
	layout    Layout
	path      string
	headerPos int64
	addrs     []int64

	headersOnce sync.Once
	headers     map[string]string
	headersErr  error
}

// Open memory-maps the index at path and loads its function table.
func Open(path string, layout Layout) (*Reader, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open index", Path: path, Err: err}
	}
	r, err := NewReader(m, int64(m.Len()), layout)
	if err != nil {
		m.Close()
		var ioErr *IOError
		if errors.As(err, &ioErr) && ioErr.Path == "" {
			ioErr.Path = path
		}
		return nil, err
	}
	r.closer = m
	r.path = path
	return r, nil
}

// NewReader reads an index of size bytes from ra.
func NewReader(ra io.ReaderAt, size int64, layout Layout) (*Reader, error) {
	r := &Reader{ra: ra, size: size, layout: layout}

	version, err := r.numbers(0, 1)
	if err != nil {
		return nil, err
	}
	if version[0] != layout.Version {
		return nil, &VersionMismatchError{Found: version[0], Expected: layout.Version}
	}

	head, err := r.numbers(int64(layout.Width), headerFields-1)
	if err != nil {
		return nil, err
	}
	r.headerPos = int64(head[0])
	count := head[1]
	if count > uint64(size-layout.tableOffset())/uint64(layout.Width) {
		return nil, &IOError{Op: "read function table", Err: io.ErrUnexpectedEOF}
	}

	addrs, err := r.numbers(layout.tableOffset(), int(count))
	if err != nil {
		return nil, err
	}
	r.addrs = make([]int64, len(addrs))
	for i, a := range addrs {
		r.addrs[i] = int64(a)
	}
	return r, nil
}

// Close unmaps the index. It is a no-op for readers built with NewReader.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Path returns the file the reader was opened from, if any.
func (r *Reader) Path() string {
	return r.path
}

// Layout returns the format revision of the index.
func (r *Reader) Layout() Layout {
	return r.layout
}

// FunctionCount returns the number of function records.
func (r *Reader) FunctionCount() int {
	return len(r.addrs)
}

type fixedFieldsRecord struct {
	addr     int64
	values   []uint64
	calledFn int
	subCalls int
}

func (r *Reader) fixed(index int) (*fixedFieldsRecord, error) {
	if index < 0 || index >= len(r.addrs) {
		return nil, &OutOfRangeError{Kind: "function", Index: index, Count: len(r.addrs)}
	}
	addr := r.addrs[index]
	vs, err := r.numbers(addr, fixedFields)
	if err != nil {
		return nil, err
	}
	return &fixedFieldsRecord{addr: addr, values: vs, calledFn: int(vs[4]), subCalls: int(vs[5])}, nil
}

// FunctionInfo reads the record of the function at index. Edge arrays are
// skipped using their declared counts.
func (r *Reader) FunctionInfo(index int) (FunctionInfo, error) {
	rec, err := r.fixed(index)
	if err != nil {
		return FunctionInfo{}, err
	}

	off := rec.addr + r.layout.fixedSize() + int64(rec.calledFn+rec.subCalls)*r.layout.edgeSize()
	if off > r.size {
		return FunctionInfo{}, &IOError{Op: "read function record", Path: r.path, Err: io.ErrUnexpectedEOF}
	}
	br := bufio.NewReaderSize(io.NewSectionReader(r.ra, off, r.size-off), 512)
	file, err := r.readLine(br)
	if err != nil {
		return FunctionInfo{}, err
	}
	name, err := r.readLine(br)
	if err != nil {
		return FunctionInfo{}, err
	}

	return FunctionInfo{
		Index:           index,
		File:            file,
		Name:            name,
		Line:            rec.values[0],
		SelfCost:        rec.values[1],
		InclusiveCost:   rec.values[2],
		InvocationCount: rec.values[3],
		CalledFromCount: rec.calledFn,
		SubCallCount:    rec.subCalls,
	}, nil
}

// CalledFromInfo returns the n-th caller edge of the function at index.
func (r *Reader) CalledFromInfo(index, n int) (EdgeInfo, error) {
	rec, err := r.fixed(index)
	if err != nil {
		return EdgeInfo{}, err
	}
	if n < 0 || n >= rec.calledFn {
		return EdgeInfo{}, &OutOfRangeError{Kind: "called-from edge", Index: n, Count: rec.calledFn}
	}
	return r.edge(rec.addr, n)
}

// SubCallInfo returns the n-th callee edge of the function at index.
func (r *Reader) SubCallInfo(index, n int) (EdgeInfo, error) {
	rec, err := r.fixed(index)
	if err != nil {
		return EdgeInfo{}, err
	}
	if n < 0 || n >= rec.subCalls {
		return EdgeInfo{}, &OutOfRangeError{Kind: "sub-call edge", Index: n, Count: rec.subCalls}
	}
	return r.edge(rec.addr, rec.calledFn+n)
}

func (r *Reader) edge(addr int64, slot int) (EdgeInfo, error) {
	vs, err := r.numbers(addr+r.layout.fixedSize()+int64(slot)*r.layout.edgeSize(), edgeFields)
	if err != nil {
		return EdgeInfo{}, err
	}
	return EdgeInfo{Function: int(vs[0]), Line: vs[1], CallCount: vs[2], SummedCost: vs[3]}, nil
}

// Header returns the value of a metadata header.
func (r *Reader) Header(key string) (string, error) {
	headers, err := r.loadHeaders()
	if err != nil {
		return "", err
	}
	v, ok := headers[key]
	if !ok {
		return "", &MissingHeaderError{Key: key}
	}
	return v, nil
}

// Headers returns a copy of every metadata header.
func (r *Reader) Headers() (map[string]string, error) {
	headers, err := r.loadHeaders()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out, nil
}

// loadHeaders parses the header block once; later duplicates of a key win.
func (r *Reader) loadHeaders() (map[string]string, error) {
	r.headersOnce.Do(func() {
		if r.headerPos > r.size {
			r.headersErr = &IOError{Op: "read headers", Path: r.path, Err: io.ErrUnexpectedEOF}
			return
		}
		data, err := io.ReadAll(io.NewSectionReader(r.ra, r.headerPos, r.size-r.headerPos))
		if err != nil {
			r.headersErr = &IOError{Op: "read headers", Path: r.path, Err: err}
			return
		}
		r.headers = make(map[string]string)
		for _, line := range strings.Split(string(data), "\n") {
			k, v, ok := strings.Cut(strings.TrimRight(line, "\r"), ": ")
			if ok {
				r.headers[k] = v
			}
		}
	})
	return r.headers, r.headersErr
}

// Summary returns the run's total cost from the summary header, or 0 when
// it is missing or unreadable.
func (r *Reader) Summary() uint64 {
	v, err := r.Header("summary")
	if err != nil {
		return 0
	}
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0
	}
	total, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return total
}

// PercentCost formats cost as a percentage of the summary total with three
// decimals. A zero total yields "0.000".
func (r *Reader) PercentCost(cost uint64) string {
	return FormatPercent(cost, r.Summary())
}

// FormatPercent formats cost*100/total with three decimals, saturating to
// "0.000" when total is zero.
func FormatPercent(cost, total uint64) string {
	if total == 0 {
		return "0.000"
	}
	return strconv.FormatFloat(float64(cost)*100/float64(total), 'f', 3, 64)
}

func (r *Reader) numbers(off int64, n int) ([]uint64, error) {
	buf := make([]byte, n*r.layout.Width)
	if _, err := r.ra.ReadAt(buf, off); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &IOError{Op: "read index", Path: r.path, Err: err}
	}
	return r.layout.decode(buf), nil
}

func (r *Reader) readLine(br *bufio.Reader) (string, error) {
	s, err := br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", &IOError{Op: "read function record", Path: r.path, Err: err}
	}
	return strings.TrimRight(s, "\r\n"), nil
}
