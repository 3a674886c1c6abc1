package index

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"

	"github.com/abramin/tracelens/internal/logging"
	"github.com/abramin/tracelens/internal/trace"
)

var gzipMagic = []byte{0x1f, 0x8b}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithLayout selects the binary format revision to write.
func WithLayout(l Layout) CompilerOption {
	return func(c *Compiler) {
		c.layout = l
	}
}

// WithProxies designates pass-through functions to elide while parsing.
func WithProxies(names []string) CompilerOption {
	return func(c *Compiler) {
		c.proxies = names
	}
}

// WithLogger sets the logger for compile progress and trace anomalies.
func WithLogger(logger log.Logger) CompilerOption {
	return func(c *Compiler) {
		c.logger = logging.OrNop(logger)
	}
}

// Compiler turns trace files into published index files.
type Compiler struct {
	layout  Layout
	proxies []string
	logger  log.Logger
}

// Result describes one successful compilation.
type Result struct {
	Source    string
	Dest      string
	Functions int
	Edges     int
	Bytes     int64
	Duration  time.Duration
	// Command is the trace's cmd header, empty when absent.
	Command string
}

// NewCompiler creates a compiler writing the compact layout by default.
func NewCompiler(opts ...CompilerOption) *Compiler {
	c := &Compiler{layout: Compact, logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile parses the trace at src and publishes its index at dst. Gzipped
// traces are detected by their magic bytes. Nothing is left at dst when
// compilation fails.
func (c *Compiler) Compile(src, dst string) (*Result, error) {
	start := time.Now()

	in, err := OpenTrace(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	p, err := trace.Parse(in, trace.WithProxies(c.proxies), trace.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}

	n, err := WriteFile(dst, p, c.layout)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Source:    src,
		Dest:      dst,
		Functions: len(p.Functions),
		Edges:     p.EdgeCount(),
		Bytes:     n,
		Duration:  time.Since(start),
	}
	res.Command, _ = p.Header("cmd")
	level.Info(c.logger).Log(
		"msg", "compiled trace",
		"src", src,
		"dst", dst,
		"layout", c.layout.Name,
		"functions", res.Functions,
		"edges", res.Edges,
		"bytes", res.Bytes,
		"duration", res.Duration,
	)
	return res, nil
}

// OpenTrace opens a trace file for reading, decompressing it when it is
// gzipped.
func OpenTrace(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open trace", Path: path, Err: err}
	}
	br := bufio.NewReaderSize(f, 64*1024)

	magic, err := br.Peek(len(gzipMagic))
	if err != nil || !bytes.Equal(magic, gzipMagic) {
		// Short or empty input is left for the parser to judge.
		return &traceFile{Reader: br, f: f}, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		f.Close()
		return nil, &IOError{Op: "open trace", Path: path, Err: err}
	}
	return &traceFile{Reader: zr, f: f, zr: zr}, nil
}

type traceFile struct {
	io.Reader
	f  *os.File
	zr *gzip.Reader
}

func (t *traceFile) Close() error {
	if t.zr != nil {
		t.zr.Close()
	}
	return t.f.Close()
}

// WriteFile writes p to a temporary file next to dst and renames it into
// place, so readers never observe a partial index. It returns the index size.
func WriteFile(dst string, p *trace.Profile, layout Layout) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, &IOError{Op: "create index", Path: dst, Err: err}
	}
	published := false
	defer func() {
		if !published {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := Write(tmp, p, layout); err != nil {
		return 0, &IOError{Op: "write index", Path: dst, Err: err}
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, &IOError{Op: "write index", Path: dst, Err: err}
	}
	if err := tmp.Chmod(0o644); err != nil {
		return 0, &IOError{Op: "write index", Path: dst, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return 0, &IOError{Op: "sync index", Path: dst, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return 0, &IOError{Op: "close index", Path: dst, Err: err}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, &IOError{Op: "publish index", Path: dst, Err: err}
	}
	published = true
	return size, nil
}
