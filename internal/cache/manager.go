// Package cache keeps compiled indexes in step with the trace files they
// were built from and hands out readers over them.
package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/abramin/tracelens/internal/config"
	"github.com/abramin/tracelens/internal/index"
	"github.com/abramin/tracelens/internal/logging"
	"github.com/abramin/tracelens/internal/store"
)

// invokeURLLines bounds how far into a trace the cmd header is searched.
const invokeURLLines = 16

// ErrUnknownTrace is returned for trace names missing from the catalog.
var ErrUnknownTrace = errors.New("unknown trace")

// Manager owns the trace catalog, the compiled indexes in the storage
// directory and a bounded set of open readers.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	logger   log.Logger
	layout   index.Layout
	compiler *index.Compiler
	metrics  *metrics

	// Compilation of one trace is exclusive; concurrent requests share it.
	group singleflight.Group
	// Evicted readers are not closed: a request may still hold one, and the
	// mapping is released by its finalizer.
	readers *lru.Cache[string, *index.Reader]
}

// New creates a manager. A nil registerer disables metric registration.
func New(cfg *config.Config, st *store.Store, logger log.Logger, reg prometheus.Registerer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := index.LayoutByName(cfg.Index.Format)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	size := cfg.ReaderCacheSize
	if size <= 0 {
		size = 1
	}
	readers, err := lru.New[string, *index.Reader](size)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	logger = logging.OrNop(logger)
	return &Manager{
		cfg:    cfg,
		store:  st,
		logger: logger,
		layout: layout,
		compiler: index.NewCompiler(
			index.WithLayout(layout),
			index.WithProxies(cfg.ProxyFunctions),
			index.WithLogger(logger),
		),
		metrics: m,
		readers: readers,
	}, nil
}

// Refresh rescans the trace directory, removes compiled indexes that are
// orphaned or older than their source, and syncs the catalog.
func (m *Manager) Refresh() error {
	found, err := m.scanTraces()
	if err != nil {
		return err
	}
	if err := m.pruneCompiled(found); err != nil {
		return err
	}

	batch, err := m.store.BeginBatch()
	if err != nil {
		return fmt.Errorf("beginning catalog sync: %w", err)
	}
	known, err := batch.Names()
	if err != nil {
		batch.Rollback()
		return fmt.Errorf("reading catalog: %w", err)
	}
	for _, tr := range found {
		if err := batch.UpsertTrace(tr); err != nil {
			batch.Rollback()
			return fmt.Errorf("cataloguing %s: %w", tr.Name, err)
		}
		delete(known, tr.Name)
	}
	for name := range known {
		if err := batch.DeleteTrace(name); err != nil {
			batch.Rollback()
			return fmt.Errorf("removing %s from catalog: %w", name, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("committing catalog sync: %w", err)
	}

	if err := m.store.SetMetadata("refreshed_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	level.Debug(m.logger).Log("msg", "refreshed trace catalog", "traces", len(found), "removed", len(known))
	return nil
}

func (m *Manager) scanTraces() (map[string]*store.Trace, error) {
	entries, err := os.ReadDir(m.cfg.TraceDir)
	if err != nil {
		return nil, &index.IOError{Op: "scan trace directory", Path: m.cfg.TraceDir, Err: err}
	}

	found := make(map[string]*store.Trace)
	for _, e := range entries {
		if !e.Type().IsRegular() || !m.cfg.IsTraceFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Deleted between listing and stat.
			continue
		}
		path := filepath.Join(m.cfg.TraceDir, e.Name())
		found[e.Name()] = &store.Trace{
			Name:      e.Name(),
			Path:      path,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			InvokeURL: m.invokeURL(path),
		}
	}
	return found, nil
}

// pruneCompiled deletes indexes whose trace is gone or has been rewritten.
func (m *Manager) pruneCompiled(found map[string]*store.Trace) error {
	entries, err := os.ReadDir(m.cfg.StorageDir)
	if err != nil {
		return &index.IOError{Op: "scan storage directory", Path: m.cfg.StorageDir, Err: err}
	}

	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), m.cfg.PreprocessedSuffix)
		if !ok || !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}

		reason := ""
		if tr, ok := found[name]; !ok {
			reason = "orphaned"
		} else if tr.ModTime.After(info.ModTime()) {
			reason = "stale"
		}
		if reason == "" {
			continue
		}

		path := filepath.Join(m.cfg.StorageDir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			level.Warn(m.logger).Log("msg", "failed to delete compiled index", "path", path, "err", err)
			continue
		}
		m.readers.Remove(name)
		if err := m.store.ClearCompiled(name); err != nil {
			level.Warn(m.logger).Log("msg", "failed to clear compiled state", "trace", name, "err", err)
		}
		level.Info(m.logger).Log("msg", "deleted compiled index", "reason", reason, "path", path)
	}
	return nil
}

// invokeURL returns the cmd header found near the start of a trace.
func (m *Manager) invokeURL(path string) string {
	in, err := index.OpenTrace(path)
	if err != nil {
		return ""
	}
	defer in.Close()

	sc := bufio.NewScanner(in)
	for i := 0; i < invokeURLLines && sc.Scan(); i++ {
		if v, ok := strings.CutPrefix(sc.Text(), "cmd: "); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Traces returns the catalogued traces, newest first.
func (m *Manager) Traces() ([]*store.Trace, error) {
	return m.store.ListTraces()
}

// Stats summarizes the catalog.
func (m *Manager) Stats() (*store.Stats, error) {
	return m.store.GetStats()
}

// Trace returns one catalogued trace.
func (m *Manager) Trace(name string) (*store.Trace, error) {
	tr, err := m.store.GetTrace(name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrace, name)
	}
	return tr, err
}

// Reader returns a reader over the index of the named trace, compiling it
// first when it is missing or older than the trace. An index written with
// another format revision is deleted and rebuilt once.
func (m *Manager) Reader(name string) (*index.Reader, error) {
	tr, err := m.Trace(name)
	if err != nil {
		return nil, err
	}
	v, err, _ := m.group.Do(name, func() (any, error) {
		return m.reader(tr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*index.Reader), nil
}

func (m *Manager) reader(tr *store.Trace) (*index.Reader, error) {
	dst := m.cfg.CompiledPath(tr.Name)
	fresh, err := m.fresh(tr.Path, dst)
	if err != nil {
		return nil, err
	}

	if fresh {
		if r, ok := m.readers.Get(tr.Name); ok {
			m.metrics.readerRequests.WithLabelValues(resultHit).Inc()
			return r, nil
		}
	}
	m.metrics.readerRequests.WithLabelValues(resultMiss).Inc()
	m.readers.Remove(tr.Name)

	compiled := false
	if !fresh {
		if err := m.compile(tr.Path, dst); err != nil {
			return nil, err
		}
		compiled = true
	}

	r, err := index.Open(dst, m.layout)
	var vm *index.VersionMismatchError
	if errors.As(err, &vm) {
		level.Info(m.logger).Log("msg", "recompiling index with mismatched format", "path", dst, "found", vm.Found, "expected", vm.Expected)
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &index.IOError{Op: "delete index", Path: dst, Err: err}
		}
		if err := m.compile(tr.Path, dst); err != nil {
			return nil, err
		}
		compiled = true
		r, err = index.Open(dst, m.layout)
	}
	if err != nil {
		return nil, err
	}

	if compiled {
		err := m.store.MarkCompiled(tr.Name, &store.Compilation{
			Path:          dst,
			At:            time.Now(),
			FunctionCount: r.FunctionCount(),
			Summary:       r.Summary(),
			FormatVersion: m.layout.Version,
		})
		if err != nil {
			level.Warn(m.logger).Log("msg", "failed to record compilation", "trace", tr.Name, "err", err)
		}
	}
	m.readers.Add(tr.Name, r)
	return r, nil
}

// fresh reports whether dst exists and is at least as new as src.
func (m *Manager) fresh(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, &index.IOError{Op: "stat trace", Path: src, Err: err}
	}
	dstInfo, err := os.Stat(dst)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &index.IOError{Op: "stat index", Path: dst, Err: err}
	}
	return !srcInfo.ModTime().After(dstInfo.ModTime()), nil
}

func (m *Manager) compile(src, dst string) error {
	start := time.Now()
	_, err := m.compiler.Compile(src, dst)
	m.metrics.compileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.metrics.compiles.WithLabelValues(resultError).Inc()
		level.Error(m.logger).Log("msg", "failed to compile trace", "src", src, "err", err)
		return err
	}
	m.metrics.compiles.WithLabelValues(resultSuccess).Inc()
	return nil
}

// Close closes every cached reader.
func (m *Manager) Close() error {
	var errs []error
	for _, name := range m.readers.Keys() {
		if r, ok := m.readers.Peek(name); ok {
			errs = append(errs, r.Close())
		}
	}
	m.readers.Purge()
	return errors.Join(errs...)
}
