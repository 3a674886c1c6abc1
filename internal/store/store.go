package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the trace catalog to SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the catalog database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	dbPath := filepath.Join(dir, "tracelens.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// upsertTrace records a trace's source attributes. Compiled state survives
// only while size and mtime are unchanged.
func upsertTrace(db execer, t *Trace) error {
	_, err := db.Exec(`
		INSERT INTO traces (name, path, size, mtime, invoke_url)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			path = excluded.path,
			invoke_url = excluded.invoke_url,
			compiled_path  = CASE WHEN `+unchanged+` THEN traces.compiled_path ELSE '' END,
			compiled_at    = CASE WHEN `+unchanged+` THEN traces.compiled_at ELSE 0 END,
			function_count = CASE WHEN `+unchanged+` THEN traces.function_count ELSE 0 END,
			summary        = CASE WHEN `+unchanged+` THEN traces.summary ELSE 0 END,
			format_version = CASE WHEN `+unchanged+` THEN traces.format_version ELSE 0 END,
			size = excluded.size,
			mtime = excluded.mtime
	`, t.Name, t.Path, t.Size, nanos(t.ModTime), t.InvokeURL)
	return err
}

const unchanged = "traces.size = excluded.size AND traces.mtime = excluded.mtime"

// MarkCompiled records a published index for the named trace.
func (s *Store) MarkCompiled(name string, c *Compilation) error {
	res, err := s.db.Exec(`
		UPDATE traces SET
			compiled_path = ?,
			compiled_at = ?,
			function_count = ?,
			summary = ?,
			format_version = ?
		WHERE name = ?
	`, c.Path, nanos(c.At), c.FunctionCount, int64(c.Summary), int64(c.FormatVersion), name)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ClearCompiled forgets the compiled index of the named trace.
func (s *Store) ClearCompiled(name string) error {
	_, err := s.db.Exec(`
		UPDATE traces SET compiled_path = '', compiled_at = 0, function_count = 0, summary = 0, format_version = 0
		WHERE name = ?
	`, name)
	return err
}

func deleteTrace(db execer, name string) error {
	_, err := db.Exec("DELETE FROM traces WHERE name = ?", name)
	return err
}

const traceColumns = `name, path, size, mtime, invoke_url, compiled_path, compiled_at, function_count, summary, format_version`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (*Trace, error) {
	var (
		t                 Trace
		mtime, compiledAt int64
		summary, version  int64
	)
	err := row.Scan(&t.Name, &t.Path, &t.Size, &mtime, &t.InvokeURL,
		&t.CompiledPath, &compiledAt, &t.FunctionCount, &summary, &version)
	if err != nil {
		return nil, err
	}
	t.ModTime = fromNanos(mtime)
	t.CompiledAt = fromNanos(compiledAt)
	t.Summary = uint64(summary)
	t.FormatVersion = uint64(version)
	return &t, nil
}

// GetTrace returns the named trace or ErrNotFound.
func (s *Store) GetTrace(name string) (*Trace, error) {
	t, err := scanTrace(s.db.QueryRow("SELECT "+traceColumns+" FROM traces WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTraces returns every catalogued trace, newest first.
func (s *Store) ListTraces() ([]*Trace, error) {
	rows, err := s.db.Query("SELECT " + traceColumns + " FROM traces ORDER BY mtime DESC, name")
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()

	var traces []*Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trace: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// SetMetadata stores a key-value pair in the metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetMetadata retrieves a value from the metadata table.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	return value, err
}

// Stats holds catalog statistics.
type Stats struct {
	TraceCount    int       `json:"trace_count"`
	CompiledCount int       `json:"compiled_count"`
	TotalSize     int64     `json:"total_size"`
	RefreshedAt   time.Time `json:"refreshed_at"`
}

// GetStats returns statistics about the catalog.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(compiled_path != ''), 0), COALESCE(SUM(size), 0) FROM traces
	`).Scan(&stats.TraceCount, &stats.CompiledCount, &stats.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("counting traces: %w", err)
	}

	if ts, err := s.GetMetadata("refreshed_at"); err == nil {
		stats.RefreshedAt, _ = time.Parse(time.RFC3339, ts)
	}
	return stats, nil
}

// BeginBatch starts a transaction for a catalog sync.
// Call Commit() when done, or Rollback() on error.
func (s *Store) BeginBatch() (*BatchTx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &BatchTx{tx: tx}, nil
}

// BatchTx wraps a transaction for batch operations.
type BatchTx struct {
	tx *sql.Tx
}

// Commit commits the batch transaction.
func (b *BatchTx) Commit() error {
	return b.tx.Commit()
}

// Rollback rolls back the batch transaction.
func (b *BatchTx) Rollback() error {
	return b.tx.Rollback()
}

// UpsertTrace records a trace within the batch.
func (b *BatchTx) UpsertTrace(t *Trace) error {
	return upsertTrace(b.tx, t)
}

// DeleteTrace removes a trace within the batch.
func (b *BatchTx) DeleteTrace(name string) error {
	return deleteTrace(b.tx, name)
}

// Names returns the names of every catalogued trace within the batch.
func (b *BatchTx) Names() (map[string]bool, error) {
	rows, err := b.tx.Query("SELECT name FROM traces")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names[name] = true
	}
	return names, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
