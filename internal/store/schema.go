package store

// schema contains the SQL statements to create the trace catalog.
const schema = `
-- Traces found in the trace directory
CREATE TABLE IF NOT EXISTS traces (
    name           TEXT PRIMARY KEY,
    path           TEXT NOT NULL,
    size           INTEGER NOT NULL,
    mtime          INTEGER NOT NULL,
    invoke_url     TEXT NOT NULL DEFAULT '',
    compiled_path  TEXT NOT NULL DEFAULT '',
    compiled_at    INTEGER NOT NULL DEFAULT 0,
    function_count INTEGER NOT NULL DEFAULT 0,
    summary        INTEGER NOT NULL DEFAULT 0,
    format_version INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_traces_mtime ON traces(mtime);

-- Metadata table for catalog info
CREATE TABLE IF NOT EXISTS metadata (
    key   TEXT PRIMARY KEY,
    value TEXT
);
`
