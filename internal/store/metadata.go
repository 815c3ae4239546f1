package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/seekr-dev/seekr/internal/chunk"
	"github.com/seekr-dev/seekr/internal/errors"
)

// metadataSchemaVersion is the current chunk-table schema version.
const metadataSchemaVersion = 1

// ChunkStore persists chunk metadata and content in SQLite. It is the
// orchestrator's source of truth for what is indexed, backs the three-chunk
// expander, and holds the pending_repair set so the consistency sweep
// survives restarts.
type ChunkStore struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// RepairEntry is one chunk awaiting consistency repair.
type RepairEntry struct {
	ChunkID  string
	Reason   string
	Attempts int
}

// SymbolRecord is an extracted code symbol attached to a chunk.
type SymbolRecord struct {
	Name      string
	Kind      string
	Path      string
	StartLine int
	EndLine   int
	ChunkID   string
}

// NewChunkStore opens or creates the chunk database at path. An empty path
// creates an in-memory database for testing.
func NewChunkStore(path string) (*ChunkStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}

	// Single writer to prevent lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
		}
	}

	s := &ChunkStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ChunkStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id         TEXT PRIMARY KEY,
		path       TEXT NOT NULL,
		ord        INTEGER NOT NULL,
		start_line INTEGER NOT NULL,
		end_line   INTEGER NOT NULL,
		content    TEXT NOT NULL,
		language   TEXT NOT NULL DEFAULT '',
		UNIQUE(path, ord)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);

	CREATE TABLE IF NOT EXISTS pending_repair (
		chunk_id TEXT PRIMARY KEY,
		reason   TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS symbols (
		name       TEXT NOT NULL,
		kind       TEXT NOT NULL,
		path       TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line   INTEGER NOT NULL,
		chunk_id   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);
	CREATE INDEX IF NOT EXISTS idx_symbols_path ON symbols(path);

	CREATE TABLE IF NOT EXISTS state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, metadataSchemaVersion); err != nil {
			return errors.Wrap(errors.ErrCodeIOPermanent, err)
		}
	case err != nil:
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	case version != metadataSchemaVersion:
		return errors.Newf(errors.ErrCodeIncompatibleIndex,
			"chunk store schema version %d, want %d", version, metadataSchemaVersion)
	}
	return nil
}

// SaveChunks upserts chunks in one transaction.
func (s *ChunkStore) SaveChunks(ctx context.Context, chunks []*chunk.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Newf(errors.ErrCodeIndexFailed, "chunk store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks (id, path, ord, start_line, end_line, content, language)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.FilePath, c.Ord, c.StartLine, c.EndLine, c.Content, c.Language); err != nil {
			return errors.Wrap(errors.ErrCodeIOPermanent, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}

// GetChunk fetches a chunk by id. Returns nil, nil when absent.
func (s *ChunkStore) GetChunk(ctx context.Context, id string) (*chunk.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, ord, start_line, end_line, content, language
		FROM chunks WHERE id = ?`, id)
	return scanChunk(row)
}

// GetChunks fetches chunks by id in one query. Missing ids are skipped.
func (s *ChunkStore) GetChunks(ctx context.Context, ids []string) ([]*chunk.Chunk, error) {
	if len(ids) == 0 {
		return []*chunk.Chunk{}, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, path, ord, start_line, end_line, content, language
		FROM chunks WHERE id IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer rows.Close()

	var chunks []*chunk.Chunk
	for rows.Next() {
		c, err := scanChunkRows(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetChunksByPath returns a file's chunks ordered by ordinal.
func (s *ChunkStore) GetChunksByPath(ctx context.Context, path string) ([]*chunk.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, ord, start_line, end_line, content, language
		FROM chunks WHERE path = ? ORDER BY ord`, path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer rows.Close()

	var chunks []*chunk.Chunk
	for rows.Next() {
		c, err := scanChunkRows(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetNeighbors returns the chunks immediately before and after the given
// ordinal in the same file. Either may be nil at a file boundary.
func (s *ChunkStore) GetNeighbors(ctx context.Context, path string, ord int) (prev, next *chunk.Chunk, err error) {
	prev, err = s.chunkAt(ctx, path, ord-1)
	if err != nil {
		return nil, nil, err
	}
	next, err = s.chunkAt(ctx, path, ord+1)
	if err != nil {
		return nil, nil, err
	}
	return prev, next, nil
}

func (s *ChunkStore) chunkAt(ctx context.Context, path string, ord int) (*chunk.Chunk, error) {
	if ord < 0 {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, ord, start_line, end_line, content, language
		FROM chunks WHERE path = ? AND ord = ?`, path, ord)
	return scanChunk(row)
}

// DeleteChunksByPath removes a file's chunks and symbols, returning the
// deleted chunk ids.
func (s *ChunkStore) DeleteChunksByPath(ctx context.Context, path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.Newf(errors.ErrCodeIndexFailed, "chunk store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE path = ?`, path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM symbols WHERE path = ?`, path); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return ids, nil
}

// DeleteChunks removes chunks by id.
func (s *ChunkStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Newf(errors.ErrCodeIndexFailed, "chunk store is closed")
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	in := strings.Join(placeholders, ",")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks WHERE id IN (%s)`, in), args...); err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM symbols WHERE chunk_id IN (%s)`, in), args...); err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}

// AllIDs returns every chunk id.
// Used for consistency checking between stores.
func (s *ChunkStore) AllIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of stored chunks.
func (s *ChunkStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return n, nil
}

// AddPendingRepair records a chunk whose cross-index install or removal did
// not complete; the background sweep retries it.
func (s *ChunkStore) AddPendingRepair(ctx context.Context, chunkID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_repair (chunk_id, reason) VALUES (?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET reason = excluded.reason`, chunkID, reason)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}

// ListPendingRepairs returns pending repairs ordered by attempts.
func (s *ChunkStore) ListPendingRepairs(ctx context.Context, limit int) ([]*RepairEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, reason, attempts FROM pending_repair
		ORDER BY attempts, chunk_id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer rows.Close()

	var entries []*RepairEntry
	for rows.Next() {
		var e RepairEntry
		if err := rows.Scan(&e.ChunkID, &e.Reason, &e.Attempts); err != nil {
			return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ResolvePendingRepair removes a repaired entry.
func (s *ChunkStore) ResolvePendingRepair(ctx context.Context, chunkID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_repair WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}

// BumpPendingRepair increments the attempt counter after a failed repair.
func (s *ChunkStore) BumpPendingRepair(ctx context.Context, chunkID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_repair SET attempts = attempts + 1 WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}

// DeleteSymbolsByPath clears a file's symbols before re-extraction.
func (s *ChunkStore) DeleteSymbolsByPath(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM symbols WHERE path = ?`, path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}

// SaveSymbols stores extracted symbols for a file.
func (s *ChunkStore) SaveSymbols(ctx context.Context, symbols []*SymbolRecord) error {
	if len(symbols) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Newf(errors.ErrCodeIndexFailed, "chunk store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbols (name, kind, path, start_line, end_line, chunk_id)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer stmt.Close()

	for _, sym := range symbols {
		if _, err := stmt.ExecContext(ctx, sym.Name, sym.Kind, sym.Path, sym.StartLine, sym.EndLine, sym.ChunkID); err != nil {
			return errors.Wrap(errors.ErrCodeIOPermanent, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}

// SearchSymbols finds symbols whose name contains the query
// (case-insensitive), exact matches first.
func (s *ChunkStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*SymbolRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, path, start_line, end_line, chunk_id FROM symbols
		WHERE name LIKE '%' || ? || '%' COLLATE NOCASE
		ORDER BY CASE WHEN name = ? THEN 0 WHEN name LIKE ? || '%' THEN 1 ELSE 2 END, name
		LIMIT ?`, name, name, name, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer rows.Close()

	var symbols []*SymbolRecord
	for rows.Next() {
		var sym SymbolRecord
		if err := rows.Scan(&sym.Name, &sym.Kind, &sym.Path, &sym.StartLine, &sym.EndLine, &sym.ChunkID); err != nil {
			return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
		}
		symbols = append(symbols, &sym)
	}
	return symbols, rows.Err()
}

// GetState reads a runtime state value. Returns "" when absent.
func (s *ChunkStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return value, nil
}

// SetState writes a runtime state value.
func (s *ChunkStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}

// Close checkpoints and closes the database.
func (s *ChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row *sql.Row) (*chunk.Chunk, error) {
	c, err := scanChunkRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanChunkRows(row rowScanner) (*chunk.Chunk, error) {
	var c chunk.Chunk
	err := row.Scan(&c.ID, &c.FilePath, &c.Ord, &c.StartLine, &c.EndLine, &c.Content, &c.Language)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
