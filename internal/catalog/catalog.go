// Package catalog is the registry's durable catalog: a hash-keyed
// artifacts relation and an alias relation, backed by a single SQLite
// file, following the schema-in-a-string / database/sql idiom used by
// northstar's knowledge store.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	_ "github.com/mattn/go-sqlite3"
)

// Artifact is a model file identified by its content hash, per spec.md §3.
type Artifact struct {
	Hash          digest.Digest
	CanonicalPath string
	SizeBytes     uint64
	SourceURL     string
	Metadata      string
	AddedAt       time.Time
}

// Alias is a secondary filesystem name for an Artifact's bytes.
type Alias struct {
	Hash      digest.Digest
	AliasPath string
	CreatedAt time.Time
}

// Stats summarizes the catalog's contents.
type Stats struct {
	ArtifactCount int64
	AliasCount    int64
	TotalBytes    int64
}

// ErrUnavailable wraps any backing-store I/O error. Per spec.md §4.2 this
// is fatal for the enclosing request; callers must not fall back to
// proceeding without the catalog.
var ErrUnavailable = errors.New("catalog: unavailable")

// Catalog is a single-writer/multi-reader durable store. All write
// operations serialize on mu; reads use the database's own MVCC snapshot
// isolation (WAL mode) and do not block on mu.
type Catalog struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the catalog database at path, creating its parent
// directory and schema if necessary.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, fmt.Errorf("catalog: creating directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing schema: %v", ErrUnavailable, err)
	}
	return c, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS artifacts (
		hash           TEXT PRIMARY KEY,
		canonical_path TEXT NOT NULL UNIQUE,
		size_bytes     INTEGER NOT NULL,
		source_url     TEXT NOT NULL DEFAULT '',
		metadata       TEXT NOT NULL DEFAULT '',
		added_at       DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS aliases (
		hash       TEXT NOT NULL REFERENCES artifacts(hash),
		alias_path TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (hash, alias_path)
	);
	CREATE INDEX IF NOT EXISTS idx_aliases_hash ON aliases(hash);
	`
	_, err := c.db.Exec(schema)
	return err
}

// InsertArtifact records a newly downloaded artifact. A hash that already
// exists is a no-op per spec.md §4.2's idempotence guarantee.
func (c *Catalog) InsertArtifact(ctx context.Context, a Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO artifacts (hash, canonical_path, size_bytes, source_url, metadata, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, a.Hash.String(), a.CanonicalPath, a.SizeBytes, a.SourceURL, a.Metadata, a.AddedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: inserting artifact %s: %v", ErrUnavailable, a.Hash, err)
	}
	return nil
}

// InsertAlias records an alias row. A (hash, alias_path) pair that already
// exists is a no-op.
func (c *Catalog) InsertAlias(ctx context.Context, al Alias) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO aliases (hash, alias_path, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(hash, alias_path) DO NOTHING
	`, al.Hash.String(), al.AliasPath, al.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: inserting alias %s: %v", ErrUnavailable, al.AliasPath, err)
	}
	return nil
}

// GetByHash returns the Artifact for hash, or (Artifact{}, false, nil) if
// absent.
func (c *Catalog) GetByHash(ctx context.Context, hash digest.Digest) (Artifact, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT hash, canonical_path, size_bytes, source_url, metadata, added_at
		FROM artifacts WHERE hash = ?
	`, hash.String())

	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, fmt.Errorf("%w: get_by_hash %s: %v", ErrUnavailable, hash, err)
	}
	return a, true, nil
}

// GetByPath returns the Artifact whose canonical_path or alias_path equals
// absPath, and whether absPath is itself the canonical path.
func (c *Catalog) GetByPath(ctx context.Context, absPath string) (artifact Artifact, isCanonical bool, found bool, err error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT hash, canonical_path, size_bytes, source_url, metadata, added_at
		FROM artifacts WHERE canonical_path = ?
	`, absPath)
	a, err := scanArtifact(row)
	if err == nil {
		return a, true, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, false, false, fmt.Errorf("%w: get_by_path %s: %v", ErrUnavailable, absPath, err)
	}

	row = c.db.QueryRowContext(ctx, `
		SELECT a.hash, a.canonical_path, a.size_bytes, a.source_url, a.metadata, a.added_at
		FROM artifacts a JOIN aliases l ON l.hash = a.hash
		WHERE l.alias_path = ?
	`, absPath)
	a, err = scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, false, false, nil
	}
	if err != nil {
		return Artifact{}, false, false, fmt.Errorf("%w: get_by_path %s: %v", ErrUnavailable, absPath, err)
	}
	return a, false, true, nil
}

// ListArtifacts returns every artifact row.
func (c *Catalog) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT hash, canonical_path, size_bytes, source_url, metadata, added_at FROM artifacts
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list_artifacts: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list_artifacts: %v", ErrUnavailable, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAliasesFor returns every alias row for hash.
func (c *Catalog) ListAliasesFor(ctx context.Context, hash digest.Digest) ([]Alias, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT hash, alias_path, created_at FROM aliases WHERE hash = ?
	`, hash.String())
	if err != nil {
		return nil, fmt.Errorf("%w: list_aliases_for %s: %v", ErrUnavailable, hash, err)
	}
	defer rows.Close()

	var out []Alias
	for rows.Next() {
		var al Alias
		var hashStr string
		if err := rows.Scan(&hashStr, &al.AliasPath, &al.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: list_aliases_for %s: %v", ErrUnavailable, hash, err)
		}
		al.Hash = digest.Digest(hashStr)
		out = append(out, al)
	}
	return out, rows.Err()
}

// Stats summarizes artifact/alias counts and total bytes stored.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	row := c.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM artifacts),
			(SELECT COUNT(*) FROM aliases),
			(SELECT COALESCE(SUM(size_bytes), 0) FROM artifacts)
	`)
	if err := row.Scan(&s.ArtifactCount, &s.AliasCount, &s.TotalBytes); err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrUnavailable, err)
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var a Artifact
	var hashStr string
	if err := row.Scan(&hashStr, &a.CanonicalPath, &a.SizeBytes, &a.SourceURL, &a.Metadata, &a.AddedAt); err != nil {
		return Artifact{}, err
	}
	a.Hash = digest.Digest(hashStr)
	return a, nil
}
