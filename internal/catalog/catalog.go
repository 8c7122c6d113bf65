// Package catalog provides the coordinator database: an embedded SQLite
// index over the treants discovered on disk, for fast queries by tag,
// category, or name.
//
// State files remain the source of truth; the catalog is a cache that
// is rebuilt from the filesystem and may lag behind it. Treants record
// the catalog they belong to in their coordinator field.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Record is one cataloged treant. It mirrors the unit's identity record
// plus its tags and categories as of the last sync.
type Record struct {
	UUID       string
	Name       string
	TreantType string
	Path       string
	Tags       []string
	Categories map[string]string
	SyncedAt   time.Time
}

// Catalog wraps the embedded SQLite connection.
type Catalog struct {
	conn *sql.DB
	path string
}

// Open creates or opens the catalog database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. The caller MUST call Close() when done.
func Open(path string) (*Catalog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	c := &Catalog{conn: conn, path: path}

	// WAL mode allows concurrent readers during writes.
	if _, err := c.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := c.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := c.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return c, nil
}

// Path returns the filesystem path of the catalog database.
func (c *Catalog) Path() string {
	return c.path
}

// Close checkpoints the WAL and closes the connection.
func (c *Catalog) Close() error {
	if c.conn == nil {
		return nil
	}
	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close catalog database: %w", err)
	}
	c.conn = nil
	return nil
}

// InitSchema creates the catalog schema if it doesn't exist. Idempotent.
func (c *Catalog) InitSchema() error {
	return c.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the catalog schema with context support.
func (c *Catalog) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS treants (
		uuid TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		path TEXT NOT NULL,
		synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tags (
		uuid TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (uuid, tag),
		FOREIGN KEY (uuid) REFERENCES treants(uuid) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS categories (
		uuid TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (uuid, key),
		FOREIGN KEY (uuid) REFERENCES treants(uuid) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_treants_name ON treants(name);
	CREATE INDEX IF NOT EXISTS idx_treants_type ON treants(type);
	CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);
	CREATE INDEX IF NOT EXISTS idx_categories_key ON categories(key);
	CREATE INDEX IF NOT EXISTS idx_categories_kv ON categories(key, value);
	`
	if _, err := c.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return nil
}

// Upsert inserts or updates a treant record along with its tags and
// categories, atomically.
func (c *Catalog) Upsert(rec *Record) error {
	return c.UpsertContext(context.Background(), rec)
}

// UpsertContext inserts or updates a treant record with context support.
func (c *Catalog) UpsertContext(ctx context.Context, rec *Record) error {
	if rec.UUID == "" {
		return fmt.Errorf("record uuid is required")
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	syncedAt := rec.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO treants (uuid, name, type, path, synced_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(uuid) DO UPDATE SET
		name = excluded.name,
		type = excluded.type,
		path = excluded.path,
		synced_at = excluded.synced_at
	`, rec.UUID, rec.Name, rec.TreantType, rec.Path, syncedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert treant %s: %w", rec.UUID, err)
	}

	// Tags and categories are replaced wholesale; the state file is
	// authoritative and sync always carries the full sets.
	if _, err := tx.ExecContext(ctx, "DELETE FROM tags WHERE uuid = ?", rec.UUID); err != nil {
		return fmt.Errorf("failed to clear tags for %s: %w", rec.UUID, err)
	}
	for _, tag := range rec.Tags {
		if _, err := tx.ExecContext(ctx, "INSERT INTO tags (uuid, tag) VALUES (?, ?)", rec.UUID, tag); err != nil {
			return fmt.Errorf("failed to insert tag %q for %s: %w", tag, rec.UUID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM categories WHERE uuid = ?", rec.UUID); err != nil {
		return fmt.Errorf("failed to clear categories for %s: %w", rec.UUID, err)
	}
	for key, value := range rec.Categories {
		if _, err := tx.ExecContext(ctx, "INSERT INTO categories (uuid, key, value) VALUES (?, ?, ?)", rec.UUID, key, value); err != nil {
			return fmt.Errorf("failed to insert category %q for %s: %w", key, rec.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Delete removes a treant and its tags/categories from the catalog.
// Deleting an unknown uuid is a no-op.
func (c *Catalog) Delete(uuid string) error {
	if _, err := c.conn.Exec("DELETE FROM treants WHERE uuid = ?", uuid); err != nil {
		return fmt.Errorf("failed to delete treant %s: %w", uuid, err)
	}
	return nil
}

// Get returns the cataloged record for uuid, or nil when unknown.
func (c *Catalog) Get(uuid string) (*Record, error) {
	recs, err := c.query("WHERE t.uuid = ?", uuid)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// All returns every cataloged record, ordered by name.
func (c *Catalog) All() ([]*Record, error) {
	return c.query("")
}

// FindByTag returns every record carrying the given tag.
func (c *Catalog) FindByTag(tag string) ([]*Record, error) {
	return c.query("WHERE t.uuid IN (SELECT uuid FROM tags WHERE tag = ?)", tag)
}

// FindByCategory returns every record whose categories contain the
// given key/value pair. An empty value matches any value for the key.
func (c *Catalog) FindByCategory(key, value string) ([]*Record, error) {
	if value == "" {
		return c.query("WHERE t.uuid IN (SELECT uuid FROM categories WHERE key = ?)", key)
	}
	return c.query("WHERE t.uuid IN (SELECT uuid FROM categories WHERE key = ? AND value = ?)", key, value)
}

// FindByName returns every record with the given name. Names are not
// unique, so this may return several records.
func (c *Catalog) FindByName(name string) ([]*Record, error) {
	return c.query("WHERE t.name = ?", name)
}

// Count returns the number of cataloged treants.
func (c *Catalog) Count() (int, error) {
	var n int
	if err := c.conn.QueryRow("SELECT COUNT(*) FROM treants").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count treants: %w", err)
	}
	return n, nil
}

// query runs the base record query with an optional WHERE clause and
// hydrates tags and categories for each row.
func (c *Catalog) query(where string, args ...any) ([]*Record, error) {
	q := "SELECT t.uuid, t.name, t.type, t.path, t.synced_at FROM treants t " + where + " ORDER BY t.name, t.uuid"
	rows, err := c.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query treants: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec := &Record{Categories: make(map[string]string)}
		var syncedAt string
		if err := rows.Scan(&rec.UUID, &rec.Name, &rec.TreantType, &rec.Path, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan treant row: %w", err)
		}
		if ts, perr := time.Parse(time.RFC3339Nano, syncedAt); perr == nil {
			rec.SyncedAt = ts
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate treant rows: %w", err)
	}

	for _, rec := range recs {
		if err := c.hydrate(rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (c *Catalog) hydrate(rec *Record) error {
	tagRows, err := c.conn.Query("SELECT tag FROM tags WHERE uuid = ? ORDER BY tag", rec.UUID)
	if err != nil {
		return fmt.Errorf("failed to query tags for %s: %w", rec.UUID, err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var tag string
		if err := tagRows.Scan(&tag); err != nil {
			return fmt.Errorf("failed to scan tag row: %w", err)
		}
		rec.Tags = append(rec.Tags, tag)
	}
	if err := tagRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate tag rows: %w", err)
	}

	catRows, err := c.conn.Query("SELECT key, value FROM categories WHERE uuid = ?", rec.UUID)
	if err != nil {
		return fmt.Errorf("failed to query categories for %s: %w", rec.UUID, err)
	}
	defer catRows.Close()
	for catRows.Next() {
		var key, value string
		if err := catRows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan category row: %w", err)
		}
		rec.Categories[key] = value
	}
	if err := catRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate category rows: %w", err)
	}
	return nil
}
