package configentry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS config_entries (
	entry_id   TEXT PRIMARY KEY,
	domain     TEXT NOT NULL,
	title      TEXT NOT NULL,
	unique_id  TEXT,
	source     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_config_entries_domain ON config_entries(domain);
`

// Storer persists entries. Manager works without one for tests and
// read-only runs.
type Storer interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, entryID string) error
}

// Store is the SQLite-backed Storer.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (creating if needed) the database at path.
// Use ":memory:" for a throwaway store.
func OpenStore(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite has a single writer and :memory: is per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns every stored entry in creation order.
func (s *Store) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, domain, title, unique_id, source, data, created_at
		FROM config_entries
		ORDER BY created_at, entry_id`)
	if err != nil {
		return nil, fmt.Errorf("querying config entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			uniqueID  sql.NullString
			source    string
			data      string
			createdAt string
		)
		if err := rows.Scan(&e.EntryID, &e.Domain, &e.Title, &uniqueID, &source, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning config entry: %w", err)
		}

		e.UniqueID = uniqueID.String
		e.Source = Source(source)
		e.State = StateNotLoaded
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("decoding data for entry %s: %w", e.EntryID, err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for entry %s: %w", e.EntryID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating config entries: %w", err)
	}

	return entries, nil
}

// Save inserts or replaces entry.
func (s *Store) Save(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("encoding data for entry %s: %w", entry.EntryID, err)
	}

	var uniqueID sql.NullString
	if entry.UniqueID != "" {
		uniqueID = sql.NullString{String: entry.UniqueID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config_entries (entry_id, domain, title, unique_id, source, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			title = excluded.title,
			unique_id = excluded.unique_id,
			data = excluded.data`,
		entry.EntryID, entry.Domain, entry.Title, uniqueID, string(entry.Source), string(data),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving config entry %s: %w", entry.EntryID, err)
	}
	return nil
}

// Delete removes an entry. Deleting a missing entry returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM config_entries WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("deleting config entry %s: %w", entryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting config entry %s: %w", entryID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
