// Package catalog keeps an SQLite index of the curve records a user has
// acquired or opened, so they can be listed without parsing every file.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gotmc/phasenoise/lib/pnp"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned for a path that is not in the catalog.
var ErrNotFound = errors.New("record not in catalog")

// Entry is one indexed record.
type Entry struct {
	Path       string
	Caption    string
	Taken      string
	Model      string
	CarrierHz  float64
	CarrierDBm float64
	MinDecade  int
	MaxDecade  int
	MinDBcHz   float64
	MaxDBcHz   float64
	RecordedAt time.Time
}

// Store is an open catalog database.
type Store struct {
	db  *sql.DB
	now func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the catalog at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"))
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

const upsertSQL = `
INSERT INTO records (
    path, caption, taken, model, carrier_hz, carrier_dbm,
    min_decade, max_decade, min_dbc_hz, max_dbc_hz, recorded_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (path) DO UPDATE SET
    caption = excluded.caption,
    taken = excluded.taken,
    model = excluded.model,
    carrier_hz = excluded.carrier_hz,
    carrier_dbm = excluded.carrier_dbm,
    min_decade = excluded.min_decade,
    max_decade = excluded.max_decade,
    min_dbc_hz = excluded.min_dbc_hz,
    max_dbc_hz = excluded.max_dbc_hz,
    recorded_at = excluded.recorded_at`

// Record adds src, which must have a Path, or refreshes its entry.
func (s *Store) Record(ctx context.Context, src *pnp.Source) error {
	if src.Path == "" {
		return errors.New("record has no path")
	}
	_, err := s.db.ExecContext(ctx, upsertSQL,
		src.Path, src.Caption, src.Timestamp, src.Model, src.CarrierHz, src.CarrierDBm,
		src.MinDecade, src.MaxDecade, src.MinDBcHz, src.MaxDBcHz, s.now().UTC())
	if err != nil {
		return fmt.Errorf("recording %s: %w", src.Path, err)
	}
	return nil
}

const selectSQL = `
SELECT
    path, caption, taken, model, carrier_hz, carrier_dbm,
    min_decade, max_decade, min_dbc_hz, max_dbc_hz, recorded_at
FROM records`

func scan(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	err := row.Scan(&e.Path, &e.Caption, &e.Taken, &e.Model, &e.CarrierHz, &e.CarrierDBm,
		&e.MinDecade, &e.MaxDecade, &e.MinDBcHz, &e.MaxDBcHz, &e.RecordedAt)
	return e, err
}

// Get returns the entry for path.
func (s *Store) Get(ctx context.Context, path string) (Entry, error) {
	e, err := scan(s.db.QueryRowContext(ctx, selectSQL+" WHERE path = ?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scanning %s: %w", path, err)
	}
	return e, nil
}

// List returns every entry, most recently recorded first.
func (s *Store) List(ctx context.Context) (entries []Entry, err error) {
	rows, err := s.db.QueryContext(ctx, selectSQL+" ORDER BY recorded_at DESC, path")
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cErr)
		}
	}()
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateCaption changes the caption stored for path.
func (s *Store) UpdateCaption(ctx context.Context, path, caption string) error {
	return s.exec(ctx, path, "UPDATE records SET caption = ? WHERE path = ?", caption, path)
}

// Remove drops path from the catalog.
func (s *Store) Remove(ctx context.Context, path string) error {
	return s.exec(ctx, path, "DELETE FROM records WHERE path = ?", path)
}

func (s *Store) exec(ctx context.Context, path, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
