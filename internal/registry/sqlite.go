package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"seedkeeper/internal/apperrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	status INTEGER NOT NULL DEFAULT 0,
	seeding INTEGER NOT NULL DEFAULT 0,
	descriptor TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_items_status_seeding ON items(status, seeding);
`

// SQLite is a Registry stored in a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the registry at path. Failure to open or to create
// the schema is a startup precondition failure.
func Open(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Precondition("registry.open", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.Precondition("registry.open", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, apperrors.Precondition("registry.schema", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListPending implements Registry.
func (s *SQLite) ListPending(ctx context.Context) ([]Item, error) {
	return s.query(ctx,
		`SELECT id, status, seeding, descriptor, size, updated_at FROM items
		 WHERE status = ? AND seeding = 0 ORDER BY updated_at, id`,
		StatusReady,
	)
}

// MarkSeeding implements Registry. The conditional update is the mutual
// exclusion token: only one caller sees a row change.
func (s *SQLite) MarkSeeding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET seeding = 1, updated_at = ? WHERE id = ? AND status = ? AND seeding = 0`,
		time.Now().Unix(), id, StatusReady,
	)
	if err != nil {
		return apperrors.RegistryWrite("registry.markSeeding", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.RegistryWrite("registry.markSeeding", err)
	}
	if n == 0 {
		return &apperrors.Error{
			Sentinel: apperrors.ErrAlreadyClaimed,
			Message:  fmt.Sprintf("item %s is already seeding or not ready", id),
			Resource: id,
			Op:       "registry.markSeeding",
		}
	}
	return nil
}

// ReleaseSeeding implements Registry.
func (s *SQLite) ReleaseSeeding(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET seeding = 0, updated_at = ? WHERE id = ? AND seeding != 0`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return apperrors.RegistryWrite("registry.releaseSeeding", err)
	}
	return nil
}

// ClearAllSeedingFlags implements Registry.
func (s *SQLite) ClearAllSeedingFlags(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET seeding = 0, updated_at = ? WHERE seeding != 0`,
		time.Now().Unix(),
	)
	if err != nil {
		return 0, apperrors.RegistryWrite("registry.clearSeeding", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.RegistryWrite("registry.clearSeeding", err)
	}
	return n, nil
}

// Get returns one item.
func (s *SQLite) Get(ctx context.Context, id string) (*Item, error) {
	items, err := s.query(ctx,
		`SELECT id, status, seeding, descriptor, size, updated_at FROM items WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperrors.NotFound("item", id)
	}
	return &items[0], nil
}

// Put inserts or replaces an item. The seeding flag is only taken from item
// on insert; on an existing row it stays as MarkSeeding, ReleaseSeeding and
// ClearAllSeedingFlags left it.
func (s *SQLite) Put(ctx context.Context, item Item) error {
	if item.ID == "" {
		return apperrors.Validation("id", "item id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, status, seeding, descriptor, size, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			seeding = excluded.seeding,
			descriptor = excluded.descriptor,
			size = excluded.size,
			updated_at = excluded.updated_at`,
		item.ID, item.Status, boolToInt(item.Seeding), item.Descriptor, item.Size, time.Now().Unix(),
	)
	if err != nil {
		return apperrors.RegistryWrite("registry.put", err)
	}
	return nil
}

// Delete removes an item. Deleting a missing item is not an error.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return apperrors.RegistryWrite("registry.delete", err)
	}
	return nil
}

// List returns every item ordered by id.
func (s *SQLite) List(ctx context.Context) ([]Item, error) {
	return s.query(ctx, `SELECT id, status, seeding, descriptor, size, updated_at FROM items ORDER BY id`)
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it      Item
			seeding int
			updated int64
		)
		if err := rows.Scan(&it.ID, &it.Status, &seeding, &it.Descriptor, &it.Size, &updated); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Seeding = seeding != 0
		it.UpdatedAt = time.Unix(updated, 0).UTC()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsClaimed reports whether err means another worker already owns the item.
func IsClaimed(err error) bool {
	return errors.Is(err, apperrors.ErrAlreadyClaimed)
}

var _ Registry = (*SQLite)(nil)
