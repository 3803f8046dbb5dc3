package vehicle

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Vehicle is one catalog entry.
type Vehicle struct {
	Name      string
	Category  string
	ImageURL  string
	UpdatedAt time.Time
}

// Store keeps the last successful catalog fetch in SQLite so the vocabulary
// survives API outages.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// OpenStore opens (creating when needed) the catalog database at path.
func OpenStore(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log.With(slog.String("component", "vehicle-store")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS vehicles (
    name_key TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    category TEXT NOT NULL,
    image_url TEXT,
    position INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vehicles_position ON vehicles(position);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init vehicle schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ReplaceAll swaps the cached catalog for vehicles, keeping their order.
// Duplicate names (case-insensitive) keep the first occurrence.
func (s *Store) ReplaceAll(ctx context.Context, vehicles []Vehicle) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM vehicles`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO vehicles(name_key, name, category, image_url, position, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name_key) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := s.clock().UTC().Format(time.RFC3339Nano)
	for i, v := range vehicles {
		if _, err = stmt.ExecContext(ctx, nameKey(v.Name), v.Name, v.Category, v.ImageURL, i, now); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// List returns cached vehicles in catalog order.
func (s *Store) List(ctx context.Context) ([]Vehicle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, category, image_url, updated_at FROM vehicles ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vehicles []Vehicle
	for rows.Next() {
		var (
			v        Vehicle
			imageURL sql.NullString
			updated  string
		)
		if err := rows.Scan(&v.Name, &v.Category, &imageURL, &updated); err != nil {
			return nil, err
		}
		v.ImageURL = imageURL.String
		if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			v.UpdatedAt = ts
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
