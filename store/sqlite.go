package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/gogpu/tilemap/tile"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite stores tiles in a single table addressed by scheme, style and
// tile index.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at dsn and applies migrations.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	// go-sqlite3 serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key tile.Key) ([]byte, bool, error) {
	const query = `SELECT tile_data FROM tiles
	WHERE scheme = ? AND style = ? AND z = ? AND x = ? AND y = ?`

	var data []byte
	err := s.db.QueryRowContext(ctx, query,
		key.Scheme, key.StyleVersion, key.Index.Z, key.Index.X, key.Index.Y).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: sqlite get %s: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, true, nil
}

func (s *SQLite) Put(ctx context.Context, key tile.Key, data []byte) error {
	const query = `INSERT INTO tiles (scheme, style, z, x, y, tile_data)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(scheme, style, z, x, y) DO UPDATE SET tile_data = excluded.tile_data`

	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, query,
		key.Scheme, key.StyleVersion, key.Index.Z, key.Index.X, key.Index.Y, data)
	if err != nil {
		return fmt.Errorf("store: sqlite put %s: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
