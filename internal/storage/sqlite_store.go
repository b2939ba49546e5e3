package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: sqliteSchema,
	upsertLocation: `INSERT INTO user_locations (user_id, lat, lng, is_visible, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE
		SET lat = excluded.lat, lng = excluded.lng, is_visible = excluded.is_visible, last_updated = excluded.last_updated
		RETURNING ` + locationColumns,
	visibleLocations: `SELECT ` + locationColumns + ` FROM user_locations WHERE is_visible = 1 AND user_id IS NOT NULL ORDER BY user_id`,
	setVisibility:    `UPDATE user_locations SET is_visible = ? WHERE user_id = ? RETURNING ` + locationColumns,
	touchLastSeen:    `UPDATE users SET last_seen_at = ? WHERE id = ?`,
	ensureSession: `INSERT INTO users (name, session_token) VALUES (?, ?)
		ON CONFLICT (session_token) DO UPDATE SET session_token = excluded.session_token
		RETURNING id`,
	createUser: `INSERT INTO users (name, age, gender, avatar) VALUES (?, ?, ?, ?) RETURNING id`,
	usersByIDs: func(ids []int64) (string, []any) {
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		return `SELECT u.id, u.name, u.age, u.gender, u.avatar, u.last_seen_at,
			l.id, l.lat, l.lng, l.is_visible, l.last_updated
			FROM users u LEFT JOIN user_locations l ON l.user_id = u.id
			WHERE u.id IN (` + marks + `)`, args
	},
	foreignKeyViolation: func(err error) bool {
		var liteErr *sqlite.Error
		if !errors.As(err, &liteErr) {
			return false
		}
		// the primary code alone when extended result codes are off
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "FOREIGN KEY"))
	},
}

// NewSQLiteStore opens (and migrates) an embedded store using the pure Go
// modernc.org/sqlite driver. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// one connection: SQLite serializes writers anyway, and ":memory:" is per-connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	s := &SQLStore{db: db, d: sqliteDialect}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
