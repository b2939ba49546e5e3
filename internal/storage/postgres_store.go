package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

//go:embed migrations/postgres.sql
var postgresSchema string

const locationColumns = `id, user_id, lat, lng, is_visible, last_updated`

var postgresDialect = dialect{
	name:   "postgres",
	schema: postgresSchema,
	upsertLocation: `INSERT INTO user_locations (user_id, lat, lng, is_visible, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET lat = EXCLUDED.lat, lng = EXCLUDED.lng, is_visible = EXCLUDED.is_visible, last_updated = EXCLUDED.last_updated
		RETURNING ` + locationColumns,
	visibleLocations: `SELECT ` + locationColumns + ` FROM user_locations WHERE is_visible AND user_id IS NOT NULL ORDER BY user_id`,
	setVisibility:    `UPDATE user_locations SET is_visible = $1 WHERE user_id = $2 RETURNING ` + locationColumns,
	touchLastSeen:    `UPDATE users SET last_seen_at = $1 WHERE id = $2`,
	ensureSession: `INSERT INTO users (name, session_token) VALUES ($1, $2)
		ON CONFLICT (session_token) DO UPDATE SET session_token = EXCLUDED.session_token
		RETURNING id`,
	createUser: `INSERT INTO users (name, age, gender, avatar) VALUES ($1, $2, $3, $4) RETURNING id`,
	usersByIDs: func(ids []int64) (string, []any) {
		return `SELECT u.id, u.name, u.age, u.gender, u.avatar, u.last_seen_at,
			l.id, l.lat, l.lng, l.is_visible, l.last_updated
			FROM users u LEFT JOIN user_locations l ON l.user_id = u.id
			WHERE u.id = ANY($1)`, []any{pq.Array(ids)}
	},
	foreignKeyViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23503"
	},
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	// quick ping
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &SQLStore{db: db, d: postgresDialect}, nil
}
