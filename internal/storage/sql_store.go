package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/nearby/internal/models"
)

// dialect carries the per-driver SQL. Everything else is shared.
type dialect struct {
	name             string
	schema           string
	upsertLocation   string
	visibleLocations string
	setVisibility    string
	touchLastSeen    string
	ensureSession    string
	createUser       string
	// usersByIDs returns the batch query and its arguments.
	usersByIDs func(ids []int64) (string, []any)
	// foreignKeyViolation recognises the driver's FK error.
	foreignKeyViolation func(err error) bool
}

// SQLStore implements LocationStore on database/sql.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.schema); err != nil {
		return fmt.Errorf("%s migrate: %w", s.d.name, err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) UpsertLocation(ctx context.Context, loc models.UserLocation) (models.UserLocation, error) {
	if loc.LastUpdated.IsZero() {
		loc.LastUpdated = time.Now()
	}
	row := s.db.QueryRowContext(ctx, s.d.upsertLocation, loc.UserID, loc.Lat, loc.Lng, loc.IsVisible, loc.LastUpdated.UTC())
	out, err := scanLocation(row)
	if err != nil {
		if s.d.foreignKeyViolation(err) {
			return models.UserLocation{}, fmt.Errorf("%s upsert location: %w: %d", s.d.name, ErrUnknownUser, loc.UserID)
		}
		return models.UserLocation{}, fmt.Errorf("%s upsert location: %w", s.d.name, err)
	}
	return out, nil
}

func (s *SQLStore) UsersByIDs(ctx context.Context, ids []int64) (map[int64]models.UserRecord, error) {
	out := make(map[int64]models.UserRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args := s.d.usersByIDs(ids)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s users by ids: %w", s.d.name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			u        models.UserRecord
			age      sql.NullInt64
			gender   sql.NullString
			avatar   sql.NullString
			lastSeen dbTime
			locID    sql.NullInt64
			lat, lng sql.NullFloat64
			visible  sql.NullBool
			updated  dbTime
		)
		if err := rows.Scan(&u.ID, &u.Name, &age, &gender, &avatar, &lastSeen, &locID, &lat, &lng, &visible, &updated); err != nil {
			return nil, fmt.Errorf("%s scan user: %w", s.d.name, err)
		}
		if age.Valid {
			v := int(age.Int64)
			u.Age = &v
		}
		if gender.Valid {
			u.Gender = &gender.String
		}
		if avatar.Valid {
			u.Avatar = &avatar.String
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			u.LastSeenAt = &t
		}
		if locID.Valid && lat.Valid && lng.Valid {
			u.Location = &models.UserLocation{
				ID:          locID.Int64,
				UserID:      u.ID,
				Lat:         lat.Float64,
				Lng:         lng.Float64,
				IsVisible:   visible.Bool,
				LastUpdated: updated.Time,
			}
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s users by ids: %w", s.d.name, err)
	}
	return out, nil
}

func (s *SQLStore) VisibleLocations(ctx context.Context) ([]models.UserLocation, error) {
	rows, err := s.db.QueryContext(ctx, s.d.visibleLocations)
	if err != nil {
		return nil, fmt.Errorf("%s visible locations: %w", s.d.name, err)
	}
	defer rows.Close()
	var out []models.UserLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan location: %w", s.d.name, err)
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s visible locations: %w", s.d.name, err)
	}
	return out, nil
}

func (s *SQLStore) SetVisibility(ctx context.Context, userID int64, visible bool) (*models.UserLocation, error) {
	loc, err := scanLocation(s.db.QueryRowContext(ctx, s.d.setVisibility, visible, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s set visibility: %w", s.d.name, err)
	}
	return &loc, nil
}

func (s *SQLStore) TouchLastSeen(ctx context.Context, userID int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.d.touchLastSeen, at.UTC(), userID); err != nil {
		return fmt.Errorf("%s touch last seen: %w", s.d.name, err)
	}
	return nil
}

func (s *SQLStore) EnsureSessionUser(ctx context.Context, token string) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, s.d.ensureSession, guestName(token), token).Scan(&id); err != nil {
		return 0, fmt.Errorf("%s ensure session user: %w", s.d.name, err)
	}
	return id, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, u NewUser) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, s.d.createUser, u.Name, nullable(u.Age), nullable(u.Gender), nullable(u.Avatar)).Scan(&id); err != nil {
		return 0, fmt.Errorf("%s create user: %w", s.d.name, err)
	}
	return id, nil
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(row scanner) (models.UserLocation, error) {
	var (
		loc     models.UserLocation
		userID  sql.NullInt64
		updated dbTime
	)
	if err := row.Scan(&loc.ID, &userID, &loc.Lat, &loc.Lng, &loc.IsVisible, &updated); err != nil {
		return models.UserLocation{}, err
	}
	loc.UserID = userID.Int64
	loc.LastUpdated = updated.Time
	return loc, nil
}
