package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/nearby/internal/models"
)

// ErrUnknownUser is returned when a location row names a user that does not exist.
var ErrUnknownUser = errors.New("storage: unknown user")

// LocationStore is the durable system of record for users and their last
// known location. Implementations must be safe for concurrent use.
type LocationStore interface {
	// UpsertLocation creates or replaces the single location row for
	// loc.UserID. It fails with ErrUnknownUser when no such user exists.
	UpsertLocation(ctx context.Context, loc models.UserLocation) (models.UserLocation, error)
	// UsersByIDs batch-loads users with their location rows. Unknown ids are
	// absent from the map.
	UsersByIDs(ctx context.Context, ids []int64) (map[int64]models.UserRecord, error)
	VisibleLocations(ctx context.Context) ([]models.UserLocation, error)
	// SetVisibility returns the updated row, or nil when the user has none.
	SetVisibility(ctx context.Context, userID int64, visible bool) (*models.UserLocation, error)
	TouchLastSeen(ctx context.Context, userID int64, at time.Time) error
	// EnsureSessionUser maps an anonymous session token to a pseudo-user id,
	// creating the user on first sight.
	EnsureSessionUser(ctx context.Context, token string) (int64, error)
	CreateUser(ctx context.Context, u NewUser) (int64, error)
	Close() error
}

type NewUser struct {
	Name   string
	Age    *int
	Gender *string
	Avatar *string
}

func guestName(token string) string {
	if len(token) > 8 {
		token = token[:8]
	}
	return "Guest " + token
}
