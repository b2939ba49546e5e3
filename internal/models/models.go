package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// UserLocation is the durable row for a user's last known position.
type UserLocation struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	IsVisible   bool      `json:"is_visible"`
	LastUpdated time.Time `json:"last_updated"`
}

// UserRecord is a user joined with its (optional) location row.
type UserRecord struct {
	ID         int64
	Name       string
	Age        *int
	Gender     *string
	Avatar     *string
	LastSeenAt *time.Time
	Location   *UserLocation
}

// IndexHit is one member returned by a spatial index radius query.
type IndexHit struct {
	MemberID   int64
	DistanceKm float64
	Lng        float64
	Lat        float64
}

type NearbyUser struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Age        *int    `json:"age"`
	Gender     *string `json:"gender"`
	Avatar     *string `json:"avatar"`
	Distance   float64 `json:"distance"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	LastSeenAt *string `json:"last_seen_at"`
}

// LocationChanged is broadcast on the live map channel after every update.
type LocationChanged struct {
	UserID int64     `json:"user_id"`
	Lat    float64   `json:"lat"`
	Lng    float64   `json:"lng"`
	At     time.Time `json:"at"`
}

// IdentityKind distinguishes registered accounts from anonymous sessions.
type IdentityKind int

const (
	Permanent IdentityKind = iota
	Ephemeral
)

// Identity is what the resolver hands to the location service. ID is always
// populated; SessionToken is set only for ephemeral identities.
type Identity struct {
	Kind         IdentityKind
	ID           int64
	SessionToken string
}

func PermanentIdentity(id int64) Identity { return Identity{Kind: Permanent, ID: id} }

func EphemeralIdentity(id int64, token string) Identity {
	return Identity{Kind: Ephemeral, ID: id, SessionToken: token}
}

func (i Identity) Valid() bool { return i.ID > 0 }
