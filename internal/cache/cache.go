// Package cache holds short-lived nearby-query results. Entries are never
// updated in place; staleness is bounded only by the TTL passed to Put.
package cache

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/example/nearby/internal/models"
)

// DefaultKeyPrecision rounds coordinates to 4 decimals (~11 m at the equator),
// enough to merge jittery repeats of one position without merging neighbours.
const DefaultKeyPrecision = 4

type ProximityCache interface {
	Get(ctx context.Context, key string) ([]models.NearbyUser, bool, error)
	Put(ctx context.Context, key string, users []models.NearbyUser, ttl time.Duration) error
	InvalidateAll(ctx context.Context) error
}

// Key builds the cache key for a nearby query.
func Key(lat, lng, radiusKm float64, precision int) string {
	var b strings.Builder
	b.WriteString(roundFmt(lat, precision))
	b.WriteByte(':')
	b.WriteString(roundFmt(lng, precision))
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(radiusKm, 'f', -1, 64))
	return b.String()
}

func roundFmt(v float64, precision int) string {
	p := math.Pow(10, float64(precision))
	r := math.Round(v*p) / p
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', precision, 64)
}

func clone(in []models.NearbyUser) []models.NearbyUser {
	out := make([]models.NearbyUser, len(in))
	copy(out, in)
	return out
}
