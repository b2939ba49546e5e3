package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/example/nearby/internal/models"
)

// EarthRadiusKm is fixed so distances are reproducible across index backends.
const EarthRadiusKm = 6371.0

var ErrInvalidCoordinate = errors.New("geo: invalid coordinate")

// Entry is a single member position used for bulk loads.
type Entry struct {
	MemberID int64
	Lng      float64
	Lat      float64
}

// SpatialIndex is the derived, non-authoritative position index.
// Implementations must be safe for concurrent use.
type SpatialIndex interface {
	Upsert(ctx context.Context, memberID int64, lng, lat float64) error
	// Remove reports whether the member was present.
	Remove(ctx context.Context, memberID int64) (bool, error)
	// QueryRadius returns members within radiusKm, inclusive, in no particular order.
	QueryRadius(ctx context.Context, lng, lat, radiusKm float64) ([]models.IndexHit, error)
	// BulkLoad upserts every entry and returns how many were written.
	BulkLoad(ctx context.Context, entries []Entry) (int, error)
	Len(ctx context.Context) (int64, error)
}

// ValidateCoord rejects NaN/Inf and out-of-range pairs.
func ValidateCoord(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return fmt.Errorf("%w: not a finite number", ErrInvalidCoordinate)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: lat %v out of [-90,90]", ErrInvalidCoordinate, lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: lng %v out of [-180,180]", ErrInvalidCoordinate, lng)
	}
	return nil
}

// Haversine distance in kilometers
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Index is an in-memory SpatialIndex.
type Index struct {
	mu      sync.RWMutex
	members map[int64]models.Coord
}

func NewIndex() *Index {
	return &Index{members: make(map[int64]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, memberID int64, lng, lat float64) error {
	if err := ValidateCoord(lat, lng); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[memberID] = models.Coord{Lat: lat, Lng: lng}
	return nil
}

func (g *Index) Remove(_ context.Context, memberID int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[memberID]; !ok {
		return false, nil
	}
	delete(g.members, memberID)
	return true, nil
}

// QueryRadius scans all members. Latitude alone bounds the great-circle
// distance from below, so members outside the latitude band are skipped
// before paying for the full haversine.
func (g *Index) QueryRadius(_ context.Context, lng, lat, radiusKm float64) ([]models.IndexHit, error) {
	if err := ValidateCoord(lat, lng); err != nil {
		return nil, err
	}
	if radiusKm < 0 || math.IsNaN(radiusKm) {
		return nil, fmt.Errorf("%w: negative radius", ErrInvalidCoordinate)
	}
	band := radiusKm/EarthRadiusKm*180/math.Pi + 1e-9

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.IndexHit, 0)
	for id, c := range g.members {
		if math.Abs(c.Lat-lat) > band {
			continue
		}
		d := Haversine(lat, lng, c.Lat, c.Lng)
		if d <= radiusKm {
			out = append(out, models.IndexHit{MemberID: id, DistanceKm: d, Lng: c.Lng, Lat: c.Lat})
		}
	}
	return out, nil
}

// BulkLoad is additive: members missing from entries are left untouched, so
// it can run alongside live upserts. Malformed entries are skipped and not
// counted.
func (g *Index) BulkLoad(_ context.Context, entries []Entry) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	loaded := 0
	for _, e := range entries {
		if ValidateCoord(e.Lat, e.Lng) != nil {
			continue
		}
		g.members[e.MemberID] = models.Coord{Lat: e.Lat, Lng: e.Lng}
		loaded++
	}
	return loaded, nil
}

func (g *Index) Len(_ context.Context) (int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return int64(len(g.members)), nil
}
