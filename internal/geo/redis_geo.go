package geo

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/nearby/internal/models"
)

const bulkChunk = 500

// MaxRedisLat is the Web Mercator latitude limit of Redis GEO sets.
const MaxRedisLat = 85.05112878

// RedisGeo implements SpatialIndex using Redis GEO commands. Members are
// stored under a single sorted set keyed by the decimal user id.
//
// Latitudes past ±MaxRedisLat are clamped on the way in, both for members
// and for query centres. The durable row keeps the true latitude.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key, logger: slog.Default().With("component", "redis_geo")}
}

// WithLogger replaces the logger used to report skipped bulk entries.
func (r *RedisGeo) WithLogger(logger *slog.Logger) *RedisGeo {
	r.logger = logger.With("component", "redis_geo")
	return r
}

func clampLat(lat float64) float64 {
	switch {
	case lat > MaxRedisLat:
		return MaxRedisLat
	case lat < -MaxRedisLat:
		return -MaxRedisLat
	}
	return lat
}

func (r *RedisGeo) Upsert(ctx context.Context, memberID int64, lng, lat float64) error {
	if err := ValidateCoord(lat, lng); err != nil {
		return err
	}
	loc := &redis.GeoLocation{Longitude: lng, Latitude: clampLat(lat), Name: memberName(memberID)}
	if err := r.client.GeoAdd(ctx, r.key, loc).Err(); err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, memberID int64) (bool, error) {
	n, err := r.client.ZRem(ctx, r.key, memberName(memberID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis zrem: %w", err)
	}
	return n > 0, nil
}

func (r *RedisGeo) QueryRadius(ctx context.Context, lng, lat, radiusKm float64) ([]models.IndexHit, error) {
	if err := ValidateCoord(lat, lng); err != nil {
		return nil, err
	}
	if radiusKm < 0 {
		return nil, fmt.Errorf("%w: negative radius", ErrInvalidCoordinate)
	}
	res, err := r.client.GeoRadius(ctx, r.key, lng, clampLat(lat), &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithDist:  true,
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	out := make([]models.IndexHit, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			// foreign member in our key; not ours to report
			continue
		}
		out = append(out, models.IndexHit{MemberID: id, DistanceKm: g.Dist, Lng: g.Longitude, Lat: g.Latitude})
	}
	return out, nil
}

// BulkLoad issues GEOADD in chunks. Like the in-memory index it never deletes,
// so a concurrent upsert for the same member is last-write-wins. Malformed
// entries are skipped and logged; they never sink the rest of their chunk.
func (r *RedisGeo) BulkLoad(ctx context.Context, entries []Entry) (int, error) {
	loaded := 0
	for start := 0; start < len(entries); start += bulkChunk {
		end := start + bulkChunk
		if end > len(entries) {
			end = len(entries)
		}
		locs := make([]*redis.GeoLocation, 0, end-start)
		for _, e := range entries[start:end] {
			if err := ValidateCoord(e.Lat, e.Lng); err != nil {
				r.logger.Warn("skipping bulk entry", "member_id", e.MemberID, "error", err)
				continue
			}
			locs = append(locs, &redis.GeoLocation{Longitude: e.Lng, Latitude: clampLat(e.Lat), Name: memberName(e.MemberID)})
		}
		if len(locs) == 0 {
			continue
		}
		if err := r.client.GeoAdd(ctx, r.key, locs...).Err(); err != nil {
			return loaded, fmt.Errorf("redis geoadd bulk: %w", err)
		}
		loaded += len(locs)
	}
	return loaded, nil
}

func (r *RedisGeo) Len(ctx context.Context) (int64, error) {
	n, err := r.client.ZCard(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return n, nil
}

func memberName(id int64) string { return strconv.FormatInt(id, 10) }
