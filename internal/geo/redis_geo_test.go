package geo

import (
	"context"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisGeo(t *testing.T) *RedisGeo {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisGeo(client, "user_locations")
}

func TestRedisGeoUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	r := newTestRedisGeo(t)
	if err := r.Upsert(ctx, 2, 30.5238, 50.4650); err != nil {
		t.Fatal(err)
	}
	hits, err := r.QueryRadius(ctx, 30.5234, 50.4501, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].MemberID != 2 {
		t.Fatalf("expected member 2, got %+v", hits)
	}
	if math.Abs(hits[0].DistanceKm-1.66) > 0.05 {
		t.Fatalf("expected ~1.66km, got %v", hits[0].DistanceKm)
	}
}

func TestRedisGeoRemove(t *testing.T) {
	ctx := context.Background()
	r := newTestRedisGeo(t)
	_ = r.Upsert(ctx, 2, 30.5238, 50.4650)
	removed, err := r.Remove(ctx, 2)
	if err != nil || !removed {
		t.Fatalf("expected removal, got %v %v", removed, err)
	}
	removed, err = r.Remove(ctx, 2)
	if err != nil || removed {
		t.Fatalf("expected no-op, got %v %v", removed, err)
	}
}

func TestRedisGeoBulkLoad(t *testing.T) {
	ctx := context.Background()
	r := newTestRedisGeo(t)
	entries := make([]Entry, 0, 1200)
	for i := 0; i < 1200; i++ {
		entries = append(entries, Entry{MemberID: int64(i + 1), Lng: 30.5, Lat: 50.4})
	}
	n, err := r.BulkLoad(ctx, entries)
	if err != nil || n != 1200 {
		t.Fatalf("bulk load: n=%d err=%v", n, err)
	}
	size, err := r.Len(ctx)
	if err != nil || size != 1200 {
		t.Fatalf("expected 1200 members, got %d (%v)", size, err)
	}
}

func TestRedisGeoHoldsPolarLatitudes(t *testing.T) {
	ctx := context.Background()
	r := newTestRedisGeo(t)
	if err := r.Upsert(ctx, 1, 10, 86); err != nil {
		t.Fatalf("upsert at lat 86: %v", err)
	}
	if err := r.Upsert(ctx, 2, 10, -90); err != nil {
		t.Fatalf("upsert at lat -90: %v", err)
	}
	hits, err := r.QueryRadius(ctx, 10, 86, 5)
	if err != nil {
		t.Fatalf("query at lat 86: %v", err)
	}
	if len(hits) != 1 || hits[0].MemberID != 1 || hits[0].DistanceKm > 0.01 {
		t.Fatalf("expected member 1 at the clamped centre, got %+v", hits)
	}
}

func TestRedisGeoBulkLoadKeepsNeighboursOfBadEntries(t *testing.T) {
	ctx := context.Background()
	r := newTestRedisGeo(t)
	n, err := r.BulkLoad(ctx, []Entry{
		{MemberID: 1, Lng: 30.5, Lat: 50.4},
		{MemberID: 2, Lng: 10, Lat: 86},
		{MemberID: 3, Lng: 200, Lat: 0},
		{MemberID: 4, Lng: 30.6, Lat: 50.5},
	})
	if err != nil || n != 3 {
		t.Fatalf("bulk load: n=%d err=%v", n, err)
	}
	if size, _ := r.Len(ctx); size != 3 {
		t.Fatalf("expected 3 members, got %d", size)
	}
}
