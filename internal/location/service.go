package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/example/nearby/internal/cache"
	"github.com/example/nearby/internal/events"
	"github.com/example/nearby/internal/geo"
	"github.com/example/nearby/internal/models"
	"github.com/example/nearby/internal/observability"
	"github.com/example/nearby/internal/storage"
)

const (
	MinRadiusKm     = 1
	MaxRadiusKm     = 100
	DefaultRadiusKm = 5
	DefaultCacheTTL = 30 * time.Second
)

// Store is the slice of the durable store the service needs.
type Store interface {
	UpsertLocation(ctx context.Context, loc models.UserLocation) (models.UserLocation, error)
	UsersByIDs(ctx context.Context, ids []int64) (map[int64]models.UserRecord, error)
	VisibleLocations(ctx context.Context) ([]models.UserLocation, error)
	SetVisibility(ctx context.Context, userID int64, visible bool) (*models.UserLocation, error)
}

type Options struct {
	CacheTTL     time.Duration
	KeyPrecision int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Service coordinates the durable store, the spatial index and the result
// cache. It keeps no state of its own between calls. The store is ground
// truth, the index is a cache of the store, and the proximity cache is a
// cache of queries over the index.
type Service struct {
	store  Store
	index  geo.SpatialIndex
	cache  cache.ProximityCache
	events events.Publisher

	ttl       time.Duration
	precision int
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store Store, index geo.SpatialIndex, pc cache.ProximityCache, pub events.Publisher, opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.KeyPrecision <= 0 {
		opts.KeyPrecision = cache.DefaultKeyPrecision
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     store,
		index:     index,
		cache:     pc,
		events:    pub,
		ttl:       opts.CacheTTL,
		precision: opts.KeyPrecision,
		logger:    opts.Logger.With("component", "location"),
		now:       opts.Now,
	}
}

// UpdateLocation writes the store, then the index, then emits the event, so
// a subscriber reacting to the event already sees the new position in both.
// Nothing past a failed store write runs.
func (s *Service) UpdateLocation(ctx context.Context, id models.Identity, lat, lng float64) (int64, error) {
	if !id.Valid() {
		observability.LocationUpdatesTotal.WithLabelValues("unauthenticated").Inc()
		return 0, ErrUnauthenticated
	}
	if err := geo.ValidateCoord(lat, lng); err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("invalid").Inc()
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	now := s.now()
	if _, err := s.store.UpsertLocation(ctx, models.UserLocation{
		UserID:      id.ID,
		Lat:         lat,
		Lng:         lng,
		IsVisible:   true,
		LastUpdated: now,
	}); err != nil {
		if errors.Is(err, storage.ErrUnknownUser) {
			observability.LocationUpdatesTotal.WithLabelValues("unauthenticated").Inc()
			return 0, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		observability.LocationUpdatesTotal.WithLabelValues("store_error").Inc()
		return 0, fmt.Errorf("%w: save location: %w", ErrStorageUnavailable, err)
	}

	if err := s.index.Upsert(ctx, id.ID, lng, lat); err != nil {
		// the row is saved; the next sync repairs the index
		observability.LocationUpdatesTotal.WithLabelValues("index_error").Inc()
		s.logger.Error("index upsert failed", "user_id", id.ID, "error", err)
		return 0, fmt.Errorf("%w: index location: %w", ErrStorageUnavailable, err)
	}

	if s.events != nil {
		ev := models.LocationChanged{UserID: id.ID, Lat: lat, Lng: lng, At: now}
		if err := s.events.Publish(ctx, ev); err != nil {
			s.logger.Warn("location event not published", "user_id", id.ID, "error", err)
		}
	}
	observability.LocationUpdatesTotal.WithLabelValues("ok").Inc()
	return id.ID, nil
}

// FindNearby returns users within radiusKm of the point, nearest first.
// Results may be up to the cache TTL stale.
func (s *Service) FindNearby(ctx context.Context, lat, lng, radiusKm float64) ([]models.NearbyUser, error) {
	if err := geo.ValidateCoord(lat, lng); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if math.IsNaN(radiusKm) || radiusKm < MinRadiusKm || radiusKm > MaxRadiusKm {
		return nil, fmt.Errorf("%w: radius %v out of [%d,%d]", ErrInvalidArgument, radiusKm, MinRadiusKm, MaxRadiusKm)
	}
	start := time.Now()
	defer func() { observability.NearbyQueryLatency.Observe(time.Since(start).Seconds()) }()

	key := cache.Key(lat, lng, radiusKm, s.precision)
	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("proximity cache read failed, computing", "key", key, "error", err)
	}
	if ok {
		observability.NearbyQueriesTotal.WithLabelValues("hit").Inc()
		return cached, nil
	}
	observability.NearbyQueriesTotal.WithLabelValues("miss").Inc()

	users, err := s.compute(ctx, lat, lng, radiusKm)
	if err != nil {
		return nil, err
	}
	observability.NearbyResultSize.Observe(float64(len(users)))
	if err := s.cache.Put(ctx, key, users, s.ttl); err != nil {
		s.logger.Warn("proximity cache write failed", "key", key, "error", err)
	}
	return users, nil
}

func (s *Service) compute(ctx context.Context, lat, lng, radiusKm float64) ([]models.NearbyUser, error) {
	hits, err := s.index.QueryRadius(ctx, lng, lat, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("%w: query index: %w", ErrStorageUnavailable, err)
	}
	out := make([]models.NearbyUser, 0, len(hits))
	if len(hits) == 0 {
		return out, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.MemberID
	}
	users, err := s.store.UsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: load users: %w", ErrStorageUnavailable, err)
	}

	type ranked struct {
		user models.NearbyUser
		dist float64
	}
	rows := make([]ranked, 0, len(hits))
	for _, h := range hits {
		u, ok := users[h.MemberID]
		if !ok {
			continue // index is ahead of the store
		}
		if u.Location != nil && !u.Location.IsVisible {
			continue // hidden since it was indexed
		}
		rows = append(rows, ranked{user: toNearby(u, h), dist: h.DistanceKm})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].dist < rows[j].dist })
	for _, r := range rows {
		out = append(out, r.user)
	}
	return out, nil
}

func toNearby(u models.UserRecord, h models.IndexHit) models.NearbyUser {
	n := models.NearbyUser{
		ID:       u.ID,
		Name:     u.Name,
		Age:      u.Age,
		Gender:   u.Gender,
		Avatar:   u.Avatar,
		Distance: math.Round(h.DistanceKm*100) / 100,
		Lat:      h.Lat,
		Lng:      h.Lng,
	}
	if u.Location != nil {
		n.Lat, n.Lng = u.Location.Lat, u.Location.Lng
	}
	if u.LastSeenAt != nil {
		ts := u.LastSeenAt.UTC().Format(time.RFC3339)
		n.LastSeenAt = &ts
	}
	return n
}

// SyncAll loads every visible stored location into the index. Safe to repeat.
func (s *Service) SyncAll(ctx context.Context) (int, error) {
	locs, err := s.store.VisibleLocations(ctx)
	if err != nil {
		observability.SyncRunsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("%w: list visible locations: %w", ErrStorageUnavailable, err)
	}
	entries := make([]geo.Entry, 0, len(locs))
	for _, l := range locs {
		if l.UserID == 0 {
			continue
		}
		if err := geo.ValidateCoord(l.Lat, l.Lng); err != nil {
			s.logger.Warn("skipping stored location", "user_id", l.UserID, "error", err)
			continue
		}
		entries = append(entries, geo.Entry{MemberID: l.UserID, Lng: l.Lng, Lat: l.Lat})
	}
	n, err := s.index.BulkLoad(ctx, entries)
	if err != nil {
		observability.SyncRunsTotal.WithLabelValues("error").Inc()
		return n, fmt.Errorf("%w: bulk load index: %w", ErrStorageUnavailable, err)
	}
	observability.SyncRunsTotal.WithLabelValues("ok").Inc()
	if size, err := s.index.Len(ctx); err == nil {
		observability.IndexMembers.Set(float64(size))
	}
	s.logger.Info("spatial index synced", "loaded", n)
	return n, nil
}

// RemoveMember drops a member from the index only; the stored row is untouched.
func (s *Service) RemoveMember(ctx context.Context, userID int64) (bool, error) {
	removed, err := s.index.Remove(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: remove member: %w", ErrStorageUnavailable, err)
	}
	return removed, nil
}

// SetVisibility flips the stored flag and brings the index in line with it.
// It reports whether the user has a stored location at all.
func (s *Service) SetVisibility(ctx context.Context, id models.Identity, visible bool) (bool, error) {
	if !id.Valid() {
		return false, ErrUnauthenticated
	}
	loc, err := s.store.SetVisibility(ctx, id.ID, visible)
	if err != nil {
		return false, fmt.Errorf("%w: set visibility: %w", ErrStorageUnavailable, err)
	}
	if !visible {
		if _, err := s.RemoveMember(ctx, id.ID); err != nil {
			return loc != nil, err
		}
		return loc != nil, nil
	}
	if loc == nil {
		return false, nil
	}
	if err := s.index.Upsert(ctx, id.ID, loc.Lng, loc.Lat); err != nil {
		return true, fmt.Errorf("%w: index location: %w", ErrStorageUnavailable, err)
	}
	return true, nil
}

// ClearCache flushes every cached nearby result.
func (s *Service) ClearCache(ctx context.Context) error {
	if err := s.cache.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("%w: clear cache: %w", ErrStorageUnavailable, err)
	}
	return nil
}
