// Command seed fills the durable store with demo users scattered around a
// centre point and, when Redis is configured, rebuilds the spatial index.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/nearby/internal/cache"
	"github.com/example/nearby/internal/geo"
	"github.com/example/nearby/internal/location"
	"github.com/example/nearby/internal/logging"
	"github.com/example/nearby/internal/models"
	"github.com/example/nearby/internal/storage"
)

var names = []string{
	"Oleksandr", "Maria", "Ivan", "Olena", "Dmytro", "Anna", "Andrii", "Tetiana", "Serhii", "Nataliia",
	"Maksym", "Yuliia", "Viktor", "Iryna", "Volodymyr", "Kateryna", "Mykhailo", "Svitlana", "Oleh", "Liudmyla",
	"Petro", "Oksana", "Ihor", "Valentyna", "Vasyl", "Halyna", "Yevhen", "Viktoriia", "Bohdan", "Larysa",
	"Artem", "Nadiia", "Roman", "Hanna", "Pavlo", "Liubov", "Stanislav", "Raisa", "Yaroslav", "Tamara",
	"Denys", "Olha", "Anton", "Solomiia", "Valerii", "Inna", "Kostiantyn", "Liliia", "Hryhorii", "Zoia",
}

var genders = []string{"male", "female", "other"}

type options struct {
	count     int
	centre    models.Coord
	radiusKm  float64
	seed      int64
	pgDSN     string
	sqlite    string
	redisAddr string
	geoKey    string
}

func main() {
	var opts options
	flag.IntVar(&opts.count, "n", 50, "number of users to create")
	flag.Float64Var(&opts.centre.Lat, "lat", 50.4501, "centre latitude")
	flag.Float64Var(&opts.centre.Lng, "lng", 30.5234, "centre longitude")
	flag.Float64Var(&opts.radiusKm, "radius", 20, "scatter radius in km")
	flag.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Parse()
	opts.pgDSN = os.Getenv("PG_DSN")
	opts.sqlite = os.Getenv("SQLITE_PATH")
	opts.redisAddr = os.Getenv("REDIS_ADDR")
	opts.geoKey = os.Getenv("REDIS_GEO_KEY")
	if opts.geoKey == "" {
		opts.geoKey = "user_locations"
	}

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL")).With("component", "seed")
	if err := run(context.Background(), opts, logger); err != nil {
		logger.Error("seed failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	var store *storage.SQLStore
	var err error
	switch {
	case opts.pgDSN != "":
		if store, err = storage.NewPostgresStore(opts.pgDSN); err == nil {
			if err = store.Migrate(ctx); err != nil {
				store.Close()
			}
		}
	case opts.sqlite != "":
		store, err = storage.NewSQLiteStore(opts.sqlite)
	default:
		return errors.New("set PG_DSN or SQLITE_PATH")
	}
	if err != nil {
		return err
	}
	defer store.Close()

	created, err := seedUsers(ctx, store, rand.New(rand.NewSource(opts.seed)), opts, time.Now())
	if err != nil {
		return err
	}
	logger.Info("users seeded", "count", created, "centre", opts.centre, "radius_km", opts.radiusKm)

	if opts.redisAddr == "" {
		logger.Info("REDIS_ADDR not set, skipping index sync")
		return nil
	}
	rc := redis.NewClient(&redis.Options{Addr: opts.redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	defer rc.Close()
	svc := location.NewService(store, geo.NewRedisGeo(rc, opts.geoKey).WithLogger(logger), cache.NewRedisCache(rc, ""), nil, location.Options{Logger: logger})
	n, err := svc.SyncAll(ctx)
	if err != nil {
		return err
	}
	if err := svc.ClearCache(ctx); err != nil {
		logger.Warn("proximity cache not cleared", "error", err)
	}
	logger.Info("spatial index synced", "synced", n)
	return nil
}

// seeder is the store surface used for seeding.
type seeder interface {
	CreateUser(ctx context.Context, u storage.NewUser) (int64, error)
	UpsertLocation(ctx context.Context, loc models.UserLocation) (models.UserLocation, error)
}

func seedUsers(ctx context.Context, store seeder, rng *rand.Rand, opts options, now time.Time) (int, error) {
	for i := 0; i < opts.count; i++ {
		age := 18 + rng.Intn(43)
		gender := genders[rng.Intn(len(genders))]
		name := names[i%len(names)]
		if i >= len(names) {
			name = fmt.Sprintf("%s %d", name, i/len(names)+1)
		}
		id, err := store.CreateUser(ctx, storage.NewUser{Name: name, Age: &age, Gender: &gender})
		if err != nil {
			return i, fmt.Errorf("create user %d: %w", i+1, err)
		}
		p := scatter(rng, opts.centre, opts.radiusKm)
		if _, err := store.UpsertLocation(ctx, models.UserLocation{
			UserID:      id,
			Lat:         p.Lat,
			Lng:         p.Lng,
			IsVisible:   rng.Intn(2) == 1,
			LastUpdated: now.Add(-time.Duration(rng.Intn(1441)) * time.Minute),
		}); err != nil {
			return i, fmt.Errorf("save location for user %d: %w", id, err)
		}
	}
	return opts.count, nil
}

// scatter picks a point uniformly over the disc of radiusKm around centre.
func scatter(rng *rand.Rand, centre models.Coord, radiusKm float64) models.Coord {
	const kmPerDegree = 111.0
	angle := rng.Float64() * 2 * math.Pi
	dist := math.Sqrt(rng.Float64()) * radiusKm
	dLat := dist / kmPerDegree * math.Cos(angle)
	dLng := dist / (kmPerDegree * math.Cos(centre.Lat*math.Pi/180)) * math.Sin(angle)
	return models.Coord{Lat: centre.Lat + dLat, Lng: centre.Lng + dLng}
}
