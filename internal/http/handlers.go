package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/nearby/internal/events"
	"github.com/example/nearby/internal/identity"
	"github.com/example/nearby/internal/location"
	"github.com/example/nearby/internal/models"
)

// Users is what the HTTP layer needs from the durable store beyond the
// location service.
type Users interface {
	TouchLastSeen(ctx context.Context, userID int64, at time.Time) error
	EnsureSessionUser(ctx context.Context, token string) (int64, error)
}

// Options tune request handling; zero values fall back to defaults.
type Options struct {
	DefaultRadiusKm  int
	LastSeenThrottle time.Duration
	Logger           *slog.Logger
}

type Server struct {
	Location *location.Service
	Identity *identity.Resolver
	Users    Users
	Hub      *events.MapHub
	Ready    func(context.Context) error

	defaultRadius int
	seen          *expirable.LRU[int64, struct{}]
	logger        *slog.Logger
	mux           *mux.Router
}

func NewServer(svc *location.Service, resolver *identity.Resolver, users Users, hub *events.MapHub, opts Options) *Server {
	if opts.DefaultRadiusKm == 0 {
		opts.DefaultRadiusKm = location.DefaultRadiusKm
	}
	if opts.LastSeenThrottle <= 0 {
		opts.LastSeenThrottle = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		Location:      svc,
		Identity:      resolver,
		Users:         users,
		Hub:           hub,
		defaultRadius: opts.DefaultRadiusKm,
		seen:          expirable.NewLRU[int64, struct{}](100_000, nil, opts.LastSeenThrottle),
		logger:        opts.Logger.With("component", "http"),
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api").Subrouter()
	api.Use(s.callerMiddleware)
	api.HandleFunc("/location/update", s.handleUpdateLocation).Methods("POST")
	api.HandleFunc("/location/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/location/visibility", s.handleVisibility).Methods("POST")
	api.HandleFunc("/session", s.handleSession).Methods("POST")

	admin := s.mux.PathPrefix("/internal").Subrouter()
	admin.Use(s.adminMiddleware)
	admin.HandleFunc("/location/sync", s.handleSync).Methods("POST")
	admin.HandleFunc("/location/cache/clear", s.handleClearCache).Methods("POST")

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/map", s.handleMapWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type updateLocationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	var req updateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "body must be JSON with lat and lng")
		return
	}
	if req.Lat == nil || req.Lng == nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "lat and lng are required")
		return
	}
	userID, err := s.Location.UpdateLocation(r.Context(), id, *req.Lat, *req.Lng)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"message": "Location updated successfully",
	})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := requiredFloat(q.Get("lat"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "lat: "+err.Error())
		return
	}
	lng, err := requiredFloat(q.Get("lng"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "lng: "+err.Error())
		return
	}
	radius := s.defaultRadius
	if raw := q.Get("radius"); raw != "" {
		radius, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "radius must be an integer")
			return
		}
	}
	users, err := s.Location.FindNearby(r.Context(), lat, lng, float64(radius))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Visible == nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "visible must be a boolean")
		return
	}
	if _, err := s.Location.SetVisibility(r.Context(), id, *req.Visible); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id.ID, "visible": *req.Visible})
}

// handleSession issues an anonymous session token and creates its
// pseudo-user up front so the caller learns its id.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	token := identity.NewSessionToken()
	userID, err := s.Users.EnsureSessionUser(r.Context(), token)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_token": token, "user_id": userID})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	n, err := s.Location.SyncAll(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": n})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.Location.ClearCache(r.Context()); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleMapWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.Hub.Add(conn)
}

// identify returns the caller resolved by callerMiddleware or writes a 401.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	c := callerFrom(r.Context())
	if c.err != nil {
		if errors.Is(c.err, identity.ErrNoCredentials) || errors.Is(c.err, identity.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return models.Identity{}, false
		}
		s.writeServiceError(w, r, c.err)
		return models.Identity{}, false
	}
	return c.id, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, location.ErrInvalidArgument):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case errors.Is(err, location.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
	default:
		args := []any{"route", routeTemplate(r), "error", err}
		if info := requestInfoFrom(r.Context()); info != nil {
			args = append(args, "request_id", info.id)
		}
		s.logger.Error("request failed", args...)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func requiredFloat(raw string) (float64, error) {
	if raw == "" {
		return 0, errors.New("is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("must be a number")
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
