package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/nearby/internal/cache"
	"github.com/example/nearby/internal/events"
	"github.com/example/nearby/internal/geo"
	"github.com/example/nearby/internal/identity"
	"github.com/example/nearby/internal/location"
	"github.com/example/nearby/internal/logging"
	"github.com/example/nearby/internal/models"
	"github.com/example/nearby/internal/storage"
)

const testSecret = "test-secret"

type countingUsers struct {
	*storage.MemoryStore
	touches  atomic.Int32
	failures atomic.Int32 // writes to fail before succeeding
}

func (c *countingUsers) TouchLastSeen(ctx context.Context, userID int64, at time.Time) error {
	c.touches.Add(1)
	if c.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return c.MemoryStore.TouchLastSeen(ctx, userID, at)
}

type brokenStore struct {
	*storage.MemoryStore
}

func (brokenStore) UsersByIDs(context.Context, []int64) (map[int64]models.UserRecord, error) {
	return nil, errors.New("connection reset")
}

type testEnv struct {
	srv      *Server
	store    *storage.MemoryStore
	users    *countingUsers
	hub      *events.MapHub
	resolver *identity.Resolver
}

func newTestEnv(t *testing.T, svcStore location.Store) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	if svcStore == nil {
		svcStore = store
	}
	log := logging.Discard()
	hub := events.NewMapHub(log)
	t.Cleanup(func() { hub.Close() })
	svc := location.NewService(svcStore, geo.NewIndex(), cache.NewMemoryCache(64, time.Minute), hub, location.Options{Logger: log})
	users := &countingUsers{MemoryStore: store}
	resolver := identity.NewResolver(testSecret, "nearby", store)
	srv := NewServer(svc, resolver, users, hub, Options{Logger: log})
	return &testEnv{srv: srv, store: store, users: users, hub: hub, resolver: resolver}
}

func (e *testEnv) user(t *testing.T, name string) (int64, string) {
	t.Helper()
	id, err := e.store.CreateUser(context.Background(), storage.NewUser{Name: name})
	if err != nil {
		t.Fatal(err)
	}
	token, err := e.resolver.IssueToken(id, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return id, token
}

func (e *testEnv) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) admin(t *testing.T) http.Header {
	t.Helper()
	token, err := e.resolver.IssueTokenWithRole(1, identity.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return bearer(token)
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

type nearbyResponse struct {
	Users []models.NearbyUser `json:"users"`
	Count int                 `json:"count"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestUpdateLocationRequiresIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do("POST", "/api/location/update", `{"lat":1,"lng":2}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["error"] != "unauthenticated" || body["message"] == "" {
		t.Fatalf("unexpected error body %v", body)
	}

	rec = env.do("POST", "/api/location/update", `{"lat":1,"lng":2}`, bearer("not-a-jwt"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestUpdateLocationThenNearby(t *testing.T) {
	env := newTestEnv(t, nil)
	a, tokA := env.user(t, "A")
	b, tokB := env.user(t, "B")

	rec := env.do("POST", "/api/location/update", `{"lat":50.4501,"lng":30.5234}`, bearer(tokA))
	if rec.Code != http.StatusOK {
		t.Fatalf("update A: %d %s", rec.Code, rec.Body)
	}
	body := decode[map[string]any](t, rec)
	if body["user_id"] != float64(a) || body["message"] != "Location updated successfully" {
		t.Fatalf("unexpected update body %v", body)
	}
	if rec := env.do("POST", "/api/location/update", `{"lat":50.4650,"lng":30.5238}`, bearer(tokB)); rec.Code != http.StatusOK {
		t.Fatalf("update B: %d", rec.Code)
	}

	rec = env.do("GET", "/api/location/nearby?lat=50.4501&lng=30.5234", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nearby: %d %s", rec.Code, rec.Body)
	}
	res := decode[nearbyResponse](t, rec)
	if res.Count != 2 || len(res.Users) != 2 {
		t.Fatalf("expected self and B, got %+v", res)
	}
	if res.Users[0].ID != a || res.Users[0].Distance != 0 {
		t.Fatalf("expected self first at distance 0, got %+v", res.Users[0])
	}
	if res.Users[1].ID != b || math.Abs(res.Users[1].Distance-1.66) > 0.05 {
		t.Fatalf("unexpected second entry %+v", res.Users[1])
	}
	if res.Users[1].LastSeenAt == nil {
		t.Fatal("expected last_seen_at after an authenticated request")
	}
}

func TestUpdateLocationValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	_, tok := env.user(t, "A")
	for name, body := range map[string]string{
		"lat out of range": `{"lat":91,"lng":0}`,
		"lng out of range": `{"lat":0,"lng":-180.5}`,
		"missing lng":      `{"lat":10}`,
		"not json":         `lat=1`,
	} {
		rec := env.do("POST", "/api/location/update", body, bearer(tok))
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s: expected 422, got %d", name, rec.Code)
		}
	}
}

func TestNearbyValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, q := range []string{
		"lat=1&lng=1&radius=101",
		"lat=1&lng=1&radius=0",
		"lat=1&lng=1&radius=2.5",
		"lng=1",
		"lat=95&lng=1",
	} {
		rec := env.do("GET", "/api/location/nearby?"+q, "", nil)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s: expected 422, got %d", q, rec.Code)
		}
	}
	rec := env.do("GET", "/api/location/nearby?lat=1&lng=1&radius=100", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("radius 100 should be accepted, got %d", rec.Code)
	}
	if res := decode[nearbyResponse](t, rec); res.Count != 0 || res.Users == nil {
		t.Fatalf("expected an empty list, got %+v", res)
	}
}

func TestSessionTokenIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do("POST", "/api/session", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("session: %d", rec.Code)
	}
	sess := decode[map[string]any](t, rec)
	token, _ := sess["session_token"].(string)
	if token == "" {
		t.Fatalf("no token in %v", sess)
	}

	rec = env.do("POST", "/api/location/update", `{"lat":10,"lng":10}`, http.Header{identity.SessionHeader: {token}})
	if rec.Code != http.StatusOK {
		t.Fatalf("update with session: %d %s", rec.Code, rec.Body)
	}
	if body := decode[map[string]any](t, rec); body["user_id"] != sess["user_id"] {
		t.Fatalf("session resolved to %v, issued for %v", body["user_id"], sess["user_id"])
	}
}

func TestVisibilityHidesUser(t *testing.T) {
	env := newTestEnv(t, nil)
	a, tok := env.user(t, "A")
	env.do("POST", "/api/location/update", `{"lat":20,"lng":20}`, bearer(tok))

	rec := env.do("POST", "/api/location/visibility", `{"visible":false}`, bearer(tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("visibility: %d", rec.Code)
	}
	if body := decode[map[string]any](t, rec); body["user_id"] != float64(a) || body["visible"] != false {
		t.Fatalf("unexpected body %v", body)
	}
	if rec := env.do("POST", "/internal/location/cache/clear", "", env.admin(t)); rec.Code != http.StatusNoContent {
		t.Fatalf("clear cache: %d", rec.Code)
	}
	res := decode[nearbyResponse](t, env.do("GET", "/api/location/nearby?lat=20&lng=20", "", nil))
	if res.Count != 0 {
		t.Fatalf("hidden user still listed: %+v", res)
	}

	if rec := env.do("POST", "/api/location/visibility", `{}`, bearer(tok)); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without visible, got %d", rec.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	a, _ := env.user(t, "A")
	env.store.UpsertLocation(context.Background(), models.UserLocation{UserID: a, Lat: 1, Lng: 1, IsVisible: true})

	rec := env.do("POST", "/internal/location/sync", "", env.admin(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: %d", rec.Code)
	}
	if body := decode[map[string]int](t, rec); body["synced"] != 1 {
		t.Fatalf("unexpected body %v", body)
	}
	res := decode[nearbyResponse](t, env.do("GET", "/api/location/nearby?lat=1&lng=1", "", nil))
	if res.Count != 1 {
		t.Fatalf("synced user not found: %+v", res)
	}
}

func TestLastSeenThrottled(t *testing.T) {
	env := newTestEnv(t, nil)
	_, tok := env.user(t, "A")
	for i := 0; i < 3; i++ {
		env.do("POST", "/api/location/update", `{"lat":1,"lng":1}`, bearer(tok))
	}
	if n := env.users.touches.Load(); n != 1 {
		t.Fatalf("expected one last-seen write, got %d", n)
	}
}

func TestLastSeenRetriedAfterFailedWrite(t *testing.T) {
	env := newTestEnv(t, nil)
	a, tok := env.user(t, "A")
	env.users.failures.Store(1)
	env.do("POST", "/api/location/update", `{"lat":1,"lng":1}`, bearer(tok))
	env.do("POST", "/api/location/update", `{"lat":1,"lng":1}`, bearer(tok))
	env.do("POST", "/api/location/update", `{"lat":1,"lng":1}`, bearer(tok))
	if n := env.users.touches.Load(); n != 2 {
		t.Fatalf("expected a failed write and one retry, got %d writes", n)
	}
	users, _ := env.store.UsersByIDs(context.Background(), []int64{a})
	if users[a].LastSeenAt == nil {
		t.Fatal("last_seen_at not recorded after retry")
	}
}

func TestMaintenanceRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	_, tok := env.user(t, "A")
	sess := decode[map[string]any](t, env.do("POST", "/api/session", "", nil))
	sessionHeader := http.Header{identity.SessionHeader: {sess["session_token"].(string)}}

	for _, path := range []string{"/internal/location/sync", "/internal/location/cache/clear"} {
		if rec := env.do("POST", path, "", nil); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s anonymous: expected 401, got %d", path, rec.Code)
		}
		if rec := env.do("POST", path, "", sessionHeader); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s session: expected 401, got %d", path, rec.Code)
		}
		if rec := env.do("POST", path, "", bearer("garbage")); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s bad token: expected 401, got %d", path, rec.Code)
		}
		rec := env.do("POST", path, "", bearer(tok))
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s user token: expected 403, got %d", path, rec.Code)
		}
		if body := decode[map[string]string](t, rec); body["error"] != "forbidden" {
			t.Errorf("%s: unexpected body %v", path, body)
		}
		if rec := env.do("POST", path, "", env.admin(t)); rec.Code >= 300 {
			t.Errorf("%s admin: expected success, got %d", path, rec.Code)
		}
	}
}

func TestUpdateLocationUnknownUserIs401(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _ := env.resolver.IssueToken(9999, time.Hour)
	rec := env.do("POST", "/api/location/update", `{"lat":1,"lng":1}`, bearer(token))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a token without a user row, got %d", rec.Code)
	}
}

func TestStorageFailureIs500(t *testing.T) {
	store := storage.NewMemoryStore()
	env := newTestEnv(t, brokenStore{MemoryStore: store})
	id, _ := store.CreateUser(context.Background(), storage.NewUser{Name: "A"})
	env.srv.Location.UpdateLocation(context.Background(), models.PermanentIdentity(id), 5, 5)

	rec := env.do("GET", "/api/location/nearby?lat=5&lng=5", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["error"] != "internal_error" || strings.Contains(body["message"], "connection reset") {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do("GET", "/healthz", "", http.Header{"X-Request-Id": {"abc"}})
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("X-Request-ID"))
	}
}

func TestMapWebsocketReceivesUpdates(t *testing.T) {
	env := newTestEnv(t, nil)
	a, tok := env.user(t, "A")
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/map", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	req, _ := http.NewRequest("POST", ts.URL+"/api/location/update", strings.NewReader(`{"lat":3,"lng":4}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Envelope
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Event != events.EventLocationUpdated || ev.UserID != a || ev.Lat != 3 || ev.Lng != 4 {
		t.Fatalf("unexpected event %+v", ev)
	}
}
