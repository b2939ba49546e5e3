package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/example/nearby/internal/models"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu   sync.Mutex
	got  []models.LocationChanged
	err  error
	gate chan struct{}
}

func (r *recorder) Publish(_ context.Context, ev models.LocationChanged) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return r.err
}

func (r *recorder) events() []models.LocationChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.LocationChanged(nil), r.got...)
}

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	f := NewFanout().Add("ok", ok).Add("bad", bad)
	err := f.Publish(context.Background(), models.LocationChanged{UserID: 1})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.events()) != 1 || len(bad.events()) != 1 {
		t.Fatal("every sink must be attempted")
	}
}

func TestAsyncDeliversAndDrains(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 8, discardLogger())
	for i := 1; i <= 5; i++ {
		_ = a.Publish(context.Background(), models.LocationChanged{UserID: int64(i)})
	}
	_ = a.Close()
	if n := len(rec.events()); n != 5 {
		t.Fatalf("expected 5 delivered events, got %d", n)
	}
	if err := a.Publish(context.Background(), models.LocationChanged{UserID: 9}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAsyncDropsWhenFull(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	a := NewAsync(rec, 1, discardLogger())
	ctx := context.Background()
	_ = a.Publish(ctx, models.LocationChanged{UserID: 1})
	// wait for the worker to pick up the first event and block on the gate
	deadline := time.Now().Add(time.Second)
	for len(a.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = a.Publish(ctx, models.LocationChanged{UserID: 2}) // fills the queue
	if err := a.Publish(ctx, models.LocationChanged{UserID: 3}); err != nil {
		t.Fatalf("dropping must not surface an error, got %v", err)
	}
	close(rec.gate)
	_ = a.Close()
	got := rec.events()
	if len(got) != 2 || got[0].UserID != 1 || got[1].UserID != 2 {
		t.Fatalf("expected events 1 and 2, got %+v", got)
	}
}

func TestMapHubBroadcast(t *testing.T) {
	hub := NewMapHub(discardLogger())
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Add(conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = hub.Publish(context.Background(), models.LocationChanged{UserID: 42, Lat: 50.45, Lng: 30.52})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Event != EventLocationUpdated || env.UserID != 42 || env.Lat != 50.45 {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestRedisBroadcasterRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	b := NewRedisBroadcaster(client, "map")

	sub := client.Subscribe(context.Background(), "map")
	defer sub.Close()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(context.Background(), models.LocationChanged{UserID: 7, Lat: 1, Lng: 2}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-sub.Channel():
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.Fatal(err)
		}
		if env.Event != EventLocationUpdated || env.UserID != 7 {
			t.Fatalf("unexpected payload %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
