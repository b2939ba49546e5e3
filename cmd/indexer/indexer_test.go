package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/nearby/internal/events"
	"github.com/example/nearby/internal/models"
)

// fakeIndex implements IndexUpdater for tests
type fakeIndex struct {
	fail  int // number of times to fail before succeeding
	calls int
	last  [2]float64
}

func (f *fakeIndex) Upsert(_ context.Context, _ int64, lng, lat float64) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("geoadd fail")
	}
	f.last = [2]float64{lng, lat}
	return nil
}

func testEvent() events.Envelope {
	return events.NewEnvelope(models.LocationChanged{UserID: 7, Lat: 50.45, Lng: 30.52, At: time.Now()})
}

func TestUpdateIndexWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeIndex{fail: 2}
	start := time.Now()
	if err := updateIndexWithRetry(context.Background(), f, testEvent(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if f.last != [2]float64{30.52, 50.45} {
		t.Fatalf("upsert got lng/lat %v", f.last)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestUpdateIndexWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeIndex{fail: 5}
	if err := updateIndexWithRetry(context.Background(), f, testEvent(), 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestUpdateIndexWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeIndex{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := updateIndexWithRetry(ctx, f, testEvent(), 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDecodeEvent(t *testing.T) {
	if _, err := decodeEvent([]byte(`{"event":"LocationUpdated","user_id":3,"lat":1,"lng":2,"at":"2024-01-01T00:00:00Z"}`)); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	for _, raw := range []string{
		`not json`,
		`{"event":"Other","user_id":3,"lat":1,"lng":2}`,
		`{"event":"LocationUpdated","lat":1,"lng":2}`,
		`{"event":"LocationUpdated","user_id":3,"lat":91,"lng":2}`,
	} {
		if _, err := decodeEvent([]byte(raw)); err == nil {
			t.Errorf("expected %s to be rejected", raw)
		}
	}
}
