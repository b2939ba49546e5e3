// Package events fans location changes out to live-map subscribers.
// Delivery is best-effort: by the time an event exists, the store and the
// spatial index already hold the update.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/nearby/internal/models"
	"github.com/example/nearby/internal/observability"
)

const EventLocationUpdated = "LocationUpdated"

var ErrClosed = errors.New("events: publisher closed")

type Publisher interface {
	Publish(ctx context.Context, ev models.LocationChanged) error
}

// Envelope is the wire shape shared by every sink.
type Envelope struct {
	Event string `json:"event"`
	models.LocationChanged
}

func NewEnvelope(ev models.LocationChanged) Envelope {
	return Envelope{Event: EventLocationUpdated, LocationChanged: ev}
}

type namedSink struct {
	name string
	p    Publisher
}

// Fanout delivers each event to every sink in order and joins their errors.
type Fanout struct {
	sinks []namedSink
}

func NewFanout() *Fanout { return &Fanout{} }

func (f *Fanout) Add(name string, p Publisher) *Fanout {
	f.sinks = append(f.sinks, namedSink{name: name, p: p})
	return f
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Publish(ctx context.Context, ev models.LocationChanged) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.p.Publish(ctx, ev); err != nil {
			observability.EventsPublishedTotal.WithLabelValues(s.name, "error").Inc()
			errs = append(errs, err)
			continue
		}
		observability.EventsPublishedTotal.WithLabelValues(s.name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// Async decouples callers from sink latency with a bounded queue. When the
// queue is full the event is dropped and counted.
type Async struct {
	next    Publisher
	queue   chan models.LocationChanged
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsync(next Publisher, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 1
	}
	a := &Async{
		next:    next,
		queue:   make(chan models.LocationChanged, size),
		logger:  logger.With("component", "events"),
		timeout: 2 * time.Second,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, ev models.LocationChanged) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- ev:
	default:
		observability.EventsDroppedTotal.Inc()
		a.logger.Warn("event queue full, dropping", "user_id", ev.UserID)
	}
	return nil
}

func (a *Async) run() {
	defer a.wg.Done()
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, ev); err != nil {
			a.logger.Warn("event delivery failed", "user_id", ev.UserID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and drains what is already queued.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}
