// Package feed carries change events for booking requests from the
// repository to every open stream, in process and across instances.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/hire-requests/internal/models"
	"github.com/example/hire-requests/internal/observability"
)

type ChangeKind string

const (
	Created ChangeKind = "created"
	Updated ChangeKind = "updated"
	Deleted ChangeKind = "deleted"
)

// ChangeEvent describes one committed mutation. Before is nil for creates,
// After is nil for deletes.
type ChangeEvent struct {
	Kind      ChangeKind             `json:"kind"`
	RequestID string                 `json:"requestId"`
	Before    *models.BookingRequest `json:"before,omitempty"`
	After     *models.BookingRequest `json:"after,omitempty"`
	At        time.Time              `json:"at"`
	// Origin identifies the publishing instance so relays skip their own echo.
	Origin string `json:"origin,omitempty"`
}

// Touches reports whether the event affects a document that f includes
// either before or after the change.
func (e ChangeEvent) Touches(f models.Filter) bool {
	return f.Matches(e.Before) || f.Matches(e.After)
}

// Publisher accepts committed change events.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Bus is a Publisher that also fans events out to local subscribers.
type Bus interface {
	Publisher
	Subscribe() (<-chan ChangeEvent, func())
}

const defaultSubscriberBuffer = 64

// LocalBus fans events out to in-process subscribers. Sends never block:
// an event that does not fit a subscriber's buffer is dropped for that
// subscriber, which is fine for consumers that re-read full snapshots.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]chan ChangeEvent
	next   int
	buffer int
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan ChangeEvent), buffer: defaultSubscriberBuffer}
}

func (b *LocalBus) Publish(_ context.Context, ev ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			observability.BusEventsDropped.Inc()
		}
	}
	return nil
}

// Subscribe registers a subscriber; the returned func unregisters it and
// closes the channel.
func (b *LocalBus) Subscribe() (<-chan ChangeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan ChangeEvent, b.buffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Tee publishes to a primary bus and to any number of secondary sinks.
// Sink failures are counted but never fail the publish.
type Tee struct {
	Bus
	Sinks map[string]Publisher
}

func (t *Tee) Publish(ctx context.Context, ev ChangeEvent) error {
	err := t.Bus.Publish(ctx, ev)
	for name, s := range t.Sinks {
		if serr := s.Publish(ctx, ev); serr != nil {
			observability.BusPublishErrors.WithLabelValues(name).Inc()
		}
	}
	return err
}

// Close closes every sink that supports it.
func (t *Tee) Close() error {
	var errs []error
	for _, s := range t.Sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
