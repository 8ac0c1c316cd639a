package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/hire-requests/internal/feed"
	"github.com/example/hire-requests/internal/models"
)

// MemoryStore keeps requests in a map guarded by one RWMutex. Each call
// locks once, so every operation is atomic for its document.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.BookingRequest

	bus     feed.Bus
	watcher watcher
	now     func() time.Time
	newID   func() string
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithResync sets how often open streams re-read without a change event.
func WithResync(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.watcher.resync = d }
}

func NewMemoryStore(bus feed.Bus, logger *slog.Logger, opts ...MemoryOption) *MemoryStore {
	if bus == nil {
		bus = feed.NewLocalBus()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &MemoryStore{
		requests: make(map[string]*models.BookingRequest),
		bus:      bus,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	m.watcher = watcher{bus: bus, resync: DefaultResync, logger: logger}
	for _, o := range opts {
		o(m)
	}
	m.watcher.now = m.now
	return m
}

func (m *MemoryStore) Create(ctx context.Context, req *models.BookingRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := prepareNew(req, m.newID(), m.now().UTC()); err != nil {
		return "", err
	}
	stored := req.Clone()
	m.mu.Lock()
	m.requests[stored.ID] = stored
	m.mu.Unlock()

	m.publish(ctx, feed.ChangeEvent{Kind: feed.Created, RequestID: stored.ID, After: stored.Clone()})
	return stored.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.BookingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch models.RequestPatch) error {
	return m.mutate(ctx, id, func(r *models.BookingRequest) error {
		patch.Apply(r)
		return models.Validate(r)
	})
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status models.RequestStatus) error {
	if !status.Valid() {
		return &models.ValidationError{Fields: []models.FieldError{{Field: "status", Rule: "oneof"}}}
	}
	return m.mutate(ctx, id, func(r *models.BookingRequest) error {
		r.Status = status
		return nil
	})
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	r, ok := m.requests[id]
	delete(m.requests, id)
	m.mu.Unlock()
	if ok {
		m.publish(ctx, feed.ChangeEvent{Kind: feed.Deleted, RequestID: id, Before: r})
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f models.Filter) ([]models.BookingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]models.BookingRequest, 0, len(m.requests))
	for _, r := range m.requests {
		if f.Matches(r) {
			out = append(out, *r.Clone())
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Watch(ctx context.Context, f models.Filter) (<-chan models.Snapshot, error) {
	return m.watcher.watch(ctx, f, m.List)
}

func (m *MemoryStore) AppendOffer(ctx context.Context, id string, offer models.Offer) error {
	return m.mutate(ctx, id, func(r *models.BookingRequest) error {
		r.Offers = append(r.Offers, offer)
		return nil
	})
}

func (m *MemoryStore) RemoveOfferAt(ctx context.Context, id string, index int) error {
	return m.mutate(ctx, id, func(r *models.BookingRequest) error {
		if index < 0 || index >= len(r.Offers) {
			return fmt.Errorf("remove offer %d of %d: %w", index, len(r.Offers), models.ErrIndexOutOfRange)
		}
		r.Offers = append(r.Offers[:index], r.Offers[index+1:]...)
		return nil
	})
}

func (m *MemoryStore) RemoveOfferBy(ctx context.Context, id, driverID string) error {
	return m.mutate(ctx, id, func(r *models.BookingRequest) error {
		return withoutOffer(r, driverID)
	})
}

func (m *MemoryStore) Fulfil(ctx context.Context, id, driverID string) error {
	return m.mutate(ctx, id, func(r *models.BookingRequest) error {
		return fulfil(r, driverID)
	})
}

func (m *MemoryStore) IncrementViews(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(r *models.BookingRequest) error {
		r.Views++
		return nil
	})
}

// mutate applies fn to a working copy under the write lock and commits it
// only if fn succeeds.
func (m *MemoryStore) mutate(ctx context.Context, id string, fn func(*models.BookingRequest) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	cur, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		m.mu.Unlock()
		return err
	}
	next.UpdatedAt = m.now().UTC()
	m.requests[id] = next
	m.mu.Unlock()

	m.publish(ctx, feed.ChangeEvent{Kind: feed.Updated, RequestID: id, Before: cur.Clone(), After: next.Clone()})
	return nil
}

func (m *MemoryStore) publish(ctx context.Context, ev feed.ChangeEvent) {
	ev.At = m.now().UTC()
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.watcher.logger.Warn("change publish failed", "request_id", ev.RequestID, "error", err)
	}
}
