package storage

import (
	"context"
	"time"

	"github.com/example/hire-requests/internal/models"
	"github.com/example/hire-requests/internal/observability"
)

// Retrying retries idempotent operations on transient failures with
// exponential backoff. Create, AppendOffer, the offer removals and
// IncrementViews pass straight through: repeating them is not safe.
type Retrying struct {
	Repository
	Attempts  int
	BaseDelay time.Duration
}

func NewRetrying(r Repository, attempts int, base time.Duration) *Retrying {
	if attempts <= 0 {
		attempts = 1
	}
	return &Retrying{Repository: r, Attempts: attempts, BaseDelay: base}
}

func (r *Retrying) Get(ctx context.Context, id string) (*models.BookingRequest, error) {
	var out *models.BookingRequest
	err := r.retry(ctx, "get", func() error {
		var err error
		out, err = r.Repository.Get(ctx, id)
		return err
	})
	return out, err
}

func (r *Retrying) Update(ctx context.Context, id string, patch models.RequestPatch) error {
	return r.retry(ctx, "update", func() error { return r.Repository.Update(ctx, id, patch) })
}

func (r *Retrying) SetStatus(ctx context.Context, id string, status models.RequestStatus) error {
	return r.retry(ctx, "set_status", func() error { return r.Repository.SetStatus(ctx, id, status) })
}

func (r *Retrying) Delete(ctx context.Context, id string) error {
	return r.retry(ctx, "delete", func() error { return r.Repository.Delete(ctx, id) })
}

func (r *Retrying) Fulfil(ctx context.Context, id, driverID string) error {
	return r.retry(ctx, "fulfil", func() error { return r.Repository.Fulfil(ctx, id, driverID) })
}

func (r *Retrying) List(ctx context.Context, f models.Filter) ([]models.BookingRequest, error) {
	var out []models.BookingRequest
	err := r.retry(ctx, "list", func() error {
		var err error
		out, err = r.Repository.List(ctx, f)
		return err
	})
	return out, err
}

func (r *Retrying) Watch(ctx context.Context, f models.Filter) (<-chan models.Snapshot, error) {
	var out <-chan models.Snapshot
	err := r.retry(ctx, "watch", func() error {
		var err error
		out, err = r.Repository.Watch(ctx, f)
		return err
	})
	return out, err
}

func (r *Retrying) retry(ctx context.Context, op string, fn func() error) error {
	delay := r.BaseDelay
	var err error
	for i := 0; i < r.Attempts; i++ {
		if err = fn(); err == nil || !models.IsTransient(err) {
			return err
		}
		if i == r.Attempts-1 {
			break
		}
		observability.StoreRetries.WithLabelValues(op).Inc()
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
