// Package notify derives the driver and customer notification counters.
//
// Counters are never stored or adjusted incrementally: every emission of
// the underlying request stream triggers a full recount from that
// snapshot.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/hire-requests/internal/models"
	"github.com/example/hire-requests/internal/observability"
)

// DefaultDebounce coalesces bursts of snapshots into one recount.
const DefaultDebounce = 250 * time.Millisecond

// Source is the part of the repository the aggregator reads.
type Source interface {
	List(ctx context.Context, f models.Filter) ([]models.BookingRequest, error)
	Watch(ctx context.Context, f models.Filter) (<-chan models.Snapshot, error)
}

// Clamp bounds a counter to [0, MaxNotificationCount].
func Clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > models.MaxNotificationCount {
		return models.MaxNotificationCount
	}
	return n
}

// DriverCount counts live requests the driver neither owns nor has bid on.
func DriverCount(reqs []models.BookingRequest, driverID string, now time.Time) int {
	n := 0
	for i := range reqs {
		r := &reqs[i]
		if r.EffectiveStatus(now) != models.StatusActive || r.UserID == driverID {
			continue
		}
		if r.HasOfferFrom(driverID) {
			continue
		}
		n++
	}
	return Clamp(n)
}

// CustomerCount sums offers across the customer's own live requests.
func CustomerCount(reqs []models.BookingRequest, customerID string, now time.Time) int {
	n := 0
	for i := range reqs {
		r := &reqs[i]
		if r.UserID != customerID || r.EffectiveStatus(now) != models.StatusActive {
			continue
		}
		n += len(r.Offers)
	}
	return Clamp(n)
}

// Acknowledge is the local optimistic decrement applied when a customer
// opens one request's offers. The next recount supersedes it.
func Acknowledge(c models.Counts) models.Counts {
	if c.CustomerCount > 0 {
		c.CustomerCount--
	}
	return c
}

type Aggregator struct {
	src      Source
	debounce time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Aggregator)

func WithDebounce(d time.Duration) Option { return func(a *Aggregator) { a.debounce = d } }

func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

func New(src Source, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{src: src, debounce: DefaultDebounce, now: time.Now, logger: logger}
	for _, o := range opts {
		o(a)
	}
	return a
}

func filterFor(userID string, role models.Role) (models.Filter, error) {
	switch role {
	case models.RoleDriver:
		return models.ActiveFilter(""), nil
	case models.RoleCustomer:
		return models.ActiveFilter(userID), nil
	}
	return models.Filter{}, fmt.Errorf("role %q: %w", role, models.ErrValidation)
}

// Compute recounts for one user and role from a snapshot.
func (a *Aggregator) Compute(reqs []models.BookingRequest, userID string, role models.Role) models.Counts {
	start := time.Now()
	defer func() {
		observability.CountRecomputes.Inc()
		observability.CountRecomputeLatency.Observe(time.Since(start).Seconds())
	}()
	now := a.now()
	if role == models.RoleDriver {
		return models.Counts{DriverCount: DriverCount(reqs, userID, now)}
	}
	return models.Counts{CustomerCount: CustomerCount(reqs, userID, now)}
}

// Get performs a one-shot recount.
func (a *Aggregator) Get(ctx context.Context, userID string, role models.Role) (models.Counts, error) {
	f, err := filterFor(userID, role)
	if err != nil {
		return models.Counts{}, err
	}
	reqs, err := a.src.List(ctx, f)
	if err != nil {
		return models.Counts{}, err
	}
	return a.Compute(reqs, userID, role), nil
}

// Watch emits counts for the user whenever the relevant requests change.
// The first snapshot is counted immediately; later ones are debounced.
// Unchanged counts are not re-emitted. A reader that falls behind only
// sees the newest counts.
func (a *Aggregator) Watch(ctx context.Context, userID string, role models.Role) (<-chan models.Counts, error) {
	f, err := filterFor(userID, role)
	if err != nil {
		return nil, err
	}
	snaps, err := a.src.Watch(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make(chan models.Counts, 1)
	go func() {
		defer close(out)
		var (
			latest  []models.BookingRequest
			last    models.Counts
			emitted bool
			pending bool
			timer   = time.NewTimer(time.Hour)
		)
		timer.Stop()
		defer timer.Stop()

		emit := func() {
			c := a.Compute(latest, userID, role)
			pending = false
			if emitted && c == last {
				return
			}
			last, emitted = c, true
			select {
			case out <- c:
			default:
				select {
				case <-out:
				default:
				}
				out <- c
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				latest = snap.Requests
				if !emitted || a.debounce <= 0 {
					emit()
					continue
				}
				if !pending {
					pending = true
					timer.Reset(a.debounce)
				}
			case <-timer.C:
				if pending {
					emit()
				}
			}
		}
	}()
	return out, nil
}
