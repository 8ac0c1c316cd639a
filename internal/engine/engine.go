// Package engine is the booking request and offer matching core as seen by
// the API layer. It composes the lifecycle manager, the offer ledger, the
// location matcher and the notification aggregator over one repository.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/hire-requests/internal/ledger"
	"github.com/example/hire-requests/internal/lifecycle"
	"github.com/example/hire-requests/internal/location"
	"github.com/example/hire-requests/internal/models"
	"github.com/example/hire-requests/internal/notify"
	"github.com/example/hire-requests/internal/storage"
)

type ListKind string

const (
	ListAll    ListKind = "all"
	ListUrgent ListKind = "urgent"
	ListNearby ListKind = "nearby"
)

func (k ListKind) Valid() bool {
	return k == ListAll || k == ListUrgent || k == ListNearby
}

// ListOptions selects which active requests a listing shows. For nearby
// listings Area wins; otherwise the driver's area is looked up.
type ListOptions struct {
	Kind     ListKind
	DriverID string
	Area     *models.DriverLocation
}

// Listing is one full result of ListActive. FallbackAvailable is set when a
// nearby listing came back empty while active requests exist; a client
// that wants them re-queries with ListAll.
type Listing struct {
	Requests          []models.BookingRequest `json:"requests"`
	At                time.Time               `json:"at"`
	FallbackAvailable bool                    `json:"fallbackAvailable"`
}

type Engine struct {
	repo      storage.Repository
	lifecycle *lifecycle.Manager
	ledger    *ledger.Ledger
	counts    *notify.Aggregator
	areas     location.Directory
	logger    *slog.Logger
}

func New(repo storage.Repository, lm *lifecycle.Manager, l *ledger.Ledger, agg *notify.Aggregator, areas location.Directory, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if areas == nil {
		areas = location.NewMemoryDirectory()
	}
	return &Engine{repo: repo, lifecycle: lm, ledger: l, counts: agg, areas: areas, logger: logger}
}

func (e *Engine) CreateRequest(ctx context.Context, req *models.BookingRequest, idempotencyKey string) (string, error) {
	return e.lifecycle.Create(ctx, req, idempotencyKey)
}

func (e *Engine) GetRequest(ctx context.Context, id string) (*models.BookingRequest, error) {
	return e.lifecycle.Get(ctx, id)
}

func (e *Engine) UpdateRequest(ctx context.Context, id, ownerID string, patch models.RequestPatch) error {
	return e.lifecycle.Update(ctx, id, ownerID, patch)
}

func (e *Engine) DeleteRequest(ctx context.Context, id, ownerID string) error {
	return e.lifecycle.Delete(ctx, id, ownerID)
}

func (e *Engine) SubmitOffer(ctx context.Context, requestID, driverID string, offer models.Offer) error {
	offer.DriverID = driverID
	return e.ledger.AppendOffer(ctx, requestID, offer)
}

func (e *Engine) WithdrawOffer(ctx context.Context, requestID, driverID string) error {
	return e.ledger.WithdrawOffer(ctx, requestID, driverID)
}

func (e *Engine) EditOffer(ctx context.Context, requestID, driverID string, offer models.Offer) error {
	return e.ledger.ReplaceOffer(ctx, requestID, driverID, offer)
}

func (e *Engine) AcceptOffer(ctx context.Context, requestID, ownerID, driverID string) (string, error) {
	return e.ledger.AcceptOffer(ctx, requestID, ownerID, driverID)
}

func (e *Engine) IncrementViews(ctx context.Context, requestID string) error {
	return e.ledger.IncrementViews(ctx, requestID)
}

func (e *Engine) GetNotificationCounts(ctx context.Context, userID string, role models.Role) (models.Counts, error) {
	return e.counts.Get(ctx, userID, role)
}

func (e *Engine) WatchNotificationCounts(ctx context.Context, userID string, role models.Role) (<-chan models.Counts, error) {
	return e.counts.Watch(ctx, userID, role)
}

// SetDriverArea records where a driver operates, for later nearby listings.
func (e *Engine) SetDriverArea(ctx context.Context, driverID string, area models.DriverLocation) error {
	return e.areas.SetArea(ctx, driverID, area)
}

// ListActiveOnce returns a single listing.
func (e *Engine) ListActiveOnce(ctx context.Context, opts ListOptions) (Listing, error) {
	f, area, err := e.resolve(ctx, opts)
	if err != nil {
		return Listing{}, err
	}
	reqs, err := e.repo.List(ctx, f)
	if err != nil {
		return Listing{}, err
	}
	return e.shape(reqs, opts.Kind, area, e.lifecycle.Now()), nil
}

// ListActive streams listings: one now, then one per relevant change.
func (e *Engine) ListActive(ctx context.Context, opts ListOptions) (<-chan Listing, error) {
	f, area, err := e.resolve(ctx, opts)
	if err != nil {
		return nil, err
	}
	snaps, err := e.repo.Watch(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make(chan Listing, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				l := e.shape(snap.Requests, opts.Kind, area, e.lifecycle.Now())
				select {
				case out <- l:
				default:
					select {
					case <-out:
					default:
					}
					out <- l
				}
			}
		}
	}()
	return out, nil
}

func (e *Engine) resolve(ctx context.Context, opts ListOptions) (models.Filter, models.DriverLocation, error) {
	if opts.Kind == "" {
		opts.Kind = ListAll
	}
	if !opts.Kind.Valid() {
		return models.Filter{}, models.DriverLocation{}, &models.ValidationError{Fields: []models.FieldError{{Field: "filter", Rule: "oneof"}}}
	}
	f := models.ActiveFilter("")
	if opts.Kind == ListUrgent {
		f.Urgent = models.BoolPtr(true)
	}
	if opts.Kind != ListNearby {
		return f, models.DriverLocation{}, nil
	}
	if opts.Area != nil && (opts.Area.State != "" || opts.Area.City != "") {
		return f, *opts.Area, nil
	}
	if opts.DriverID != "" {
		area, ok, err := e.areas.Area(ctx, opts.DriverID)
		if err != nil {
			return models.Filter{}, models.DriverLocation{}, err
		}
		if ok {
			return f, area, nil
		}
	}
	return models.Filter{}, models.DriverLocation{}, fmt.Errorf("nearby listing without a driver area: %w",
		&models.ValidationError{Fields: []models.FieldError{{Field: "area", Rule: "required"}}})
}

// shape drops lazily expired requests and applies the nearby matcher.
func (e *Engine) shape(reqs []models.BookingRequest, kind ListKind, area models.DriverLocation, now time.Time) Listing {
	liveReqs := make([]models.BookingRequest, 0, len(reqs))
	for i := range reqs {
		if reqs[i].EffectiveStatus(now) == models.StatusActive {
			liveReqs = append(liveReqs, reqs[i])
		}
	}
	l := Listing{Requests: liveReqs, At: now}
	if kind == ListNearby {
		l.Requests = location.FilterNearby(liveReqs, area)
		l.FallbackAvailable = len(l.Requests) == 0 && len(liveReqs) > 0
	}
	return l
}
