package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/hire-requests/internal/models"
)

// Repository is the durable store of booking requests. Offer and view
// operations are single-document atomic, the way a document store applies
// array append and counter increment; nothing spans two documents.
type Repository interface {
	// Create assigns id, timestamps, expiry and initial lifecycle fields.
	Create(ctx context.Context, req *models.BookingRequest) (string, error)
	Get(ctx context.Context, id string) (*models.BookingRequest, error)
	// Update merges patch into the stored request. ErrNotFound if gone.
	Update(ctx context.Context, id string, patch models.RequestPatch) error
	SetStatus(ctx context.Context, id string, status models.RequestStatus) error
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f models.Filter) ([]models.BookingRequest, error)
	// Watch emits the full result set for f now and after every change
	// touching a document f includes. The channel closes when ctx ends.
	Watch(ctx context.Context, f models.Filter) (<-chan models.Snapshot, error)

	AppendOffer(ctx context.Context, id string, offer models.Offer) error
	RemoveOfferAt(ctx context.Context, id string, index int) error
	// RemoveOfferBy removes driverID's offer wherever it currently sits.
	// ErrNotFound if the request or the offer is gone.
	RemoveOfferBy(ctx context.Context, id, driverID string) error
	// Fulfil marks driverID's offer accepted, every other offer rejected
	// and the request fulfilled, in one document write.
	Fulfil(ctx context.Context, id, driverID string) error
	IncrementViews(ctx context.Context, id string) error
}

// sortNewestFirst orders by creation time, newest first, id as tiebreak.
func sortNewestFirst(reqs []models.BookingRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
	})
}

// prepareNew validates req and fills the fields Create owns.
func prepareNew(req *models.BookingRequest, id string, now time.Time) error {
	if req == nil {
		return &models.ValidationError{Fields: []models.FieldError{{Field: "request", Rule: "required"}}}
	}
	if err := models.Validate(req); err != nil {
		return err
	}
	req.ID = id
	req.SchemaVersion = models.CurrentSchemaVersion
	req.Status = models.StatusActive
	req.Offers = []models.Offer{}
	req.Views = 0
	req.CreatedAt = now
	req.UpdatedAt = now
	req.ExpiresAt = now.Add(models.RequestTTL)
	return nil
}

// withoutOffer drops driverID's offer from r in place.
func withoutOffer(r *models.BookingRequest, driverID string) error {
	idx := r.OfferIndex(driverID)
	if idx < 0 {
		return fmt.Errorf("offer from %s: %w", driverID, models.ErrNotFound)
	}
	r.Offers = append(r.Offers[:idx], r.Offers[idx+1:]...)
	return nil
}

// fulfil applies the accept transition to r in place. Only an active
// request can be fulfilled, so of two racing accepts one loses.
func fulfil(r *models.BookingRequest, driverID string) error {
	if r.Status != models.StatusActive {
		return fmt.Errorf("request %s is %s: %w", r.ID, r.Status, models.ErrTerminal)
	}
	idx := r.OfferIndex(driverID)
	if idx < 0 {
		return fmt.Errorf("offer from %s: %w", driverID, models.ErrNotFound)
	}
	for i := range r.Offers {
		if i == idx {
			r.Offers[i].Status = models.OfferAccepted
		} else {
			r.Offers[i].Status = models.OfferRejected
		}
	}
	r.Status = models.StatusFulfilled
	return nil
}
