// Package ledger manages the offers embedded in each booking request.
//
// Each check here is read-then-write against a single document. Two
// concurrent first offers from the same driver can both pass the
// duplicate check and both land; callers are expected to debounce their
// own submissions. Drivers withdraw by key, so a concurrent removal never
// shifts which offer goes; RemoveOffer keeps the positional form.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/hire-requests/internal/models"
	"github.com/example/hire-requests/internal/observability"
	"github.com/example/hire-requests/internal/payments"
	"github.com/example/hire-requests/internal/storage"
)

type Ledger struct {
	repo     storage.Repository
	payments payments.Holder
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithPayments(h payments.Holder) Option { return func(l *Ledger) { l.payments = h } }

func New(repo storage.Repository, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{repo: repo, payments: payments.NoopHolder{}, logger: logger, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// openRequest loads a request that still accepts offer changes.
func (l *Ledger) openRequest(ctx context.Context, requestID string) (*models.BookingRequest, error) {
	r, err := l.repo.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if st := r.EffectiveStatus(l.now()); st != models.StatusActive {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, st, models.ErrTerminal)
	}
	return r, nil
}

// AppendOffer adds offer to the end of the request's offers.
func (l *Ledger) AppendOffer(ctx context.Context, requestID string, offer models.Offer) error {
	if err := models.Validate(offer); err != nil {
		return err
	}
	r, err := l.openRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if offer.DriverID == r.UserID {
		observability.OffersRejected.WithLabelValues("self").Inc()
		return fmt.Errorf("driver %s on %s: %w", offer.DriverID, requestID, models.ErrSelfOffer)
	}
	if r.HasOfferFrom(offer.DriverID) {
		observability.OffersRejected.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("driver %s on %s: %w", offer.DriverID, requestID, models.ErrDuplicateOffer)
	}
	offer.Status = models.OfferPending
	offer.CreatedAt = l.now().UTC()
	if err := l.repo.AppendOffer(ctx, requestID, offer); err != nil {
		return err
	}
	observability.OffersSubmitted.Inc()
	l.logger.Info("offer submitted", "request_id", requestID, "driver_id", offer.DriverID, "price", offer.Price)
	return nil
}

// RemoveOffer removes the offer at index.
func (l *Ledger) RemoveOffer(ctx context.Context, requestID string, index int) error {
	r, err := l.openRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(r.Offers) {
		return fmt.Errorf("remove offer %d of %d: %w", index, len(r.Offers), models.ErrIndexOutOfRange)
	}
	if err := l.repo.RemoveOfferAt(ctx, requestID, index); err != nil {
		return err
	}
	observability.OffersWithdrawn.Inc()
	return nil
}

// WithdrawOffer removes driverID's offer.
func (l *Ledger) WithdrawOffer(ctx context.Context, requestID, driverID string) error {
	if _, err := l.openRequest(ctx, requestID); err != nil {
		return err
	}
	if err := l.repo.RemoveOfferBy(ctx, requestID, driverID); err != nil {
		return err
	}
	observability.OffersWithdrawn.Inc()
	l.logger.Info("offer withdrawn", "request_id", requestID, "driver_id", driverID)
	return nil
}

// ReplaceOffer is "edit my offer": remove then append. The two writes are
// not one transaction, so a reader may briefly see the request without
// this driver's offer. If the append fails the old offer is restored on a
// best-effort basis, unless the request closed in between.
func (l *Ledger) ReplaceOffer(ctx context.Context, requestID, driverID string, offer models.Offer) error {
	offer.DriverID = driverID
	if err := models.Validate(offer); err != nil {
		return err
	}
	r, err := l.openRequest(ctx, requestID)
	if err != nil {
		return err
	}
	idx := r.OfferIndex(driverID)
	if idx < 0 {
		return fmt.Errorf("offer from %s on %s: %w", driverID, requestID, models.ErrNotFound)
	}
	previous := r.Offers[idx]
	if err := l.repo.RemoveOfferBy(ctx, requestID, driverID); err != nil {
		return err
	}
	if err := l.AppendOffer(ctx, requestID, offer); err != nil {
		if errors.Is(err, models.ErrTerminal) {
			l.logger.Warn("request closed during offer replace", "request_id", requestID, "driver_id", driverID)
			return err
		}
		if rerr := l.repo.AppendOffer(ctx, requestID, previous); rerr != nil {
			l.logger.Error("offer lost during replace", "request_id", requestID, "driver_id", driverID, "error", rerr)
		}
		return err
	}
	return nil
}

// IncrementViews bumps the view counter. Increments commute, so no read
// precedes the write.
func (l *Ledger) IncrementViews(ctx context.Context, requestID string) error {
	return l.repo.IncrementViews(ctx, requestID)
}

// AcceptOffer lets the owner pick driverID's offer: the request becomes
// fulfilled, the other offers rejected, and funds for the agreed price
// are held. The hold is placed first and released if the request cannot
// be fulfilled. A failed hold is logged and returned; the acceptance
// stands.
func (l *Ledger) AcceptOffer(ctx context.Context, requestID, ownerID, driverID string) (string, error) {
	r, err := l.openRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	if r.UserID != ownerID {
		return "", fmt.Errorf("accept on %s: %w", requestID, models.ErrNotOwner)
	}
	idx := r.OfferIndex(driverID)
	if idx < 0 {
		return "", fmt.Errorf("offer from %s on %s: %w", driverID, requestID, models.ErrNotFound)
	}

	holdID, holdErr := l.payments.Hold(ctx, payments.Hold{
		RequestID:  requestID,
		CustomerID: ownerID,
		DriverID:   driverID,
		Amount:     r.Offers[idx].Price,
	})
	if err := l.repo.Fulfil(ctx, requestID, driverID); err != nil {
		if holdErr == nil && holdID != "" && !l.acceptedBy(requestID, driverID) {
			l.releaseHold(holdID, requestID)
		}
		return "", err
	}
	observability.OffersAccepted.Inc()
	l.logger.Info("offer accepted", "request_id", requestID, "driver_id", driverID)

	if holdErr != nil {
		observability.PaymentHoldFails.Inc()
		l.logger.Error("payment hold failed", "request_id", requestID, "driver_id", driverID, "error", holdErr)
		return "", errors.Join(ErrHoldFailed, holdErr)
	}
	return holdID, nil
}

// acceptedBy reports whether driverID's offer already won requestID. Holds
// are keyed by request and driver, so a repeated accept shares the hold of
// the one that committed.
func (l *Ledger) acceptedBy(requestID, driverID string) bool {
	r, err := l.repo.Get(context.Background(), requestID)
	if err != nil || r.Status != models.StatusFulfilled {
		return false
	}
	idx := r.OfferIndex(driverID)
	return idx >= 0 && r.Offers[idx].Status == models.OfferAccepted
}

// releaseHold cancels a hold for an acceptance that did not commit. It
// runs detached from the caller's context, which may already be done.
func (l *Ledger) releaseHold(holdID, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.payments.Cancel(ctx, holdID); err != nil {
		l.logger.Error("payment hold not released", "request_id", requestID, "hold_id", holdID, "error", err)
		return
	}
	l.logger.Info("payment hold released", "request_id", requestID, "hold_id", holdID)
}

// ErrHoldFailed reports that an accepted offer has no payment hold yet.
var ErrHoldFailed = errors.New("offer accepted but payment hold failed")
