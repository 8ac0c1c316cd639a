// Package lifecycle owns admission control, expiry and owner-scoped
// mutation of booking requests, on top of the repository.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/hire-requests/internal/models"
	"github.com/example/hire-requests/internal/observability"
	"github.com/example/hire-requests/internal/storage"
)

type Manager struct {
	repo   storage.Repository
	idem   IdempotencyStore
	logger *slog.Logger
	now    func() time.Time
	quota  int
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithIdempotency enables client idempotency tokens on Create.
func WithIdempotency(s IdempotencyStore) Option { return func(m *Manager) { m.idem = s } }

func WithQuota(n int) Option { return func(m *Manager) { m.quota = n } }

func NewManager(repo storage.Repository, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{repo: repo, logger: logger, now: time.Now, quota: models.MaxActiveRequests}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EffectiveStatus is the lazily derived lifecycle state of req at now.
func EffectiveStatus(req *models.BookingRequest, now time.Time) models.RequestStatus {
	return req.EffectiveStatus(now)
}

// Reconcile returns req with its effective status written into Status.
func Reconcile(req *models.BookingRequest, now time.Time) *models.BookingRequest {
	req.Status = req.EffectiveStatus(now)
	return req
}

func (m *Manager) Now() time.Time { return m.now() }

// ActiveCount counts ownerID's requests that are active and not overdue.
func (m *Manager) ActiveCount(ctx context.Context, ownerID string) (int, error) {
	reqs, err := m.repo.List(ctx, models.ActiveFilter(ownerID))
	if err != nil {
		return 0, err
	}
	now := m.now()
	n := 0
	for i := range reqs {
		if reqs[i].EffectiveStatus(now) == models.StatusActive {
			n++
		}
	}
	return n, nil
}

// CanCreate is a read-then-decide admission check. Two concurrent creates
// by one owner can both pass it; the sweep reports such overflow.
func (m *Manager) CanCreate(ctx context.Context, ownerID string) (bool, error) {
	n, err := m.ActiveCount(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return n < m.quota, nil
}

// Create admits and stores req. With a non-empty idempotency key, a repeat
// of an earlier call returns the earlier id instead of creating again.
func (m *Manager) Create(ctx context.Context, req *models.BookingRequest, idempotencyKey string) (string, error) {
	if req == nil {
		return "", &models.ValidationError{Fields: []models.FieldError{{Field: "request", Rule: "required"}}}
	}
	if err := models.Validate(req); err != nil {
		return "", err
	}
	key := ""
	if idempotencyKey != "" && m.idem != nil {
		key = req.UserID + ":" + idempotencyKey
		if id, ok, err := m.idem.Lookup(ctx, key); err != nil {
			return "", err
		} else if ok {
			observability.IdempotentReplay.Inc()
			return id, nil
		}
	}

	ok, err := m.CanCreate(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if !ok {
		observability.QuotaRejections.Inc()
		return "", fmt.Errorf("owner %s has %d active requests: %w", req.UserID, m.quota, models.ErrQuotaExceeded)
	}

	id, err := m.repo.Create(ctx, req)
	if err != nil {
		return "", err
	}
	observability.RequestsCreated.Inc()

	if key != "" {
		bound, err := m.idem.Remember(ctx, key, id)
		if err != nil {
			m.logger.Warn("idempotency key not recorded", "request_id", id, "error", err)
			return id, nil
		}
		if bound != id {
			// a concurrent retry with the same key won; keep only its request
			if derr := m.repo.Delete(ctx, id); derr != nil {
				m.logger.Warn("duplicate create not removed", "request_id", id, "error", derr)
			}
			observability.IdempotentReplay.Inc()
			return bound, nil
		}
	}
	m.logger.Info("request created", "request_id", id, "owner", req.UserID, "urgent", req.Urgent)
	return id, nil
}

// Get returns the request with its effective status applied.
func (m *Manager) Get(ctx context.Context, id string) (*models.BookingRequest, error) {
	r, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Reconcile(r, m.now()), nil
}

// Update edits an owner's active request. Expired and fulfilled requests
// are terminal: no patch can bring them back.
func (m *Manager) Update(ctx context.Context, id, ownerID string, patch models.RequestPatch) error {
	if err := models.Validate(patch); err != nil {
		return err
	}
	r, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.UserID != ownerID {
		return fmt.Errorf("update %s: %w", id, models.ErrNotOwner)
	}
	if st := r.EffectiveStatus(m.now()); st != models.StatusActive {
		return fmt.Errorf("update %s (%s): %w", id, st, models.ErrTerminal)
	}
	if patch.Empty() {
		return nil
	}
	return m.repo.Update(ctx, id, patch)
}

// Delete removes an owner's request. Deleting a missing id succeeds.
func (m *Manager) Delete(ctx context.Context, id, ownerID string) error {
	r, err := m.repo.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.UserID != ownerID {
		return fmt.Errorf("delete %s: %w", id, models.ErrNotOwner)
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("request deleted", "request_id", id, "owner", ownerID)
	return nil
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Expired   int            `json:"expired"`
	Deleted   int            `json:"deleted"`
	OverQuota map[string]int `json:"overQuota"`
}

// Sweep persists the expired status of overdue requests, deletes requests
// expired for longer than retention (zero keeps them), and reports owners
// above the quota. Overflow is only reported, never corrected.
func (m *Manager) Sweep(ctx context.Context, retention time.Duration) (SweepReport, error) {
	now := m.now()
	report := SweepReport{OverQuota: map[string]int{}}

	active, err := m.repo.List(ctx, models.ActiveFilter(""))
	if err != nil {
		return report, err
	}
	perOwner := map[string]int{}
	for i := range active {
		r := &active[i]
		if r.EffectiveStatus(now) == models.StatusActive {
			perOwner[r.UserID]++
			continue
		}
		err := m.repo.SetStatus(ctx, r.ID, models.StatusExpired)
		switch {
		case errors.Is(err, models.ErrNotFound):
		case err != nil:
			return report, err
		default:
			report.Expired++
		}
	}
	for owner, n := range perOwner {
		if n > m.quota {
			report.OverQuota[owner] = n
			m.logger.Warn("owner over active quota", "owner", owner, "active", n, "quota", m.quota)
		}
	}

	if retention > 0 {
		st := models.StatusExpired
		expired, err := m.repo.List(ctx, models.Filter{Status: &st})
		if err != nil {
			return report, err
		}
		for i := range expired {
			if now.Sub(expired[i].ExpiresAt) <= retention {
				continue
			}
			if err := m.repo.Delete(ctx, expired[i].ID); err != nil {
				return report, err
			}
			report.Deleted++
		}
	}

	observability.SweepExpired.Add(float64(report.Expired))
	observability.SweepDeleted.Add(float64(report.Deleted))
	observability.SweepOverQuota.Set(float64(len(report.OverQuota)))
	return report, nil
}
