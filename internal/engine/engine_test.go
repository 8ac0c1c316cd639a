package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/hire-requests/internal/ledger"
	"github.com/example/hire-requests/internal/lifecycle"
	"github.com/example/hire-requests/internal/location"
	"github.com/example/hire-requests/internal/models"
	"github.com/example/hire-requests/internal/notify"
	"github.com/example/hire-requests/internal/storage"
)

type harness struct {
	engine *Engine
	repo   *storage.MemoryStore
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 10, 5, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	h.repo = storage.NewMemoryStore(nil, nil, storage.WithClock(clock), storage.WithResync(time.Hour))
	h.engine = New(h.repo,
		lifecycle.NewManager(h.repo, nil, lifecycle.WithClock(clock)),
		ledger.New(h.repo, nil, ledger.WithClock(clock)),
		notify.New(h.repo, nil, notify.WithClock(clock), notify.WithDebounce(0)),
		location.NewMemoryDirectory(), nil)
	return h
}

func (h *harness) create(t *testing.T, owner, loc string, urgent bool) string {
	t.Helper()
	id, err := h.engine.CreateRequest(context.Background(), &models.BookingRequest{
		UserID: owner, UserName: "Ada", CarType: "Sedan", StartDate: "2026-10-10", Location: loc, Urgent: urgent,
	}, "")
	require.NoError(t, err)
	return id
}

func ids(reqs []models.BookingRequest) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.ID)
	}
	return out
}

func TestListActiveAllAndUrgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "C1", "Abuja, Wuse", false)
	h.now = h.now.Add(time.Minute)
	b := h.create(t, "C2", "Lagos, Lekki", true)

	all, err := h.engine.ListActiveOnce(ctx, ListOptions{Kind: ListAll})
	require.NoError(t, err)
	assert.Equal(t, []string{b, a}, ids(all.Requests))

	urgent, err := h.engine.ListActiveOnce(ctx, ListOptions{Kind: ListUrgent})
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids(urgent.Requests))
}

func TestListActiveHidesLazilyExpired(t *testing.T) {
	h := newHarness(t)
	h.create(t, "C1", "Abuja", false)
	h.now = h.now.Add(8 * 24 * time.Hour)

	l, err := h.engine.ListActiveOnce(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, l.Requests)
}

func TestNearbyEmptyOffersFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "C1", "Kano, Sabon Gari", false)

	area := &models.DriverLocation{State: "Enugu", City: "Nsukka"}
	l, err := h.engine.ListActiveOnce(ctx, ListOptions{Kind: ListNearby, Area: area})
	require.NoError(t, err)
	assert.NotNil(t, l.Requests)
	assert.Empty(t, l.Requests)
	assert.True(t, l.FallbackAvailable)

	all, err := h.engine.ListActiveOnce(ctx, ListOptions{Kind: ListAll})
	require.NoError(t, err)
	assert.Len(t, all.Requests, 1)
}

func TestNearbyUsesDirectoryArea(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	vi := h.create(t, "C1", "Lagos, Victoria Island", false)
	h.create(t, "C2", "Kano", false)
	require.NoError(t, h.engine.SetDriverArea(ctx, "D1", models.DriverLocation{State: "Lagos", City: "Ikeja"}))

	l, err := h.engine.ListActiveOnce(ctx, ListOptions{Kind: ListNearby, DriverID: "D1"})
	require.NoError(t, err)
	assert.Equal(t, []string{vi}, ids(l.Requests))
	assert.False(t, l.FallbackAvailable)

	_, err = h.engine.ListActiveOnce(ctx, ListOptions{Kind: ListNearby, DriverID: "D2"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUnknownListKind(t *testing.T) {
	_, err := newHarness(t).engine.ListActiveOnce(context.Background(), ListOptions{Kind: "closest"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestListActiveStreamsChanges(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := h.engine.ListActive(ctx, ListOptions{Kind: ListUrgent})
	require.NoError(t, err)
	first := <-ch
	assert.Empty(t, first.Requests)

	id := h.create(t, "C1", "Ibadan", true)
	require.Eventually(t, func() bool {
		select {
		case l := <-ch:
			return len(l.Requests) == 1 && l.Requests[0].ID == id
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestOfferFlowThroughEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "C1", "Abuja", false)

	require.NoError(t, h.engine.SubmitOffer(ctx, id, "D1", models.Offer{DriverName: "Dayo", Price: 15000}))
	assert.ErrorIs(t, h.engine.SubmitOffer(ctx, id, "D1", models.Offer{DriverName: "Dayo", Price: 9000}), models.ErrDuplicateOffer)

	counts, err := h.engine.GetNotificationCounts(ctx, "C1", models.RoleCustomer)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.CustomerCount)

	require.NoError(t, h.engine.EditOffer(ctx, id, "D1", models.Offer{DriverName: "Dayo", Price: 14000}))
	r, err := h.engine.GetRequest(ctx, id)
	require.NoError(t, err)
	require.Len(t, r.Offers, 1)
	assert.Equal(t, 14000.0, r.Offers[0].Price)

	require.NoError(t, h.engine.IncrementViews(ctx, id))
	_, err = h.engine.AcceptOffer(ctx, id, "C1", "D1")
	require.NoError(t, err)

	r, err = h.engine.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFulfilled, r.Status)
	assert.EqualValues(t, 1, r.Views)
	assert.ErrorIs(t, h.engine.WithdrawOffer(ctx, id, "D1"), models.ErrTerminal)
}
