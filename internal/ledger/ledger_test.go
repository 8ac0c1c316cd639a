package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/hire-requests/internal/models"
	"github.com/example/hire-requests/internal/payments"
	"github.com/example/hire-requests/internal/storage"
)

var start = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *Ledger
	repo   *storage.MemoryStore
	now    time.Time
	reqID  string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{now: start}
	clock := func() time.Time { return f.now }
	f.repo = storage.NewMemoryStore(nil, nil, storage.WithClock(clock))
	f.ledger = New(f.repo, nil, append([]Option{WithClock(clock)}, opts...)...)
	id, err := f.repo.Create(context.Background(), &models.BookingRequest{
		UserID: "C1", UserName: "Chioma", CarType: "SUV", StartDate: "2026-10-03", Location: "Lagos, Lekki",
	})
	require.NoError(t, err)
	f.reqID = id
	return f
}

func offer(driver string, price float64) models.Offer {
	return models.Offer{DriverID: driver, DriverName: "Driver " + driver, DriverPhone: "+234800000", CarMake: "Toyota", HasAC: true, Price: price, Message: "available"}
}

func (f *fixture) offers(t *testing.T) []models.Offer {
	t.Helper()
	r, err := f.repo.Get(context.Background(), f.reqID)
	require.NoError(t, err)
	return r.Offers
}

func TestAppendOfferStampsPendingAndKeepsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 15000)))
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D2", 14000)))

	got := f.offers(t)
	require.Len(t, got, 2)
	assert.Equal(t, "D1", got[0].DriverID)
	assert.Equal(t, "D2", got[1].DriverID)
	assert.Equal(t, models.OfferPending, got[0].Status)
	assert.Equal(t, start, got[0].CreatedAt)
}

func TestSecondOfferFromSameDriverIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 15000)))

	err := f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 12000))
	assert.ErrorIs(t, err, models.ErrDuplicateOffer)
	assert.Len(t, f.offers(t), 1)

	// after withdrawing, the driver may bid again
	require.NoError(t, f.ledger.WithdrawOffer(ctx, f.reqID, "D1"))
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 12000)))
	assert.Equal(t, 12000.0, f.offers(t)[0].Price)
}

func TestOwnerCannotOfferOnOwnRequest(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.AppendOffer(context.Background(), f.reqID, offer("C1", 100))
	assert.ErrorIs(t, err, models.ErrSelfOffer)
}

func TestOfferValidation(t *testing.T) {
	f := newFixture(t)
	bad := offer("D1", 0)
	assert.ErrorIs(t, f.ledger.AppendOffer(context.Background(), f.reqID, bad), models.ErrValidation)
	bad = offer("", 10)
	assert.ErrorIs(t, f.ledger.AppendOffer(context.Background(), f.reqID, bad), models.ErrValidation)
}

func TestTerminalRequestsRejectOfferChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 100)))

	f.now = start.Add(8 * 24 * time.Hour)
	assert.ErrorIs(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D2", 100)), models.ErrTerminal)
	assert.ErrorIs(t, f.ledger.WithdrawOffer(ctx, f.reqID, "D1"), models.ErrTerminal)
	assert.ErrorIs(t, f.ledger.RemoveOffer(ctx, f.reqID, 0), models.ErrTerminal)

	f.now = start
	require.NoError(t, f.repo.SetStatus(ctx, f.reqID, models.StatusFulfilled))
	assert.ErrorIs(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D2", 100)), models.ErrTerminal)
}

func TestMissingRequest(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.ledger.AppendOffer(context.Background(), "nope", offer("D1", 1)), models.ErrNotFound)
}

func TestRemoveOfferByIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 1)))
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D2", 2)))

	assert.ErrorIs(t, f.ledger.RemoveOffer(ctx, f.reqID, 2), models.ErrIndexOutOfRange)
	require.NoError(t, f.ledger.RemoveOffer(ctx, f.reqID, 0))
	got := f.offers(t)
	require.Len(t, got, 1)
	assert.Equal(t, "D2", got[0].DriverID)
}

func TestWithdrawRemovesByDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, d := range []string{"D1", "D2", "D3"} {
		require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer(d, 1)))
	}
	require.NoError(t, f.ledger.WithdrawOffer(ctx, f.reqID, "D1"))
	require.NoError(t, f.ledger.WithdrawOffer(ctx, f.reqID, "D3"))

	got := f.offers(t)
	require.Len(t, got, 1)
	assert.Equal(t, "D2", got[0].DriverID)
	assert.ErrorIs(t, f.ledger.WithdrawOffer(ctx, f.reqID, "D3"), models.ErrNotFound)
}

func TestReplaceOfferMovesToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 100)))
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D2", 200)))

	require.NoError(t, f.ledger.ReplaceOffer(ctx, f.reqID, "D1", offer("ignored", 90)))

	got := f.offers(t)
	require.Len(t, got, 2)
	assert.Equal(t, "D2", got[0].DriverID)
	assert.Equal(t, "D1", got[1].DriverID)
	assert.Equal(t, 90.0, got[1].Price)

	assert.ErrorIs(t, f.ledger.ReplaceOffer(ctx, f.reqID, "D9", offer("D9", 1)), models.ErrNotFound)
}

func TestIncrementViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.IncrementViews(ctx, f.reqID))
	require.NoError(t, f.ledger.IncrementViews(ctx, f.reqID))
	r, _ := f.repo.Get(ctx, f.reqID)
	assert.EqualValues(t, 2, r.Views)
}

type recordingHolder struct {
	holds   []payments.Hold
	cancels []string
	err     error
}

func (r *recordingHolder) Hold(_ context.Context, h payments.Hold) (string, error) {
	r.holds = append(r.holds, h)
	if r.err != nil {
		return "", r.err
	}
	return "pi_123", nil
}

func (r *recordingHolder) Cancel(_ context.Context, holdID string) error {
	r.cancels = append(r.cancels, holdID)
	return nil
}

func TestAcceptOfferFulfilsAndHoldsFunds(t *testing.T) {
	holder := &recordingHolder{}
	f := newFixture(t, WithPayments(holder))
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 15000)))
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D2", 14000)))

	_, err := f.ledger.AcceptOffer(ctx, f.reqID, "D1", "D2")
	assert.ErrorIs(t, err, models.ErrNotOwner)

	holdID, err := f.ledger.AcceptOffer(ctx, f.reqID, "C1", "D2")
	require.NoError(t, err)
	assert.Equal(t, "pi_123", holdID)
	require.Len(t, holder.holds, 1)
	assert.Equal(t, 14000.0, holder.holds[0].Amount)

	r, _ := f.repo.Get(ctx, f.reqID)
	assert.Equal(t, models.StatusFulfilled, r.Status)
	assert.Equal(t, models.OfferRejected, r.Offers[0].Status)
	assert.Equal(t, models.OfferAccepted, r.Offers[1].Status)

	// fulfilled is terminal
	_, err = f.ledger.AcceptOffer(ctx, f.reqID, "C1", "D1")
	assert.ErrorIs(t, err, models.ErrTerminal)
	assert.Empty(t, holder.cancels)
}

// racingRepo lets a test commit a competing write between the ledger's
// read and its own write.
type racingRepo struct {
	storage.Repository
	beforeFulfil func()
	afterRemove  func()
}

func (r *racingRepo) Fulfil(ctx context.Context, id, driverID string) error {
	if r.beforeFulfil != nil {
		r.beforeFulfil()
	}
	return r.Repository.Fulfil(ctx, id, driverID)
}

func (r *racingRepo) RemoveOfferBy(ctx context.Context, id, driverID string) error {
	if err := r.Repository.RemoveOfferBy(ctx, id, driverID); err != nil {
		return err
	}
	if r.afterRemove != nil {
		r.afterRemove()
	}
	return nil
}

func TestLosingAcceptReleasesItsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 15000)))
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D2", 14000)))

	holder := &recordingHolder{}
	repo := &racingRepo{Repository: f.repo, beforeFulfil: func() {
		require.NoError(t, f.repo.Fulfil(ctx, f.reqID, "D2"))
	}}
	l := New(repo, nil, WithClock(func() time.Time { return f.now }), WithPayments(holder))

	_, err := l.AcceptOffer(ctx, f.reqID, "C1", "D1")
	assert.ErrorIs(t, err, models.ErrTerminal)
	assert.Equal(t, []string{"pi_123"}, holder.cancels)

	got := f.offers(t)
	assert.Equal(t, models.OfferRejected, got[0].Status)
	assert.Equal(t, models.OfferAccepted, got[1].Status)
}

func TestRepeatedAcceptKeepsSharedHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 15000)))

	holder := &recordingHolder{}
	repo := &racingRepo{Repository: f.repo, beforeFulfil: func() {
		require.NoError(t, f.repo.Fulfil(ctx, f.reqID, "D1"))
	}}
	l := New(repo, nil, WithClock(func() time.Time { return f.now }), WithPayments(holder))

	_, err := l.AcceptOffer(ctx, f.reqID, "C1", "D1")
	assert.ErrorIs(t, err, models.ErrTerminal)
	assert.Empty(t, holder.cancels)
}

func TestReplaceDoesNotRestoreOntoClosedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 15000)))
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D2", 14000)))

	repo := &racingRepo{Repository: f.repo, afterRemove: func() {
		require.NoError(t, f.repo.Fulfil(ctx, f.reqID, "D2"))
	}}
	l := New(repo, nil, WithClock(func() time.Time { return f.now }))

	err := l.ReplaceOffer(ctx, f.reqID, "D1", offer("D1", 13000))
	assert.ErrorIs(t, err, models.ErrTerminal)

	got := f.offers(t)
	require.Len(t, got, 1)
	assert.Equal(t, "D2", got[0].DriverID)
	assert.Equal(t, models.OfferAccepted, got[0].Status)
}

func TestAcceptOfferReportsFailedHold(t *testing.T) {
	f := newFixture(t, WithPayments(&recordingHolder{err: errors.New("card declined")}))
	ctx := context.Background()
	require.NoError(t, f.ledger.AppendOffer(ctx, f.reqID, offer("D1", 15000)))

	_, err := f.ledger.AcceptOffer(ctx, f.reqID, "C1", "D1")
	assert.ErrorIs(t, err, ErrHoldFailed)
	r, _ := f.repo.Get(ctx, f.reqID)
	assert.Equal(t, models.StatusFulfilled, r.Status)
}

// barrierRepo makes every Get wait until two callers have read, so both
// duplicate checks see the request before either append.
type barrierRepo struct {
	storage.Repository
	wg *sync.WaitGroup
}

func (b *barrierRepo) Get(ctx context.Context, id string) (*models.BookingRequest, error) {
	r, err := b.Repository.Get(ctx, id)
	b.wg.Done()
	b.wg.Wait()
	return r, err
}

func TestConcurrentDoubleSubmitCanSlipPastDuplicateCheck(t *testing.T) {
	f := newFixture(t)
	var gate sync.WaitGroup
	gate.Add(2)
	l := New(&barrierRepo{Repository: f.repo, wg: &gate}, nil, WithClock(func() time.Time { return start }))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.AppendOffer(context.Background(), f.reqID, offer("D1", 15000))
		}(i)
	}
	wg.Wait()

	// accepted inconsistency: both writes land
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Len(t, f.offers(t), 2)
}
