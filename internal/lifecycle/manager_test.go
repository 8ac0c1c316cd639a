package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/hire-requests/internal/feed"
	"github.com/example/hire-requests/internal/models"
	"github.com/example/hire-requests/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *clock { return &clock{t: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)} }

func request(owner string) *models.BookingRequest {
	return &models.BookingRequest{
		UserID:    owner,
		UserName:  "Owner " + owner,
		CarType:   "Sedan",
		StartDate: "2026-10-05",
		Location:  "Lagos, Yaba",
	}
}

func setup(t *testing.T, opts ...Option) (*Manager, *storage.MemoryStore, *clock) {
	t.Helper()
	c := newClock()
	repo := storage.NewMemoryStore(feed.NewLocalBus(), nil, storage.WithClock(c.Now))
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return NewManager(repo, nil, opts...), repo, c
}

func TestQuotaRejectsFourthActiveRequest(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, request("U1"), "")
		require.NoError(t, err)
	}

	ok, err := m.CanCreate(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Create(ctx, request("U1"), "")
	assert.ErrorIs(t, err, models.ErrQuotaExceeded)

	// other owners are unaffected
	_, err = m.Create(ctx, request("U2"), "")
	assert.NoError(t, err)
}

func TestQuotaFreesUpOnDeleteFulfilOrExpiry(t *testing.T) {
	m, repo, c := setup(t)
	ctx := context.Background()
	ids := make([]string, 3)
	for i := range ids {
		id, err := m.Create(ctx, request("U1"), "")
		require.NoError(t, err)
		ids[i] = id
		c.Advance(time.Hour)
	}

	require.NoError(t, m.Delete(ctx, ids[0], "U1"))
	_, err := m.Create(ctx, request("U1"), "")
	require.NoError(t, err)

	require.NoError(t, repo.SetStatus(ctx, ids[1], models.StatusFulfilled))
	_, err = m.Create(ctx, request("U1"), "")
	require.NoError(t, err)

	_, err = m.Create(ctx, request("U1"), "")
	require.ErrorIs(t, err, models.ErrQuotaExceeded)

	// the oldest remaining request lapses; its slot opens without a sweep
	c.Advance(models.RequestTTL)
	n, err := m.ActiveCount(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCreateValidates(t *testing.T) {
	m, _, _ := setup(t)
	r := request("U1")
	r.StartDate = ""
	_, err := m.Create(context.Background(), r, "")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = m.Create(context.Background(), nil, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestEffectiveStatusExpiresLazily(t *testing.T) {
	m, repo, c := setup(t)
	ctx := context.Background()
	id, err := m.Create(ctx, request("U1"), "")
	require.NoError(t, err)

	c.Advance(8 * 24 * time.Hour)

	stored, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
	assert.Equal(t, models.StatusExpired, EffectiveStatus(stored, c.Now()))

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
}

func TestExpiredRequestCannotBeRevivedByUpdate(t *testing.T) {
	m, _, c := setup(t)
	ctx := context.Background()
	id, err := m.Create(ctx, request("U1"), "")
	require.NoError(t, err)
	c.Advance(8 * 24 * time.Hour)

	err = m.Update(ctx, id, "U1", models.RequestPatch{Urgent: models.BoolPtr(true), StartDate: models.StringPtr("2026-10-20")})
	assert.ErrorIs(t, err, models.ErrTerminal)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.False(t, got.Urgent)
}

func TestUpdateChecksOwnerAndExistence(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	id, err := m.Create(ctx, request("U1"), "")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Update(ctx, id, "U2", models.RequestPatch{Budget: models.StringPtr("1")}), models.ErrNotOwner)
	assert.ErrorIs(t, m.Update(ctx, "missing", "U1", models.RequestPatch{Budget: models.StringPtr("1")}), models.ErrNotFound)
	require.NoError(t, m.Update(ctx, id, "U1", models.RequestPatch{Budget: models.StringPtr("30000")}))

	got, _ := m.Get(ctx, id)
	assert.Equal(t, "30000", got.Budget)
	assert.ErrorIs(t, m.Update(ctx, id, "U1", models.RequestPatch{Passengers: intPtr(-1)}), models.ErrValidation)
}

func intPtr(i int) *int { return &i }

func TestDeleteIsIdempotentAndOwnerScoped(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	id, err := m.Create(ctx, request("U1"), "")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Delete(ctx, id, "U2"), models.ErrNotOwner)
	assert.NoError(t, m.Delete(ctx, id, "U1"))
	assert.NoError(t, m.Delete(ctx, id, "U1"))
}

func TestIdempotencyKeyReplaysCreate(t *testing.T) {
	m, repo, _ := setup(t, WithIdempotency(NewMemoryIdempotency(time.Hour)))
	ctx := context.Background()

	first, err := m.Create(ctx, request("U1"), "tok-1")
	require.NoError(t, err)
	again, err := m.Create(ctx, request("U1"), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// the same token from another owner is a different key
	other, err := m.Create(ctx, request("U2"), "tok-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	mine, _ := repo.List(ctx, models.ActiveFilter("U1"))
	assert.Len(t, mine, 1)
}

// gatedRepo holds every List call until n callers have arrived, forcing the
// interleaving in which concurrent creates all read the same count.
type gatedRepo struct {
	storage.Repository
	wg *sync.WaitGroup
}

func (g *gatedRepo) List(ctx context.Context, f models.Filter) ([]models.BookingRequest, error) {
	out, err := g.Repository.List(ctx, f)
	g.wg.Done()
	g.wg.Wait()
	return out, err
}

func TestQuotaCheckIsSoftUnderConcurrentCreates(t *testing.T) {
	c := newClock()
	mem := storage.NewMemoryStore(nil, nil, storage.WithClock(c.Now))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := mem.Create(ctx, request("U1"))
		require.NoError(t, err)
	}
	var gate sync.WaitGroup
	gate.Add(2)
	m := NewManager(&gatedRepo{Repository: mem, wg: &gate}, nil, WithClock(c.Now))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Create(ctx, request("U1"), "")
		}(i)
	}
	wg.Wait()

	// both passed the admission check: the documented overflow
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	active, _ := mem.List(ctx, models.ActiveFilter("U1"))
	assert.Len(t, active, 4)

	report, err := NewManager(mem, nil, WithClock(c.Now)).Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, report.OverQuota["U1"])
}

func TestSweepExpiresAndPrunes(t *testing.T) {
	m, repo, c := setup(t)
	ctx := context.Background()
	old, err := m.Create(ctx, request("U1"), "")
	require.NoError(t, err)
	c.Advance(3 * 24 * time.Hour)
	fresh, err := m.Create(ctx, request("U1"), "")
	require.NoError(t, err)

	c.Advance(5 * 24 * time.Hour)
	report, err := m.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Zero(t, report.Deleted)

	got, _ := repo.Get(ctx, old)
	assert.Equal(t, models.StatusExpired, got.Status)
	got, _ = repo.Get(ctx, fresh)
	assert.Equal(t, models.StatusActive, got.Status)

	c.Advance(2 * 24 * time.Hour)
	report, err = m.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
	assert.Equal(t, 1, report.Deleted)
	_, err = repo.Get(ctx, old)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = repo.Get(ctx, fresh)
	assert.NoError(t, err)
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func (f *fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

func TestRedisIdempotencyFirstWriterWins(t *testing.T) {
	s := NewRedisIdempotency(&fakeKV{data: map[string]string{}}, time.Hour)
	ctx := context.Background()

	bound, err := s.Remember(ctx, "U1:k", "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", bound)
	bound, err = s.Remember(ctx, "U1:k", "r2")
	require.NoError(t, err)
	assert.Equal(t, "r1", bound)

	id, ok, err := s.Lookup(ctx, "U1:k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "r1", id)
}

func TestRedisIdempotencyErrorsAreTransient(t *testing.T) {
	s := NewRedisIdempotency(&fakeKV{err: errors.New("timeout")}, time.Hour)
	_, _, err := s.Lookup(context.Background(), "k")
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestMemoryIdempotencyExpires(t *testing.T) {
	c := newClock()
	s := NewMemoryIdempotency(time.Minute)
	s.now = c.Now
	ctx := context.Background()
	_, err := s.Remember(ctx, "k", "r1")
	require.NoError(t, err)
	c.Advance(2 * time.Minute)
	_, ok, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
