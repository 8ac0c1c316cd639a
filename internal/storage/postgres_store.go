package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/hire-requests/internal/feed"
	"github.com/example/hire-requests/internal/models"
)

// PostgresStore keeps one row per request. Columns the store filters or
// mutates atomically (owner, status, urgency, offers, views, timestamps)
// are real columns; the remaining trip facets live in a JSONB document.
type PostgresStore struct {
	db      *sql.DB
	bus     feed.Bus
	watcher watcher
	now     func() time.Time
}

const selectColumns = `id, user_id, status, urgent, offers, views, doc, expires_at, created_at, updated_at`

func NewPostgresStore(dsn string, bus feed.Bus, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, classify(err)
	}
	return NewPostgresStoreFromDB(db, bus, logger), nil
}

func NewPostgresStoreFromDB(db *sql.DB, bus feed.Bus, logger *slog.Logger) *PostgresStore {
	if bus == nil {
		bus = feed.NewLocalBus()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:      db,
		bus:     bus,
		watcher: watcher{bus: bus, resync: DefaultResync, logger: logger, now: time.Now},
		now:     time.Now,
	}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// SetResync changes how often open watches re-list without an event.
func (p *PostgresStore) SetResync(d time.Duration) {
	if d > 0 {
		p.watcher.resync = d
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error { return classify(p.db.PingContext(ctx)) }

// Migrate applies the given schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return classify(err)
}

func (p *PostgresStore) Create(ctx context.Context, req *models.BookingRequest) (string, error) {
	if err := prepareNew(req, uuid.NewString(), p.now().UTC()); err != nil {
		return "", err
	}
	doc, err := encodeDoc(req)
	if err != nil {
		return "", err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO booking_requests(id, user_id, status, urgent, offers, views, doc, expires_at, created_at, updated_at)
		 VALUES($1,$2,$3,$4,'[]'::jsonb,0,$5,$6,$7,$8)`,
		req.ID, req.UserID, req.Status, req.Urgent, doc, req.ExpiresAt, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return "", classify(err)
	}
	p.publish(ctx, feed.ChangeEvent{Kind: feed.Created, RequestID: req.ID, After: req.Clone()})
	return req.ID, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.BookingRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM booking_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, id string, patch models.RequestPatch) error {
	return p.mutateTx(ctx, id, func(r *models.BookingRequest) error {
		patch.Apply(r)
		return models.Validate(r)
	})
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status models.RequestStatus) error {
	if !status.Valid() {
		return &models.ValidationError{Fields: []models.FieldError{{Field: "status", Rule: "oneof"}}}
	}
	return p.mutateTx(ctx, id, func(r *models.BookingRequest) error {
		r.Status = status
		return nil
	})
}

func (p *PostgresStore) Fulfil(ctx context.Context, id, driverID string) error {
	return p.mutateTx(ctx, id, func(r *models.BookingRequest) error {
		return fulfil(r, driverID)
	})
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	row := p.db.QueryRowContext(ctx, `DELETE FROM booking_requests WHERE id = $1 RETURNING `+selectColumns, id)
	before, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	p.publish(ctx, feed.ChangeEvent{Kind: feed.Deleted, RequestID: id, Before: before})
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f models.Filter) ([]models.BookingRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Urgent != nil {
		args = append(args, *f.Urgent)
		where = append(where, fmt.Sprintf("urgent = $%d", len(args)))
	}
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	q := `SELECT ` + selectColumns + ` FROM booking_requests`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := []models.BookingRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, classify(rows.Err())
}

func (p *PostgresStore) Watch(ctx context.Context, f models.Filter) (<-chan models.Snapshot, error) {
	return p.watcher.watch(ctx, f, p.List)
}

func (p *PostgresStore) AppendOffer(ctx context.Context, id string, offer models.Offer) error {
	b, err := json.Marshal([]models.Offer{offer})
	if err != nil {
		return err
	}
	row := p.db.QueryRowContext(ctx,
		`UPDATE booking_requests SET offers = offers || $2::jsonb, updated_at = $3
		 WHERE id = $1 RETURNING `+selectColumns,
		id, string(b), p.now().UTC())
	return p.afterAtomic(ctx, id, row)
}

func (p *PostgresStore) RemoveOfferAt(ctx context.Context, id string, index int) error {
	if index < 0 {
		return fmt.Errorf("remove offer %d: %w", index, models.ErrIndexOutOfRange)
	}
	row := p.db.QueryRowContext(ctx,
		`UPDATE booking_requests SET offers = offers - $2::int, updated_at = $3
		 WHERE id = $1 AND jsonb_array_length(offers) > $2 RETURNING `+selectColumns,
		id, index, p.now().UTC())
	err := p.afterAtomic(ctx, id, row)
	if !errors.Is(err, models.ErrNotFound) {
		return err
	}
	// no row: either the request is gone or the index is past the end
	if _, gerr := p.Get(ctx, id); gerr != nil {
		return gerr
	}
	return fmt.Errorf("remove offer %d: %w", index, models.ErrIndexOutOfRange)
}

// RemoveOfferBy locks the row so the position is resolved and removed in
// the same transaction.
func (p *PostgresStore) RemoveOfferBy(ctx context.Context, id, driverID string) error {
	return p.mutateTx(ctx, id, func(r *models.BookingRequest) error {
		return withoutOffer(r, driverID)
	})
}

func (p *PostgresStore) IncrementViews(ctx context.Context, id string) error {
	row := p.db.QueryRowContext(ctx,
		`UPDATE booking_requests SET views = views + 1, updated_at = $2
		 WHERE id = $1 RETURNING `+selectColumns,
		id, p.now().UTC())
	return p.afterAtomic(ctx, id, row)
}

// afterAtomic publishes the post-image of a single-statement update. Offer
// and view updates cannot change filter membership, so Before is omitted.
func (p *PostgresStore) afterAtomic(ctx context.Context, id string, row *sql.Row) error {
	after, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return err
	}
	p.publish(ctx, feed.ChangeEvent{Kind: feed.Updated, RequestID: id, After: after})
	return nil
}

// mutateTx is a locked read-modify-write of one row.
func (p *PostgresStore) mutateTx(ctx context.Context, id string, fn func(*models.BookingRequest) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM booking_requests WHERE id = $1 FOR UPDATE`, id)
	before, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return err
	}
	after := before.Clone()
	if err := fn(after); err != nil {
		return err
	}
	after.UpdatedAt = p.now().UTC()
	doc, err := encodeDoc(after)
	if err != nil {
		return err
	}
	offers, err := json.Marshal(after.Offers)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE booking_requests SET status = $2, urgent = $3, offers = $4::jsonb, doc = $5, updated_at = $6 WHERE id = $1`,
		id, after.Status, after.Urgent, string(offers), doc, after.UpdatedAt); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	p.publish(ctx, feed.ChangeEvent{Kind: feed.Updated, RequestID: id, Before: before, After: after})
	return nil
}

func (p *PostgresStore) publish(ctx context.Context, ev feed.ChangeEvent) {
	ev.At = p.now().UTC()
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.watcher.logger.Warn("change publish failed", "request_id", ev.RequestID, "error", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(s rowScanner) (*models.BookingRequest, error) {
	var (
		id, userID, status string
		urgent             bool
		offers, doc        []byte
		views              int64
		expires, created   time.Time
		updated            time.Time
	)
	if err := s.Scan(&id, &userID, &status, &urgent, &offers, &views, &doc, &expires, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classify(err)
	}
	r := &models.BookingRequest{}
	if err := json.Unmarshal(doc, r); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	r.Offers = []models.Offer{}
	if err := json.Unmarshal(offers, &r.Offers); err != nil {
		return nil, fmt.Errorf("decode offers of %s: %w", id, err)
	}
	r.ID = id
	r.UserID = userID
	r.Status = models.RequestStatus(status)
	r.Urgent = urgent
	r.Views = views
	r.ExpiresAt = expires.UTC()
	r.CreatedAt = created.UTC()
	r.UpdatedAt = updated.UTC()
	return r, nil
}

// encodeDoc serializes the trip facets; column-backed fields are blanked so
// the document never disagrees with them.
func encodeDoc(r *models.BookingRequest) (string, error) {
	c := r.Clone()
	c.Offers = nil
	c.Views = 0
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// classify wraps connection-level and retryable server errors in
// ErrUnavailable so callers can tell them apart from logic errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08", // connection exception
			pqErr.Code == "40001", // serialization_failure
			pqErr.Code == "40P01", // deadlock_detected
			pqErr.Code == "57P01", // admin_shutdown
			pqErr.Code == "53300": // too_many_connections
			return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	return err
}
