package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/hire-requests/internal/feed"
	"github.com/example/hire-requests/internal/models"
	"github.com/example/hire-requests/internal/observability"
)

// DefaultResync bounds how stale a stream can get when a change event is
// dropped or a request silently passes its expiry.
const DefaultResync = 30 * time.Second

type lister func(ctx context.Context, f models.Filter) ([]models.BookingRequest, error)

// watcher turns change events into full snapshots by re-running the query.
type watcher struct {
	bus    feed.Bus
	resync time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func (w *watcher) watch(ctx context.Context, f models.Filter, list lister) (<-chan models.Snapshot, error) {
	// subscribe before the first read so no change slips between them
	events, unsub := w.bus.Subscribe()
	initial, err := list(ctx, f)
	if err != nil {
		unsub()
		return nil, err
	}
	out := make(chan models.Snapshot, 1)
	out <- models.Snapshot{Requests: initial, At: w.now()}
	observability.SnapshotsEmitted.Inc()
	observability.StreamSubscribers.Inc()

	go func() {
		defer observability.StreamSubscribers.Dec()
		defer close(out)
		defer unsub()

		var tick <-chan time.Time
		if w.resync > 0 {
			t := time.NewTicker(w.resync)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !ev.Touches(f) {
					continue
				}
				if closed := drain(events); closed {
					return
				}
			}
			reqs, err := list(ctx, f)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("snapshot refresh failed", "error", err)
				continue
			}
			offerLatest(out, models.Snapshot{Requests: reqs, At: w.now()})
		}
	}()
	return out, nil
}

// drain discards events already queued; one re-query covers them all.
func drain(events <-chan feed.ChangeEvent) (closed bool) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return true
			}
		default:
			return false
		}
	}
}

// offerLatest replaces an unread snapshot so slow readers only ever see
// the newest result set. out must have capacity 1 and a single sender.
func offerLatest(out chan models.Snapshot, s models.Snapshot) {
	select {
	case out <- s:
	default:
		select {
		case <-out:
		default:
		}
		out <- s
	}
	observability.SnapshotsEmitted.Inc()
}
