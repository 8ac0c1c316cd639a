package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel shared by all instances.
const DefaultRedisChannel = "hire:requests:changes"

// PubSub is the small subset of redis operations the relay needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Listen(ctx context.Context, channel string) (<-chan []byte, error)
}

type redisPubSub struct{ c *redis.Client }

// NewRedisPubSub adapts a go-redis client to PubSub.
func NewRedisPubSub(c *redis.Client) PubSub { return &redisPubSub{c: c} }

func (r *redisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.c.Publish(ctx, channel, payload).Err()
}

func (r *redisPubSub) Listen(ctx context.Context, channel string) (<-chan []byte, error) {
	ps := r.c.Subscribe(ctx, channel)
	// wait for the subscription confirmation so no early message is lost
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RedisBus relays change events between server instances that share one
// store. Local subscribers are served by an embedded LocalBus; events from
// peers are replayed into it by Run.
type RedisBus struct {
	local   *LocalBus
	ps      PubSub
	channel string
	origin  string
	logger  *slog.Logger
}

func NewRedisBus(ps PubSub, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{local: NewLocalBus(), ps: ps, channel: channel, origin: uuid.NewString(), logger: logger}
}

// Publish delivers locally first so the writer's own streams update even
// if redis is down, then announces the event to peers.
func (b *RedisBus) Publish(ctx context.Context, ev ChangeEvent) error {
	_ = b.local.Publish(ctx, ev)
	ev.Origin = b.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.ps.Publish(ctx, b.channel, payload); err != nil {
		return fmt.Errorf("relay change %s: %w", ev.RequestID, err)
	}
	return nil
}

func (b *RedisBus) Subscribe() (<-chan ChangeEvent, func()) { return b.local.Subscribe() }

// Run replays peer events into the local bus until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	msgs, err := b.ps.Listen(ctx, b.channel)
	if err != nil {
		return err
	}
	for payload := range msgs {
		var ev ChangeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			b.logger.Warn("invalid change event", "error", err)
			continue
		}
		if ev.Origin == b.origin {
			continue
		}
		_ = b.local.Publish(ctx, ev)
	}
	return ctx.Err()
}
