package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/hire-requests/internal/config"
	"github.com/example/hire-requests/internal/dispatch"
	"github.com/example/hire-requests/internal/engine"
	"github.com/example/hire-requests/internal/feed"
	httpapi "github.com/example/hire-requests/internal/http"
	"github.com/example/hire-requests/internal/ledger"
	"github.com/example/hire-requests/internal/lifecycle"
	"github.com/example/hire-requests/internal/location"
	"github.com/example/hire-requests/internal/logging"
	"github.com/example/hire-requests/internal/notify"
	"github.com/example/hire-requests/internal/payments"
	"github.com/example/hire-requests/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("hire-requests", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type backend struct {
	repo  storage.Repository
	ready func(context.Context) error
	close []func() error
}

func (b *backend) shutdown(logger *slog.Logger) {
	for i := len(b.close) - 1; i >= 0; i-- {
		if err := b.close[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

// openBackend picks memory or postgres storage and the change bus:
// in-process alone, relayed through redis, and teed into kafka.
func openBackend(ctx context.Context, g *errgroup.Group, cfg config.ServerConfig, rdb *redis.Client, logger *slog.Logger) (*backend, error) {
	b := &backend{}

	var bus feed.Bus = feed.NewLocalBus()
	if rdb != nil {
		rb := feed.NewRedisBus(feed.NewRedisPubSub(rdb), cfg.RedisChannel, logger)
		g.Go(func() error { return rb.Run(ctx) })
		bus = rb
		logger.Info("change relay enabled", "redis_addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}
	if len(cfg.KafkaBrokers) > 0 {
		tee := &feed.Tee{Bus: bus, Sinks: map[string]feed.Publisher{
			"kafka": feed.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic),
		}}
		b.close = append(b.close, tee.Close)
		bus = tee
		logger.Info("change log enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	if cfg.PGDSN == "" {
		b.repo = storage.NewMemoryStore(bus, logger, storage.WithResync(cfg.Resync))
		b.ready = func(context.Context) error { return nil }
		logger.Warn("PG_DSN not set, using in-memory store")
		return b, nil
	}

	ps, err := storage.NewPostgresStore(cfg.PGDSN, bus, logger)
	if err != nil {
		b.shutdown(logger)
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ps.SetResync(cfg.Resync)
	b.close = append(b.close, ps.Close)
	if cfg.RunMigrations {
		script, err := os.ReadFile(cfg.MigrationFile)
		if err != nil {
			b.shutdown(logger)
			return nil, fmt.Errorf("read migration: %w", err)
		}
		if err := ps.Migrate(ctx, string(script)); err != nil {
			b.shutdown(logger)
			return nil, fmt.Errorf("apply migration: %w", err)
		}
		logger.Info("migration applied", "file", cfg.MigrationFile)
	}
	b.repo = storage.NewRetrying(ps, cfg.RetryAttempts, cfg.RetryBaseDelay)
	b.ready = ps.Ping
	return b, nil
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	b, err := openBackend(ctx, g, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer b.shutdown(logger)

	var (
		idem  lifecycle.IdempotencyStore = lifecycle.NewMemoryIdempotency(cfg.IdempotencyTTL)
		areas location.Directory         = location.NewMemoryDirectory()
		hold  payments.Holder            = payments.NoopHolder{}
	)
	if rdb != nil {
		idem = lifecycle.NewRedisIdempotency(lifecycle.NewRedisKV(rdb), cfg.IdempotencyTTL)
		areas = location.NewRedisDirectory(location.NewRedisHashes(rdb))
	}
	if cfg.StripeAPIKey != "" {
		hold = payments.NewStripeHolder(cfg.StripeAPIKey, cfg.StripeCurrency)
	}

	eng := engine.New(b.repo,
		lifecycle.NewManager(b.repo, logger, lifecycle.WithIdempotency(idem), lifecycle.WithQuota(cfg.ActiveQuota)),
		ledger.New(b.repo, logger, ledger.WithPayments(hold)),
		notify.New(b.repo, logger, notify.WithDebounce(cfg.NotifyDebounce)),
		areas, logger)

	api := httpapi.NewServer(eng, dispatch.NewHub(logger), logger)
	api.Ready = func(ctx context.Context) error {
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return b.ready(ctx)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g.Go(func() error {
		logger.Info("hire-requests listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
