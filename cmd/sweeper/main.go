package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/hire-requests/internal/config"
	"github.com/example/hire-requests/internal/feed"
	"github.com/example/hire-requests/internal/lifecycle"
	"github.com/example/hire-requests/internal/logging"
	"github.com/example/hire-requests/internal/storage"
)

var (
	sweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_runs_total",
		Help: "Total completed sweep passes",
	})
	sweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_failures_total",
		Help: "Total sweep passes that failed after retries",
	})
	sweepLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sweeper_last_success_timestamp_seconds",
		Help: "Unix time of the last successful sweep",
	})
)

func init() {
	prometheus.MustRegister(sweepRuns, sweepFailures, sweepLastSuccess)
}

func main() {
	// allow the metrics address to be overridden for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadSweeperConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	logger := logging.NewLogger("hire-sweeper", cfg.LogLevel)

	// expiry changes are relayed so running servers refresh their streams
	var bus feed.Bus = feed.NewLocalBus()
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		bus = feed.NewRedisBus(feed.NewRedisPubSub(rc), cfg.RedisChannel, logger)
	}

	store, err := storage.NewPostgresStore(cfg.PGDSN, bus, logger)
	if err != nil {
		logger.Error("postgres unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	repo := storage.NewRetrying(store, cfg.RetryAttempts, cfg.RetryBaseDelay)
	manager := lifecycle.NewManager(repo, logger)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
				return
			}
			if rc != nil {
				if err := rc.Ping(r.Context()).Err(); err != nil {
					http.Error(w, "redis not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sweeper started", "interval", cfg.Interval, "retention", cfg.Retention)
	loop(ctx, manager, cfg, logger)
	logger.Info("shutting down sweeper")
}

// Sweeper is the lifecycle operation this process drives.
type Sweeper interface {
	Sweep(ctx context.Context, retention time.Duration) (lifecycle.SweepReport, error)
}

// loop sweeps every interval. After a failed pass it backs off, doubling
// up to MaxBackoff, and returns to the normal interval on success.
func loop(ctx context.Context, s Sweeper, cfg config.SweeperConfig, logger *slog.Logger) {
	backoff := cfg.Interval
	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		report, err := sweepWithRetry(ctx, s, cfg.Retention, cfg.RetryAttempts, cfg.RetryBaseDelay)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sweepFailures.Inc()
			logger.Error("sweep failed", "error", err, "backoff", backoff)
			wait = backoff
			backoff *= 2
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
			continue
		}
		backoff = cfg.Interval
		wait = cfg.Interval
		sweepRuns.Inc()
		sweepLastSuccess.SetToCurrentTime()
		logger.Info("sweep done", "expired", report.Expired, "deleted", report.Deleted, "owners_over_quota", len(report.OverQuota))
	}
}

// sweepWithRetry runs one pass, retrying failures with doubling delay.
func sweepWithRetry(ctx context.Context, s Sweeper, retention time.Duration, attempts int, delay time.Duration) (lifecycle.SweepReport, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		report, err := s.Sweep(ctx, retention)
		if err == nil {
			return report, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lifecycle.SweepReport{}, errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lifecycle.SweepReport{}, lastErr
}
