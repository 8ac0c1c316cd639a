package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hire_requests"

var (
	RequestsCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Booking requests created"})
	QuotaRejections  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "quota_rejections_total", Help: "Creations rejected by the active request quota"})
	IdempotentReplay = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "idempotent_replays_total", Help: "Create calls answered from an existing idempotency key"})

	OffersSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_submitted_total", Help: "Offers appended to requests"})
	OffersWithdrawn = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_withdrawn_total", Help: "Offers removed from requests"})
	OffersRejected  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_rejected_total", Help: "Offer submissions rejected by business rules"},
		[]string{"reason"},
	)
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_accepted_total", Help: "Offers accepted by request owners"})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "stream_subscribers", Help: "Open snapshot streams"})
	WSSessions        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket sessions"})
	SnapshotsEmitted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "snapshots_emitted_total", Help: "Full snapshots pushed to streams"})
	BusEventsDropped  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bus_events_dropped_total", Help: "Change events dropped for slow subscribers"})
	BusPublishErrors  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_publish_errors_total", Help: "Change event publish failures per sink"},
		[]string{"sink"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "store_retries_total", Help: "Retries of idempotent store operations"},
		[]string{"op"},
	)

	CountRecomputes       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "count_recomputes_total", Help: "Notification counter recomputations"})
	CountRecomputeLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "count_recompute_seconds", Help: "Notification recompute latency seconds"})

	SweepExpired     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sweep_expired_total", Help: "Requests marked expired by the sweeper"})
	SweepDeleted     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sweep_deleted_total", Help: "Expired requests deleted after retention"})
	SweepOverQuota   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sweep_owners_over_quota", Help: "Owners over the active quota at the last sweep"})
	PaymentHoldFails = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "payment_hold_failures_total", Help: "Payment holds that failed after an offer was accepted"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
