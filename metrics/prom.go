package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteForked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_paste_forked_total",
		Help: "no. of pastes created by forking",
	})
	PasteViewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_paste_viewed_total",
		Help: "no. of successful paste views",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_paste_deleted_total",
		Help: "no. of pastes soft-deleted",
	})
	PasteDeleteDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_paste_delete_denied_total",
		Help: "no. of refused delete requests",
	})
	PastesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_pastes_purged_total",
		Help: "no. of pastes physically removed",
	})
	PurgeCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_purge_cycles_total",
		Help: "no. of purge runs",
	})
	SlugCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_slug_collisions_total",
		Help: "no. of slug candidates rejected as duplicates",
	})
	OptionCoerced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slugbin_option_coerced_total",
			Help: "no. of unsupported option values replaced by the default",
		},
		[]string{"field"},
	)
	VerifierRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_verifier_rejections_total",
		Help: "no. of creates rejected by the human verifier",
	})
	ViewCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_view_cache_hits_total",
		Help: "no. of repeat views answered without a storage write",
	})
	ViewCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_view_cache_misses_total",
		Help: "no. of views that went to storage to register",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slugbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slugbin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slugbin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
