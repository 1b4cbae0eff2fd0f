package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_updated_total",
		Help: "no. of pastes updated",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_deleted_total",
		Help: "no. of pastes deleted",
	})
	Queries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_queries_total",
			Help: "no. of list/search scans",
		},
		[]string{"kind"},
	)
	InvalidInput = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_invalid_input_total",
		Help: "no. of writes rejected by validation",
	})
	CorruptRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_corrupt_records_total",
		Help: "no. of records that failed to decode",
	})
	PageCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_page_cache_hits_total",
		Help: "no. of page cache hits",
	})
	PageCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_page_cache_misses_total",
		Help: "no. of page cache misses",
	})
	PagesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_pages_written_total",
		Help: "no. of pages handed to the backend",
	})
	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pastebin_commit_duration_seconds",
		Help:    "durable commit latency",
		Buckets: prometheus.DefBuckets,
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastebin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	ServerErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastebin_server_error_rate_percent",
		Help: "share of 5xx responses over the anomaly window",
	})
	StoredRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastebin_stored_records",
		Help: "records currently in the record map",
	})
)
