package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	dropReasonClientError = "client_error"
	dropReasonExhausted   = "retries_exhausted"
	dropReasonStale       = "stale"
	dropReasonDuplicate   = "duplicate"
)

var (
	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spendwatch",
		Subsystem: "queue",
		Name:      "delivered_total",
		Help:      "Detection events delivered to the ledger.",
	})
	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendwatch",
		Subsystem: "queue",
		Name:      "dropped_total",
		Help:      "Queued events removed without delivery, by reason.",
	}, []string{"reason"})
	retriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spendwatch",
		Subsystem: "queue",
		Name:      "retried_total",
		Help:      "Failed deliveries kept for another attempt.",
	})
	depthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendwatch",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Items in the offline queue after the last read or write.",
	})
	drainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spendwatch",
		Subsystem: "queue",
		Name:      "drain_duration_seconds",
		Help:      "Wall time of one drain pass.",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
	})
)
