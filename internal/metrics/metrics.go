package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ItemsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ft_sender_items_enqueued_total",
		Help: "Number of transfer requests accepted into the queue.",
	})

	ItemsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ft_sender_items_coalesced_total",
		Help: "Number of enqueues merged into an existing pending item.",
	})

	ItemsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ft_sender_items_succeeded_total",
		Help: "Number of items that reached on-chain success.",
	})

	ItemsStalled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ft_sender_items_stalled_total",
		Help: "Number of items parked for operator attention.",
	})

	ItemsRecycled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ft_sender_items_recycled_total",
		Help: "Number of items returned to pending after a batch failure.",
	})

	BatchesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ft_sender_batches_total",
		Help: "Number of broadcast batches by result.",
	}, []string{"result"})

	PendingItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ft_sender_pending_items",
		Help: "Items currently visible to the scheduler.",
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ft_sender_tick_duration_seconds",
		Help:    "Wall time of a single executor tick.",
		Buckets: prometheus.DefBuckets,
	})
)
