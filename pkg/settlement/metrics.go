package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBatchesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perpdex",
		Subsystem: "settlement",
		Name:      "batches_submitted_total",
		Help:      "Settlement batches submitted on chain.",
	})
	metricPairsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perpdex",
		Subsystem: "settlement",
		Name:      "pairs_confirmed_total",
		Help:      "Matched pairs confirmed on chain.",
	})
	metricPairsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perpdex",
		Subsystem: "settlement",
		Name:      "pairs_failed_total",
		Help:      "Matched pairs that failed settlement permanently.",
	})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpdex",
		Subsystem: "settlement",
		Name:      "queue_depth",
		Help:      "Pending matches awaiting settlement.",
	})
)
