package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_dispatch_enqueued_total",
		Help: "The total number of commands accepted into the queue",
	})

	queueFull = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_dispatch_queue_full_total",
		Help: "The total number of submissions rejected by backpressure",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_dispatch_queue_depth",
		Help: "The current number of commands waiting in the queue",
	})

	dedupeHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_dispatch_dedupe_hits_total",
		Help: "The total number of submissions resolved to an existing command",
	},
		[]string{"source"},
	)

	dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_dispatch_dispatched_total",
		Help: "The total number of dequeued commands by dispatch outcome",
	},
		[]string{"outcome"},
	)

	timeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_dispatch_reconciled_total",
		Help: "The total number of pending commands failed by the reconciler",
	},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(enqueued)
	prometheus.MustRegister(queueFull)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(dedupeHits)
	prometheus.MustRegister(dispatched)
	prometheus.MustRegister(timeouts)
}
