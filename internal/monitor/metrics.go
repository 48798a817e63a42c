package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	sweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_monitor_sweeps_total",
		Help: "The total number of liveness sweeps executed",
	})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_monitor_transitions_total",
		Help: "The total number of device status transitions by new status",
	},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(sweeps)
	prometheus.MustRegister(transitions)
}
