package hub

import "github.com/prometheus/client_golang/prometheus"

var (
	deviceConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_hub_device_connections",
		Help: "The current number of live device connections",
	})

	operatorSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_hub_operator_sessions",
		Help: "The current number of subscribed operator sessions",
	})

	telemetryFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_hub_telemetry_frames_total",
		Help: "The total number of telemetry frames persisted",
	})

	resultFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_hub_command_result_frames_total",
		Help: "The total number of command result frames by outcome",
	},
		[]string{"outcome"},
	)

	commandFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_hub_command_frames_total",
		Help: "The total number of command frames by delivery result",
	},
		[]string{"result"},
	)

	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_hub_events_published_total",
		Help: "The total number of events fanned out to operator sessions",
	},
		[]string{"type"},
	)

	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_hub_events_dropped_total",
		Help: "The total number of events dropped for slow subscribers",
	},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(deviceConnections)
	prometheus.MustRegister(operatorSessions)
	prometheus.MustRegister(telemetryFrames)
	prometheus.MustRegister(resultFrames)
	prometheus.MustRegister(commandFrames)
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(eventsDropped)
}
