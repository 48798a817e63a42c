// Package metrics holds process-wide collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// BuildInfo is set to 1 with the build's version labels at startup.
var BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "conductor_build_info",
	Help: "Build information for the running binary",
},
	[]string{"version", "commit", "date"},
)

func init() {
	prometheus.MustRegister(BuildInfo)
}
