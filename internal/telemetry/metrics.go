package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// deviceFailures counts failed hour meter reads.
	// Labels: device
	deviceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hourwatch",
		Subsystem: "telemetry",
		Name:      "device_failures_total",
		Help:      "Hour meter reads that failed",
	}, []string{"device"})

	// fetchDuration tracks how long one hour meter read takes.
	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hourwatch",
		Subsystem: "telemetry",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of hour meter reads",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"device"})

	// machineRuntime exposes the last runtime read for each machine.
	machineRuntime = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hourwatch",
		Subsystem: "telemetry",
		Name:      "machine_runtime_hours",
		Help:      "Last cumulative runtime reported for a machine",
	}, []string{"machine"})
)
