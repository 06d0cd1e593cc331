package launcher

import "github.com/prometheus/client_golang/prometheus"

var (
	stateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "semipd",
			Subsystem: "launcher",
			Name:      "state",
			Help:      "1 for the launcher's current state, 0 otherwise",
		},
		[]string{"state"},
	)

	handshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "semipd",
			Subsystem: "launcher",
			Name:      "handshake_duration_seconds",
			Help:      "Time from IDLE to RUNNING",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "semipd",
			Subsystem: "launcher",
			Name:      "failures_total",
			Help:      "Group launches or runs that moved to FAILED, by kind",
		},
		[]string{"kind"},
	)

	spawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "semipd",
			Subsystem: "launcher",
			Name:      "spawned_total",
			Help:      "Processes spawned, by role",
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(stateGauge, handshakeDuration, failuresTotal, spawnedTotal)
}

func observeState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		stateGauge.WithLabelValues(string(st)).Set(v)
	}
}
