package ipc

import "github.com/prometheus/client_golang/prometheus"

var (
	tensorsExported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "semipd",
			Subsystem: "ipc",
			Name:      "tensors_exported_total",
			Help:      "Tensors exported by kind (weight, buffer, kv, req_to_token, bypass)",
		},
		[]string{"kind"},
	)

	tensorsImported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "semipd",
			Subsystem: "ipc",
			Name:      "tensors_imported_total",
			Help:      "Tensors rebound from handles by kind",
		},
		[]string{"kind"},
	)

	duplicateHandles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "semipd",
			Subsystem: "ipc",
			Name:      "duplicate_handles_total",
			Help:      "Exported handles equal to an earlier entry; declared=false are undeclared aliases",
		},
		[]string{"declared"},
	)
)

func init() {
	prometheus.MustRegister(tensorsExported, tensorsImported, duplicateHandles)
}
