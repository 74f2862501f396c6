// Package metrics holds the process-wide prometheus collectors for handoff.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Timeouts counts transfers that ended because a receive deadline
	// expired, at handshake, mid-stream keep-alive or final sync.
	Timeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ringfold",
		Subsystem: "handoff",
		Name:      "timeouts_total",
		Help:      "Number of handoff transfers terminated by a receive timeout.",
	})

	// BytesSent counts payload bytes written to handoff connections.
	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ringfold",
		Subsystem: "handoff",
		Name:      "sent_bytes_total",
		Help:      "Number of payload bytes sent over handoff connections.",
	})

	// ObjectsSent counts items written to handoff connections.
	ObjectsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ringfold",
		Subsystem: "handoff",
		Name:      "sent_objects_total",
		Help:      "Number of objects sent over handoff connections.",
	})

	// Transfers counts finished transfers by terminal outcome.
	Transfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ringfold",
		Subsystem: "handoff",
		Name:      "transfers_total",
		Help:      "Number of finished handoff transfers by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(Timeouts, BytesSent, ObjectsSent, Transfers)
}
