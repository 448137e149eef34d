package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	firewallVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intentlink",
			Subsystem: "firewall",
			Name:      "verdicts_total",
			Help:      "Firewall verdicts by action and leading category.",
		},
		[]string{"action", "category"},
	)
	packetValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intentlink",
			Subsystem: "packet",
			Name:      "validations_total",
			Help:      "Inbound packet validation outcomes.",
		},
		[]string{"outcome"},
	)
	handshakeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intentlink",
			Subsystem: "handshake",
			Name:      "transitions_total",
			Help:      "Handshake state transitions.",
		},
		[]string{"from", "to"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intentlink",
			Subsystem: "handshake",
			Name:      "duration_seconds",
			Help:      "Time from session creation to ESTABLISHED.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(firewallVerdicts, packetValidations, handshakeTransitions, handshakeDuration)
	})
}

func RecordVerdict(action, category string) {
	RegisterMetrics()
	if category == "" {
		category = "none"
	}
	firewallVerdicts.WithLabelValues(action, category).Inc()
}

func RecordPacketValidation(outcome string) {
	RegisterMetrics()
	packetValidations.WithLabelValues(outcome).Inc()
}

func RecordTransition(from, to string) {
	RegisterMetrics()
	handshakeTransitions.WithLabelValues(from, to).Inc()
}

func RecordHandshakeDuration(role string, d time.Duration) {
	RegisterMetrics()
	handshakeDuration.WithLabelValues(role).Observe(d.Seconds())
}
