package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts delivery outcomes.
type Metrics struct {
	Synced         prometheus.Counter
	Retried        prometheus.Counter
	FailedTerminal prometheus.Counter
	Attempts       *prometheus.CounterVec
}

// Attempt results recorded in fieldsync_sync_attempts_total.
const (
	resultOK        = "ok"
	resultTransient = "transient"
	resultFailed    = "failed"
	resultPartial   = "partial"
)

// NewMetrics creates the dispatcher counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Synced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_mutations_synced_total",
			Help: "Mutations accepted by the remote store.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_mutations_retried_total",
			Help: "Mutations scheduled for another delivery attempt.",
		}),
		FailedTerminal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_mutations_failed_terminal_total",
			Help: "Mutations dropped after exhausting their retries.",
		}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_attempts_total",
			Help: "Batch delivery attempts by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Synced, m.Retried, m.FailedTerminal, m.Attempts)
	}
	return m
}
