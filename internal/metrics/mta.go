package metrics

import (
	"github.com/modfin/brevq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MTA holds the delivery collectors.
type MTA struct {
	Jobs         *prometheus.CounterVec
	SendDuration prometheus.Histogram
	InFlight     prometheus.Gauge
}

func NewMTA(f promauto.Factory) *MTA {
	m := &MTA{
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "brevq_mta_jobs_total",
			Help: "Job attempts by outcome.",
		}, []string{"outcome"}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "brevq_mta_send_duration_seconds",
			Help:    "Time spent handing one message to the transport.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "brevq_mta_in_flight",
			Help: "Job attempts currently being worked on.",
		}),
	}
	for _, o := range brevq.Outcomes {
		m.Jobs.WithLabelValues(o.String())
	}
	return m
}

func (m *MTA) Outcome(o brevq.Outcome) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(o.String()).Inc()
}
