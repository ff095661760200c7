package rotation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationStartedTotal   *prometheus.CounterVec
	rotationCompletedTotal *prometheus.CounterVec
	rotationDuration       *prometheus.HistogramVec
	slotWithoutActiveKey   *prometheus.GaugeVec

	metricsOnce       sync.Once
	metricsRegistered bool
)

// Metrics provides methods to record rotation metrics.
// Metrics are lazily registered on first use.
type Metrics struct{}

// NewMetrics creates a new Metrics instance, registering the collectors on
// first use.
func NewMetrics() *Metrics {
	InitMetrics()
	return &Metrics{}
}

// InitMetrics initializes all Prometheus metrics.
func InitMetrics() {
	metricsOnce.Do(func() {
		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustchain_rotation_started_total",
				Help: "Total number of key rotations started",
			},
			[]string{"slot", "kind"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustchain_rotation_completed_total",
				Help: "Total number of key rotations completed",
			},
			[]string{"slot", "kind", "status"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trustchain_rotation_duration_seconds",
				Help:    "Duration of key rotation pipelines in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"slot"},
		)

		slotWithoutActiveKey = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trustchain_slot_without_active_key",
				Help: "Set to 1 while a slot has no active key after an emergency revocation",
			},
			[]string{"slot"},
		)

		metricsRegistered = true
	})
}

// RecordStarted increments the started counter.
func (m *Metrics) RecordStarted(slot, kind string) {
	if !metricsRegistered {
		return
	}
	rotationStartedTotal.WithLabelValues(slot, kind).Inc()
}

// RecordCompleted increments the completed counter and observes duration.
func (m *Metrics) RecordCompleted(slot, kind, status string, seconds float64) {
	if !metricsRegistered {
		return
	}
	rotationCompletedTotal.WithLabelValues(slot, kind, status).Inc()
	rotationDuration.WithLabelValues(slot).Observe(seconds)
}

// SetSlotUnoccupied flags or clears the zero-active-keys alarm for a slot.
func (m *Metrics) SetSlotUnoccupied(slot string, unoccupied bool) {
	if !metricsRegistered {
		return
	}
	v := 0.0
	if unoccupied {
		v = 1.0
	}
	slotWithoutActiveKey.WithLabelValues(slot).Set(v)
}
