package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/blob-recognition/internal/callback"
	"github.com/example/blob-recognition/internal/domain"
)

const namespace = "blob_recognition"

// Metrics holds the collectors updated by the recognition flow. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	uploadsInitiated  prometheus.Counter
	statusTransitions *prometheus.CounterVec
	callbackOutcomes  *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploadsInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_initiated_total",
			Help:      "Upload slots issued to clients.",
		}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Accepted record status transitions by target status.",
		}, []string{"status"}),
		callbackOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_outcomes_total",
			Help:      "Callback deliveries by outcome.",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of workflow steps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step", "result"}),
	}
	reg.MustRegister(m.uploadsInitiated, m.statusTransitions, m.callbackOutcomes, m.stepDuration)
	return m
}

// UploadInitiated counts an issued upload slot.
func (m *Metrics) UploadInitiated() {
	if m == nil {
		return
	}
	m.uploadsInitiated.Inc()
}

// StatusChanged counts an accepted transition into status.
func (m *Metrics) StatusChanged(status domain.Status) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(status.String()).Inc()
}

// CallbackFinished counts a classified callback delivery.
func (m *Metrics) CallbackFinished(outcome callback.Outcome) {
	if m == nil {
		return
	}
	m.callbackOutcomes.WithLabelValues(outcome.String()).Inc()
}

// ObserveStep records how long a workflow step took and how it ended.
func (m *Metrics) ObserveStep(step string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, domain.ErrRecognitionStepFailed):
		result = "halted"
	case err != nil:
		result = "error"
	}
	m.stepDuration.WithLabelValues(step, result).Observe(time.Since(started).Seconds())
}
