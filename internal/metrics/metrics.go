package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	QueueItems            *prometheus.CounterVec
	ProviderRequests      *prometheus.CounterVec
	ProviderLatency       *prometheus.HistogramVec
	WebhookEvents         *prometheus.CounterVec
	UnmappedPhoneNumbers  *prometheus.CounterVec
	EmailFallbacks        *prometheus.CounterVec
	DispatchCycleDuration prometheus.Histogram
	Errors                *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			QueueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_items_total",
				Help:      "Queue items processed by dispatch outcome.",
			}, []string{"outcome"}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total provider send requests by message type and status.",
			}, []string{"type", "status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Latency distribution for provider send requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"type", "status"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Inbound webhook events by kind and result.",
			}, []string{"kind", "result"}),
			UnmappedPhoneNumbers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_unmapped_phone_numbers_total",
				Help:      "Inbound messages dropped because no tenant owns the phone number id.",
			}, []string{"phone_number_id"}),
			EmailFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "email_fallbacks_total",
				Help:      "Email fallback trigger invocations by result.",
			}, []string{"result"}),
			DispatchCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_cycle_duration_seconds",
				Help:      "Duration of one dispatcher polling cycle.",
				Buckets:   prometheus.DefBuckets,
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.QueueItems,
			metricsInstance.ProviderRequests,
			metricsInstance.ProviderLatency,
			metricsInstance.WebhookEvents,
			metricsInstance.UnmappedPhoneNumbers,
			metricsInstance.EmailFallbacks,
			metricsInstance.DispatchCycleDuration,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// CountError increments the error counter for component. Safe on a nil receiver.
func (m *Metrics) CountError(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}

// CountQueueItem records a dispatch outcome. Safe on a nil receiver.
func (m *Metrics) CountQueueItem(outcome string) {
	if m == nil {
		return
	}
	m.QueueItems.WithLabelValues(outcome).Inc()
}

// CountWebhookEvent records an inbound event result. Safe on a nil receiver.
func (m *Metrics) CountWebhookEvent(kind, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(kind, result).Inc()
}
