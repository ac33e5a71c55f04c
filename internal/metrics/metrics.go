// Package metrics defines the Prometheus instruments served from C6's
// /metrics endpoint (SPEC_FULL.md §10): gauges for active instances and
// in-flight jobs, a counter for webhook requests by endpoint/status, and a
// histogram for one-shot job duration. Instruments are package-level
// promauto values, so they register with prometheus.DefaultRegisterer
// exactly once, the first time this package is imported.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opendispatch"

var (
	// ActiveInstances is the current count of registered instances, one-shot
	// and persistent combined.
	ActiveInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "instances",
		Name:      "active",
		Help:      "Number of instances currently registered with the instance manager",
	})

	// InFlightJobs is the current count of jobs in the shared registry,
	// including terminal jobs still inside their post-completion grace window.
	InFlightJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "in_flight",
		Help:      "Number of jobs currently tracked by the instance manager",
	})

	// WebhookRequestsTotal counts every request the webhook ingress has
	// handled, labeled by endpoint path and response status code.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Count of webhook ingress requests by endpoint and status",
	}, []string{"endpoint", "status"})

	// OneShotJobDuration observes how long a one-shot send took to resolve,
	// regardless of which of the three completion paths (webhook, timeout,
	// spawn error) won the race.
	OneShotJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "oneshot_duration_seconds",
		Help:      "Duration of one-shot job sends from spawn to resolution",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
)

// ObserveWebhookRequest records a single handled webhook request.
func ObserveWebhookRequest(endpoint string, status int) {
	WebhookRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}
