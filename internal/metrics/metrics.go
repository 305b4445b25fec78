// Package metrics exposes Prometheus instrumentation for webhook admission
// and sync throughput.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	webhookRequests *prometheus.CounterVec
	syncEntities    *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	tasksProcessed  *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Primarily used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	webhookRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supasaasy",
		Name:      "webhook_requests_total",
		Help:      "Webhook requests by app key and admission outcome.",
	}, []string{"app_key", "outcome"})

	syncEntities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supasaasy",
		Name:      "sync_entities_total",
		Help:      "Entities written or removed by sync runs.",
	}, []string{"app_key", "resource_type", "op"})

	syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "supasaasy",
		Name:      "sync_duration_seconds",
		Help:      "Per-resource sync duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"app_key", "resource_type"})

	tasksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supasaasy",
		Name:      "worker_tasks_total",
		Help:      "Worker tasks by terminal status.",
	}, []string{"status"})

	reg.MustRegister(webhookRequests, syncEntities, syncDuration, tasksProcessed)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveWebhook records one webhook admission outcome.
func ObserveWebhook(appKey, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	webhookRequests.WithLabelValues(appKey, outcome).Inc()
}

// ObserveSync records one completed per-resource sync.
func ObserveSync(appKey, resourceType string, created, updated, deleted, errors int, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	syncEntities.WithLabelValues(appKey, resourceType, "created").Add(float64(created))
	syncEntities.WithLabelValues(appKey, resourceType, "updated").Add(float64(updated))
	syncEntities.WithLabelValues(appKey, resourceType, "deleted").Add(float64(deleted))
	syncEntities.WithLabelValues(appKey, resourceType, "errors").Add(float64(errors))
	syncDuration.WithLabelValues(appKey, resourceType).Observe(d.Seconds())
}

// ObserveTask records one terminal worker task.
func ObserveTask(status string) {
	mu.RLock()
	defer mu.RUnlock()
	tasksProcessed.WithLabelValues(status).Inc()
}
