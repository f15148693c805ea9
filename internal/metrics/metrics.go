// Package metrics exposes Prometheus counters for task runs, action results,
// campaign sends and listener failures.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can create as many as they need.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	taskRuns        *prometheus.CounterVec
	actionResults   *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	campaignSends   *prometheus.CounterVec
	campaignReplies prometheus.Counter
	listenerFatal   *prometheus.CounterVec
	activeListeners prometheus.Gauge
}

// NewCollector registers all collectors under namespace ("task_engine" when empty).
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "task_engine"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "runs_total",
		Help:      "Task runs by outcome (success, partial, failed).",
	}, []string{"outcome"})
	c.actionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "action",
		Name:      "results_total",
		Help:      "Action executions by type and outcome.",
	}, []string{"type", "outcome"})
	c.actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "action",
		Name:      "duration_seconds",
		Help:      "Action execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})
	c.campaignSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "campaign",
		Name:      "sends_total",
		Help:      "Campaign emails by outcome.",
	}, []string{"outcome"})
	c.campaignReplies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "campaign",
		Name:      "replies_total",
		Help:      "Client replies matched to a campaign.",
	})
	c.listenerFatal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "fatal_total",
		Help:      "Listeners that gave up after retries, by trigger type.",
	}, []string{"trigger"})
	c.activeListeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "listener",
		Name:      "active",
		Help:      "Number of running trigger listeners.",
	})

	c.registry.MustRegister(
		c.taskRuns, c.actionResults, c.actionDuration, c.campaignSends,
		c.campaignReplies, c.listenerFatal, c.activeListeners,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) TaskRun(outcome string) {
	if c == nil {
		return
	}
	c.taskRuns.WithLabelValues(outcome).Inc()
}

func (c *Collector) ActionResult(actionType, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.actionResults.WithLabelValues(actionType, outcome).Inc()
	c.actionDuration.WithLabelValues(actionType).Observe(seconds)
}

func (c *Collector) CampaignSend(outcome string) {
	if c == nil {
		return
	}
	c.campaignSends.WithLabelValues(outcome).Inc()
}

func (c *Collector) CampaignReply() {
	if c == nil {
		return
	}
	c.campaignReplies.Inc()
}

func (c *Collector) ListenerFatal(trigger string) {
	if c == nil {
		return
	}
	c.listenerFatal.WithLabelValues(trigger).Inc()
}

func (c *Collector) ListenerStarted() {
	if c == nil {
		return
	}
	c.activeListeners.Inc()
}

func (c *Collector) ListenerStopped() {
	if c == nil {
		return
	}
	c.activeListeners.Dec()
}
