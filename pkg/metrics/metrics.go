// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wehubfusion/Daedalus/pkg/events"
)

const namespace = "daedalus"

// Collector turns events into metrics. It implements events.Sink and is
// cheap enough to be attached to the bus directly.
type Collector struct {
	reg prometheus.Registerer

	runs            *prometheus.CounterVec
	activeRuns      prometheus.Gauge
	nodeDuration    *prometheus.HistogramVec
	itemsProcessed  *prometheus.CounterVec
	itemsFailed     *prometheus.CounterVec
	itemsOutput     *prometheus.CounterVec
	routingFailures *prometheus.CounterVec
	pages           *prometheus.CounterVec
	errors          *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		reg: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished top-level runs by terminal state.",
		}, []string{"graph", "state"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Top-level runs currently executing.",
		}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_task_duration_seconds",
			Help:      "Duration of node tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"graph", "node"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Items handed to node tasks.",
		}, []string{"graph", "node"}),
		itemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Items that failed at a node.",
		}, []string{"graph", "node"}),
		itemsOutput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_output_total",
			Help:      "Items that reached a sink node.",
		}, []string{"graph"}),
		routingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_failures_total",
			Help:      "Edge predicates that failed to evaluate.",
		}, []string{"graph", "node"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Pages fetched by checkpointed sources.",
		}, []string{"graph", "node"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failure events by error code.",
		}, []string{"type", "code"}),
	}

	for _, col := range []prometheus.Collector{
		c.runs, c.activeRuns, c.nodeDuration, c.itemsProcessed, c.itemsFailed,
		c.itemsOutput, c.routingFailures, c.pages, c.errors,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WatchDropped exports the drop counter of an asynchronous sink.
func (c *Collector) WatchDropped(sink string, dropped func() int64) error {
	return c.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "events_dropped_total",
		Help:        "Events dropped by a full sink queue.",
		ConstLabels: prometheus.Labels{"sink": sink},
	}, func() float64 { return float64(dropped()) }))
}

// Handle implements events.Sink.
func (c *Collector) Handle(e events.Event) error {
	if e.ErrorCode != "" {
		c.errors.WithLabelValues(string(e.Type), e.ErrorCode).Inc()
	}

	switch e.Type {
	case events.RunStarted:
		if e.SubRunID == "" {
			c.activeRuns.Inc()
		}
	case events.RunCompleted, events.RunFailed, events.RunCancelled:
		if e.SubRunID == "" {
			c.activeRuns.Dec()
			c.runs.WithLabelValues(e.GraphID, stateOf(e.Type)).Inc()
		}
	case events.NodeFinished:
		c.itemsProcessed.WithLabelValues(e.GraphID, e.NodeID).Add(number(e.Data["processed"]))
		if s, ok := e.Data["duration"].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				c.nodeDuration.WithLabelValues(e.GraphID, e.NodeID).Observe(d.Seconds())
			}
		}
	case events.ItemFailed:
		c.itemsFailed.WithLabelValues(e.GraphID, e.NodeID).Inc()
	case events.ItemProduced:
		// nested runs hand their sink items back to the parent
		if sink, _ := e.Data["sink"].(bool); sink && e.SubRunID == "" {
			c.itemsOutput.WithLabelValues(e.GraphID).Inc()
		}
	case events.EdgeRoutingFailed:
		c.routingFailures.WithLabelValues(e.GraphID, e.NodeID).Inc()
	case events.PageFetched:
		c.pages.WithLabelValues(e.GraphID, e.NodeID).Inc()
	}
	return nil
}

func stateOf(t events.Type) string {
	switch t {
	case events.RunCompleted:
		return "completed"
	case events.RunFailed:
		return "failed"
	default:
		return "cancelled"
	}
}

// number reads a numeric event field, which is an int in process and a
// float64 after a JSON round trip.
func number(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
