// Package metrics exposes router activity as Prometheus collectors.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/capability-router/pkg/cache"
	"github.com/morezero/capability-router/pkg/envelope"
	"github.com/morezero/capability-router/pkg/events"
)

const logPrefix = "metrics:collector"

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "capability_router"

// Collector owns a private registry so several collectors can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	attempts   *prometheus.CounterVec
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	chainSteps prometheus.Histogram
	cacheTotal *prometheus.CounterVec
}

// NewCollector creates a Collector. An empty namespace uses DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{registry: reg}
	c.attempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_attempts_total",
			Help:      "Route attempts by capability, route and outcome",
		},
		[]string{"capability", "route", "status", "error_code"},
	)
	c.executions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished tasks and chains by outcome",
		},
		[]string{"kind", "capability", "route", "outcome"},
	)
	c.duration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of tasks and chains",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)
	c.chainSteps = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_steps",
			Help:      "Number of steps per chain",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		},
	)
	c.cacheTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_cache_lookups_total",
			Help:      "Resolution cache lookups by result",
		},
		[]string{"cache", "result"},
	)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveAttempt counts one route attempt. Its signature matches engine.Params.Observer.
func (c *Collector) ObserveAttempt(capabilityID string, a envelope.Attempt) {
	c.attempts.WithLabelValues(capabilityID, string(a.Route), string(a.Status), string(a.ErrorCode)).Inc()
}

// PublishExecuted records a finished execution. Collector is an events.EventPublisher.
func (c *Collector) PublishExecuted(_ context.Context, ev *events.ExecutionEvent) error {
	if ev == nil {
		return nil
	}
	outcome := "ok"
	switch {
	case ev.Kind == events.KindChain && ev.Status != "":
		outcome = ev.Status
	case !ev.Ok:
		outcome = "error"
	}
	c.executions.WithLabelValues(string(ev.Kind), ev.CapabilityID, string(ev.RouteUsed), outcome).Inc()
	c.duration.WithLabelValues(string(ev.Kind)).Observe((time.Duration(ev.DurationMs) * time.Millisecond).Seconds())
	if ev.Kind == events.KindChain {
		c.chainSteps.Observe(float64(ev.Steps))
	}
	return nil
}

// InstrumentCache wraps inner so its hits and misses are counted under name.
func (c *Collector) InstrumentCache(name string, inner cache.Cache) cache.Cache {
	slog.Debug(fmt.Sprintf("%s - instrumenting %s cache", logPrefix, name))
	return &instrumentedCache{
		inner:  inner,
		hits:   c.cacheTotal.WithLabelValues(name, "hit"),
		misses: c.cacheTotal.WithLabelValues(name, "miss"),
	}
}

type instrumentedCache struct {
	inner  cache.Cache
	hits   prometheus.Counter
	misses prometheus.Counter
}

func (i *instrumentedCache) Get(ctx context.Context, key string) (map[string]any, bool) {
	v, ok := i.inner.Get(ctx, key)
	if ok {
		i.hits.Inc()
	} else {
		i.misses.Inc()
	}
	return v, ok
}

func (i *instrumentedCache) Set(ctx context.Context, key string, value map[string]any) {
	i.inner.Set(ctx, key, value)
}
