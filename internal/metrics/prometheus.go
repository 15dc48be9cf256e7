package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the service's Prometheus instruments on a private registry.
type Collector struct {
	registry    *prometheus.Registry
	views       *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	swept       prometheus.Counter
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	published   *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		views: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrade",
			Name:      "product_views_total",
			Help:      "View requests by outcome (counted or suppressed).",
		}, []string{"outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrade",
			Name:      "view_store_errors_total",
			Help:      "Counter store failures by kind.",
		}, []string{"kind"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unitrade",
			Name:      "view_cache_swept_total",
			Help:      "Fingerprints evicted by the periodic sweep.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrade",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unitrade",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrade",
			Name:      "view_events_total",
			Help:      "View events handed to the event stream by result.",
		}, []string{"result"}),
	}
	c.registry.MustRegister(
		c.views,
		c.storeErrors,
		c.swept,
		c.requests,
		c.latency,
		c.published,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// TrackCacheSize exposes size() as the current fingerprint count.
func (c *Collector) TrackCacheSize(size func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "unitrade",
		Name:      "view_cache_entries",
		Help:      "Fingerprints currently held by the view cache.",
	}, func() float64 { return float64(size()) }))
}

func (c *Collector) ViewCounted() {
	if c == nil {
		return
	}
	c.views.WithLabelValues("counted").Inc()
}

func (c *Collector) ViewSuppressed() {
	if c == nil {
		return
	}
	c.views.WithLabelValues("suppressed").Inc()
}

func (c *Collector) StoreError(kind string) {
	if c == nil {
		return
	}
	c.storeErrors.WithLabelValues(kind).Inc()
}

func (c *Collector) Swept(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.swept.Add(float64(n))
}

func (c *Collector) EventPublished(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.published.WithLabelValues("published").Inc()
		return
	}
	c.published.WithLabelValues("dropped").Inc()
}

func (c *Collector) ObserveRequest(route string, code string, seconds float64) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(route, code).Inc()
	c.latency.WithLabelValues(route).Observe(seconds)
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
