// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package prometheus is a pull-based implementation of the
// stats.StatsClient interface. Metrics are registered against the
// default prometheus registry, so exposing them is a matter of mounting
// promhttp (or gathering from prometheus.DefaultGatherer in tests).
package prometheus

import (
	"strings"
	"sync"
	"time"

	"github.com/featurebasedb/memo/logger"
	"github.com/featurebasedb/memo/stats"
	prom "github.com/prometheus/client_golang/prometheus"
)

// namespace is prepended to each metric name.
const namespace = "memo"

// Ensure client implements interface.
var _ stats.StatsClient = (*prometheusClient)(nil)

// prometheusClient represents a prometheus implementation of
// stats.StatsClient. Tags become constant labels on the registered
// collectors, so clients cloned through WithTags share one collector
// cache but register distinct series.
type prometheusClient struct {
	tags   []string
	logger logger.Logger
	reg    prom.Registerer
	cache  *collectorCache
}

// collectorCache holds the registered collectors, keyed by metric name
// plus the sorted tag set they were created under.
type collectorCache struct {
	mu         sync.Mutex
	counters   map[string]prom.Counter
	gauges     map[string]prom.Gauge
	histograms map[string]prom.Histogram
	sets       map[string]*prom.CounterVec
}

// NewPrometheusClient returns a new instance of a prometheus
// stats.StatsClient.
func NewPrometheusClient() (*prometheusClient, error) {
	return &prometheusClient{
		logger: logger.NopLogger,
		reg:    prom.DefaultRegisterer,
		cache: &collectorCache{
			counters:   make(map[string]prom.Counter),
			gauges:     make(map[string]prom.Gauge),
			histograms: make(map[string]prom.Histogram),
			sets:       make(map[string]*prom.CounterVec),
		},
	}, nil
}

// Open no-op
func (c *prometheusClient) Open() {}

// Close no-op. Collectors stay registered for the life of the process.
func (c *prometheusClient) Close() error { return nil }

// Tags returns a sorted list of tags on the client.
func (c *prometheusClient) Tags() []string {
	return c.tags
}

// WithTags returns a new client with additional tags appended.
func (c *prometheusClient) WithTags(tags ...string) stats.StatsClient {
	return &prometheusClient{
		tags:   stats.UnionStringSlice(c.tags, tags),
		logger: c.logger,
		reg:    c.reg,
		cache:  c.cache,
	}
}

// Count tracks the number of times something occurs.
func (c *prometheusClient) Count(name string, value int64, rate float64) {
	c.countWithTags(name, value, c.tags)
}

// CountWithCustomTags tracks the number of times something occurs, with
// per-call tags appended to the client's own.
func (c *prometheusClient) CountWithCustomTags(name string, value int64, rate float64, t []string) {
	c.countWithTags(name, value, stats.UnionStringSlice(c.tags, t))
}

func (c *prometheusClient) countWithTags(name string, value int64, tags []string) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	key := cacheKey(name, tags)
	ctr, ok := c.cache.counters[key]
	if !ok {
		ctr = prom.NewCounter(prom.CounterOpts{
			Namespace:   namespace,
			Name:        sanitizeName(name),
			Help:        "count of " + name,
			ConstLabels: tagLabels(tags),
		})
		if err := c.reg.Register(ctr); err != nil {
			are, ok := err.(prom.AlreadyRegisteredError)
			if !ok {
				c.logger.Printf("prometheus.StatsClient.Count error: %s", err)
				return
			}
			ctr = are.ExistingCollector.(prom.Counter)
		}
		c.cache.counters[key] = ctr
	}
	ctr.Add(float64(value))
}

// Gauge sets the value of a metric.
func (c *prometheusClient) Gauge(name string, value float64, rate float64) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	key := cacheKey(name, c.tags)
	g, ok := c.cache.gauges[key]
	if !ok {
		g = prom.NewGauge(prom.GaugeOpts{
			Namespace:   namespace,
			Name:        sanitizeName(name),
			Help:        "value of " + name,
			ConstLabels: tagLabels(c.tags),
		})
		if err := c.reg.Register(g); err != nil {
			are, ok := err.(prom.AlreadyRegisteredError)
			if !ok {
				c.logger.Printf("prometheus.StatsClient.Gauge error: %s", err)
				return
			}
			g = are.ExistingCollector.(prom.Gauge)
		}
		c.cache.gauges[key] = g
	}
	g.Set(value)
}

// Histogram tracks statistical distribution of a metric.
func (c *prometheusClient) Histogram(name string, value float64, rate float64) {
	h, err := c.histogram(name, "distribution of "+name)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Histogram error: %s", err)
		return
	}
	h.Observe(value)
}

// Set tracks number of unique elements. Each element becomes a label
// value on a counter, so the series count of the metric is the number
// of unique elements seen.
func (c *prometheusClient) Set(name string, value string, rate float64) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	key := cacheKey(name, c.tags)
	vec, ok := c.cache.sets[key]
	if !ok {
		vec = prom.NewCounterVec(prom.CounterOpts{
			Namespace:   namespace,
			Name:        sanitizeName(name),
			Help:        "unique elements of " + name,
			ConstLabels: tagLabels(c.tags),
		}, []string{"element"})
		if err := c.reg.Register(vec); err != nil {
			are, ok := err.(prom.AlreadyRegisteredError)
			if !ok {
				c.logger.Printf("prometheus.StatsClient.Set error: %s", err)
				return
			}
			vec = are.ExistingCollector.(*prom.CounterVec)
		}
		c.cache.sets[key] = vec
	}
	vec.WithLabelValues(value).Inc()
}

// Timing tracks timing information for a metric, observed in seconds.
func (c *prometheusClient) Timing(name string, value time.Duration, rate float64) {
	h, err := c.histogram(name+"_seconds", "timing of "+name)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Timing error: %s", err)
		return
	}
	h.Observe(value.Seconds())
}

func (c *prometheusClient) histogram(name, help string) (prom.Histogram, error) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	key := cacheKey(name, c.tags)
	h, ok := c.cache.histograms[key]
	if !ok {
		h = prom.NewHistogram(prom.HistogramOpts{
			Namespace:   namespace,
			Name:        sanitizeName(name),
			Help:        help,
			ConstLabels: tagLabels(c.tags),
		})
		if err := c.reg.Register(h); err != nil {
			are, ok := err.(prom.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			h = are.ExistingCollector.(prom.Histogram)
		}
		c.cache.histograms[key] = h
	}
	return h, nil
}

// SetLogger sets the logger for client.
func (c *prometheusClient) SetLogger(logger logger.Logger) {
	c.logger = logger
}

func cacheKey(name string, tags []string) string {
	return name + "|" + strings.Join(tags, ",")
}

// tagLabels converts statsd style "key:value" tags to prometheus
// labels. A tag without a value maps to "true".
func tagLabels(tags []string) prom.Labels {
	if len(tags) == 0 {
		return nil
	}
	labels := make(prom.Labels, len(tags))
	for _, tag := range tags {
		k, v, found := strings.Cut(tag, ":")
		if !found {
			v = "true"
		}
		labels[sanitizeName(k)] = v
	}
	return labels
}

// sanitizeName rewrites a statsd style metric name into the character
// set prometheus accepts.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}
