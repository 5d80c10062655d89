// Package metrics exposes the engine's counters and gauges behind a small
// provider interface with a Prometheus-backed implementation.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names.
const (
	PullsTotal        = "autofr_pulls_total"
	PullFailuresTotal = "autofr_pull_failures_total"
	CacheHitsTotal    = "autofr_cache_hits_total"
	RoundsTotal       = "autofr_rounds_total"
	AwakeArms         = "autofr_awake_arms"
	CurrentRound      = "autofr_current_round"
)

// Provider records engine metrics. Implementations must be safe for
// concurrent use.
type Provider interface {
	IncCounter(name string, delta float64)
	SetGauge(name string, value float64)
	Handler() http.Handler
}

// NewNoop returns a provider that discards everything.
func NewNoop() Provider { return noop{} }

type noop struct{}

func (noop) IncCounter(string, float64) {}
func (noop) SetGauge(string, float64)   {}
func (noop) Handler() http.Handler      { return http.NotFoundHandler() }

// PrometheusProvider registers the engine metrics on a private registry.
type PrometheusProvider struct {
	reg      *prom.Registry
	counters map[string]prom.Counter
	gauges   map[string]prom.Gauge
}

// NewPrometheus builds a provider with every engine metric pre-registered.
func NewPrometheus() *PrometheusProvider {
	p := &PrometheusProvider{
		reg:      prom.NewRegistry(),
		counters: map[string]prom.Counter{},
		gauges:   map[string]prom.Gauge{},
	}
	counters := map[string]string{
		PullsTotal:        "Number of arm pulls submitted to the bandit.",
		PullFailuresTotal: "Number of arm pulls dropped due to failure or timeout.",
		CacheHitsTotal:    "Number of pulls answered from the site-feedback cache.",
		RoundsTotal:       "Number of completed learning rounds.",
	}
	for name, help := range counters {
		c := prom.NewCounter(prom.CounterOpts{Name: name, Help: help})
		p.reg.MustRegister(c)
		p.counters[name] = c
	}
	gauges := map[string]string{
		AwakeArms:    "Number of awake arms in the action space.",
		CurrentRound: "Index of the learning round in progress.",
	}
	for name, help := range gauges {
		g := prom.NewGauge(prom.GaugeOpts{Name: name, Help: help})
		p.reg.MustRegister(g)
		p.gauges[name] = g
	}
	return p
}

// IncCounter adds delta to a registered counter; unknown names are ignored.
func (p *PrometheusProvider) IncCounter(name string, delta float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(delta)
	}
}

// SetGauge sets a registered gauge; unknown names are ignored.
func (p *PrometheusProvider) SetGauge(name string, value float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(value)
	}
}

// Handler serves the registry in Prometheus exposition format.
func (p *PrometheusProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// Gather exposes the raw registry for tests.
func (p *PrometheusProvider) Gather() *prom.Registry { return p.reg }
