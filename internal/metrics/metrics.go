// Package metrics exposes Prometheus metrics for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version  string
	Revision string
}

// Provider owns the registry so tests can run isolated instances.
type Provider struct {
	reg *prometheus.Registry

	Requests         *prometheus.CounterVec
	FeaturesRendered prometheus.Counter
	TransformHits    prometheus.Counter
	TransformMisses  prometheus.Counter
}

// Init builds the registry with the standard collectors and the WFS
// counters.
func Init(build BuildInfo) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wfs_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version", "revision"},
	)
	reg.MustRegister(buildInfo)
	version := build.Version
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version, build.Revision).Set(1)

	p := &Provider{
		reg: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wfs_requests_total",
			Help: "WFS requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		FeaturesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wfs_features_rendered_total",
			Help: "Features written to responses.",
		}),
		TransformHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wfs_crs_transform_cache_hits_total",
			Help: "CRS transform cache hits.",
		}),
		TransformMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wfs_crs_transform_cache_misses_total",
			Help: "CRS transform cache misses.",
		}),
	}
	reg.MustRegister(p.Requests, p.FeaturesRendered, p.TransformHits, p.TransformMisses)
	return p
}

// Handler serves the /metrics endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// Register adds extra collectors.
func (p *Provider) Register(cs ...prometheus.Collector) {
	for _, c := range cs {
		p.reg.MustRegister(c)
	}
}
