package stats

import (
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name, help string)
}

// StatsUpdater exposes named gauges on a dedicated Prometheus registry,
// served at /metrics on the supplied mux.
type StatsUpdater struct {
	log      *log.Logger
	registry *prometheus.Registry
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
}

func NewStatsUpdater(logger *log.Logger, mux *http.ServeMux) *StatsUpdater {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	su := &StatsUpdater{
		log:      logger,
		registry: registry,
		gauges:   make(map[string]prometheus.Gauge),
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return su
}

func (su *StatsUpdater) RegisterMetric(name, help string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "groupchat",
		Name:      name,
		Help:      help,
	})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

func (su *StatsUpdater) Incr(name string) {
	su.mu.RLock()
	g, ok := su.gauges[name]
	su.mu.RUnlock()

	if !ok {
		su.log.Printf("metric %q not registered", name)
		return
	}
	g.Inc()
}

func (su *StatsUpdater) Decr(name string) {
	su.mu.RLock()
	g, ok := su.gauges[name]
	su.mu.RUnlock()

	if !ok {
		su.log.Printf("metric %q not registered", name)
		return
	}
	g.Dec()
}
