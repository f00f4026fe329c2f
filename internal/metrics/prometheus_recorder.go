package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once sync.Once

	buildDuration  *prom.HistogramVec
	buildOutcome   *prom.CounterVec
	buildingUnits  prom.Gauge
	readyUnits     prom.Gauge
	flushes        *prom.CounterVec
	broadcasts     *prom.CounterVec
	clients        prom.Gauge
	protocolErrors prom.Counter
	hmrLatency     prom.Histogram
	updateDuration prom.Histogram
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.buildDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "devserve",
			Name:      "build_duration_seconds",
			Help:      "Duration of unit materializations",
			Buckets:   prom.DefBuckets,
		}, []string{"unit"})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "devserve",
			Name:      "build_outcomes_total",
			Help:      "Unit build outcomes by final status",
		}, []string{"outcome"})
		pr.buildingUnits = prom.NewGauge(prom.GaugeOpts{
			Namespace: "devserve",
			Name:      "building_units",
			Help:      "Units currently compiling",
		})
		pr.readyUnits = prom.NewGauge(prom.GaugeOpts{
			Namespace: "devserve",
			Name:      "ready_units",
			Help:      "Units known to be materialized and current",
		})
		pr.flushes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "devserve",
			Name:      "coalescer_flushes_total",
			Help:      "Coalescer flush attempts by result",
		}, []string{"result"})
		pr.broadcasts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "devserve",
			Name:      "broadcasts_total",
			Help:      "Wire messages broadcast to all clients, by action",
		}, []string{"action"})
		pr.clients = prom.NewGauge(prom.GaugeOpts{
			Namespace: "devserve",
			Name:      "connected_clients",
			Help:      "Currently connected live-update clients",
		})
		pr.protocolErrors = prom.NewCounter(prom.CounterOpts{
			Namespace: "devserve",
			Name:      "protocol_violations_total",
			Help:      "Malformed client messages that closed a connection",
		})
		pr.hmrLatency = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "devserve",
			Name:      "client_hmr_latency_seconds",
			Help:      "Client-reported latency from change to applied update",
			Buckets:   prom.DefBuckets,
		})
		pr.updateDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "devserve",
			Name:      "engine_update_duration_seconds",
			Help:      "Engine-reported aggregated update durations",
			Buckets:   prom.DefBuckets,
		})
		reg.MustRegister(pr.buildDuration, pr.buildOutcome, pr.buildingUnits, pr.readyUnits,
			pr.flushes, pr.broadcasts, pr.clients, pr.protocolErrors, pr.hmrLatency, pr.updateDuration)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveBuildDuration(unitKey string, d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.WithLabelValues(unitKey).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) SetBuildingUnits(n int) {
	if p == nil || p.buildingUnits == nil {
		return
	}
	p.buildingUnits.Set(float64(n))
}

func (p *PrometheusRecorder) SetReadyUnits(n int) {
	if p == nil || p.readyUnits == nil {
		return
	}
	p.readyUnits.Set(float64(n))
}

func (p *PrometheusRecorder) IncCoalescerFlush(result FlushResult) {
	if p == nil || p.flushes == nil {
		return
	}
	p.flushes.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncBroadcast(action string) {
	if p == nil || p.broadcasts == nil {
		return
	}
	p.broadcasts.WithLabelValues(action).Inc()
}

func (p *PrometheusRecorder) SetClients(n int) {
	if p == nil || p.clients == nil {
		return
	}
	p.clients.Set(float64(n))
}

func (p *PrometheusRecorder) IncProtocolViolation() {
	if p == nil || p.protocolErrors == nil {
		return
	}
	p.protocolErrors.Inc()
}

func (p *PrometheusRecorder) ObserveClientHMRLatency(d time.Duration) {
	if p == nil || p.hmrLatency == nil {
		return
	}
	p.hmrLatency.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveEngineUpdateDuration(d time.Duration) {
	if p == nil || p.updateDuration == nil {
		return
	}
	p.updateDuration.Observe(d.Seconds())
}

// HTTPHandler returns an http.Handler serving the registry's metrics.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
