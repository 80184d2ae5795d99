// Package metrics defines the Prometheus collectors moproxy exposes at
// /metrics (spec.md §6.9, SPEC_FULL.md §6.9): fleet size/alive gauges
// bound to internal/fleet.Monitor's round observer, per-proxy score
// gauges refreshed from Snapshot, and connection-outcome
// counters fed by internal/orchestrator through the Recorder interface
// it defines for exactly this purpose — so the orchestrator never
// imports Prometheus types directly.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/moproxy-go/moproxy/internal/fleet"
)

// Registry bundles every collector moproxy registers. Construct one with
// New and pass it to internal/statsapi to mount at /metrics, to
// fleet.WithRoundObserver for fleet-size gauges, and to orchestrator.New
// via WithRecorder for connection counters.
type Registry struct {
	reg *prometheus.Registry

	fleetSize  prometheus.Gauge
	fleetAlive prometheus.Gauge
	generation prometheus.Gauge
	proxyScore *prometheus.GaugeVec

	connsTotal    *prometheus.CounterVec
	bytesTotal    *prometheus.CounterVec
	connsAccepted *prometheus.CounterVec
}

// New registers every collector against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		fleetSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "moproxy_fleet_size",
			Help: "Number of upstream proxies currently configured.",
		}),
		fleetAlive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "moproxy_fleet_alive",
			Help: "Number of upstream proxies with a non-absent score after the last probe round.",
		}),
		generation: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "moproxy_probe_generation",
			Help: "Monotonic counter of completed probe rounds.",
		}),
		proxyScore: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "moproxy_proxy_score",
			Help: "Current score of an upstream proxy (lower is better; absent proxies are omitted).",
		}, []string{"tag", "addr", "proto"}),
		connsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "moproxy_connections_total",
			Help: "Client connections by terminal outcome.",
		}, []string{"result"}),
		bytesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "moproxy_bytes_total",
			Help: "Relayed bytes by proxy tag and direction.",
		}, []string{"proxy", "direction"}),
		connsAccepted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "moproxy_accepted_total",
			Help: "Accepted client connections by listen port.",
		}, []string{"listen_port"}),
	}
	return r
}

// Registerer exposes the underlying registry for internal/statsapi's
// promhttp.HandlerFor call.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

// RoundObserver adapts Registry to fleet.WithRoundObserver's callback
// shape (spec SPEC_FULL.md §4.2 "Monitor publishes gauge/counter
// updates ... after every probe round").
func (r *Registry) RoundObserver(generation int64, alive, total int) {
	r.fleetSize.Set(float64(total))
	r.fleetAlive.Set(float64(alive))
	r.generation.Set(float64(generation))
}

// ObserveSnapshot refreshes the per-proxy score gauges from a fresh fleet
// snapshot. cmd/moproxy calls it after every probe round alongside
// RoundObserver.
func (r *Registry) ObserveSnapshot(proxies []*fleet.Proxy) {
	r.proxyScore.Reset()
	for _, p := range proxies {
		labels := p.PrometheusLabels()
		if score, ok := p.Status.Score(); ok {
			r.proxyScore.WithLabelValues(labels["tag"], labels["addr"], labels["proto"]).Set(float64(score))
		}
	}
}

// Recorder adapts Registry to internal/orchestrator.Recorder, the
// narrow interface orchestrator.Handle calls on every state transition
// (spec SPEC_FULL.md §4.7) without importing Prometheus types itself.
type Recorder struct {
	reg *Registry
}

// NewRecorder builds an orchestrator.Recorder-compatible adapter.
func NewRecorder(reg *Registry) Recorder { return Recorder{reg: reg} }

func (r Recorder) ConnAccepted(listenPort int) {
	r.reg.connsAccepted.WithLabelValues(portLabel(listenPort)).Inc()
}

func (r Recorder) ConnDirect() {
	r.reg.connsTotal.WithLabelValues("direct").Inc()
}

func (r Recorder) ConnProxied(tag string) {
	r.reg.connsTotal.WithLabelValues("proxied").Inc()
}

func (r Recorder) ConnRejected() {
	r.reg.connsTotal.WithLabelValues("rejected").Inc()
}

func (r Recorder) ConnFailed(reason string) {
	r.reg.connsTotal.WithLabelValues("failed").Inc()
}

func (r Recorder) ConnBytes(tag string, tx, rx uint64) {
	r.reg.bytesTotal.WithLabelValues(tag, "tx").Add(float64(tx))
	r.reg.bytesTotal.WithLabelValues(tag, "rx").Add(float64(rx))
}

func portLabel(port int) string { return strconv.Itoa(port) }
