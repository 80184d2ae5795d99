// Package statsapi exposes moproxy's read-only HTTP surface: a JSON
// snapshot of the fleet, a version string, and the Prometheus
// OpenMetrics page. It is modeled on the teacher's internal/api, trimmed
// to the read-only endpoints the spec calls for — there is no rotate/
// status write path here, since moproxy has no active-rotation concept.
//
// Endpoints
//
//	GET /servers   List every configured upstream proxy and its live status.
//	GET /version   Report the build version string.
//	GET /metrics   Prometheus/OpenMetrics exposition (delegates to promhttp).
package statsapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moproxy-go/moproxy/internal/fleet"
)

// Fleet is the read surface statsapi needs from internal/fleet.Monitor.
type Fleet interface {
	Snapshot() []*fleet.Proxy
}

// Server is the stats/OpenMetrics HTTP server.
type Server struct {
	fleet      Fleet
	registerer *prometheus.Registry
	version    string
	server     *http.Server
}

// New creates and configures the stats API server. registerer is the
// Prometheus registry backing internal/metrics.Registry.Registerer; version
// is the build version reported at /version (spec.md §6.9 "version string").
func New(addr string, fl Fleet, registerer *prometheus.Registry, version string) *Server {
	s := &Server{fleet: fl, registerer: registerer, version: version}

	mux := http.NewServeMux()
	mux.HandleFunc("/servers", s.handleServers)
	mux.HandleFunc("/version", s.handleVersion)
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts down the server gracefully.
func (s *Server) Stop() error {
	return s.server.Close()
}

// ServerInfo is a serialisable snapshot of a single proxy's state.
type ServerInfo struct {
	Tag          string `json:"tag"`
	Addr         string `json:"addr"`
	Protocol     string `json:"protocol"`
	Alive        bool   `json:"alive"`
	Score        *int32 `json:"score,omitempty"`
	DelayMs      int64  `json:"delay_ms,omitempty"`
	DelayUnknown bool   `json:"delay_unknown,omitempty"`
	TxBytes      uint64 `json:"tx_bytes"`
	RxBytes      uint64 `json:"rx_bytes"`
	ConnAlive    uint32 `json:"conn_alive"`
	ConnTotal    uint32 `json:"conn_total"`
	ConnError    uint32 `json:"conn_error"`
	CloseHistory uint64 `json:"close_history"`
}

// handleServers returns every configured proxy and its current status,
// regardless of liveness (spec.md §3 "the server list is the full
// universe"; the policy/selection layer is what filters to alive ones).
//
//	GET /servers
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	proxies := s.fleet.Snapshot()
	infos := make([]ServerInfo, 0, len(proxies))
	for _, p := range proxies {
		infos = append(infos, proxyToInfo(p))
	}
	jsonOK(w, infos)
}

// handleVersion reports the injected build version.
//
//	GET /version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, map[string]string{"version": s.version})
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[statsapi] encode response: %v", err)
	}
}

func proxyToInfo(p *fleet.Proxy) ServerInfo {
	score, alive := p.Status.Score()
	tx, rx := p.Status.Traffic()
	connAlive, connTotal, connError := p.Status.Counters()

	info := ServerInfo{
		Tag:          p.Identity.Tag,
		Addr:         p.Identity.Addr,
		Protocol:     p.Identity.Protocol.String(),
		Alive:        alive,
		TxBytes:      tx,
		RxBytes:      rx,
		ConnAlive:    connAlive,
		ConnTotal:    connTotal,
		ConnError:    connError,
		CloseHistory: connCloseHistory(p),
	}
	if alive {
		s := score
		info.Score = &s
	}

	switch d := p.Status.Delay(); d.Kind {
	case fleet.DelayMeasured:
		info.DelayMs = d.Value.Milliseconds()
	case fleet.DelayTimeout:
		info.DelayMs = d.Value.Milliseconds()
		info.DelayUnknown = true
	case fleet.DelayUnprobed:
		info.DelayUnknown = true
	}
	return info
}

func connCloseHistory(p *fleet.Proxy) uint64 { return p.Status.CloseHistory() }
