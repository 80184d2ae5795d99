package statsapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/moproxy-go/moproxy/internal/fleet"
)

type stubFleet struct{ proxies []*fleet.Proxy }

func (s stubFleet) Snapshot() []*fleet.Proxy { return s.proxies }

func newTestServer(proxies []*fleet.Proxy) *Server {
	return New("127.0.0.1:0", stubFleet{proxies: proxies}, prometheus.NewRegistry(), "test-version")
}

func TestHandleServers_ReportsAllConfiguredProxies(t *testing.T) {
	p := fleet.NewProxy(fleet.Identity{Tag: "a", Addr: "1.2.3.4:1080", Protocol: fleet.SOCKS5}, fleet.Config{})
	p.Status.AddTraffic(10, 20)

	s := newTestServer([]*fleet.Proxy{p})

	req := httptest.NewRequest(http.MethodGet, "/servers", nil)
	rw := httptest.NewRecorder()
	s.handleServers(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}

	var infos []ServerInfo
	if err := json.Unmarshal(rw.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 server, got %d", len(infos))
	}
	got := infos[0]
	if got.Tag != "a" || got.Addr != "1.2.3.4:1080" || got.Protocol != "socks5" {
		t.Errorf("unexpected identity fields: %+v", got)
	}
	if got.Alive {
		t.Error("expected unprobed proxy to report alive=false")
	}
	if !got.DelayUnknown {
		t.Error("expected unprobed proxy to report delay_unknown=true")
	}
	if got.TxBytes != 10 || got.RxBytes != 20 {
		t.Errorf("expected traffic 10/20, got %d/%d", got.TxBytes, got.RxBytes)
	}
}

func TestHandleServers_RejectsNonGET(t *testing.T) {
	s := newTestServer(nil)
	req := httptest.NewRequest(http.MethodPost, "/servers", nil)
	rw := httptest.NewRecorder()
	s.handleServers(rw, req)
	if rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rw.Code)
	}
}

func TestHandleVersion(t *testing.T) {
	s := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rw := httptest.NewRecorder()
	s.handleVersion(rw, req)

	var body map[string]string
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["version"] != "test-version" {
		t.Errorf("expected version test-version, got %q", body["version"])
	}
}

func TestStartStop(t *testing.T) {
	s := New("127.0.0.1:0", stubFleet{}, prometheus.NewRegistry(), "dev")
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	time.Sleep(20 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			t.Fatalf("unexpected Start error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
