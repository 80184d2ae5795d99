package orchestrator

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/moproxy-go/moproxy/internal/acceptor"
	"github.com/moproxy-go/moproxy/internal/fleet"
	"github.com/moproxy-go/moproxy/internal/policy"
)

// stubCandidates implements Candidates over a fixed proxy list.
type stubCandidates struct{ proxies []*fleet.Proxy }

func (s stubCandidates) SnapshotSorted() []*fleet.Proxy { return s.proxies }

// stubPolicy implements PolicyEngine, returning a fixed Decision.
type stubPolicy struct{ decision policy.Decision }

func (s stubPolicy) Evaluate(policy.Query) policy.Decision { return s.decision }

// startHTTPConnectUpstream runs a minimal HTTP CONNECT proxy that accepts
// any CONNECT, replies 200, and then echoes bytes back (spec §6.2, used to
// ground scenario 1's "bytes forwarded").
func startHTTPConnectUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		io.Copy(conn, conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

// startStallingUpstream accepts a connection and never replies, used to
// simulate a slow parallel-dial loser.
func startStallingUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		<-make(chan struct{}) // hold the connection open, never respond
		conn.Close()
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestHandle_SingleHTTPUpstream_DirectRelay(t *testing.T) {
	upstreamAddr := startHTTPConnectUpstream(t)

	proxyA := fleet.NewProxy(
		fleet.Identity{Tag: "A", Addr: upstreamAddr, Protocol: fleet.HTTPConnect},
		fleet.Config{MaxWait: 2 * time.Second},
	)

	o := New(
		Config{},
		stubCandidates{proxies: []*fleet.Proxy{proxyA}},
		stubPolicy{decision: policy.Decision{Action: policy.ActionRequire}},
	)

	client, server := net.Pipe()
	acc := &acceptor.Accepted{
		Conn:       server,
		Mode:       acceptor.ModeTransparent,
		ListenPort: 1080,
		DestIP:     netip.MustParseAddr("93.184.216.34"),
		DestPort:   80,
	}

	done := make(chan struct{})
	go func() {
		o.Handle(context.Background(), acc)
		close(done)
	}()

	client.Write([]byte("hello"))
	buf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected echo of 'hello', got %q", buf)
	}
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after client close")
	}

	_, total, errs := proxyA.Status.Counters()
	if total != 1 {
		t.Errorf("expected conn_total=1, got %d", total)
	}
	if errs != 0 {
		t.Errorf("expected conn_error=0, got %d", errs)
	}
}

func TestHandle_ParallelDial_LoserAccountingUnchanged(t *testing.T) {
	fastAddr := startHTTPConnectUpstream(t)
	slowAddr := startStallingUpstream(t)

	fast := fleet.NewProxy(
		fleet.Identity{Tag: "fast", Addr: fastAddr, Protocol: fleet.HTTPConnect},
		fleet.Config{MaxWait: 3 * time.Second},
	)
	slow := fleet.NewProxy(
		fleet.Identity{Tag: "slow", Addr: slowAddr, Protocol: fleet.HTTPConnect},
		fleet.Config{MaxWait: 3 * time.Second},
	)

	o := New(
		Config{ParallelPorts: map[uint16]struct{}{443: {}}, ParallelFanOut: 2},
		stubCandidates{proxies: []*fleet.Proxy{fast, slow}},
		stubPolicy{decision: policy.Decision{Action: policy.ActionRequire}},
	)

	client, server := net.Pipe()
	acc := &acceptor.Accepted{
		Conn:       server,
		Mode:       acceptor.ModeTransparent,
		ListenPort: 1080,
		DestIP:     netip.MustParseAddr("93.184.216.34"),
		DestPort:   443,
	}

	done := make(chan struct{})
	go func() {
		o.Handle(context.Background(), acc)
		close(done)
	}()

	client.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Handle did not return")
	}

	_, slowTotal, slowErrs := slow.Status.Counters()
	if slowTotal != 0 {
		t.Errorf("expected the stalled loser to never register a connection, got conn_total=%d", slowTotal)
	}
	if slowErrs != 0 {
		t.Errorf("expected cancelled loser conn_error unchanged, got %d", slowErrs)
	}

	_, fastTotal, _ := fast.Status.Counters()
	if fastTotal != 1 {
		t.Errorf("expected winner conn_total=1, got %d", fastTotal)
	}
}

func TestHandle_PolicyReject_NoProxyStateMutation(t *testing.T) {
	proxyA := fleet.NewProxy(
		fleet.Identity{Tag: "A", Addr: "127.0.0.1:1", Protocol: fleet.HTTPConnect},
		fleet.Config{MaxWait: time.Second},
	)
	o := New(
		Config{},
		stubCandidates{proxies: []*fleet.Proxy{proxyA}},
		stubPolicy{decision: policy.Decision{Action: policy.ActionReject}},
	)

	client, server := net.Pipe()
	defer client.Close()
	acc := &acceptor.Accepted{
		Conn:       server,
		ListenPort: 9999,
		DestIP:     netip.MustParseAddr("10.0.0.1"),
		DestPort:   80,
	}
	o.Handle(context.Background(), acc)

	alive, total, errs := proxyA.Status.Counters()
	if total != 0 || alive != 0 || errs != 0 {
		t.Errorf("expected no proxy state mutation on REJECT, got total=%d alive=%d errs=%d", total, alive, errs)
	}
}
