// Package orchestrator drives the per-connection state machine of spec
// §4.7: Accepted → (Sniff?) → Policy → Dial → Handshake → Relay → Closed.
// It is the glue between internal/acceptor (destination recovery),
// internal/sniff (opportunistic hostname recovery), internal/policy
// (REJECT/DIRECT/REQUIRE decisions), internal/fleet (candidate ordering
// and accounting) and internal/upstream (the actual dial).
package orchestrator

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/moproxy-go/moproxy/internal/acceptor"
	"github.com/moproxy-go/moproxy/internal/fleet"
	"github.com/moproxy-go/moproxy/internal/policy"
	"github.com/moproxy-go/moproxy/internal/sniff"
	"github.com/moproxy-go/moproxy/internal/upstream"
)

// Recorder observes connection outcomes for internal/metrics without the
// orchestrator importing it (spec
// SPEC_FULL §4.7's metrics-hook design note).
type Recorder interface {
	ConnAccepted(listenPort int)
	ConnDirect()
	ConnProxied(tag string)
	ConnRejected()
	ConnFailed(reason string)
	ConnBytes(tag string, tx, rx uint64)
}

type nopRecorder struct{}

func (nopRecorder) ConnAccepted(int)                 {}
func (nopRecorder) ConnDirect()                      {}
func (nopRecorder) ConnProxied(string)               {}
func (nopRecorder) ConnRejected()                    {}
func (nopRecorder) ConnFailed(string)                {}
func (nopRecorder) ConnBytes(string, uint64, uint64) {}

// Candidates is the narrow view of the fleet the orchestrator needs: a
// score-ordered snapshot ready for policy filtering and sequential/
// parallel dial attempts.
type Candidates interface {
	SnapshotSorted() []*fleet.Proxy
}

// PolicyEngine is the narrow view of internal/policy the orchestrator
// needs, satisfied by *policy.Engine.
type PolicyEngine interface {
	Evaluate(q policy.Query) policy.Decision
}

// Config tunes the dial strategy and sniffing behavior (spec §4.7, §4.5).
type Config struct {
	// SniffTLSPort is the destination port sniffed for TLS SNI when no
	// hostname was recovered by the acceptor (spec §4.7 step 1). Zero
	// disables TLS sniffing. cmd/moproxy's --sniff-tls-port flag defaults
	// it to 443.
	SniffTLSPort uint16

	// SniffHTTPPort enables HTTP Host sniffing on this destination port
	// when remote-DNS-style hostname recovery is desired. Zero disables
	// it. Spec §4.7 step 1 describes this as opt-in ("if remote-DNS
	// enabled"); default 0 (disabled).
	SniffHTTPPort uint16

	// ParallelPorts lists destination ports that use the parallel dial
	// strategy (spec §4.7 "Parallel (enabled for TLS/443 if
	// configured)"); every other port uses sequential dial.
	ParallelPorts map[uint16]struct{}

	// ParallelFanOut bounds how many candidates race concurrently (the
	// spec's "up to K candidates"). Default 3.
	ParallelFanOut int

	// DirectDialTimeout bounds a DIRECT action's TCP connect (spec §4.7
	// step 4). Default 10s.
	DirectDialTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ParallelFanOut == 0 {
		c.ParallelFanOut = 3
	}
	if c.DirectDialTimeout == 0 {
		c.DirectDialTimeout = 10 * time.Second
	}
}

// Orchestrator runs the connection state machine for every accepted
// socket handed to it by one or more internal/acceptor.Listeners.
type Orchestrator struct {
	cfg        Config
	candidates Candidates
	policy     PolicyEngine
	recorder   Recorder
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithRecorder attaches a Recorder (normally internal/metrics' adapter)
// for connection-outcome instrumentation.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New builds an Orchestrator. candidates is consulted fresh on every
// REQUIRE decision so score/generation updates from concurrent probe
// rounds are always visible (spec §5 Ordering); policyEngine may be
// swapped out wholesale by internal/config on SIGHUP reload, so callers
// should pass a value that itself forwards to the live *policy.Engine
// (e.g. behind an atomic.Pointer) rather than a load-time snapshot.
func New(cfg Config, candidates Candidates, policyEngine PolicyEngine, opts ...Option) *Orchestrator {
	cfg.setDefaults()
	o := &Orchestrator{cfg: cfg, candidates: candidates, policy: policyEngine, recorder: nopRecorder{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle runs the full state machine for one accepted connection. It
// blocks until the connection is fully closed and never panics; all
// failures are converted into a closed client socket (spec §7
// Propagation policy).
func (o *Orchestrator) Handle(ctx context.Context, acc *acceptor.Accepted) {
	defer acc.Conn.Close()
	o.recorder.ConnAccepted(acc.ListenPort)

	var peeked []byte
	if acc.DestDomain == "" {
		peeked = o.sniff(ctx, acc)
	}

	decision := o.policy.Evaluate(policy.Query{
		ListenPort: acc.ListenPort,
		DstIP:      acc.DestIP,
		DstDomain:  acc.DestDomain,
	})

	switch decision.Action {
	case policy.ActionReject:
		o.recorder.ConnRejected()
		return
	case policy.ActionDirect:
		o.handleDirect(ctx, acc, peeked)
		return
	case policy.ActionRequire:
		o.handleRequire(ctx, acc, peeked, decision)
		return
	default:
		o.recorder.ConnFailed("unknown policy action")
	}
}

// sniff performs the opportunistic hostname recovery of spec §4.7 step
// 1 / §4.5, returning whatever bytes were peeked off the wire so they
// can be replayed to the upstream after a handshake (spec §4.7
// "Handshake & forwarding"). sniff.PeekSNI/PeekHTTPHost read directly
// from the connection and hand back every byte they consumed, so the
// returned slice is the only copy of those bytes; Accepted.Conn already
// carries forward any bytes buffered during the acceptor's own parse (see
// acceptor.bufferedConn).
func (o *Orchestrator) sniff(ctx context.Context, acc *acceptor.Accepted) []byte {
	sctx, cancel := context.WithTimeout(ctx, sniff.Budget)
	defer cancel()

	if o.cfg.SniffTLSPort != 0 && acc.DestPort == o.cfg.SniffTLSPort {
		res, err := sniff.PeekSNI(sctx, acc.Conn)
		if err == nil {
			acc.DestDomain = res.Hostname
			return res.Peeked
		}
		if res.Peeked != nil {
			return res.Peeked
		}
	}
	if o.cfg.SniffHTTPPort != 0 && acc.DestPort == o.cfg.SniffHTTPPort {
		res, err := sniff.PeekHTTPHost(sctx, acc.Conn)
		if err == nil {
			acc.DestDomain = res.Hostname
			return res.Peeked
		}
		if res.Peeked != nil {
			return res.Peeked
		}
	}
	return nil
}

// handleDirect implements spec §4.7 step 4: dial the recovered
// destination directly, with no upstream proxy in the loop.
func (o *Orchestrator) handleDirect(ctx context.Context, acc *acceptor.Accepted, peeked []byte) {
	dctx, cancel := context.WithTimeout(ctx, o.cfg.DirectDialTimeout)
	defer cancel()

	host := acc.HostPort()
	var d net.Dialer
	upstreamConn, err := d.DialContext(dctx, "tcp", host)
	if err != nil {
		o.recorder.ConnFailed("direct dial: " + err.Error())
		return
	}
	defer upstreamConn.Close()

	o.recorder.ConnDirect()
	if len(peeked) > 0 {
		if _, err := upstreamConn.Write(peeked); err != nil {
			o.recorder.ConnFailed("direct replay: " + err.Error())
			return
		}
	}
	relay(acc.Conn, upstreamConn)
}

// handleRequire implements spec §4.7 step 5 and the sequential/parallel
// dial strategies of the same section.
func (o *Orchestrator) handleRequire(ctx context.Context, acc *acceptor.Accepted, peeked []byte, decision policy.Decision) {
	var candidates []*fleet.Proxy
	for _, p := range o.candidates.SnapshotSorted() {
		if decision.Eligible(p.Config.Capabilities) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		o.recorder.ConnFailed("no eligible candidates")
		return
	}

	_, isParallelPort := o.cfg.ParallelPorts[acc.DestPort]
	if isParallelPort {
		o.dialParallel(ctx, acc, peeked, candidates)
		return
	}
	o.dialSequential(ctx, acc, peeked, candidates)
}

// dialSequential tries candidates in ascending-score order; the first
// full handshake success wins (spec §4.7 "Sequential (default)").
func (o *Orchestrator) dialSequential(ctx context.Context, acc *acceptor.Accepted, peeked []byte, candidates []*fleet.Proxy) {
	var lastErr error
	var lastProxy *fleet.Proxy
	for _, p := range candidates {
		dctx, cancel := context.WithTimeout(ctx, p.Config.MaxWait)
		conn, err := upstream.Dial(dctx, p.Identity, p.Config, acc.HostPort())
		cancel()
		if err != nil {
			lastErr = err
			lastProxy = p
			continue
		}

		p.Status.RegisterOpen()
		o.recorder.ConnProxied(p.Identity.Tag)
		tx, rx, failed := o.relayWithReplay(acc.Conn, conn, peeked)
		p.Status.AddTraffic(tx, rx)
		o.recorder.ConnBytes(p.Identity.Tag, tx, rx)
		p.Status.RegisterClose(failed)
		return
	}

	if lastProxy != nil {
		lastProxy.Status.RegisterOpen()
		lastProxy.Status.RegisterClose(true)
	}
	if lastErr != nil {
		o.recorder.ConnFailed("sequential dial exhausted: " + lastErr.Error())
	} else {
		o.recorder.ConnFailed("sequential dial exhausted")
	}
}

// dialParallel races up to ParallelFanOut candidates; the first to
// complete its upstream handshake wins and every other attempt is
// cancelled without touching conn_error (spec §4.7, §8 invariant
// "∀ cancelled loser L in parallel dial: L.conn_error unchanged").
func (o *Orchestrator) dialParallel(ctx context.Context, acc *acceptor.Accepted, peeked []byte, candidates []*fleet.Proxy) {
	if len(candidates) > o.cfg.ParallelFanOut {
		candidates = candidates[:o.cfg.ParallelFanOut]
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		proxy *fleet.Proxy
		conn  net.Conn
		err   error
	}
	results := make(chan result, len(candidates))

	var wg sync.WaitGroup
	for _, p := range candidates {
		wg.Add(1)
		go func(p *fleet.Proxy) {
			defer wg.Done()
			dctx, dcancel := context.WithTimeout(raceCtx, p.Config.MaxWait)
			defer dcancel()
			conn, err := upstream.Dial(dctx, p.Identity, p.Config, acc.HostPort())
			select {
			case results <- result{proxy: p, conn: conn, err: err}:
			case <-raceCtx.Done():
				if conn != nil {
					conn.Close()
				}
			}
		}(p)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var winner result
	won := false
	for r := range results {
		if r.err != nil {
			continue
		}
		if !won {
			winner = r
			won = true
			cancel() // stop the remaining racers; their conn_error is not touched
			continue
		}
		r.conn.Close() // a second success arriving after the winner is just closed
	}

	if !won {
		o.recorder.ConnFailed("parallel dial: no candidate succeeded")
		return
	}

	winner.proxy.Status.RegisterOpen()
	o.recorder.ConnProxied(winner.proxy.Identity.Tag)
	tx, rx, failed := o.relayWithReplay(acc.Conn, winner.conn, peeked)
	winner.proxy.Status.AddTraffic(tx, rx)
	o.recorder.ConnBytes(winner.proxy.Identity.Tag, tx, rx)
	winner.proxy.Status.RegisterClose(failed)
}

// relayWithReplay writes any sniff-peeked bytes to the upstream before
// starting the bidirectional relay (spec §4.7 "Handshake & forwarding").
// Returns bytes sent to/received from the upstream for the descriptor's
// traffic counters (spec §4.7 "Accounting").
func (o *Orchestrator) relayWithReplay(client net.Conn, upstreamConn net.Conn, peeked []byte) (tx, rx uint64, failed bool) {
	defer upstreamConn.Close()
	if len(peeked) > 0 {
		n, err := upstreamConn.Write(peeked)
		tx += uint64(n)
		if err != nil {
			return tx, rx, true
		}
	}
	relayTx, relayRx, relayFailed := relay(client, upstreamConn)
	return tx + relayTx, rx + relayRx, relayFailed
}

// relay performs the bidirectional copy of spec §4.7 "Relay": half-close
// is honored by forwarding FIN via CloseWrite once one direction's
// io.Copy returns clean EOF, while the other direction keeps running
// until its own EOF or error. Grounded on the teacher's tunnel()
// relay loop (internal/server/server.go), extended to report
// per-direction byte counts and whether either direction ended in error
// for accounting (spec §4.7 "Relay" / "register_close(error)").
// a is the client-facing side, b the upstream side; tx is bytes sent
// toward b (client → upstream), rx is bytes sent toward a (upstream →
// client), matching the descriptor's tx_bytes/rx_bytes fields (spec §6.7).
func relay(a, b net.Conn) (tx, rx uint64, failed bool) {
	type outcome struct {
		n   int64
		err error
	}
	txDone := make(chan outcome, 1)
	rxDone := make(chan outcome, 1)
	cp := func(dst, src net.Conn, report chan<- outcome) {
		n, err := io.Copy(dst, src)
		if tc, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
		report <- outcome{n: n, err: err}
	}
	go cp(b, a, txDone) // client -> upstream
	go cp(a, b, rxDone) // upstream -> client

	txResult := <-txDone
	rxResult := <-rxDone
	tx = uint64(txResult.n)
	rx = uint64(rxResult.n)
	if txResult.err != nil && !isBenignCloseError(txResult.err) {
		failed = true
	}
	if rxResult.err != nil && !isBenignCloseError(rxResult.err) {
		failed = true
	}
	return tx, rx, failed
}

// isBenignCloseError reports whether err merely reflects one side of the
// pipe being closed (by us or the peer) rather than an actual transport
// failure — the only two conn_error-worthy outcomes are a genuine I/O
// error or a protocol violation, not an orderly shutdown.
func isBenignCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF)
}
