package fleet

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// ProbeTarget is everything a Prober needs to dial and handshake with one
// upstream proxy. It is a plain value type holding only the identity and
// config, so a Prober never touches a descriptor's mutable Status.
type ProbeTarget struct {
	Identity Identity
	Config   Config
}

// Prober performs one liveness/latency probe against an upstream proxy.
// It returns the elapsed delay on success; timedOut distinguishes a
// deadline expiry from any other failure for diagnostics, though both
// are treated identically by scoring (spec §4.3).
type Prober interface {
	Probe(ctx context.Context, target ProbeTarget) (delay time.Duration, timedOut bool, err error)
}

// Scorer computes a score from a probe outcome (spec §4.2, §6.7).
type Scorer interface {
	Score(p *Proxy, delay *time.Duration) *int32
}

// ScorerFunc adapts a plain function to Scorer. NewScorerAdapter (see
// adapters.go) uses it to bridge scoring.Default and
// scoring/luabridge.Scorer, which only know about scoring.ProxyView, a
// narrower interface *Proxy also happens to satisfy.
type ScorerFunc func(p *Proxy, delay *time.Duration) *int32

func (f ScorerFunc) Score(p *Proxy, delay *time.Duration) *int32 { return f(p, delay) }

// Monitor owns the fleet mapping and drives probe rounds (spec §4.2).
type Monitor struct {
	scorer  Scorer
	prober  Prober
	maxFanOut int

	mu         sync.RWMutex
	proxies    map[Identity]*Proxy
	generation int64

	probeInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
	onRoundDone   func(gen int64, alive, total int)
	onRemove      func(*Proxy)
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithProbeInterval overrides the default 30s probe cadence (spec §4.3).
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) { m.probeInterval = d }
}

// WithMaxFanOut bounds how many probes run concurrently within a round.
// Zero (the default) means "all proxies in the fleet, unbounded".
func WithMaxFanOut(n int) Option {
	return func(m *Monitor) { m.maxFanOut = n }
}

// WithRoundObserver registers a callback invoked after every completed
// probe round, used by internal/metrics and internal/sysnotify to publish
// fleet-size/alive-count gauges and the watchdog status string.
func WithRoundObserver(f func(generation int64, alive, total int)) Option {
	return func(m *Monitor) { m.onRoundDone = f }
}

// WithRemoveObserver registers a callback invoked once per proxy dropped
// by Reload, used by the scorer to forget per-proxy state (e.g.
// scoring.Default's EMA map) so it does not grow across repeated reloads.
func WithRemoveObserver(f func(*Proxy)) Option {
	return func(m *Monitor) { m.onRemove = f }
}

// NewMonitor creates a Monitor with an empty fleet. Call Reload to
// populate it and Start to begin periodic probing.
func NewMonitor(scorer Scorer, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		scorer:        scorer,
		prober:        prober,
		proxies:       make(map[Identity]*Proxy),
		probeInterval: 30 * time.Second,
		stop:          make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ReloadEntry is one freshly parsed server-list record.
type ReloadEntry struct {
	Identity Identity
	Config   Config
}

// Reload reconciles the fleet against a freshly parsed server list:
// proxies whose (tag, addr, protocol) is unchanged keep their Status;
// removed proxies are dropped; new entries start with absent status
// (spec §3 Lifecycle).
func (m *Monitor) Reload(entries []ReloadEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[Identity]*Proxy, len(entries))
	for _, e := range entries {
		if existing, ok := m.proxies[e.Identity]; ok {
			existing.Config = e.Config
			next[e.Identity] = existing
			continue
		}
		next[e.Identity] = NewProxy(e.Identity, e.Config)
	}

	if m.onRemove != nil {
		for id, p := range m.proxies {
			if _, ok := next[id]; !ok {
				m.onRemove(p)
			}
		}
	}
	m.proxies = next
}

// Snapshot returns a fresh slice of every proxy currently in the fleet,
// regardless of score, ordered by tag. The slice is new but its elements
// are the live descriptors, not copies. Use SnapshotSorted for the
// selection-ready, score-ordered, offline-filtered view.
func (m *Monitor) Snapshot() []*Proxy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Proxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Tag < out[j].Identity.Tag })
	return out
}

// SnapshotSorted returns live proxies (score present) ascending by score,
// ties broken by tag (spec §3, §8).
func (m *Monitor) SnapshotSorted() []*Proxy {
	all := m.Snapshot()
	out := make([]*Proxy, 0, len(all))
	for _, p := range all {
		if _, ok := p.Status.Score(); ok {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, _ := out[i].Status.Score()
		sj, _ := out[j].Status.Score()
		if si != sj {
			return si < sj
		}
		return out[i].Identity.Tag < out[j].Identity.Tag
	})
	return out
}

// Lookup returns the live descriptor for an identity, if present.
func (m *Monitor) Lookup(id Identity) (*Proxy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proxies[id]
	return p, ok
}

// Generation returns the most recently completed round's generation.
func (m *Monitor) Generation() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Start launches the periodic probe-round loop: one immediate round, then
// one every probeInterval, until Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	m.RunProbeRound(ctx)

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RunProbeRound(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts down the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// RunProbeRound probes every fleet member concurrently (bounded by
// maxFanOut, zero meaning unbounded), waits for all outcomes up to each
// proxy's configured max_wait, applies scoring, and atomically bumps the
// generation counter (spec §4.2, §5 Ordering).
func (m *Monitor) RunProbeRound(ctx context.Context) {
	proxies := m.Snapshot()
	if len(proxies) == 0 {
		return
	}

	var sem chan struct{}
	if m.maxFanOut > 0 {
		sem = make(chan struct{}, m.maxFanOut)
	}

	type outcome struct {
		p       *Proxy
		delay   *time.Duration
		timeout bool
	}
	results := make([]outcome, len(proxies))

	var wg sync.WaitGroup
	for i, p := range proxies {
		wg.Add(1)
		if sem != nil {
			sem <- struct{}{}
		}
		go func(i int, p *Proxy) {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			results[i] = m.probeOne(ctx, p)
		}(i, p)
	}
	wg.Wait()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	alive := 0
	for _, r := range results {
		score := m.scorer.Score(r.p, r.delay)
		succeeded := r.delay != nil
		var d Delay
		switch {
		case r.delay != nil:
			d = MeasuredDelay(*r.delay)
		case r.timeout:
			d = TimeoutDelay(r.p.Config.MaxWait)
		default:
			d = TimeoutDelay(r.p.Config.MaxWait)
		}
		r.p.Status.updateDelay(d, succeeded)
		r.p.Status.updateScore(score, gen)
		if score != nil {
			alive++
		}
	}

	if m.onRoundDone != nil {
		m.onRoundDone(gen, alive, len(results))
	}
}

func (m *Monitor) probeOne(ctx context.Context, p *Proxy) struct {
	p       *Proxy
	delay   *time.Duration
	timeout bool
} {
	type outcome = struct {
		p       *Proxy
		delay   *time.Duration
		timeout bool
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.Config.MaxWait)
	defer cancel()

	delay, timedOut, err := m.prober.Probe(probeCtx, ProbeTarget{Identity: p.Identity, Config: p.Config})
	if err != nil {
		if timedOut {
			log.Printf("[fleet] probe timeout: %s", p.Identity)
		} else {
			log.Printf("[fleet] probe error: %s: %v", p.Identity, err)
		}
		return outcome{p: p, delay: nil, timeout: timedOut}
	}
	d := delay
	return outcome{p: p, delay: &d}
}
