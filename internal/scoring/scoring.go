// Package scoring implements the scoring algorithms that turn a probe
// outcome into the signed integer ranking used by the fleet monitor
// (spec §4.2). Default implements the built-in EMA-based algorithm; the
// luabridge subpackage adapts a user script to the same interface.
package scoring

import (
	"math"
	"math/bits"
	"sync"
	"time"
)

// ProxyView exposes exactly the fields spec §6.7 promises to a custom
// scoring bridge: identity, config, traffic, and status. It is satisfied
// by *fleet.Proxy without this package importing fleet (which would
// create an import cycle, since fleet calls into scoring).
type ProxyView interface {
	Tag() string
	Addr() string
	Proto() string
	TestDNS() string
	MaxWait() time.Duration
	ScoreBase() int32
	TxBytes() uint64
	RxBytes() uint64
	ConnAlive() uint32
	ConnTotal() uint32
	ConnError() uint32
	CloseHistory() uint64

	// DelaySeconds returns the most recent probe delay in seconds and
	// false if the proxy has never been probed.
	DelaySeconds() (float64, bool)
	// ScoreValue returns the current score and false if the proxy is
	// absent/offline.
	ScoreValue() (int32, bool)
}

// Scorer computes a score for one proxy given this round's probe delay
// (nil on probe failure/timeout). It returns nil for "offline".
// Implementations are called sequentially by the monitor, once per proxy
// per round, and may keep their own per-proxy state (keyed by identity).
type Scorer interface {
	Score(p ProxyView, delay *time.Duration) *int32
}

// alpha is the EMA smoothing factor from spec §4.2.
const alpha = 0.3

// failureBoostMillis is the additional penalty, in milliseconds, applied
// to the first successful round following a probe failure.
const failureBoostMillis = 1000

type emaState struct {
	ema         *float64
	priorFailed bool
}

// Default implements the built-in scoring algorithm of spec §4.2. It is
// safe for concurrent use; state is keyed by proxy identity so a single
// Default instance can be shared across the whole fleet.
type Default struct {
	mu    sync.Mutex
	state map[string]*emaState
}

// NewDefault returns a ready-to-use Default scorer.
func NewDefault() *Default {
	return &Default{state: make(map[string]*emaState)}
}

func key(p ProxyView) string {
	return p.Tag() + "|" + p.Addr() + "|" + p.Proto()
}

// Score implements Scorer.
func (d *Default) Score(p ProxyView, delay *time.Duration) *int32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.state[key(p)]
	if st == nil {
		st = &emaState{}
		d.state[key(p)] = st
	}

	failed := delay == nil
	maxWait := p.MaxWait().Seconds()
	dSeconds := maxWait
	if !failed {
		dSeconds = delay.Seconds()
	}

	ema := dSeconds
	if st.ema != nil {
		ema = *st.ema*(1-alpha) + dSeconds*alpha
	}
	st.ema = &ema

	if failed {
		st.priorFailed = true
		return nil
	}

	penalty := 1.0 + float64(bits.OnesCount64(p.CloseHistory()))/8.0
	scoreF := math.Round(ema*1000*penalty) + float64(p.ScoreBase())

	if st.priorFailed {
		scoreF += failureBoostMillis
	}
	st.priorFailed = false

	scoreF = clampInt32(scoreF)
	score := int32(scoreF)
	return &score
}

// Forget drops any retained per-proxy state, called by the monitor when a
// proxy is removed from the fleet on reload so the state map does not
// grow unboundedly across the process lifetime.
func (d *Default) Forget(p ProxyView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.state, key(p))
}

func clampInt32(f float64) float64 {
	const maxI32 = float64(math.MaxInt32)
	const minI32 = float64(math.MinInt32)
	if f > maxI32 {
		return maxI32
	}
	if f < minI32 {
		return minI32
	}
	return f
}
