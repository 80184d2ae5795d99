package fleet

import (
	"time"

	"github.com/moproxy-go/moproxy/internal/scoring"
)

// NewScorerAdapter wraps any scoring.Scorer (scoring.Default or
// scoring/luabridge.Scorer) as a fleet.Scorer. *Proxy already implements
// scoring.ProxyView, so no glue beyond the call-site adaptation is needed.
func NewScorerAdapter(s scoring.Scorer) Scorer {
	return ScorerFunc(func(p *Proxy, delay *time.Duration) *int32 {
		return s.Score(p, delay)
	})
}

// DefaultRemoveObserver returns a WithRemoveObserver callback that drops a
// scoring.Default's retained per-proxy EMA state for a proxy removed on
// reload, preventing it from growing unboundedly across repeated reloads.
func DefaultRemoveObserver(d *scoring.Default) func(*Proxy) {
	return func(p *Proxy) { d.Forget(p) }
}
