package fleet

import (
	"github.com/moproxy-go/moproxy/internal/scoring"
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedProber returns canned delays keyed by tag, in the order its
// Probe method is called for that tag.
type scriptedProber struct {
	delays map[string][]time.Duration // negative entry = failure
	fail   map[string][]bool
}

func (s *scriptedProber) Probe(_ context.Context, target ProbeTarget) (time.Duration, bool, error) {
	tag := target.Identity.Tag
	ds := s.delays[tag]
	if len(ds) == 0 {
		return 0, false, errors.New("no more scripted outcomes")
	}
	d := ds[0]
	s.delays[tag] = ds[1:]
	if d < 0 {
		return 0, false, errors.New("scripted failure")
	}
	return d, false, nil
}

func idA() Identity { return Identity{Tag: "A", Addr: "1.1.1.1:1080", Protocol: SOCKS5} }
func idB() Identity { return Identity{Tag: "B", Addr: "2.2.2.2:1080", Protocol: SOCKS5} }

func TestMonitor_UnprobedNeverAppearsInSortedView(t *testing.T) {
	m := NewMonitor(NewScorerAdapter(scoring.NewDefault()), &scriptedProber{delays: map[string][]time.Duration{}})
	m.Reload([]ReloadEntry{{Identity: idA(), Config: Config{MaxWait: time.Second}}})

	if len(m.SnapshotSorted()) != 0 {
		t.Fatal("expected no proxies in sorted view before any probe round")
	}
}

func TestMonitor_ProbeRoundProducesConsistentGeneration(t *testing.T) {
	prober := &scriptedProber{delays: map[string][]time.Duration{
		"A": {100 * time.Millisecond},
		"B": {50 * time.Millisecond},
	}}
	m := NewMonitor(NewScorerAdapter(scoring.NewDefault()), prober)
	m.Reload([]ReloadEntry{
		{Identity: idA(), Config: Config{MaxWait: time.Second}},
		{Identity: idB(), Config: Config{MaxWait: time.Second}},
	})

	m.RunProbeRound(context.Background())

	sorted := m.SnapshotSorted()
	if len(sorted) != 2 {
		t.Fatalf("expected 2 live proxies, got %d", len(sorted))
	}
	// B had the lower delay so should sort first.
	if sorted[0].Identity.Tag != "B" {
		t.Fatalf("expected B first (lower delay), got %s", sorted[0].Identity.Tag)
	}
	gen := m.Generation()
	for _, p := range sorted {
		if p.Status.Generation() != gen {
			t.Fatalf("expected proxy %s generation %d, got %d", p.Identity.Tag, gen, p.Status.Generation())
		}
	}
}

func TestMonitor_TieBrokenByTag(t *testing.T) {
	prober := &scriptedProber{delays: map[string][]time.Duration{
		"A": {100 * time.Millisecond},
		"B": {100 * time.Millisecond},
	}}
	m := NewMonitor(NewScorerAdapter(scoring.NewDefault()), prober)
	m.Reload([]ReloadEntry{
		{Identity: idA(), Config: Config{MaxWait: time.Second}},
		{Identity: idB(), Config: Config{MaxWait: time.Second}},
	})
	m.RunProbeRound(context.Background())

	sorted := m.SnapshotSorted()
	if len(sorted) != 2 || sorted[0].Identity.Tag != "A" || sorted[1].Identity.Tag != "B" {
		t.Fatalf("expected deterministic tie-break A,B; got %v", tagsOf(sorted))
	}
}

func TestMonitor_ReloadPreservesStatusForUnchangedIdentity(t *testing.T) {
	prober := &scriptedProber{delays: map[string][]time.Duration{"A": {100 * time.Millisecond}}}
	m := NewMonitor(NewScorerAdapter(scoring.NewDefault()), prober)
	m.Reload([]ReloadEntry{{Identity: idA(), Config: Config{MaxWait: time.Second}}})
	m.RunProbeRound(context.Background())

	before, _ := m.Lookup(idA())
	scoreBefore, ok := before.Status.Score()
	if !ok {
		t.Fatal("expected a score before reload")
	}

	// Reload with the same identity but a different score_base; status
	// (delay/score/counters) must survive untouched.
	m.Reload([]ReloadEntry{{Identity: idA(), Config: Config{MaxWait: time.Second, ScoreBase: 5}}})

	after, ok := m.Lookup(idA())
	if !ok {
		t.Fatal("expected proxy to survive reload")
	}
	scoreAfter, ok := after.Status.Score()
	if !ok || scoreAfter != scoreBefore {
		t.Fatalf("expected preserved score %d, got %v", scoreBefore, scoreAfter)
	}
	if after.Config.ScoreBase != 5 {
		t.Fatalf("expected updated config to apply, got score_base=%d", after.Config.ScoreBase)
	}
}

func TestMonitor_ReloadDropsRemovedProxies(t *testing.T) {
	m := NewMonitor(NewScorerAdapter(scoring.NewDefault()), &scriptedProber{delays: map[string][]time.Duration{}})
	m.Reload([]ReloadEntry{
		{Identity: idA(), Config: Config{MaxWait: time.Second}},
		{Identity: idB(), Config: Config{MaxWait: time.Second}},
	})
	m.Reload([]ReloadEntry{{Identity: idA(), Config: Config{MaxWait: time.Second}}})

	if _, ok := m.Lookup(idB()); ok {
		t.Fatal("expected B to be removed after reload")
	}
	if len(m.Snapshot()) != 1 {
		t.Fatalf("expected 1 proxy remaining, got %d", len(m.Snapshot()))
	}
}

func TestMonitor_ConnAliveNeverExceedsConnTotal(t *testing.T) {
	m := NewMonitor(NewScorerAdapter(scoring.NewDefault()), &scriptedProber{delays: map[string][]time.Duration{}})
	m.Reload([]ReloadEntry{{Identity: idA(), Config: Config{MaxWait: time.Second}}})
	p, _ := m.Lookup(idA())

	for i := 0; i < 5; i++ {
		p.Status.RegisterOpen()
	}
	for i := 0; i < 3; i++ {
		p.Status.RegisterClose(false)
	}
	alive, total, _ := p.Status.Counters()
	if alive > total {
		t.Fatalf("conn_alive (%d) > conn_total (%d)", alive, total)
	}
}

func TestMonitor_FailedProbeYieldsAbsentScore(t *testing.T) {
	prober := &scriptedProber{delays: map[string][]time.Duration{"A": {-1}}}
	m := NewMonitor(NewScorerAdapter(scoring.NewDefault()), prober)
	m.Reload([]ReloadEntry{{Identity: idA(), Config: Config{MaxWait: time.Second}}})
	m.RunProbeRound(context.Background())

	p, _ := m.Lookup(idA())
	if _, ok := p.Status.Score(); ok {
		t.Fatal("expected absent score after failed probe")
	}
	if len(m.SnapshotSorted()) != 0 {
		t.Fatal("expected offline proxy filtered from sorted view")
	}
}

func tagsOf(ps []*Proxy) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Identity.Tag
	}
	return out
}
