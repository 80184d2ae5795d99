package policy

import (
	"fmt"
	"net/netip"
	"strings"

	radix "github.com/armon/go-radix"
)

// Query is the filter key spec §4.7 step 2 evaluates a connection against.
type Query struct {
	ListenPort int
	DstIP      netip.Addr // invalid (zero value) if the destination is domain-only
	DstDomain  string     // "" if no hostname was recovered
}

// Decision is the policy engine's verdict for a Query (spec §4.4).
type Decision struct {
	Action ActionKind

	// RequireSets holds one disjunction (OR-set of capability tokens) per
	// surviving `require` rule; a candidate must satisfy every set in the
	// slice (spec §4.4 "intersection-of-disjunctions"). Empty when Action
	// is not ActionRequire, or when ActionRequire but the decision carries
	// no constraints at all (every proxy eligible).
	RequireSets [][]string
}

// Eligible reports whether a proxy with the given capability set satisfies
// this decision's requirements. Only meaningful when Action ==
// ActionRequire; REJECT/DIRECT decisions never reach candidate filtering.
func (d Decision) Eligible(caps map[string]struct{}) bool {
	for _, set := range d.RequireSets {
		ok := false
		for _, c := range set {
			if _, has := caps[c]; has {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// tier indexes every rule sharing one priority level (0..MaxPriority).
type tier struct {
	domains *radix.Tree // reversed dotted key -> []*Rule
	v4      *ipTrie
	v6      *ipTrie
	ports   map[int][]*Rule
	defs    []*Rule
}

func newTier() *tier {
	return &tier{
		domains: radix.New(),
		v4:      newIPTrie(),
		v6:      newIPTrie(),
		ports:   make(map[int][]*Rule),
	}
}

// Engine evaluates Queries against a fixed rule set (spec §4.4). Build a
// new Engine on every reload; it is immutable and safe for concurrent use
// once constructed.
type Engine struct {
	tiers [MaxPriority + 1]*tier
}

// New indexes rules into per-priority-tier structures: a reversed-label
// radix tree for dst-domain rules (longest matching suffix reduces to
// longest matching prefix on the reversed key), a binary trie per address
// family for dst-ip rules, and flat maps for listen-port/default rules.
func New(rules []Rule) (*Engine, error) {
	e := &Engine{}
	for i := range e.tiers {
		e.tiers[i] = newTier()
	}

	for idx := range rules {
		r := &rules[idx]
		if r.Priority < 0 || r.Priority > MaxPriority {
			return nil, fmt.Errorf("rule %q: priority %d out of range", r, r.Priority)
		}
		t := e.tiers[r.Priority]

		switch r.Filter {
		case FilterDefault:
			t.defs = append(t.defs, r)
		case FilterListenPort:
			t.ports[r.ListenPort] = append(t.ports[r.ListenPort], r)
		case FilterDstIP:
			prefix, err := netip.ParsePrefix(r.CIDR)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", r, err)
			}
			if prefix.Addr().Is4() {
				t.v4.insert(prefix, r)
			} else {
				t.v6.insert(prefix, r)
			}
		case FilterDstDomain:
			key := domainKey(r.Domain)
			existing, _ := t.domains.Get(key)
			var bucket []*Rule
			if existing != nil {
				bucket = existing.([]*Rule)
			}
			bucket = append(bucket, r)
			t.domains.Insert(key, bucket)
		default:
			return nil, fmt.Errorf("rule %q: unknown filter kind", r)
		}
	}
	return e, nil
}

// Evaluate applies the fixed Default → ListenPort → DstIP → DstDomain
// evaluation order and priority-tier resolution of spec §4.4 to q.
//
// "Default" is the weakest filter type: it is consulted only when no
// ListenPort/DstIP/DstDomain rule matches at any priority (spec scenario
// 5, where a port-9 "listen port 9 direct" rule overrides a same-priority
// "default reject" for port-9 connections rather than contending with it
// on priority alone). Among the three specific filter types, matches are
// combined by the standard max-priority/reject-beats-direct/require-
// intersects rule.
func (e *Engine) Evaluate(q Query) Decision {
	var domainKeyStr string
	if q.DstDomain != "" {
		domainKeyStr = domainKey(q.DstDomain)
	}

	for p := MaxPriority; p >= 0; p-- {
		t := e.tiers[p]

		var matches []*Rule
		if rs, ok := t.ports[q.ListenPort]; ok {
			matches = append(matches, rs...)
		}
		if q.DstIP.IsValid() {
			var ipRules []*Rule
			if q.DstIP.Is4() {
				ipRules = t.v4.longestMatch(q.DstIP)
			} else {
				ipRules = t.v6.longestMatch(q.DstIP)
			}
			matches = append(matches, ipRules...)
		}
		if domainKeyStr != "" {
			if _, v, ok := t.domains.LongestPrefix(domainKeyStr); ok {
				matches = append(matches, v.([]*Rule)...)
			}
		}

		if len(matches) == 0 {
			continue
		}
		return resolve(matches)
	}

	for p := MaxPriority; p >= 0; p-- {
		if defs := e.tiers[p].defs; len(defs) > 0 {
			return resolve(defs)
		}
	}

	// No rule matched at all (no "default" line present): allow any proxy
	// rather than silently rejecting every connection.
	return Decision{Action: ActionRequire}
}

// resolve implements spec §4.4's action-combination rule for a set of
// rules already narrowed to a single (winning) priority tier: reject wins
// over direct, direct wins over require, and surviving require rules
// accumulate as conjuncts.
func resolve(matches []*Rule) Decision {
	for _, r := range matches {
		if r.Action == ActionReject {
			return Decision{Action: ActionReject}
		}
	}
	for _, r := range matches {
		if r.Action == ActionDirect {
			return Decision{Action: ActionDirect}
		}
	}
	var sets [][]string
	for _, r := range matches {
		if r.Action == ActionRequire {
			sets = append(sets, r.RequireCaps)
		}
	}
	return Decision{Action: ActionRequire, RequireSets: sets}
}

// domainKey reverses domain's labels and joins them with '.', producing a
// key where "longest matching suffix of the original domain" becomes
// "longest matching prefix of the key" — what go-radix's LongestPrefix
// computes. An empty-after-normalization domain (the "dst-domain ."
// wildcard, spec §4.4) maps to the empty key, which is a prefix of every
// non-empty key and therefore matches any domain.
func domainKey(domain string) string {
	domain = normalizeDomain(domain)
	if domain == "" {
		return ""
	}
	labels := strings.Split(domain, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".") + "."
}
