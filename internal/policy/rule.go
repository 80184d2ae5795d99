// Package policy implements the multi-dimensional rule evaluator that
// filters the upstream fleet for each incoming connection (spec §4.4,
// §6.6). Rules are parsed from a line-oriented text grammar, indexed by
// filter type and priority tier, and evaluated in the fixed order
// Default → ListenPort → DstIP → DstDomain independent of file order.
package policy

import (
	"fmt"
	"strings"
)

// FilterKind classifies a rule by what it matches against a connection.
type FilterKind int

const (
	FilterDefault FilterKind = iota
	FilterListenPort
	FilterDstIP
	FilterDstDomain
)

func (k FilterKind) String() string {
	switch k {
	case FilterDefault:
		return "default"
	case FilterListenPort:
		return "listen-port"
	case FilterDstIP:
		return "dst-ip"
	case FilterDstDomain:
		return "dst-domain"
	default:
		return "unknown"
	}
}

// ActionKind is the verdict a rule contributes.
type ActionKind int

const (
	ActionRequire ActionKind = iota
	ActionDirect
	ActionReject
)

func (a ActionKind) String() string {
	switch a {
	case ActionRequire:
		return "require"
	case ActionDirect:
		return "direct"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// MaxPriority is the highest priority tier a rule can carry (spec §6.6:
// "Priority = number of trailing `!` on the action keyword (0..5)").
const MaxPriority = 5

// Rule is one parsed line of the policy file.
type Rule struct {
	Filter FilterKind

	// ListenPort is set when Filter == FilterListenPort.
	ListenPort int

	// CIDR is set when Filter == FilterDstIP, in canonical "addr/len" form.
	CIDR string

	// Domain is set when Filter == FilterDstDomain, lowercased, no
	// trailing dot. "." (stored as empty after normalization) means
	// "matches any non-empty domain" (spec §4.4).
	Domain string

	Action ActionKind

	// RequireCaps holds the disjunction of capability tokens for an
	// ActionRequire rule (spec §6.6: "require CAP (or CAP)*"). Unused for
	// ActionDirect/ActionReject.
	RequireCaps []string

	Priority int
}

// String renders r back into the policy file grammar (spec §6.6), used
// both for diagnostics and for the parse/serialize round-trip property
// (spec §8).
func (r Rule) String() string {
	var filter string
	switch r.Filter {
	case FilterDefault:
		filter = "default"
	case FilterListenPort:
		filter = fmt.Sprintf("listen port %d", r.ListenPort)
	case FilterDstIP:
		filter = fmt.Sprintf("dst ip %s", r.CIDR)
	case FilterDstDomain:
		domain := r.Domain
		if domain == "" {
			domain = "."
		}
		filter = fmt.Sprintf("dst domain %s", domain)
	}

	var action string
	bangs := strings.Repeat("!", r.Priority)
	switch r.Action {
	case ActionDirect:
		action = "direct" + bangs
	case ActionReject:
		action = "reject" + bangs
	case ActionRequire:
		action = "require" + bangs + " " + strings.Join(r.RequireCaps, " or ")
	}

	return fmt.Sprintf("%s %s", filter, action)
}
