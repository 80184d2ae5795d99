package policy

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
)

// Parse reads the bespoke "FILTER ACTION[!…]" grammar of spec §6.6 from r,
// one rule per line, '#' starting a comment that runs to end of line.
// Blank lines are ignored. Keywords are case-insensitive.
//
// No INI/YAML/TOML library in the retrieved corpus models this grammar —
// priority encoded as a run of trailing '!' on the action keyword,
// "require A or B" as a capability disjunction — so it is parsed directly
// with bufio.Scanner + strings.Fields, the same way the teacher corpus
// handles bespoke single-purpose line formats.
func Parse(r io.Reader) ([]Rule, error) {
	var rules []Rule
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rule, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("policy line %d: %w", lineNo, err)
		}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read policy rules: %w", err)
	}
	return rules, nil
}

func parseLine(line string) (Rule, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Rule{}, fmt.Errorf("empty rule")
	}

	var rule Rule
	i := 0

	switch strings.ToLower(fields[i]) {
	case "default":
		rule.Filter = FilterDefault
		i++
	case "listen":
		if len(fields) < i+3 || !strings.EqualFold(fields[i+1], "port") {
			return Rule{}, fmt.Errorf("expected 'listen port N', got %q", line)
		}
		port, err := strconv.Atoi(fields[i+2])
		if err != nil {
			return Rule{}, fmt.Errorf("invalid listen port %q: %w", fields[i+2], err)
		}
		rule.Filter = FilterListenPort
		rule.ListenPort = port
		i += 3
	case "dst":
		if len(fields) < i+3 {
			return Rule{}, fmt.Errorf("expected 'dst ip|domain VALUE', got %q", line)
		}
		switch strings.ToLower(fields[i+1]) {
		case "ip":
			cidr, err := normalizeCIDR(fields[i+2])
			if err != nil {
				return Rule{}, fmt.Errorf("invalid dst ip %q: %w", fields[i+2], err)
			}
			rule.Filter = FilterDstIP
			rule.CIDR = cidr
		case "domain":
			rule.Filter = FilterDstDomain
			rule.Domain = normalizeDomain(fields[i+2])
		default:
			return Rule{}, fmt.Errorf("unknown dst filter %q", fields[i+1])
		}
		i += 3
	default:
		return Rule{}, fmt.Errorf("unknown filter keyword %q", fields[i])
	}

	if i >= len(fields) {
		return Rule{}, fmt.Errorf("missing action")
	}

	actionWord := fields[i]
	bare, priority := splitPriority(actionWord)
	rule.Priority = priority
	if priority > MaxPriority {
		return Rule{}, fmt.Errorf("priority %d exceeds max %d", priority, MaxPriority)
	}

	switch strings.ToLower(bare) {
	case "direct":
		rule.Action = ActionDirect
		i++
	case "reject":
		rule.Action = ActionReject
		i++
	case "require":
		rule.Action = ActionRequire
		i++
		caps, err := parseRequireCaps(fields[i:])
		if err != nil {
			return Rule{}, err
		}
		rule.RequireCaps = caps
	default:
		return Rule{}, fmt.Errorf("unknown action %q", actionWord)
	}

	return rule, nil
}

// splitPriority strips trailing '!' characters from an action keyword and
// returns the bare keyword plus the count (spec §6.6).
func splitPriority(word string) (string, int) {
	n := 0
	for len(word) > 0 && word[len(word)-1] == '!' {
		word = word[:len(word)-1]
		n++
	}
	return word, n
}

// parseRequireCaps consumes "CAP (or CAP)*" tokens, lowercasing each.
func parseRequireCaps(tokens []string) ([]string, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("require action needs at least one capability")
	}
	var caps []string
	expectCap := true
	for _, tok := range tokens {
		if strings.EqualFold(tok, "or") {
			if expectCap {
				return nil, fmt.Errorf("unexpected 'or' in require clause")
			}
			expectCap = true
			continue
		}
		if !expectCap {
			return nil, fmt.Errorf("expected 'or' between capabilities, got %q", tok)
		}
		caps = append(caps, strings.ToLower(tok))
		expectCap = false
	}
	if expectCap {
		return nil, fmt.Errorf("trailing 'or' in require clause")
	}
	return caps, nil
}

func normalizeCIDR(s string) (string, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return "", err
		}
		bits := 32
		if addr.Is6() {
			bits = 128
		}
		return fmt.Sprintf("%s/%d", addr.String(), bits), nil
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return "", err
	}
	return prefix.Masked().String(), nil
}

func normalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSuffix(s, "."))
	if s == "." || s == "" {
		return ""
	}
	return s
}

// Serialize renders rules back into the policy file grammar, one rule per
// line, used by operators to re-save a programmatically built rule set
// and by the parse/serialize round-trip test (spec §8).
func Serialize(rules []Rule) string {
	var b strings.Builder
	for _, r := range rules {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	return b.String()
}
