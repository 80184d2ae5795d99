// Package config loads the two on-disk formats moproxy reads at startup
// and on SIGHUP reload: the INI server list (spec §6.5) and, via
// internal/policy, the policy rules file (spec §6.6).
package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/moproxy-go/moproxy/internal/fleet"
)

// defaultMaxWait matches fleet.Config's own default but is kept local so
// this package doesn't need an exported constant from fleet for it.
const defaultMaxWait = 4 * time.Second

// LoadServerList parses the INI grammar of spec §6.5: one section per
// proxy tag, case-insensitive keys with spaces allowed ("max wait",
// "socks username", …). It uses gopkg.in/ini.v1's insensitive-load mode
// so key lookups don't need a manual case-folding pass, matching how the
// rest of the retrieved corpus (athena-dhcpd's internal/config) leans on
// a real parsing library rather than hand-rolled section scanning.
func LoadServerList(path string) ([]fleet.ReloadEntry, error) {
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return nil, fmt.Errorf("load server list %s: %w", path, err)
	}

	var entries []fleet.ReloadEntry
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		entry, err := parseServerSection(section)
		if err != nil {
			return nil, fmt.Errorf("server list %s, section [%s]: %w", path, section.Name(), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseServerSection(section *ini.Section) (fleet.ReloadEntry, error) {
	tag := section.Name()

	addr := section.Key("address").String()
	if addr == "" {
		return fleet.ReloadEntry{}, fmt.Errorf("missing required key 'address'")
	}
	if _, err := netip.ParseAddrPort(addr); err != nil {
		return fleet.ReloadEntry{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	protoStr := strings.ToLower(section.Key("protocol").String())
	var proto fleet.Protocol
	switch protoStr {
	case "socks5":
		proto = fleet.SOCKS5
	case "http":
		proto = fleet.HTTPConnect
	case "":
		return fleet.ReloadEntry{}, fmt.Errorf("missing required key 'protocol'")
	default:
		return fleet.ReloadEntry{}, fmt.Errorf("unsupported protocol %q (want socks5 or http)", protoStr)
	}

	maxWait := defaultMaxWait
	if raw := section.Key("max wait").String(); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return fleet.ReloadEntry{}, fmt.Errorf("invalid 'max wait' %q: %w", raw, err)
		}
		maxWait = time.Duration(secs) * time.Second
	}

	scoreBase := int32(0)
	if raw := section.Key("score base").String(); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return fleet.ReloadEntry{}, fmt.Errorf("invalid 'score base' %q: %w", raw, err)
		}
		scoreBase = int32(v)
	}

	caps := make(map[string]struct{})
	for _, tok := range strings.Fields(section.Key("capabilities").String()) {
		caps[strings.ToLower(tok)] = struct{}{}
	}

	cfg := fleet.Config{
		TestDNS:      section.Key("test dns").String(),
		MaxWait:      maxWait,
		ScoreBase:    scoreBase,
		Capabilities: caps,
		SocksUser:    section.Key("socks username").String(),
		SocksPass:    section.Key("socks password").String(),
		HTTPUser:     section.Key("http username").String(),
		HTTPPass:     section.Key("http password").String(),
	}

	return fleet.ReloadEntry{
		Identity: fleet.Identity{Tag: tag, Addr: addr, Protocol: proto},
		Config:   cfg,
	}, nil
}
