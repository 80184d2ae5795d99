package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/moproxy-go/moproxy/internal/policy"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.rules")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	return path
}

func TestLoadPolicy(t *testing.T) {
	path := writePolicyFile(t, `
# loopback traffic never leaves the host
dst ip 127.0.0.0/8 direct
dst domain example.com require us
default direct
`)

	engine, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	dstIP := netip.MustParseAddr("203.0.113.5")

	d := engine.Evaluate(policy.Query{ListenPort: 1080, DstIP: dstIP, DstDomain: "api.example.com"})
	if d.Action != policy.ActionRequire {
		t.Errorf("expected require action for api.example.com, got %v", d.Action)
	}

	d = engine.Evaluate(policy.Query{ListenPort: 1080, DstIP: dstIP, DstDomain: "unrelated.test"})
	if d.Action != policy.ActionDirect {
		t.Errorf("expected default direct action, got %v", d.Action)
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.rules")); err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestLoadPolicy_ParseError(t *testing.T) {
	path := writePolicyFile(t, "dst ip not-an-ip direct\n")
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}
