package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/moproxy-go/moproxy/internal/fleet"
)

func writeServerList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.ini")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write server list: %v", err)
	}
	return path
}

func TestLoadServerList(t *testing.T) {
	path := writeServerList(t, `
[us-1]
Address = 203.0.113.10:1080
Protocol = socks5
Max Wait = 6
Score Base = -100
Capabilities = us streaming
Socks Username = alice
Socks Password = secret

[eu-1]
address = 198.51.100.20:3128
protocol = http
`)

	entries, err := LoadServerList(path)
	if err != nil {
		t.Fatalf("LoadServerList: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	byTag := map[string]fleet.ReloadEntry{}
	for _, e := range entries {
		byTag[e.Identity.Tag] = e
	}

	us1, ok := byTag["us-1"]
	if !ok {
		t.Fatal("missing us-1 section")
	}
	if us1.Identity.Protocol != fleet.SOCKS5 {
		t.Errorf("expected socks5 protocol, got %v", us1.Identity.Protocol)
	}
	if us1.Config.MaxWait != 6*time.Second {
		t.Errorf("expected max wait 6s, got %v", us1.Config.MaxWait)
	}
	if us1.Config.ScoreBase != -100 {
		t.Errorf("expected score base -100, got %d", us1.Config.ScoreBase)
	}
	if !us1.Config.HasCapability("us") || !us1.Config.HasCapability("streaming") {
		t.Errorf("expected us+streaming capabilities, got %+v", us1.Config.Capabilities)
	}
	if us1.Config.SocksUser != "alice" || us1.Config.SocksPass != "secret" {
		t.Errorf("expected socks creds to round-trip")
	}

	eu1, ok := byTag["eu-1"]
	if !ok {
		t.Fatal("missing eu-1 section")
	}
	if eu1.Identity.Protocol != fleet.HTTPConnect {
		t.Errorf("expected http protocol, got %v", eu1.Identity.Protocol)
	}
	if eu1.Config.MaxWait != defaultMaxWait {
		t.Errorf("expected default max wait, got %v", eu1.Config.MaxWait)
	}
}

func TestLoadServerList_MissingAddress(t *testing.T) {
	path := writeServerList(t, "[bad]\nprotocol = socks5\n")
	if _, err := LoadServerList(path); err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestLoadServerList_UnknownProtocol(t *testing.T) {
	path := writeServerList(t, "[bad]\naddress = 1.2.3.4:80\nprotocol = ssh\n")
	if _, err := LoadServerList(path); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}
