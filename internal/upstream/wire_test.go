package upstream

import (
	"bytes"
	"testing"
)

func TestWriteReadAddress_IPv4(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAddress(&buf, "192.0.2.1:443"); err != nil {
		t.Fatalf("WriteAddress: %v", err)
	}
	d, err := ReadAddress(&buf)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if d.Type != AddrIPv4 || d.Port != 443 || d.IP.String() != "192.0.2.1" {
		t.Fatalf("unexpected destination: %+v", d)
	}
}

func TestWriteReadAddress_IPv6(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAddress(&buf, "[2001:db8::1]:8080"); err != nil {
		t.Fatalf("WriteAddress: %v", err)
	}
	d, err := ReadAddress(&buf)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if d.Type != AddrIPv6 || d.Port != 8080 {
		t.Fatalf("unexpected destination: %+v", d)
	}
}

func TestWriteReadAddress_Domain(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAddress(&buf, "example.com:80"); err != nil {
		t.Fatalf("WriteAddress: %v", err)
	}
	d, err := ReadAddress(&buf)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if d.Type != AddrDomain || d.Domain != "example.com" || d.Port != 80 {
		t.Fatalf("unexpected destination: %+v", d)
	}
}

func TestReadAddress_ZeroLengthDomain(t *testing.T) {
	// Shadowsocks-style BND.ADDR: ATYP=domain, length=0, then port only.
	buf := bytes.NewBuffer([]byte{byte(AddrDomain), 0x00, 0x00, 0x00})
	d, err := ReadAddress(buf)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if d.Domain != "" {
		t.Fatalf("expected empty domain, got %q", d.Domain)
	}
}
