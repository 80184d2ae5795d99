// Package prober implements the active fleet prober (spec §4.3): dial an
// upstream proxy, perform its handshake, issue a canned DNS A-query through
// the tunnel, and time the first byte of the response.
package prober

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/moproxy-go/moproxy/internal/fleet"
	"github.com/moproxy-go/moproxy/internal/upstream"
)

// defaultTestDNS is used when a proxy's configuration leaves TestDNS empty.
const defaultTestDNS = "8.8.8.8:53"

const probeQueryName = "www.google.com."

// Active dials through the upstream proxy named by the probe target and
// times a canned DNS round trip. It implements fleet.Prober.
type Active struct{}

// NewActive returns a ready-to-use Active prober.
func NewActive() *Active { return &Active{} }

func (a *Active) Probe(ctx context.Context, target fleet.ProbeTarget) (time.Duration, bool, error) {
	testDNS := target.Config.TestDNS
	if testDNS == "" {
		testDNS = defaultTestDNS
	}

	conn, err := upstream.Dial(ctx, target.Identity, target.Config, testDNS)
	if err != nil {
		return 0, isTimeout(ctx, err), fmt.Errorf("probe dial/handshake: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	query := new(dns.Msg)
	query.SetQuestion(probeQueryName, dns.TypeA)
	// SetQuestion assigns a fresh random Id; spec §4.3 pins the probe
	// query's transaction id to 0x0000, so it must be set after.
	query.Id = 0x0000
	query.RecursionDesired = true

	wire, err := query.Pack()
	if err != nil {
		return 0, false, fmt.Errorf("pack probe query: %w", err)
	}

	start := time.Now()
	if err := writeTCPFramed(conn, wire); err != nil {
		return 0, isTimeout(ctx, err), fmt.Errorf("write probe query: %w", err)
	}

	var firstByte [1]byte
	if _, err := conn.Read(firstByte[:]); err != nil {
		return 0, isTimeout(ctx, err), fmt.Errorf("read probe response: %w", err)
	}
	return time.Since(start), false, nil
}

// writeTCPFramed writes a DNS message using the 2-byte length prefix
// required for DNS-over-TCP (RFC1035 §4.2.2), matching how a TCP-capable
// resolver expects queries relayed through the proxy tunnel.
func writeTCPFramed(conn net.Conn, msg []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(msg)
	return err
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
