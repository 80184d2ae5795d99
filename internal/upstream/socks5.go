package upstream

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"

	"github.com/moproxy-go/moproxy/internal/fleet"
)

// dialSOCKS5 performs the RFC1928 CONNECT handshake (NO-AUTH or RFC1929
// user/pass) against id.Addr via golang.org/x/net/proxy, the same dialer
// the teacher's upstream package wires for its SOCKS5 upstreams
// (_examples/drsoft-oss-proxyrotator/internal/upstream/dialer.go),
// adapted here from a *url.URL target to fleet.Identity/fleet.Config.
func dialSOCKS5(ctx context.Context, id fleet.Identity, cfg fleet.Config, destination string) (net.Conn, error) {
	var auth *proxy.Auth
	if cfg.SocksUser != "" {
		auth = &proxy.Auth{User: cfg.SocksUser, Password: cfg.SocksPass}
	}

	dialer, err := proxy.SOCKS5("tcp", id.Addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer for %s: %w", id.Addr, err)
	}

	// golang.org/x/net/proxy's SOCKS5 dialer has implemented the
	// context-aware interface since Go 1.15; fall back to the blocking
	// Dial only if a future proxy.Direct swap ever stops providing it.
	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", destination)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial %s via %s: %w", destination, id.Addr, err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", destination)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s via %s: %w", destination, id.Addr, err)
	}
	return conn, nil
}
