package upstream

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"

	"github.com/moproxy-go/moproxy/internal/fleet"
)

// dialHTTP performs an HTTP CONNECT handshake (spec §6.2) against id.Addr.
// Any 2xx status is success; everything else is a handshake error.
func dialHTTP(ctx context.Context, id fleet.Identity, cfg fleet.Config, destination string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", id.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", id.Addr, err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	req, err := http.NewRequest(http.MethodConnect, "//"+destination, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build CONNECT request: %w", err)
	}
	req.Host = destination
	if cfg.HTTPUser != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.HTTPUser + ":" + cfg.HTTPPass))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy CONNECT failed: %s", resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}
