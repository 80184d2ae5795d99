package upstream

import (
	"context"
	"fmt"
	"net"

	"github.com/moproxy-go/moproxy/internal/fleet"
)

// Dial opens a TCP pipe to destination ("host:port") through the upstream
// proxy named by id, using cfg's protocol and credentials.
func Dial(ctx context.Context, id fleet.Identity, cfg fleet.Config, destination string) (net.Conn, error) {
	switch id.Protocol {
	case fleet.SOCKS5:
		return dialSOCKS5(ctx, id, cfg, destination)
	case fleet.HTTPConnect:
		return dialHTTP(ctx, id, cfg, destination)
	default:
		return nil, fmt.Errorf("unsupported upstream protocol: %s", id.Protocol)
	}
}
