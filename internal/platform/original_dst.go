// Package platform isolates the OS-specific glue spec §6.4 calls for:
// recovering a transparently redirected connection's pre-NAT destination
// via SO_ORIGINAL_DST. Only Linux is supported (spec §1); other platforms
// get a stub that always returns ErrUnsupported so the rest of the
// module still builds and runs in acceptor-only (non-transparent) modes.
package platform

import (
	"errors"
	"net/netip"
)

// ErrUnsupported is returned by OriginalDestination on platforms without
// a transparent-redirect implementation.
var ErrUnsupported = errors.New("platform: transparent redirect recovery not supported on this OS")

// ErrNotRedirected means the socket was accepted normally (not via NAT
// redirection), so the caller should fall back to peeking for an inline
// SOCKSv5 greeting (spec §4.6 step 2).
var ErrNotRedirected = errors.New("platform: socket was not NAT-redirected")

// AddrPort is the decoded pre-NAT destination.
type AddrPort = netip.AddrPort
