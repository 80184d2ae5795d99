//go:build !linux

package platform

import "net"

// OriginalDestination always reports ErrUnsupported outside Linux: this
// module's transparent-redirect support is Linux-only (spec §1), but the
// stub keeps the rest of the tree building on other platforms for
// development and the inline-SOCKSv5-only acceptor mode.
func OriginalDestination(conn *net.TCPConn) (AddrPort, error) {
	return AddrPort{}, ErrUnsupported
}
