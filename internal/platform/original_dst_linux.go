//go:build linux

package platform

import (
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// soOriginalDst / ip6tOriginalDst are the getsockopt option numbers
// REDIRECT/TPROXY register under SOL_IP and SOL_IPV6 respectively (spec
// §6.4). Both happen to be numbered 80 by the netfilter targets that
// define them.
const (
	soOriginalDst   = 80
	ip6tOriginalDst = 80
)

// rawSockaddrIn mirrors struct sockaddr_in as returned by SO_ORIGINAL_DST.
type rawSockaddrIn struct {
	Family uint16
	Port   [2]byte
	Addr   [4]byte
	Zero   [8]byte
}

// rawSockaddrIn6 mirrors struct sockaddr_in6 as returned by
// IP6T_SO_ORIGINAL_DST.
type rawSockaddrIn6 struct {
	Family   uint16
	Port     [2]byte
	Flowinfo [4]byte
	Addr     [16]byte
	ScopeID  [4]byte
}

// OriginalDestination recovers the pre-NAT destination of a TCP
// connection redirected by the kernel's REDIRECT/TPROXY targets (spec
// §6.4). It returns ErrNotRedirected if conn's local/remote addressing
// indicates it was accepted normally rather than via NAT redirection.
func OriginalDestination(conn *net.TCPConn) (AddrPort, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return AddrPort{}, fmt.Errorf("get raw conn: %w", err)
	}

	localAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return AddrPort{}, fmt.Errorf("unexpected local addr type %T", conn.LocalAddr())
	}
	isV6 := localAddr.IP.To4() == nil

	var (
		dst   AddrPort
		opErr error
	)
	ctrlErr := raw.Control(func(fd uintptr) {
		if isV6 {
			dst, opErr = getOriginalDstV6(fd)
		} else {
			dst, opErr = getOriginalDstV4(fd)
		}
	})
	if ctrlErr != nil {
		return AddrPort{}, fmt.Errorf("control raw conn: %w", ctrlErr)
	}
	if opErr != nil {
		return AddrPort{}, opErr
	}

	// A socket that was not NAT-redirected reflects its own locally bound
	// address back from SO_ORIGINAL_DST (spec §6.4 "If getsockname
	// reveals that the socket was not NAT-redirected, transparent mode is
	// rejected").
	if dst.Addr() == localAddr.AddrPort().Addr() && dst.Port() == uint16(localAddr.Port) {
		return AddrPort{}, ErrNotRedirected
	}
	return dst, nil
}

func getOriginalDstV4(fd uintptr) (AddrPort, error) {
	var raw rawSockaddrIn
	size := uint32(unsafe.Sizeof(raw))
	if err := getsockopt(fd, unix.SOL_IP, soOriginalDst, unsafe.Pointer(&raw), &size); err != nil {
		return AddrPort{}, fmt.Errorf("getsockopt SO_ORIGINAL_DST: %w", err)
	}
	port := uint16(raw.Port[0])<<8 | uint16(raw.Port[1])
	addr := netip.AddrFrom4(raw.Addr)
	return netip.AddrPortFrom(addr, port), nil
}

func getOriginalDstV6(fd uintptr) (AddrPort, error) {
	var raw rawSockaddrIn6
	size := uint32(unsafe.Sizeof(raw))
	if err := getsockopt(fd, unix.SOL_IPV6, ip6tOriginalDst, unsafe.Pointer(&raw), &size); err != nil {
		return AddrPort{}, fmt.Errorf("getsockopt IP6T_SO_ORIGINAL_DST: %w", err)
	}
	port := uint16(raw.Port[0])<<8 | uint16(raw.Port[1])
	addr := netip.AddrFrom16(raw.Addr)
	return netip.AddrPortFrom(addr.Unmap(), port), nil
}

func getsockopt(fd uintptr, level, name int, val unsafe.Pointer, vallen *uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		fd,
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(vallen)),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
