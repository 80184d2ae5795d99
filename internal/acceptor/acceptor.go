// Package acceptor implements the per-listen-port client acceptor (spec
// §4.6): for each accepted socket it determines whether the connection
// arrived via kernel NAT redirection (transparent mode) or carries an
// inline SOCKSv5 greeting (spec §6.3), and recovers the destination
// either way.
package acceptor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/moproxy-go/moproxy/internal/platform"
	"github.com/moproxy-go/moproxy/internal/upstream"
)

// Mode distinguishes how the destination was recovered (spec §4.6).
type Mode int

const (
	ModeTransparent Mode = iota
	ModeSocksIn
)

func (m Mode) String() string {
	if m == ModeTransparent {
		return "transparent"
	}
	return "socks-in"
}

// greetDeadline bounds how long the acceptor waits for the SOCKSv5
// greeting/request once it has committed to socks-in mode.
const greetDeadline = 5 * time.Second

// ErrUnrecognized means the socket was neither NAT-redirected nor opened
// an inline SOCKSv5 greeting; the caller should simply close it (spec
// §4.6 step 3).
var ErrUnrecognized = errors.New("acceptor: connection is neither transparent nor SOCKSv5")

// Accepted is one recovered connection, ready for sniffing/policy/dial.
type Accepted struct {
	Conn       net.Conn
	Mode       Mode
	ListenPort int

	DestIP     netip.Addr // valid when the destination was given as an IP literal
	DestPort   uint16
	DestDomain string // set instead of DestIP when SOCKS carried a domain name (spec §4.6: "Hostname from SOCKSv5 has priority over later SNI sniffing")
}

// HostPort renders the destination as a dial-ready "host:port" string.
func (a *Accepted) HostPort() string {
	host := a.DestDomain
	if host == "" {
		host = a.DestIP.String()
	}
	return net.JoinHostPort(host, fmt.Sprint(a.DestPort))
}

// Listener wraps a TCP listener bound to one configured port, running the
// acceptor state machine of spec §4.6 per connection.
type Listener struct {
	ln   *net.TCPListener
	port int
}

// Listen binds addr (host:port) and returns a ready-to-use Listener.
func Listen(addr string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Port is the bound listen port (useful when addr requested port 0).
func (l *Listener) Port() int { return l.port }

// Accept blocks for the next connection and classifies it (spec §4.6).
// On ErrUnrecognized the underlying socket has already been closed.
func (l *Listener) Accept() (*Accepted, error) {
	conn, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, err
	}

	if dst, err := platform.OriginalDestination(conn); err == nil {
		return &Accepted{
			Conn:       conn,
			Mode:       ModeTransparent,
			ListenPort: l.port,
			DestIP:     dst.Addr(),
			DestPort:   dst.Port(),
		}, nil
	}

	acc, err := classifySocksIn(conn, l.port)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return acc, nil
}

// classifySocksIn peeks one byte; SOCKSv5's version marker 0x05 commits
// to parsing the RFC1928 greeting + CONNECT request (spec §4.6 step 2,
// §6.3). Any other leading byte, or a peek timeout, is unrecognized.
func classifySocksIn(conn net.Conn, listenPort int) (*Accepted, error) {
	if err := conn.SetDeadline(time.Now().Add(greetDeadline)); err != nil {
		return nil, fmt.Errorf("set greeting deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	if first[0] != 0x05 {
		return nil, ErrUnrecognized
	}

	dest, err := socks5Greet(context.Background(), br, conn)
	if err != nil {
		return nil, fmt.Errorf("socks5 downstream greeting: %w", err)
	}

	acc := &Accepted{
		Conn:       &bufferedConn{Conn: conn, r: br},
		Mode:       ModeSocksIn,
		ListenPort: listenPort,
		DestPort:   dest.Port,
	}
	if dest.Domain != "" {
		acc.DestDomain = dest.Domain
	} else {
		ip, ok := netip.AddrFromSlice(dest.IP)
		if !ok {
			return nil, fmt.Errorf("socks5 downstream: invalid destination address")
		}
		acc.DestIP = ip.Unmap()
	}
	return acc, nil
}

const (
	socksVersion5 = 0x05
	methodNoAuth  = 0x00
	methodReject  = 0xff
	cmdConnect    = 0x01
	replyOK       = 0x00
	replyCmdError = 0x07
)

// socks5Greet implements the downstream half of RFC1928: NO-AUTH only
// (spec §6.3), CONNECT with IPv4/IPv6/domain destinations.
func socks5Greet(_ context.Context, r *bufio.Reader, w net.Conn) (upstream.Destination, error) {
	var hdr [2]byte
	if _, err := readFull(r, hdr[:]); err != nil {
		return upstream.Destination{}, fmt.Errorf("read greeting header: %w", err)
	}
	if hdr[0] != socksVersion5 {
		return upstream.Destination{}, fmt.Errorf("unexpected socks version 0x%02x", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := readFull(r, methods); err != nil {
		return upstream.Destination{}, fmt.Errorf("read auth methods: %w", err)
	}

	accepted := false
	for _, m := range methods {
		if m == methodNoAuth {
			accepted = true
			break
		}
	}
	if !accepted {
		w.Write([]byte{socksVersion5, methodReject})
		return upstream.Destination{}, fmt.Errorf("client offered no acceptable auth method")
	}
	if _, err := w.Write([]byte{socksVersion5, methodNoAuth}); err != nil {
		return upstream.Destination{}, fmt.Errorf("write method selection: %w", err)
	}

	var req [3]byte
	if _, err := readFull(r, req[:]); err != nil {
		return upstream.Destination{}, fmt.Errorf("read request header: %w", err)
	}
	if req[0] != socksVersion5 {
		return upstream.Destination{}, fmt.Errorf("unexpected socks version 0x%02x in request", req[0])
	}
	if req[1] != cmdConnect {
		w.Write(buildReply(replyCmdError))
		return upstream.Destination{}, fmt.Errorf("unsupported socks command 0x%02x", req[1])
	}

	dest, err := upstream.ReadAddress(r)
	if err != nil {
		return upstream.Destination{}, fmt.Errorf("read destination: %w", err)
	}

	if _, err := w.Write(buildReply(replyOK)); err != nil {
		return upstream.Destination{}, fmt.Errorf("write reply: %w", err)
	}
	return dest, nil
}

// buildReply renders a SOCKSv5 reply with a zero-valued BND.ADDR/BND.PORT
// — moproxy never actually binds a distinct address for downstream
// replies, matching the Shadowsocks-style zero-length/zero-value bound
// address accepted on the upstream side (spec §6.1) applied symmetrically
// here for the downstream listener.
func buildReply(code byte) []byte {
	return []byte{socksVersion5, code, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// bufferedConn prepends bytes already consumed into br's buffer (from the
// SOCKSv5 greeting parse) to the live read stream.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) { return c.r.Read(b) }
