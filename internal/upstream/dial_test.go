package upstream

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/moproxy-go/moproxy/internal/fleet"
)

// RFC1928 wire constants used only to script the fake SOCKS5 server below;
// the real client-side handshake now lives in golang.org/x/net/proxy.
const (
	testSocksVersion5   = 0x05
	testMethodNoAuth    = 0x00
	testMethodUserPass  = 0x02
	testUserPassVersion = 0x01
	testUserPassSuccess = 0x00
	testReplySucceeded  = 0x00
)

// fakeSocks5Server accepts one connection, completes a NO-AUTH greeting (or
// a username/password one when requireAuth is set) and a CONNECT request,
// then replies success with an empty BND.ADDR.
func fakeSocks5Server(t *testing.T, requireAuth bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var hdr [2]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		methods := make([]byte, hdr[1])
		if _, err := io.ReadFull(conn, methods); err != nil {
			return
		}
		chosen := byte(testMethodNoAuth)
		if requireAuth {
			chosen = testMethodUserPass
		}
		conn.Write([]byte{testSocksVersion5, chosen})

		if requireAuth {
			var authHdr [2]byte
			io.ReadFull(conn, authHdr[:])
			uname := make([]byte, authHdr[1])
			io.ReadFull(conn, uname)
			var plen [1]byte
			io.ReadFull(conn, plen[:])
			passwd := make([]byte, plen[0])
			io.ReadFull(conn, passwd)
			conn.Write([]byte{testUserPassVersion, testUserPassSuccess})
		}

		var reqHdr [3]byte
		if _, err := io.ReadFull(conn, reqHdr[:]); err != nil {
			return
		}
		if _, err := ReadAddress(conn); err != nil {
			return
		}
		// Reply success with a zero-length domain BND.ADDR.
		conn.Write([]byte{testSocksVersion5, testReplySucceeded, 0x00, byte(AddrDomain), 0x00, 0x00, 0x00})
	}()
	return ln.Addr().String()
}

func TestDialSOCKS5_NoAuth(t *testing.T) {
	addr := fakeSocks5Server(t, false)
	id := fleet.Identity{Tag: "p", Addr: addr, Protocol: fleet.SOCKS5}
	conn, err := Dial(context.Background(), id, fleet.Config{}, "example.com:80")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}

func TestDialSOCKS5_UserPassAuth(t *testing.T) {
	addr := fakeSocks5Server(t, true)
	id := fleet.Identity{Tag: "p", Addr: addr, Protocol: fleet.SOCKS5}
	cfg := fleet.Config{SocksUser: "u", SocksPass: "p"}
	conn, err := Dial(context.Background(), id, cfg, "example.com:80")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}

func fakeHTTPConnectServer(t *testing.T, status int) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		req.Body.Close()
		if status == http.StatusOK {
			conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		} else {
			conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
		}
	}()
	return ln.Addr().String()
}

func TestDialHTTP_Success(t *testing.T) {
	addr := fakeHTTPConnectServer(t, http.StatusOK)
	id := fleet.Identity{Tag: "p", Addr: addr, Protocol: fleet.HTTPConnect}
	conn, err := Dial(context.Background(), id, fleet.Config{}, "example.com:443")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}

func TestDialHTTP_NonSuccessStatus(t *testing.T) {
	addr := fakeHTTPConnectServer(t, http.StatusProxyAuthRequired)
	id := fleet.Identity{Tag: "p", Addr: addr, Protocol: fleet.HTTPConnect}
	_, err := Dial(context.Background(), id, fleet.Config{}, "example.com:443")
	if err == nil {
		t.Fatal("expected error for non-2xx CONNECT response")
	}
}

func TestDial_UnsupportedProtocol(t *testing.T) {
	id := fleet.Identity{Tag: "p", Addr: "127.0.0.1:1", Protocol: fleet.Protocol(99)}
	_, err := Dial(context.Background(), id, fleet.Config{}, "example.com:80")
	if err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}

func TestDialSOCKS5_TimesOutOnUnresponsiveServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}()

	id := fleet.Identity{Tag: "p", Addr: ln.Addr().String(), Protocol: fleet.SOCKS5}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Dial(ctx, id, fleet.Config{}, "example.com:80")
	if err == nil {
		t.Fatal("expected error on context deadline")
	}
}
