// Package sniff extracts a destination hostname from the initial bytes of
// a client connection without terminating the protocol (spec §4.5): a TLS
// ClientHello's SNI extension, or a plain HTTP request's Host header.
// Peeking is non-destructive — PeekSNI/PeekHTTPHost return any bytes they
// consumed so the caller can replay them ahead of the live stream once a
// hostname decision has been made.
package sniff

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// MaxPeek bounds how many bytes are read while sniffing (spec §4.5).
const MaxPeek = 2048

// Budget is the maximum time spent waiting for sniffable bytes before the
// orchestrator proceeds without a hostname (spec §4.5).
const Budget = 500 * time.Millisecond

// ErrNotSniffed means the peeked bytes did not contain the expected
// protocol framing; the orchestrator should continue without a hostname.
var ErrNotSniffed = errors.New("sniff: protocol not recognized")

// Result carries the extracted hostname and the raw bytes consumed from
// conn while sniffing, which must be replayed before relaying (spec §4.7
// "Handshake & forwarding").
type Result struct {
	Hostname string
	Peeked   []byte
}

// PeekSNI reads up to MaxPeek bytes from conn under Budget and extracts
// the server_name extension from a TLS ClientHello (spec §4.5).
func PeekSNI(ctx context.Context, conn net.Conn) (Result, error) {
	buf, err := peekUpTo(ctx, conn, MaxPeek)
	if err != nil {
		return Result{Peeked: buf}, err
	}
	host, err := parseClientHelloSNI(buf)
	if err != nil {
		return Result{Peeked: buf}, err
	}
	return Result{Hostname: host, Peeked: buf}, nil
}

// PeekHTTPHost reads up to MaxPeek bytes from conn under Budget and, if
// they parse as an HTTP request line + headers, extracts the Host header
// with any port stripped (spec §4.5).
func PeekHTTPHost(ctx context.Context, conn net.Conn) (Result, error) {
	buf, err := peekUpTo(ctx, conn, MaxPeek)
	if err != nil {
		return Result{Peeked: buf}, err
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return Result{Peeked: buf}, fmt.Errorf("%w: %v", ErrNotSniffed, err)
	}
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return Result{Peeked: buf}, ErrNotSniffed
	}
	return Result{Hostname: strings.ToLower(host), Peeked: buf}, nil
}

// peekUpTo reads whatever is available from conn (up to n bytes) within
// Budget, tolerating a short read — a probe round's single DNS query is
// far smaller than a full ClientHello, but the orchestrator only ever
// calls this against live client sockets carrying real request framing.
func peekUpTo(ctx context.Context, conn net.Conn, n int) ([]byte, error) {
	deadline := time.Now().Add(Budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set sniff deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, n)
	total := 0
	for total < n {
		m, err := conn.Read(buf[total:])
		total += m
		if err != nil {
			if total > 0 {
				break
			}
			return buf[:total], fmt.Errorf("%w: %v", ErrNotSniffed, err)
		}
		if m == 0 {
			break
		}
	}
	return buf[:total], nil
}

// TLS record/handshake constants needed to parse just far enough into a
// ClientHello to read the SNI extension (RFC 8446 §4.1.2).
const (
	recordTypeHandshake    = 0x16
	handshakeTypeClient    = 0x01
	extensionServerName    = 0x0000
	serverNameTypeHostName = 0x00
)

func parseClientHelloSNI(buf []byte) (string, error) {
	r := &cursor{b: buf}

	recordType, err := r.readByte()
	if err != nil || recordType != recordTypeHandshake {
		return "", ErrNotSniffed
	}
	if _, err := r.skip(2); err != nil { // legacy version
		return "", ErrNotSniffed
	}
	recordLen, err := r.uint16()
	if err != nil {
		return "", ErrNotSniffed
	}
	body, err := r.take(int(recordLen))
	if err != nil {
		return "", ErrNotSniffed
	}

	hr := &cursor{b: body}
	hsType, err := hr.readByte()
	if err != nil || hsType != handshakeTypeClient {
		return "", ErrNotSniffed
	}
	if _, err := hr.skip(3); err != nil { // handshake length (24-bit)
		return "", ErrNotSniffed
	}
	if _, err := hr.skip(2); err != nil { // client version
		return "", ErrNotSniffed
	}
	if _, err := hr.skip(32); err != nil { // random
		return "", ErrNotSniffed
	}
	sessIDLen, err := hr.readByte()
	if err != nil {
		return "", ErrNotSniffed
	}
	if _, err := hr.skip(int(sessIDLen)); err != nil {
		return "", ErrNotSniffed
	}
	cipherLen, err := hr.uint16()
	if err != nil {
		return "", ErrNotSniffed
	}
	if _, err := hr.skip(int(cipherLen)); err != nil {
		return "", ErrNotSniffed
	}
	compLen, err := hr.readByte()
	if err != nil {
		return "", ErrNotSniffed
	}
	if _, err := hr.skip(int(compLen)); err != nil {
		return "", ErrNotSniffed
	}

	if hr.remaining() == 0 {
		return "", ErrNotSniffed // no extensions: no SNI
	}
	extsLen, err := hr.uint16()
	if err != nil {
		return "", ErrNotSniffed
	}
	extsBody, err := hr.take(int(extsLen))
	if err != nil {
		return "", ErrNotSniffed
	}

	er := &cursor{b: extsBody}
	for er.remaining() > 0 {
		extType, err := er.uint16()
		if err != nil {
			return "", ErrNotSniffed
		}
		extLen, err := er.uint16()
		if err != nil {
			return "", ErrNotSniffed
		}
		extBody, err := er.take(int(extLen))
		if err != nil {
			return "", ErrNotSniffed
		}
		if extType != extensionServerName {
			continue
		}
		host, err := parseServerNameExtension(extBody)
		if err != nil {
			return "", err
		}
		return host, nil
	}
	return "", ErrNotSniffed
}

func parseServerNameExtension(body []byte) (string, error) {
	r := &cursor{b: body}
	listLen, err := r.uint16()
	if err != nil {
		return "", ErrNotSniffed
	}
	list, err := r.take(int(listLen))
	if err != nil {
		return "", ErrNotSniffed
	}
	lr := &cursor{b: list}
	for lr.remaining() > 0 {
		nameType, err := lr.readByte()
		if err != nil {
			return "", ErrNotSniffed
		}
		nameLen, err := lr.uint16()
		if err != nil {
			return "", ErrNotSniffed
		}
		name, err := lr.take(int(nameLen))
		if err != nil {
			return "", ErrNotSniffed
		}
		if nameType == serverNameTypeHostName {
			return strings.ToLower(string(name)), nil
		}
	}
	return "", ErrNotSniffed
}

// cursor is a tiny bounds-checked reader over a byte slice, used instead
// of bytes.Reader so short/truncated ClientHellos fail cleanly with
// ErrNotSniffed rather than a panic.
type cursor struct {
	b   []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.b) - c.pos }

func (c *cursor) readByte() (byte, error) {
	if c.remaining() < 1 {
		return 0, errTruncated
	}
	v := c.b[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) uint16() (uint16, error) {
	if c.remaining() < 2 {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint16(c.b[c.pos : c.pos+2])
	c.pos += 2
	return v, nil
}

func (c *cursor) skip(n int) (struct{}, error) {
	if c.remaining() < n {
		return struct{}{}, errTruncated
	}
	c.pos += n
	return struct{}{}, nil
}

func (c *cursor) take(n int) ([]byte, error) {
	if c.remaining() < n {
		return nil, errTruncated
	}
	v := c.b[c.pos : c.pos+n]
	c.pos += n
	return v, nil
}

var errTruncated = errors.New("sniff: truncated ClientHello")
