// Package upstream handles dialing through SOCKS5 and HTTP CONNECT
// upstream proxies.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/drsoft-oss/hydragate/internal/pool"
)

// maxConnectResponse bounds how many header bytes an upstream may send
// before the blank line terminating its CONNECT response.
const maxConnectResponse = 8 << 10

// Dial opens a TCP connection to destination through the upstream proxy.
// destination must be in "host:port" form. The returned conn is a raw
// TCP pipe ready for bidirectional tunneling.
func Dial(ctx context.Context, px pool.Proxy, destination string) (net.Conn, error) {
	switch px.Protocol {
	case pool.ProtoHTTP, pool.ProtoHTTPS:
		return dialHTTP(ctx, px, destination)
	case pool.ProtoSOCKS5:
		return dialSOCKS5(ctx, px, destination)
	default:
		return nil, fmt.Errorf("unsupported upstream protocol: %s", px.Protocol)
	}
}

// dialHTTP sends a plaintext HTTP CONNECT request to the upstream proxy
// and returns the connection once the tunnel is established.
func dialHTTP(ctx context.Context, px pool.Proxy, destination string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", px.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy %s: %w", px.Addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", destination, destination)
	if px.HasAuth() {
		creds := base64.StdEncoding.EncodeToString([]byte(px.User + ":" + px.Pass))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", creds)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write(req.Bytes()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := readConnectResponse(br)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if !connectSucceeded(resp) {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy CONNECT failed: %s", statusLine(resp))
	}

	// Tunnel is up; further reads must not inherit the handshake deadline.
	_ = conn.SetDeadline(time.Time{})

	// If the bufio reader consumed bytes beyond the response headers, wrap
	// conn to replay them. In practice this doesn't happen on a clean
	// CONNECT tunnel.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// readConnectResponse accumulates response bytes until the blank line
// that ends the header block.
func readConnectResponse(br *bufio.Reader) ([]byte, error) {
	var resp []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		resp = append(resp, b)
		if bytes.HasSuffix(resp, []byte("\r\n\r\n")) {
			return resp, nil
		}
		if len(resp) > maxConnectResponse {
			return nil, fmt.Errorf("response headers exceed %d bytes", maxConnectResponse)
		}
	}
}

// connectSucceeded reports whether the response starts with an HTTP/1.x
// 200 status.
func connectSucceeded(resp []byte) bool {
	return bytes.HasPrefix(resp, []byte("HTTP/1.1 200")) ||
		bytes.HasPrefix(resp, []byte("HTTP/1.0 200"))
}

// statusLine extracts the first response line for error messages.
func statusLine(resp []byte) string {
	if i := bytes.Index(resp, []byte("\r\n")); i >= 0 {
		return string(resp[:i])
	}
	return string(resp)
}

// dialSOCKS5 dials through a SOCKS5 upstream proxy.
func dialSOCKS5(ctx context.Context, px pool.Proxy, destination string) (net.Conn, error) {
	var auth *proxy.Auth
	if px.HasAuth() {
		auth = &proxy.Auth{User: px.User, Password: px.Pass}
	}

	dialer, err := proxy.SOCKS5("tcp", px.Addr(), auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}

	// Use the context-aware interface if available (golang.org/x/net/proxy
	// implements it since Go 1.15).
	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", destination)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", destination)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
	}
	return conn, nil
}

// bufferedConn wraps a net.Conn and prepends already-buffered bytes to
// the read stream. Used when bufio.Reader consumed extra bytes from a
// CONNECT response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
