// Package server implements the local SOCKS5 server that clients
// connect to. Each accepted connection is handled by its own goroutine:
//
//   - SOCKS5 greeting and CONNECT request parsing (RFC 1928, no-auth only)
//   - Upstream selection over the live proxy subset via the rotation
//     strategies
//   - Upstream dial (SOCKS5 or HTTP CONNECT) and bidirectional relay
//
// The server also owns the runtime settings: listen host/port, rotation
// mode, and the running flag. Mode changes apply to the next accepted
// connection; host/port changes apply on the next Start.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drsoft-oss/hydragate/internal/metrics"
	"github.com/drsoft-oss/hydragate/internal/pool"
	"github.com/drsoft-oss/hydragate/internal/rotation"
	"github.com/drsoft-oss/hydragate/internal/upstream"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 10808
	DefaultDialTimeout = 30 * time.Second
)

// acceptPoll bounds each Accept call so the loop observes Stop promptly.
const acceptPoll = time.Second

// Settings validation errors surfaced to the command caller.
var (
	ErrInvalidHost = errors.New("listen host must be 127.0.0.1 or 0.0.0.0")
	ErrPortTooLow  = errors.New("listen port must be >= 1024")
)

// SOCKS5 wire constants.
const (
	socksVersion = 0x05

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded      = 0x00
	repGeneralFailure = 0x04
)

// Config holds the initial server settings.
type Config struct {
	Host        string
	Port        uint16
	Mode        rotation.Mode
	DialTimeout time.Duration
}

// Server is the local SOCKS5 multiplexer.
type Server struct {
	registry *pool.Registry
	mc       *metrics.Collectors // nil disables instrumentation

	running atomic.Bool
	port    atomic.Uint32

	mu   sync.Mutex // guards host and mode; never held across I/O
	host string
	mode rotation.Mode

	rrCursor    atomic.Uint64
	dialTimeout time.Duration
}

// New creates a Server. Call Start to begin accepting connections.
func New(reg *pool.Registry, mc *metrics.Collectors, cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Mode == "" {
		cfg.Mode = rotation.DefaultMode
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	s := &Server{
		registry:    reg,
		mc:          mc,
		host:        cfg.Host,
		mode:        cfg.Mode,
		dialTimeout: cfg.DialTimeout,
	}
	s.port.Store(uint32(cfg.Port))
	return s
}

// Running reports whether the listener is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Port returns the configured listen port.
func (s *Server) Port() uint16 {
	return uint16(s.port.Load())
}

// SetPort updates the listen port. Takes effect on the next Start.
func (s *Server) SetPort(port uint16) error {
	if port < 1024 {
		return ErrPortTooLow
	}
	s.port.Store(uint32(port))
	return nil
}

// Host returns the configured listen host.
func (s *Server) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// SetHost updates the listen host. Takes effect on the next Start.
func (s *Server) SetHost(host string) error {
	switch host {
	case "127.0.0.1", "0.0.0.0":
	default:
		return ErrInvalidHost
	}
	s.mu.Lock()
	s.host = host
	s.mu.Unlock()
	return nil
}

// Mode returns the current rotation mode.
func (s *Server) Mode() rotation.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode updates the rotation mode. Takes effect on the next accepted
// connection.
func (s *Server) SetMode(mode rotation.Mode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

// Start launches the listener goroutine. Calling Start while the server
// is already running is a no-op.
func (s *Server) Start() {
	if s.running.Swap(true) {
		return
	}
	addr := net.JoinHostPort(s.Host(), strconv.Itoa(int(s.Port())))
	go s.listen(addr)
}

// Stop flips the running flag. The listener exits within one accept
// poll interval; in-flight tunnels are left to drain naturally.
func (s *Server) Stop() {
	s.running.Store(false)
}

// listen binds addr and accepts connections until the running flag is
// cleared. A bind failure clears the flag and exits; no retry.
func (s *Server) listen(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("[server] bind %s: %v", addr, err)
		s.running.Store(false)
		return
	}
	defer ln.Close()
	log.Printf("[server] socks5 listening on %s", addr)

	tcpLn := ln.(*net.TCPListener)
	for s.running.Load() {
		_ = tcpLn.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := tcpLn.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Printf("[server] accept: %v", err)
			continue
		}
		// The handler owns a snapshot of the mode; later SetMode calls
		// only affect connections accepted after them.
		mode := s.Mode()
		if s.mc != nil {
			s.mc.ConnsAccepted.Inc()
		}
		go s.handleConn(conn, mode)
	}
	log.Printf("[server] socks5 listener on %s stopped", addr)
}

// -----------------------------------------------------------------------
// Connection handling
// -----------------------------------------------------------------------

func (s *Server) handleConn(clientConn net.Conn, mode rotation.Mode) {
	defer clientConn.Close()

	if err := s.serveSOCKS(clientConn, mode); err != nil {
		if s.mc != nil {
			s.mc.HandlerErrors.Inc()
		}
		log.Printf("[server] client %s: %v", clientConn.RemoteAddr(), err)
	}
}

// serveSOCKS runs the per-connection SOCKS5 state machine: greeting,
// request, selection, upstream dial, relay.
func (s *Server) serveSOCKS(clientConn net.Conn, mode rotation.Mode) error {
	var buf [2]byte
	if _, err := io.ReadFull(clientConn, buf[:]); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if buf[0] != socksVersion {
		return fmt.Errorf("not socks5 (version 0x%02x)", buf[0])
	}
	// Read and discard the offered methods; we always answer no-auth.
	methods := make([]byte, buf[1])
	if _, err := io.ReadFull(clientConn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}
	if _, err := clientConn.Write([]byte{socksVersion, 0x00}); err != nil {
		return fmt.Errorf("write method selection: %w", err)
	}

	targetHost, targetPort, err := readRequest(clientConn)
	if err != nil {
		return err
	}
	target := net.JoinHostPort(targetHost, strconv.Itoa(int(targetPort)))

	alive := s.registry.Alive()
	selected, err := rotation.Select(alive, mode, &s.rrCursor, targetHost)
	if err != nil {
		_ = writeReply(clientConn, repGeneralFailure)
		return fmt.Errorf("select upstream for %s: %w", target, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
	defer cancel()

	upstreamConn, err := upstream.Dial(ctx, selected, target)
	if err != nil {
		_ = writeReply(clientConn, repGeneralFailure)
		return fmt.Errorf("dial upstream %s for %s: %w", selected.String(), target, err)
	}
	defer upstreamConn.Close()

	if err := writeReply(clientConn, repSucceeded); err != nil {
		return fmt.Errorf("write success reply: %w", err)
	}

	if s.mc != nil {
		s.mc.ConnsActive.Inc()
		defer s.mc.ConnsActive.Dec()
	}
	tunnel(clientConn, upstreamConn)
	return nil
}

// readRequest parses the SOCKS5 CONNECT request and returns the target
// host (numeric form for IP literals, raw name for domains) and port.
func readRequest(conn net.Conn) (host string, port uint16, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(conn, hdr[:]); err != nil {
		return "", 0, fmt.Errorf("read request: %w", err)
	}
	if hdr[1] != cmdConnect {
		return "", 0, fmt.Errorf("unsupported command 0x%02x (only CONNECT)", hdr[1])
	}

	var addr []byte
	switch hdr[3] {
	case atypIPv4:
		addr = make([]byte, net.IPv4len)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("read ipv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		var n [1]byte
		if _, err = io.ReadFull(conn, n[:]); err != nil {
			return "", 0, fmt.Errorf("read domain length: %w", err)
		}
		addr = make([]byte, n[0])
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("read domain: %w", err)
		}
		host = string(addr)
	case atypIPv6:
		addr = make([]byte, net.IPv6len)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("read ipv6 address: %w", err)
		}
		host = net.IP(addr).String()
	default:
		return "", 0, fmt.Errorf("invalid address type 0x%02x", hdr[3])
	}

	var p [2]byte
	if _, err = io.ReadFull(conn, p[:]); err != nil {
		return "", 0, fmt.Errorf("read port: %w", err)
	}
	return host, binary.BigEndian.Uint16(p[:]), nil
}

// writeReply sends a SOCKS5 reply with the given REP code. BND.ADDR and
// BND.PORT are always IPv4 zeros regardless of the target family;
// clients tolerate this in CONNECT replies.
func writeReply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{socksVersion, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// tunnel performs a bidirectional copy between two connections. When one
// direction hits EOF the write half of its destination is closed; tunnel
// returns once both directions have finished.
func tunnel(a, b net.Conn) {
	done := make(chan struct{}, 2)
	relay := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		// Half-close to unblock the other goroutine
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go relay(a, b)
	go relay(b, a)
	<-done
	<-done
}
