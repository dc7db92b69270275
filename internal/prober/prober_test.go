package prober

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drsoft-oss/hydragate/internal/pool"
)

// startHTTPUpstream runs a fake HTTP proxy accepting any number of
// CONNECT requests and answering 200.
func startHTTPUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				var head []byte
				for !bytes.HasSuffix(head, []byte("\r\n\r\n")) {
					b, err := br.ReadByte()
					if err != nil {
						return
					}
					head = append(head, b)
				}
				conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
				io.Copy(io.Discard, br)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// deadAddr returns an address nothing is listening on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func putProxy(t *testing.T, reg *pool.Registry, id, addr string) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	reg.Put(pool.Proxy{ID: id, Protocol: pool.ProtoHTTP, Host: host, Port: uint16(port)})
}

func TestProbeOne_Success(t *testing.T) {
	reg := pool.NewRegistry()
	putProxy(t, reg, "up", startHTTPUpstream(t))

	p := New(reg, Config{Timeout: 2 * time.Second})
	require.NoError(t, p.ProbeOne("up"))

	px, ok := reg.Get("up")
	require.True(t, ok)
	assert.True(t, px.Alive)
	require.NotNil(t, px.LatencyMS)
	assert.LessOrEqual(t, *px.LatencyMS, uint64(2000))
}

func TestProbeOne_Failure(t *testing.T) {
	reg := pool.NewRegistry()
	putProxy(t, reg, "down", deadAddr(t))
	// Pretend a previous probe succeeded; the failure must clear it.
	reg.Update("down", func(px *pool.Proxy) {
		px.Alive = true
		lat := uint64(10)
		px.LatencyMS = &lat
	})

	p := New(reg, Config{Timeout: time.Second})
	require.NoError(t, p.ProbeOne("down"))

	px, _ := reg.Get("down")
	assert.False(t, px.Alive)
	assert.Nil(t, px.LatencyMS)
}

func TestProbeOne_UnknownID(t *testing.T) {
	p := New(pool.NewRegistry(), Config{})
	err := p.ProbeOne("missing")
	assert.ErrorIs(t, err, ErrUnknownProxy)
}

func TestRunOnce_SweepsAllProxies(t *testing.T) {
	reg := pool.NewRegistry()
	putProxy(t, reg, "a", startHTTPUpstream(t))
	putProxy(t, reg, "b", deadAddr(t))

	var results atomic.Int64
	p := New(reg, Config{
		Timeout:  time.Second,
		OnResult: func(pool.Proxy) { results.Add(1) },
	})
	p.RunOnce()

	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	assert.True(t, a.Alive)
	assert.False(t, b.Alive)
	assert.Equal(t, int64(2), results.Load())
}

func TestProbeResultForRemovedProxyIsDropped(t *testing.T) {
	reg := pool.NewRegistry()
	addr := startHTTPUpstream(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)

	p := New(reg, Config{Timeout: time.Second})
	// The descriptor was removed between the sweep snapshot and the probe
	// finishing; the result must not resurrect it.
	p.probe(pool.Proxy{ID: "gone", Protocol: pool.ProtoHTTP, Host: host, Port: uint16(port)})

	_, ok := reg.Get("gone")
	assert.False(t, ok)
}

func TestSingleFlightPerID(t *testing.T) {
	p := New(pool.NewRegistry(), Config{})

	require.True(t, p.acquire("x"))
	assert.False(t, p.acquire("x"), "second acquire for same id must fail")
	assert.True(t, p.acquire("y"), "other ids are unaffected")
	p.release("x")
	assert.True(t, p.acquire("x"))
}

func TestStartStop(t *testing.T) {
	reg := pool.NewRegistry()
	p := New(reg, Config{Interval: 50 * time.Millisecond, Timeout: time.Second})
	p.Start()
	time.Sleep(120 * time.Millisecond)
	p.Stop() // must not hang or panic with an empty registry
}

func TestNew_Defaults(t *testing.T) {
	p := New(pool.NewRegistry(), Config{})
	assert.Equal(t, DefaultInterval, p.cfg.Interval)
	assert.Equal(t, DefaultTimeout, p.cfg.Timeout)
	assert.Equal(t, DefaultTarget, p.cfg.Target)
}
