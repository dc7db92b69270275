package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drsoft-oss/hydragate/internal/pool"
	"github.com/drsoft-oss/hydragate/internal/prober"
	"github.com/drsoft-oss/hydragate/internal/rotation"
	"github.com/drsoft-oss/hydragate/internal/server"
)

type fixture struct {
	registry *pool.Registry
	proxy    *server.Server
	api      *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := pool.NewRegistry()
	proxySrv := server.New(reg, nil, server.Config{})
	prb := prober.New(reg, prober.Config{Timeout: time.Second})
	return &fixture{
		registry: reg,
		proxy:    proxySrv,
		api:      New("127.0.0.1:0", reg, proxySrv, prb, nil),
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestAddProxy_ReturnsIDAndLists(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/proxies", obj("host", "10.0.0.1", "port", 1080))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := decode[map[string]string](t, w)["id"]
	require.NotEmpty(t, id)

	w = f.do(t, http.MethodGet, "/api/proxies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]pool.Proxy](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, pool.ProtoSOCKS5, list[0].Protocol)
	assert.False(t, list[0].Alive)
}

func TestAddProxy_Invalid(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing host", obj("port", 1080)},
		{"missing port", obj("host", "10.0.0.1")},
		{"bad protocol", obj("protocol", "trojan", "host", "10.0.0.1", "port", 1080)},
		{"user without pass", obj("host", "10.0.0.1", "port", 1080, "user", "alice")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/proxies", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Equal(t, 0, f.registry.Len())
}

func TestUpdateProxy_ResetsProbeState(t *testing.T) {
	f := newFixture(t)
	lat := uint64(42)
	f.registry.Put(pool.Proxy{
		ID: "x", Protocol: pool.ProtoSOCKS5, Host: "10.0.0.1", Port: 1080,
		Alive: true, LatencyMS: &lat,
	})

	w := f.do(t, http.MethodPut, "/api/proxies/x", obj("protocol", "http", "host", "10.0.0.2", "port", 3128))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, ok := f.registry.Get("x")
	require.True(t, ok)
	assert.Equal(t, pool.ProtoHTTP, got.Protocol)
	assert.Equal(t, "10.0.0.2", got.Host)
	assert.False(t, got.Alive)
	assert.Nil(t, got.LatencyMS)
}

func TestUpdateProxy_UnknownID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPut, "/api/proxies/nope", obj("host", "10.0.0.1", "port", 1080))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRemoveProxy(t *testing.T) {
	f := newFixture(t)
	f.registry.Put(pool.Proxy{ID: "x", Protocol: pool.ProtoSOCKS5, Host: "h", Port: 1})

	w := f.do(t, http.MethodDelete, "/api/proxies/x", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, f.registry.Len())

	w = f.do(t, http.MethodDelete, "/api/proxies/x", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClearProxies(t *testing.T) {
	f := newFixture(t)
	f.registry.Put(pool.Proxy{ID: "a", Protocol: pool.ProtoSOCKS5, Host: "h", Port: 1})
	f.registry.Put(pool.Proxy{ID: "b", Protocol: pool.ProtoSOCKS5, Host: "h", Port: 1})

	w := f.do(t, http.MethodDelete, "/api/proxies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode[map[string]any](t, w)["removed"])
	assert.Equal(t, 0, f.registry.Len())
}

func TestClearDeadProxies(t *testing.T) {
	f := newFixture(t)
	f.registry.Put(pool.Proxy{ID: "a", Protocol: pool.ProtoSOCKS5, Host: "h", Port: 1, Alive: true})
	f.registry.Put(pool.Proxy{ID: "b", Protocol: pool.ProtoSOCKS5, Host: "h", Port: 1})

	w := f.do(t, http.MethodDelete, "/api/proxies/dead", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, f.registry.Len())
	_, ok := f.registry.Get("a")
	assert.True(t, ok)
}

func TestModeEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/mode", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "round_robin", decode[map[string]string](t, w)["mode"])

	w = f.do(t, http.MethodPut, "/api/mode", obj("mode", "sticky"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "time_sticky", decode[map[string]string](t, w)["mode"])
	assert.Equal(t, rotation.TimeSticky, f.proxy.Mode())

	w = f.do(t, http.MethodPut, "/api/mode", obj("mode", "fastest"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPortEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/port", obj("port", 1023))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/api/port", obj("port", 20808))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/port", nil)
	assert.Equal(t, float64(20808), decode[map[string]any](t, w)["port"])
}

func TestHostEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/host", obj("host", "10.1.2.3"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/api/host", obj("host", "0.0.0.0"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.0.0.0", f.proxy.Host())
}

func TestRefreshOne_UnknownID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/health/refresh/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListenerToggle_StopWithoutStart(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/listener", obj("active", false))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["running"])
}

// obj builds a JSON object from alternating key/value pairs.
func obj(kv ...any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}
