// Package api exposes the command surface over HTTP.
//
// Endpoints
//
//	POST   /api/proxies             Add a proxy, returns its id.
//	PUT    /api/proxies/:id         Replace a proxy's connection fields.
//	DELETE /api/proxies/:id         Remove a proxy.
//	DELETE /api/proxies             Remove all proxies.
//	DELETE /api/proxies/dead        Remove proxies whose last probe failed.
//	GET    /api/proxies             Snapshot of all proxies.
//	POST   /api/listener            {"active": bool} start/stop the listener.
//	GET    /api/port                Current listen port.
//	PUT    /api/port                {"port": n} set listen port (>= 1024).
//	GET    /api/host                Current listen host.
//	PUT    /api/host                {"host": s} set listen host.
//	GET    /api/mode                Current rotation mode wire name.
//	PUT    /api/mode                {"mode": s} set rotation mode.
//	POST   /api/health/refresh      Probe all proxies now.
//	POST   /api/health/refresh/:id  Probe one proxy now.
//	GET    /api/events              WebSocket feed of probe results.
//	GET    /metrics                 Prometheus metrics.
package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drsoft-oss/hydragate/internal/pool"
	"github.com/drsoft-oss/hydragate/internal/prober"
	"github.com/drsoft-oss/hydragate/internal/rotation"
	"github.com/drsoft-oss/hydragate/internal/server"
	"github.com/drsoft-oss/hydragate/internal/store"
)

// Server is the command-surface HTTP server.
type Server struct {
	registry *pool.Registry
	proxy    *server.Server
	prober   *prober.Prober
	store    *store.Store // nil disables persistence
	hub      *Hub

	http *http.Server
}

// New creates and configures the API server. st may be nil to run
// without persistence.
func New(addr string, reg *pool.Registry, proxy *server.Server, prb *prober.Prober, st *store.Store) *Server {
	s := &Server{
		registry: reg,
		proxy:    proxy,
		prober:   prb,
		store:    st,
		hub:      NewHub(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/proxies", s.handleAddProxy)
	r.PUT("/api/proxies/:id", s.handleUpdateProxy)
	r.DELETE("/api/proxies/dead", s.handleClearDead)
	r.DELETE("/api/proxies/:id", s.handleRemoveProxy)
	r.DELETE("/api/proxies", s.handleClearProxies)
	r.GET("/api/proxies", s.handleListProxies)

	r.POST("/api/listener", s.handleToggleListener)
	r.GET("/api/port", s.handleGetPort)
	r.PUT("/api/port", s.handleSetPort)
	r.GET("/api/host", s.handleGetHost)
	r.PUT("/api/host", s.handleSetHost)
	r.GET("/api/mode", s.handleGetMode)
	r.PUT("/api/mode", s.handleSetMode)

	r.POST("/api/health/refresh", s.handleRefreshAll)
	r.POST("/api/health/refresh/:id", s.handleRefreshOne)

	r.GET("/api/events", s.hub.Serve)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Hub returns the event hub so the prober can feed probe results into it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.hub.Run()
	return s.http.ListenAndServe()
}

// Stop shuts down the server.
func (s *Server) Stop() error {
	s.hub.Close()
	return s.http.Close()
}

// -----------------------------------------------------------------------
// Request types
// -----------------------------------------------------------------------

// ProxyRequest carries the connection fields of add/update commands.
type ProxyRequest struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host" binding:"required"`
	Port     uint16 `json:"port" binding:"required"`
	User     string `json:"user"`
	Pass     string `json:"pass"`
}

// -----------------------------------------------------------------------
// Proxy list handlers
// -----------------------------------------------------------------------

func (s *Server) handleAddProxy(c *gin.Context) {
	var req ProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := pool.New(req.Protocol, req.Host, req.Port, req.User, req.Pass)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.registry.Put(p)
	s.persist()
	c.JSON(http.StatusOK, gin.H{"id": p.ID})
}

func (s *Server) handleUpdateProxy(c *gin.Context) {
	id := c.Param("id")
	var req ProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated := pool.Proxy{
		ID:       id,
		Protocol: req.Protocol,
		Host:     req.Host,
		Port:     req.Port,
		User:     req.User,
		Pass:     req.Pass,
	}
	if updated.Protocol == "" {
		updated.Protocol = pool.ProtoSOCKS5
	}
	if err := updated.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Replacing the connection fields discards the previous probe result,
	// so the entry is dead until the prober reaches it again.
	ok := s.registry.Update(id, func(p *pool.Proxy) {
		updated.Alive = false
		updated.LatencyMS = nil
		*p = updated
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown proxy id: " + id})
		return
	}
	s.persist()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRemoveProxy(c *gin.Context) {
	id := c.Param("id")
	if !s.registry.Remove(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown proxy id: " + id})
		return
	}
	s.persist()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleClearProxies(c *gin.Context) {
	n := s.registry.Clear()
	s.persist()
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) handleClearDead(c *gin.Context) {
	n := s.registry.ClearDead()
	s.persist()
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) handleListProxies(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Snapshot())
}

// -----------------------------------------------------------------------
// Listener / settings handlers
// -----------------------------------------------------------------------

func (s *Server) handleToggleListener(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if *req.Active {
		s.proxy.Start()
	} else {
		s.proxy.Stop()
	}
	c.JSON(http.StatusOK, gin.H{"running": s.proxy.Running()})
}

func (s *Server) handleGetPort(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"port": s.proxy.Port()})
}

func (s *Server) handleSetPort(c *gin.Context) {
	var req struct {
		Port uint16 `json:"port" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.proxy.SetPort(req.Port); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"port": s.proxy.Port()})
}

func (s *Server) handleGetHost(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"host": s.proxy.Host()})
}

func (s *Server) handleSetHost(c *gin.Context) {
	var req struct {
		Host string `json:"host" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.proxy.SetHost(req.Host); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"host": s.proxy.Host()})
}

func (s *Server) handleGetMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": s.proxy.Mode().String()})
}

func (s *Server) handleSetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := rotation.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.proxy.SetMode(mode)
	c.JSON(http.StatusOK, gin.H{"mode": mode.String()})
}

// -----------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------

func (s *Server) handleRefreshAll(c *gin.Context) {
	go s.prober.RunOnce()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRefreshOne(c *gin.Context) {
	id := c.Param("id")
	err := s.prober.ProbeOne(id)
	switch {
	case errors.Is(err, prober.ErrUnknownProxy):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error() + ": " + id})
	case errors.Is(err, prober.ErrProbeInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		px, _ := s.registry.Get(id)
		c.JSON(http.StatusOK, px)
	}
}

// persist saves the registry snapshot; failures are logged, not surfaced,
// since the in-memory state already reflects the command.
func (s *Server) persist() {
	if s.store == nil {
		return
	}
	if err := s.store.Save(s.registry.Snapshot()); err != nil {
		log.Printf("[api] persist proxy list: %v", err)
	}
}
