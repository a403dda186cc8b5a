// Package status serves a small read-only HTTP surface for monitoring the
// running bridge.
package status

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"js8tastic/internal/bridge"
	"js8tastic/internal/js8"
)

// Probes reports live connection state for the status payload.
type Probes struct {
	ModemListener func() js8.ConnState
	ModemSender   func() js8.ConnState
	MeshPending   func() int
	MeshSelfID    func() string
	DedupFill     func() int
}

// Server exposes GET /healthz and GET /status.
type Server struct {
	stats  *bridge.Stats
	probes Probes
	logger *slog.Logger
	http   *http.Server
}

func NewServer(addr string, stats *bridge.Stats, probes Probes, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{stats: stats, probes: probes, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.healthz)
	router.GET("/status", s.status)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start serves in the background. Listen errors other than a clean shutdown
// are logged, never fatal; a broken status port must not take the bridge
// down.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status_server_listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("status_server_failed", "error", err.Error())
		}
	}()
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	payload := gin.H{"counters": s.stats.Snapshot()}
	if s.probes.ModemListener != nil {
		payload["modem_listener"] = s.probes.ModemListener().String()
	}
	if s.probes.ModemSender != nil {
		payload["modem_sender"] = s.probes.ModemSender().String()
	}
	if s.probes.MeshPending != nil {
		payload["mesh_pending_acks"] = s.probes.MeshPending()
	}
	if s.probes.MeshSelfID != nil {
		payload["mesh_self_id"] = s.probes.MeshSelfID()
	}
	if s.probes.DedupFill != nil {
		payload["dedup_window_fill"] = s.probes.DedupFill()
	}
	c.JSON(http.StatusOK, payload)
}
