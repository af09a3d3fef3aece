// Package api serves the local status and control endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/video-system/go-video-streamer/internal/devices"
	"github.com/video-system/go-video-streamer/pkg/orchestrator"
	"github.com/video-system/go-video-streamer/pkg/recording"
)

// Controller is the part of the orchestrator the API talks to. Requests are
// posted to the control loop, never applied here.
type Controller interface {
	Status() orchestrator.Status
	RequestReconcile() bool
	RequestRefresh() bool
}

// InventorySource returns the last full device enumeration
type InventorySource interface {
	LastInventory() (devices.Inventory, bool)
}

// RecordingSource reports the local recording directory
type RecordingSource interface {
	Status() recording.Status
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host       string
	Port       int
	Serial     string
	Version    string
	Controller Controller
	Inventory  InventorySource
	Recordings RecordingSource // nil when recording is disabled
	Log        *zap.Logger
}

// Server is the HTTP API server
type Server struct {
	cfg    ServerConfig
	log    *zap.Logger
	router *gin.Engine
	server *http.Server
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	log := cfg.Log.Named("api")

	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(accessLog(log))

	s := &Server{cfg: cfg, log: log, router: r}

	r.GET("/health", s.handleHealth)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/devices", s.handleDevices)
		v1.GET("/recordings", s.handleRecordings)
		v1.POST("/reconcile", s.handleReconcile)
		v1.POST("/refresh", s.handleRefresh)
	}

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API server listening", zap.String("addr", s.server.Addr))
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.cfg.Controller.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "go-video-streamer",
		"version": s.cfg.Version,
		"serial":  s.cfg.Serial,
		"mode":    st.Mode,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Controller.Status())
}

func (s *Server) handleDevices(c *gin.Context) {
	resp := gin.H{"cameras": s.cfg.Controller.Status().Devices}
	if s.cfg.Inventory != nil {
		if inv, ok := s.cfg.Inventory.LastInventory(); ok {
			resp["inventory"] = inv
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecordings(c *gin.Context) {
	if s.cfg.Recordings == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "status": s.cfg.Recordings.Status()})
}

func (s *Server) handleReconcile(c *gin.Context) {
	s.accepted(c, "reconcile", s.cfg.Controller.RequestReconcile())
}

func (s *Server) handleRefresh(c *gin.Context) {
	s.accepted(c, "refresh", s.cfg.Controller.RequestRefresh())
}

func (s *Server) accepted(c *gin.Context, what string, ok bool) {
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " queue full"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "request": what})
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if err := c.Errors.Last(); err != nil {
			fields = append(fields, zap.Error(err.Err))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
