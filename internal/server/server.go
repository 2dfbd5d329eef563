// ============================================================================
// HTTP Server
// Responsibility: Expose job submission, status, cancellation, capability
// listing, the progress stream, and operational endpoints over HTTP
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visvikbharti/stickforstats-sub000/internal/capability"
	"github.com/visvikbharti/stickforstats-sub000/internal/scheduler"
	"github.com/visvikbharti/stickforstats-sub000/internal/stream"
	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

var log = slog.Default()

// Config holds the server's tunables. Zero values select defaults.
type Config struct {
	// StreamIdleTimeout disconnects a stream subscriber that has sent no
	// traffic, not even a pong, within the window.
	StreamIdleTimeout time.Duration
}

// Server wires the scheduler, registry and stream manager behind the
// HTTP surface. The scheduler keeps full ownership of job state; handlers
// only translate between HTTP and scheduler calls.
type Server struct {
	router     *gin.Engine
	sched      *scheduler.Scheduler
	registry   *capability.Registry
	streams    *stream.Manager
	httpSrv    *http.Server
	streamIdle time.Duration
}

// New builds the server and its route table.
func New(cfg Config, sched *scheduler.Scheduler, registry *capability.Registry, streams *stream.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = defaultStreamIdleTimeout
	}

	s := &Server{
		router:     router,
		sched:      sched,
		registry:   registry,
		streams:    streams,
		streamIdle: cfg.StreamIdleTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/jobs", s.handleSubmit)
		v1.GET("/jobs", s.handleList)
		v1.GET("/jobs/:jobId", s.handleStatus)
		v1.DELETE("/jobs/:jobId", s.handleCancel)
		v1.GET("/capabilities", s.handleCapabilities)
		v1.GET("/stream", s.handleStream)
	}
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("http server listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ============================================================================
// Handlers
// ============================================================================

type submitRequest struct {
	Capability string          `json:"capability" binding:"required"`
	Parameters json.RawMessage `json:"parameters"`
	InputRef   string          `json:"inputRef,omitempty"`
	InputData  []byte          `json:"inputData,omitempty"` // base64 on the wire
	TimeoutMs  int64           `json:"timeoutMs,omitempty"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	job, err := s.sched.Submit(scheduler.SubmitRequest{
		Capability: req.Capability,
		Parameters: req.Parameters,
		InputRef:   req.InputRef,
		InputData:  req.InputData,
		Principal:  c.GetHeader("X-Principal"),
		TimeoutMs:  req.TimeoutMs,
	})
	if err != nil {
		writeSchedulerError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleStatus(c *gin.Context) {
	job, err := s.sched.GetStatus(types.JobID(c.Param("jobId")))
	if err != nil {
		writeSchedulerError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.sched.ListJobs()})
}

func (s *Server) handleCancel(c *gin.Context) {
	jobID := types.JobID(c.Param("jobId"))
	if err := s.sched.Cancel(jobID); err != nil {
		writeSchedulerError(c, err)
		return
	}
	job, err := s.sched.GetStatus(jobID)
	if err != nil {
		writeSchedulerError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"capabilities": s.registry.List()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"stats":  s.sched.Stats(),
	})
}

// writeSchedulerError maps scheduler errors onto HTTP statuses. Terminal
// job outcomes never travel this path; only admission-time failures do.
func writeSchedulerError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob), errors.Is(err, scheduler.ErrUnknownCapability):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrSaturated):
		status = http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
