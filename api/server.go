// Package api serves the control-plane HTTP API used by the capture side and
// the UI driver.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"engagebot/scorer"
)

// Config holds Server configuration.
type Config struct {
	AccountID string
	Personas  map[string]scorer.Persona
	// StaticWhitelist is merged with enabled comment templates.
	StaticWhitelist []string
}

// Deps holds all injectable dependencies for the Server. Breaker and
// Metrics are optional.
type Deps struct {
	Runs      RunStore
	Tasks     TaskQueue
	Templates TemplateStore
	Stats     StatsProvider
	Audit     AuditReader
	Settings  SettingsStore
	Engine    EngineControl
	Intake    Intake
	Whitelist Whitelist
	Rates     RateView
	Breaker   BreakerView
	Metrics   http.Handler
}

// Server is the control-plane API.
type Server struct {
	cfg    Config
	deps   Deps
	now    func() time.Time
	router *gin.Engine
}

// New creates a Server with the given configuration and dependencies.
func New(cfg Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps, now: time.Now}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := r.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/stats", s.handleStats)
	v1.GET("/auditLogs", s.handleAuditLogs)
	v1.GET("/commentTemplates", s.handleListTemplates)
	v1.GET("/settings", s.handleGetSettings)
	// Custom methods like candidates:batchUpsert put a colon inside a path
	// segment, which the router reads as a parameter. POSTs are routed here.
	v1.POST("/*action", s.dispatchPost)
	return r
}

func (s *Server) dispatchPost(c *gin.Context) {
	action := c.Param("action")
	switch action {
	case "/runs":
		s.handleCreateRun(c)
		return
	case "/candidates:batchUpsert":
		s.handleBatchUpsert(c)
		return
	case "/actionTasks:next":
		s.handleNextTask(c)
		return
	case "/commentTemplates":
		s.handleCreateTemplate(c)
		return
	case "/settings":
		s.handleUpdateSettings(c)
		return
	}

	if id, ok := resourceMethod(action, "/actionTasks/", ":report"); ok {
		s.handleReportTask(c, id)
		return
	}
	if id, ok := resourceMethod(action, "/commentTemplates/", ":enable"); ok {
		s.handleSetTemplateEnabled(c, id, true)
		return
	}
	if id, ok := resourceMethod(action, "/commentTemplates/", ":disable"); ok {
		s.handleSetTemplateEnabled(c, id, false)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no such endpoint: POST /v1" + action})
}

// resourceMethod matches "<prefix><id><method>" with a single-segment id.
func resourceMethod(path, prefix, method string) (string, bool) {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, method) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), method)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("api stopped")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func writeError(c *gin.Context, status int, msg string, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error(msg, "path", c.Request.URL.Path, "error", err)
	}
	body := gin.H{"error": msg}
	if err != nil && status < http.StatusInternalServerError {
		body["detail"] = err.Error()
	}
	c.JSON(status, body)
}
