// Package adminapi serves the operator HTTP API: settings CRUD, conversation
// inspection, daily stats, health and Prometheus metrics.
package adminapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chat-relay/internal/admin"
	"chat-relay/internal/audit"
	"chat-relay/internal/conversation"
	"chat-relay/internal/llm"
)

// ModelLister lists the models the configured endpoint offers.
type ModelLister interface {
	ListModels(ctx context.Context, cfg llm.ModelConfig) ([]string, error)
}

type Deps struct {
	Admin  *admin.Service
	Store  conversation.Store
	Audit  audit.Recorder
	Models ModelLister
	// Secret is compared with the X-Admin-Secret header. An empty secret
	// disables the /api/admin routes.
	Secret string
}

// Server wraps the gin engine with graceful shutdown helpers.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	engine          *gin.Engine
	log             zerolog.Logger
}

func New(addr string, shutdownTimeout time.Duration, d Deps, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	log = log.With().Str("component", "admin-api").Logger()

	engine := gin.New()
	engine.Use(gin.Recovery(), requestMetrics())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{admin: d.Admin, store: d.Store, audit: d.Audit, models: d.Models, log: log}
	if d.Audit == nil {
		h.audit = audit.Nop{}
	}
	api := engine.Group("/api/admin", requireSecret(d.Secret))
	h.register(api)

	return &Server{addr: addr, shutdownTimeout: shutdownTimeout, engine: engine, log: log}
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run starts the HTTP listener and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("admin HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("context cancelled, shutting down admin HTTP server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
