// Package httpapi is fieldsync's HTTP surface: aggregator webhooks, item
// management, sync and run control, rule webhook triggers, the live event
// stream and metrics.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/fieldsync/internal/customers"
	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/orchestrator"
	"github.com/roach88/fieldsync/internal/plaid"
	"github.com/roach88/fieldsync/internal/ratelimit"
	"github.com/roach88/fieldsync/internal/store"
)

// SyncController starts and steers ERP syncs. *orchestrator.Orchestrator
// implements it.
type SyncController interface {
	StartFullSync(ctx context.Context, opts orchestrator.FullSyncOptions) (*orchestrator.Handle, error)
	IncrementalSync(ctx context.Context, tenantID string) (orchestrator.SyncResult, error)
	Signal(runID string, s orchestrator.Signal) error
}

// RunController reads and cancels rule runs. *engine.Engine implements it.
type RunController interface {
	GetRun(ctx context.Context, runID string) (model.ExecutionRun, error)
	Cancel(ctx context.Context, runID string) error
}

// WebhookProcessor applies a decoded aggregator webhook.
type WebhookProcessor interface {
	Handle(ctx context.Context, wh plaid.Webhook) error
}

// WebhookVerifier checks the verification token of an aggregator webhook.
type WebhookVerifier interface {
	Verify(ctx context.Context, token string, body []byte) error
}

// Subscriber hands out live event subscriptions. *events.Bus implements it.
type Subscriber interface {
	Subscribe(buffer int, tenantID string) *events.Subscription
}

// Deps wires the server. Nil components disable their routes, except
// Store, which is required.
type Deps struct {
	Store     *store.Store
	Sync      SyncController
	Runs      RunController
	Webhooks  WebhookProcessor
	Verifier  WebhookVerifier
	Publisher events.Publisher
	Events    Subscriber
	Customers customers.Provider
	Metrics   http.Handler
	Limiter   *ratelimit.Limiter

	// HookSecret verifies rule webhook triggers whose rule has no secret
	// of its own. Empty accepts unsigned deliveries for such rules.
	HookSecret string

	Now    func() time.Time
	Logger *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	router *gin.Engine
	now    func() time.Time
	log    *slog.Logger
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, now: deps.Now, log: deps.Logger}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/health", s.health)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	limited := r.Group("")
	if s.deps.Limiter != nil {
		limited.Use(ratelimit.Middleware(s.deps.Limiter, nil))
	}

	if s.deps.Webhooks != nil {
		limited.POST("/webhooks/plaid", s.plaidWebhook)
	}
	items := limited.Group("/plaid/items/:itemId")
	items.GET("", s.getItem)
	items.PATCH("", s.patchItem)
	items.DELETE("", s.deleteItem)

	v1 := limited.Group("/v1")
	v1.GET("/sync/state", s.syncState)
	v1.GET("/sync/runs/:id", s.getSyncRun)
	if s.deps.Sync != nil {
		v1.POST("/sync/full", s.startFullSync)
		v1.POST("/sync/incremental", s.incrementalSync)
		v1.POST("/sync/runs/:id/:signal", s.signalSync)
	}
	if s.deps.Runs != nil {
		v1.GET("/runs/:id", s.getRun)
		v1.POST("/runs/:id/cancel", s.cancelRun)
	}
	if s.deps.Publisher != nil {
		v1.POST("/hooks/:ruleId", s.ruleWebhook)
	}
	if s.deps.Events != nil {
		v1.GET("/events/stream", s.streamEvents)
	}
	if s.deps.Customers != nil {
		v1.GET("/customers", s.listCustomers)
		v1.POST("/customers", s.createCustomer)
		v1.GET("/customers/:id", s.getCustomer)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if err := s.deps.Store.DB().PingContext(c.Request.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "version": model.ServiceVersion})
}

// ListenAndServe serves on addr until ctx ends, then shuts down, giving
// in-flight requests up to ten seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("http server stopped")
	return ctx.Err()
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelError
		}
		log.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func errorJSON(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
