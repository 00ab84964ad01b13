// Package gateway is the HTTP surface: health and status probes,
// Prometheus metrics, the cron admin API, and the companion node
// WebSocket endpoint.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avermeil/lifeline/internal/cron"
)

// CronService is the scheduler surface the admin API needs.
// *cron.Scheduler satisfies it.
type CronService interface {
	Add(job cron.Job) (cron.Job, error)
	Update(id string, patch cron.JobPatch) (cron.Job, error)
	Remove(id string) bool
	Run(ctx context.Context, id string, mode cron.RunMode) cron.RunReport
	Jobs() []cron.Job
	Get(id string) (cron.Job, bool)
	Status() cron.Status
}

// Deps are the gateway's collaborators. Nil entries degrade gracefully:
// the corresponding routes or status fields are simply absent.
type Deps struct {
	Cron        CronService
	Recovering  interface{ RecoveringCount() int }
	Zombies     interface{ Len() int }
	Gate        interface{ ContendedKeys() []string }
	NodeHandler http.Handler
	NodeCounts  func() (nodes, sessions int)
	Channels    func() []string
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// Gateway is the HTTP gateway. It is a leaf component; nothing imports it.
type Gateway struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a Gateway.
func New(cfg Config, deps Deps) *Gateway {
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Gateway{
		config: cfg,
		deps:   deps,
		logger: deps.Logger,
	}
}

// Start begins serving. The listener is bound synchronously so a bad
// address fails here, not in the serve goroutine.
func (g *Gateway) Start() error {
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		return errors.New("gateway: listen failed: " + err.Error())
	}

	go func() {
		g.logger.Info("gateway listening", "addr", g.config.Bind)
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down gracefully with the configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return g.server.Shutdown(shutdownCtx)
}

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Public — no auth required.
	r.Get("/health", g.handleHealth())
	r.Handle("/metrics", promhttp.HandlerFor(g.deps.Gatherer, promhttp.HandlerOpts{}))

	// Node WebSocket — pairing token auth, not bearer.
	if g.deps.NodeHandler != nil {
		r.Handle("/ws/node", g.deps.NodeHandler)
	}

	// Admin endpoints — auth required. Not mounted without a token.
	if g.config.AuthToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(g.config.AuthToken))
			r.Get("/status", g.handleStatus())
			r.Route("/api/cron", func(r chi.Router) {
				r.Get("/jobs", g.handleListJobs())
				r.Post("/jobs", g.handleAddJob())
				r.Get("/jobs/{id}", g.handleGetJob())
				r.Patch("/jobs/{id}", g.handlePatchJob())
				r.Delete("/jobs/{id}", g.handleRemoveJob())
				r.Post("/jobs/{id}/run", g.handleRunJob())
			})
		})
	}

	return r
}
