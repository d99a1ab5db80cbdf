package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// TenantHeader carries the caller's tenant on every /v1 request.
const TenantHeader = "X-Tenant-ID"

// LogStream yields deployment log lines until io.EOF.
type LogStream interface {
	Next(ctx context.Context) (engine.LogLine, error)
	Close()
}

// Orchestrator is the engine surface the API serves. FromEngine adapts an
// *engine.Orchestrator.
type Orchestrator interface {
	EnqueueDeployment(ctx context.Context, tenantID string, req engine.EnqueueRequest) (string, error)
	GetDeployment(ctx context.Context, tenantID, deploymentID string) (*engine.Deployment, error)
	ListDeployments(ctx context.Context, tenantID, machineID string) ([]*engine.Deployment, error)
	Approve(ctx context.Context, tenantID, deploymentID string) (*engine.Deployment, error)
	Cancel(ctx context.Context, tenantID, deploymentID string) (*engine.Deployment, error)
	ReadLogs(ctx context.Context, tenantID, deploymentID string, afterCursor int64, limit int) ([]engine.LogLine, error)
	FollowLogs(ctx context.Context, tenantID, deploymentID string, afterCursor int64) (LogStream, error)
	GetMachine(ctx context.Context, tenantID, machineID string) (*engine.Machine, error)
	ListMachines(ctx context.Context, tenantID string) ([]*engine.Machine, error)
	SetDesiredStatus(ctx context.Context, tenantID, machineID string, status engine.MachineStatus) (*engine.Machine, error)
	ReconcileMachine(ctx context.Context, tenantID, machineID string) (*engine.Machine, error)
}

type engineOrchestrator struct {
	*engine.Orchestrator
}

func (e engineOrchestrator) FollowLogs(ctx context.Context, tenantID, deploymentID string, afterCursor int64) (LogStream, error) {
	it, err := e.StreamLogs(ctx, tenantID, deploymentID, afterCursor)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// FromEngine adapts the engine orchestrator to the API.
func FromEngine(o *engine.Orchestrator) Orchestrator {
	return engineOrchestrator{o}
}

// Options carries the optional collaborators of a Server.
type Options struct {
	// Metrics serves /metrics when set.
	Metrics http.Handler

	// Ready reports readiness on /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server is the deployment orchestrator's HTTP API.
type Server struct {
	cfg    Config
	orch   Orchestrator
	opts   Options
	logger zerolog.Logger
}

// NewServer creates a server for orch.
func NewServer(cfg Config, orch Orchestrator, logger zerolog.Logger, opts Options) (*Server, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		orch:   orch,
		opts:   opts,
		logger: logger.With().Str("component", "api").Logger(),
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", TenantHeader},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
		}
		r.Use(requireTenant)

		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", s.handleCreateDeployment)
			r.Get("/", s.handleListDeployments)
			r.Get("/{id}", s.handleGetDeployment)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Get("/{id}/logs", s.handleLogs)
		})
		r.Route("/machines", func(r chi.Router) {
			r.Get("/", s.handleListMachines)
			r.Get("/{id}", s.handleGetMachine)
			r.Put("/{id}/desired", s.handleSetDesired)
			r.Post("/{id}/reconcile", s.handleReconcile)
		})
	})

	if !s.cfg.Tracing {
		return r
	}
	return otelhttp.NewHandler(r, "cirrus-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info().Msg("Shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := s.withTimeout(r.Context())
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
