package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mirovane/lookalike/api/schemas"
	"github.com/mirovane/lookalike/internal/config"
	"github.com/mirovane/lookalike/internal/store"
)

// Store is the persistence surface the dashboard handlers read and write.
// *store.Store satisfies it.
type Store interface {
	CreateRun(ctx context.Context, runType schemas.RunType, input string, cfg schemas.RunConfig) (*schemas.Run, error)
	GetRun(ctx context.Context, runID string) (*schemas.Run, error)
	ListRuns(ctx context.Context, limit int) ([]schemas.Run, error)
	ListRunProfiles(ctx context.Context, runID string) ([]schemas.LinkedProfile, error)
	CountByRun(ctx context.Context, runID string) (int64, error)
	ListProfiles(ctx context.Context, filter store.ProfileFilter) ([]schemas.Profile, error)
	ListCategories(ctx context.Context) ([]schemas.CategoryCount, error)
}

// Runner triggers discovery runs. *engine.Engine satisfies it.
type Runner interface {
	Execute(ctx context.Context, runID string) (*schemas.RunSummary, error)
	ExecuteDetached(ctx context.Context, runID string) error
}

// Server is the dashboard API: create, trigger, and inspect discovery
// runs, and browse the accumulated profile table.
type Server struct {
	store    Store
	runner   Runner
	defaults config.DiscoveryConfig
	logger   *zap.Logger
	router   chi.Router
}

// NewServer wires the handlers onto a chi router.
func NewServer(st Store, runner Runner, defaults config.DiscoveryConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    st,
		runner:   runner,
		defaults: defaults,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", s.handleCreateRun)
		r.Post("/runs/{runID}/trigger", s.handleTriggerRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/profiles", s.handleListProfiles)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
