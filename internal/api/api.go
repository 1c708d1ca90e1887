package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/cidrd/internal/allocator"
	"github.com/jbweber/homelab/cidrd/internal/domain"
)

// Allocator is the allocation surface served under /cidr
type Allocator interface {
	Allocate(ctx context.Context, req allocator.Request) (domain.Allocation, error)
	Release(ctx context.Context, cidr string) error
	ReleaseByCorrelationID(ctx context.Context, correlationID string) (domain.Allocation, error)
	AttachResource(ctx context.Context, cidr, resourceID string) (domain.Allocation, error)
	Describe(ctx context.Context, cidr string) (domain.Allocation, error)
	List(ctx context.Context, region, environment string) ([]domain.Allocation, error)
	Utilization(ctx context.Context, region, environment string) (allocator.Utilization, error)
}

// Registry manages the supernet pool
type Registry interface {
	Register(ctx context.Context, s domain.Supernet) (domain.Supernet, error)
	Deregister(ctx context.Context, cidr string) error
	List(ctx context.Context) ([]domain.Supernet, error)
}

// API holds the allocator and registry behind the HTTP handlers
type API struct {
	engine   Allocator
	registry Registry
	logger   *zap.Logger
}

// NewAPI creates a new API instance
func NewAPI(engine Allocator, registry Registry, logger *zap.Logger) *API {
	return &API{
		engine:   engine,
		registry: registry,
		logger:   logger,
	}
}

// Router builds a chi router with the standard middleware stack and every route registered
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.instrument)
	r.Use(middleware.Recoverer)

	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/", a.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	// Verb dispatched allocation endpoint
	r.Route("/cidr", func(r chi.Router) {
		r.Post("/", a.allocateHandler)
		r.Delete("/", a.releaseHandler)
		r.Put("/", a.attachHandler)
		r.Get("/", a.describeHandler)
	})

	// Supernet pool administration
	r.Route("/api/v0/supernets", func(r chi.Router) {
		r.Get("/", a.listSupernetsHandler)
		r.Post("/", a.registerSupernetHandler)
		r.Delete("/*", a.deregisterSupernetHandler)
	})

	r.Get("/api/v0/allocations", a.listAllocationsHandler)
	r.Get("/api/v0/utilization", a.utilizationHandler)
}

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := fmt.Fprintln(w, "cidrd is running"); err != nil {
		a.logger.Warn("failed to write health response", zap.Error(err))
	}
}
