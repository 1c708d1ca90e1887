package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/cidrd/internal/allocator"
	"github.com/jbweber/homelab/cidrd/internal/domain"
	"github.com/jbweber/homelab/cidrd/internal/repository"
)

// RegisterSupernetRequest is the body of POST /api/v0/supernets
type RegisterSupernetRequest struct {
	CIDR        string `json:"cidr"`
	Region      string `json:"region"`
	Environment string `json:"environment"`
	Description string `json:"description,omitempty"`
}

// statusFor maps domain errors onto admin endpoint status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, allocator.ErrNoSupernet):
		return http.StatusNotFound
	case errors.Is(err, allocator.ErrSupernetOverlap),
		errors.Is(err, allocator.ErrSupernetInUse),
		errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, allocator.ErrInvalidRequest),
		errors.Is(err, repository.ErrInvalidEntity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", zap.Error(err))
	}
	a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// listSupernetsHandler handles GET /api/v0/supernets
func (a *API) listSupernetsHandler(w http.ResponseWriter, r *http.Request) {
	supernets, err := a.registry.List(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	if supernets == nil {
		supernets = []domain.Supernet{}
	}
	a.writeJSON(w, http.StatusOK, supernets)
}

// registerSupernetHandler handles POST /api/v0/supernets.
//
// Returns 201 with the registered supernet, 400 for invalid input and 409
// when the CIDR overlaps a registered supernet.
func (a *API) registerSupernetHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterSupernetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON"})
		return
	}

	saved, err := a.registry.Register(r.Context(), domain.Supernet{
		CIDR:        req.CIDR,
		Region:      req.Region,
		Environment: req.Environment,
		Description: req.Description,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, saved)
}

// deregisterSupernetHandler handles DELETE /api/v0/supernets/{cidr}. The CIDR
// may be given with a literal or an escaped slash.
func (a *API) deregisterSupernetHandler(w http.ResponseWriter, r *http.Request) {
	cidr, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || cidr == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid supernet CIDR"})
		return
	}

	if err := a.registry.Deregister(r.Context(), cidr); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listAllocationsHandler handles GET /api/v0/allocations?region=&environment=
func (a *API) listAllocationsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	allocations, err := a.engine.List(r.Context(), queryParam(q, paramRegion...), queryParam(q, paramEnvironment...))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if allocations == nil {
		allocations = []domain.Allocation{}
	}
	a.writeJSON(w, http.StatusOK, allocations)
}

// utilizationHandler handles GET /api/v0/utilization?region=&environment=
func (a *API) utilizationHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := a.engine.Utilization(r.Context(), queryParam(q, paramRegion...), queryParam(q, paramEnvironment...))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, report)
}
