package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/cidrd/internal/allocator"
	"github.com/jbweber/homelab/cidrd/internal/domain"
)

// Query parameter spellings accepted by /cidr. The capitalized forms are the
// ones existing automation sends.
var (
	paramPrefixLength = []string{"prefixLength", "prefix"}
	paramAccountID    = []string{"accountId", "AccountId"}
	paramRequestor    = []string{"requestor", "Requestor"}
	paramReason       = []string{"reason", "Reason"}
	paramRegion       = []string{"region", "Region"}
	paramEnvironment  = []string{"environment", "Env"}
	paramStackID      = []string{"stackId", "StackId"}
	paramProjectCode  = []string{"projectCode", "ProjectCode"}
	paramCIDR         = []string{"cidr", "Cidr"}
	paramResourceID   = []string{"resourceId", "VpcId"}
)

// AllocateResponse is the body of a successful POST /cidr
type AllocateResponse struct {
	CIDR string `json:"cidr"`
}

// AllocateErrorResponse is the body of a failed POST /cidr
type AllocateErrorResponse struct {
	Error string `json:"Error"`
}

// allocateHandler handles POST /cidr.
//
// Request: query parameters prefixLength, accountId, requestor, reason, region,
// environment and optionally stackId and projectCode.
// Response: 200 OK with {"cidr": "..."}; every failure is 500 with {"Error": "..."}.
func (a *API) allocateHandler(w http.ResponseWriter, r *http.Request) {
	req, err := parseAllocateRequest(r)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, AllocateErrorResponse{Error: err.Error()})
		return
	}

	allocation, err := a.engine.Allocate(r.Context(), req)
	if err != nil {
		a.logger.Error("allocation failed",
			zap.String("region", req.Region),
			zap.String("environment", req.Environment),
			zap.Int("prefix_length", req.PrefixLength),
			zap.Error(err))
		a.writeJSON(w, http.StatusInternalServerError, AllocateErrorResponse{Error: err.Error()})
		return
	}

	a.writeJSON(w, http.StatusOK, AllocateResponse{CIDR: allocation.CIDR})
}

func parseAllocateRequest(r *http.Request) (allocator.Request, error) {
	q := r.URL.Query()

	prefix := queryParam(q, paramPrefixLength...)
	if prefix == "" {
		return allocator.Request{}, fmt.Errorf("%w: missing prefixLength", allocator.ErrInvalidRequest)
	}
	prefixLength, err := strconv.Atoi(prefix)
	if err != nil {
		return allocator.Request{}, fmt.Errorf("%w: prefixLength must be an integer", allocator.ErrInvalidRequest)
	}

	account := queryParam(q, paramAccountID...)
	if account == "" {
		return allocator.Request{}, fmt.Errorf("%w: missing accountId", allocator.ErrInvalidRequest)
	}
	accountID, err := strconv.ParseInt(account, 10, 64)
	if err != nil {
		return allocator.Request{}, fmt.Errorf("%w: accountId must be an integer", allocator.ErrInvalidRequest)
	}

	return allocator.Request{
		Region:       queryParam(q, paramRegion...),
		Environment:  queryParam(q, paramEnvironment...),
		PrefixLength: prefixLength,
		Owner: domain.Owner{
			AccountID:     accountID,
			Requestor:     queryParam(q, paramRequestor...),
			Reason:        queryParam(q, paramReason...),
			ProjectCode:   queryParam(q, paramProjectCode...),
			CorrelationID: queryParam(q, paramStackID...),
		},
	}, nil
}

// releaseHandler handles DELETE /cidr. A cidr parameter takes precedence over stackId.
func (a *API) releaseHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if cidr := queryParam(q, paramCIDR...); cidr != "" {
		if err := a.engine.Release(r.Context(), cidr); err != nil {
			a.writeFailure(w, "release failed", err)
			return
		}
		a.writeText(w, http.StatusOK, "CIDR: "+cidr+" deleted")
		return
	}

	stackID := queryParam(q, paramStackID...)
	if _, err := a.engine.ReleaseByCorrelationID(r.Context(), stackID); err != nil {
		a.writeFailure(w, "release failed", err)
		return
	}
	a.writeText(w, http.StatusOK, "StackId: "+stackID+" deleted")
}

// attachHandler handles PUT /cidr, recording the resource using the allocation.
func (a *API) attachHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cidr := queryParam(q, paramCIDR...)

	if _, err := a.engine.AttachResource(r.Context(), cidr, queryParam(q, paramResourceID...)); err != nil {
		a.writeFailure(w, "update failed", err)
		return
	}
	a.writeText(w, http.StatusOK, "CIDR: "+cidr+" updated")
}

// describeHandler handles GET /cidr, returning the allocation record as text.
func (a *API) describeHandler(w http.ResponseWriter, r *http.Request) {
	allocation, err := a.engine.Describe(r.Context(), queryParam(r.URL.Query(), paramCIDR...))
	if err != nil {
		a.writeFailure(w, "describe failed", err)
		return
	}

	record, err := json.Marshal(allocation)
	if err != nil {
		a.writeFailure(w, "describe failed", err)
		return
	}
	a.writeText(w, http.StatusOK, "CIDR information: "+string(record))
}

// writeFailure logs err and answers with the plain text 500 used by the non-POST verbs
func (a *API) writeFailure(w http.ResponseWriter, msg string, err error) {
	a.logger.Warn(msg, zap.Error(err))
	a.writeText(w, http.StatusInternalServerError, "Error: "+err.Error())
}
