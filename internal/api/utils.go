package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// ErrorResponse is the JSON error body of the admin endpoints
type ErrorResponse struct {
	Error string `json:"error"`
}

// queryParam returns the first non-empty value among the given parameter names
func queryParam(q url.Values, names ...string) string {
	for _, name := range names {
		if v := q.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (a *API) writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		a.logger.Warn("failed to write response", zap.Error(err))
	}
}
