package api

import (
	"errors"
	"net/http"

	"github.com/onkernel/nodelab/lib/lifecycle"
	"github.com/onkernel/nodelab/lib/logger"
)

// Error is the JSON error body.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorStatus = []struct {
	kind   error
	status int
	code   string
}{
	{lifecycle.ErrNotFound, http.StatusNotFound, "not_found"},
	{lifecycle.ErrConflict, http.StatusConflict, "conflict"},
	{lifecycle.ErrStorage, http.StatusInternalServerError, "storage_error"},
	{lifecycle.ErrExhausted, http.StatusServiceUnavailable, "resources_exhausted"},
	{lifecycle.ErrLaunch, http.StatusInternalServerError, "launch_failed"},
	{lifecycle.ErrGateway, http.StatusBadGateway, "gateway_error"},
	{lifecycle.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
}

// writeError maps err to an HTTP status through its lifecycle kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := lifecycle.Kind(err)
	for _, e := range errorStatus {
		if errors.Is(kind, e.kind) {
			if e.status >= http.StatusInternalServerError {
				logger.FromContext(r.Context()).ErrorContext(r.Context(), "request failed", "error", err)
			}
			writeJSON(w, e.status, Error{Code: e.code, Message: err.Error()})
			return
		}
	}

	logger.FromContext(r.Context()).ErrorContext(r.Context(), "internal error", "error", err)
	writeJSON(w, http.StatusInternalServerError, Error{Code: "internal_error", Message: "internal server error"})
}
