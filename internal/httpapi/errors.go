package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/RuntimeRacer/KoboldAI-united/internal/checkpoint"
	"github.com/RuntimeRacer/KoboldAI-united/internal/engine"
	"github.com/RuntimeRacer/KoboldAI-united/internal/lazyload"
	"github.com/RuntimeRacer/KoboldAI-united/internal/manager"
	"github.com/RuntimeRacer/KoboldAI-united/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}

// mapError translates well-known manager and pipeline errors into an HTTP
// status and a machine-readable kind. Load pipeline failures are server-side
// faults but keep a distinguishable kind in the payload.
func mapError(err error) (int, string) {
	switch {
	case manager.IsModelNotFound(err):
		return http.StatusNotFound, "model_not_found"
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests, "too_busy"
	case manager.IsConfiguration(err):
		return http.StatusBadRequest, "configuration"
	case manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable, "dependency_unavailable"
	case checkpoint.IsUnavailable(err):
		return http.StatusInternalServerError, "checkpoint_unavailable"
	case checkpoint.IsFilesystem(err):
		return http.StatusInternalServerError, "filesystem"
	case lazyload.IsTensorUnavailable(err):
		return http.StatusInternalServerError, "tensor_unavailable"
	case engine.IsShapeMismatch(err):
		return http.StatusInternalServerError, "shape_mismatch"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
