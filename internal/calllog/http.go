package calllog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// Similar-calls endpoint limits.
const (
	defaultSimilarK = 5
	maxSimilarK     = 20
)

// SimilarSearcher is the store surface the HTTP handler reads through.
type SimilarSearcher interface {
	SimilarCalls(ctx context.Context, id string, k int) ([]Similar, error)
}

// HTTPHandler serves the call-log ops endpoints.
type HTTPHandler struct {
	store  SimilarSearcher
	logger *slog.Logger
}

// NewHTTPHandler creates the handler. A nil logger falls back to
// slog.Default().
func NewHTTPHandler(store SimilarSearcher, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{store: store, logger: logger}
}

// Register adds the call-log routes to mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/calls/{id}/similar", h.handleSimilar)
}

// handleSimilar serves GET /v1/calls/{id}/similar?k=N.
func (h *HTTPHandler) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing call id")
		return
	}

	k := defaultSimilarK
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = parsed
	}
	if k > maxSimilarK {
		k = maxSimilarK
	}

	calls, err := h.store.SimilarCalls(r.Context(), id, k)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		h.logger.Error("similar calls query failed", "call_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
