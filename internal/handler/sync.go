package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/premiumsync/internal/entitlement"
	"github.com/dukerupert/premiumsync/internal/model"
)

// Syncer runs a sync pass.
type Syncer interface {
	Sync(ctx context.Context, trigger model.SyncTrigger) (model.SyncRun, error)
}

// RunLister reads sync history.
type RunLister interface {
	List(limit int) ([]model.SyncRun, error)
}

type SyncHandler struct {
	syncer Syncer
	runs   RunLister
	logger *slog.Logger
}

func NewSyncHandler(syncer Syncer, runs RunLister, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{syncer: syncer, runs: runs, logger: logger}
}

// ListRuns serves GET /api/sync/runs?limit=N.
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 100 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}

	runs, err := h.runs.List(limit)
	if err != nil {
		h.logger.Error("list sync runs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list sync runs"})
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// Trigger serves POST /api/sync. The pass runs to completion even if the
// client goes away.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	run, err := h.syncer.Sync(context.WithoutCancel(r.Context()), model.SyncTriggerAPI)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, entitlement.ErrSyncUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, run)
	default:
		writeJSON(w, http.StatusInternalServerError, run)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
