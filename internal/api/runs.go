package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dbtgen/dbtgen/internal/failure"
	"github.com/dbtgen/dbtgen/internal/ledger"
)

func handleListRuns(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Generation == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATION_NOT_CONFIGURED", "generation is not configured", false, nil)
		return
	}
	filter := ledger.ListRunsFilter{Identifier: strings.TrimSpace(r.URL.Query().Get("identifier"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, map[string]any{"limit": raw})
			return
		}
		filter.Limit = limit
	}
	runs, err := deps.Generation.ListRuns(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func handleRunArchive(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Generation == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATION_NOT_CONFIGURED", "generation is not configured", false, nil)
		return
	}
	runID := r.PathValue("id")
	// Run ids are ledger UUIDs; anything else cannot name a run.
	if err := uuid.Validate(runID); err != nil {
		writeFailure(w, r, failure.Newf(failure.KindNotFound, "run %q not found", runID), map[string]any{"run_id": runID})
		return
	}
	archive, err := deps.Generation.FetchArchive(r.Context(), runID)
	if err != nil {
		writeFailure(w, r, err, map[string]any{"run_id": runID})
		return
	}
	w.Header().Set("X-Run-ID", runID)
	writeArchive(w, archive)
}
