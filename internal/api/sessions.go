package api

import (
	"encoding/json"
	"net/http"

	"github.com/dbtgen/dbtgen/internal/auth"
	"github.com/dbtgen/dbtgen/internal/warehouse"
)

func handleConnect(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "warehouse sessions are not configured", false, nil)
		return
	}
	var params warehouse.ConnectionParams
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&params); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid connection request body", false, map[string]any{"details": err.Error()})
		return
	}
	created, err := deps.Sessions.Connect(r.Context(), auth.Owner(r), params)
	if err != nil {
		writeFailure(w, r, err, map[string]any{"dialect": params.Dialect})
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func handleSessionTables(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "warehouse sessions are not configured", false, nil)
		return
	}
	id := r.PathValue("id")
	current, err := deps.Sessions.Tables(r.Context(), auth.Owner(r), id)
	if err != nil {
		writeFailure(w, r, err, map[string]any{"session_id": id})
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func handleDisconnect(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "warehouse sessions are not configured", false, nil)
		return
	}
	id := r.PathValue("id")
	if err := deps.Sessions.Disconnect(auth.Owner(r), id); err != nil {
		writeFailure(w, r, err, map[string]any{"session_id": id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
