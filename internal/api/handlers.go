package api

import (
	"net/http"
	"sort"
	"strconv"

	internalPaths "ota-agent/internal"
	"ota-agent/internal/systemd"
	"ota-agent/internal/unitlog"

	"github.com/gorilla/mux"
)

// RevisionsResponse is returned by GET /api/revisions
type RevisionsResponse struct {
	Revisions map[string]string `json:"revisions"`
}

// UnitsResponse is returned by GET /api/units
type UnitsResponse struct {
	Units []systemd.UnitState `json:"units"`
}

// UnitLogsResponse is returned by GET /api/units/{name}/logs
type UnitLogsResponse struct {
	Unit    string          `json:"unit"`
	Limit   int             `json:"limit"`
	Entries []unitlog.Entry `json:"entries"`
}

// statusHandler serves GET /api/status
func (e *apiEnv) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.sources.Status.Status())
}

// revisionsHandler serves GET /api/revisions
func (e *apiEnv) revisionsHandler(w http.ResponseWriter, r *http.Request) {
	revs, err := e.sources.Revisions.All()
	if err != nil {
		e.logger.Error("failed to read revision ledger", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, RevisionsResponse{Revisions: revs})
}

// unitsHandler serves GET /api/units
// Returns the state of every container that ever became healthy
func (e *apiEnv) unitsHandler(w http.ResponseWriter, r *http.Request) {
	if e.sources.Units == nil {
		http.Error(w, "unit state is not available", http.StatusServiceUnavailable)
		return
	}

	revs, err := e.sources.Revisions.All()
	if err != nil {
		e.logger.Error("failed to read revision ledger", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	names := make([]string, 0, len(revs))
	for name := range revs {
		names = append(names, internalPaths.UnitName(name))
	}
	sort.Strings(names)

	units, err := e.sources.Units.Units(r.Context(), names)
	if err != nil {
		e.logger.Error("failed to list units", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, UnitsResponse{Units: units})
}

// unitLogsHandler serves GET /api/units/{name}/logs
// Query params:
//
//	limit=<n>  - max entries to return (default 50, at most 1000)
func (e *apiEnv) unitLogsHandler(w http.ResponseWriter, r *http.Request) {
	if e.sources.Logs == nil {
		http.Error(w, "unit logs are not available", http.StatusServiceUnavailable)
		return
	}

	unit := internalPaths.UnitName(mux.Vars(r)["name"])
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	entries, err := e.sources.Logs.Tail(unit, limit)
	if err != nil {
		e.logger.Error("failed to read unit log", "unit", unit, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []unitlog.Entry{}
	}
	writeJSON(w, http.StatusOK, UnitLogsResponse{Unit: unit, Limit: limit, Entries: entries})
}
