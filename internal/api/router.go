package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"ota-agent/internal/engine"
	"ota-agent/internal/systemd"
	"ota-agent/internal/unitlog"

	"github.com/gorilla/mux"
)

// StatusSource publishes the engine's current state
type StatusSource interface {
	Status() engine.Status
}

// RevisionSource lists the last healthy revision per container
type RevisionSource interface {
	All() (map[string]string, error)
}

// UnitSource reports the runtime state of container units
type UnitSource interface {
	Units(ctx context.Context, names []string) ([]systemd.UnitState, error)
}

// LogSource reads a unit's recent log lines
type LogSource interface {
	Tail(unit string, n int) ([]unitlog.Entry, error)
}

// Sources are what the local API reads from. Units and Logs are optional.
type Sources struct {
	Status    StatusSource
	Revisions RevisionSource
	Units     UnitSource
	Logs      LogSource
}

type apiEnv struct {
	sources        Sources
	version        string
	streamInterval time.Duration
	logger         *slog.Logger
}

// HealthResponse is returned by GET /api/health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// NewRouter builds the read-only local API
func NewRouter(sources Sources, version string, logger *slog.Logger) http.Handler {
	env := &apiEnv{
		sources:        sources,
		version:        version,
		streamInterval: time.Second,
		logger:         logger.With("component", "api"),
	}
	return env.router()
}

func (e *apiEnv) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", e.healthHandler).Methods(http.MethodGet)

	// Update engine
	r.HandleFunc("/api/status", e.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/status/stream", e.statusStreamHandler)

	// Containers
	r.HandleFunc("/api/revisions", e.revisionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/units", e.unitsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/units/{name}/logs", e.unitLogsHandler).Methods(http.MethodGet)

	return r
}

// healthHandler handles GET /api/health
func (e *apiEnv) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: e.version})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
