// Package httpapi implements the HTTP Control Plane (spec §4.9, §6.3):
// repo CRUD, work-effort status transitions, directory browsing for
// the add-repo UX, and counter administration. It is built on
// net/http with Go 1.22+ method+path ServeMux patterns, generalized
// from the teacher's pkg/api health-check surface to this project's
// full repo/browse/counter-admin surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/missioncontrol/internal/config"
	"github.com/cuemby/missioncontrol/internal/counterstore"
	"github.com/cuemby/missioncontrol/internal/eventbus"
	"github.com/cuemby/missioncontrol/internal/obslog"
	"github.com/cuemby/missioncontrol/internal/registry"
	"github.com/cuemby/missioncontrol/internal/transport"
)

// Server owns the HTTP control-plane mux. It holds concrete references
// to its collaborators rather than narrow interfaces, matching the
// teacher's HealthServer, which embeds *manager.Manager directly.
type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	counters *counterstore.Store
	bus      *eventbus.Bus
	hub      *transport.Hub
	mux      *http.ServeMux
	started  time.Time
	http     *http.Server
}

// New builds the HTTP control-plane mux and registers every route.
func New(cfg *config.Config, reg *registry.Registry, counters *counterstore.Store, bus *eventbus.Bus, hub *transport.Hub) *Server {
	s := &Server{
		cfg:      cfg,
		reg:      reg,
		counters: counters,
		bus:      bus,
		hub:      hub,
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/repos", s.handleListRepos)
	s.mux.HandleFunc("GET /api/repos/{name}", s.handleGetRepo)
	s.mux.HandleFunc("POST /api/repos", s.handleAddRepo)
	s.mux.HandleFunc("DELETE /api/repos/{name}", s.handleRemoveRepo)
	s.mux.HandleFunc("POST /api/repos/bulk", s.handleBulkAdd)
	s.mux.HandleFunc("PATCH /api/repos/{name}/work-efforts/{weId}/status", s.handlePatchStatus)
	s.mux.HandleFunc("GET /api/repos/{name}/events", s.handleRepoEvents)

	s.mux.HandleFunc("GET /api/browse", s.handleBrowse)

	s.mux.HandleFunc("GET /api/counter/stats", s.handleCounterStats)
	s.mux.HandleFunc("GET /api/counter/audit", s.handleCounterAudit)
	s.mux.HandleFunc("GET /api/counter/validate", s.handleCounterValidate)
	s.mux.HandleFunc("POST /api/counter/migrate", s.handleCounterMigrate)
	s.mux.HandleFunc("POST /api/counter/migrate/preview", s.handleCounterMigratePreview)
	s.mux.HandleFunc("POST /api/counter/repair", s.handleCounterRepair)

	s.mux.HandleFunc("GET /ws", s.hub.ServeWS)
}

// Handler returns the root http.Handler for this server.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on addr, matching the
// teacher's HealthServer.Start timeout posture.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server, deferring to ctx's deadline
// (spec §5: a hard ceiling on awaiting pending work during shutdown).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		obslog.WithComponent("httpapi").Error().Err(err).Msg("failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
