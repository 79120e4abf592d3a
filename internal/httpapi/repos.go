package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/missioncontrol/internal/parser"
	"github.com/cuemby/missioncontrol/internal/watcher"
)

type healthResponse struct {
	Status   string                   `json:"status"`
	Uptime   float64                  `json:"uptime"`
	Repos    []string                 `json:"repos"`
	Clients  int                      `json:"clients"`
	Watchers map[string]watcher.Stats `json:"watchers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Uptime:   time.Since(s.started).Seconds(),
		Repos:    s.reg.Names(),
		Clients:  s.hub.ClientCount(),
		Watchers: s.reg.WatcherStats(),
	})
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"repos": s.reg.All()})
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	state := s.reg.Get(name)
	if state == nil {
		writeError(w, http.StatusNotFound, "Repo not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type addRepoRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s *Server) handleAddRepo(w http.ResponseWriter, r *http.Request) {
	var req addRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}

	state, err := s.reg.AddRepo(req.Name, req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "state": state})
}

func (s *Server) handleRemoveRepo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.reg.RemoveRepo(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type bulkAddRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) handleBulkAdd(w http.ResponseWriter, r *http.Request) {
	var req bulkAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result := s.reg.BulkAdd(req.Paths)
	writeJSON(w, http.StatusOK, map[string]interface{}{"added": result.Added, "errors": result.Errors})
}

type patchStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handlePatchStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	weID := r.PathValue("weId")

	var req patchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !isAllowedStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "Invalid status. Must be one of: "+allowedStatusList())
		return
	}

	state := s.reg.Get(name)
	if state == nil {
		writeError(w, http.StatusNotFound, "Repo not found")
		return
	}

	found := false
	for _, we := range state.WorkEfforts {
		if we.ID == weID {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "Work effort not found")
		return
	}

	if err := s.reg.PatchStatus(name, weID, req.Status); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": req.Status})
}

func isAllowedStatus(status string) bool {
	for _, st := range parser.WorkEffortStatuses {
		if st == status {
			return true
		}
	}
	return false
}

func allowedStatusList() string {
	out := ""
	for i, st := range parser.WorkEffortStatuses {
		if i > 0 {
			out += ", "
		}
		out += st
	}
	return out
}

func (s *Server) handleRepoEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.reg.Get(name) == nil {
		writeError(w, http.StatusNotFound, "Repo not found")
		return
	}

	var filtered []interface{}
	for _, ev := range s.bus.History() {
		repo, _ := ev.Data.(map[string]interface{})["repo"].(string)
		if repo != name {
			continue
		}
		filtered = append(filtered, map[string]interface{}{
			"type": ev.Type,
			"data": ev.Data,
			"meta": ev.Meta,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repo": name, "events": filtered})
}
