package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/missioncontrol/internal/counterstore"
)

// stamped wraps payload with the timestamp envelope spec §6.3's
// counter-admin endpoints require ("{timestamp, ...payload}").
func stamped(payload map[string]interface{}) map[string]interface{} {
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return payload
}

func (s *Server) handleCounterStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stamped(map[string]interface{}{
		"counters":   s.counters.GetCurrentCounters(),
		"statistics": s.counters.GetStatistics(),
	}))
}

func (s *Server) handleCounterAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, stamped(map[string]interface{}{
		"audit": s.counters.GetAuditLog(limit),
	}))
}

func (s *Server) handleCounterValidate(w http.ResponseWriter, r *http.Request) {
	validation, err := s.counters.Validate(s.reg.RepoPaths())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stamped(map[string]interface{}{
		"status":      validation.Status,
		"checks":      validation.Checks,
		"suggestions": validation.Suggestions,
	}))
}

func (s *Server) handleCounterMigratePreview(w http.ResponseWriter, r *http.Request) {
	fsCounts, err := counterstore.Scan(s.reg.RepoPaths())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ops := counterstore.Preview(fsCounts)
	writeJSON(w, http.StatusOK, stamped(map[string]interface{}{
		"filesystem": fsCounts,
		"operations": ops,
	}))
}

func (s *Server) handleCounterMigrate(w http.ResponseWriter, r *http.Request) {
	ops, err := s.counters.Migrate(s.reg.RepoPaths())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stamped(map[string]interface{}{
		"operations": ops,
	}))
}

type repairRequest = counterstore.Validation

func (s *Server) handleCounterRepair(w http.ResponseWriter, r *http.Request) {
	var body repairRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	successCount, err := s.counters.Repair(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stamped(map[string]interface{}{
		"successCount": successCount,
	}))
}
