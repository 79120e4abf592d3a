// Package obsmetrics exposes Prometheus metrics and a component health
// checker, generalized from the teacher's pkg/metrics: the same
// package-level metric variables registered at init and a /metrics
// promhttp handler, narrowed from Warren's cluster-component catalog
// (nodes, containers, raft) to this system's own components.
package obsmetrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RepoParseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "missioncontrol_repo_parse_duration_seconds",
			Help:    "Time taken to parse a repo's work-efforts tree, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BroadcastClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "missioncontrol_broadcast_clients",
			Help: "Number of currently connected transport clients",
		},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "missioncontrol_events_total",
			Help: "Total number of events emitted on the event bus, by type",
		},
		[]string{"type"},
	)

	CounterGetNextTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "missioncontrol_counter_getnext_total",
			Help: "Total number of CounterService getNext calls, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(RepoParseDuration)
	prometheus.MustRegister(BroadcastClients)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(CounterGetNextTotal)
}

// Handler serves the Prometheus exposition format at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ComponentHealth is the last-known health of one named component.
type ComponentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker tracks per-component health for the /healthz endpoint
// (httpapi's GET /api/health does not read it), generalized from the
// teacher's HealthChecker catalog of raft/containerd/api components to
// components named by the caller (missioncontrold registers registry,
// transport, and counterstore).
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
}

// NewHealthChecker constructs a checker stamped with the current time
// as its start time, used for uptime reporting.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{components: make(map[string]ComponentHealth), startTime: time.Now()}
}

// SetComponent records the current health of a named component.
func (hc *HealthChecker) SetComponent(name string, healthy bool, message string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.components[name] = ComponentHealth{Healthy: healthy, Message: message, Updated: time.Now()}
}

// Status is the overall and per-component health snapshot.
type Status struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
}

// Snapshot computes the overall status: "healthy" unless any
// registered component reports unhealthy.
func (hc *HealthChecker) Snapshot() Status {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(hc.components))
	for name, c := range hc.components {
		if !c.Healthy {
			status = "degraded"
			components[name] = "unhealthy: " + c.Message
		} else {
			components[name] = "healthy"
		}
	}

	return Status{Status: status, Uptime: time.Since(hc.startTime).String(), Components: components}
}

// Handler returns an http.HandlerFunc reporting the checker's current
// snapshot, for wiring alongside the main control-plane mux when a
// component wants to surface sub-system health independently of
// httpapi's own GET /api/health.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := hc.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if snap.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(snap)
	}
}
