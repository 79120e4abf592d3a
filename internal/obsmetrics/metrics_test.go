package obsmetrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthChecker_AllHealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetComponent("registry", true, "")
	hc.SetComponent("transport", true, "")

	snap := hc.Snapshot()
	assert.Equal(t, "healthy", snap.Status)
	assert.Equal(t, "healthy", snap.Components["registry"])
}

func TestHealthChecker_OneUnhealthyDegradesOverall(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetComponent("registry", true, "")
	hc.SetComponent("watcher", false, "fsnotify watch failed")

	snap := hc.Snapshot()
	assert.Equal(t, "degraded", snap.Status)
	assert.Contains(t, snap.Components["watcher"], "fsnotify watch failed")
}

func TestHealthChecker_HandlerReportsServiceUnavailableWhenDegraded(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetComponent("watcher", false, "broken")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	hc.Handler()(rec, req)

	assert.Equal(t, 503, rec.Code)
}
