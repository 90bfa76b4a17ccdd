package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/buckets/internal/model"
	"github.com/devrev/buckets/internal/multidisk"
	"github.com/devrev/buckets/internal/storage/diskmanager"
)

type fixedUsage []diskmanager.DiskUsageStats

func (u fixedUsage) Usage() []diskmanager.DiskUsageStats { return u }

func newCluster(t *testing.T, disks int) ([]string, *multidisk.Coordinator) {
	t.Helper()
	root := t.TempDir()
	paths := make([]string, disks)
	for i := range paths {
		paths[i] = filepath.Join(root, "disk"+string(rune('a'+i)))
	}
	_, err := multidisk.FormatDisks(paths, 1, disks, nil)
	require.NoError(t, err)

	c, err := multidisk.NewCoordinator(paths, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return paths, c
}

func TestHealthChecker_AllHealthy(t *testing.T) {
	_, c := newCluster(t, 4)
	usage := fixedUsage{{Path: "a", UsagePercent: 42.5}, {Path: "b", UsagePercent: 10}}
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1"}, c, usage, nil)

	h.RunChecks()

	assert.True(t, h.IsLive())
	assert.True(t, h.IsReady())

	status := h.GetStatus()
	assert.Equal(t, "node-1", status.NodeID)
	assert.Equal(t, model.NodeStatusHealthy, status.Status)
	assert.Equal(t, model.HealthMetrics{TotalDisks: 4, OnlineDisks: 4, MaxDiskUsage: 42.5}, status.Metrics)

	checks := h.GetChecks()
	for _, name := range []string{"disks_accessible", "disk_space", "set_quorum", "file_descriptors"} {
		require.Contains(t, checks, name)
	}
	assert.Equal(t, StatusHealthy, checks["set_quorum"].Status)
}

func TestHealthChecker_UnwritableDiskIsMarkedOffline(t *testing.T) {
	paths, c := newCluster(t, 4)
	require.NoError(t, os.RemoveAll(paths[1]))

	h := NewHealthChecker(&HealthCheckConfig{}, c, nil, nil)
	h.RunChecks()

	_, online := c.DiskPath(0, 1)
	assert.False(t, online)

	checks := h.GetChecks()
	assert.Equal(t, StatusWarning, checks["disks_accessible"].Status)
	assert.Contains(t, checks["disks_accessible"].Message, paths[1])
	assert.Equal(t, StatusWarning, checks["set_quorum"].Status)

	assert.True(t, h.IsReady(), "three of four disks still meet quorum")
	assert.Equal(t, model.NodeStatusDegraded, h.GetStatus().Status)
	assert.Equal(t, 3, h.GetStatus().Metrics.OnlineDisks)
}

func TestHealthChecker_SetBelowQuorumIsCritical(t *testing.T) {
	_, c := newCluster(t, 4)
	require.NoError(t, c.MarkOffline(0, 0))
	require.NoError(t, c.MarkOffline(0, 3))

	h := NewHealthChecker(&HealthCheckConfig{}, c, nil, nil)
	h.RunChecks()

	assert.False(t, h.IsReady())
	assert.True(t, h.IsLive())
	assert.Equal(t, model.NodeStatusUnhealthy, h.GetStatus().Status)
	assert.Equal(t, 1, h.GetStatus().Metrics.SetsBelowQuorum)
	assert.Equal(t, StatusCritical, h.GetChecks()["set_quorum"].Status)
}

func TestHealthChecker_DiskSpace(t *testing.T) {
	_, c := newCluster(t, 2)

	tests := []struct {
		name   string
		usage  fixedUsage
		status string
	}{
		{"normal", fixedUsage{{UsagePercent: 50}}, StatusHealthy},
		{"throttled", fixedUsage{{UsagePercent: 92, IsThrottled: true}}, StatusWarning},
		{"circuit broken", fixedUsage{{UsagePercent: 97, IsThrottled: true, IsCircuitBroken: true}}, StatusWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(&HealthCheckConfig{}, c, tt.usage, nil)
			h.RunChecks()
			assert.Equal(t, tt.status, h.GetChecks()["disk_space"].Status)
			assert.True(t, h.IsReady())
		})
	}
}

func TestHealthChecker_Handlers(t *testing.T) {
	_, c := newCluster(t, 2)
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "n"}, c, nil, nil)
	h.RunChecks()

	w := httptest.NewRecorder()
	h.LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	w = httptest.NewRecorder()
	h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Ready   bool                `json:"ready"`
		Status  string              `json:"status"`
		Metrics model.HealthMetrics `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Ready)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 2, body.Metrics.TotalDisks)

	h.SetReadiness(false)
	w = httptest.NewRecorder()
	h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthChecker_StartStopsWithContext(t *testing.T) {
	_, c := newCluster(t, 2)
	h := NewHealthChecker(&HealthCheckConfig{Interval: time.Millisecond}, c, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(h.GetChecks()) == 4 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checker did not stop")
	}
}
