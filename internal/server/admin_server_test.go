package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/buckets/internal/health"
	"github.com/devrev/buckets/internal/layout"
	"github.com/devrev/buckets/internal/metrics"
	"github.com/devrev/buckets/internal/multidisk"
	"github.com/devrev/buckets/internal/service"
	"github.com/devrev/buckets/internal/storage/diskmanager"
	"github.com/devrev/buckets/internal/util/workerpool"
)

type fakeHeal struct {
	stats  workerpool.Stats
	full   bool
	queued []string
}

func (h *fakeHeal) Enqueue(bucket, object string) bool {
	if h.full {
		return false
	}
	h.queued = append(h.queued, bucket+"/"+object)
	return true
}

func (h *fakeHeal) Stats() workerpool.Stats { return h.stats }

type fixedUsage []diskmanager.DiskUsageStats

func (u fixedUsage) Usage() []diskmanager.DiskUsageStats { return u }

type testNode struct {
	srv     *AdminServer
	coord   *multidisk.Coordinator
	objects *service.ObjectService
	checker *health.HealthChecker
	heal    *fakeHeal
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	root := t.TempDir()
	paths := []string{filepath.Join(root, "a"), filepath.Join(root, "b"), filepath.Join(root, "c"), filepath.Join(root, "d")}
	_, err := multidisk.FormatDisks(paths, 1, 4, nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	c, err := multidisk.NewCoordinator(paths, &multidisk.Config{Metrics: m}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	objects, err := service.NewObjectService(c, service.Config{DataChunks: 2, ParityChunks: 2}, m, nil)
	require.NoError(t, err)

	checker := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: "test"}, c, nil, nil)
	checker.RunChecks()

	heal := &fakeHeal{stats: workerpool.Stats{Name: "heal", MaxWorkers: 4, CompletedTasks: 7}}
	srv := NewAdminServer(&AdminServerConfig{Port: 0}, reg, checker, Sources{
		Coordinator: c,
		Heal:        heal,
		Objects:     objects,
		Disks:       fixedUsage{{Path: paths[0], UsagePercent: 12.5}},
	}, nil)
	return &testNode{srv: srv, coord: c, objects: objects, checker: checker, heal: heal}
}

func serve(srv *AdminServer, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAdminServer_Metrics(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.coord.MarkOffline(0, 2))

	w := serve(n.srv, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "buckets_")
	assert.Contains(t, w.Body.String(), `set="0"`)
}

func TestAdminServer_Probes(t *testing.T) {
	n := newTestNode(t)

	assert.Equal(t, http.StatusOK, serve(n.srv, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, serve(n.srv, http.MethodGet, "/ready").Code)

	require.NoError(t, n.coord.MarkOffline(0, 0))
	require.NoError(t, n.coord.MarkOffline(0, 1))
	n.checker.RunChecks()

	assert.Equal(t, http.StatusOK, serve(n.srv, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(n.srv, http.MethodGet, "/ready").Code)
}

func TestAdminServer_RequestID(t *testing.T) {
	n := newTestNode(t)

	w := serve(n.srv, http.MethodGet, "/health")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w = httptest.NewRecorder()
	n.srv.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestAdminServer_Stats(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.coord.MarkOffline(0, 3))

	w := serve(n.srv, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Cluster)
	assert.Equal(t, n.coord.DeploymentID(), resp.Cluster.DeploymentID)
	assert.Equal(t, 4, resp.Cluster.TotalDisks)
	assert.Equal(t, 3, resp.Cluster.OnlineDisks)
	assert.False(t, resp.Cluster.Sets[0].Disks[3].Online)

	require.NotNil(t, resp.Heal)
	assert.Equal(t, uint64(7), resp.Heal.CompletedTasks)
	require.Len(t, resp.DiskUsage, 1)
	assert.Equal(t, 12.5, resp.DiskUsage[0].UsagePercent)
	assert.WithinDuration(t, time.Now(), resp.Timestamp, time.Minute)
}

func TestAdminServer_WithoutSources(t *testing.T) {
	srv := NewAdminServer(&AdminServerConfig{}, prometheus.NewRegistry(), nil, Sources{}, nil)

	w := serve(srv, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Contains(t, raw, "timestamp")
	assert.NotContains(t, raw, "cluster")
	assert.NotContains(t, raw, "heal")

	assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodPost, "/heal/photos/obj").Code)
	assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodGet, "/objects/photos/obj").Code)
}

func TestAdminServer_UnknownRoutes(t *testing.T) {
	n := newTestNode(t)

	w := serve(n.srv, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "endpoint not found", decodeError(t, w).Message)

	w = serve(n.srv, http.MethodPost, "/stats")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAdminServer_StatObject(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	_, err := n.objects.PutObject(ctx, "photos", "2024/beach.jpg", []byte("sand and sea"), service.PutOptions{ContentType: "image/jpeg"})
	require.NoError(t, err)

	w := serve(n.srv, http.MethodGet, "/objects/photos/2024/beach.jpg")
	require.Equal(t, http.StatusOK, w.Code)
	var info service.ObjectInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, int64(12), info.Size)
	assert.Equal(t, "image/jpeg", info.ContentType)

	w = serve(n.srv, http.MethodGet, "/objects/photos/missing.jpg")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).ErrorCode)

	w = serve(n.srv, http.MethodGet, "/objects/Bad_Bucket/obj")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_argument", decodeError(t, w).ErrorCode)
}

func TestAdminServer_HealQueued(t *testing.T) {
	n := newTestNode(t)

	w := serve(n.srv, http.MethodPost, "/heal/photos/2024/summer/beach.jpg")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"photos/2024/summer/beach.jpg"}, n.heal.queued)

	w = serve(n.srv, http.MethodPost, "/heal/Bad_Bucket/obj")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	n.heal.full = true
	w = serve(n.srv, http.MethodPost, "/heal/photos/obj")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "queue_full", decodeError(t, w).ErrorCode)
	assert.Len(t, n.heal.queued, 1)

	assert.Equal(t, http.StatusMethodNotAllowed, serve(n.srv, http.MethodGet, "/heal/photos/obj").Code)
}

func TestAdminServer_HealSync(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	data := make([]byte, 200*1024)
	for i := range data {
		data[i] = byte(i)
	}
	info, err := n.objects.PutObject(ctx, "photos", "big.raw", data, service.PutOptions{})
	require.NoError(t, err)
	require.False(t, info.Inline)

	// Drop the chunk stored on the first disk of the distribution
	slot := layout.Distribution("photos/big.raw", 4)[0]
	disk, _ := n.coord.DiskPath(info.Set, slot)
	chunk := filepath.Join(disk, layout.ObjectPath(n.coord.DeploymentID(), "photos", "big.raw"), layout.PartFile(0))
	require.NoError(t, os.Remove(chunk))

	w := serve(n.srv, http.MethodPost, "/heal/photos/big.raw?sync=true")
	require.Equal(t, http.StatusOK, w.Code)
	var res service.HealResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, []int{0}, res.ChunksHealed)
	assert.FileExists(t, chunk)
	assert.Empty(t, n.heal.queued)

	w = serve(n.srv, http.MethodPost, "/heal/photos/nothing?sync=true")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPStatus(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.coord.MarkOffline(0, 0))
	require.NoError(t, n.coord.MarkOffline(0, 1))

	// Below quorum the read is unavailable, not lost
	_, err := n.objects.StatObject(context.Background(), "photos", "obj")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))

	require.NoError(t, n.coord.MarkOnline(0, 0))
	require.NoError(t, n.coord.MarkOnline(0, 1))
	_, err = n.objects.StatObject(context.Background(), "photos", "obj")
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))

	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(os.ErrClosed))
}
