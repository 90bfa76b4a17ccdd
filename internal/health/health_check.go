package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/buckets/internal/layout"
	"github.com/devrev/buckets/internal/model"
	"github.com/devrev/buckets/internal/multidisk"
	"github.com/devrev/buckets/internal/storage/diskmanager"
)

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// DiskSet is the view of the coordinator the checker needs
type DiskSet interface {
	Stats() multidisk.Stats
	MarkOffline(setIndex, diskIndex int) error
}

// UsageSource reports per-disk space usage
type UsageSource interface {
	Usage() []diskmanager.DiskUsageStats
}

// HealthChecker performs health checks for the node
type HealthChecker struct {
	nodeID   string
	interval time.Duration
	disks    DiskSet
	usage    UsageSource
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	metrics     model.HealthMetrics
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	Interval time.Duration
}

// NewHealthChecker creates a new health checker. usage may be nil.
func NewHealthChecker(cfg *HealthCheckConfig, disks DiskSet, usage UsageSource, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		interval:    interval,
		disks:       disks,
		usage:       usage,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is cancelled
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all health checks once. Disks that fail the access probe
// are marked offline before quorum is evaluated.
func (h *HealthChecker) RunChecks() {
	results := []CheckResult{
		h.checkDisksAccessible(),
		h.checkDiskSpace(),
	}
	// Quorum runs after the probe so it sees disks the probe took offline
	quorum, hm := h.checkSetQuorum()
	results = append(results, quorum, h.checkFileDescriptors())
	hm.MaxDiskUsage = h.maxDiskUsage()

	allHealthy := true
	allReady := true
	for _, r := range results {
		if r.Status != StatusHealthy {
			allHealthy = false
			if r.Status == StatusCritical {
				allReady = false
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	h.metrics = hm

	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkDisksAccessible writes a probe file to every online disk
func (h *HealthChecker) checkDisksAccessible() CheckResult {
	st := h.disks.Stats()

	var failed []string
	for _, set := range st.Sets {
		for _, d := range set.Disks {
			if !d.Online {
				continue
			}
			if err := probeDisk(d.Path); err != nil {
				h.logger.Warn("Disk failed access probe, marking offline",
					zap.Int("set", set.Index),
					zap.Int("disk", d.Index),
					zap.String("path", d.Path),
					zap.Error(err))
				if merr := h.disks.MarkOffline(set.Index, d.Index); merr != nil {
					h.logger.Error("Failed to mark disk offline", zap.Error(merr))
				}
				failed = append(failed, d.Path)
			}
		}
	}

	if len(failed) > 0 {
		return result("disks_accessible", StatusWarning,
			fmt.Sprintf("%d disk(s) not writable: %v", len(failed), failed))
	}
	return result("disks_accessible", StatusHealthy, "All online disks are accessible and writable")
}

func probeDisk(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	probe := filepath.Join(path, layout.SysDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

// checkDiskSpace reports throttled or circuit broken disks
func (h *HealthChecker) checkDiskSpace() CheckResult {
	if h.usage == nil {
		return result("disk_space", StatusHealthy, "Disk space monitoring disabled")
	}

	var throttled, broken int
	for _, u := range h.usage.Usage() {
		switch {
		case u.IsCircuitBroken:
			broken++
		case u.IsThrottled:
			throttled++
		}
	}

	switch {
	case broken > 0:
		return result("disk_space", StatusWarning,
			fmt.Sprintf("%d disk(s) full, writes refused", broken))
	case throttled > 0:
		return result("disk_space", StatusWarning,
			fmt.Sprintf("%d disk(s) above throttle threshold", throttled))
	}
	return result("disk_space", StatusHealthy, fmt.Sprintf("Disk usage: max %.2f%%", h.maxDiskUsage()))
}

func (h *HealthChecker) maxDiskUsage() float64 {
	if h.usage == nil {
		return 0
	}
	var max float64
	for _, u := range h.usage.Usage() {
		if u.UsagePercent > max {
			max = u.UsagePercent
		}
	}
	return max
}

// checkSetQuorum is critical when any set lost quorum
func (h *HealthChecker) checkSetQuorum() (CheckResult, model.HealthMetrics) {
	st := h.disks.Stats()
	hm := model.HealthMetrics{
		TotalDisks:      st.TotalDisks,
		OnlineDisks:     st.OnlineDisks,
		SetsBelowQuorum: st.SetsBelowQuorum(),
	}

	switch {
	case hm.SetsBelowQuorum > 0:
		return result("set_quorum", StatusCritical,
			fmt.Sprintf("%d of %d set(s) below quorum", hm.SetsBelowQuorum, st.SetCount)), hm
	case hm.OnlineDisks < hm.TotalDisks:
		return result("set_quorum", StatusWarning,
			fmt.Sprintf("%d of %d disks offline", hm.TotalDisks-hm.OnlineDisks, hm.TotalDisks)), hm
	}
	return result("set_quorum", StatusHealthy, fmt.Sprintf("All %d disks online", hm.TotalDisks)), hm
}

// checkFileDescriptors checks if file descriptor usage is acceptable
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return result("file_descriptors", StatusWarning, fmt.Sprintf("Failed to get rlimit: %v", err))
	}

	// Linux only
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil || rlimit.Cur == 0 {
		return result("file_descriptors", StatusHealthy,
			fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max))
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	if usagePercent > 90 {
		return result("file_descriptors", StatusWarning,
			fmt.Sprintf("File descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur))
	}
	return result("file_descriptors", StatusHealthy,
		fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur))
}

func result(name, status, msg string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: msg, Timestamp: time.Now()}
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns a copy of all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeProbe(w, ready, map[string]interface{}{
		"ready":   ready,
		"status":  status.Status,
		"metrics": status.Metrics,
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
