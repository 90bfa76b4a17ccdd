package diskmanager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/disk"
	"go.uber.org/zap"

	"github.com/devrev/buckets/internal/errors"
	"github.com/devrev/buckets/internal/metrics"
)

// UsageFunc reports filesystem usage for a path
type UsageFunc func(path string) (*disk.UsageStat, error)

// DiskManager monitors disk space of one disk and enforces write policies
type DiskManager struct {
	dataDir              string
	logger               *zap.Logger
	metrics              *metrics.Metrics
	usage                UsageFunc
	mu                   sync.RWMutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	cachedTotalBytes     uint64
	checkInterval        time.Duration

	// Thresholds
	warningThreshold        float64 // Start warning at this percentage (e.g., 80%)
	throttleThreshold       float64 // Throttle writes at this percentage (e.g., 90%)
	circuitBreakerThreshold float64 // Stop all writes at this percentage (e.g., 95%)

	// State
	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64

	// Usage defaults to gopsutil's disk.Usage
	Usage   UsageFunc
	Metrics *metrics.Metrics
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, errors.InvalidConfig("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	usage := cfg.Usage
	if usage == nil {
		usage = disk.Usage
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger.With(zap.String("disk", cfg.DataDir)),
		metrics:                 cfg.Metrics,
		usage:                   usage,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	// Perform initial check
	if err := dm.checkDiskSpace(); err != nil {
		dm.logger.Warn("Initial disk space check failed", zap.Error(err))
	}

	return dm, nil
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// Capacity returns the total size in bytes of the filesystem holding path
func Capacity(path string) (uint64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, errors.IO(fmt.Sprintf("stat filesystem of %s", path), err)
	}
	return stat.Total, nil
}

func (dm *DiskManager) refreshIfStale() {
	dm.mu.RLock()
	stale := time.Since(dm.lastCheck) > dm.checkInterval
	dm.mu.RUnlock()
	if !stale {
		return
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}
}

// CheckBeforeWrite checks if a write of the given size can proceed
// Returns an error if write should be rejected
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.refreshIfStale()

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	// Check circuit breaker
	if dm.isCircuitBroken {
		return &DiskSpaceError{
			Code:            ErrCodeDiskFull,
			Message:         fmt.Sprintf("disk usage at %.2f%%, circuit breaker engaged", dm.cachedUsagePercent),
			UsagePercent:    dm.cachedUsagePercent,
			AvailableBytes:  dm.cachedAvailableBytes,
			IsCircuitBroken: true,
		}
	}

	// Check if throttled
	if dm.isThrottled {
		// Allow small writes during throttling, reject large ones
		if estimatedBytes > dm.cachedAvailableBytes/10 {
			return &DiskSpaceError{
				Code:           ErrCodeDiskThrottled,
				Message:        fmt.Sprintf("disk usage at %.2f%%, write throttled", dm.cachedUsagePercent),
				UsagePercent:   dm.cachedUsagePercent,
				AvailableBytes: dm.cachedAvailableBytes,
				IsThrottled:    true,
			}
		}
	}

	// Check if requested write would fit
	if estimatedBytes > dm.cachedAvailableBytes {
		return &DiskSpaceError{
			Code:           ErrCodeInsufficientSpace,
			Message:        fmt.Sprintf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, dm.cachedAvailableBytes),
			UsagePercent:   dm.cachedUsagePercent,
			AvailableBytes: dm.cachedAvailableBytes,
		}
	}

	return nil
}

// checkDiskSpace checks current disk usage and updates state
// Must be called with write lock held
func (dm *DiskManager) checkDiskSpace() error {
	stat, err := dm.usage(dm.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	totalBytes := stat.Total
	availableBytes := stat.Free
	usagePercent := stat.UsedPercent

	// Update cache
	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = availableBytes
	dm.cachedTotalBytes = totalBytes
	dm.lastCheck = time.Now()
	dm.metrics.SetDiskUsage(dm.dataDir, stat.Used, availableBytes, usagePercent)

	// Update state based on thresholds
	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	// Log state changes
	if dm.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !dm.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	if dm.isThrottled && !previouslyThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk write throttling ENABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && previouslyThrottled {
		dm.logger.Info("Disk write throttling DISABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.refreshIfStale()

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	return DiskUsageStats{
		Path:            dm.dataDir,
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		TotalBytes:      dm.cachedTotalBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	Path            string    `json:"path"`
	UsagePercent    float64   `json:"usage_percent"`
	AvailableBytes  uint64    `json:"available_bytes"`
	TotalBytes      uint64    `json:"total_bytes"`
	IsThrottled     bool      `json:"is_throttled"`
	IsCircuitBroken bool      `json:"is_circuit_broken"`
	LastCheck       time.Time `json:"last_check"`
}

// Manager tracks one DiskManager per disk path
type Manager struct {
	disks map[string]*DiskManager
}

// NewManager creates a disk manager for every path using the thresholds of tmpl
func NewManager(paths []string, tmpl *DiskManagerConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{disks: make(map[string]*DiskManager, len(paths))}
	for _, path := range paths {
		cfg := *tmpl
		cfg.DataDir = path
		dm, err := NewDiskManager(&cfg, logger)
		if err != nil {
			return nil, err
		}
		m.disks[path] = dm
	}
	return m, nil
}

// CheckBeforeWrite applies the write policy of the disk at path. Unknown
// paths are not restricted.
func (m *Manager) CheckBeforeWrite(path string, estimatedBytes uint64) error {
	if m == nil {
		return nil
	}
	dm, ok := m.disks[path]
	if !ok {
		return nil
	}
	return dm.CheckBeforeWrite(estimatedBytes)
}

// Usage returns the statistics of every disk ordered by path
func (m *Manager) Usage() []DiskUsageStats {
	if m == nil {
		return nil
	}
	out := make([]DiskUsageStats, 0, len(m.disks))
	for _, dm := range m.disks {
		out = append(out, dm.GetDiskUsage())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Error codes for disk space errors
type ErrorCode int

const (
	ErrCodeDiskFull ErrorCode = iota + 1
	ErrCodeDiskThrottled
	ErrCodeInsufficientSpace
)

// DiskSpaceError represents a disk space related error
type DiskSpaceError struct {
	Code            ErrorCode
	Message         string
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}

// Unwrap classifies disk space errors as I/O failures of that disk
func (e *DiskSpaceError) Unwrap() error {
	return errors.ErrIO
}

// IsDiskSpaceError checks if an error is a disk space error
func IsDiskSpaceError(err error) bool {
	_, ok := err.(*DiskSpaceError)
	return ok
}

// IsCircuitBroken checks if the error indicates circuit breaker is engaged
func IsCircuitBroken(err error) bool {
	if dse, ok := err.(*DiskSpaceError); ok {
		return dse.IsCircuitBroken
	}
	return false
}
