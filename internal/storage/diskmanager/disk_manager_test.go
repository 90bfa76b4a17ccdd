package diskmanager

import (
	"fmt"
	"testing"
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/buckets/internal/errors"
)

// fakeUsage reports a fixed usage percentage of a 1000 byte disk
func fakeUsage(percent *float64) UsageFunc {
	return func(path string) (*disk.UsageStat, error) {
		used := uint64(*percent * 10)
		return &disk.UsageStat{
			Path:        path,
			Total:       1000,
			Used:        used,
			Free:        1000 - used,
			UsedPercent: *percent,
		}, nil
	}
}

func newTestManager(t *testing.T, percent *float64) *DiskManager {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.CheckInterval = 0
	cfg.Usage = fakeUsage(percent)
	dm, err := NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)
	return dm
}

func TestNewDiskManager_RequiresDir(t *testing.T) {
	_, err := NewDiskManager(&DiskManagerConfig{}, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestCheckBeforeWrite_Thresholds(t *testing.T) {
	percent := 50.0
	dm := newTestManager(t, &percent)

	assert.NoError(t, dm.CheckBeforeWrite(100))

	err := dm.CheckBeforeWrite(600)
	require.Error(t, err)
	assert.True(t, IsDiskSpaceError(err))
	assert.ErrorIs(t, err, errors.ErrIO)

	percent = 92
	time.Sleep(time.Millisecond)
	err = dm.CheckBeforeWrite(50)
	require.Error(t, err, "large write while throttled")
	assert.True(t, err.(*DiskSpaceError).IsThrottled)
	assert.NoError(t, dm.CheckBeforeWrite(5), "small write while throttled")

	percent = 97
	time.Sleep(time.Millisecond)
	err = dm.CheckBeforeWrite(1)
	assert.True(t, IsCircuitBroken(err))

	percent = 10
	require.NoError(t, dm.ForceCheck())
	assert.NoError(t, dm.CheckBeforeWrite(1))
	assert.False(t, dm.GetDiskUsage().IsCircuitBroken)
}

func TestGetDiskUsage(t *testing.T) {
	percent := 25.0
	dm := newTestManager(t, &percent)

	stats := dm.GetDiskUsage()
	assert.Equal(t, 25.0, stats.UsagePercent)
	assert.Equal(t, uint64(750), stats.AvailableBytes)
	assert.Equal(t, uint64(1000), stats.TotalBytes)
	assert.False(t, stats.IsThrottled)
}

func TestManager(t *testing.T) {
	percent := 96.0
	tmpl := DefaultConfig("")
	tmpl.Usage = fakeUsage(&percent)
	tmpl.CheckInterval = time.Hour

	paths := []string{t.TempDir(), t.TempDir()}
	m, err := NewManager(paths, tmpl, nil)
	require.NoError(t, err)

	assert.True(t, IsCircuitBroken(m.CheckBeforeWrite(paths[0], 1)))
	assert.NoError(t, m.CheckBeforeWrite("/not/managed", 1))

	usage := m.Usage()
	require.Len(t, usage, 2)
	assert.LessOrEqual(t, usage[0].Path, usage[1].Path)

	var nilManager *Manager
	assert.NoError(t, nilManager.CheckBeforeWrite(paths[0], 1))
	assert.Nil(t, nilManager.Usage())
}

func TestUsageFailureKeepsWritesOpen(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Usage = func(path string) (*disk.UsageStat, error) {
		return nil, fmt.Errorf("statfs failed")
	}
	dm, err := NewDiskManager(cfg, nil)
	require.NoError(t, err)

	assert.Error(t, dm.ForceCheck())
	assert.False(t, dm.GetDiskUsage().IsCircuitBroken)
}

func TestCapacity(t *testing.T) {
	capacity, err := Capacity(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, capacity, uint64(0))

	_, err = Capacity("/definitely/not/a/real/path")
	assert.True(t, errors.IsCode(err, errors.ErrCodeIO))
}
