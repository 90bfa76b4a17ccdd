package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
node:
  id: node-1
disks:
  paths: [/d1, /d2, /d3, /d4, /d5, /d6]
  set_count: 1
  disks_per_set: 6
erasure:
  data_chunks: 4
  parity_chunks: 2
  inline_threshold: 4096
heal:
  workers: 2
  retry_base: 50ms
admin:
  enabled: true
  port: 9100
logging:
  level: debug
  format: console
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Node.ID)
	assert.Len(t, cfg.Disks.Paths, 6)
	assert.Equal(t, 4, cfg.Erasure.DataChunks)
	assert.Equal(t, 2, cfg.Erasure.ParityChunks)
	assert.Equal(t, 4096, cfg.Erasure.InlineThreshold)
	assert.Equal(t, 2, cfg.Heal.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.Heal.RetryBase)
	assert.Equal(t, 9100, cfg.Admin.Port)
	assert.Equal(t, "console", cfg.Logging.Format)

	// Defaults fill what the file leaves out
	assert.Equal(t, 1000, cfg.Heal.QueueSize)
	assert.Equal(t, 0.95, cfg.DiskManager.CircuitBreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Admin.ShutdownTimeout)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("disks:\n  paths: [/a, /b, /c, /d]\n"))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Disks.SetCount)
	assert.Equal(t, 4, cfg.Disks.DisksPerSet)
	assert.Equal(t, 2, cfg.Erasure.DataChunks)
	assert.Equal(t, 2, cfg.Erasure.ParityChunks)
	assert.Equal(t, 128*1024, cfg.Erasure.InlineThreshold)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 9090, cfg.Admin.Port)
	assert.True(t, cfg.Admin.Enabled)

	cfg, err = Parse([]byte("disks:\n  paths: [/a, /b]\nadmin:\n  enabled: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Admin.Enabled)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("BUCKETS_DISKS", "/x1, /x2,/x3,")
	t.Setenv("BUCKETS_LOG_LEVEL", "warn")
	t.Setenv("BUCKETS_ADMIN_PORT", "9200")

	cfg, err := Parse([]byte("erasure:\n  data_chunks: 2\n  parity_chunks: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/x1", "/x2", "/x3"}, cfg.Disks.Paths)
	assert.Equal(t, 3, cfg.Disks.DisksPerSet)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 9200, cfg.Admin.Port)

	t.Setenv("BUCKETS_ADMIN_PORT", "not-a-port")
	_, err = Parse([]byte("{}"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"no disks", "{}", true},
		{"path count mismatch", "disks: {paths: [/a, /b, /c], set_count: 2, disks_per_set: 2}\nerasure: {data_chunks: 1, parity_chunks: 1}", true},
		{"chunks do not match set", "disks: {paths: [/a, /b, /c, /d]}\nerasure: {data_chunks: 2, parity_chunks: 1}", true},
		{"zero parity", "disks: {paths: [/a, /b]}\nerasure: {data_chunks: 2}", true},
		{"bad thresholds", "disks: {paths: [/a, /b]}\ndisk_manager: {warning_threshold: 0.99}", true},
		{"bad log format", "disks: {paths: [/a, /b]}\nlogging: {format: xml}", true},
		{"two sets", "disks: {paths: [/a, /b, /c, /d], set_count: 2}", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
