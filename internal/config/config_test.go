package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  node_id: node-1
  port: 9191
storage:
  data_dir: /data
sstable:
  compression: zstd
compaction:
  options:
    sstable_size_in_mb: "500"
  min_threshold: 6
  enforce_min_threshold: false
  interval: 5s
  throughput_mb_per_sec: 16
tables:
  - name: events
  - name: users
    strategy: size_tiered
    max_threshold: 8
    options:
      space_amplification_goal: "1.5"
logging:
  format: console
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "zstd", cfg.SSTable.Compression)
	assert.Equal(t, 0.01, cfg.SSTable.BloomFilterFP)
	assert.Equal(t, 6, cfg.Compaction.MinThreshold)
	assert.Equal(t, 32, cfg.Compaction.MaxThreshold)
	require.NotNil(t, cfg.Compaction.EnforceMinThreshold)
	assert.False(t, *cfg.Compaction.EnforceMinThreshold)
	assert.Equal(t, 5*time.Second, cfg.Compaction.Interval)
	assert.Equal(t, 10*24*time.Hour, cfg.Compaction.GCGrace())
	assert.Equal(t, int64(16*1024*1024), cfg.Compaction.ThroughputBytesPerSec())
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, filepath.Join("/data", "events"), cfg.TableDir("events"))
}

func TestStrategyForMergesOverrides(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.Len(t, cfg.Tables, 2)

	strategy, options, minT, maxT := cfg.StrategyFor(cfg.Tables[0])
	assert.Equal(t, "incremental", strategy)
	assert.Equal(t, map[string]string{"sstable_size_in_mb": "500"}, options)
	assert.Equal(t, 6, minT)
	assert.Equal(t, 32, maxT)

	strategy, options, minT, maxT = cfg.StrategyFor(cfg.Tables[1])
	assert.Equal(t, "size_tiered", strategy)
	assert.Equal(t, map[string]string{"sstable_size_in_mb": "500", "space_amplification_goal": "1.5"}, options)
	assert.Equal(t, 6, minT)
	assert.Equal(t, 8, maxT)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing node id", "server: {port: 80}"},
		{"bad port", "server: {node_id: n, port: 70000}"},
		{"compression", "server: {node_id: n}\nsstable: {compression: lz4}"},
		{"thresholds", "server: {node_id: n}\ncompaction: {min_threshold: 8, max_threshold: 4}"},
		{"disk order", "server: {node_id: n}\ndisk: {throttle_threshold: 99, circuit_breaker_threshold: 90}"},
		{"duplicate table", "server: {node_id: n}\ntables: [{name: a}, {name: a}]"},
		{"table path", "server: {node_id: n}\ntables: [{name: ../etc}]"},
		{"log format", "server: {node_id: n}\nlogging: {format: xml}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	t.Setenv(EnvConfigPath, path)
	assert.Equal(t, path, Path())

	cfg, err := LoadConfig(Path())
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.Server.NodeID)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, errors.ErrCodeIO, errors.GetCode(err))

	_, err = Parse([]byte("server: ["))
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}
