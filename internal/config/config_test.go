package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/zecs/internal/core/observability/log"
	"github.com/zeusync/zecs/pkg/ecs"
)

const sample = `
log_level: debug
world:
  chunk_bytes: 4096
schedule:
  name: sim
  workers: 3
scenario:
  entities: 1000
  duration: 2s
  period: 10ms
  churn: 10
monitor:
  enabled: true
  addr: 127.0.0.1:0
  interval: 250ms
`

func TestLoad(t *testing.T) {
	c, err := Load(strings.NewReader(sample))
	require.NoError(t, err)

	require.Equal(t, log.LevelDebug, c.Level())
	require.Equal(t, 4096, c.World.ChunkBytes)
	require.Equal(t, 256, c.World.DespawnBatch, "unset keys keep their defaults")
	require.Equal(t, "sim", c.Schedule.Name)
	require.Equal(t, 3, c.Schedule.Workers)
	require.Equal(t, ScenarioConfig{Entities: 1000, Duration: 2 * time.Second, Period: 10 * time.Millisecond, Churn: 10}, c.Scenario)
	require.True(t, c.Monitor.Enabled)
	require.Equal(t, 250*time.Millisecond, c.Monitor.Interval)
}

func TestLoadEmptyIsDefault(t *testing.T) {
	c, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func TestLoadAcceptsLevelAliases(t *testing.T) {
	for in, want := range map[string]log.Level{
		"warning": log.LevelWarn,
		"WARN":    log.LevelWarn,
		"Info":    log.LevelInfo,
	} {
		c, err := Load(strings.NewReader("log_level: " + in))
		require.NoError(t, err, in)
		require.Equal(t, want, c.Level(), in)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":     "worlds: {}",
		"log level":       "log_level: loud",
		"negative chunk":  "world: {chunk_bytes: -1}",
		"no duration":     "scenario: {duration: 0s}",
		"churn too large": "scenario: {entities: 5, churn: 6}",
		"monitor addr":    "monitor: {enabled: true, addr: ''}",
		"bad duration":    "scenario: {duration: soon}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "sim", c.Schedule.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestEngineConfigs(t *testing.T) {
	c := Default()
	logger := log.Nop()

	wc := c.WorldConfig(logger, nil)
	require.Equal(t, ecs.DefaultChunkBytes, wc.ChunkBytes)
	require.Same(t, logger, wc.Logger)

	sc := c.ScheduleConfig(logger, nil)
	require.Equal(t, "bench", sc.Name)
	require.Equal(t, runtime.GOMAXPROCS(0), sc.Workers)
	require.NotNil(t, sc.Clock)

	c.Schedule.Workers = 2
	require.Equal(t, 2, c.ScheduleConfig(logger, nil).Workers)
}
