package injector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/zecs/internal/config"
)

func TestInitializeEngine(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Schedule.Workers = 2

	engine, cleanup, err := InitializeEngine(cfg)
	require.NoError(t, err)
	require.Same(t, cfg, engine.Config)
	require.NotNil(t, engine.World)
	require.Equal(t, 2, engine.Schedule.Stats().Workers)
	require.Nil(t, engine.Monitor)

	cleanup()
	require.True(t, engine.World.Disposed())
}

func TestInitializeEngineWithMonitor(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Monitor.Enabled = true
	cfg.Monitor.Addr = "127.0.0.1:0"

	engine, cleanup, err := InitializeEngine(cfg)
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, engine.Monitor)
	require.NotNil(t, engine.Monitor.Addr())
}

func TestInitializeEngineMonitorFailure(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Monitor.Enabled = true
	cfg.Monitor.Addr = "not an address"

	_, _, err := InitializeEngine(cfg)
	require.Error(t, err)
}
