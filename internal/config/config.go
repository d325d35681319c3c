package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/zecs/internal/core/events/bus"
	"github.com/zeusync/zecs/internal/core/observability/log"
	"github.com/zeusync/zecs/pkg/ecs"
)

// Config is the file configuration of the bench command.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	World    WorldConfig    `yaml:"world"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Scenario ScenarioConfig `yaml:"scenario"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

type WorldConfig struct {
	ChunkBytes   int `yaml:"chunk_bytes"`
	DespawnBatch int `yaml:"despawn_batch"`
}

type ScheduleConfig struct {
	Name    string `yaml:"name"`
	Workers int    `yaml:"workers"`
}

// ScenarioConfig describes the movement workload.
type ScenarioConfig struct {
	Entities int           `yaml:"entities"`
	Duration time.Duration `yaml:"duration"`
	// Period is the movement system cycle time; zero runs it continuously.
	Period time.Duration `yaml:"period"`
	// Churn is the number of entities despawned and respawned per cycle.
	Churn int `yaml:"churn"`
}

type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		World: WorldConfig{
			ChunkBytes:   ecs.DefaultChunkBytes,
			DespawnBatch: 256,
		},
		Schedule: ScheduleConfig{
			Name: "bench",
		},
		Scenario: ScenarioConfig{
			Entities: 100_000,
			Duration: 10 * time.Second,
			Period:   16 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			Addr:     "127.0.0.1:8090",
			Interval: time.Second,
		},
	}
}

// Load decodes YAML from r on top of Default and validates the result.
func Load(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile reads the config at path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, ok := log.LookupLevel(c.LogLevel); c.LogLevel != "" && !ok {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.World.ChunkBytes < 0 {
		return fmt.Errorf("world.chunk_bytes must not be negative")
	}
	if c.World.DespawnBatch < 0 {
		return fmt.Errorf("world.despawn_batch must not be negative")
	}
	if c.Schedule.Workers < 0 {
		return fmt.Errorf("schedule.workers must not be negative")
	}
	if c.Scenario.Entities < 0 {
		return fmt.Errorf("scenario.entities must not be negative")
	}
	if c.Scenario.Duration <= 0 {
		return fmt.Errorf("scenario.duration is required")
	}
	if c.Scenario.Period < 0 {
		return fmt.Errorf("scenario.period must not be negative")
	}
	if c.Scenario.Churn < 0 || c.Scenario.Churn > c.Scenario.Entities {
		return fmt.Errorf("scenario.churn must be between 0 and scenario.entities")
	}
	if c.Monitor.Enabled {
		if c.Monitor.Addr == "" {
			return fmt.Errorf("monitor.addr is required when the monitor is enabled")
		}
		if c.Monitor.Interval <= 0 {
			return fmt.Errorf("monitor.interval must be positive")
		}
	}
	return nil
}

// Level is the parsed log level.
func (c *Config) Level() log.Level {
	return log.ParseLevel(c.LogLevel)
}

// WorldConfig converts into the engine configuration.
func (c *Config) WorldConfig(logger log.Log, events bus.EventBus) ecs.WorldConfig {
	return ecs.WorldConfig{
		ChunkBytes:   c.World.ChunkBytes,
		DespawnBatch: c.World.DespawnBatch,
		Logger:       logger,
		Bus:          events,
	}
}

// ScheduleConfig converts into the engine configuration. Zero workers means
// one per logical CPU.
func (c *Config) ScheduleConfig(logger log.Log, events bus.EventBus) ecs.ScheduleConfig {
	cfg := ecs.DefaultScheduleConfig()
	if c.Schedule.Name != "" {
		cfg.Name = c.Schedule.Name
	}
	if c.Schedule.Workers > 0 {
		cfg.Workers = c.Schedule.Workers
	}
	cfg.Logger = logger
	cfg.Bus = events
	return cfg
}
