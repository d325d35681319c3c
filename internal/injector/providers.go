package injector

import (
	"context"
	"time"

	"github.com/google/wire"

	"github.com/zeusync/zecs/internal/config"
	"github.com/zeusync/zecs/internal/core/events/bus"
	"github.com/zeusync/zecs/internal/core/observability/log"
	"github.com/zeusync/zecs/internal/monitor"
	"github.com/zeusync/zecs/pkg/ecs"
)

// shutdownTimeout bounds each cleanup step.
const shutdownTimeout = 10 * time.Second

// Engine is the assembled runtime of the bench command. Monitor is nil when
// disabled in the config.
type Engine struct {
	Config   *config.Config
	Logger   log.Log
	Bus      bus.EventBus
	World    *ecs.World
	Schedule *ecs.Schedule
	Monitor  *monitor.Monitor
}

var EngineSet = wire.NewSet(
	ProvideLogger,
	ProvideBus,
	ProvideWorld,
	ProvideSchedule,
	ProvideMonitor,
	wire.Struct(new(Engine), "*"),
)

func ProvideLogger(cfg *config.Config) log.Log {
	return log.New(cfg.Level())
}

func ProvideBus() bus.EventBus {
	return bus.New()
}

func ProvideWorld(cfg *config.Config, logger log.Log, events bus.EventBus) (*ecs.World, func()) {
	w := ecs.NewWorld(cfg.WorldConfig(logger, events))
	return w, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := w.Close(ctx); err != nil {
			logger.Warn("World close failed", log.Error(err))
		}
	}
}

func ProvideSchedule(cfg *config.Config, logger log.Log, events bus.EventBus) (*ecs.Schedule, func()) {
	s := ecs.NewSchedule(cfg.ScheduleConfig(logger, events))
	return s, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			logger.Warn("Schedule close failed", log.Error(err))
		}
	}
}

// ProvideMonitor starts the monitor when enabled.
func ProvideMonitor(cfg *config.Config, w *ecs.World, s *ecs.Schedule, events bus.EventBus, logger log.Log) (*monitor.Monitor, func(), error) {
	if !cfg.Monitor.Enabled {
		return nil, func() {}, nil
	}
	m := monitor.New(monitor.Config{
		Addr:     cfg.Monitor.Addr,
		Interval: cfg.Monitor.Interval,
	}, w, s, events, logger)
	if err := m.Start(context.Background()); err != nil {
		return nil, nil, err
	}
	return m, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.Stop(ctx); err != nil {
			logger.Warn("Monitor stop failed", log.Error(err))
		}
	}, nil
}
