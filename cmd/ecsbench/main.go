// Command ecsbench runs the movement scenario against a world and schedule
// built from a YAML config.
//
// Profiling:
// go build ./cmd/ecsbench
// ./ecsbench -config bench.yaml -profile cpu
// go tool pprof -http=":8000" ./ecsbench cpu.pprof
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"

	"github.com/zeusync/zecs/internal/config"
	"github.com/zeusync/zecs/internal/core/observability/log"
	"github.com/zeusync/zecs/internal/injector"
	"github.com/zeusync/zecs/internal/scenario"
	"github.com/zeusync/zecs/pkg/ecs"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config; built-in defaults when empty")
		profileKind = flag.String("profile", "", "write a cpu or mem profile to the working directory")
		monitorAddr = flag.String("monitor", "", "serve the stats websocket on this address")
	)
	flag.Parse()

	if err := run(*configPath, *profileKind, *monitorAddr); err != nil {
		fmt.Fprintln(os.Stderr, "ecsbench:", err)
		os.Exit(1)
	}
}

func run(configPath, profileKind, monitorAddr string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}
	if monitorAddr != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Addr = monitorAddr
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	switch profileKind {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	default:
		return fmt.Errorf("unknown profile %q", profileKind)
	}

	engine, cleanup, err := injector.InitializeEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := scenario.NewMovement(cfg.Scenario, engine.World, engine.Schedule, engine.Logger)
	if err != nil {
		return err
	}
	if engine.Monitor != nil {
		engine.Logger.Info("Monitor enabled", log.String("addr", engine.Monitor.Addr().String()))
	}

	report, err := m.Run(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Report   scenario.Report   `json:"report"`
		World    ecs.WorldStats    `json:"world"`
		Schedule ecs.ScheduleStats `json:"schedule"`
	}{report, engine.World.Stats(), engine.Schedule.Stats()})
}
