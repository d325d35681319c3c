//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/zecs/internal/config"
)

// InitializeEngine builds the world, schedule and monitor described by cfg.
// The cleanup closes them in reverse order.
func InitializeEngine(cfg *config.Config) (*Engine, func(), error) {
	wire.Build(EngineSet)
	return nil, nil, nil
}
