package app

import (
	"context"
	"fmt"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/threadline-backend/internal/platform/llm"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/realtime/bus"
	"github.com/yungbote/threadline-backend/internal/temporalx"
)

type Clients struct {
	SSEBus   bus.Bus
	Temporal temporalsdkclient.Client
	Engine   llm.Engine
	Catalog  *llm.Catalog
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	catalog, err := llm.LoadCatalog(cfg.ModelsYAML)
	if err != nil {
		return Clients{}, fmt.Errorf("load model catalog: %w", err)
	}

	engine, err := llm.NewGenkitEngine(ctx, cfg.Genkit, log)
	if err != nil {
		return Clients{}, fmt.Errorf("init completion engine: %w", err)
	}

	// Redis
	var sseBus bus.Bus
	if cfg.RedisAddr != "" {
		b, err := bus.NewRedisBus(log, bus.RedisConfig{Addr: cfg.RedisAddr, Channel: cfg.RedisChannel})
		if err != nil {
			return Clients{}, fmt.Errorf("init redis SSE bus: %w", err)
		}
		sseBus = b
	}

	// Temporal
	var tc temporalsdkclient.Client
	if cfg.Temporal.Enabled() {
		c, err := temporalx.NewClient(ctx, log, cfg.Temporal)
		if err != nil {
			closeBus(sseBus)
			return Clients{}, fmt.Errorf("init temporal client: %w", err)
		}
		tc = c
	}

	return Clients{
		SSEBus:   sseBus,
		Temporal: tc,
		Engine:   engine,
		Catalog:  catalog,
	}, nil
}

func (c Clients) Close() {
	if c.Temporal != nil {
		c.Temporal.Close()
	}
	closeBus(c.SSEBus)
}

func closeBus(b bus.Bus) {
	if b != nil {
		_ = b.Close()
	}
}
