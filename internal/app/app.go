package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/db"
	"github.com/yungbote/threadline-backend/internal/http"
	"github.com/yungbote/threadline-backend/internal/observability"
	"github.com/yungbote/threadline-backend/internal/platform/envutil"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/realtime"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Server   *http.Server
	Cfg      Config
	Repos    Repos
	Clients  Clients
	Services Services
	SSEHub   *realtime.SSEHub
	Metrics  *observability.Metrics

	otelShutdown func(context.Context) error
	ctx          context.Context
	cancel       context.CancelFunc
}

func New() (*App, error) {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig()

	ctx := context.Background()
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "threadline",
		Environment: cfg.Environment,
	})
	metrics := observability.Init(log)

	theDB, err := db.Open(cfg.DB, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}

	ssehub := realtime.NewSSEHub(log)
	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, cfg, reposet, clients, ssehub)
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(theDB, log, cfg, serviceset, ssehub)
	middleware := wireMiddleware(log, serviceset)
	router := wireRouter(log, cfg, handlerset, middleware, metrics)

	return &App{
		Log:          log,
		DB:           theDB,
		Router:       router,
		Server:       http.NewServer(router),
		Cfg:          cfg,
		Repos:        reposet,
		Clients:      clients,
		Services:     serviceset,
		SSEHub:       ssehub,
		Metrics:      metrics,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background parts selected by RUN_SERVER and RUN_WORKER.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx, a.cancel = ctx, cancel

	if a.Cfg.RunServer && a.Clients.SSEBus != nil {
		hub := a.SSEHub
		if err := a.Clients.SSEBus.StartForwarder(ctx, func(m realtime.SSEMessage) { hub.Broadcast(m) }); err != nil {
			return fmt.Errorf("start redis forwarder: %w", err)
		}
	}

	if a.Services.TemporalWorker != nil {
		if err := a.Services.TemporalWorker.Start(ctx); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
	}
	if a.Services.JobWorker != nil {
		a.Services.JobWorker.Start(ctx)
	}
	if a.Services.Sweeper != nil {
		if err := a.Services.Sweeper.Start(ctx); err != nil {
			return err
		}
	}
	a.Metrics.StartQueueCollector(ctx, a.Log, a.DB)
	return nil
}

// Run serves HTTP until Shutdown. A worker-only process blocks until Close.
func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	if !a.Cfg.RunServer {
		if a.ctx == nil {
			return fmt.Errorf("app not started")
		}
		a.Log.Info("RUN_SERVER disabled; running worker only")
		<-a.ctx.Done()
		return nil
	}
	a.Log.Info("Server listening", "addr", addr)
	return a.Server.Run(addr)
}

// Close stops HTTP, background loops, and clients, waiting up to timeout for each.
func (a *App) Close(timeout time.Duration) {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Log.Warn("http shutdown", "error", err)
		}
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.Sweeper != nil {
		a.Services.Sweeper.Stop()
	}
	if a.Services.JobWorker != nil {
		a.Services.JobWorker.Wait()
	}
	a.Clients.Close()
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown", "error", err)
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.Log.Sync()
}
