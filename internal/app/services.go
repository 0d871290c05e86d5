package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/jobs/maintenance"
	"github.com/yungbote/threadline-backend/internal/jobs/pipeline/chat_stream"
	"github.com/yungbote/threadline-backend/internal/jobs/pipeline/chat_title"
	jobruntime "github.com/yungbote/threadline-backend/internal/jobs/runtime"
	"github.com/yungbote/threadline-backend/internal/jobs/worker"
	chatmod "github.com/yungbote/threadline-backend/internal/modules/chat"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/realtime"
	"github.com/yungbote/threadline-backend/internal/services"
	"github.com/yungbote/threadline-backend/internal/temporalx/temporalworker"
)

type Services struct {
	Auth         services.AuthService
	Chat         services.ChatService
	ChatNotifier services.ChatNotifier
	Scheduler    services.Scheduler

	JobRegistry    *jobruntime.Registry
	JobWorker      *worker.Worker
	TemporalWorker *temporalworker.Runner
	Sweeper        *maintenance.Sweeper
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, repos Repos, clients Clients, sseHub *realtime.SSEHub) (Services, error) {
	log.Info("Wiring services...")

	authService := services.NewAuthService(log, cfg.JWTSecretKey)

	var emitter services.SSEEmitter
	switch {
	case clients.SSEBus != nil:
		// Every replica, this one included, receives through its redis forwarder.
		emitter = &services.RedisEmitter{Bus: clients.SSEBus, Log: log}
	case cfg.RunServer:
		emitter = &services.HubEmitter{Hub: sseHub}
	default:
		return Services{}, fmt.Errorf("worker requires REDIS_ADDR to publish SSE events")
	}
	chatNotifier := services.NewChatNotifier(emitter)

	scheduler := services.NewScheduler(db, log, repos.JobRun, cfg.JobPolicy, clients.Temporal, cfg.Temporal.TaskQueue)

	chatService := services.NewChatService(
		db,
		log,
		repos.ChatThread,
		repos.MessageStore,
		scheduler,
		clients.Catalog,
		chatNotifier,
	)

	usecases := chatmod.New(chatmod.UsecasesDeps{
		DB:            db,
		Log:           log,
		Engine:        clients.Engine,
		Catalog:       clients.Catalog,
		Threads:       repos.ChatThread,
		Store:         repos.MessageStore,
		Scheduler:     scheduler,
		Notify:        chatNotifier,
		HistoryLimit:  cfg.HistoryLimit,
		StreamTimeout: cfg.StreamTimeout,
		TitleTimeout:  cfg.TitleTimeout,
	})

	jobRegistry := jobruntime.NewRegistry()
	if err := jobRegistry.Register(chat_stream.New(log, usecases)); err != nil {
		return Services{}, err
	}
	if err := jobRegistry.Register(chat_title.New(log, usecases)); err != nil {
		return Services{}, err
	}

	out := Services{
		Auth:         authService,
		Chat:         chatService,
		ChatNotifier: chatNotifier,
		Scheduler:    scheduler,
		JobRegistry:  jobRegistry,
	}

	if cfg.RunWorker {
		if clients.Temporal != nil {
			exec := &jobruntime.Executor{
				DB:       db,
				Repo:     repos.JobRun,
				Registry: jobRegistry,
				Log:      log.With("component", "TemporalActivity"),
				Policy:   cfg.JobPolicy.Normalize(),
			}
			runner, err := temporalworker.NewRunner(log, clients.Temporal, cfg.Temporal, exec, cfg.WorkerConcurrency)
			if err != nil {
				return Services{}, fmt.Errorf("init temporal worker: %w", err)
			}
			out.TemporalWorker = runner
		} else {
			out.JobWorker = worker.NewWorker(db, log, repos.JobRun, jobRegistry, worker.Config{
				Concurrency:  cfg.WorkerConcurrency,
				PollInterval: cfg.WorkerPollInterval,
				Policy:       cfg.JobPolicy,
			})
		}
		out.Sweeper = maintenance.NewSweeper(maintenance.Deps{
			Log:      log,
			Threads:  repos.ChatThread,
			Messages: repos.ChatMessage,
			Deltas:   repos.ChatDelta,
			Jobs:     repos.JobRun,
			Store:    repos.MessageStore,
			Notify:   chatNotifier,
		}, cfg.Maintenance)
	}

	return out, nil
}
