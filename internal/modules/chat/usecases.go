package chat

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/aggregates"
	"github.com/yungbote/threadline-backend/internal/data/repos"
	"github.com/yungbote/threadline-backend/internal/modules/chat/steps"
	"github.com/yungbote/threadline-backend/internal/platform/llm"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/services"
)

type UsecasesDeps struct {
	DB  *gorm.DB
	Log *logger.Logger

	Engine  llm.Engine
	Catalog *llm.Catalog

	Threads   repos.ChatThreadRepo
	Store     aggregates.MessageStore
	Scheduler services.Scheduler
	Notify    services.ChatNotifier

	HistoryLimit  int
	StreamTimeout time.Duration
	TitleTimeout  time.Duration
}

type Usecases struct {
	deps UsecasesDeps
}

func New(deps UsecasesDeps) Usecases { return Usecases{deps: deps} }

func (u Usecases) WithLog(log *logger.Logger) Usecases {
	u.deps.Log = log
	return u
}

type (
	StreamInput  = steps.StreamInput
	StreamOutput = steps.StreamOutput

	TitleInput  = steps.TitleInput
	TitleOutput = steps.TitleOutput
)

func (u Usecases) StreamReply(ctx context.Context, in StreamInput) (StreamOutput, error) {
	return steps.Stream(ctx, steps.StreamDeps{
		DB:           u.deps.DB,
		Log:          u.deps.Log,
		Engine:       u.deps.Engine,
		Catalog:      u.deps.Catalog,
		Threads:      u.deps.Threads,
		Store:        u.deps.Store,
		Scheduler:    u.deps.Scheduler,
		Notify:       u.deps.Notify,
		HistoryLimit: u.deps.HistoryLimit,
		Timeout:      u.deps.StreamTimeout,
	}, in)
}

func (u Usecases) GenerateTitle(ctx context.Context, in TitleInput) (TitleOutput, error) {
	return steps.GenerateTitle(ctx, steps.TitleDeps{
		Log:          u.deps.Log,
		Engine:       u.deps.Engine,
		Catalog:      u.deps.Catalog,
		Threads:      u.deps.Threads,
		Store:        u.deps.Store,
		Notify:       u.deps.Notify,
		HistoryLimit: u.deps.HistoryLimit,
		Timeout:      u.deps.TitleTimeout,
	}, in)
}
