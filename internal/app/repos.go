package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/aggregates"
	"github.com/yungbote/threadline-backend/internal/data/repos"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

type Repos struct {
	ChatThread  repos.ChatThreadRepo
	ChatMessage repos.ChatMessageRepo
	ChatDelta   repos.ChatDeltaRepo
	JobRun      repos.JobRunRepo

	MessageStore aggregates.MessageStore
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	r := Repos{
		ChatThread:  repos.NewChatThreadRepo(db, log),
		ChatMessage: repos.NewChatMessageRepo(db, log),
		ChatDelta:   repos.NewChatDeltaRepo(db, log),
		JobRun:      repos.NewJobRunRepo(db, log),
	}
	r.MessageStore = aggregates.NewMessageStore(aggregates.MessageStoreDeps{
		Base:     aggregates.BaseDeps{DB: db, Log: log},
		Threads:  r.ChatThread,
		Messages: r.ChatMessage,
		Deltas:   r.ChatDelta,
	})
	return r
}
