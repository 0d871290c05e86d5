package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/repos/chat"
	"github.com/yungbote/threadline-backend/internal/data/repos/jobs"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

type ChatThreadRepo = chat.ChatThreadRepo
type ChatMessageRepo = chat.ChatMessageRepo
type ChatDeltaRepo = chat.ChatDeltaRepo

type JobRunRepo = jobs.JobRunRepo

func NewChatThreadRepo(db *gorm.DB, baseLog *logger.Logger) ChatThreadRepo {
	return chat.NewChatThreadRepo(db, baseLog)
}
func NewChatMessageRepo(db *gorm.DB, baseLog *logger.Logger) ChatMessageRepo {
	return chat.NewChatMessageRepo(db, baseLog)
}
func NewChatDeltaRepo(db *gorm.DB, baseLog *logger.Logger) ChatDeltaRepo {
	return chat.NewChatDeltaRepo(db, baseLog)
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return jobs.NewJobRunRepo(db, baseLog)
}
