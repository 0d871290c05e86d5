package chat_stream

import (
	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
	chatmod "github.com/yungbote/threadline-backend/internal/modules/chat"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

type Pipeline struct {
	log  *logger.Logger
	chat chatmod.Usecases
}

func New(baseLog *logger.Logger, chat chatmod.Usecases) *Pipeline {
	log := baseLog.With("job", domainjobs.JobTypeChatStream)
	return &Pipeline{log: log, chat: chat.WithLog(log)}
}

func (p *Pipeline) Type() string { return domainjobs.JobTypeChatStream }
