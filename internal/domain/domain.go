// Package domain re-exports the persisted models so callers can import a single package.
package domain

import (
	"github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/domain/jobs"
)

type (
	ChatThread       = chat.ChatThread
	ChatMessage      = chat.ChatMessage
	ChatMessageDelta = chat.ChatMessageDelta
	JobRun           = jobs.JobRun
)

// Models returns every gorm model owned by the service, in migration order.
func Models() []any {
	return []any{
		&ChatThread{},
		&ChatMessage{},
		&ChatMessageDelta{},
		&JobRun{},
	}
}
