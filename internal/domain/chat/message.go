package chat

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	MessageStatusPending   = "pending"
	MessageStatusStreaming = "streaming"
	MessageStatusComplete  = "complete"
	MessageStatusFailed    = "failed"
)

type ChatMessage struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ThreadID uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:idx_chat_message_thread_seq,priority:1" json:"thread_id"`
	UserID   uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Seq int64 `gorm:"column:seq;not null;uniqueIndex:idx_chat_message_thread_seq,priority:2" json:"seq"`

	Role   string `gorm:"column:role;not null" json:"role"`
	Status string `gorm:"column:status;not null;index" json:"status"`

	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`
	Model   string `gorm:"column:model;not null;default:''" json:"model,omitempty"`
	Error   string `gorm:"column:error;type:text;not null;default:''" json:"error,omitempty"`

	// Assistant replies point at the user message that triggered them; at most one reply per prompt.
	PromptMessageID *uuid.UUID `gorm:"type:uuid;column:prompt_message_id;uniqueIndex:idx_chat_message_prompt" json:"prompt_message_id,omitempty"`

	// Client-provided key deduping retried sends. Unique per user when non-empty (see EnsureChatIndexes).
	IdempotencyKey string `gorm:"type:text;column:idempotency_key;not null;default:''" json:"idempotency_key,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;index" json:"updated_at"`
}

func (ChatMessage) TableName() string { return "chat_message" }

func (m *ChatMessage) Terminal() bool {
	return m != nil && IsTerminalStatus(m.Status)
}

func IsTerminalStatus(status string) bool {
	return status == MessageStatusComplete || status == MessageStatusFailed
}
