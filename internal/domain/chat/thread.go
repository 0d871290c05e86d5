package chat

import (
	"time"

	"github.com/google/uuid"
)

// DefaultThreadTitle is the sentinel title a thread carries until it is renamed.
const DefaultThreadTitle = "New Thread"

const (
	ThreadStatusActive   = "active"
	ThreadStatusArchived = "archived"
)

type ChatThread struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_chat_thread_user_recency,priority:1" json:"user_id"`

	Title  string `gorm:"column:title;not null;default:'New Thread'" json:"title"`
	Status string `gorm:"column:status;not null;default:'active';index" json:"status"`
	Model  string `gorm:"column:model;not null;default:''" json:"model,omitempty"`

	// Generation token: the user message whose reply is in flight. NULL when idle.
	ActivePromptID *uuid.UUID `gorm:"type:uuid;column:active_prompt_id;index" json:"active_prompt_id,omitempty"`
	ActiveSince    *time.Time `gorm:"column:active_since" json:"active_since,omitempty"`

	NextSeq      int64 `gorm:"column:next_seq;not null;default:0" json:"next_seq"`
	NextDeltaSeq int64 `gorm:"column:next_delta_seq;not null;default:0" json:"next_delta_seq"`

	// Keyset ordering key for recency listings (unix micros of last activity).
	RecencyUs int64 `gorm:"column:recency_us;not null;default:0;index:idx_chat_thread_user_recency,priority:2" json:"-"`

	LastMessageAt *time.Time `gorm:"column:last_message_at" json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"not null" json:"updated_at"`
}

func (ChatThread) TableName() string { return "chat_thread" }

// HasDefaultTitle reports whether the thread still carries the sentinel title.
func (t *ChatThread) HasDefaultTitle() bool {
	return t != nil && t.Title == DefaultThreadTitle
}

func ValidThreadStatus(s string) bool {
	return s == ThreadStatusActive || s == ThreadStatusArchived
}
