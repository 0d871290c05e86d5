package chat

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessageDelta is one streamed fragment of an assistant reply. Seq is allocated per
// thread so a reader can resume every in-flight message of the thread from a single cursor.
type ChatMessageDelta struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ThreadID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chat_delta_thread_seq,priority:1" json:"thread_id"`
	MessageID uuid.UUID `gorm:"type:uuid;not null;index" json:"message_id"`
	Seq       int64     `gorm:"column:seq;not null;uniqueIndex:idx_chat_delta_thread_seq,priority:2" json:"seq"`
	Text      string    `gorm:"column:text;type:text;not null;default:''" json:"text"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (ChatMessageDelta) TableName() string { return "chat_message_delta" }
