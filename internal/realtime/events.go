package realtime

import "github.com/google/uuid"

type SSEEvent string

const (
	SSEEventChatThreadCreated  SSEEvent = "ChatThreadCreated"
	SSEEventChatThreadUpdated  SSEEvent = "ChatThreadUpdated"
	SSEEventChatThreadDeleted  SSEEvent = "ChatThreadDeleted"
	SSEEventChatMessageCreated SSEEvent = "ChatMessageCreated"
	SSEEventChatMessageDelta   SSEEvent = "ChatMessageDelta"
	SSEEventChatMessageDone    SSEEvent = "ChatMessageDone"
	SSEEventChatMessageError   SSEEvent = "ChatMessageError"
)

type SSEMessage struct {
	Channel string   `json:"channel"`
	Event   SSEEvent `json:"event"`
	Data    any      `json:"data,omitempty"`
}

// UserChannel is the default channel every client of a user is subscribed to.
func UserChannel(userID uuid.UUID) string { return userID.String() }

func ThreadChannel(threadID uuid.UUID) string { return "thread:" + threadID.String() }
