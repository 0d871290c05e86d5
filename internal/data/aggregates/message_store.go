package aggregates

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/threadline-backend/internal/data/repos"
	chatrepos "github.com/yungbote/threadline-backend/internal/data/repos/chat"
	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
)

const (
	DefaultDeleteBatch = 100
	MaxDeleteBatch     = 500
)

type MessageStoreDeps struct {
	Base BaseDeps

	Threads  repos.ChatThreadRepo
	Messages repos.ChatMessageRepo
	Deltas   repos.ChatDeltaRepo
}

type AppendUserInput struct {
	ThreadID       uuid.UUID
	UserID         uuid.UUID
	Content        string
	Model          string
	IdempotencyKey string
}

type BeginAssistantInput struct {
	ThreadID uuid.UUID
	UserID   uuid.UUID
	PromptID uuid.UUID
	Model    string
}

type MessagePage struct {
	Messages []*types.ChatMessage `json:"messages"`
	Cursor   string               `json:"cursor"`
	IsDone   bool                 `json:"is_done"`
}

// StreamState describes a reply that is still being written.
type StreamState struct {
	MessageID uuid.UUID `json:"message_id"`
	Status    string    `json:"status"`
	Seq       int64     `json:"seq"`
}

type DeltaSync struct {
	Deltas []*types.ChatMessageDelta `json:"deltas"`
	// Cursor is the seq of the last delta returned, or the input cursor when nothing is new.
	Cursor int64         `json:"cursor"`
	Active []StreamState `json:"active"`
}

type DeleteResult struct {
	Cursor string `json:"cursor,omitempty"`
	IsDone bool   `json:"is_done"`
}

// MessageStore holds the messages and streamed fragments of every thread.
type MessageStore interface {
	AppendUser(dbc dbctx.Context, in AppendUserInput) (*types.ChatMessage, error)
	BeginAssistant(dbc dbctx.Context, in BeginAssistantInput) (*types.ChatMessage, bool, error)
	MarkStreaming(dbc dbctx.Context, messageID uuid.UUID) error
	AppendDelta(dbc dbctx.Context, msg *types.ChatMessage, fragment string) (*types.ChatMessageDelta, error)
	Finalize(dbc dbctx.Context, msg *types.ChatMessage, status string, errMsg string) (bool, error)

	Get(dbc dbctx.Context, messageID uuid.UUID) (*types.ChatMessage, error)
	ReplyFor(dbc dbctx.Context, promptID uuid.UUID) (*types.ChatMessage, error)
	ByIdempotencyKey(dbc dbctx.Context, userID uuid.UUID, key string) (*types.ChatMessage, error)
	List(dbc dbctx.Context, threadID uuid.UUID, cursor string, limit int) (*MessagePage, error)
	History(dbc dbctx.Context, threadID uuid.UUID, beforeSeq int64, limit int) ([]*types.ChatMessage, error)
	SyncDeltas(dbc dbctx.Context, threadID uuid.UUID, cursor int64, limit int) (*DeltaSync, error)

	DeleteAllForThread(dbc dbctx.Context, threadID uuid.UUID, cursor string, limit int) (*DeleteResult, error)
}

type messageStore struct {
	deps MessageStoreDeps
}

func NewMessageStore(deps MessageStoreDeps) MessageStore {
	deps.Base = deps.Base.withDefaults()
	return &messageStore{deps: deps}
}

// AppendUser stores a complete user message at the next sequence number of the thread.
func (s *messageStore) AppendUser(dbc dbctx.Context, in AppendUserInput) (*types.ChatMessage, error) {
	if in.ThreadID == uuid.Nil || in.UserID == uuid.Nil {
		return nil, fmt.Errorf("append user: missing thread_id or user_id")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, domainchat.ErrEmptyPrompt
	}
	var out *types.ChatMessage
	err := executeWrite(dbc, s.deps.Base, func(dbc dbctx.Context) error {
		seq, err := s.deps.Threads.AllocateSeq(dbc, in.ThreadID)
		if err != nil {
			return err
		}
		row, err := s.deps.Messages.Create(dbc, &types.ChatMessage{
			ThreadID:       in.ThreadID,
			UserID:         in.UserID,
			Seq:            seq,
			Role:           domainchat.RoleUser,
			Status:         domainchat.MessageStatusComplete,
			Content:        in.Content,
			Model:          in.Model,
			IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
		})
		if err != nil {
			return err
		}
		if err := s.deps.Threads.Touch(dbc, in.ThreadID, in.Model, row.CreatedAt); err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append user: %w", err)
	}
	return out, nil
}

// BeginAssistant creates the pending reply for a prompt. It is idempotent on the prompt:
// when the reply already exists it is returned with created=false.
func (s *messageStore) BeginAssistant(dbc dbctx.Context, in BeginAssistantInput) (*types.ChatMessage, bool, error) {
	if in.ThreadID == uuid.Nil || in.UserID == uuid.Nil || in.PromptID == uuid.Nil {
		return nil, false, fmt.Errorf("begin assistant: missing ids")
	}
	existing, err := s.deps.Messages.GetReplyForPrompt(dbc, in.PromptID)
	if err != nil {
		return nil, false, fmt.Errorf("begin assistant: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	var out *types.ChatMessage
	err = executeWrite(dbc, s.deps.Base, func(dbc dbctx.Context) error {
		seq, err := s.deps.Threads.AllocateSeq(dbc, in.ThreadID)
		if err != nil {
			return err
		}
		promptID := in.PromptID
		row, err := s.deps.Messages.Create(dbc, &types.ChatMessage{
			ThreadID:        in.ThreadID,
			UserID:          in.UserID,
			Seq:             seq,
			Role:            domainchat.RoleAssistant,
			Status:          domainchat.MessageStatusPending,
			Model:           in.Model,
			PromptMessageID: &promptID,
		})
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	if IsUniqueViolation(err) && dbc.Tx == nil {
		// A concurrent delivery of the same task won the insert.
		existing, gerr := s.deps.Messages.GetReplyForPrompt(dbc, in.PromptID)
		if gerr != nil {
			return nil, false, fmt.Errorf("begin assistant: %w", gerr)
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("begin assistant: %w", err)
	}
	return out, true, nil
}

func (s *messageStore) MarkStreaming(dbc dbctx.Context, messageID uuid.UUID) error {
	ok, err := s.deps.Messages.MarkStreaming(dbc, messageID)
	if err != nil {
		return fmt.Errorf("mark streaming: %w", err)
	}
	if ok {
		return nil
	}
	msg, err := s.deps.Messages.GetByID(dbc, messageID)
	if err != nil {
		return fmt.Errorf("mark streaming: %w", err)
	}
	if msg != nil && msg.Status == domainchat.MessageStatusStreaming {
		return nil
	}
	return domainchat.ErrNotStreaming
}

// AppendDelta appends fragment to a streaming reply and records it as the next delta of
// the thread. It fails with ErrNotStreaming once the reply has left the streaming state.
func (s *messageStore) AppendDelta(dbc dbctx.Context, msg *types.ChatMessage, fragment string) (*types.ChatMessageDelta, error) {
	if msg == nil || msg.ID == uuid.Nil {
		return nil, fmt.Errorf("append delta: missing message")
	}
	var out *types.ChatMessageDelta
	err := executeWrite(dbc, s.deps.Base, func(dbc dbctx.Context) error {
		ok, err := s.deps.Messages.AppendContent(dbc, msg.ID, fragment)
		if err != nil {
			return err
		}
		if !ok {
			return domainchat.ErrNotStreaming
		}
		seq, err := s.deps.Threads.AllocateDeltaSeq(dbc, msg.ThreadID)
		if err != nil {
			return err
		}
		out, err = s.deps.Deltas.Create(dbc, &types.ChatMessageDelta{
			ThreadID:  msg.ThreadID,
			MessageID: msg.ID,
			Seq:       seq,
			Text:      fragment,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("append delta: %w", err)
	}
	return out, nil
}

// Finalize moves a reply to complete or failed. Repeating it is a no-op that reports false.
func (s *messageStore) Finalize(dbc dbctx.Context, msg *types.ChatMessage, status string, errMsg string) (bool, error) {
	if msg == nil || msg.ID == uuid.Nil {
		return false, fmt.Errorf("finalize: missing message")
	}
	var changed bool
	err := executeWrite(dbc, s.deps.Base, func(dbc dbctx.Context) error {
		ok, err := s.deps.Messages.Finalize(dbc, msg.ID, status, errMsg)
		if err != nil || !ok {
			return err
		}
		changed = true
		return s.deps.Threads.Touch(dbc, msg.ThreadID, "", time.Now().UTC())
	})
	if err != nil {
		return false, fmt.Errorf("finalize: %w", err)
	}
	return changed, nil
}

func (s *messageStore) Get(dbc dbctx.Context, messageID uuid.UUID) (*types.ChatMessage, error) {
	return s.deps.Messages.GetByID(dbc, messageID)
}

func (s *messageStore) ReplyFor(dbc dbctx.Context, promptID uuid.UUID) (*types.ChatMessage, error) {
	return s.deps.Messages.GetReplyForPrompt(dbc, promptID)
}

func (s *messageStore) ByIdempotencyKey(dbc dbctx.Context, userID uuid.UUID, key string) (*types.ChatMessage, error) {
	return s.deps.Messages.GetByIdempotencyKey(dbc, userID, key)
}

// List pages messages in sequence order. The cursor is the seq of the last message of
// the previous page.
func (s *messageStore) List(dbc dbctx.Context, threadID uuid.UUID, cursor string, limit int) (*MessagePage, error) {
	after, err := chatrepos.DecodeSeqCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = chatrepos.ClampLimit(limit, chatrepos.DefaultMessagePageSize, chatrepos.MaxMessagePageSize)
	rows, err := s.deps.Messages.ListAfterSeq(dbc, threadID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	page := &MessagePage{Messages: rows, Cursor: cursor, IsDone: len(rows) < limit}
	if n := len(rows); n > 0 {
		page.Cursor = chatrepos.EncodeSeqCursor(rows[n-1].Seq)
	}
	return page, nil
}

func (s *messageStore) History(dbc dbctx.Context, threadID uuid.UUID, beforeSeq int64, limit int) ([]*types.ChatMessage, error) {
	rows, err := s.deps.Messages.ListHistory(dbc, threadID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return rows, nil
}

// SyncDeltas returns the fragments recorded after cursor, in emission order, plus the
// replies still being written so a reader knows which ones to keep following.
func (s *messageStore) SyncDeltas(dbc dbctx.Context, threadID uuid.UUID, cursor int64, limit int) (*DeltaSync, error) {
	if cursor < 0 {
		return nil, domainchat.ErrInvalidCursor
	}
	deltas, err := s.deps.Deltas.ListAfterSeq(dbc, threadID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("sync deltas: %w", err)
	}
	inflight, err := s.deps.Messages.ListInFlight(dbc, threadID)
	if err != nil {
		return nil, fmt.Errorf("sync deltas: %w", err)
	}
	out := &DeltaSync{Deltas: deltas, Cursor: cursor, Active: make([]StreamState, 0, len(inflight))}
	if n := len(deltas); n > 0 {
		out.Cursor = deltas[n-1].Seq
	}
	for _, m := range inflight {
		if m.Role != domainchat.RoleAssistant {
			continue
		}
		out.Active = append(out.Active, StreamState{MessageID: m.ID, Status: m.Status, Seq: m.Seq})
	}
	return out, nil
}

// DeleteAllForThread removes up to limit messages after cursor together with their
// deltas. Once a batch comes back short the thread row itself is removed and IsDone is
// set. A thread that no longer exists is reported done, so a stale cursor is harmless.
func (s *messageStore) DeleteAllForThread(dbc dbctx.Context, threadID uuid.UUID, cursor string, limit int) (*DeleteResult, error) {
	after, err := chatrepos.DecodeSeqCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = chatrepos.ClampLimit(limit, DefaultDeleteBatch, MaxDeleteBatch)

	out := &DeleteResult{}
	err = executeWrite(dbc, s.deps.Base, func(dbc dbctx.Context) error {
		th, err := s.deps.Threads.GetByID(dbc, threadID)
		if err != nil {
			return err
		}
		if th == nil {
			out.IsDone = true
			return nil
		}
		batch, err := s.deps.Messages.ListAfterSeq(dbc, threadID, after, limit)
		if err != nil {
			return err
		}
		ids := make([]uuid.UUID, 0, len(batch))
		for _, m := range batch {
			ids = append(ids, m.ID)
		}
		if err := s.deps.Deltas.DeleteByMessageIDs(dbc, ids); err != nil {
			return err
		}
		if err := s.deps.Messages.DeleteByIDs(dbc, ids); err != nil {
			return err
		}
		if len(batch) < limit {
			if err := s.deps.Deltas.DeleteByThread(dbc, threadID); err != nil {
				return err
			}
			if err := s.deps.Messages.DeleteByThread(dbc, threadID); err != nil {
				return err
			}
			if err := s.deps.Threads.Delete(dbc, threadID); err != nil {
				return err
			}
			out.IsDone = true
			return nil
		}
		out.Cursor = chatrepos.EncodeSeqCursor(batch[len(batch)-1].Seq)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete thread messages: %w", err)
	}
	return out, nil
}

// IsNotStreaming reports whether err came from a write against a reply that already left
// the streaming state.
func IsNotStreaming(err error) bool {
	return errors.Is(err, domainchat.ErrNotStreaming)
}
