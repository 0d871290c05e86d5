package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/aggregates"
	"github.com/yungbote/threadline-backend/internal/data/repos"
	chatrepos "github.com/yungbote/threadline-backend/internal/data/repos/chat"
	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
	"github.com/yungbote/threadline-backend/internal/platform/apierr"
	"github.com/yungbote/threadline-backend/internal/platform/ctxutil"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/llm"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

const maxTitleLen = 200

var errReplyNotStarted = errors.New("reply could not be started")

type SendInput struct {
	Prompt         string     `json:"prompt"`
	Model          string     `json:"model"`
	ThreadID       *uuid.UUID `json:"thread_id,omitempty"`
	InsideMatrix   bool       `json:"inside_matrix,omitempty"`
	IdempotencyKey string     `json:"-"`
}

type SendResult struct {
	ThreadID  uuid.UUID `json:"thread_id"`
	MessageID uuid.UUID `json:"message_id"`
	JobID     uuid.UUID `json:"job_id,omitempty"`
	// Replayed is set when the idempotency key matched an earlier send.
	Replayed bool `json:"replayed,omitempty"`
}

type ListThreadsInput struct {
	Status string
	Cursor string
	Limit  int
}

type ListMessagesInput struct {
	ThreadID uuid.UUID
	// Model is validated when present; listing is not filtered by it.
	Model        string
	Cursor       string
	Limit        int
	StreamCursor int64
	StreamLimit  int
}

// MessagesView is one page of messages plus the fragments recorded since StreamCursor.
type MessagesView struct {
	*aggregates.MessagePage
	Streams *aggregates.DeltaSync `json:"streams"`
}

type ChatService interface {
	// Send stores the prompt, claims the thread's generation token and schedules the
	// reply. It returns before the engine is called.
	Send(dbc dbctx.Context, in SendInput) (*SendResult, error)

	ListThreads(dbc dbctx.Context, in ListThreadsInput) (*chatrepos.ThreadPage, error)
	ThreadExists(dbc dbctx.Context, threadID uuid.UUID) (bool, error)
	ListMessages(dbc dbctx.Context, in ListMessagesInput) (*MessagesView, error)
	SyncDeltas(dbc dbctx.Context, threadID uuid.UUID, cursor int64, limit int) (*aggregates.DeltaSync, error)

	ArchiveThread(dbc dbctx.Context, threadID uuid.UUID, status string) (*types.ChatThread, error)
	RenameThread(dbc dbctx.Context, threadID uuid.UUID, title string) (*types.ChatThread, error)
	// DeleteThread removes up to limit messages per call. Callers repeat with the returned
	// cursor until IsDone.
	DeleteThread(dbc dbctx.Context, threadID uuid.UUID, cursor string, limit int) (*aggregates.DeleteResult, error)

	ListModels() []llm.ModelSpec
}

type chatService struct {
	db  *gorm.DB
	log *logger.Logger

	threads   repos.ChatThreadRepo
	store     aggregates.MessageStore
	scheduler Scheduler
	catalog   *llm.Catalog
	notify    ChatNotifier
}

func NewChatService(
	db *gorm.DB,
	baseLog *logger.Logger,
	threads repos.ChatThreadRepo,
	store aggregates.MessageStore,
	scheduler Scheduler,
	catalog *llm.Catalog,
	notify ChatNotifier,
) ChatService {
	return &chatService{
		db:        db,
		log:       baseLog.With("service", "ChatService"),
		threads:   threads,
		store:     store,
		scheduler: scheduler,
		catalog:   catalog,
		notify:    notify,
	}
}

func (s *chatService) Send(dbc dbctx.Context, in SendInput) (*SendResult, error) {
	userID := ctxutil.UserID(dbc.Ctx)
	if userID == uuid.Nil {
		return nil, chatErr(domainchat.ErrUnauthenticated)
	}
	model, err := s.resolveModel(in.Model)
	if err != nil {
		return nil, chatErr(err)
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, chatErr(domainchat.ErrEmptyPrompt)
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if replay, err := s.replay(dbc, userID, key); err != nil || replay != nil {
		return replay, err
	}

	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}
	var (
		thread  *types.ChatThread
		created bool
		msg     *types.ChatMessage
		job     *types.JobRun
	)
	err = transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}
		if in.ThreadID == nil || *in.ThreadID == uuid.Nil {
			row, err := s.threads.Create(inner, &types.ChatThread{
				UserID: userID,
				Title:  domainchat.DefaultThreadTitle,
				Status: domainchat.ThreadStatusActive,
				Model:  model.String(),
			})
			if err != nil {
				return fmt.Errorf("create thread: %w", err)
			}
			thread, created = row, true
		} else {
			row, err := s.threads.GetForOwner(inner, userID, *in.ThreadID)
			if err != nil {
				return err
			}
			if row == nil {
				return domainchat.ErrThreadNotFound
			}
			thread = row
		}

		m, err := s.store.AppendUser(inner, aggregates.AppendUserInput{
			ThreadID:       thread.ID,
			UserID:         userID,
			Content:        prompt,
			Model:          model.String(),
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		msg = m

		claimed, err := s.threads.ClaimGeneration(inner, thread.ID, msg.ID)
		if err != nil {
			return fmt.Errorf("claim generation: %w", err)
		}
		if !claimed {
			return domainchat.ErrThreadBusy
		}

		threadID := thread.ID
		job, err = s.scheduler.Schedule(inner, 0, Task{
			JobType:     domainjobs.JobTypeChatStream,
			OwnerUserID: userID,
			EntityType:  domainjobs.EntityTypeChatThread,
			EntityID:    &threadID,
			Payload: map[string]any{
				"thread_id":         thread.ID.String(),
				"user_id":           userID.String(),
				"prompt_message_id": msg.ID.String(),
				"model":             model.String(),
				"inside_matrix":     in.InsideMatrix,
			},
		})
		return err
	})
	if err != nil {
		if key != "" && aggregates.IsUniqueViolation(err) {
			// a concurrent send with the same key won the insert
			if replay, rerr := s.replay(dbc, userID, key); rerr == nil && replay != nil {
				return replay, nil
			}
		}
		return nil, chatErr(err)
	}

	// Dispatch only after commit so a worker never sees an uncommitted row.
	dispatchErr := s.scheduler.Dispatch(dbctx.Context{Ctx: dbc.Ctx}, job)

	if s.notify != nil {
		if created {
			s.notify.ThreadCreated(userID, thread)
		}
		s.notify.MessageCreated(userID, thread.ID, msg)
	}
	if dispatchErr != nil {
		// the prompt is committed, so the send stands and its reply fails instead
		s.log.Error("dispatch stream task failed", "thread_id", thread.ID, "job_id", job.ID, "error", dispatchErr)
		s.failUndispatched(dbctx.Context{Ctx: dbc.Ctx}, userID, msg, model)
	}
	return &SendResult{ThreadID: thread.ID, MessageID: msg.ID, JobID: job.ID}, nil
}

// failUndispatched records a failed reply for a prompt whose stream task never started
// and frees the thread's generation token. A late run of the task finds the reply
// finalized and does nothing.
func (s *chatService) failUndispatched(dbc dbctx.Context, userID uuid.UUID, prompt *types.ChatMessage, model domainchat.ModelID) {
	log := s.log.With("thread_id", prompt.ThreadID, "prompt_id", prompt.ID)
	reply, _, err := s.store.BeginAssistant(dbc, aggregates.BeginAssistantInput{
		ThreadID: prompt.ThreadID,
		UserID:   userID,
		PromptID: prompt.ID,
		Model:    model.String(),
	})
	if err != nil {
		log.Warn("record undispatched reply", "error", err)
	} else if changed, err := s.store.Finalize(dbc, reply, domainchat.MessageStatusFailed, errReplyNotStarted.Error()); err != nil {
		log.Warn("fail undispatched reply", "message_id", reply.ID, "error", err)
	} else if changed && s.notify != nil {
		reply.Status = domainchat.MessageStatusFailed
		reply.Error = errReplyNotStarted.Error()
		s.notify.MessageCreated(userID, prompt.ThreadID, reply)
		s.notify.MessageError(userID, prompt.ThreadID, reply.ID, reply.Error)
		s.notify.MessageDone(userID, prompt.ThreadID, reply)
	}
	if _, err := s.threads.ReleaseGeneration(dbc, prompt.ThreadID, prompt.ID); err != nil {
		log.Warn("release generation after dispatch failure", "error", err)
	}
}

func (s *chatService) replay(dbc dbctx.Context, userID uuid.UUID, key string) (*SendResult, error) {
	if key == "" {
		return nil, nil
	}
	prior, err := s.store.ByIdempotencyKey(dbctx.Context{Ctx: dbc.Ctx}, userID, key)
	if err != nil {
		return nil, chatErr(err)
	}
	if prior == nil {
		return nil, nil
	}
	return &SendResult{ThreadID: prior.ThreadID, MessageID: prior.ID, Replayed: true}, nil
}

func (s *chatService) resolveModel(raw string) (domainchat.ModelID, error) {
	model, err := domainchat.ParseModelID(raw)
	if err != nil {
		return "", err
	}
	if s.catalog != nil {
		if _, ok := s.catalog.Lookup(model); !ok {
			return "", fmt.Errorf("%w: %q is not configured", domainchat.ErrUnknownModel, raw)
		}
	}
	return model, nil
}

func (s *chatService) ListThreads(dbc dbctx.Context, in ListThreadsInput) (*chatrepos.ThreadPage, error) {
	userID := ctxutil.UserID(dbc.Ctx)
	if userID == uuid.Nil {
		return nil, chatErr(domainchat.ErrUnauthenticated)
	}
	status := strings.TrimSpace(in.Status)
	if status != "" && !domainchat.ValidThreadStatus(status) {
		return nil, chatErr(domainchat.ErrInvalidStatus)
	}
	page, err := s.threads.ListByOwner(dbc, chatrepos.ThreadListQuery{
		OwnerID: userID,
		Status:  status,
		Cursor:  strings.TrimSpace(in.Cursor),
		Limit:   in.Limit,
	})
	if err != nil {
		return nil, chatErr(err)
	}
	return page, nil
}

func (s *chatService) ThreadExists(dbc dbctx.Context, threadID uuid.UUID) (bool, error) {
	userID := ctxutil.UserID(dbc.Ctx)
	if userID == uuid.Nil {
		return false, chatErr(domainchat.ErrUnauthenticated)
	}
	ok, err := s.threads.Exists(dbc, userID, threadID)
	if err != nil {
		return false, chatErr(err)
	}
	return ok, nil
}

func (s *chatService) ListMessages(dbc dbctx.Context, in ListMessagesInput) (*MessagesView, error) {
	if _, err := s.ownedThread(dbc, in.ThreadID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Model) != "" {
		if _, err := s.resolveModel(in.Model); err != nil {
			return nil, chatErr(err)
		}
	}
	if in.StreamCursor < 0 {
		return nil, chatErr(domainchat.ErrInvalidCursor)
	}

	out := &MessagesView{}
	g, gctx := errgroup.WithContext(dbc.Ctx)
	g.Go(func() error {
		page, err := s.store.List(dbctx.Context{Ctx: gctx}, in.ThreadID, in.Cursor, in.Limit)
		if err != nil {
			return err
		}
		out.MessagePage = page
		return nil
	})
	g.Go(func() error {
		sync, err := s.store.SyncDeltas(dbctx.Context{Ctx: gctx}, in.ThreadID, in.StreamCursor, in.StreamLimit)
		if err != nil {
			return err
		}
		out.Streams = sync
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, chatErr(err)
	}
	return out, nil
}

func (s *chatService) SyncDeltas(dbc dbctx.Context, threadID uuid.UUID, cursor int64, limit int) (*aggregates.DeltaSync, error) {
	if _, err := s.ownedThread(dbc, threadID); err != nil {
		return nil, err
	}
	out, err := s.store.SyncDeltas(dbc, threadID, cursor, limit)
	if err != nil {
		return nil, chatErr(err)
	}
	return out, nil
}

func (s *chatService) ArchiveThread(dbc dbctx.Context, threadID uuid.UUID, status string) (*types.ChatThread, error) {
	status = strings.TrimSpace(status)
	if !domainchat.ValidThreadStatus(status) {
		return nil, chatErr(domainchat.ErrInvalidStatus)
	}
	thread, err := s.ownedThread(dbc, threadID)
	if err != nil {
		return nil, err
	}
	if thread.Status == status {
		return thread, nil
	}
	if _, err := s.threads.SetStatus(dbc, threadID, status); err != nil {
		return nil, chatErr(err)
	}
	return s.reloadAndNotify(dbc, thread)
}

// RenameThread is a manual rename. It overwrites any title, including a generated one.
func (s *chatService) RenameThread(dbc dbctx.Context, threadID uuid.UUID, title string) (*types.ChatThread, error) {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return nil, chatErr(domainchat.ErrEmptyTitle)
	}
	if r := []rune(title); len(r) > maxTitleLen {
		title = string(r[:maxTitleLen])
	}
	thread, err := s.ownedThread(dbc, threadID)
	if err != nil {
		return nil, err
	}
	if _, err := s.threads.SetTitle(dbc, threadID, title); err != nil {
		return nil, chatErr(err)
	}
	return s.reloadAndNotify(dbc, thread)
}

func (s *chatService) DeleteThread(dbc dbctx.Context, threadID uuid.UUID, cursor string, limit int) (*aggregates.DeleteResult, error) {
	userID := ctxutil.UserID(dbc.Ctx)
	if userID == uuid.Nil {
		return nil, chatErr(domainchat.ErrUnauthenticated)
	}
	thread, err := s.threads.GetForOwner(dbc, userID, threadID)
	if err != nil {
		return nil, chatErr(err)
	}
	if thread == nil {
		return &aggregates.DeleteResult{IsDone: true}, nil
	}
	// Avoid deleting while a reply is in flight.
	if thread.ActivePromptID != nil {
		return nil, chatErr(domainchat.ErrThreadBusy)
	}
	res, err := s.store.DeleteAllForThread(dbc, threadID, cursor, limit)
	if err != nil {
		return nil, chatErr(err)
	}
	if res.IsDone && s.notify != nil {
		s.notify.ThreadDeleted(userID, threadID)
	}
	return res, nil
}

func (s *chatService) ListModels() []llm.ModelSpec {
	if s.catalog == nil {
		return nil
	}
	return s.catalog.List()
}

func (s *chatService) ownedThread(dbc dbctx.Context, threadID uuid.UUID) (*types.ChatThread, error) {
	userID := ctxutil.UserID(dbc.Ctx)
	if userID == uuid.Nil {
		return nil, chatErr(domainchat.ErrUnauthenticated)
	}
	thread, err := s.threads.GetForOwner(dbc, userID, threadID)
	if err != nil {
		return nil, chatErr(err)
	}
	if thread == nil {
		return nil, chatErr(domainchat.ErrThreadNotFound)
	}
	return thread, nil
}

func (s *chatService) reloadAndNotify(dbc dbctx.Context, thread *types.ChatThread) (*types.ChatThread, error) {
	updated, err := s.threads.GetByID(dbc, thread.ID)
	if err != nil {
		return nil, chatErr(err)
	}
	if updated == nil {
		return nil, chatErr(domainchat.ErrThreadNotFound)
	}
	if s.notify != nil {
		s.notify.ThreadUpdated(updated.UserID, updated)
	}
	return updated, nil
}

// chatErr maps domain sentinels to API errors. Unknown errors pass through and surface
// as 500 internal.
func chatErr(err error) error {
	if err == nil {
		return nil
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, domainchat.ErrUnauthenticated):
		return apierr.Unauthorized("unauthenticated", err)
	case errors.Is(err, domainchat.ErrThreadNotFound):
		return apierr.NotFound("thread_not_found", err)
	case errors.Is(err, domainchat.ErrThreadBusy):
		return apierr.Conflict("thread_busy", err)
	case errors.Is(err, domainchat.ErrUnknownModel):
		return apierr.BadRequest("unknown_model", err)
	case errors.Is(err, domainchat.ErrEmptyPrompt):
		return apierr.BadRequest("empty_prompt", err)
	case errors.Is(err, domainchat.ErrEmptyTitle):
		return apierr.BadRequest("empty_title", err)
	case errors.Is(err, domainchat.ErrInvalidStatus):
		return apierr.BadRequest("invalid_status", err)
	case errors.Is(err, domainchat.ErrInvalidCursor):
		return apierr.BadRequest("invalid_cursor", err)
	}
	return apierr.New(http.StatusInternalServerError, "internal", err)
}
