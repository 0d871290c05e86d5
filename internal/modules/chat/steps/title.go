package steps

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/threadline-backend/internal/data/aggregates"
	"github.com/yungbote/threadline-backend/internal/data/repos"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
	"github.com/yungbote/threadline-backend/internal/observability"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/llm"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/services"
)

const (
	MaxTitleRunes       = 35
	DefaultTitleTimeout = time.Minute

	TitleInstruction = "Generate a single title for this thread in plain text. The title should be no more than 35 characters long. Strip the ends of whitespace and don't include quotes"
)

type TitleGateDeps struct {
	Log       *logger.Logger
	Threads   repos.ChatThreadRepo
	Scheduler services.Scheduler
}

type TitleGateInput struct {
	UserID   uuid.UUID
	ThreadID uuid.UUID
	Model    domainchat.ModelID
}

// TitleGate schedules title generation when the thread still has the default title and
// no title task is already waiting. Duplicates that slip through are resolved by the
// conditional write in GenerateTitle.
func TitleGate(dbc dbctx.Context, deps TitleGateDeps, in TitleGateInput) (bool, error) {
	thread, err := deps.Threads.GetForOwner(dbc, in.UserID, in.ThreadID)
	if err != nil {
		return false, err
	}
	if thread == nil || !thread.HasDefaultTitle() {
		return false, nil
	}
	pending, err := deps.Scheduler.HasPending(dbc, in.UserID, domainjobs.EntityTypeChatThread, in.ThreadID, domainjobs.JobTypeChatTitle)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}
	threadID := in.ThreadID
	job, err := deps.Scheduler.Schedule(dbc, 0, services.Task{
		JobType:     domainjobs.JobTypeChatTitle,
		OwnerUserID: in.UserID,
		EntityType:  domainjobs.EntityTypeChatThread,
		EntityID:    &threadID,
		Payload: map[string]any{
			"thread_id": in.ThreadID.String(),
			"user_id":   in.UserID.String(),
			"model":     in.Model.String(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("schedule title: %w", err)
	}
	if deps.Log != nil {
		deps.Log.Debug("title generation scheduled", "thread_id", in.ThreadID, "job_id", job.ID)
	}
	return true, nil
}

type TitleDeps struct {
	Log *logger.Logger

	Engine  llm.Engine
	Catalog *llm.Catalog

	Threads repos.ChatThreadRepo
	Store   aggregates.MessageStore
	Notify  services.ChatNotifier

	HistoryLimit int
	Timeout      time.Duration
}

type TitleInput struct {
	UserID   uuid.UUID
	ThreadID uuid.UUID
	Model    domainchat.ModelID
}

type TitleOutput struct {
	Title   string `json:"title,omitempty"`
	Renamed bool   `json:"renamed"`
	Skipped string `json:"skipped,omitempty"`
}

// GenerateTitle asks the engine for a short title over the thread history and writes it
// only if the thread still has the default title. Nothing is stored as a message. Engine
// failures leave the default title in place and are not returned.
func GenerateTitle(ctx context.Context, deps TitleDeps, in TitleInput) (TitleOutput, error) {
	out := TitleOutput{}
	if deps.Engine == nil || deps.Catalog == nil || deps.Threads == nil || deps.Store == nil {
		return out, fmt.Errorf("chat title: missing deps")
	}
	if in.UserID == uuid.Nil || in.ThreadID == uuid.Nil {
		return out, fmt.Errorf("chat title: missing ids")
	}
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("thread_id", in.ThreadID, "model", in.Model)

	ctx, span := tracer.Start(ctx, "chat.generate_title")
	defer span.End()
	span.SetAttributes(attribute.String("chat.thread_id", in.ThreadID.String()))
	defer func() {
		outcome := out.Skipped
		if out.Renamed {
			outcome = "renamed"
		} else if outcome == "" {
			outcome = "error"
		}
		observability.Current().IncTitle(outcome)
	}()

	dbc := dbctx.Context{Ctx: ctx}
	thread, err := deps.Threads.GetForOwner(dbc, in.UserID, in.ThreadID)
	if err != nil {
		return out, err
	}
	if thread == nil {
		out.Skipped = "thread_missing"
		return out, nil
	}
	if !thread.HasDefaultTitle() {
		out.Skipped = "already_titled"
		return out, nil
	}
	spec, ok := deps.Catalog.Lookup(in.Model)
	if !ok {
		out.Skipped = "unknown_model"
		return out, nil
	}
	history, err := deps.Store.History(dbc, in.ThreadID, 0, historyLimit(deps.HistoryLimit))
	if err != nil {
		return out, err
	}
	if len(history) == 0 {
		out.Skipped = "empty_thread"
		return out, nil
	}

	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = DefaultTitleTimeout
	}
	engineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	raw, err := deps.Engine.GenerateOnce(engineCtx, llm.Request{
		Model:   spec.EngineModel(),
		System:  spec.SystemInstructions(false),
		History: toTurns(history),
		Prompt:  TitleInstruction,
	})
	if err != nil {
		span.RecordError(err)
		log.Warn("title generation failed, keeping default title", "error", err)
		out.Skipped = "engine_failed"
		return out, nil
	}

	title := NormalizeTitle(raw)
	if title == "" || title == domainchat.DefaultThreadTitle {
		out.Skipped = "empty_title"
		return out, nil
	}
	won, err := deps.Threads.SetTitleIfDefault(dbc, in.ThreadID, title)
	if err != nil {
		return out, err
	}
	if !won {
		out.Skipped = "lost_race"
		return out, nil
	}
	out.Title = title
	out.Renamed = true
	if deps.Notify != nil {
		if updated, err := deps.Threads.GetByID(dbc, in.ThreadID); err == nil && updated != nil {
			deps.Notify.ThreadUpdated(in.UserID, updated)
		}
	}
	return out, nil
}

// NormalizeTitle keeps the first non-empty line, strips surrounding quotes and markdown
// emphasis, and clamps to MaxTitleRunes.
func NormalizeTitle(raw string) string {
	s := strings.TrimSpace(raw)
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			s = line
			break
		}
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`*#“”‘’ ")
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > MaxTitleRunes {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:MaxTitleRunes]))
	}
	return s
}
