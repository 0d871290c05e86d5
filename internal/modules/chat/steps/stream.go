package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/aggregates"
	"github.com/yungbote/threadline-backend/internal/data/repos"
	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/observability"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/llm"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/services"
)

var tracer = otel.Tracer("threadline/chat")

const (
	DefaultHistoryLimit  = 50
	DefaultStreamTimeout = 5 * time.Minute
)

// errInterrupted is recorded on a reply whose previous delivery died mid-stream.
var errInterrupted = errors.New("reply interrupted before completion")

var errHistoryUnavailable = errors.New("conversation history unavailable")

type StreamDeps struct {
	DB  *gorm.DB
	Log *logger.Logger

	Engine  llm.Engine
	Catalog *llm.Catalog

	Threads   repos.ChatThreadRepo
	Store     aggregates.MessageStore
	Scheduler services.Scheduler
	Notify    services.ChatNotifier

	HistoryLimit int
	Timeout      time.Duration
}

type StreamInput struct {
	UserID       uuid.UUID
	ThreadID     uuid.UUID
	PromptID     uuid.UUID
	Model        domainchat.ModelID
	InsideMatrix bool

	// OnFragment runs after every stored fragment; the job handler uses it to heartbeat.
	OnFragment func()
}

type StreamOutput struct {
	MessageID      uuid.UUID `json:"message_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	Fragments      int       `json:"fragments"`
	Skipped        string    `json:"skipped,omitempty"`
	TitleScheduled bool      `json:"title_scheduled"`
}

/*
Stream produces the assistant reply to one user message. Duplicate deliveries are safe:
  - a finished reply is left alone,
  - a reply that was streaming when an earlier delivery died is failed with its partial
    content kept,
  - a reply that never left pending is picked up and streamed.

The per-thread generation token for the prompt is released on every exit path, and no
exit path after MarkStreaming leaves the reply streaming.
*/
func Stream(ctx context.Context, deps StreamDeps, in StreamInput) (StreamOutput, error) {
	out := StreamOutput{}
	if deps.Engine == nil || deps.Catalog == nil || deps.Threads == nil || deps.Store == nil {
		return out, fmt.Errorf("chat stream: missing deps")
	}
	if in.UserID == uuid.Nil || in.ThreadID == uuid.Nil || in.PromptID == uuid.Nil {
		return out, fmt.Errorf("chat stream: missing ids")
	}
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("thread_id", in.ThreadID, "prompt_id", in.PromptID, "model", in.Model)

	ctx, span := tracer.Start(ctx, "chat.stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.thread_id", in.ThreadID.String()),
		attribute.String("chat.prompt_id", in.PromptID.String()),
		attribute.String("chat.model", in.Model.String()),
	)

	dbc := dbctx.Context{Ctx: ctx}
	defer release(dbc, deps.Threads, log, in.ThreadID, in.PromptID)

	thread, err := deps.Threads.GetForOwner(dbc, in.UserID, in.ThreadID)
	if err != nil {
		return out, err
	}
	if thread == nil {
		out.Skipped = "thread_missing"
		return out, nil
	}
	prompt, err := deps.Store.Get(dbc, in.PromptID)
	if err != nil {
		return out, err
	}
	if prompt == nil || prompt.ThreadID != in.ThreadID {
		out.Skipped = "prompt_missing"
		return out, nil
	}

	reply, created, err := deps.Store.BeginAssistant(dbc, aggregates.BeginAssistantInput{
		ThreadID: in.ThreadID,
		UserID:   in.UserID,
		PromptID: in.PromptID,
		Model:    in.Model.String(),
	})
	if err != nil {
		return out, err
	}
	out.MessageID = reply.ID
	span.SetAttributes(attribute.String("chat.message_id", reply.ID.String()))

	if !created {
		switch {
		case reply.Terminal():
			out.Status = reply.Status
			out.Skipped = "already_finalized"
			if reply.Status == domainchat.MessageStatusComplete {
				out.TitleScheduled = gate(dbc, deps, log, in)
			}
			return out, nil
		case reply.Status == domainchat.MessageStatusStreaming:
			log.Warn("reply was interrupted by an earlier delivery", "message_id", reply.ID)
			out.Status = domainchat.MessageStatusFailed
			out.Skipped = "interrupted"
			finalize(dbc, deps, log, reply, domainchat.MessageStatusFailed, errInterrupted.Error())
			return out, nil
		}
	}
	if deps.Notify != nil {
		deps.Notify.MessageCreated(in.UserID, in.ThreadID, reply)
	}

	if err := deps.Store.MarkStreaming(dbc, reply.ID); err != nil {
		log.Error("reply left pending before streaming", "message_id", reply.ID, "error", err)
		span.RecordError(err)
		return out, err
	}
	reply.Status = domainchat.MessageStatusStreaming
	started := time.Now()
	defer func() {
		observability.Current().ObserveStream(in.Model.String(), out.Status, out.Fragments, time.Since(started))
	}()

	spec, ok := deps.Catalog.Lookup(in.Model)
	if !ok {
		err := fmt.Errorf("%w: %q", domainchat.ErrUnknownModel, in.Model)
		out.Status = domainchat.MessageStatusFailed
		finalize(dbc, deps, log, reply, domainchat.MessageStatusFailed, err.Error())
		return out, nil
	}

	history, err := deps.Store.History(dbc, in.ThreadID, prompt.Seq, historyLimit(deps.HistoryLimit))
	if err != nil {
		// a streaming reply must not outlive the token released on return
		span.RecordError(err)
		out.Status = domainchat.MessageStatusFailed
		finalize(dbc, deps, log, reply, domainchat.MessageStatusFailed, errHistoryUnavailable.Error())
		return out, fmt.Errorf("load history: %w", err)
	}

	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	engineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := llm.Request{
		Model:   spec.EngineModel(),
		System:  spec.SystemInstructions(in.InsideMatrix),
		History: toTurns(history),
		Prompt:  prompt.Content,
	}
	_, streamErr := deps.Engine.StreamText(engineCtx, req, func(fragment string) error {
		if fragment == "" {
			return nil
		}
		delta, err := deps.Store.AppendDelta(dbc, reply, fragment)
		if err != nil {
			return err
		}
		out.Fragments++
		if deps.Notify != nil {
			deps.Notify.MessageDelta(in.UserID, in.ThreadID, delta)
		}
		if in.OnFragment != nil {
			in.OnFragment()
		}
		return nil
	})
	span.SetAttributes(attribute.Int("chat.fragments", out.Fragments))

	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
		if aggregates.IsNotStreaming(streamErr) {
			// someone else finalized the reply under us; nothing left to write
			log.Error("delta rejected, reply no longer streaming", "message_id", reply.ID, "error", streamErr)
			return out, streamErr
		}
		out.Status = domainchat.MessageStatusFailed
		finalize(dbc, deps, log, reply, domainchat.MessageStatusFailed, streamErr.Error())
		if llm.IsEngineError(streamErr) {
			log.Warn("engine failed, partial reply kept", "message_id", reply.ID, "fragments", out.Fragments, "timeout", llm.IsTimeout(streamErr), "error", streamErr)
			return out, nil
		}
		return out, streamErr
	}

	out.Status = domainchat.MessageStatusComplete
	finalize(dbc, deps, log, reply, domainchat.MessageStatusComplete, "")
	// the token has to be free before the title task can observe an idle thread
	release(dbc, deps.Threads, log, in.ThreadID, in.PromptID)
	out.TitleScheduled = gate(dbc, deps, log, in)
	return out, nil
}

func finalize(dbc dbctx.Context, deps StreamDeps, log *logger.Logger, reply *types.ChatMessage, status, errMsg string) {
	changed, err := deps.Store.Finalize(dbc, reply, status, errMsg)
	if err != nil {
		log.Error("finalize reply failed", "message_id", reply.ID, "status", status, "error", err)
		return
	}
	if !changed || deps.Notify == nil {
		return
	}
	final, err := deps.Store.Get(dbc, reply.ID)
	if err != nil || final == nil {
		final = reply
		final.Status = status
		final.Error = errMsg
	}
	if status == domainchat.MessageStatusFailed {
		deps.Notify.MessageError(final.UserID, final.ThreadID, final.ID, errMsg)
	}
	deps.Notify.MessageDone(final.UserID, final.ThreadID, final)
}

func release(dbc dbctx.Context, threads repos.ChatThreadRepo, log *logger.Logger, threadID, promptID uuid.UUID) {
	if _, err := threads.ReleaseGeneration(dbc, threadID, promptID); err != nil {
		log.Warn("release generation token failed", "error", err)
	}
}

func gate(dbc dbctx.Context, deps StreamDeps, log *logger.Logger, in StreamInput) bool {
	if deps.Scheduler == nil {
		return false
	}
	scheduled, err := TitleGate(dbc, TitleGateDeps{
		Log:       log,
		Threads:   deps.Threads,
		Scheduler: deps.Scheduler,
	}, TitleGateInput{UserID: in.UserID, ThreadID: in.ThreadID, Model: in.Model})
	if err != nil {
		log.Warn("title gate failed", "error", err)
		return false
	}
	return scheduled
}

func historyLimit(n int) int {
	if n <= 0 {
		return DefaultHistoryLimit
	}
	return n
}

func toTurns(rows []*types.ChatMessage) []llm.Turn {
	out := make([]llm.Turn, 0, len(rows))
	for _, m := range rows {
		if m == nil || m.Content == "" {
			continue
		}
		role := llm.RoleUser
		if m.Role == domainchat.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Turn{Role: role, Content: m.Content})
	}
	return out
}
