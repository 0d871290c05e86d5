package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/threadline-backend/internal/data/aggregates"
	"github.com/yungbote/threadline-backend/internal/data/repos"
	"github.com/yungbote/threadline-backend/internal/data/repos/testutil"
	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
)

func TestSweepFailsStaleReplyAndReleasesToken(t *testing.T) {
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	db := testutil.DB(t)
	log := testutil.Logger(t)

	threads := repos.NewChatThreadRepo(db, log)
	messages := repos.NewChatMessageRepo(db, log)
	deltas := repos.NewChatDeltaRepo(db, log)
	store := aggregates.NewMessageStore(aggregates.MessageStoreDeps{
		Base:     aggregates.BaseDeps{DB: db, Log: log},
		Threads:  threads,
		Messages: messages,
		Deltas:   deltas,
	})

	th := testutil.SeedThread(t, ctx, db, uuid.New())
	prompt := testutil.SeedMessage(t, ctx, db, th, domainchat.RoleUser, domainchat.MessageStatusComplete, "hi")
	reply := testutil.SeedMessage(t, ctx, db, th, domainchat.RoleAssistant, domainchat.MessageStatusStreaming, "half")
	old := time.Now().UTC().Add(-time.Hour)
	if err := db.Model(&types.ChatMessage{}).Where("id = ?", reply.ID).
		UpdateColumns(map[string]any{"prompt_message_id": prompt.ID, "updated_at": old}).Error; err != nil {
		t.Fatalf("age reply: %v", err)
	}
	if ok, err := threads.ClaimGeneration(dbc, th.ID, prompt.ID); err != nil || !ok {
		t.Fatalf("ClaimGeneration: ok=%v err=%v", ok, err)
	}

	// a fresh in-flight reply on another thread is left alone
	other := testutil.SeedThread(t, ctx, db, th.UserID)
	fresh := testutil.SeedMessage(t, ctx, db, other, domainchat.RoleAssistant, domainchat.MessageStatusPending, "")

	sw := NewSweeper(Deps{Log: log, Threads: threads, Messages: messages, Deltas: deltas, Store: store}, Config{StreamStale: time.Minute})
	rep, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.StaleFailed != 1 {
		t.Fatalf("expected one stale reply failed, got %+v", rep)
	}
	got, _ := store.Get(dbc, reply.ID)
	if got.Status != domainchat.MessageStatusFailed || got.Content != "half" || got.Error != errStalled.Error() {
		t.Fatalf("unexpected stale reply: %+v", got)
	}
	if row, _ := threads.GetByID(dbc, th.ID); row.ActivePromptID != nil {
		t.Fatalf("generation token still held")
	}
	if row, _ := store.Get(dbc, fresh.ID); row.Status != domainchat.MessageStatusPending {
		t.Fatalf("fresh reply touched: %+v", row)
	}

	again, err := sw.Sweep(ctx)
	if err != nil || again.StaleFailed != 0 {
		t.Fatalf("second sweep should be a no-op: %+v err=%v", again, err)
	}
}

func TestSweepPrunesDeltasOfFinishedReplies(t *testing.T) {
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	db := testutil.DB(t)
	log := testutil.Logger(t)

	threads := repos.NewChatThreadRepo(db, log)
	deltas := repos.NewChatDeltaRepo(db, log)
	store := aggregates.NewMessageStore(aggregates.MessageStoreDeps{
		Base:     aggregates.BaseDeps{DB: db, Log: log},
		Threads:  threads,
		Messages: repos.NewChatMessageRepo(db, log),
		Deltas:   deltas,
	})
	th := testutil.SeedThread(t, ctx, db, uuid.New())
	prompt, err := store.AppendUser(dbc, aggregates.AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "hi"})
	if err != nil {
		t.Fatalf("AppendUser: %v", err)
	}

	begin := func() *types.ChatMessage {
		m, _, err := store.BeginAssistant(dbc, aggregates.BeginAssistantInput{ThreadID: th.ID, UserID: th.UserID, PromptID: prompt.ID})
		if err != nil {
			t.Fatalf("BeginAssistant: %v", err)
		}
		if err := store.MarkStreaming(dbc, m.ID); err != nil {
			t.Fatalf("MarkStreaming: %v", err)
		}
		return m
	}
	done := begin()
	for _, frag := range []string{"a", "b"} {
		if _, err := store.AppendDelta(dbc, done, frag); err != nil {
			t.Fatalf("AppendDelta: %v", err)
		}
	}
	if _, err := store.Finalize(dbc, done, domainchat.MessageStatusComplete, ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	second, err := store.AppendUser(dbc, aggregates.AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "more"})
	if err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
	live, _, err := store.BeginAssistant(dbc, aggregates.BeginAssistantInput{ThreadID: th.ID, UserID: th.UserID, PromptID: second.ID})
	if err != nil {
		t.Fatalf("BeginAssistant: %v", err)
	}
	if err := store.MarkStreaming(dbc, live.ID); err != nil {
		t.Fatalf("MarkStreaming: %v", err)
	}
	if _, err := store.AppendDelta(dbc, live, "c"); err != nil {
		t.Fatalf("AppendDelta: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	sw := NewSweeper(Deps{Log: log, Deltas: deltas}, Config{DeltaRetention: time.Millisecond})
	rep, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.DeltasPruned != 2 {
		t.Fatalf("expected 2 pruned deltas, got %+v", rep)
	}
	sync, err := store.SyncDeltas(dbc, th.ID, 0, 0)
	if err != nil {
		t.Fatalf("SyncDeltas: %v", err)
	}
	if len(sync.Deltas) != 1 || sync.Deltas[0].Text != "c" {
		t.Fatalf("live reply deltas must survive: %+v", sync.Deltas)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	sw := NewSweeper(Deps{}, Config{Schedule: "not a schedule"})
	if err := sw.Start(context.Background()); err == nil {
		sw.Stop()
		t.Fatalf("expected parse error")
	}
	ok := NewSweeper(Deps{}, Config{Schedule: "@every 1h"})
	if err := ok.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ok.Start(context.Background()); err == nil {
		t.Fatalf("expected double start to fail")
	}
	ok.Stop()
	ok.Stop()
}
