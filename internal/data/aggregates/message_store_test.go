package aggregates

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	chatrepos "github.com/yungbote/threadline-backend/internal/data/repos/chat"
	repotest "github.com/yungbote/threadline-backend/internal/data/repos/testutil"
	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
)

func newTestStore(t *testing.T) (MessageStore, *gorm.DB) {
	t.Helper()
	db := repotest.DB(t)
	log := repotest.Logger(t)
	return NewMessageStore(MessageStoreDeps{
		Base:     BaseDeps{DB: db, Log: log},
		Threads:  chatrepos.NewChatThreadRepo(db, log),
		Messages: chatrepos.NewChatMessageRepo(db, log),
		Deltas:   chatrepos.NewChatDeltaRepo(db, log),
	}), db
}

func seedStreamingReply(t *testing.T, store MessageStore, db *gorm.DB) (*types.ChatThread, *types.ChatMessage) {
	t.Helper()
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	th := repotest.SeedThread(t, ctx, db, uuid.New())
	prompt, err := store.AppendUser(dbc, AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "hi", Model: "gemini"})
	if err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
	reply, created, err := store.BeginAssistant(dbc, BeginAssistantInput{ThreadID: th.ID, UserID: th.UserID, PromptID: prompt.ID, Model: "gemini"})
	if err != nil || !created {
		t.Fatalf("BeginAssistant: created=%v err=%v", created, err)
	}
	if err := store.MarkStreaming(dbc, reply.ID); err != nil {
		t.Fatalf("MarkStreaming: %v", err)
	}
	return th, reply
}

func TestMessageStoreAppendUserAssignsSequence(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	th := repotest.SeedThread(t, ctx, db, uuid.New())

	for want := int64(1); want <= 3; want++ {
		m, err := store.AppendUser(dbc, AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "msg"})
		if err != nil {
			t.Fatalf("AppendUser: %v", err)
		}
		if m.Seq != want || m.Status != domainchat.MessageStatusComplete || m.Role != domainchat.RoleUser {
			t.Fatalf("AppendUser: seq=%d status=%s role=%s", m.Seq, m.Status, m.Role)
		}
	}
	if _, err := store.AppendUser(dbc, AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "  "}); !errors.Is(err, domainchat.ErrEmptyPrompt) {
		t.Fatalf("AppendUser empty: want ErrEmptyPrompt got %v", err)
	}
}

func TestMessageStoreIdempotencyKeyIsUniquePerUser(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	th := repotest.SeedThread(t, ctx, db, uuid.New())

	first, err := store.AppendUser(dbc, AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "a", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
	_, err = store.AppendUser(dbc, AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "a", IdempotencyKey: "k1"})
	if !IsUniqueViolation(err) {
		t.Fatalf("duplicate key: want unique violation, got %v", err)
	}
	got, err := store.ByIdempotencyKey(dbc, th.UserID, "k1")
	if err != nil || got == nil || got.ID != first.ID {
		t.Fatalf("ByIdempotencyKey: got=%v err=%v", got, err)
	}
	// Empty keys never collide.
	for i := 0; i < 2; i++ {
		if _, err := store.AppendUser(dbc, AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "b"}); err != nil {
			t.Fatalf("AppendUser without key: %v", err)
		}
	}
}

func TestMessageStoreBeginAssistantIsIdempotent(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	th := repotest.SeedThread(t, ctx, db, uuid.New())
	prompt, err := store.AppendUser(dbc, AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "hi"})
	if err != nil {
		t.Fatalf("AppendUser: %v", err)
	}

	in := BeginAssistantInput{ThreadID: th.ID, UserID: th.UserID, PromptID: prompt.ID, Model: "deepseek"}
	a, created, err := store.BeginAssistant(dbc, in)
	if err != nil || !created {
		t.Fatalf("BeginAssistant #1: created=%v err=%v", created, err)
	}
	b, created, err := store.BeginAssistant(dbc, in)
	if err != nil || created {
		t.Fatalf("BeginAssistant #2: created=%v err=%v", created, err)
	}
	if a.ID != b.ID {
		t.Fatalf("BeginAssistant: different replies %s vs %s", a.ID, b.ID)
	}
	if a.Status != domainchat.MessageStatusPending || a.Seq != prompt.Seq+1 {
		t.Fatalf("BeginAssistant: status=%s seq=%d", a.Status, a.Seq)
	}
}

func TestMessageStoreDeltasReconstructContent(t *testing.T) {
	store, db := newTestStore(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	th, reply := seedStreamingReply(t, store, db)

	fragments := []string{"Hel", "lo", ", ", "wor", "ld", "!", "?"}
	for _, f := range fragments {
		if _, err := store.AppendDelta(dbc, reply, f); err != nil {
			t.Fatalf("AppendDelta(%q): %v", f, err)
		}
	}

	sync, err := store.SyncDeltas(dbc, th.ID, 0, 0)
	if err != nil {
		t.Fatalf("SyncDeltas: %v", err)
	}
	var b strings.Builder
	for _, d := range sync.Deltas {
		b.WriteString(d.Text)
	}
	if b.String() != strings.Join(fragments, "") {
		t.Fatalf("SyncDeltas from 0: got %q", b.String())
	}
	if sync.Cursor != int64(len(fragments)) {
		t.Fatalf("SyncDeltas cursor: want %d got %d", len(fragments), sync.Cursor)
	}
	if len(sync.Active) != 1 || sync.Active[0].MessageID != reply.ID {
		t.Fatalf("SyncDeltas active: %+v", sync.Active)
	}

	// A reader holding cursor 5 only sees fragments 6 and 7.
	partial, err := store.SyncDeltas(dbc, th.ID, 5, 0)
	if err != nil {
		t.Fatalf("SyncDeltas from 5: %v", err)
	}
	if len(partial.Deltas) != 2 || partial.Deltas[0].Seq != 6 || partial.Deltas[1].Seq != 7 {
		t.Fatalf("SyncDeltas from 5: got %d deltas", len(partial.Deltas))
	}

	got, err := store.Get(dbc, reply.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != strings.Join(fragments, "") {
		t.Fatalf("content: got %q", got.Content)
	}
}

func TestMessageStoreFinalizeIsIdempotentAndStopsDeltas(t *testing.T) {
	store, db := newTestStore(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	th, reply := seedStreamingReply(t, store, db)

	if _, err := store.AppendDelta(dbc, reply, "partial"); err != nil {
		t.Fatalf("AppendDelta: %v", err)
	}
	changed, err := store.Finalize(dbc, reply, domainchat.MessageStatusFailed, "boom")
	if err != nil || !changed {
		t.Fatalf("Finalize #1: changed=%v err=%v", changed, err)
	}
	changed, err = store.Finalize(dbc, reply, domainchat.MessageStatusFailed, "boom")
	if err != nil || changed {
		t.Fatalf("Finalize #2: changed=%v err=%v", changed, err)
	}
	changed, err = store.Finalize(dbc, reply, domainchat.MessageStatusComplete, "")
	if err != nil || changed {
		t.Fatalf("Finalize other status: changed=%v err=%v", changed, err)
	}

	got, _ := store.Get(dbc, reply.ID)
	if got.Status != domainchat.MessageStatusFailed || got.Content != "partial" || got.Error != "boom" {
		t.Fatalf("after finalize: status=%s content=%q error=%q", got.Status, got.Content, got.Error)
	}

	if _, err := store.AppendDelta(dbc, reply, "late"); !IsNotStreaming(err) {
		t.Fatalf("AppendDelta after finalize: want ErrNotStreaming got %v", err)
	}
	sync, err := store.SyncDeltas(dbc, th.ID, 0, 0)
	if err != nil {
		t.Fatalf("SyncDeltas: %v", err)
	}
	if len(sync.Deltas) != 1 || len(sync.Active) != 0 {
		t.Fatalf("SyncDeltas: deltas=%d active=%d", len(sync.Deltas), len(sync.Active))
	}
}

func TestMessageStoreListPages(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	th := repotest.SeedThread(t, ctx, db, uuid.New())
	for i := 0; i < 5; i++ {
		if _, err := store.AppendUser(dbc, AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "m"}); err != nil {
			t.Fatalf("AppendUser: %v", err)
		}
	}

	var seqs []int64
	cursor := ""
	for {
		page, err := store.List(dbc, th.ID, cursor, 2)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		for _, m := range page.Messages {
			seqs = append(seqs, m.Seq)
		}
		if page.IsDone {
			break
		}
		cursor = page.Cursor
	}
	if len(seqs) != 5 {
		t.Fatalf("List: want 5 messages got %v", seqs)
	}
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("List order: %v", seqs)
		}
	}
}

func TestMessageStoreDeleteAllForThreadResumes(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	th, reply := seedStreamingReply(t, store, db)
	for i := 0; i < 3; i++ {
		if _, err := store.AppendDelta(dbc, reply, "x"); err != nil {
			t.Fatalf("AppendDelta: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		if _, err := store.AppendUser(dbc, AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "m"}); err != nil {
			t.Fatalf("AppendUser: %v", err)
		}
	}

	cursor := ""
	calls := 0
	for {
		calls++
		if calls > 10 {
			t.Fatalf("DeleteAllForThread did not terminate")
		}
		res, err := store.DeleteAllForThread(dbc, th.ID, cursor, 3)
		if err != nil {
			t.Fatalf("DeleteAllForThread: %v", err)
		}
		if res.IsDone {
			break
		}
		// Replaying the previous cursor after an interruption must not fail.
		if _, err := store.DeleteAllForThread(dbc, th.ID, cursor, 1); err != nil {
			t.Fatalf("DeleteAllForThread replay: %v", err)
		}
		cursor = res.Cursor
	}

	var msgs, deltas, threads int64
	db.Model(&types.ChatMessage{}).Where("thread_id = ?", th.ID).Count(&msgs)
	db.Model(&types.ChatMessageDelta{}).Where("thread_id = ?", th.ID).Count(&deltas)
	db.Model(&types.ChatThread{}).Where("id = ?", th.ID).Count(&threads)
	if msgs != 0 || deltas != 0 || threads != 0 {
		t.Fatalf("leftovers: messages=%d deltas=%d threads=%d", msgs, deltas, threads)
	}

	res, err := store.DeleteAllForThread(dbc, th.ID, cursor, 3)
	if err != nil || !res.IsDone {
		t.Fatalf("DeleteAllForThread on missing thread: res=%+v err=%v", res, err)
	}
}
