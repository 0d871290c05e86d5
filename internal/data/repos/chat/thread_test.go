package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/threadline-backend/internal/data/repos/testutil"
	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
)

func TestChatThreadRepoCreateAndOwnership(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	repo := NewChatThreadRepo(db, testutil.Logger(t))

	owner := uuid.New()
	th, err := repo.Create(dbc, &types.ChatThread{UserID: owner})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if th.Title != domainchat.DefaultThreadTitle || th.Status != domainchat.ThreadStatusActive {
		t.Fatalf("Create defaults: title=%q status=%q", th.Title, th.Status)
	}

	got, err := repo.GetForOwner(dbc, owner, th.ID)
	if err != nil || got == nil {
		t.Fatalf("GetForOwner: got=%v err=%v", got, err)
	}
	other, err := repo.GetForOwner(dbc, uuid.New(), th.ID)
	if err != nil || other != nil {
		t.Fatalf("GetForOwner (stranger): got=%v err=%v", other, err)
	}

	ok, err := repo.Exists(dbc, owner, th.ID)
	if err != nil || !ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}
	ok, err = repo.Exists(dbc, uuid.New(), th.ID)
	if err != nil || ok {
		t.Fatalf("Exists (stranger): ok=%v err=%v", ok, err)
	}

	missing, err := repo.GetByID(dbc, uuid.New())
	if err != nil || missing != nil {
		t.Fatalf("GetByID missing: got=%v err=%v", missing, err)
	}
}

func TestChatThreadRepoListByOwnerKeyset(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	repo := NewChatThreadRepo(db, testutil.Logger(t))

	owner := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)
	var want []uuid.UUID
	for i := 0; i < 4; i++ {
		th, err := repo.Create(dbc, &types.ChatThread{UserID: owner, RecencyUs: base.Add(time.Duration(i) * time.Minute).UnixMicro()})
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		want = append([]uuid.UUID{th.ID}, want...)
	}
	// Two threads share the newest recency; the larger id sorts first.
	tieRecency := base.Add(time.Hour).UnixMicro()
	a := &types.ChatThread{ID: uuid.MustParse("00000000-0000-4000-8000-00000000000a"), UserID: owner, RecencyUs: tieRecency}
	b := &types.ChatThread{ID: uuid.MustParse("00000000-0000-4000-8000-00000000000b"), UserID: owner, RecencyUs: tieRecency}
	for _, th := range []*types.ChatThread{a, b} {
		if _, err := repo.Create(dbc, th); err != nil {
			t.Fatalf("Create tie: %v", err)
		}
	}
	want = append([]uuid.UUID{b.ID, a.ID}, want...)
	if _, err := repo.Create(dbc, &types.ChatThread{UserID: uuid.New()}); err != nil {
		t.Fatalf("Create other owner: %v", err)
	}

	var got []uuid.UUID
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, err := repo.ListByOwner(dbc, ThreadListQuery{OwnerID: owner, Cursor: cursor, Limit: 2})
		if err != nil {
			t.Fatalf("ListByOwner: %v", err)
		}
		for _, th := range page.Threads {
			got = append(got, th.ID)
		}
		if page.IsDone {
			break
		}
		cursor = page.NextCursor
	}
	if len(got) != len(want) {
		t.Fatalf("ListByOwner: want %d threads got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListByOwner order[%d]: want %s got %s", i, want[i], got[i])
		}
	}

	if _, err := repo.ListByOwner(dbc, ThreadListQuery{OwnerID: owner, Cursor: "not-a-cursor"}); !errors.Is(err, domainchat.ErrInvalidCursor) {
		t.Fatalf("ListByOwner bad cursor: want ErrInvalidCursor, got %v", err)
	}

	if ok, err := repo.SetStatus(dbc, want[0], domainchat.ThreadStatusArchived); err != nil || !ok {
		t.Fatalf("SetStatus: ok=%v err=%v", ok, err)
	}
	page, err := repo.ListByOwner(dbc, ThreadListQuery{OwnerID: owner, Status: domainchat.ThreadStatusArchived})
	if err != nil {
		t.Fatalf("ListByOwner archived: %v", err)
	}
	if len(page.Threads) != 1 || page.Threads[0].ID != want[0] {
		t.Fatalf("ListByOwner archived: got %d threads", len(page.Threads))
	}
	if _, err := repo.SetStatus(dbc, want[0], "deleted"); !errors.Is(err, domainchat.ErrInvalidStatus) {
		t.Fatalf("SetStatus invalid: want ErrInvalidStatus, got %v", err)
	}
}

func TestChatThreadRepoTitleGateCAS(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	repo := NewChatThreadRepo(db, testutil.Logger(t))

	th, err := repo.Create(dbc, &types.ChatThread{UserID: uuid.New()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	won, err := repo.SetTitleIfDefault(dbc, th.ID, "First")
	if err != nil || !won {
		t.Fatalf("SetTitleIfDefault #1: won=%v err=%v", won, err)
	}
	won, err = repo.SetTitleIfDefault(dbc, th.ID, "Second")
	if err != nil || won {
		t.Fatalf("SetTitleIfDefault #2: won=%v err=%v", won, err)
	}
	got, _ := repo.GetByID(dbc, th.ID)
	if got.Title != "First" {
		t.Fatalf("title: want First got %q", got.Title)
	}

	// Manual rename is unconditional; renaming a missing thread is a no-op.
	if ok, err := repo.SetTitle(dbc, th.ID, "Manual"); err != nil || !ok {
		t.Fatalf("SetTitle: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.SetTitle(dbc, uuid.New(), "Ghost"); err != nil || ok {
		t.Fatalf("SetTitle missing: ok=%v err=%v", ok, err)
	}
}

func TestChatThreadRepoGenerationToken(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	repo := NewChatThreadRepo(db, testutil.Logger(t))

	th, err := repo.Create(dbc, &types.ChatThread{UserID: uuid.New()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p1, p2 := uuid.New(), uuid.New()

	if ok, err := repo.ClaimGeneration(dbc, th.ID, p1); err != nil || !ok {
		t.Fatalf("Claim p1: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.ClaimGeneration(dbc, th.ID, p2); err != nil || ok {
		t.Fatalf("Claim p2 while held: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.ReleaseGeneration(dbc, th.ID, p2); err != nil || ok {
		t.Fatalf("Release by non-holder: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.ReleaseGeneration(dbc, th.ID, p1); err != nil || !ok {
		t.Fatalf("Release p1: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.ClaimGeneration(dbc, th.ID, p2); err != nil || !ok {
		t.Fatalf("Claim p2 after release: ok=%v err=%v", ok, err)
	}

	// Stale token with nothing in flight is released by the sweeper.
	n, err := repo.ReleaseStaleGenerations(dbc, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStaleGenerations: %v", err)
	}
	if n != 1 {
		t.Fatalf("ReleaseStaleGenerations: want 1 got %d", n)
	}
	got, _ := repo.GetByID(dbc, th.ID)
	if got.ActivePromptID != nil {
		t.Fatalf("token still held: %v", got.ActivePromptID)
	}
}

func TestChatThreadRepoAllocateSeq(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	repo := NewChatThreadRepo(db, testutil.Logger(t))

	th, err := repo.Create(dbc, &types.ChatThread{UserID: uuid.New()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for want := int64(1); want <= 3; want++ {
		got, err := repo.AllocateSeq(dbc, th.ID)
		if err != nil || got != want {
			t.Fatalf("AllocateSeq: want %d got %d err=%v", want, got, err)
		}
	}
	if got, err := repo.AllocateDeltaSeq(dbc, th.ID); err != nil || got != 1 {
		t.Fatalf("AllocateDeltaSeq: got %d err=%v", got, err)
	}
	if _, err := repo.AllocateSeq(dbc, uuid.New()); !errors.Is(err, domainchat.ErrThreadNotFound) {
		t.Fatalf("AllocateSeq missing: want ErrThreadNotFound got %v", err)
	}
}
