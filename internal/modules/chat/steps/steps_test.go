package steps

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/aggregates"
	"github.com/yungbote/threadline-backend/internal/data/repos"
	repotest "github.com/yungbote/threadline-backend/internal/data/repos/testutil"
	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
	"github.com/yungbote/threadline-backend/internal/jobs/runtime"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/llm"
	"github.com/yungbote/threadline-backend/internal/platform/llm/llmtest"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/realtime"
	"github.com/yungbote/threadline-backend/internal/services"
)

type fixture struct {
	db        *gorm.DB
	threads   repos.ChatThreadRepo
	jobs      repos.JobRunRepo
	store     aggregates.MessageStore
	scheduler services.Scheduler
	catalog   *llm.Catalog
	hub       *realtime.SSEHub
	notify    services.ChatNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := repotest.DB(t)
	log := repotest.Logger(t)
	catalog, err := llm.LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	threads := repos.NewChatThreadRepo(db, log)
	jobs := repos.NewJobRunRepo(db, log)
	hub := realtime.NewSSEHub(log)
	return &fixture{
		db:      db,
		threads: threads,
		jobs:    jobs,
		store: aggregates.NewMessageStore(aggregates.MessageStoreDeps{
			Base:     aggregates.BaseDeps{DB: db, Log: log},
			Threads:  threads,
			Messages: repos.NewChatMessageRepo(db, log),
			Deltas:   repos.NewChatDeltaRepo(db, log),
		}),
		scheduler: services.NewScheduler(db, log, jobs, runtime.DefaultPolicy(), nil, ""),
		catalog:   catalog,
		hub:       hub,
		notify:    services.NewChatNotifier(&services.HubEmitter{Hub: hub}),
	}
}

func (f *fixture) streamDeps(engine llm.Engine) StreamDeps {
	return StreamDeps{
		DB:        f.db,
		Log:       logger.Nop(),
		Engine:    engine,
		Catalog:   f.catalog,
		Threads:   f.threads,
		Store:     f.store,
		Scheduler: f.scheduler,
		Notify:    f.notify,
		Timeout:   5 * time.Second,
	}
}

func (f *fixture) titleDeps(engine llm.Engine) TitleDeps {
	return TitleDeps{
		Log:     logger.Nop(),
		Engine:  engine,
		Catalog: f.catalog,
		Threads: f.threads,
		Store:   f.store,
		Notify:  f.notify,
		Timeout: 5 * time.Second,
	}
}

// send mimics the synchronous half of a send: thread, prompt and generation token.
func (f *fixture) send(t *testing.T, prompt string) (*types.ChatThread, *types.ChatMessage) {
	t.Helper()
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	th := repotest.SeedThread(t, ctx, f.db, uuid.New())
	msg, err := f.store.AppendUser(dbc, aggregates.AppendUserInput{
		ThreadID: th.ID,
		UserID:   th.UserID,
		Content:  prompt,
		Model:    domainchat.ModelGemini.String(),
	})
	if err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
	ok, err := f.threads.ClaimGeneration(dbc, th.ID, msg.ID)
	if err != nil || !ok {
		t.Fatalf("ClaimGeneration: ok=%v err=%v", ok, err)
	}
	return th, msg
}

func (f *fixture) thread(t *testing.T, id uuid.UUID) *types.ChatThread {
	t.Helper()
	th, err := f.threads.GetByID(dbctx.Context{Ctx: context.Background()}, id)
	if err != nil || th == nil {
		t.Fatalf("GetByID: th=%v err=%v", th, err)
	}
	return th
}

func TestStreamCompletesAndSchedulesTitle(t *testing.T) {
	f := newFixture(t)
	th, prompt := f.send(t, "hi")
	listener := f.hub.NewSSEClient(th.UserID)
	f.hub.AddChannel(listener, realtime.ThreadChannel(th.ID))

	engine := llmtest.New("Hel", "lo", " there")
	beats := 0
	in := StreamInput{UserID: th.UserID, ThreadID: th.ID, PromptID: prompt.ID, Model: domainchat.ModelGemini, OnFragment: func() { beats++ }}
	out, err := Stream(context.Background(), f.streamDeps(engine), in)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if out.Status != domainchat.MessageStatusComplete || out.Fragments != 3 || beats != 3 || !out.TitleScheduled {
		t.Fatalf("unexpected output: %+v beats=%d", out, beats)
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	reply, err := f.store.Get(dbc, out.MessageID)
	if err != nil || reply == nil {
		t.Fatalf("Get reply: %v", err)
	}
	if reply.Content != "Hello there" || reply.Role != domainchat.RoleAssistant || reply.Seq != prompt.Seq+1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	sync, err := f.store.SyncDeltas(dbc, th.ID, 0, 0)
	if err != nil {
		t.Fatalf("SyncDeltas: %v", err)
	}
	var joined strings.Builder
	for _, d := range sync.Deltas {
		joined.WriteString(d.Text)
	}
	if joined.String() != reply.Content || len(sync.Active) != 0 {
		t.Fatalf("deltas do not rebuild reply: %q active=%d", joined.String(), len(sync.Active))
	}
	if got := f.thread(t, th.ID); got.ActivePromptID != nil {
		t.Fatalf("generation token not released")
	}

	spec, _ := f.catalog.Lookup(domainchat.ModelGemini)
	reqs := engine.Streams()
	if len(reqs) != 1 || reqs[0].Prompt != "hi" || reqs[0].Model != spec.EngineModel() || len(reqs[0].History) != 0 {
		t.Fatalf("unexpected engine request: %+v", reqs)
	}

	pending, err := f.scheduler.HasPending(dbc, th.UserID, domainjobs.EntityTypeChatThread, th.ID, domainjobs.JobTypeChatTitle)
	if err != nil || !pending {
		t.Fatalf("title job not scheduled: pending=%v err=%v", pending, err)
	}

	events := map[realtime.SSEEvent]int{}
	for len(listener.Outbound) > 0 {
		events[(<-listener.Outbound).Event]++
	}
	if events[realtime.SSEEventChatMessageCreated] != 1 || events[realtime.SSEEventChatMessageDelta] != 3 || events[realtime.SSEEventChatMessageDone] != 1 {
		t.Fatalf("unexpected events: %v", events)
	}

	// redelivery of the same task must not call the engine or schedule another title
	again, err := Stream(context.Background(), f.streamDeps(engine), in)
	if err != nil {
		t.Fatalf("Stream redelivery: %v", err)
	}
	if again.Skipped != "already_finalized" || again.MessageID != out.MessageID || again.TitleScheduled {
		t.Fatalf("unexpected redelivery output: %+v", again)
	}
	if n := len(engine.Streams()); n != 1 {
		t.Fatalf("engine called again on redelivery: %d", n)
	}
}

func TestStreamEngineFailureKeepsPartialContent(t *testing.T) {
	f := newFixture(t)
	th, prompt := f.send(t, "tell me")
	engine := llmtest.New("par", "tial", "never")
	engine.FailAfter = 2

	out, err := Stream(context.Background(), f.streamDeps(engine), StreamInput{
		UserID: th.UserID, ThreadID: th.ID, PromptID: prompt.ID, Model: domainchat.ModelGemini,
	})
	if err != nil {
		t.Fatalf("engine failure must not fail the task: %v", err)
	}
	if out.Status != domainchat.MessageStatusFailed || out.TitleScheduled {
		t.Fatalf("unexpected output: %+v", out)
	}
	reply, _ := f.store.Get(dbctx.Context{Ctx: context.Background()}, out.MessageID)
	if reply.Status != domainchat.MessageStatusFailed || reply.Content != "partial" || !strings.Contains(reply.Error, llmtest.ErrScripted.Error()) {
		t.Fatalf("unexpected failed reply: %+v", reply)
	}
	if got := f.thread(t, th.ID); got.ActivePromptID != nil || got.Title != domainchat.DefaultThreadTitle {
		t.Fatalf("thread after failure: %+v", got)
	}
}

// stalledEngine never produces a fragment and gives up only when its context ends.
type stalledEngine struct{ llm.Engine }

func (stalledEngine) StreamText(ctx context.Context, req llm.Request, _ func(string) error) (string, error) {
	<-ctx.Done()
	return "", &llm.EngineError{Model: req.Model, Err: ctx.Err()}
}

func TestStreamTimeoutIsEngineFailure(t *testing.T) {
	f := newFixture(t)
	th, prompt := f.send(t, "slow")
	deps := f.streamDeps(stalledEngine{})
	deps.Timeout = 20 * time.Millisecond

	out, err := Stream(context.Background(), deps, StreamInput{
		UserID: th.UserID, ThreadID: th.ID, PromptID: prompt.ID, Model: domainchat.ModelGemini,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if out.Status != domainchat.MessageStatusFailed || out.Fragments != 0 {
		t.Fatalf("expected failed reply on timeout, got %+v", out)
	}
	reply, _ := f.store.Get(dbctx.Context{Ctx: context.Background()}, out.MessageID)
	if reply == nil || !strings.Contains(reply.Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("unexpected reply after timeout: %+v", reply)
	}
}

func TestStreamFailsInterruptedReply(t *testing.T) {
	f := newFixture(t)
	th, prompt := f.send(t, "hi")
	dbc := dbctx.Context{Ctx: context.Background()}

	// an earlier delivery got as far as one fragment
	reply, _, err := f.store.BeginAssistant(dbc, aggregates.BeginAssistantInput{ThreadID: th.ID, UserID: th.UserID, PromptID: prompt.ID, Model: "gemini"})
	if err != nil {
		t.Fatalf("BeginAssistant: %v", err)
	}
	if err := f.store.MarkStreaming(dbc, reply.ID); err != nil {
		t.Fatalf("MarkStreaming: %v", err)
	}
	if _, err := f.store.AppendDelta(dbc, reply, "half"); err != nil {
		t.Fatalf("AppendDelta: %v", err)
	}

	engine := llmtest.New("fresh")
	out, err := Stream(context.Background(), f.streamDeps(engine), StreamInput{
		UserID: th.UserID, ThreadID: th.ID, PromptID: prompt.ID, Model: domainchat.ModelGemini,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if out.Skipped != "interrupted" || len(engine.Streams()) != 0 {
		t.Fatalf("unexpected output: %+v streams=%d", out, len(engine.Streams()))
	}
	got, _ := f.store.Get(dbc, reply.ID)
	if got.Status != domainchat.MessageStatusFailed || got.Content != "half" {
		t.Fatalf("interrupted reply: %+v", got)
	}
	if th := f.thread(t, th.ID); th.ActivePromptID != nil {
		t.Fatalf("token not released")
	}
}

// brokenHistory fails every history read and leaves the rest of the store intact.
type brokenHistory struct{ aggregates.MessageStore }

var errHistoryRead = errors.New("history read failed")

func (brokenHistory) History(dbctx.Context, uuid.UUID, int64, int) ([]*types.ChatMessage, error) {
	return nil, errHistoryRead
}

func streamingReplies(t *testing.T, f *fixture, threadID uuid.UUID) int {
	t.Helper()
	page, err := f.store.List(dbctx.Context{Ctx: context.Background()}, threadID, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	n := 0
	for _, m := range page.Messages {
		if m.Role == domainchat.RoleAssistant && m.Status == domainchat.MessageStatusStreaming {
			n++
		}
	}
	return n
}

func TestStreamStoreFailureDoesNotLeaveReplyStreaming(t *testing.T) {
	f := newFixture(t)
	th, prompt := f.send(t, "first")
	dbc := dbctx.Context{Ctx: context.Background()}

	deps := f.streamDeps(llmtest.New("never"))
	deps.Store = brokenHistory{f.store}
	out, err := Stream(context.Background(), deps, StreamInput{
		UserID: th.UserID, ThreadID: th.ID, PromptID: prompt.ID, Model: domainchat.ModelGemini,
	})
	if !errors.Is(err, errHistoryRead) {
		t.Fatalf("expected history error to surface, got %v", err)
	}
	reply, _ := f.store.Get(dbc, out.MessageID)
	if reply == nil || reply.Status != domainchat.MessageStatusFailed || reply.Error == "" {
		t.Fatalf("reply after store failure: %+v", reply)
	}
	if got := f.thread(t, th.ID); got.ActivePromptID != nil {
		t.Fatalf("token not released after store failure")
	}

	// the retry of the failed delivery is a no-op
	retry, err := Stream(context.Background(), f.streamDeps(llmtest.New("late")), StreamInput{
		UserID: th.UserID, ThreadID: th.ID, PromptID: prompt.ID, Model: domainchat.ModelGemini,
	})
	if err != nil || retry.Skipped != "already_finalized" {
		t.Fatalf("retry: out=%+v err=%v", retry, err)
	}

	// the next send claims the freed token while its reply streams alone
	second, err := f.store.AppendUser(dbc, aggregates.AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "second"})
	if err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
	if ok, err := f.threads.ClaimGeneration(dbc, th.ID, second.ID); err != nil || !ok {
		t.Fatalf("ClaimGeneration: ok=%v err=%v", ok, err)
	}
	var during int
	engine := llmtest.New("a", "b")
	deps = f.streamDeps(engine)
	in := StreamInput{
		UserID: th.UserID, ThreadID: th.ID, PromptID: second.ID, Model: domainchat.ModelGemini,
		OnFragment: func() {
			if n := streamingReplies(t, f, th.ID); n > during {
				during = n
			}
		},
	}
	if _, err := Stream(context.Background(), deps, in); err != nil {
		t.Fatalf("Stream second: %v", err)
	}
	if during != 1 {
		t.Fatalf("expected exactly one streaming reply while generating, saw %d", during)
	}
	if n := streamingReplies(t, f, th.ID); n != 0 {
		t.Fatalf("streaming replies left behind: %d", n)
	}
}

func TestStreamSendsHistory(t *testing.T) {
	f := newFixture(t)
	th, first := f.send(t, "first")
	engine := llmtest.New("one")
	if _, err := Stream(context.Background(), f.streamDeps(engine), StreamInput{UserID: th.UserID, ThreadID: th.ID, PromptID: first.ID, Model: domainchat.ModelGemini}); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	second, err := f.store.AppendUser(dbc, aggregates.AppendUserInput{ThreadID: th.ID, UserID: th.UserID, Content: "second"})
	if err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
	if _, err := Stream(context.Background(), f.streamDeps(engine), StreamInput{UserID: th.UserID, ThreadID: th.ID, PromptID: second.ID, Model: domainchat.ModelGemini}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	reqs := engine.Streams()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 engine calls, got %d", len(reqs))
	}
	h := reqs[1].History
	if len(h) != 2 || h[0].Role != llm.RoleUser || h[0].Content != "first" || h[1].Role != llm.RoleAssistant || h[1].Content != "one" {
		t.Fatalf("unexpected history: %+v", h)
	}
	if reqs[1].Prompt != "second" {
		t.Fatalf("unexpected prompt %q", reqs[1].Prompt)
	}
}

func TestStreamMissingThreadIsSkipped(t *testing.T) {
	f := newFixture(t)
	out, err := Stream(context.Background(), f.streamDeps(llmtest.New("x")), StreamInput{
		UserID: uuid.New(), ThreadID: uuid.New(), PromptID: uuid.New(), Model: domainchat.ModelGemini,
	})
	if err != nil || out.Skipped != "thread_missing" {
		t.Fatalf("expected skip, got out=%+v err=%v", out, err)
	}
}

func TestGenerateTitleRenamesOnce(t *testing.T) {
	f := newFixture(t)
	th, prompt := f.send(t, "how do tides work")
	if _, err := Stream(context.Background(), f.streamDeps(llmtest.New("the moon")), StreamInput{UserID: th.UserID, ThreadID: th.ID, PromptID: prompt.ID, Model: domainchat.ModelGemini}); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	engine := llmtest.New()
	engine.Title = "  \"Tides and the Moon\"  \n"
	in := TitleInput{UserID: th.UserID, ThreadID: th.ID, Model: domainchat.ModelGemini}
	out, err := GenerateTitle(context.Background(), f.titleDeps(engine), in)
	if err != nil {
		t.Fatalf("GenerateTitle: %v", err)
	}
	if !out.Renamed || out.Title != "Tides and the Moon" {
		t.Fatalf("unexpected output: %+v", out)
	}
	shots := engine.OneShots()
	if len(shots) != 1 || shots[0].Prompt != TitleInstruction || len(shots[0].History) != 2 {
		t.Fatalf("unexpected title request: %+v", shots)
	}

	// a duplicate dispatch observes the new title and leaves it alone
	engine.Title = "Something Else"
	dup, err := GenerateTitle(context.Background(), f.titleDeps(engine), in)
	if err != nil {
		t.Fatalf("GenerateTitle duplicate: %v", err)
	}
	if dup.Renamed || dup.Skipped != "already_titled" {
		t.Fatalf("duplicate should be a no-op: %+v", dup)
	}
	if got := f.thread(t, th.ID); got.Title != "Tides and the Moon" {
		t.Fatalf("title clobbered: %q", got.Title)
	}

	// nothing is persisted as a message
	page, err := f.store.List(dbctx.Context{Ctx: context.Background()}, th.ID, "", 0)
	if err != nil || len(page.Messages) != 2 {
		t.Fatalf("title generation must not store messages: n=%d err=%v", len(page.Messages), err)
	}
}

// rendezvousEngine holds every title request until all expected callers have read the
// thread, so their conditional writes race.
type rendezvousEngine struct {
	*llmtest.Engine
	arrived sync.WaitGroup
	all     chan struct{}
}

func newRendezvousEngine(callers int) *rendezvousEngine {
	e := &rendezvousEngine{Engine: llmtest.New(), all: make(chan struct{})}
	e.arrived.Add(callers)
	go func() {
		e.arrived.Wait()
		close(e.all)
	}()
	return e
}

func (e *rendezvousEngine) GenerateOnce(ctx context.Context, req llm.Request) (string, error) {
	e.arrived.Done()
	select {
	case <-e.all:
	case <-ctx.Done():
	}
	return e.Engine.GenerateOnce(ctx, req)
}

func TestGenerateTitleConcurrentJobsWriteOnce(t *testing.T) {
	f := newFixture(t)
	th, prompt := f.send(t, "how do tides work")
	if _, err := Stream(context.Background(), f.streamDeps(llmtest.New("the moon")), StreamInput{UserID: th.UserID, ThreadID: th.ID, PromptID: prompt.ID, Model: domainchat.ModelGemini}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	listener := f.hub.NewSSEClient(th.UserID)
	f.hub.AddChannel(listener, realtime.UserChannel(th.UserID))

	engine := newRendezvousEngine(2)
	engine.Title = "Tides"
	in := TitleInput{UserID: th.UserID, ThreadID: th.ID, Model: domainchat.ModelGemini}

	outs := make([]TitleOutput, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = GenerateTitle(context.Background(), f.titleDeps(engine), in)
		}(i)
	}
	wg.Wait()

	renamed, lost := 0, 0
	for i, out := range outs {
		if errs[i] != nil {
			t.Fatalf("GenerateTitle #%d: %v", i, errs[i])
		}
		switch {
		case out.Renamed:
			renamed++
		case out.Skipped == "lost_race":
			lost++
		default:
			t.Fatalf("GenerateTitle #%d: unexpected output %+v", i, out)
		}
	}
	if renamed != 1 || lost != 1 {
		t.Fatalf("expected one rename and one lost race, got renamed=%d lost=%d", renamed, lost)
	}
	if got := f.thread(t, th.ID); got.Title != "Tides" {
		t.Fatalf("title: %q", got.Title)
	}

	updates := 0
drain:
	for {
		select {
		case msg := <-listener.Outbound:
			if msg.Event == realtime.SSEEventChatThreadUpdated {
				updates++
			}
		default:
			break drain
		}
	}
	if updates != 1 {
		t.Fatalf("expected one thread update event, got %d", updates)
	}
}

func TestGenerateTitleFailureKeepsDefault(t *testing.T) {
	f := newFixture(t)
	th, prompt := f.send(t, "hi")
	if _, err := Stream(context.Background(), f.streamDeps(llmtest.New("hello")), StreamInput{UserID: th.UserID, ThreadID: th.ID, PromptID: prompt.ID, Model: domainchat.ModelGemini}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	engine := llmtest.New()
	engine.TitleErr = errors.New("quota")
	out, err := GenerateTitle(context.Background(), f.titleDeps(engine), TitleInput{UserID: th.UserID, ThreadID: th.ID, Model: domainchat.ModelGemini})
	if err != nil {
		t.Fatalf("title failures must be swallowed: %v", err)
	}
	if out.Renamed || out.Skipped != "engine_failed" {
		t.Fatalf("unexpected output: %+v", out)
	}
	if got := f.thread(t, th.ID); got.Title != domainchat.DefaultThreadTitle {
		t.Fatalf("title changed after failure: %q", got.Title)
	}
}

func TestTitleGateSkipsRenamedThread(t *testing.T) {
	f := newFixture(t)
	th, _ := f.send(t, "hi")
	dbc := dbctx.Context{Ctx: context.Background()}
	if _, err := f.threads.SetTitle(dbc, th.ID, "Mine"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	scheduled, err := TitleGate(dbc, TitleGateDeps{Threads: f.threads, Scheduler: f.scheduler}, TitleGateInput{UserID: th.UserID, ThreadID: th.ID, Model: domainchat.ModelGemini})
	if err != nil || scheduled {
		t.Fatalf("gate on renamed thread: scheduled=%v err=%v", scheduled, err)
	}
}

func TestNormalizeTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  Plain title  ", "Plain title"},
		{"\"Quoted\"", "Quoted"},
		{"**Bold Title**", "Bold Title"},
		{"Title: Tides", "Tides"},
		{"\n\nFirst line\nSecond line", "First line"},
		{"A title that is far too long to fit in thirty five runes", "A title that is far too long to fit"},
		{"", ""},
	}
	for _, tc := range cases {
		got := NormalizeTitle(tc.in)
		if got != tc.want {
			t.Fatalf("NormalizeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if n := len([]rune(got)); n > MaxTitleRunes {
			t.Fatalf("NormalizeTitle(%q) has %d runes", tc.in, n)
		}
	}
}
