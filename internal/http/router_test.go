package http

import (
	"bytes"
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/threadline-backend/internal/data/aggregates"
	"github.com/yungbote/threadline-backend/internal/data/repos"
	"github.com/yungbote/threadline-backend/internal/data/repos/testutil"
	types "github.com/yungbote/threadline-backend/internal/domain"
	httpH "github.com/yungbote/threadline-backend/internal/http/handlers"
	httpMW "github.com/yungbote/threadline-backend/internal/http/middleware"
	"github.com/yungbote/threadline-backend/internal/jobs/runtime"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/llm"
	"github.com/yungbote/threadline-backend/internal/realtime"
	"github.com/yungbote/threadline-backend/internal/services"
)

type apiFixture struct {
	router  *gin.Engine
	auth    services.AuthService
	store   aggregates.MessageStore
	threads repos.ChatThreadRepo
	notify  services.ChatNotifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)

	threads := repos.NewChatThreadRepo(db, log)
	jobs := repos.NewJobRunRepo(db, log)
	store := aggregates.NewMessageStore(aggregates.MessageStoreDeps{
		Base:     aggregates.BaseDeps{DB: db, Log: log},
		Threads:  threads,
		Messages: repos.NewChatMessageRepo(db, log),
		Deltas:   repos.NewChatDeltaRepo(db, log),
	})
	catalog, err := llm.LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	hub := realtime.NewSSEHub(log)
	notify := services.NewChatNotifier(&services.HubEmitter{Hub: hub})
	scheduler := services.NewScheduler(db, log, jobs, runtime.DefaultPolicy(), nil, "")
	chat := services.NewChatService(db, log, threads, store, scheduler, catalog, notify)
	auth := services.NewAuthService(log, "router-test")

	router := NewRouter(RouterConfig{
		Log:                 log,
		AuthMiddleware:      httpMW.NewAuthMiddleware(log, auth),
		ChatHandler:         httpH.NewChatHandler(chat),
		RealtimeHandler:     httpH.NewRealtimeHandler(log, hub, chat),
		ThreadStreamHandler: httpH.NewThreadStreamHandler(log, hub, chat, []string{"*"}),
		HealthHandler:       httpH.NewHealthHandler(db),
	})
	return &apiFixture{router: router, auth: auth, store: store, threads: threads, notify: notify}
}

func (f *apiFixture) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	tok, err := f.auth.IssueToken(userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (f *apiFixture) do(t *testing.T, method, target, token string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, rec, &env)
	return env.Error.Code
}

func TestPublicRoutes(t *testing.T) {
	f := newAPIFixture(t)
	if rec := f.do(t, "GET", "/healthcheck", "", nil); rec.Code != stdhttp.StatusOK {
		t.Fatalf("healthcheck: %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/readycheck", "", nil); rec.Code != stdhttp.StatusOK {
		t.Fatalf("readycheck: %d", rec.Code)
	}
	rec := f.do(t, "GET", "/api/models", "", nil)
	var models struct {
		Models []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"models"`
	}
	decode(t, rec, &models)
	if rec.Code != stdhttp.StatusOK || len(models.Models) != 2 || models.Models[0].Value != "gemini" {
		t.Fatalf("models: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "GET", "/api/threads", "", nil); rec.Code != stdhttp.StatusUnauthorized {
		t.Fatalf("threads without token: %d", rec.Code)
	}
}

func TestSendAndReadThroughAPI(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()
	tok := f.token(t, userID)

	rec := f.do(t, "POST", "/api/threads/send", tok, map[string]any{"prompt": "hello", "model": "gemini"}, "Idempotency-Key", "send-1")
	if rec.Code != stdhttp.StatusAccepted {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	var sent services.SendResult
	decode(t, rec, &sent)
	if sent.ThreadID == uuid.Nil || sent.MessageID == uuid.Nil {
		t.Fatalf("unexpected send result %+v", sent)
	}

	replay := f.do(t, "POST", "/api/threads/send", tok, map[string]any{"prompt": "hello", "model": "gemini"}, "Idempotency-Key", "send-1")
	var again services.SendResult
	decode(t, replay, &again)
	if replay.Code != stdhttp.StatusAccepted || !again.Replayed || again.MessageID != sent.MessageID {
		t.Fatalf("replay: %d %s", replay.Code, replay.Body.String())
	}

	busy := f.do(t, "POST", "/api/threads/send", tok, map[string]any{"prompt": "again", "model": "gemini", "thread_id": sent.ThreadID})
	if busy.Code != stdhttp.StatusConflict || errorCode(t, busy) != "thread_busy" {
		t.Fatalf("busy send: %d %s", busy.Code, busy.Body.String())
	}
	bad := f.do(t, "POST", "/api/threads/send", tok, map[string]any{"prompt": "x", "model": "gpt"})
	if bad.Code != stdhttp.StatusBadRequest || errorCode(t, bad) != "unknown_model" {
		t.Fatalf("unknown model: %d %s", bad.Code, bad.Body.String())
	}

	base := "/api/threads/" + sent.ThreadID.String()
	rec = f.do(t, "GET", base+"/exists", tok, nil)
	if rec.Code != stdhttp.StatusOK || !strings.Contains(rec.Body.String(), `"exists":true`) {
		t.Fatalf("exists: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, "GET", base+"/exists", f.token(t, uuid.New()), nil)
	if !strings.Contains(rec.Body.String(), `"exists":false`) {
		t.Fatalf("foreign exists: %s", rec.Body.String())
	}

	rec = f.do(t, "GET", base+"/messages?model=gemini", tok, nil)
	var view struct {
		Messages []types.ChatMessage `json:"messages"`
		IsDone   bool                `json:"is_done"`
		Streams  struct {
			Cursor int64 `json:"cursor"`
		} `json:"streams"`
	}
	decode(t, rec, &view)
	if rec.Code != stdhttp.StatusOK || len(view.Messages) != 1 || view.Messages[0].Content != "hello" || !view.IsDone {
		t.Fatalf("messages: %d %s", rec.Code, rec.Body.String())
	}

	if rec := f.do(t, "GET", base+"/deltas?cursor=-1", tok, nil); rec.Code != stdhttp.StatusBadRequest || errorCode(t, rec) != "invalid_cursor" {
		t.Fatalf("negative cursor: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "GET", "/api/threads/not-a-uuid/messages", tok, nil); rec.Code != stdhttp.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}

	rec = f.do(t, "PATCH", base+"/title", tok, map[string]string{"title": "Greetings"})
	if rec.Code != stdhttp.StatusOK || !strings.Contains(rec.Body.String(), `"Greetings"`) {
		t.Fatalf("rename: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, "PATCH", base+"/status", tok, map[string]string{"status": "archived"})
	if rec.Code != stdhttp.StatusOK {
		t.Fatalf("archive: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, "GET", "/api/threads?status=archived", tok, nil)
	if rec.Code != stdhttp.StatusOK || !strings.Contains(rec.Body.String(), sent.ThreadID.String()) {
		t.Fatalf("list archived: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "DELETE", base, tok, nil)
	if rec.Code != stdhttp.StatusConflict {
		t.Fatalf("delete while generating: %d %s", rec.Code, rec.Body.String())
	}
	if _, err := f.threads.ReleaseGeneration(dbctx.Context{Ctx: context.Background()}, sent.ThreadID, sent.MessageID); err != nil {
		t.Fatalf("ReleaseGeneration: %v", err)
	}
	rec = f.do(t, "DELETE", base, tok, nil)
	if rec.Code != stdhttp.StatusOK || !strings.Contains(rec.Body.String(), `"is_done":true`) {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSSESubscribeRules(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()
	tok := f.token(t, userID)

	rec := f.do(t, "POST", "/api/sse/subscribe", tok, map[string]any{"client_id": uuid.New(), "channel": realtime.UserChannel(userID)})
	if rec.Code != stdhttp.StatusConflict {
		t.Fatalf("unknown client: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "POST", "/api/sse/subscribe", tok, map[string]any{"client_id": uuid.New()}); rec.Code != stdhttp.StatusBadRequest {
		t.Fatalf("missing channel: %d", rec.Code)
	}
}

func TestThreadWebsocketCatchUpThenLive(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()
	tok := f.token(t, userID)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	th, err := f.threads.Create(dbc, &types.ChatThread{UserID: userID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	prompt, err := f.store.AppendUser(dbc, aggregates.AppendUserInput{ThreadID: th.ID, UserID: userID, Content: "hi"})
	if err != nil {
		t.Fatalf("AppendUser: %v", err)
	}
	reply, _, err := f.store.BeginAssistant(dbc, aggregates.BeginAssistantInput{ThreadID: th.ID, UserID: userID, PromptID: prompt.ID})
	if err != nil {
		t.Fatalf("BeginAssistant: %v", err)
	}
	if err := f.store.MarkStreaming(dbc, reply.ID); err != nil {
		t.Fatalf("MarkStreaming: %v", err)
	}
	first, err := f.store.AppendDelta(dbc, reply, "Hel")
	if err != nil {
		t.Fatalf("AppendDelta: %v", err)
	}

	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/threads/" + th.ID.String() + "/ws?cursor=0&token=" + tok
	conn, _, err := websocket.Dial(wctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var frame struct {
		Type  string          `json:"type"`
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := wsjson.Read(wctx, conn, &frame); err != nil {
		t.Fatalf("read sync: %v", err)
	}
	var sync aggregates.DeltaSync
	if err := json.Unmarshal(frame.Data, &sync); err != nil {
		t.Fatalf("decode sync: %v", err)
	}
	if frame.Type != "sync" || len(sync.Deltas) != 1 || sync.Deltas[0].Text != "Hel" || len(sync.Active) != 1 {
		t.Fatalf("unexpected sync frame: %s", string(frame.Data))
	}

	// a replayed delta already covered by the sync is skipped
	f.notify.MessageDelta(userID, th.ID, first)
	second, err := f.store.AppendDelta(dbc, reply, "lo")
	if err != nil {
		t.Fatalf("AppendDelta: %v", err)
	}
	f.notify.MessageDelta(userID, th.ID, second)

	if err := wsjson.Read(wctx, conn, &frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev struct {
		Seq   int64  `json:"seq"`
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if frame.Type != "event" || frame.Event != string(realtime.SSEEventChatMessageDelta) || ev.Delta != "lo" || ev.Seq != second.Seq {
		t.Fatalf("unexpected live frame: %s %s", frame.Event, string(frame.Data))
	}
}

func TestThreadWebsocketRejectsForeignThread(t *testing.T) {
	f := newAPIFixture(t)
	th, err := f.threads.Create(dbctx.Context{Ctx: context.Background()}, &types.ChatThread{UserID: uuid.New()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec := f.do(t, "GET", "/api/threads/"+th.ID.String()+"/ws", f.token(t, uuid.New()), nil)
	if rec.Code != stdhttp.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", rec.Code, rec.Body.String())
	}
}
