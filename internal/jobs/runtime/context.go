package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/repos"
	types "github.com/yungbote/threadline-backend/internal/domain"
	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
	"github.com/yungbote/threadline-backend/internal/platform/ctxutil"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

const heartbeatEvery = 5 * time.Second

/*
Context is the execution handle for one claimed job_run attempt.

Handlers report outcomes only through Progress, Heartbeat, Fail and Succeed. Each of
those writes the row first and mirrors the change onto Job only when the write landed,
so a run canceled underneath the handler keeps its canceled status in both places.
*/
type Context struct {
	Ctx    context.Context
	DB     *gorm.DB
	Job    *types.JobRun
	Repo   repos.JobRunRepo
	Log    *logger.Logger
	Policy Policy

	fields map[string]any

	mu       sync.Mutex
	lastBeat time.Time
}

// NewContext decodes the payload eagerly. A malformed payload leaves no fields, so
// handlers fail on their own required-field checks.
func NewContext(ctx context.Context, db *gorm.DB, job *types.JobRun, repo repos.JobRunRepo, log *logger.Logger, policy Policy) *Context {
	if log == nil {
		log = logger.Nop()
	}
	c := &Context{
		Ctx:    ctxutil.Default(ctx),
		DB:     db,
		Job:    job,
		Repo:   repo,
		Log:    log,
		Policy: policy.withDefaults(),
		fields: map[string]any{},
	}
	if job == nil {
		return c
	}
	c.Log = log.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)
	if job.HeartbeatAt != nil {
		c.lastBeat = *job.HeartbeatAt
	}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &c.fields); err != nil || c.fields == nil {
			c.Log.Warn("undecodable job payload", "error", err)
			c.fields = map[string]any{}
		}
	}
	c.restoreTrace()
	return c
}

// restoreTrace carries the enqueuing request's ids into the attempt.
func (c *Context) restoreTrace() {
	td := &ctxutil.TraceData{TraceID: c.PayloadString("trace_id"), RequestID: c.PayloadString("request_id")}
	if td.TraceID == "" && td.RequestID == "" {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, td)
	c.Log = c.Log.With("trace_id", td.TraceID, "request_id", td.RequestID)
}

func (c *Context) PayloadString(key string) string {
	switch v := c.fields[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (c *Context) PayloadBool(key string) bool {
	switch v := c.fields[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

// PayloadUUID reports false when the key is missing or not a valid non-nil UUID.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.PayloadString(key))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// patch is one status transition. Nil pointers leave the column alone.
type patch struct {
	status    *string
	stage     *string
	progress  *int
	message   *string
	errText   *string
	result    *datatypes.JSON
	runAt     *time.Time
	failedAt  *time.Time
	beat      *time.Time
	clearLock bool
}

func (p patch) columns(now time.Time) map[string]interface{} {
	cols := map[string]interface{}{"updated_at": now}
	if p.status != nil {
		cols["status"] = *p.status
	}
	if p.stage != nil {
		cols["stage"] = *p.stage
	}
	if p.progress != nil {
		cols["progress"] = *p.progress
	}
	if p.message != nil {
		cols["message"] = *p.message
	}
	if p.errText != nil {
		cols["error"] = *p.errText
	}
	if p.result != nil {
		cols["result"] = *p.result
	}
	if p.runAt != nil {
		cols["run_at"] = *p.runAt
	}
	if p.failedAt != nil {
		cols["last_error_at"] = *p.failedAt
	}
	if p.beat != nil {
		cols["heartbeat_at"] = *p.beat
	}
	if p.clearLock {
		cols["locked_at"] = nil
	}
	return cols
}

func (p patch) mirror(j *types.JobRun, now time.Time) {
	j.UpdatedAt = now
	if p.status != nil {
		j.Status = *p.status
	}
	if p.stage != nil {
		j.Stage = *p.stage
	}
	if p.progress != nil {
		j.Progress = *p.progress
	}
	if p.message != nil {
		j.Message = *p.message
	}
	if p.errText != nil {
		j.Error = *p.errText
	}
	if p.result != nil {
		j.Result = *p.result
	}
	if p.runAt != nil {
		j.RunAt = *p.runAt
	}
	if p.failedAt != nil {
		j.LastErrorAt = p.failedAt
	}
	if p.beat != nil {
		j.HeartbeatAt = p.beat
	}
	if p.clearLock {
		j.LockedAt = nil
	}
}

// apply writes p unless the row was canceled, and reports whether it landed.
func (c *Context) apply(p patch) bool {
	now := time.Now().UTC()
	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		dbc := dbctx.Context{Ctx: context.WithoutCancel(c.Ctx)}
		ok, err := c.Repo.UpdateFieldsUnlessStatus(dbc, c.Job.ID, []string{domainjobs.StatusCanceled}, p.columns(now))
		if err != nil {
			c.Log.Warn("job_run update failed", "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	if c.Job != nil {
		p.mirror(c.Job, now)
	}
	return true
}

// Progress records a non-terminal stage. It counts as a heartbeat, so a long stream
// reporting progress is never reclaimed as stale.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	now := time.Now().UTC()
	if c.apply(patch{stage: &stage, progress: &pct, message: &msg, beat: &now}) {
		c.mu.Lock()
		c.lastBeat = now
		c.mu.Unlock()
	}
}

// Heartbeat refreshes heartbeat_at at most once every few seconds.
func (c *Context) Heartbeat() {
	if c == nil || c.Repo == nil || c.Job == nil {
		return
	}
	now := time.Now().UTC()
	c.mu.Lock()
	due := now.Sub(c.lastBeat) >= heartbeatEvery
	if due {
		c.lastBeat = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	if err := c.Repo.Heartbeat(dbctx.Context{Ctx: context.WithoutCancel(c.Ctx)}, c.Job.ID); err != nil {
		c.Log.Warn("job heartbeat failed", "error", err)
	}
}

/*
Fail records a failed attempt. The row stays claimable until attempts reach
Policy.MaxAttempts; run_at moves forward by Policy.RetryDelay so the next poll does not
pick it straight back up.
*/
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	now := time.Now().UTC()
	retryAt := now.Add(c.Policy.RetryDelay)
	if c.apply(patch{
		status:    ptr(domainjobs.StatusFailed),
		stage:     &stage,
		message:   ptr(""),
		errText:   &msg,
		runAt:     &retryAt,
		failedAt:  &now,
		clearLock: true,
	}) {
		c.Log.Warn("job attempt failed", "stage", stage, "error", msg, "retry_at", retryAt)
	}
}

// Succeed marks the run done and stores result as JSON.
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	var res datatypes.JSON
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			c.Log.Warn("job result marshal failed", "error", err)
		} else {
			res = datatypes.JSON(raw)
		}
	}
	now := time.Now().UTC()
	c.apply(patch{
		status:    ptr(domainjobs.StatusSucceeded),
		stage:     &finalStage,
		progress:  ptr(100),
		message:   ptr(""),
		errText:   ptr(""),
		result:    &res,
		beat:      &now,
		clearLock: true,
	})
}

// Done reports whether the run reached succeeded or failed through this context.
func (c *Context) Done() bool {
	if c == nil || c.Job == nil {
		return false
	}
	return c.Job.Status == domainjobs.StatusSucceeded || c.Job.Status == domainjobs.StatusFailed
}

func ptr[T any](v T) *T { return &v }
