// Package maintenance runs periodic cleanup for the chat pipeline.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/yungbote/threadline-backend/internal/data/aggregates"
	"github.com/yungbote/threadline-backend/internal/data/repos"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/observability"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/services"
)

const (
	DefaultSchedule       = "@every 1m"
	DefaultStreamStale    = 10 * time.Minute
	DefaultDeltaRetention = 24 * time.Hour
	DefaultJobRetention   = 7 * 24 * time.Hour

	staleBatch = 100
)

// errStalled is recorded on replies the sweeper gives up on.
var errStalled = errors.New("reply stalled without progress")

type Config struct {
	Schedule       string
	StreamStale    time.Duration
	DeltaRetention time.Duration
	JobRetention   time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.StreamStale <= 0 {
		c.StreamStale = DefaultStreamStale
	}
	if c.DeltaRetention <= 0 {
		c.DeltaRetention = DefaultDeltaRetention
	}
	if c.JobRetention <= 0 {
		c.JobRetention = DefaultJobRetention
	}
	return c
}

type Deps struct {
	Log      *logger.Logger
	Threads  repos.ChatThreadRepo
	Messages repos.ChatMessageRepo
	Deltas   repos.ChatDeltaRepo
	Jobs     repos.JobRunRepo
	Store    aggregates.MessageStore
	Notify   services.ChatNotifier
}

// Report counts what one sweep changed.
type Report struct {
	StaleFailed    int   `json:"stale_failed"`
	TokensReleased int64 `json:"tokens_released"`
	DeltasPruned   int64 `json:"deltas_pruned"`
	JobsDeleted    int64 `json:"jobs_deleted"`
}

/*
Sweeper repairs state left behind by crashed deliveries:
  - replies stuck pending or streaming past StreamStale are failed, partial content kept
  - generation tokens nothing references any more are released
  - deltas of finished replies older than DeltaRetention are pruned
  - finished job rows older than JobRetention are deleted
*/
type Sweeper struct {
	deps Deps
	cfg  Config
	log  *logger.Logger

	mu   sync.Mutex
	cron *cronlib.Cron
}

func NewSweeper(deps Deps, cfg Config) *Sweeper {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{deps: deps, cfg: cfg.withDefaults(), log: log.With("component", "Sweeper")}
}

// Start schedules Sweep on the configured cron spec. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	cl := cronLogger{log: s.log}
	c := cronlib.New(cronlib.WithLogger(cl), cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Warn("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("parse maintenance schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("sweeper started", "schedule", s.cfg.Schedule)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("sweeper stopped")
}

// Sweep runs every cleanup pass once. Passes are independent; the first error is
// returned after all of them ran.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	now := time.Now().UTC()
	dbc := dbctx.Context{Ctx: ctx}

	n, err := s.failStale(dbc, now.Add(-s.cfg.StreamStale))
	rep.StaleFailed = n
	keep(err)

	if s.deps.Threads != nil {
		released, err := s.deps.Threads.ReleaseStaleGenerations(dbc, now.Add(-s.cfg.StreamStale))
		rep.TokensReleased += released
		keep(err)
	}
	if s.deps.Deltas != nil {
		pruned, err := s.deps.Deltas.PruneTerminal(dbc, now.Add(-s.cfg.DeltaRetention))
		rep.DeltasPruned = pruned
		keep(err)
	}
	if s.deps.Jobs != nil {
		deleted, err := s.deps.Jobs.DeleteFinishedBefore(dbc, now.Add(-s.cfg.JobRetention))
		rep.JobsDeleted = deleted
		keep(err)
	}

	m := observability.Current()
	m.AddRepairs("stale_failed", int64(rep.StaleFailed))
	m.AddRepairs("tokens_released", rep.TokensReleased)
	m.AddRepairs("deltas_pruned", rep.DeltasPruned)
	m.AddRepairs("jobs_deleted", rep.JobsDeleted)
	if rep != (Report{}) {
		s.log.Info("sweep done",
			"stale_failed", rep.StaleFailed,
			"tokens_released", rep.TokensReleased,
			"deltas_pruned", rep.DeltasPruned,
			"jobs_deleted", rep.JobsDeleted,
		)
	}
	return rep, firstErr
}

func (s *Sweeper) failStale(dbc dbctx.Context, cutoff time.Time) (int, error) {
	if s.deps.Messages == nil || s.deps.Store == nil {
		return 0, nil
	}
	rows, err := s.deps.Messages.ListStale(dbc, cutoff, staleBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale replies: %w", err)
	}
	failed := 0
	for _, m := range rows {
		if m.Role != domainchat.RoleAssistant {
			continue
		}
		changed, err := s.deps.Store.Finalize(dbc, m, domainchat.MessageStatusFailed, errStalled.Error())
		if err != nil {
			s.log.Warn("fail stale reply", "message_id", m.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		failed++
		if m.PromptMessageID != nil && s.deps.Threads != nil {
			if _, err := s.deps.Threads.ReleaseGeneration(dbc, m.ThreadID, *m.PromptMessageID); err != nil {
				s.log.Warn("release token of stale reply", "thread_id", m.ThreadID, "error", err)
			}
		}
		if s.deps.Notify != nil {
			m.Status = domainchat.MessageStatusFailed
			m.Error = errStalled.Error()
			s.deps.Notify.MessageError(m.UserID, m.ThreadID, m.ID, m.Error)
			s.deps.Notify.MessageDone(m.UserID, m.ThreadID, m)
		}
	}
	return failed, nil
}

// cronLogger adapts the service logger to cron's logger.
type cronLogger struct{ log *logger.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Warn("cron: "+msg, append(kv, "error", err)...)
}
