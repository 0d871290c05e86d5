package worker

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/repos"
	"github.com/yungbote/threadline-backend/internal/jobs/runtime"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	Policy       runtime.Policy
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	c.Policy = c.Policy.Normalize()
	return c
}

// Worker polls job_run for due rows. It is the scheduler backend used when Temporal is
// not configured.
type Worker struct {
	log  *logger.Logger
	repo repos.JobRunRepo
	exec *runtime.Executor
	cfg  Config
	wg   sync.WaitGroup
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo repos.JobRunRepo, registry *runtime.Registry, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	log := baseLog.With("component", "JobWorker")
	return &Worker{
		log:  log,
		repo: repo,
		cfg:  cfg,
		exec: &runtime.Executor{
			DB:       db,
			Repo:     repo,
			Registry: registry,
			Log:      log,
			Policy:   cfg.Policy,
		},
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting job worker pool",
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval,
		"job_types", w.exec.Registry.Types(),
	)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runLoop(ctx, workerID)
		}()
	}
}

// Wait blocks until every loop has returned after ctx was canceled.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			// drain everything that is due before waiting for the next tick
			for ctx.Err() == nil {
				ran, err := w.RunOnce(ctx)
				if err != nil {
					w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// RunOnce claims and executes at most one due job.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.Policy.MaxAttempts, w.cfg.Policy.StaleRunning)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.exec.Execute(ctx, job)
	return true, nil
}
