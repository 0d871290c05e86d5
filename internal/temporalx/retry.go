package temporalx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

const defaultBackoff = 250 * time.Millisecond

// retry calls step until it reports done, sleeping clampBackoff between attempts. The
// error step returns alongside done=true is final.
func retry(ctx context.Context, cfg Config, log *logger.Logger, what string, step func(attempt int) (bool, error)) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("temporal %s: %w", what, err)
		}
		done, err := step(attempt)
		if done {
			return err
		}
		wait := clampBackoff(cfg.Backoff, cfg.BackoffMax, attempt)
		log.Warn("Temporal not ready; retrying", "step", what, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("temporal %s: %w", what, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// clampBackoff doubles base per attempt, capped at max.
func clampBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoff
	}
	d := base
	for i := 1; i < attempt; i++ {
		if max > 0 && d >= max {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

func isRetryableRPC(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		return errors.Is(err, context.DeadlineExceeded)
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}
	return false
}
