package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skydeck-hub/skydeck-review-hub/internal/domain/session"
)

// ══════════════════════════════════════════════════════════════════════════════
// WARM SESSIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// SessionWarmer composes a session for the given request, filling the
// session cache as a side effect.
type SessionWarmer interface {
	Compose(ctx context.Context, req session.Request) (session.Session, error)
}

// WarmSessionsJob re-composes a fixed set of hot requests on a schedule
// slightly shorter than the cache TTL, so common sessions are served from
// a warm cache and a live stale copy exists when the store goes down.
type WarmSessionsJob struct {
	warmer   SessionWarmer
	requests []session.Request
	logger   *slog.Logger

	runCount  atomic.Int64
	lastRunAt atomic.Value // time.Time
}

// NewWarmSessionsJob creates the job for the given hot request set.
func NewWarmSessionsJob(warmer SessionWarmer, requests []session.Request, logger *slog.Logger) *WarmSessionsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &WarmSessionsJob{
		warmer:   warmer,
		requests: requests,
		logger:   logger,
	}
}

// Name returns the unique job name.
func (j *WarmSessionsJob) Name() string {
	return "warm_sessions"
}

// Description returns a human-readable description.
func (j *WarmSessionsJob) Description() string {
	return "Pre-composes hot practice sessions to keep the session cache warm"
}

// Run warms every configured request once. A failed request does not stop
// the rest; the first error is reported after the full pass.
func (j *WarmSessionsJob) Run(ctx context.Context) error {
	j.runCount.Add(1)
	j.lastRunAt.Store(time.Now())

	var firstErr error
	for _, req := range j.requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := j.warmer.Compose(ctx, req); err != nil {
			j.logger.Warn("session warm-up failed",
				"strategy", req.Strategy,
				"category", req.Filters.Category,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RunCount returns how many times the job has run.
func (j *WarmSessionsJob) RunCount() int64 {
	return j.runCount.Load()
}
