package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPLAY PENDING JOB
// ══════════════════════════════════════════════════════════════════════════════

// PendingReplayer replays answer updates that failed to persist earlier.
type PendingReplayer interface {
	Replay(ctx context.Context) error
}

// ReplayPendingJob is a safety net behind the connectivity monitor:
// even if no offline → online transition was observed (for example the
// process restarted while online), durable pending answers still get
// replayed on a slow periodic schedule.
type ReplayPendingJob struct {
	replayer PendingReplayer
	logger   *slog.Logger

	runCount  atomic.Int64
	lastRunAt atomic.Value // time.Time
}

// NewReplayPendingJob creates the job.
func NewReplayPendingJob(replayer PendingReplayer, logger *slog.Logger) *ReplayPendingJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayPendingJob{
		replayer: replayer,
		logger:   logger,
	}
}

// Name returns the unique job name.
func (j *ReplayPendingJob) Name() string {
	return "replay_pending"
}

// Description returns a human-readable description.
func (j *ReplayPendingJob) Description() string {
	return "Replays locally queued answer updates against the card store"
}

// Run replays the pending queue once.
func (j *ReplayPendingJob) Run(ctx context.Context) error {
	j.runCount.Add(1)
	j.lastRunAt.Store(time.Now())

	if err := j.replayer.Replay(ctx); err != nil {
		j.logger.Warn("pending replay incomplete", "error", err)
		return err
	}
	return nil
}
