// Package jobs contains implementations of scheduled jobs for SkyDeck Review Hub.
package jobs

import (
	"context"
	"sync/atomic"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROBE CONNECTIVITY JOB
// ══════════════════════════════════════════════════════════════════════════════

// ConnectivityChecker runs a single store availability check.
type ConnectivityChecker interface {
	CheckNow(ctx context.Context) bool
}

// ProbeConnectivityJob periodically checks whether the card store is
// reachable. Transition handling (replaying pending answers after the
// store comes back) is wired on the monitor itself; this job only
// drives the checks.
type ProbeConnectivityJob struct {
	checker ConnectivityChecker

	lastOnline atomic.Bool
	lastRunAt  atomic.Value // time.Time
}

// NewProbeConnectivityJob creates the job.
func NewProbeConnectivityJob(checker ConnectivityChecker) *ProbeConnectivityJob {
	return &ProbeConnectivityJob{checker: checker}
}

// Name returns the unique job name.
func (j *ProbeConnectivityJob) Name() string {
	return "probe_connectivity"
}

// Description returns a human-readable description.
func (j *ProbeConnectivityJob) Description() string {
	return "Checks card store availability and records transitions"
}

// Run executes one connectivity check.
func (j *ProbeConnectivityJob) Run(ctx context.Context) error {
	online := j.checker.CheckNow(ctx)
	j.lastOnline.Store(online)
	j.lastRunAt.Store(time.Now())
	return nil
}

// LastOnline reports the result of the most recent check.
func (j *ProbeConnectivityJob) LastOnline() bool {
	return j.lastOnline.Load()
}
