package jobs

import (
	"context"
	"time"

	"capfleet/internal/registry"
	"capfleet/pkg/logger"
)

// SweepJob evicts workers whose heartbeat has expired. The sweep is the
// only detector for ungraceful disappearance; graceful shutdowns arrive
// as offline status events instead.
type SweepJob struct {
	workers  *registry.Workers
	commands *registry.Pending
	interval time.Duration
	timeout  time.Duration
}

// NewSweepJob creates a heartbeat sweep job. timeout should cover at
// least two heartbeat intervals to tolerate jitter.
func NewSweepJob(workers *registry.Workers, commands *registry.Pending, interval, timeout time.Duration) *SweepJob {
	return &SweepJob{
		workers:  workers,
		commands: commands,
		interval: interval,
		timeout:  timeout,
	}
}

// Name implements Job
func (j *SweepJob) Name() string {
	return "worker-heartbeat-sweep"
}

// Interval implements Job
func (j *SweepJob) Interval() time.Duration {
	return j.interval
}

// Run evicts expired workers and fails their pending control commands
// so nobody keeps waiting on a ghost.
func (j *SweepJob) Run(ctx context.Context) error {
	removed := j.workers.Sweep(time.Now(), j.timeout)
	for _, workerID := range removed {
		failed := j.commands.FailWorker(workerID)
		logger.WarnCtx(ctx, "worker %s timed out, removed from registry (%d pending commands failed)",
			workerID, failed)
	}
	return nil
}
