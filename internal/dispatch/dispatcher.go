// Package dispatch wires the job Store to the runnerhub Hub, implementing
// the dispatch and broadcast rules of spec §4.1: commit -> jobs fan-out,
// platform-filtered NewJobAvailable broadcast, and the sweeper's response
// to expired Running jobs.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/logging"
	"github.com/nixci/runner/internal/runnerhub"
)

var log = logging.ForComponent("dispatch")

// CheckRunUpdater mirrors Job state onto an external check-run surface
// (spec §4.1 sweeper: "notifies the external check-run surface"). The
// source-forge REST client itself is out of scope (spec §1); this is the
// seam a forge integration plugs into.
type CheckRunUpdater interface {
	UpdateCheckRun(ctx context.Context, jobID uuid.UUID, status job.CompletionStatus) error
}

// noopCheckRunUpdater is used when no forge link exists for a job.
type noopCheckRunUpdater struct{}

func (noopCheckRunUpdater) UpdateCheckRun(context.Context, uuid.UUID, job.CompletionStatus) error {
	return nil
}

// Dispatcher is the control-plane core: §4.1's public operations plus the
// broadcast side-effects that accompany them.
type Dispatcher struct {
	store    job.Store
	hub      *runnerhub.Hub
	checkRun CheckRunUpdater
}

// New builds a Dispatcher. checkRun may be nil, in which case check-run
// updates are a no-op (useful for non-forge-originated jobs and tests).
func New(store job.Store, hub *runnerhub.Hub, checkRun CheckRunUpdater) *Dispatcher {
	if checkRun == nil {
		checkRun = noopCheckRunUpdater{}
	}
	return &Dispatcher{store: store, hub: hub, checkRun: checkRun}
}

// CreateJobsForCommit inserts the commit (if new) and one Queued job per
// VM descriptor, then broadcasts NewJobAvailable to every runner whose
// platform matches. Broadcast is best-effort; a dropped notification is
// recovered by the runner's own RequestJob on its next idle transition.
func (d *Dispatcher) CreateJobsForCommit(ctx context.Context, commit *job.Commit, vms []job.VM) ([]job.Job, error) {
	if err := d.store.InsertCommit(ctx, commit); err != nil {
		return nil, trace.Wrap(err)
	}
	jobs, err := d.store.InsertJobs(ctx, commit, vms)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, j := range jobs {
		d.hub.BroadcastToPlatform(ctx, j.Platform, runnerhub.TypeNewJobAvailable, runnerhub.NewJobAvailable{
			ID: j.ID,
			VM: j.VM(),
		})
	}
	return jobs, nil
}

// Claim attempts the atomic Queued->Running transition. On success it does
// NOT itself send JobClaimed; the caller (the websocket handler driving
// the connection that sent ClaimJob) sends that reply directly on the
// runner's own channel, since only it knows the log_url for this session.
func (d *Dispatcher) Claim(ctx context.Context, jobID, runnerID uuid.UUID) (bool, error) {
	ok, err := d.store.Claim(ctx, jobID, runnerID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return ok, nil
}

// RequestJob implements the dispatcher's half of the RequestJob / (maybe)
// NewJobAvailable exchange: find the oldest matching Queued job, if any,
// and send it directly to the requesting runner.
func (d *Dispatcher) RequestJob(ctx context.Context, runnerID uuid.UUID, platform job.Platform) error {
	j, err := d.store.FindNextForPlatform(ctx, platform)
	if err != nil {
		return trace.Wrap(err)
	}
	if j == nil {
		return nil
	}
	d.hub.TrySend(runnerID, runnerhub.TypeNewJobAvailable, runnerhub.NewJobAvailable{ID: j.ID, VM: j.VM()})
	return nil
}

// Complete atomically marks a job Complete(status) and mirrors it onto the
// external check-run, if any.
func (d *Dispatcher) Complete(ctx context.Context, jobID uuid.UUID, status job.CompletionStatus) error {
	if err := d.store.Complete(ctx, jobID, status); err != nil {
		return trace.Wrap(err)
	}
	if err := d.checkRun.UpdateCheckRun(ctx, jobID, status); err != nil {
		log.WithError(err).WithField("job_id", jobID).Warn("failed to mirror completion onto check run")
	}
	return nil
}

// Cancel transitions a cancellable job to Complete(Cancelled). If the job
// was Running and its runner is connected, the runner is notified so it
// can tear down the VM; it is not an error if the runner is unreachable —
// the DB transition is authoritative regardless.
func (d *Dispatcher) Cancel(ctx context.Context, jobID uuid.UUID) (didCancel bool, prior job.Status, err error) {
	j, err := d.store.Get(ctx, jobID)
	if err != nil {
		return false, "", trace.Wrap(err)
	}
	didCancel, prior, err = d.store.Cancel(ctx, jobID)
	if err != nil {
		return false, "", trace.Wrap(err)
	}
	if didCancel {
		if err := d.checkRun.UpdateCheckRun(ctx, jobID, job.CompletionCancelled); err != nil {
			log.WithError(err).WithField("job_id", jobID).Warn("failed to mirror cancellation onto check run")
		}
		if prior == job.StatusRunning && j.RunnerID != nil {
			d.hub.TrySend(*j.RunnerID, runnerhub.TypeJobCancelled, runnerhub.JobCancelled{ID: jobID})
		}
	}
	return didCancel, prior, nil
}

// Retry inserts a new Queued job linked to a retryable original.
func (d *Dispatcher) Retry(ctx context.Context, jobID uuid.UUID) (*job.Job, error) {
	next, err := d.store.Retry(ctx, jobID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.hub.BroadcastToPlatform(ctx, next.Platform, runnerhub.TypeNewJobAvailable, runnerhub.NewJobAvailable{
		ID: next.ID,
		VM: next.VM(),
	})
	return next, nil
}

// SweepTimeouts implements the periodic timeout sweeper (spec §4.1). For
// each expired Running job: if its runner is connected, ask it to shut the
// VM down gracefully via JobTimedOut; if the runner is not connected,
// transition the job to Complete(TimedOut) directly, since there is no one
// left to ask.
func (d *Dispatcher) SweepTimeouts(ctx context.Context, timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout)
	expired, err := d.store.ExpireRunning(ctx, cutoff)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, j := range expired {
		if j.RunnerID != nil && d.hub.Connected(*j.RunnerID) {
			if err := d.hub.SendWithTimeout(ctx, *j.RunnerID, runnerhub.TypeJobTimedOut, runnerhub.JobTimedOut{ID: j.ID}); err != nil {
				log.WithError(err).WithField("job_id", j.ID).Warn("failed to notify runner of timeout, completing directly")
				if cerr := d.Complete(ctx, j.ID, job.CompletionTimedOut); cerr != nil {
					log.WithError(cerr).WithField("job_id", j.ID).Error("failed to complete timed-out job")
				}
			}
			continue
		}
		if err := d.Complete(ctx, j.ID, job.CompletionTimedOut); err != nil {
			log.WithError(err).WithField("job_id", j.ID).Error("failed to complete timed-out job")
		}
	}
	return nil
}

// RunSweeper runs SweepTimeouts on a ticker until ctx is cancelled. interval
// must be <= 30s per spec §4.1.
func (d *Dispatcher) RunSweeper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.SweepTimeouts(ctx, timeout); err != nil {
				log.WithError(err).Error("sweep failed")
			}
		}
	}
}
