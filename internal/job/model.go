// Package job owns the Job/Commit data model and the dispatcher state
// machine described in spec §3 and §4.1: the queued -> running -> terminal
// lifecycle, the transactional claim protocol, retry/cancel/timeout, and
// the commit -> jobs fan-out.
package job

import (
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Platform is one of the two enumerated target platforms a job can run on.
type Platform string

const (
	PlatformX86_64Linux   Platform = "x86_64-linux"
	PlatformAarch64Darwin Platform = "aarch64-darwin"
)

// Valid reports whether p is one of the enumerated platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformX86_64Linux, PlatformAarch64Darwin:
		return true
	}
	return false
}

// AllPlatforms lists every enumerated platform, used when a cloud-config
// document omits its platforms list.
func AllPlatforms() []Platform {
	return []Platform{PlatformX86_64Linux, PlatformAarch64Darwin}
}

// CompletionStatus is the terminal sub-state of a Complete(_) job.
type CompletionStatus string

const (
	CompletionFailed    CompletionStatus = "failed"
	CompletionSuccess   CompletionStatus = "success"
	CompletionCancelled CompletionStatus = "cancelled"
	CompletionTimedOut  CompletionStatus = "timed_out"
	CompletionSkipped   CompletionStatus = "skipped"
)

// Status is the JobStatus tagged sum: Queued | Running | Complete(Completion).
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusComplete Status = "complete"
)

// VM describes the size/platform a job should be launched with, derived
// from a cloud-config document or from the defaults (2 cpu / 4 GiB / both
// platforms) per spec §3.
type VM struct {
	Platform Platform `json:"platform" db:"platform"`
	CPUs     int      `json:"cpus" db:"cpus"`
	MemoryMB int      `json:"memory_mb" db:"memory_mb"`
	// CachixPush is the optional cache name the guest pushes build outputs
	// to after its tasks succeed (spec §4.7's JobConfig.cachix_push).
	CachixPush string `json:"cachix_push,omitempty" db:"cachix_push"`
}

// DefaultVM is the fallback sizing when no cloud-config is present.
func DefaultVM(p Platform) VM {
	return VM{Platform: p, CPUs: 2, MemoryMB: 4096}
}

// Job is a single unit of CI work for one platform on one commit.
type Job struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	CommitID   uuid.UUID  `db:"commit_id" json:"commit_id"`
	Platform   Platform   `db:"platform" json:"platform"`
	Status     Status     `db:"status" json:"status"`
	Completion *CompletionStatus `db:"completion" json:"completion,omitempty"`
	RunnerID   *uuid.UUID `db:"runner_id" json:"runner_id,omitempty"`
	CPUs       int        `db:"cpus" json:"cpus"`
	MemoryMB   int        `db:"memory_mb" json:"memory_mb"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	// RetriedJobID is a forward link: set once this job has been retried,
	// pointing at the new job.
	RetriedJobID *uuid.UUID `db:"retried_job_id" json:"retried_job_id,omitempty"`
	// PreviousJobID is a back link to the job this one is a retry of.
	PreviousJobID *uuid.UUID `db:"previous_job_id" json:"previous_job_id,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	// Revision and CloneURL are denormalized from the commit at insert
	// time, the same way CPUs/MemoryMB are denormalized from the VM: the
	// runner agent needs them to build the guest's JobConfig (spec §4.7)
	// without a second round trip through the commit table.
	Revision   string `db:"revision" json:"revision"`
	CloneURL   string `db:"clone_url" json:"clone_url"`
	CachixPush string `db:"cachix_push" json:"cachix_push,omitempty"`
}

// VM reconstructs the VM descriptor this job was dispatched with.
func (j *Job) VM() VM {
	return VM{Platform: j.Platform, CPUs: j.CPUs, MemoryMB: j.MemoryMB, CachixPush: j.CachixPush}
}

// IsRetryable reports whether retry(job) is permitted: the job must be
// Complete with a non-Success completion.
func (j *Job) IsRetryable() bool {
	return j.Status == StatusComplete && j.Completion != nil && *j.Completion != CompletionSuccess
}

// IsCancellable reports whether cancel(job) is permitted: Queued or
// Running.
func (j *Job) IsCancellable() bool {
	return j.Status == StatusQueued || j.Status == StatusRunning
}

// CheckInvariants validates the structural invariants from spec §3.
func (j *Job) CheckInvariants() error {
	switch j.Status {
	case StatusRunning:
		if j.RunnerID == nil {
			return trace.BadParameter("job %v: Running without runner_id", j.ID)
		}
		if j.StartedAt == nil {
			return trace.BadParameter("job %v: Running without started_at", j.ID)
		}
	case StatusComplete:
		if j.FinishedAt == nil {
			return trace.BadParameter("job %v: Complete without finished_at", j.ID)
		}
		if j.Completion == nil {
			return trace.BadParameter("job %v: Complete without a completion status", j.ID)
		}
	case StatusQueued:
		if j.RunnerID != nil {
			return trace.BadParameter("job %v: Queued with a runner_id set", j.ID)
		}
	default:
		return trace.BadParameter("job %v: unknown status %q", j.ID, j.Status)
	}
	return nil
}

// Commit is an immutable, time-ordered record of a single revision pushed
// or proposed on a tracked repo.
type Commit struct {
	ID         uuid.UUID `db:"id" json:"id"`
	RepoID     uuid.UUID `db:"repo_id" json:"repo_id"`
	ForgeRepoID int64    `db:"forge_repo_id" json:"forge_repo_id"`
	Revision   string    `db:"revision" json:"revision"`
	Ref        string    `db:"ref" json:"ref"`
	AuthorHandle string  `db:"author_handle" json:"author_handle"`
	Message    string    `db:"message" json:"message"`
	// CloneURL is the git remote the guest driver clones from to run this
	// commit's tasks (spec §4.7's JobConfig.project_url).
	CloneURL  string    `db:"clone_url" json:"clone_url"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ForgeJobLink binds a job to the external check-run it mirrors status
// into. One-to-one with Job for forge-originated jobs.
type ForgeJobLink struct {
	JobID          uuid.UUID `db:"job_id" json:"job_id"`
	CommitID       uuid.UUID `db:"commit_id" json:"commit_id"`
	ExternalCheckRunID string `db:"external_check_run_id" json:"external_check_run_id"`
}
