package job

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/nixci/runner/internal/timeid"
)

// Store is the persistence contract the dispatcher drives. It is
// implemented by PostgresStore for production and can be faked in tests
// the way lib/rpc/server/testing.go exposes a test double alongside the
// real server type.
type Store interface {
	// InsertCommit inserts the commit if its (repo_id, revision) pair is
	// new and returns the stored row either way.
	InsertCommit(ctx context.Context, c *Commit) error
	// InsertJobs inserts one Queued job per VM for the given commit, all
	// inside a single transaction. Revision/CloneURL are denormalized onto
	// each Job from the commit so the runner agent can build a guest
	// JobConfig without a second lookup.
	InsertJobs(ctx context.Context, commit *Commit, vms []VM) ([]Job, error)
	// Claim atomically transitions a Queued job to Running, assigning
	// runner_id and started_at. Returns false if the job was not Queued.
	Claim(ctx context.Context, jobID, runnerID uuid.UUID) (bool, error)
	// FindNextForPlatform returns the oldest Queued, unassigned job for a
	// platform, or nil if none.
	FindNextForPlatform(ctx context.Context, platform Platform) (*Job, error)
	// Complete atomically transitions a job to Complete(status).
	Complete(ctx context.Context, jobID uuid.UUID, status CompletionStatus) error
	// Cancel transitions a cancellable job to Complete(Cancelled),
	// returning whether it did so and the job's status prior to the call.
	Cancel(ctx context.Context, jobID uuid.UUID) (didCancel bool, prior Status, err error)
	// Retry inserts a new Queued job copying platform/cpus/memory_mb from
	// a retryable original, wiring the forward/back links atomically.
	Retry(ctx context.Context, jobID uuid.UUID) (*Job, error)
	// ExpireRunning returns every job Running with started_at older than
	// the cutoff.
	ExpireRunning(ctx context.Context, cutoff time.Time) ([]Job, error)
	// Get fetches a single job by id.
	Get(ctx context.Context, jobID uuid.UUID) (*Job, error)
	// ListForCommit returns every job for a commit.
	ListForCommit(ctx context.Context, commitID uuid.UUID) ([]Job, error)
	// LatestCommitForRepo returns the most recently created commit on a
	// repo, or nil if the repo has none.
	LatestCommitForRepo(ctx context.Context, repoID uuid.UUID) (*Commit, error)
	// CommitByRevision resolves a commit by (repo_id, revision).
	CommitByRevision(ctx context.Context, repoID uuid.UUID, revision string) (*Commit, error)
	// ListCommitsForRepo lists every commit on a repo, newest first.
	ListCommitsForRepo(ctx context.Context, repoID uuid.UUID) ([]Commit, error)
}

// PostgresStore implements Store against a Postgres database via sqlx,
// mirroring the transactional-update style of the other_examples postgres
// job repository (RLSExec-wrapped single-statement transactions).
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-open *sqlx.DB.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open opens a Postgres connection pool from a DSN.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, trace.Wrap(err, "connecting to postgres")
	}
	return db, nil
}

func (s *PostgresStore) InsertCommit(ctx context.Context, c *Commit) error {
	if c.ID == uuid.Nil {
		c.ID = timeid.New()
	}
	const q = `
		INSERT INTO commits (id, repo_id, forge_repo_id, revision, ref, author_handle, message, clone_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (repo_id, revision) DO UPDATE SET revision = commits.revision
		RETURNING id, created_at
	`
	row := s.db.QueryRowxContext(ctx, q, c.ID, c.RepoID, c.ForgeRepoID, c.Revision, c.Ref, c.AuthorHandle, c.Message, c.CloneURL)
	if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
		return trace.Wrap(err, "inserting commit")
	}
	return nil
}

func (s *PostgresStore) InsertJobs(ctx context.Context, commit *Commit, vms []VM) ([]Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer tx.Rollback() //nolint:errcheck

	jobs := make([]Job, 0, len(vms))
	const q = `
		INSERT INTO jobs (id, commit_id, platform, status, cpus, memory_mb, revision, clone_url, cachix_push, created_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, $6, $7, $8, now())
		RETURNING id, created_at
	`
	for _, vm := range vms {
		j := Job{
			ID:         timeid.New(),
			CommitID:   commit.ID,
			Platform:   vm.Platform,
			Status:     StatusQueued,
			CPUs:       vm.CPUs,
			MemoryMB:   vm.MemoryMB,
			Revision:   commit.Revision,
			CloneURL:   commit.CloneURL,
			CachixPush: vm.CachixPush,
		}
		row := tx.QueryRowxContext(ctx, q, j.ID, j.CommitID, j.Platform, j.CPUs, j.MemoryMB, j.Revision, j.CloneURL, j.CachixPush)
		if err := row.Scan(&j.ID, &j.CreatedAt); err != nil {
			return nil, trace.Wrap(err, "inserting job for platform %v", vm.Platform)
		}
		jobs = append(jobs, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, trace.Wrap(err)
	}
	return jobs, nil
}

func (s *PostgresStore) Claim(ctx context.Context, jobID, runnerID uuid.UUID) (bool, error) {
	const q = `
		UPDATE jobs SET status = 'running', runner_id = $2, started_at = now()
		WHERE id = $1 AND status = 'queued'
	`
	res, err := s.db.ExecContext(ctx, q, jobID, runnerID)
	if err != nil {
		return false, trace.Wrap(err, "claiming job %v", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, trace.Wrap(err)
	}
	return n == 1, nil
}

func (s *PostgresStore) FindNextForPlatform(ctx context.Context, platform Platform) (*Job, error) {
	const q = `
		SELECT id, commit_id, platform, status, completion, runner_id, cpus, memory_mb,
		       started_at, finished_at, retried_job_id, previous_job_id, created_at,
		       revision, clone_url, cachix_push
		FROM jobs
		WHERE platform = $1 AND status = 'queued' AND runner_id IS NULL
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	var j Job
	err := s.db.GetContext(ctx, &j, q, platform)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, trace.Wrap(err, "finding next job for %v", platform)
	}
	return &j, nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID uuid.UUID, status CompletionStatus) error {
	const q = `
		UPDATE jobs SET status = 'complete', completion = $2, finished_at = now()
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, q, jobID, status)
	if err != nil {
		return trace.Wrap(err, "completing job %v", jobID)
	}
	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, jobID uuid.UUID) (bool, Status, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, "", trace.Wrap(err)
	}
	defer tx.Rollback() //nolint:errcheck

	var j Job
	const getQ = `
		SELECT id, commit_id, platform, status, completion, runner_id, cpus, memory_mb,
		       started_at, finished_at, retried_job_id, previous_job_id, created_at,
		       revision, clone_url, cachix_push
		FROM jobs WHERE id = $1 FOR UPDATE
	`
	if err := tx.GetContext(ctx, &j, getQ, jobID); err != nil {
		if err == sql.ErrNoRows {
			return false, "", trace.NotFound("job %v not found", jobID)
		}
		return false, "", trace.Wrap(err)
	}
	if !j.IsCancellable() {
		return false, j.Status, nil
	}
	const updQ = `
		UPDATE jobs SET status = 'complete', completion = 'cancelled', finished_at = now()
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, updQ, jobID); err != nil {
		return false, "", trace.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", trace.Wrap(err)
	}
	return true, j.Status, nil
}

func (s *PostgresStore) Retry(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer tx.Rollback() //nolint:errcheck

	var orig Job
	const getQ = `
		SELECT id, commit_id, platform, status, completion, runner_id, cpus, memory_mb,
		       started_at, finished_at, retried_job_id, previous_job_id, created_at,
		       revision, clone_url, cachix_push
		FROM jobs WHERE id = $1 FOR UPDATE
	`
	if err := tx.GetContext(ctx, &orig, getQ, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("job %v not found", jobID)
		}
		return nil, trace.Wrap(err)
	}
	if !orig.IsRetryable() {
		return nil, trace.BadParameter("job %v is not retryable (status=%v completion=%v)", jobID, orig.Status, orig.Completion)
	}

	newID := timeid.New()
	const insQ = `
		INSERT INTO jobs (id, commit_id, platform, status, cpus, memory_mb, previous_job_id, revision, clone_url, cachix_push, created_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, $6, $7, $8, $9, now())
		RETURNING created_at
	`
	next := Job{
		ID:            newID,
		CommitID:      orig.CommitID,
		Platform:      orig.Platform,
		Status:        StatusQueued,
		CPUs:          orig.CPUs,
		MemoryMB:      orig.MemoryMB,
		PreviousJobID: &orig.ID,
		Revision:      orig.Revision,
		CloneURL:      orig.CloneURL,
		CachixPush:    orig.CachixPush,
	}
	row := tx.QueryRowxContext(ctx, insQ, next.ID, next.CommitID, next.Platform, next.CPUs, next.MemoryMB, orig.ID, next.Revision, next.CloneURL, next.CachixPush)
	if err := row.Scan(&next.CreatedAt); err != nil {
		return nil, trace.Wrap(err, "inserting retry job")
	}

	const linkQ = `UPDATE jobs SET retried_job_id = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, linkQ, orig.ID, newID); err != nil {
		return nil, trace.Wrap(err, "linking retried_job_id")
	}

	if err := tx.Commit(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &next, nil
}

func (s *PostgresStore) ExpireRunning(ctx context.Context, cutoff time.Time) ([]Job, error) {
	const q = `
		SELECT id, commit_id, platform, status, completion, runner_id, cpus, memory_mb,
		       started_at, finished_at, retried_job_id, previous_job_id, created_at,
		       revision, clone_url, cachix_push
		FROM jobs
		WHERE status = 'running' AND started_at < $1
	`
	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, q, cutoff); err != nil {
		return nil, trace.Wrap(err, "selecting expired jobs")
	}
	return jobs, nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	const q = `
		SELECT id, commit_id, platform, status, completion, runner_id, cpus, memory_mb,
		       started_at, finished_at, retried_job_id, previous_job_id, created_at,
		       revision, clone_url, cachix_push
		FROM jobs WHERE id = $1
	`
	var j Job
	if err := s.db.GetContext(ctx, &j, q, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("job %v not found", jobID)
		}
		return nil, trace.Wrap(err)
	}
	return &j, nil
}

func (s *PostgresStore) ListForCommit(ctx context.Context, commitID uuid.UUID) ([]Job, error) {
	const q = `
		SELECT id, commit_id, platform, status, completion, runner_id, cpus, memory_mb,
		       started_at, finished_at, retried_job_id, previous_job_id, created_at,
		       revision, clone_url, cachix_push
		FROM jobs WHERE commit_id = $1 ORDER BY id ASC
	`
	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, q, commitID); err != nil {
		return nil, trace.Wrap(err)
	}
	return jobs, nil
}

func (s *PostgresStore) LatestCommitForRepo(ctx context.Context, repoID uuid.UUID) (*Commit, error) {
	const q = `
		SELECT id, repo_id, forge_repo_id, revision, ref, author_handle, message, clone_url, created_at
		FROM commits WHERE repo_id = $1 ORDER BY id DESC LIMIT 1
	`
	var c Commit
	err := s.db.GetContext(ctx, &c, q, repoID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

func (s *PostgresStore) CommitByRevision(ctx context.Context, repoID uuid.UUID, revision string) (*Commit, error) {
	const q = `
		SELECT id, repo_id, forge_repo_id, revision, ref, author_handle, message, clone_url, created_at
		FROM commits WHERE repo_id = $1 AND revision = $2
	`
	var c Commit
	if err := s.db.GetContext(ctx, &c, q, repoID, revision); err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("commit %v@%v not found", repoID, revision)
		}
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCommitsForRepo(ctx context.Context, repoID uuid.UUID) ([]Commit, error) {
	const q = `
		SELECT id, repo_id, forge_repo_id, revision, ref, author_handle, message, clone_url, created_at
		FROM commits WHERE repo_id = $1 ORDER BY id DESC
	`
	var commits []Commit
	if err := s.db.SelectContext(ctx, &commits, q, repoID); err != nil {
		return nil, trace.Wrap(err)
	}
	return commits, nil
}
