package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/runnerhub"
	"github.com/nixci/runner/internal/timeid"
)

// fakeStore is an in-memory job.Store good enough to exercise the
// dispatcher's concurrency and state-machine guarantees without a
// database, the same way lib/rpc/server/testing.go fakes out its backing
// store for unit tests.
type fakeStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*job.Job
	commits map[uuid.UUID]*job.Commit
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[uuid.UUID]*job.Job),
		commits: make(map[uuid.UUID]*job.Commit),
	}
}

func (s *fakeStore) InsertCommit(ctx context.Context, c *job.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = timeid.New()
	}
	s.commits[c.ID] = c
	return nil
}

func (s *fakeStore) InsertJobs(ctx context.Context, commit *job.Commit, vms []job.VM) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Job
	for _, vm := range vms {
		j := job.Job{
			ID:         timeid.New(),
			CommitID:   commit.ID,
			Platform:   vm.Platform,
			Status:     job.StatusQueued,
			CPUs:       vm.CPUs,
			MemoryMB:   vm.MemoryMB,
			Revision:   commit.Revision,
			CloneURL:   commit.CloneURL,
			CachixPush: vm.CachixPush,
			CreatedAt:  time.Now(),
		}
		s.jobs[j.ID] = &j
		out = append(out, j)
	}
	return out, nil
}

func (s *fakeStore) Claim(ctx context.Context, jobID, runnerID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != job.StatusQueued {
		return false, nil
	}
	now := time.Now()
	j.Status = job.StatusRunning
	j.RunnerID = &runnerID
	j.StartedAt = &now
	return true, nil
}

func (s *fakeStore) FindNextForPlatform(ctx context.Context, platform job.Platform) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *job.Job
	for _, j := range s.jobs {
		if j.Platform != platform || j.Status != job.StatusQueued || j.RunnerID != nil {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *fakeStore) Complete(ctx context.Context, jobID uuid.UUID, status job.CompletionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return trace.NotFound("job %v not found", jobID)
	}
	now := time.Now()
	j.Status = job.StatusComplete
	j.Completion = &status
	j.FinishedAt = &now
	return nil
}

func (s *fakeStore) Cancel(ctx context.Context, jobID uuid.UUID) (bool, job.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, "", trace.NotFound("job %v not found", jobID)
	}
	prior := j.Status
	if !j.IsCancellable() {
		return false, prior, nil
	}
	now := time.Now()
	j.Status = job.StatusComplete
	cancelled := job.CompletionCancelled
	j.Completion = &cancelled
	j.FinishedAt = &now
	return true, prior, nil
}

func (s *fakeStore) Retry(ctx context.Context, jobID uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orig, ok := s.jobs[jobID]
	if !ok {
		return nil, trace.NotFound("job %v not found", jobID)
	}
	if !orig.IsRetryable() {
		return nil, trace.BadParameter("job %v is not retryable", jobID)
	}
	next := job.Job{
		ID:            timeid.New(),
		CommitID:      orig.CommitID,
		Platform:      orig.Platform,
		Status:        job.StatusQueued,
		CPUs:          orig.CPUs,
		MemoryMB:      orig.MemoryMB,
		PreviousJobID: &orig.ID,
		CreatedAt:     time.Now(),
	}
	s.jobs[next.ID] = &next
	orig.RetriedJobID = &next.ID
	cp := next
	return &cp, nil
}

func (s *fakeStore) ExpireRunning(ctx context.Context, cutoff time.Time) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.Status == job.StatusRunning && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) Get(ctx context.Context, jobID uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, trace.NotFound("job %v not found", jobID)
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) ListForCommit(ctx context.Context, commitID uuid.UUID) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.CommitID == commitID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) LatestCommitForRepo(ctx context.Context, repoID uuid.UUID) (*job.Commit, error) {
	return nil, nil
}
func (s *fakeStore) CommitByRevision(ctx context.Context, repoID uuid.UUID, revision string) (*job.Commit, error) {
	return nil, trace.NotFound("not implemented in fake")
}
func (s *fakeStore) ListCommitsForRepo(ctx context.Context, repoID uuid.UUID) ([]job.Commit, error) {
	return nil, nil
}

type fakeLookup struct {
	mu        sync.Mutex
	platforms map[uuid.UUID]job.Platform
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{platforms: make(map[uuid.UUID]job.Platform)}
}

func (l *fakeLookup) set(id uuid.UUID, p job.Platform) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.platforms[id] = p
}

func (l *fakeLookup) PlatformOf(ctx context.Context, runnerID uuid.UUID) (job.Platform, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.platforms[runnerID]
	return p, ok, nil
}

func TestClaimRaceExactlyOneWinner(t *testing.T) {
	store := newFakeStore()
	lookup := newFakeLookup()
	hub := runnerhub.New(lookup)
	d := New(store, hub, nil)

	ctx := context.Background()
	commit := &job.Commit{RepoID: uuid.New(), Revision: "deadbeef"}
	jobs, err := d.CreateJobsForCommit(ctx, commit, []job.VM{job.DefaultVM(job.PlatformX86_64Linux)})
	require.NoError(t, err)
	jobID := jobs[0].ID

	const n = 50
	var wins int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ok, err := d.Claim(ctx, jobID, uuid.New())
			require.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, wins, "expected exactly one claim to win")
}

func TestCancelIsIdempotent(t *testing.T) {
	store := newFakeStore()
	lookup := newFakeLookup()
	hub := runnerhub.New(lookup)
	d := New(store, hub, nil)

	ctx := context.Background()
	commit := &job.Commit{RepoID: uuid.New(), Revision: "c0ffee"}
	jobs, err := d.CreateJobsForCommit(ctx, commit, []job.VM{job.DefaultVM(job.PlatformX86_64Linux)})
	require.NoError(t, err)
	jobID := jobs[0].ID

	didCancel, prior, err := d.Cancel(ctx, jobID)
	require.NoError(t, err)
	require.True(t, didCancel, "expected the first cancel to succeed from Queued")
	require.Equal(t, job.StatusQueued, prior)

	didCancel, prior, err = d.Cancel(ctx, jobID)
	require.NoError(t, err)
	require.False(t, didCancel, "expected a no-op on an already-complete job")
	require.Equal(t, job.StatusComplete, prior)
}

func TestRetryChainLinksForwardAndBack(t *testing.T) {
	store := newFakeStore()
	lookup := newFakeLookup()
	hub := runnerhub.New(lookup)
	d := New(store, hub, nil)

	ctx := context.Background()
	commit := &job.Commit{RepoID: uuid.New(), Revision: "abc123"}
	jobs, err := d.CreateJobsForCommit(ctx, commit, []job.VM{job.DefaultVM(job.PlatformAarch64Darwin)})
	require.NoError(t, err)
	origID := jobs[0].ID

	ok, err := d.Claim(ctx, origID, uuid.New())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, d.Complete(ctx, origID, job.CompletionFailed))

	next, err := d.Retry(ctx, origID)
	require.NoError(t, err)
	require.NotNil(t, next.PreviousJobID)
	require.Equal(t, origID, *next.PreviousJobID)

	orig, err := store.Get(ctx, origID)
	require.NoError(t, err)
	require.NotNil(t, orig.RetriedJobID)
	require.Equal(t, next.ID, *orig.RetriedJobID)

	// Retrying a job that already has a terminal success is not allowed.
	ok, err = d.Claim(ctx, next.ID, uuid.New())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, d.Complete(ctx, next.ID, job.CompletionSuccess))

	_, err = d.Retry(ctx, next.ID)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}
