package forge

import (
	"context"

	"github.com/google/uuid"

	"github.com/nixci/runner/internal/job"
)

// CheckRunAdapter implements dispatch.CheckRunUpdater by resolving a job's
// linked external check-run (if any) and mirroring status onto it via
// Client. Jobs with no link (not forge-originated) are a silent no-op.
type CheckRunAdapter struct {
	store  *Store
	client Client
}

// NewCheckRunAdapter builds a CheckRunAdapter.
func NewCheckRunAdapter(store *Store, client Client) *CheckRunAdapter {
	return &CheckRunAdapter{store: store, client: client}
}

// UpdateCheckRun implements dispatch.CheckRunUpdater.
func (a *CheckRunAdapter) UpdateCheckRun(ctx context.Context, jobID uuid.UUID, status job.CompletionStatus) error {
	externalID, ok, err := a.store.ExternalCheckRunID(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return a.client.UpdateCheckRun(ctx, externalID, string(status))
}

// NoopClient is used when no forge REST client is configured (spec §1
// Non-goals: the forge API client itself is an external collaborator).
// FileExists always reports absence, so HandlePush never dispatches jobs
// without a real client wired in.
type NoopClient struct{}

func (NoopClient) FileExists(ctx context.Context, forgeRepoID int64, ref, path string) (bool, error) {
	return false, nil
}

func (NoopClient) FetchFile(ctx context.Context, forgeRepoID int64, ref, path string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopClient) CreateCheckRun(ctx context.Context, forgeRepoID int64, revision string) (string, error) {
	return "", nil
}

func (NoopClient) UpdateCheckRun(ctx context.Context, externalID string, status string) error {
	return nil
}
