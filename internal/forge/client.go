package forge

import "context"

// Client is the capability a webhook handler needs from an
// installation-scoped forge client: read a file at a ref, and mirror a
// job's terminal status onto the external check-run. The REST client
// itself is out of scope (spec §1) — this interface is the seam a real
// implementation (e.g. a GitHub App client) plugs into. New providers are
// added by implementing this capability once per provider (spec §9).
type Client interface {
	// FileExists reports whether path exists in the tree at ref.
	FileExists(ctx context.Context, forgeRepoID int64, ref, path string) (bool, error)
	// FetchFile returns the contents of path at ref, or ok=false if
	// absent.
	FetchFile(ctx context.Context, forgeRepoID int64, ref, path string) (content []byte, ok bool, err error)
	// CreateCheckRun creates an external check-run for a job and returns
	// its id.
	CreateCheckRun(ctx context.Context, forgeRepoID int64, revision string) (externalID string, err error)
	// UpdateCheckRun mirrors a job's terminal status onto the external
	// check-run.
	UpdateCheckRun(ctx context.Context, externalID string, status string) error
}
