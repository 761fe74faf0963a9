package forge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/nixci/runner/internal/cloudconfig"
	"github.com/nixci/runner/internal/dispatch"
	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/logging"
)

var log = logging.ForComponent("forge")

// devenvMarker is the marker file whose presence on a ref triggers job
// dispatch (spec §4.3).
const devenvMarker = "devenv.nix"

// cloudConfigPath is the optional sibling cloud-config document.
const cloudConfigPath = "devenv.cloud.yaml"

// VerifySignature verifies an HMAC-SHA-256 signature over the raw webhook
// body using a constant-time comparison, per spec §4.3. sigHeader is
// expected in the common "sha256=<hex>" form.
func VerifySignature(secret, sigHeader string, body []byte) bool {
	const prefix = "sha256="
	if len(sigHeader) <= len(prefix) || sigHeader[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(sigHeader[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(want, got)
}

// Event is the minimal envelope needed to route a webhook delivery; the
// concrete payload shapes are forge-specific and parsed on demand per
// event type, matching the "dispatch by event type" structure of
// spec §4.3.
type Event struct {
	Type    string          `json:"-"`
	RawBody json.RawMessage `json:"-"`
}

// InstallEvent carries the install lifecycle payloads (created / deleted /
// suspend / unsuspend / repositories added or removed).
type InstallEvent struct {
	Action       string `json:"action"`
	OwnerForgeID int64  `json:"owner_id"`
	OwnerLogin   string `json:"owner_login"`
	InstallForgeID int64 `json:"installation_id"`
	Repos        []struct {
		ForgeRepoID int64  `json:"id"`
		Name        string `json:"name"`
	} `json:"repositories"`
}

// PushEvent carries a push or pull_request(synchronize) payload. Ref/SHA
// are pre-normalized by the caller so both event kinds share one code
// path: push uses the pushed ref/sha, pull_request synchronize uses the
// head ref/sha (spec §4.3).
type PushEvent struct {
	ForgeRepoID int64  `json:"repo_id"`
	Ref         string `json:"ref"`
	Revision    string `json:"sha"`
	AuthorHandle string `json:"author"`
	Message     string `json:"message"`
}

// Handler processes verified webhook deliveries.
type Handler struct {
	store      *Store
	dispatcher *dispatch.Dispatcher
	client     Client
}

// NewHandler builds a webhook Handler.
func NewHandler(store *Store, dispatcher *dispatch.Dispatcher, client Client) *Handler {
	return &Handler{store: store, dispatcher: dispatcher, client: client}
}

// HandleInstall processes install created/deleted/suspended/unsuspended
// and repositories added/removed events.
func (h *Handler) HandleInstall(ctx context.Context, action string, ev InstallEvent) error {
	switch action {
	case "created":
		owner, err := h.store.UpsertOwner(ctx, ev.OwnerForgeID, ev.OwnerLogin)
		if err != nil {
			return trace.Wrap(err)
		}
		install, err := h.store.UpsertInstallation(ctx, owner.ID, ev.InstallForgeID)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, r := range ev.Repos {
			if _, err := h.store.UpsertRepo(ctx, owner.ID, install.ID, r.ForgeRepoID, ev.OwnerLogin, r.Name); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	case "deleted", "suspend":
		return trace.Wrap(h.store.SetInstallationDisabled(ctx, ev.InstallForgeID, true))
	case "unsuspend":
		return trace.Wrap(h.store.SetInstallationDisabled(ctx, ev.InstallForgeID, false))
	case "added":
		for _, r := range ev.Repos {
			owner, err := h.store.UpsertOwner(ctx, ev.OwnerForgeID, ev.OwnerLogin)
			if err != nil {
				return trace.Wrap(err)
			}
			install, err := h.store.UpsertInstallation(ctx, owner.ID, ev.InstallForgeID)
			if err != nil {
				return trace.Wrap(err)
			}
			if _, err := h.store.UpsertRepo(ctx, owner.ID, install.ID, r.ForgeRepoID, ev.OwnerLogin, r.Name); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	case "removed":
		for _, r := range ev.Repos {
			if err := h.store.SetRepoDisabled(ctx, r.ForgeRepoID, true); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	default:
		log.WithField("action", action).Debug("ignoring unknown install action")
		return nil
	}
}

// HandlePush processes a push or pull_request(synchronize) event: it
// checks for the devenv marker file, optionally parses a sibling
// cloud-config, derives the VM set, and dispatches jobs for a new commit.
func (h *Handler) HandlePush(ctx context.Context, ev PushEvent) error {
	repo, err := h.store.RepoByForgeID(ctx, ev.ForgeRepoID)
	if err != nil {
		return trace.Wrap(err)
	}
	if repo.Disabled {
		return nil
	}

	has, err := h.client.FileExists(ctx, ev.ForgeRepoID, ev.Revision, devenvMarker)
	if err != nil {
		return trace.Wrap(err)
	}
	if !has {
		return nil
	}

	vms := []job.VM{job.DefaultVM(job.PlatformX86_64Linux), job.DefaultVM(job.PlatformAarch64Darwin)}
	if content, ok, err := h.client.FetchFile(ctx, ev.ForgeRepoID, ev.Revision, cloudConfigPath); err != nil {
		return trace.Wrap(err)
	} else if ok {
		parsed, err := cloudconfig.Parse(content)
		if err != nil {
			return trace.Wrap(err, "parsing cloud-config for %v@%v", ev.ForgeRepoID, ev.Revision)
		}
		vms = parsed
	}

	commit := &job.Commit{
		RepoID:       repo.ID,
		ForgeRepoID:  ev.ForgeRepoID,
		Revision:     ev.Revision,
		Ref:          ev.Ref,
		AuthorHandle: ev.AuthorHandle,
		Message:      ev.Message,
		CloneURL:     repo.CloneURL,
	}
	jobs, err := h.dispatcher.CreateJobsForCommit(ctx, commit, vms)
	if err != nil {
		return trace.Wrap(err)
	}

	for _, j := range jobs {
		externalID, err := h.client.CreateCheckRun(ctx, ev.ForgeRepoID, ev.Revision)
		if err != nil {
			log.WithError(err).WithField("job_id", j.ID).Warn("failed to create external check run")
			continue
		}
		if externalID == "" {
			continue
		}
		if err := h.store.CreateCheckRunLink(ctx, j.ID, commit.ID, externalID); err != nil {
			log.WithError(err).WithField("job_id", j.ID).Warn("failed to record check run link")
		}
	}
	return nil
}
