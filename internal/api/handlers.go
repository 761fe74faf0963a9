package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gravitational/trace"

	"github.com/nixci/runner/internal/forge"
	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/logging"
	"github.com/nixci/runner/internal/timeid"
)

var log = logging.ForComponent("api")

type handlers struct {
	cfg Config
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

// writeError maps trace error kinds onto HTTP status codes per spec §7.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case trace.IsAccessDenied(err):
		status = http.StatusForbidden
	case trace.IsNotFound(err):
		status = http.StatusNotFound
	case trace.IsBadParameter(err), trace.IsCompareFailed(err):
		status = http.StatusBadRequest
	case trace.IsConnectionProblem(err):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handlers) handleAccountMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, accountFromContext(r))
}

func (h *handlers) handlePublicConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.PublicConfig)
}

// repoWithCommit is the GET /api/v1/github/repos response shape: every
// owned repo with its latest commit and that commit's jobs (spec §6).
type repoWithCommit struct {
	Repo         forge.Repo `json:"repo"`
	LatestCommit *job.Commit `json:"latest_commit,omitempty"`
	Jobs         []job.Job   `json:"jobs,omitempty"`
}

func (h *handlers) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.cfg.ForgeStore.ListReposForAccount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]repoWithCommit, 0, len(repos))
	for _, repo := range repos {
		entry := repoWithCommit{Repo: repo}
		commit, err := h.cfg.JobStore.LatestCommitForRepo(r.Context(), repo.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if commit != nil {
			entry.LatestCommit = commit
			jobs, err := h.cfg.JobStore.ListForCommit(r.Context(), commit.ID)
			if err != nil {
				writeError(w, err)
				return
			}
			entry.Jobs = jobs
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) handleCommit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repo, err := h.repoByOwnerName(r, vars["owner"], vars["repo"])
	if err != nil {
		writeError(w, err)
		return
	}
	commit, err := h.cfg.JobStore.CommitByRevision(r.Context(), repo.ID, vars["rev"])
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := h.cfg.JobStore.ListForCommit(r.Context(), commit.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repoWithCommit{Repo: *repo, LatestCommit: commit, Jobs: jobs})
}

func (h *handlers) handleRepoCommits(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repo, err := h.repoByOwnerName(r, vars["owner"], vars["repo"])
	if err != nil {
		writeError(w, err)
		return
	}
	commits, err := h.cfg.JobStore.ListCommitsForRepo(r.Context(), repo.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (h *handlers) repoByOwnerName(r *http.Request, owner, repoName string) (*forge.Repo, error) {
	return h.cfg.ForgeStore.RepoByOwnerAndName(r.Context(), owner, repoName)
}

func (h *handlers) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := timeid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, trace.BadParameter("invalid job id: %v", err))
		return
	}
	j, err := h.cfg.JobStore.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handlers) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := timeid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, trace.BadParameter("invalid job id: %v", err))
		return
	}
	didCancel, _, err := h.cfg.Dispatcher.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !didCancel {
		writeError(w, trace.BadParameter("job %v is not cancellable", id))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := timeid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, trace.BadParameter("invalid job id: %v", err))
		return
	}
	next, err := h.cfg.Dispatcher.Retry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (h *handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeError(w, trace.BadParameter("failed to read body: %v", err))
		return
	}
	if !forge.VerifySignature(h.cfg.WebhookSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		writeError(w, trace.AccessDenied("invalid webhook signature"))
		return
	}

	event := r.Header.Get("X-Forge-Event")
	if err := h.dispatchWebhook(r, event, body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) dispatchWebhook(r *http.Request, event string, body []byte) error {
	switch event {
	case "installation", "installation_repositories":
		var ev struct {
			Action string `json:"action"`
			forge.InstallEvent
		}
		if err := json.Unmarshal(body, &ev); err != nil {
			return trace.Wrap(err)
		}
		return h.cfg.WebhookHandler.HandleInstall(r.Context(), ev.Action, ev.InstallEvent)

	case "push":
		var ev forge.PushEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return trace.Wrap(err)
		}
		return h.cfg.WebhookHandler.HandlePush(r.Context(), ev)

	case "pull_request":
		var ev struct {
			Action string          `json:"action"`
			PR     forge.PushEvent `json:"pull_request"`
		}
		if err := json.Unmarshal(body, &ev); err != nil {
			return trace.Wrap(err)
		}
		if ev.Action != "synchronize" {
			return nil
		}
		return h.cfg.WebhookHandler.HandlePush(r.Context(), ev.PR)

	default:
		log.WithField("event", event).Debug("ignoring unknown webhook event")
		return nil
	}
}
