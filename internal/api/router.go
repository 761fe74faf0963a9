// Package api assembles the REST surface (spec §6): account/github/job
// endpoints behind the beta-role gate, the webhook endpoint, the runner
// websocket upgrade, /metrics, and /config.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nixci/runner/internal/dispatch"
	"github.com/nixci/runner/internal/forge"
	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/wsserver"
)

// Authenticator resolves the caller's Account from a request, the seam a
// real OAuth/session layer plugs into (spec §1 Non-goals: "OAuth and
// session cookies" is an external collaborator).
type Authenticator interface {
	Authenticate(r *http.Request) (*forge.Account, error)
}

// Config is everything the router needs to wire up handlers.
type Config struct {
	Auth          Authenticator
	ForgeStore    *forge.Store
	JobStore      job.Store
	Dispatcher    *dispatch.Dispatcher
	WebhookSecret string
	WebhookHandler *forge.Handler
	WSServer      *wsserver.Server
	PublicConfig  map[string]interface{}
}

// NewRouter builds the complete mux.Router.
func NewRouter(cfg Config) *mux.Router {
	h := &handlers{cfg: cfg}
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/github/webhook", h.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/runner/ws", cfg.WSServer.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/api/v1/config/", h.handlePublicConfig).Methods(http.MethodGet)

	beta := r.PathPrefix("/api/v1").Subrouter()
	beta.Use(h.requireBeta)
	beta.HandleFunc("/account/me", h.handleAccountMe).Methods(http.MethodGet)
	beta.HandleFunc("/github/repos", h.handleListRepos).Methods(http.MethodGet)
	beta.HandleFunc("/github/{owner}/{repo}/jobs", h.handleRepoCommits).Methods(http.MethodGet)
	beta.HandleFunc("/github/{owner}/{repo}/{rev}", h.handleCommit).Methods(http.MethodGet)
	beta.HandleFunc("/job/{id}", h.handleGetJob).Methods(http.MethodGet)
	beta.HandleFunc("/job/{id}/cancel", h.handleCancelJob).Methods(http.MethodPost)
	beta.HandleFunc("/job/{id}/retry-job", h.handleRetryJob).Methods(http.MethodPost)

	return r
}
