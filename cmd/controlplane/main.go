// Command controlplane runs the CI job runner control plane (spec §4, §6):
// the REST/webhook/websocket HTTP server, the Postgres-backed dispatcher,
// the log ingestion service, and the schema migration runner, all driven
// from one YAML config file. CLI shape follows tool/gravity/main.go's
// kingpin.Application registration.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nixci/runner/internal/api"
	"github.com/nixci/runner/internal/config"
	"github.com/nixci/runner/internal/dispatch"
	"github.com/nixci/runner/internal/forge"
	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/logging"
	"github.com/nixci/runner/internal/logsvc"
	"github.com/nixci/runner/internal/migrations"
	"github.com/nixci/runner/internal/runnerhub"
	"github.com/nixci/runner/internal/wsserver"
)

func main() {
	app := kingpin.New("controlplane", "CI job runner control plane")

	serveCmd := app.Command("serve", "Run the HTTP API, webhook, log service, and runner websocket server")
	serveConfigPath := serveCmd.Arg("config", "Path to the control plane config file").Required().String()

	migrateCmd := app.Command("migrate", "Apply pending database migrations")
	migrateConfigPath := migrateCmd.Arg("config", "Path to the control plane config file").Required().String()

	genClientCmd := app.Command("generate-client", "Print the JSON schema for the runner websocket protocol")

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("%v", err)
	}

	var runErr error
	switch cmd {
	case serveCmd.FullCommand():
		runErr = runServe(*serveConfigPath)
	case migrateCmd.FullCommand():
		runErr = runMigrate(*migrateConfigPath)
	case genClientCmd.FullCommand():
		runErr = runnerhub.PrintProtocolSchema(os.Stdout)
	}
	if runErr != nil {
		log.Error(trace.DebugReport(runErr))
		os.Exit(1)
	}
}

func runMigrate(configPath string) error {
	cfg, err := config.LoadControlPlane(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	logging.Configure(cfg.LogLevel)

	db, err := job.Open(cfg.DatabaseURL)
	if err != nil {
		return trace.Wrap(err)
	}
	defer db.Close()

	return migrations.Apply(context.Background(), db)
}

func runServe(configPath string) error {
	cfg, err := config.LoadControlPlane(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	logging.Configure(cfg.LogLevel)
	logger := logging.ForComponent("controlplane")

	db, err := job.Open(cfg.DatabaseURL)
	if err != nil {
		return trace.Wrap(err)
	}
	defer db.Close()

	jobStore := job.NewPostgresStore(db)
	forgeStore := forge.NewStore(db)
	records := runnerhub.NewRecordStore(db)
	hub := runnerhub.New(records)
	forgeClient := forge.NoopClient{}
	checkRuns := forge.NewCheckRunAdapter(forgeStore, forgeClient)
	dispatcher := dispatch.New(jobStore, hub, checkRuns)
	webhookHandler := forge.NewHandler(forgeStore, dispatcher, forgeClient)

	logURLFor := func(jobID uuid.UUID) string {
		return cfg.LogServiceURL + "/" + jobID.String()
	}
	wsSrv := wsserver.New(hub, records, dispatcher, jobStore, logURLFor)

	router := api.NewRouter(api.Config{
		Auth:           noAuth{},
		ForgeStore:     forgeStore,
		JobStore:       jobStore,
		Dispatcher:     dispatcher,
		WebhookSecret:  cfg.WebhookSecret,
		WebhookHandler: webhookHandler,
		WSServer:       wsSrv,
		PublicConfig:   map[string]interface{}{"platforms": job.AllPlatforms()},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.RunSweeper(ctx, cfg.SweepInterval, cfg.RunnerTimeout)

	logStore := logsvc.NewStore()
	logSrv := logsvc.NewServer(logStore)
	go func() {
		if err := logSrv.ListenAndServe(ctx, cfg.LogServiceListenAddr); err != nil {
			logger.WithError(err).Error("log service exited")
		}
	}()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server exited")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return trace.Wrap(srv.Shutdown(shutdownCtx))
}

// noAuth is a placeholder Authenticator used when no OAuth/session layer
// is wired (spec §1 Non-goals); every request is unauthenticated.
type noAuth struct{}

func (noAuth) Authenticate(r *http.Request) (*forge.Account, error) {
	return nil, trace.AccessDenied("authentication is not configured")
}
