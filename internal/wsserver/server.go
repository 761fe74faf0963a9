// Package wsserver upgrades GET /api/v1/runner/ws connections and runs the
// control-plane side of the per-runner read/write loop (spec §4.2, §6):
// registering with the Hub, handling ClaimJob/UpdateJobStatus/RequestJob/
// ReportMetrics, and draining the Hub's outbound channel back onto the
// wire in FIFO order.
package wsserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nixci/runner/internal/dispatch"
	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/logging"
	"github.com/nixci/runner/internal/runnerhub"
)

var log = logging.ForComponent("wsserver")

// defaultPlatform is used when X-Runner-Platform is absent (spec §6).
const defaultPlatform = job.PlatformX86_64Linux

var (
	runnersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ci_runner_connected",
		Help: "Number of runner agents currently connected.",
	})
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_jobs_total",
		Help: "Total jobs by terminal completion status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(runnersConnected, jobsTotal)
}

// LogURLBuilder builds the log_url handed to a runner in JobClaimed.
type LogURLBuilder func(jobID uuid.UUID) string

// Server upgrades and services runner websocket connections.
type Server struct {
	hub        *runnerhub.Hub
	records    *runnerhub.RecordStore
	dispatcher *dispatch.Dispatcher
	jobs       job.Store
	logURLFor  LogURLBuilder
	upgrader   websocket.Upgrader
}

// New builds a Server.
func New(hub *runnerhub.Hub, records *runnerhub.RecordStore, dispatcher *dispatch.Dispatcher, jobs job.Store, logURLFor LogURLBuilder) *Server {
	return &Server{
		hub:        hub,
		records:    records,
		dispatcher: dispatcher,
		jobs:       jobs,
		logURLFor:  logURLFor,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// ServeHTTP implements the GET /api/v1/runner/ws upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	platform := job.Platform(r.Header.Get("X-Runner-Platform"))
	if !platform.Valid() {
		platform = defaultPlatform
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	runnerID := runnerhub.NewRunnerID()
	ctx := r.Context()
	if err := s.records.Connect(ctx, runnerID, platform); err != nil {
		log.WithError(err).Error("failed to record runner connection")
		conn.Close()
		return
	}

	outbound := s.hub.Register(runnerID)
	log.WithFields(map[string]interface{}{"runner_id": runnerID, "platform": platform}).Info("runner connected")

	runnersConnected.Inc()
	done := make(chan struct{})
	go s.writeLoop(conn, outbound, done)
	s.readLoop(ctx, conn, runnerID, platform)

	close(done)
	s.hub.Unregister(runnerID)
	runnersConnected.Dec()
	if err := s.records.Disconnect(context.Background(), runnerID); err != nil {
		log.WithError(err).Warn("failed to record runner disconnect")
	}
	conn.Close()
	log.WithField("runner_id", runnerID).Info("runner disconnected")
}

// writeLoop drains the Hub's per-runner outbound channel onto the
// websocket, preserving FIFO order (spec §5).
func (s *Server) writeLoop(conn *websocket.Conn, outbound <-chan runnerhub.Envelope, done <-chan struct{}) {
	for {
		select {
		case env, ok := <-outbound:
			if !ok {
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				log.WithError(err).Warn("failed to write to runner, closing")
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop handles incoming client -> server messages until the
// connection closes.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, runnerID uuid.UUID, platform job.Platform) {
	for {
		var env runnerhub.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if err := s.handle(ctx, runnerID, platform, env); err != nil {
			log.WithError(err).WithField("runner_id", runnerID).Warn("failed to handle runner message")
		}
	}
}

func (s *Server) handle(ctx context.Context, runnerID uuid.UUID, platform job.Platform, env runnerhub.Envelope) error {
	switch env.Type {
	case runnerhub.TypeClaimJob:
		var msg runnerhub.ClaimJob
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		ok, err := s.dispatcher.Claim(ctx, msg.ID, runnerID)
		if err != nil {
			return err
		}
		if !ok {
			// Lost the claim race; no reply. The runner will issue
			// RequestJob again after its next idle transition.
			return nil
		}
		j, err := s.jobs.Get(ctx, msg.ID)
		if err != nil {
			return err
		}
		s.hub.TrySend(runnerID, runnerhub.TypeJobClaimed, runnerhub.JobClaimed{
			ID:         msg.ID,
			VM:         msg.VM,
			LogURL:     s.logURLFor(msg.ID),
			Repo:       j.CloneURL,
			Revision:   j.Revision,
			CachixPush: j.CachixPush,
		})
		return nil

	case runnerhub.TypeUpdateJobStatus:
		var msg runnerhub.UpdateJobStatus
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		jobsTotal.WithLabelValues(string(msg.Status)).Inc()
		if err := s.dispatcher.Complete(ctx, msg.ID, msg.Status); err != nil {
			return err
		}
		return s.dispatcher.RequestJob(ctx, runnerID, platform)

	case runnerhub.TypeRequestJob:
		return s.dispatcher.RequestJob(ctx, runnerID, platform)

	case runnerhub.TypeReportMetrics:
		var msg runnerhub.ReportMetrics
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		observeRunnerMetrics(msg)
		return nil

	default:
		log.WithField("type", env.Type).Debug("ignoring unknown message type")
		return nil
	}
}
