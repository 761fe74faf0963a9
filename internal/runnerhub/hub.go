package runnerhub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/logging"
)

var log = logging.ForComponent("runnerhub")

// outboundBuffer is the bounded channel capacity per connected runner
// (spec §9: "outbound runner channel = 32 messages").
const outboundBuffer = 32

// sendTimeout is the default timeout for an outbound send (spec §5).
const sendTimeout = 10 * time.Second

// RunnerLookup resolves a runner id to its durable platform, used by
// BroadcastToPlatform to filter out stale in-memory entries whose platform
// no longer matches what the DB row says (spec §4.2).
type RunnerLookup interface {
	PlatformOf(ctx context.Context, runnerID uuid.UUID) (job.Platform, bool, error)
}

// conn is one registered runner's outbound channel.
type conn struct {
	tx chan Envelope
}

// Hub owns the in-memory map of connected runners. It holds no durable
// state: on process restart the map is empty and rebuilt by incoming
// reconnects (spec §9, "state duplication").
type Hub struct {
	mu      sync.RWMutex
	conns   map[uuid.UUID]*conn
	lookup  RunnerLookup
}

// New creates an empty Hub.
func New(lookup RunnerLookup) *Hub {
	return &Hub{
		conns:  make(map[uuid.UUID]*conn),
		lookup: lookup,
	}
}

// Register inserts a runner's outbound channel, returning it so the
// websocket write loop can drain it. Any existing entry for the same id is
// replaced (a reconnect after an unclean disconnect).
func (h *Hub) Register(runnerID uuid.UUID) <-chan Envelope {
	c := &conn{tx: make(chan Envelope, outboundBuffer)}
	h.mu.Lock()
	h.conns[runnerID] = c
	h.mu.Unlock()
	return c.tx
}

// Unregister removes a runner's entry. Safe to call more than once.
func (h *Hub) Unregister(runnerID uuid.UUID) {
	h.mu.Lock()
	c, ok := h.conns[runnerID]
	if ok {
		delete(h.conns, runnerID)
	}
	h.mu.Unlock()
	if ok {
		close(c.tx)
	}
}

// TrySend performs a non-blocking send to a registered runner. It returns
// false if the runner is absent or its channel is full — callers must
// treat that as "the runner will find out some other way" (spec §4.1:
// "correctness depends on the runner re-requesting"), never as a fatal
// error.
func (h *Hub) TrySend(runnerID uuid.UUID, t MessageType, payload interface{}) bool {
	h.mu.RLock()
	c, ok := h.conns[runnerID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	env, err := Encode(t, payload)
	if err != nil {
		log.WithError(err).Error("failed to encode outbound message")
		return false
	}
	select {
	case c.tx <- env:
		return true
	default:
		log.WithField("runner_id", runnerID).Warn("outbound channel full, dropping message")
		return false
	}
}

// SendWithTimeout is like TrySend but blocks up to sendTimeout, surfacing a
// distinct SendTimeout failure rather than silently dropping (spec §5).
// Used by paths that want to know whether delivery was attempted at all
// (e.g. the sweeper's JobTimedOut, where the caller falls back to a direct
// DB transition if the runner is unreachable).
func (h *Hub) SendWithTimeout(ctx context.Context, runnerID uuid.UUID, t MessageType, payload interface{}) error {
	h.mu.RLock()
	c, ok := h.conns[runnerID]
	h.mu.RUnlock()
	if !ok {
		return trace.NotFound("runner %v not connected", runnerID)
	}
	env, err := Encode(t, payload)
	if err != nil {
		return trace.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	select {
	case c.tx <- env:
		return nil
	case <-ctx.Done():
		return trace.ConnectionProblem(ctx.Err(), "send timeout to runner %v", runnerID)
	}
}

// BroadcastToPlatform sends msg to every currently-registered runner whose
// durable platform matches. Delivery is best-effort: a runner that is
// registered but whose DB row disagrees on platform (a stale entry) is
// silently skipped rather than sent a mismatched job (spec §4.2).
func (h *Hub) BroadcastToPlatform(ctx context.Context, platform job.Platform, t MessageType, payload interface{}) {
	h.mu.RLock()
	ids := make([]uuid.UUID, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		p, ok, err := h.lookup.PlatformOf(ctx, id)
		if err != nil {
			log.WithError(err).WithField("runner_id", id).Warn("failed to resolve runner platform during broadcast")
			continue
		}
		if !ok || p != platform {
			continue
		}
		h.TrySend(id, t, payload)
	}
}

// Connected reports whether a runner currently has a live connection.
func (h *Hub) Connected(runnerID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[runnerID]
	return ok
}
