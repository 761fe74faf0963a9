package runnerhub

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jmoiron/sqlx"

	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/timeid"
)

// Record is the durable runner row (spec §3, "Runner record"). Presence in
// the Hub's in-memory map, not this row, is what models liveness; the row
// only remembers the platform a given runner id last advertised and when
// it was last observed.
type Record struct {
	ID         uuid.UUID    `db:"id"`
	Platform   job.Platform `db:"platform"`
	LastSeenAt time.Time    `db:"last_seen_at"`
	CreatedAt  time.Time    `db:"created_at"`
}

// RecordStore persists Runner records and backs RunnerLookup.
type RecordStore struct {
	db *sqlx.DB
}

// NewRecordStore wraps an open database handle.
func NewRecordStore(db *sqlx.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Connect creates (or refreshes) a runner row for a newly connected agent.
func (s *RecordStore) Connect(ctx context.Context, runnerID uuid.UUID, platform job.Platform) error {
	const q = `
		INSERT INTO runners (id, platform, last_seen_at, created_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (id) DO UPDATE SET platform = $2, last_seen_at = now()
	`
	_, err := s.db.ExecContext(ctx, q, runnerID, platform)
	return trace.Wrap(err)
}

// Disconnect bumps last_seen_at to "now", recording the last moment the
// runner was observed alive (spec §3: "bumped on disconnect").
func (s *RecordStore) Disconnect(ctx context.Context, runnerID uuid.UUID) error {
	const q = `UPDATE runners SET last_seen_at = now() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, runnerID)
	return trace.Wrap(err)
}

// PlatformOf implements RunnerLookup.
func (s *RecordStore) PlatformOf(ctx context.Context, runnerID uuid.UUID) (job.Platform, bool, error) {
	const q = `SELECT platform FROM runners WHERE id = $1`
	var p job.Platform
	err := s.db.GetContext(ctx, &p, q, runnerID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	return p, true, nil
}

// NewRunnerID mints a fresh time-ordered runner id. The websocket server
// calls it for every incoming connection; agents do not send an id.
func NewRunnerID() uuid.UUID {
	return timeid.New()
}
