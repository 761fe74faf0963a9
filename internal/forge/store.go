package forge

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jmoiron/sqlx"

	"github.com/nixci/runner/internal/timeid"
)

// Store persists Owner/Installation/Repo and resolves Account profiles.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// UpsertOwner inserts or updates an Owner keyed by its forge id.
func (s *Store) UpsertOwner(ctx context.Context, forgeID int64, login string) (*Owner, error) {
	const q = `
		INSERT INTO owners (id, forge_id, login, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (forge_id) DO UPDATE SET login = $3
		RETURNING id, forge_id, login, created_at
	`
	var o Owner
	row := s.db.QueryRowxContext(ctx, q, timeid.New(), forgeID, login)
	if err := row.Scan(&o.ID, &o.ForgeID, &o.Login, &o.CreatedAt); err != nil {
		return nil, trace.Wrap(err, "upserting owner %v", forgeID)
	}
	return &o, nil
}

// UpsertInstallation inserts or updates an Installation, leaving Disabled
// untouched unless explicitly set true by the caller (install created
// always starts enabled per spec §4.3).
func (s *Store) UpsertInstallation(ctx context.Context, ownerID uuid.UUID, forgeID int64) (*Installation, error) {
	const q = `
		INSERT INTO installations (id, owner_id, forge_id, disabled, created_at)
		VALUES ($1, $2, $3, false, now())
		ON CONFLICT (forge_id) DO UPDATE SET owner_id = $2
		RETURNING id, owner_id, forge_id, disabled, created_at
	`
	var i Installation
	row := s.db.QueryRowxContext(ctx, q, timeid.New(), ownerID, forgeID)
	if err := row.Scan(&i.ID, &i.OwnerID, &i.ForgeID, &i.Disabled, &i.CreatedAt); err != nil {
		return nil, trace.Wrap(err, "upserting installation %v", forgeID)
	}
	return &i, nil
}

// SetInstallationDisabled flips Installation.Disabled by forge id.
func (s *Store) SetInstallationDisabled(ctx context.Context, forgeID int64, disabled bool) error {
	const q = `UPDATE installations SET disabled = $2 WHERE forge_id = $1`
	_, err := s.db.ExecContext(ctx, q, forgeID, disabled)
	return trace.Wrap(err)
}

// UpsertRepo inserts or updates a Repo under an installation. CloneURL is
// built once here from the owner's login and the repo name, the only point
// in the install flow where both are in hand together.
func (s *Store) UpsertRepo(ctx context.Context, ownerID, installationID uuid.UUID, forgeRepoID int64, ownerLogin, name string) (*Repo, error) {
	cloneURL := fmt.Sprintf("https://github.com/%s/%s.git", ownerLogin, name)
	const q = `
		INSERT INTO repos (id, owner_id, installation_id, forge_repo_id, name, clone_url, disabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, now())
		ON CONFLICT (forge_repo_id) DO UPDATE SET name = $5, clone_url = $6, disabled = false
		RETURNING id, owner_id, installation_id, forge_repo_id, name, clone_url, disabled, created_at
	`
	var r Repo
	row := s.db.QueryRowxContext(ctx, q, timeid.New(), ownerID, installationID, forgeRepoID, name, cloneURL)
	if err := row.Scan(&r.ID, &r.OwnerID, &r.InstallationID, &r.ForgeRepoID, &r.Name, &r.CloneURL, &r.Disabled, &r.CreatedAt); err != nil {
		return nil, trace.Wrap(err, "upserting repo %v", forgeRepoID)
	}
	return &r, nil
}

// SetRepoDisabled flips Repo.Disabled by forge repo id (install
// repositories added/removed, spec §4.3).
func (s *Store) SetRepoDisabled(ctx context.Context, forgeRepoID int64, disabled bool) error {
	const q = `UPDATE repos SET disabled = $2 WHERE forge_repo_id = $1`
	_, err := s.db.ExecContext(ctx, q, forgeRepoID, disabled)
	return trace.Wrap(err)
}

// RepoByForgeID looks up a tracked repo by its forge-assigned id.
func (s *Store) RepoByForgeID(ctx context.Context, forgeRepoID int64) (*Repo, error) {
	const q = `SELECT id, owner_id, installation_id, forge_repo_id, name, clone_url, disabled, created_at FROM repos WHERE forge_repo_id = $1`
	var r Repo
	if err := s.db.GetContext(ctx, &r, q, forgeRepoID); err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("repo %v not tracked", forgeRepoID)
		}
		return nil, trace.Wrap(err)
	}
	return &r, nil
}

// RepoByOwnerAndName resolves a tracked repo by its owner login and repo
// name, the lookup the REST surface takes off the URL path (spec §6).
func (s *Store) RepoByOwnerAndName(ctx context.Context, ownerLogin, name string) (*Repo, error) {
	const q = `
		SELECT r.id, r.owner_id, r.installation_id, r.forge_repo_id, r.name, r.clone_url, r.disabled, r.created_at
		FROM repos r JOIN owners o ON o.id = r.owner_id
		WHERE o.login = $1 AND r.name = $2
	`
	var r Repo
	if err := s.db.GetContext(ctx, &r, q, ownerLogin, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("repo %s/%s not found", ownerLogin, name)
		}
		return nil, trace.Wrap(err)
	}
	return &r, nil
}

// ListReposForAccount lists every enabled repo under an owner the account
// is entitled to see. Entitlement itself (installation membership) is left
// to the Authenticator seam; this lists every tracked, enabled repo.
func (s *Store) ListReposForAccount(ctx context.Context) ([]Repo, error) {
	const q = `
		SELECT id, owner_id, installation_id, forge_repo_id, name, clone_url, disabled, created_at
		FROM repos WHERE disabled = false ORDER BY name ASC
	`
	var repos []Repo
	if err := s.db.SelectContext(ctx, &repos, q); err != nil {
		return nil, trace.Wrap(err)
	}
	return repos, nil
}

// CreateCheckRunLink records the external check-run a job mirrors status
// into (spec §4.3: one check-run created per job at dispatch time).
func (s *Store) CreateCheckRunLink(ctx context.Context, jobID, commitID uuid.UUID, externalCheckRunID string) error {
	const q = `
		INSERT INTO job_commit_links (job_id, commit_id, external_check_run_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE SET external_check_run_id = $3
	`
	_, err := s.db.ExecContext(ctx, q, jobID, commitID, externalCheckRunID)
	return trace.Wrap(err)
}

// ExternalCheckRunID looks up the check-run a job mirrors status into, if
// any (forge-originated jobs only; jobs created outside a webhook have
// none).
func (s *Store) ExternalCheckRunID(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	const q = `SELECT external_check_run_id FROM job_commit_links WHERE job_id = $1`
	var id string
	err := s.db.GetContext(ctx, &id, q, jobID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	return id, true, nil
}

// Account fetches an account profile by id, including its role tags.
func (s *Store) Account(ctx context.Context, id uuid.UUID) (*Account, error) {
	const q = `SELECT id, email, name, avatar_url, created_at FROM accounts WHERE id = $1`
	var a Account
	if err := s.db.GetContext(ctx, &a, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("account %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	const rolesQ = `SELECT role FROM account_roles WHERE account_id = $1`
	if err := s.db.SelectContext(ctx, &a.Roles, rolesQ, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return &a, nil
}
