// Package forge owns the source-forge side of the data model (Account,
// Owner, Installation, Repo) and webhook ingestion (spec §4.3). The actual
// REST client talking to the forge is an external collaborator (spec §1,
// Non-goals) represented here only by the Client interface.
package forge

import (
	"time"

	"github.com/google/uuid"
)

// Role gates access to the beta-only API surface (spec §3: "One role gates
// access (beta_user)").
const RoleBetaUser = "beta_user"

// Account is an opaque platform identity, optionally enriched from the
// forge's profile data.
type Account struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Name      *string   `db:"name" json:"name,omitempty"`
	AvatarURL *string   `db:"avatar_url" json:"avatar_url,omitempty"`
	Roles     []string  `db:"-" json:"roles,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HasRole reports whether the account carries the given role tag.
func (a *Account) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Owner is a forge account or organization that owns one or more repos.
type Owner struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ForgeID   int64     `db:"forge_id" json:"forge_id"`
	Login     string    `db:"login" json:"login"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Installation is the forge app installation on an Owner, which can be
// disabled (deleted/suspended) without losing its Repo associations.
type Installation struct {
	ID        uuid.UUID `db:"id" json:"id"`
	OwnerID   uuid.UUID `db:"owner_id" json:"owner_id"`
	ForgeID   int64     `db:"forge_id" json:"forge_id"`
	Disabled  bool      `db:"disabled" json:"disabled"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Repo is a single tracked repository under an Owner.
type Repo struct {
	ID             uuid.UUID `db:"id" json:"id"`
	OwnerID        uuid.UUID `db:"owner_id" json:"owner_id"`
	InstallationID uuid.UUID `db:"installation_id" json:"installation_id"`
	ForgeRepoID    int64     `db:"forge_repo_id" json:"forge_repo_id"`
	Name           string    `db:"name" json:"name"`
	// CloneURL is the git remote the runner agent hands the guest driver
	// for this repo, built once at install/track time from the owner
	// login and repo name.
	CloneURL  string    `db:"clone_url" json:"clone_url"`
	Disabled  bool      `db:"disabled" json:"disabled"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
