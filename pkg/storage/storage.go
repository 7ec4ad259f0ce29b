// Package storage defines the persistence port for agents and revocation
// entries. Implementations must provide serializable writes keyed by the
// canonical ans_name (one row per registered version), an index over
// agent_id, and deterministic (ans_name ascending) ordering for queries.
package storage

import (
	"context"

	"github.com/agentns/ans/pkg/models"
)

// Filter selects agents for Query. Empty or "*" fields match anything.
type Filter struct {
	Protocol        string
	Capability      string
	Provider        string
	AgentID         string
	IncludeInactive bool
}

// Store is the persistence port.
type Store interface {
	// PutAgent inserts a new registration. Fails with AlreadyRegistered
	// when the ans_name is taken.
	PutAgent(ctx context.Context, a *models.Agent) error

	// GetByANSName fetches a registration by its canonical name. NotFound
	// when absent.
	GetByANSName(ctx context.Context, ansName string) (*models.Agent, error)

	// GetByID lists every registered version for an agent id, ordered by
	// ans_name ascending. NotFound when the id is unknown.
	GetByID(ctx context.Context, agentID string) ([]*models.Agent, error)

	// Query lists agents matching f ordered by ans_name ascending, at most
	// limit entries (limit <= 0 means no limit).
	Query(ctx context.Context, f Filter, limit int) ([]*models.Agent, error)

	// UpdateAgent overwrites the registration with the same ans_name.
	// NotFound when absent.
	UpdateAgent(ctx context.Context, a *models.Agent) error

	// PutRevocation inserts a revocation entry; inserting the same serial
	// twice keeps the first entry.
	PutRevocation(ctx context.Context, e *models.RevocationEntry) error

	// GetRevocation fetches the entry for serial, or NotFound.
	GetRevocation(ctx context.Context, serial string) (*models.RevocationEntry, error)

	// ListRevocations returns all revocation entries ordered by serial.
	ListRevocations(ctx context.Context) ([]*models.RevocationEntry, error)
}
