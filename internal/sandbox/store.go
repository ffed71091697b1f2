package sandbox

import (
	"context"
	"time"

	"github.com/shopboxhq/shopbox/pkg/types"
)

// RecordStore is the persistence interface the core consumes. The database
// layer (PostgreSQL or SQLite) implements it; the core never assumes more
// than these operations.
type RecordStore interface {
	// CreateInstance persists a new instance record.
	CreateInstance(ctx context.Context, inst *types.Instance) error

	// GetInstance returns the record with the given id owned by ownerID,
	// or nil if no such record exists. A record owned by a different owner
	// is reported as absent.
	GetInstance(ctx context.Context, id, ownerID string) (*types.Instance, error)

	// ListInstances returns the owner's records, newest first. With
	// activeOnly set, only creating/running records are returned.
	ListInstances(ctx context.Context, ownerID string, activeOnly bool) ([]types.Instance, error)

	// UpdateStatus transitions a record. stoppedAt is only set for terminal
	// transitions; errorMsg is only set for error transitions.
	UpdateStatus(ctx context.Context, id string, status types.InstanceStatus, stoppedAt *time.Time, errorMsg string) error

	// PortsInUse returns the set of ports held by records in the given
	// statuses, across all owners.
	PortsInUse(ctx context.Context, statuses []types.InstanceStatus) (map[int]bool, error)

	// AllContainerRefs returns the container refs of every record whose
	// status is not terminal. Containers outside this set are orphans.
	AllContainerRefs(ctx context.Context) (map[string]bool, error)

	// ListStuckCreating returns records still in creating that were created
	// before the cutoff; the reaper moves them to error.
	ListStuckCreating(ctx context.Context, olderThan time.Time) ([]types.Instance, error)
}
