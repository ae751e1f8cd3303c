package driver

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/infraguys/genesis-core/pkg/types"
)

// Name identifies a driver implementation in configuration
// (universal_agent.caps_drivers).
const (
	NameCoreCompute = "core_compute"
	NamePassword    = "password"
	NameCertificate = "certificate"
	NameCoreService = "core_service"
	NameCoreConfig  = "core_config"
)

// Driver realizes targets of its kinds as node-local actuals. All operations
// are idempotent on the resource uuid and safe to call concurrently with
// ListActual.
type Driver interface {
	// Kinds returns the resource kinds the driver handles. Advertised to
	// the control plane on agent registration.
	Kinds() []types.Kind

	// ListActual reports what exists locally right now. A nil project
	// selects every project.
	ListActual(ctx context.Context, project uuid.UUID) ([]types.Resource, error)

	// Create realizes a target that has no actual yet and returns the new
	// actual. Calling it again for the same uuid converges to the same
	// result.
	Create(ctx context.Context, target types.Resource) (types.Resource, error)

	// Update converges an existing actual onto a changed target. It may be
	// a no-op when the content already matches.
	Update(ctx context.Context, target, prior types.Resource) (types.Resource, error)

	// Delete tears an actual down. Deleting an already-gone resource
	// succeeds.
	Delete(ctx context.Context, actual types.Resource) error
}

// Timeout returns the per-kind operation deadline the agent applies around
// every driver call. Expired deadlines surface as Transient.
func Timeout(kind types.Kind) time.Duration {
	switch kind {
	case types.KindComputeNode:
		return 2 * time.Minute
	case types.KindCertificate:
		return time.Minute
	default:
		return 30 * time.Second
	}
}
