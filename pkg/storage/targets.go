package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

// CreateTarget inserts a target row.
func CreateTarget(tx *gorm.DB, target *types.TargetResource) error {
	return translate(tx.Create(target).Error, "target")
}

// GetTarget fetches one target row by uuid.
func GetTarget(tx *gorm.DB, id uuid.UUID) (*types.TargetResource, error) {
	var t types.TargetResource
	if err := tx.Where("uuid = ?", id).First(&t).Error; err != nil {
		return nil, translate(err, "target")
	}
	return &t, nil
}

// ListTargets fetches targets of one kind, optionally scoped to a project.
func ListTargets(tx *gorm.DB, kind types.Kind, project *uuid.UUID) ([]types.TargetResource, error) {
	q := tx.Where("kind = ?", kind).Order("created_at, uuid")
	if project != nil {
		q = q.Where("project_id = ?", *project)
	}
	var out []types.TargetResource
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// TargetsByParent fetches the fan-out children of a relational parent.
func TargetsByParent(tx *gorm.DB, parent uuid.UUID) ([]types.TargetResource, error) {
	var out []types.TargetResource
	err := tx.Where("parent_uuid = ?", parent).Order("created_at, uuid").Find(&out).Error
	return out, err
}

// TargetsByAgent fetches the targets assigned to one agent for one kind.
// DELETING rows are included: the agent must still tear them down.
func TargetsByAgent(tx *gorm.DB, agent uuid.UUID, kind types.Kind) ([]types.TargetResource, error) {
	var out []types.TargetResource
	err := tx.Where("agent_uuid = ? AND kind = ?", agent, kind).
		Order("created_at, uuid").Find(&out).Error
	return out, err
}

// ClaimCandidates returns unclaimed work for the given kinds: NEW targets
// and IN_PROGRESS targets whose lease expired, oldest first, ties broken by
// uuid. Targets backing off (next_attempt_at in the future) are skipped.
func ClaimCandidates(tx *gorm.DB, kinds []types.Kind, now time.Time, limit int) ([]types.TargetResource, error) {
	var out []types.TargetResource
	err := tx.Where("kind IN ?", kinds).
		Where("status = ? OR (status = ? AND claimed_until < ?)",
			types.StatusNew, types.StatusInProgress, now).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("created_at, uuid").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ClaimTarget moves one candidate to IN_PROGRESS under a lease. The version
// check makes concurrent claimers lose with Conflict.
func ClaimTarget(tx *gorm.DB, target *types.TargetResource, until time.Time) error {
	return CASUpdate[types.TargetResource](tx, target.UUID, target.Version, map[string]any{
		"status":        types.StatusInProgress,
		"claimed_until": until,
	})
}

// AssignTarget records the scheduling decision on a claimed target.
func AssignTarget(tx *gorm.DB, target *types.TargetResource, agent uuid.UUID) error {
	return CASUpdate[types.TargetResource](tx, target.UUID, target.Version, map[string]any{
		"agent_uuid": agent,
	})
}

// ReleaseTarget puts a claimed target back to NEW with a retry backoff and
// an incremented attempt counter.
func ReleaseTarget(tx *gorm.DB, target *types.TargetResource, nextAttempt time.Time, reason string) error {
	return CASUpdate[types.TargetResource](tx, target.UUID, target.Version, map[string]any{
		"status":             types.StatusNew,
		"status_description": reason,
		"claimed_until":      nil,
		"next_attempt_at":    nextAttempt,
		"attempts":           target.Attempts + 1,
	})
}

// UpdateTargetStatus transitions the lifecycle status with CAS semantics.
func UpdateTargetStatus(tx *gorm.DB, target *types.TargetResource, status types.Status, reason string) error {
	return CASUpdate[types.TargetResource](tx, target.UUID, target.Version, map[string]any{
		"status":             status,
		"status_description": reason,
	})
}

// UpdateTargetSpec replaces the desired payload under CAS. The caller passes
// the rendered JSON and its content hash.
func UpdateTargetSpec(tx *gorm.DB, target *types.TargetResource, spec, fullHash string) error {
	return CASUpdate[types.TargetResource](tx, target.UUID, target.Version, map[string]any{
		"spec":      spec,
		"full_hash": fullHash,
		"status":    types.StatusNew,
	})
}

// MarkTargetDeleting transitions a target into the terminal DELETING state.
func MarkTargetDeleting(tx *gorm.DB, target *types.TargetResource) error {
	if target.Status == types.StatusDeleting {
		return nil
	}
	return CASUpdate[types.TargetResource](tx, target.UUID, target.Version, map[string]any{
		"status":             types.StatusDeleting,
		"status_description": "",
	})
}

// DeleteTarget removes the row physically. Only DELETING rows whose actual
// is gone should reach this.
func DeleteTarget(tx *gorm.DB, id uuid.UUID) error {
	return Delete[types.TargetResource](tx, id)
}

// TargetsWithoutActuals returns targets of the kinds that have no matching
// actual row yet.
func TargetsWithoutActuals(tx *gorm.DB, kinds []types.Kind) ([]types.TargetResource, error) {
	var out []types.TargetResource
	err := tx.Where("kind IN ?", kinds).
		Where("NOT EXISTS (SELECT 1 FROM actuals WHERE actuals.uuid = targets.uuid)").
		Order("created_at, uuid").
		Find(&out).Error
	return out, err
}

// DeletingTargets returns DELETING rows of the kinds; the finalize pass
// removes those whose actual disappeared.
func DeletingTargets(tx *gorm.DB, kinds []types.Kind) ([]types.TargetResource, error) {
	var out []types.TargetResource
	err := tx.Where("kind IN ? AND status = ?", kinds, types.StatusDeleting).
		Order("created_at, uuid").
		Find(&out).Error
	return out, err
}

// TargetsInState returns targets of the kinds in one lifecycle state.
func TargetsInState(tx *gorm.DB, kinds []types.Kind, status types.Status) ([]types.TargetResource, error) {
	var out []types.TargetResource
	err := tx.Where("kind IN ? AND status = ?", kinds, status).
		Order("created_at, uuid").
		Find(&out).Error
	return out, err
}

// TargetsInStateOlderThan returns targets stuck in a state since before the
// cutoff.
func TargetsInStateOlderThan(tx *gorm.DB, status types.Status, cutoff time.Time) ([]types.TargetResource, error) {
	var out []types.TargetResource
	err := tx.Where("status = ? AND updated_at < ?", status, cutoff).
		Order("created_at, uuid").
		Find(&out).Error
	return out, err
}

// CountAssigned returns the number of outstanding targets assigned to the
// agent. The scheduler uses it as the load signal.
func CountAssigned(tx *gorm.DB, agent uuid.UUID) (int64, error) {
	var n int64
	err := tx.Model(&types.TargetResource{}).
		Where("agent_uuid = ? AND status <> ?", agent, types.StatusActive).
		Count(&n).Error
	return n, err
}

// GetActual fetches the actual row paired with a target uuid.
func GetActual(tx *gorm.DB, id uuid.UUID) (*types.ActualResource, error) {
	var a types.ActualResource
	if err := tx.Where("uuid = ?", id).First(&a).Error; err != nil {
		return nil, translate(err, "actual")
	}
	return &a, nil
}

// ListActualsByAgent fetches everything one agent reported for one kind.
func ListActualsByAgent(tx *gorm.DB, agent uuid.UUID, kind types.Kind) ([]types.ActualResource, error) {
	var out []types.ActualResource
	err := tx.Where("agent_uuid = ? AND kind = ?", agent, kind).
		Order("created_at, uuid").Find(&out).Error
	return out, err
}

// UpsertActual records an agent observation, replacing any previous report
// for the same uuid.
func UpsertActual(tx *gorm.DB, actual *types.ActualResource) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "project_id", "target_version", "status",
			"status_description", "spec", "full_hash", "agent_uuid",
			"observed_at", "updated_at",
		}),
	}).Create(actual).Error
}

// DeleteActual removes an observation; used when the agent reports the
// resource gone and by orphan collection.
func DeleteActual(tx *gorm.DB, id uuid.UUID) error {
	res := tx.Where("uuid = ?", id).Delete(&types.ActualResource{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errdefs.NotFoundf("actual %s not found", id)
	}
	return nil
}

// OrphanActuals returns observations whose target row is gone. They are
// garbage to be torn down.
func OrphanActuals(tx *gorm.DB, kinds []types.Kind) ([]types.ActualResource, error) {
	var out []types.ActualResource
	err := tx.Where("kind IN ?", kinds).
		Where("NOT EXISTS (SELECT 1 FROM targets WHERE targets.uuid = actuals.uuid)").
		Order("created_at, uuid").
		Find(&out).Error
	return out, err
}
