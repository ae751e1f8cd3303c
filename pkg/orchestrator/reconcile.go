package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/metrics"
	"github.com/infraguys/genesis-core/pkg/scheduler"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// claimAndPlace takes a batch of unclaimed work under lease and routes every
// claimed target to an agent. Targets no agent can take go back to NEW with
// a retry backoff; targets past the attempt budget land in ERROR.
func (o *Orchestrator) claimAndPlace(ctx context.Context, fam family, now time.Time) error {
	return o.store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		candidates, err := storage.ClaimCandidates(tx, fam.kinds, now, o.cfg.ClaimBatch)
		if err != nil {
			return err
		}

		for i := range candidates {
			target := &candidates[i]

			if target.Attempts >= o.cfg.MaxAttempts {
				reason := fmt.Sprintf("gave up after %d attempts: %s", target.Attempts, target.StatusDescription)
				if err := storage.UpdateTargetStatus(tx, target, types.StatusError, reason); err != nil {
					return err
				}
				metrics.TargetTransitions.WithLabelValues(string(target.Kind), string(types.StatusError)).Inc()
				continue
			}

			if err := storage.ClaimTarget(tx, target, now.Add(o.cfg.LeaseTTL)); err != nil {
				if errdefs.IsConflict(err) || errdefs.IsNotFound(err) {
					continue
				}
				return err
			}
			target.Version++
			target.Status = types.StatusInProgress
			metrics.TargetsClaimed.WithLabelValues(string(target.Kind)).Inc()

			if target.AgentUUID != nil {
				continue
			}
			agent, err := o.sched.Schedule(tx, target, now)
			switch {
			case errors.Is(err, scheduler.ErrNoAgent):
				next := now.Add(retryBackoff(target.Attempts))
				if err := storage.ReleaseTarget(tx, target, next, "no eligible agent"); err != nil {
					return err
				}
				continue
			case err != nil:
				return err
			}
			if err := storage.AssignTarget(tx, target, agent.UUID); err != nil {
				return err
			}
			target.Version++
		}
		return nil
	})
}

// converge moves claimed targets whose actual caught up to ACTIVE and
// surfaces permanent driver failures as ERROR.
func (o *Orchestrator) converge(ctx context.Context, fam family) error {
	return o.store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		claimed, err := storage.TargetsInState(tx, fam.kinds, types.StatusInProgress)
		if err != nil {
			return err
		}

		for i := range claimed {
			target := &claimed[i]
			actual, err := storage.GetActual(tx, target.UUID)
			switch {
			case errdefs.IsNotFound(err):
				continue
			case err != nil:
				return err
			}

			switch {
			case actual.Status == types.StatusError:
				if err := storage.UpdateTargetStatus(tx, target, types.StatusError, actual.StatusDescription); err != nil {
					return err
				}
				metrics.TargetTransitions.WithLabelValues(string(target.Kind), string(types.StatusError)).Inc()
			case actual.TargetVersion >= target.Version && actual.Status == types.StatusActive:
				if err := storage.UpdateTargetStatus(tx, target, types.StatusActive, ""); err != nil {
					return err
				}
				metrics.TargetTransitions.WithLabelValues(string(target.Kind), string(types.StatusActive)).Inc()
			}
		}
		return nil
	})
}

// finalizeDeletes physically removes DELETING targets whose actual is gone,
// then collects relational parents left without children. Dependents always
// disappear before their parents this way.
func (o *Orchestrator) finalizeDeletes(ctx context.Context, fam family) error {
	return o.store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		deleting, err := storage.DeletingTargets(tx, fam.kinds)
		if err != nil {
			return err
		}

		for i := range deleting {
			target := &deleting[i]
			_, err := storage.GetActual(tx, target.UUID)
			switch {
			case errdefs.IsNotFound(err):
				if err := storage.DeleteTarget(tx, target.UUID); err != nil && !errdefs.IsNotFound(err) {
					return err
				}
				metrics.TargetTransitions.WithLabelValues(string(target.Kind), "deleted").Inc()
			case err != nil:
				return err
			}
		}

		return o.finalizeParents(tx, fam)
	})
}

// collectOrphans schedules teardown for actuals whose target vanished without
// the DELETING handshake: a DELETING marker target bound to the reporting
// agent makes the agent remove the resource on its next iteration.
func (o *Orchestrator) collectOrphans(ctx context.Context, fam family) error {
	return o.store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		orphans, err := storage.OrphanActuals(tx, fam.kinds)
		if err != nil {
			return err
		}

		for i := range orphans {
			a := &orphans[i]
			agent := a.AgentUUID
			marker := &types.TargetResource{
				UUID:      a.UUID,
				Kind:      a.Kind,
				ProjectID: a.ProjectID,
				Version:   a.TargetVersion + 1,
				Status:    types.StatusDeleting,
				Spec:      a.Spec,
				FullHash:  a.FullHash,
				AgentUUID: &agent,
				CreatedAt: time.Now().UTC(),
				UpdatedAt: time.Now().UTC(),
			}
			if err := storage.CreateTarget(tx, marker); err != nil && !errdefs.IsConflict(err) {
				return err
			}
		}
		return nil
	})
}

// retryBackoff is the scheduling retry delay: exponential from 1s capped at
// 60s with ±25% jitter.
func retryBackoff(attempts int) time.Duration {
	d := backoffBase
	for i := 0; i < attempts && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
