package scheduler

import (
	"path"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/metrics"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

// ErrNoAgent is returned when no registered agent can take the target right
// now. It is Transient: the orchestrator backs the target off and retries.
var ErrNoAgent = errdefs.Transientf("no eligible agent")

// Scheduler picks the agent that realizes a claimed target. Selection runs
// inside the orchestrator's claim transaction so a decision and its
// assignment commit atomically.
type Scheduler struct {
	staleness time.Duration
}

// New builds a scheduler from configuration.
func New(cfg config.Scheduler) *Scheduler {
	return &Scheduler{staleness: cfg.HeartbeatStaleness}
}

// Schedule returns the agent for the target, preferring the least loaded of
// the eligible ones. Eligibility: an advertised capability glob-matches the
// target kind, the heartbeat is within the staleness bound, and node-bound
// targets only go to the agent on that node. Monopoly targets additionally
// require that no sibling of the same parent is assigned anywhere else.
func (s *Scheduler) Schedule(tx *gorm.DB, target *types.TargetResource, now time.Time) (*types.Agent, error) {
	if target.Monopoly {
		taken, err := s.monopolyTaken(tx, target)
		if err != nil {
			return nil, err
		}
		if taken {
			metrics.SchedulingDecisions.WithLabelValues("monopoly_held").Inc()
			return nil, ErrNoAgent
		}
	}

	agents, err := storage.List[types.Agent](tx, "status = ?", types.AgentStatusActive)
	if err != nil {
		return nil, err
	}

	eligible := lo.Filter(agents, func(a types.Agent, _ int) bool {
		return s.eligible(&a, target, now)
	})
	if len(eligible) == 0 {
		metrics.SchedulingDecisions.WithLabelValues("no_agent").Inc()
		return nil, ErrNoAgent
	}

	// Least outstanding work wins; the deterministic agent order from the
	// store breaks ties.
	var best *types.Agent
	bestLoad := int64(-1)
	for i := range eligible {
		load, err := storage.CountAssigned(tx, eligible[i].UUID)
		if err != nil {
			return nil, err
		}
		if bestLoad < 0 || load < bestLoad {
			best = &eligible[i]
			bestLoad = load
		}
	}

	metrics.SchedulingDecisions.WithLabelValues("assigned").Inc()
	return best, nil
}

func (s *Scheduler) eligible(a *types.Agent, target *types.TargetResource, now time.Time) bool {
	if a.Stale(now, s.staleness) {
		return false
	}
	if target.NodeUUID != nil && a.NodeUUID != *target.NodeUUID {
		return false
	}
	return MatchCapability(a.Capabilities, target.Kind)
}

// monopolyTaken reports whether another row of the same monopoly group is
// already assigned to an agent.
func (s *Scheduler) monopolyTaken(tx *gorm.DB, target *types.TargetResource) (bool, error) {
	if target.ParentUUID == nil {
		return false, nil
	}
	var n int64
	err := tx.Model(&types.TargetResource{}).
		Where("parent_uuid = ? AND monopoly = ? AND uuid <> ?", *target.ParentUUID, true, target.UUID).
		Where("agent_uuid IS NOT NULL").
		Where("status <> ?", types.StatusDeleting).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MatchCapability reports whether any advertised capability glob-matches the
// kind. Plain names match themselves; patterns use shell globs, so an agent
// advertising "em_core_*" covers every em_core kind.
func MatchCapability(capabilities []string, kind types.Kind) bool {
	for _, c := range capabilities {
		if c == string(kind) {
			return true
		}
		if ok, err := path.Match(c, string(kind)); err == nil && ok {
			return true
		}
	}
	return false
}
