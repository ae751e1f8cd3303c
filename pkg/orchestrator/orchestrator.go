package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/log"
	"github.com/infraguys/genesis-core/pkg/metrics"
	"github.com/infraguys/genesis-core/pkg/scheduler"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

// family is one orchestrator worker's slice of the kind space. Workers never
// share kinds, so two workers cannot race over the same target family.
type family struct {
	name  string
	kinds []types.Kind
}

func families() []family {
	return []family{
		{name: "compute", kinds: []types.Kind{types.KindComputeNode}},
		{name: "services", kinds: []types.Kind{types.KindServiceNode, types.KindConfig}},
		{name: "secrets", kinds: []types.Kind{types.KindPassword, types.KindCertificate}},
	}
}

// Orchestrator drives the target plane toward the declared state: it fans
// relational entities out into target rows, claims reconcilable targets,
// places them on agents and converges their lifecycle status against the
// actual plane.
type Orchestrator struct {
	store *storage.Store
	sched *scheduler.Scheduler
	cfg   config.Orchestrator

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an orchestrator over the store.
func New(store *storage.Store, sched *scheduler.Scheduler, cfg config.Orchestrator) *Orchestrator {
	return &Orchestrator{
		store:  store,
		sched:  sched,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker loops, one per kind family.
func (o *Orchestrator) Start(ctx context.Context) {
	for _, fam := range families() {
		o.wg.Add(1)
		go o.worker(ctx, fam)
	}
}

// Stop terminates the workers and waits for them to drain.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context, fam family) {
	defer o.wg.Done()
	logger := log.WithComponent("orchestrator").With().Str("family", fam.name).Logger()
	logger.Info().Strs("kinds", kindNames(fam.kinds)).Msg("worker started")

	ticker := time.NewTicker(o.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.safeCycle(ctx, fam, logger)
		case <-o.stopCh:
			logger.Info().Msg("worker stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// safeCycle runs one reconciliation cycle, containing panics so a bad target
// cannot take the worker down.
func (o *Orchestrator) safeCycle(ctx context.Context, fam family, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("reconciliation cycle panicked")
		}
	}()

	timer := metrics.NewTimer()
	if err := o.Cycle(ctx, fam); err != nil {
		logger.Error().Err(err).Msg("reconciliation cycle failed")
	}
	metrics.ReconciliationCyclesTotal.WithLabelValues(fam.name).Inc()
	timer.ObserveDuration(metrics.ReconciliationDuration.WithLabelValues(fam.name))
}

// Cycle runs the full reconciliation sequence for one family: fan-out,
// claim and placement, status convergence, delete finalization, orphan
// collection. Exported so tests can drive cycles synchronously.
func (o *Orchestrator) Cycle(ctx context.Context, fam family) error {
	now := time.Now().UTC()

	if err := o.fanOut(ctx, fam, now); err != nil {
		return err
	}
	if err := o.claimAndPlace(ctx, fam, now); err != nil {
		return err
	}
	if err := o.converge(ctx, fam); err != nil {
		return err
	}
	if err := o.finalizeDeletes(ctx, fam); err != nil {
		return err
	}
	return o.collectOrphans(ctx, fam)
}

// CycleAll runs one cycle for every family. Test helper for deterministic
// end-to-end reconciliation without the ticker.
func (o *Orchestrator) CycleAll(ctx context.Context) error {
	for _, fam := range families() {
		if err := o.Cycle(ctx, fam); err != nil {
			return err
		}
	}
	return nil
}

func kindNames(kinds []types.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
