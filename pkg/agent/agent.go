package agent

import (
	"context"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/driver"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/log"
	"github.com/infraguys/genesis-core/pkg/metrics"
	"github.com/infraguys/genesis-core/pkg/types"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// ControlPlane is the slice of the control-plane client the agent needs.
type ControlPlane interface {
	RegisterAgent(ctx context.Context, agent *types.Agent) error
	Heartbeat(ctx context.Context, agent uuid.UUID) error
	Targets(ctx context.Context, agent uuid.UUID, kind types.Kind) ([]types.Resource, error)
	PushActuals(ctx context.Context, agent uuid.UUID, kind types.Kind, actuals []types.Resource) error
}

// Agent is the universal per-node reconciler: it advertises its driver
// capabilities, pulls assigned targets per kind, converges local state
// through the drivers and reports the resulting actuals.
type Agent struct {
	id      uuid.UUID
	name    string
	client  ControlPlane
	drivers map[types.Kind]driver.Driver
	period  time.Duration
	jitter  float64

	locks *keyMutex

	mu      sync.Mutex
	backoff map[uuid.UUID]backoffState

	stopCh chan struct{}
	doneCh chan struct{}
}

type backoffState struct {
	attempts int
	until    time.Time
}

// New builds an agent over the client and drivers. The identity comes from
// configuration or, when absent, from the machine identity so re-registration
// after a restart converges on the same row.
func New(cfg config.UniversalAgent, cp ControlPlane, drivers []driver.Driver) (*Agent, error) {
	id, err := identity(cfg)
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name, _ = os.Hostname()
	}

	byKind := make(map[types.Kind]driver.Driver)
	for _, d := range drivers {
		for _, k := range d.Kinds() {
			if _, dup := byKind[k]; dup {
				return nil, errdefs.Validationf("kind %s served by two drivers", k)
			}
			byKind[k] = d
		}
	}

	return &Agent{
		id:      id,
		name:    name,
		client:  cp,
		drivers: byKind,
		period:  cfg.IterPeriod,
		jitter:  cfg.IterJitter,
		locks:   newKeyMutex(),
		backoff: make(map[uuid.UUID]backoffState),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// UUID returns the agent identity.
func (a *Agent) UUID() uuid.UUID { return a.id }

// Capabilities lists the kinds the agent's drivers serve.
func (a *Agent) Capabilities() []string {
	out := make([]string, 0, len(a.drivers))
	for k := range a.drivers {
		out = append(out, string(k))
	}
	return out
}

// Start registers the agent and runs the iteration loop until Stop. The
// first registration must succeed; later failures only log, the loop keeps
// going.
func (a *Agent) Start(ctx context.Context) error {
	logger := log.WithAgent(a.id)
	if err := a.register(ctx); err != nil {
		return err
	}
	logger.Info().Strs("capabilities", a.Capabilities()).Msg("agent registered")

	go a.run(ctx, logger)
	return nil
}

// Stop terminates the loop and waits for the running iteration to finish.
func (a *Agent) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *Agent) run(ctx context.Context, logger zerolog.Logger) {
	defer close(a.doneCh)

	for {
		timer := time.NewTimer(a.tick())
		select {
		case <-timer.C:
			if err := a.Iterate(ctx); err != nil {
				logger.Error().Err(err).Msg("iteration failed")
			}
		case <-a.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// tick is the iteration period with ±jitter so a fleet of agents does not
// synchronize against the control plane.
func (a *Agent) tick() time.Duration {
	if a.jitter <= 0 {
		return a.period
	}
	spread := 1 + a.jitter*(2*rand.Float64()-1)
	return time.Duration(float64(a.period) * spread)
}

// Iterate runs one reconciliation pass: refresh liveness, then sync every
// driver kind in parallel. Exported so tests can drive passes synchronously.
func (a *Agent) Iterate(ctx context.Context) error {
	metrics.AgentIterations.Inc()

	if err := a.client.Heartbeat(ctx, a.id); err != nil {
		// The control plane may have lost the registration, e.g. after a
		// database restore. Re-register instead of beating a dead row.
		if !errdefs.IsNotFound(err) {
			return err
		}
		if err := a.register(ctx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(a.drivers))
	for kind, drv := range a.drivers {
		wg.Add(1)
		go func(kind types.Kind, drv driver.Driver) {
			defer wg.Done()
			if err := a.syncKind(ctx, kind, drv); err != nil {
				errCh <- err
			}
		}(kind, drv)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// register creates or refreshes the agent record; the heartbeat piggybacks
// on it.
func (a *Agent) register(ctx context.Context) error {
	return a.client.RegisterAgent(ctx, &types.Agent{
		UUID:          a.id,
		Name:          a.name,
		NodeUUID:      a.id,
		Capabilities:  a.Capabilities(),
		Status:        types.AgentStatusActive,
		LastHeartbeat: time.Now().UTC(),
	})
}

// syncKind converges one kind: diff assigned targets against local actuals
// by uuid and let the driver close the gap, then report the surviving
// actual set.
func (a *Agent) syncKind(ctx context.Context, kind types.Kind, drv driver.Driver) error {
	logger := log.WithAgent(a.id).With().Str("kind", string(kind)).Logger()

	targets, err := a.client.Targets(ctx, a.id, kind)
	if err != nil {
		return err
	}
	actuals, err := drv.ListActual(ctx, uuid.Nil)
	if err != nil {
		return err
	}

	byUUID := make(map[uuid.UUID]types.Resource, len(actuals))
	for _, act := range actuals {
		byUUID[act.UUID] = act
	}

	report := make(map[uuid.UUID]types.Resource, len(actuals))
	for id, act := range byUUID {
		report[id] = act
	}

	for _, target := range targets {
		a.locks.Lock(target.UUID)
		res, keep := a.syncOne(ctx, kind, drv, target, byUUID, logger)
		if keep {
			report[target.UUID] = res
		} else {
			delete(report, target.UUID)
		}
		a.locks.Unlock(target.UUID)
	}

	out := make([]types.Resource, 0, len(report))
	for _, res := range report {
		out = append(out, res)
	}
	return a.client.PushActuals(ctx, a.id, kind, out)
}

// syncOne converges one target and returns the actual to report, if any.
func (a *Agent) syncOne(
	ctx context.Context,
	kind types.Kind,
	drv driver.Driver,
	target types.Resource,
	actuals map[uuid.UUID]types.Resource,
	logger zerolog.Logger,
) (types.Resource, bool) {
	prior, exists := actuals[target.UUID]

	if a.backingOff(target.UUID) {
		return prior, exists
	}

	opCtx, cancel := context.WithTimeout(ctx, driver.Timeout(kind))
	defer cancel()

	if target.Status == types.StatusDeleting {
		if !exists {
			return types.Resource{}, false
		}
		if err := a.timedOp(kind, "delete", func() error { return drv.Delete(opCtx, prior) }); err != nil {
			return a.failure(kind, target, prior, exists, err, logger)
		}
		a.clearBackoff(target.UUID)
		logger.Info().Str("resource_uuid", target.UUID.String()).Msg("resource removed")
		return types.Resource{}, false
	}

	var (
		res types.Resource
		err error
	)
	switch {
	case !exists:
		err = a.timedOp(kind, "create", func() error {
			res, err = drv.Create(opCtx, target)
			return err
		})
	default:
		targetHash, herr := target.FullHash()
		if herr != nil {
			return a.failure(kind, target, prior, exists, errdefs.Wrapf(errdefs.ErrPermanent, herr, "hash target"), logger)
		}
		actualHash, herr := prior.FullHash()
		if herr != nil {
			actualHash = ""
		}
		if targetHash == actualHash {
			res = prior
			res.Version = target.Version
			res.Status = types.StatusActive
			return res, true
		}
		err = a.timedOp(kind, "update", func() error {
			res, err = drv.Update(opCtx, target, prior)
			return err
		})
	}
	if err != nil {
		return a.failure(kind, target, prior, exists, err, logger)
	}

	a.clearBackoff(target.UUID)
	res.Version = target.Version
	res.Status = types.StatusActive
	return res, true
}

// failure classifies a driver error: Permanent failures are reported as an
// ERROR actual so the control plane can park the target, Transient ones set
// a per-resource backoff and keep the last known actual.
func (a *Agent) failure(
	kind types.Kind,
	target, prior types.Resource,
	exists bool,
	err error,
	logger zerolog.Logger,
) (types.Resource, bool) {
	if errdefs.IsTransient(err) {
		a.setBackoff(target.UUID)
		logger.Warn().Err(err).Str("resource_uuid", target.UUID.String()).Msg("transient failure, backing off")
		return prior, exists
	}

	logger.Error().Err(err).Str("resource_uuid", target.UUID.String()).Msg("permanent failure")
	res := prior
	if !exists {
		res = types.Resource{
			UUID:      target.UUID,
			Kind:      kind,
			ProjectID: target.ProjectID,
			Spec:      target.Spec,
		}
	}
	res.Version = target.Version
	res.Status = types.StatusError
	res.StatusDescription = err.Error()
	return res, true
}

func (a *Agent) timedOp(kind types.Kind, op string, fn func() error) error {
	timer := metrics.NewTimer()
	err := fn()
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.DriverOperations.WithLabelValues(string(kind), op, result).Inc()
	timer.ObserveDuration(metrics.DriverOperationDuration.WithLabelValues(string(kind), op))
	return err
}

func (a *Agent) backingOff(id uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.backoff[id]
	return ok && time.Now().Before(st.until)
}

func (a *Agent) setBackoff(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.backoff[id]
	st.attempts++
	d := backoffBase
	for i := 1; i < st.attempts && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 0.75 + rand.Float64()*0.5
	st.until = time.Now().Add(time.Duration(float64(d) * jitter))
	a.backoff[id] = st
}

func (a *Agent) clearBackoff(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.backoff, id)
}

// identity resolves the agent uuid: explicit configuration wins, otherwise
// it is derived from the machine id so the same host always registers as
// the same agent.
func identity(cfg config.UniversalAgent) (uuid.UUID, error) {
	if cfg.UUID != "" {
		return uuid.Parse(cfg.UUID)
	}
	raw, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			return uuid.Nil, errdefs.Wrapf(errdefs.ErrPermanent, err, "derive agent identity")
		}
		raw = []byte(host)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.TrimSpace(string(raw)))), nil
}
