package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/driver"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

const testKind types.Kind = "em_core_compute_nodes"

// fakePlane is an in-memory control plane: targets are seeded by the test,
// actual pushes are recorded.
type fakePlane struct {
	mu       sync.Mutex
	targets  map[types.Kind][]types.Resource
	pushed   map[types.Kind][]types.Resource
	beats    int
	notFound bool
	regs     int
}

func newFakePlane() *fakePlane {
	return &fakePlane{
		targets: make(map[types.Kind][]types.Resource),
		pushed:  make(map[types.Kind][]types.Resource),
	}
}

func (p *fakePlane) RegisterAgent(_ context.Context, _ *types.Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs++
	p.notFound = false
	return nil
}

func (p *fakePlane) Heartbeat(_ context.Context, _ uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notFound {
		return errdefs.NotFoundf("agent not registered")
	}
	p.beats++
	return nil
}

func (p *fakePlane) Targets(_ context.Context, _ uuid.UUID, kind types.Kind) ([]types.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Resource(nil), p.targets[kind]...), nil
}

func (p *fakePlane) PushActuals(_ context.Context, _ uuid.UUID, kind types.Kind, actuals []types.Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed[kind] = append([]types.Resource(nil), actuals...)
	return nil
}

func (p *fakePlane) setTargets(kind types.Kind, targets ...types.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[kind] = targets
}

func (p *fakePlane) lastPush(kind types.Kind) []types.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushed[kind]
}

// fakeDriver keeps actuals in memory and counts operations.
type fakeDriver struct {
	mu      sync.Mutex
	state   map[uuid.UUID]types.Resource
	creates int
	updates int
	deletes int
	fail    error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{state: make(map[uuid.UUID]types.Resource)}
}

func (d *fakeDriver) Kinds() []types.Kind { return []types.Kind{testKind} }

func (d *fakeDriver) ListActual(_ context.Context, _ uuid.UUID) ([]types.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.Resource, 0, len(d.state))
	for _, r := range d.state {
		out = append(out, r)
	}
	return out, nil
}

func (d *fakeDriver) Create(_ context.Context, target types.Resource) (types.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creates++
	if d.fail != nil {
		return types.Resource{}, d.fail
	}
	res := target
	res.Status = types.StatusActive
	d.state[target.UUID] = res
	return res, nil
}

func (d *fakeDriver) Update(_ context.Context, target, _ types.Resource) (types.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates++
	if d.fail != nil {
		return types.Resource{}, d.fail
	}
	res := target
	res.Status = types.StatusActive
	d.state[target.UUID] = res
	return res, nil
}

func (d *fakeDriver) Delete(_ context.Context, actual types.Resource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes++
	delete(d.state, actual.UUID)
	return nil
}

func (d *fakeDriver) counts() (int, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creates, d.updates, d.deletes
}

func testAgentConfig() config.UniversalAgent {
	return config.UniversalAgent{
		UUID:       uuid.New().String(),
		Name:       "test-agent",
		IterPeriod: config.DefaultAgent().UniversalAgent.IterPeriod,
	}
}

func newTestAgent(t *testing.T, plane ControlPlane, drv driver.Driver) *Agent {
	t.Helper()
	a, err := New(testAgentConfig(), plane, []driver.Driver{drv})
	require.NoError(t, err)
	return a
}

func target(id uuid.UUID, version int64, spec string) types.Resource {
	return types.Resource{
		UUID:    id,
		Kind:    testKind,
		Version: version,
		Status:  types.StatusNew,
		Spec:    json.RawMessage(spec),
	}
}

func TestIterateCreatesAndConverges(t *testing.T) {
	plane := newFakePlane()
	drv := newFakeDriver()
	a := newTestAgent(t, plane, drv)

	id := uuid.New()
	plane.setTargets(testKind, target(id, 1, `{"cores":2}`))

	// Repeated iterations must settle: one create, then no further driver
	// calls while the target is unchanged.
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Iterate(context.Background()))
	}

	creates, updates, deletes := drv.counts()
	require.Equal(t, 1, creates)
	require.Zero(t, updates)
	require.Zero(t, deletes)

	pushed := plane.lastPush(testKind)
	require.Len(t, pushed, 1)
	require.Equal(t, id, pushed[0].UUID)
	require.Equal(t, types.StatusActive, pushed[0].Status)
	require.Equal(t, int64(1), pushed[0].Version)
}

func TestIterateUpdatesOnSpecChange(t *testing.T) {
	plane := newFakePlane()
	drv := newFakeDriver()
	a := newTestAgent(t, plane, drv)

	id := uuid.New()
	plane.setTargets(testKind, target(id, 1, `{"cores":2}`))
	require.NoError(t, a.Iterate(context.Background()))

	plane.setTargets(testKind, target(id, 2, `{"cores":4}`))
	require.NoError(t, a.Iterate(context.Background()))
	require.NoError(t, a.Iterate(context.Background()))

	creates, updates, _ := drv.counts()
	require.Equal(t, 1, creates)
	require.Equal(t, 1, updates)

	pushed := plane.lastPush(testKind)
	require.Len(t, pushed, 1)
	require.Equal(t, int64(2), pushed[0].Version)
}

func TestIterateDeletesDeletingTargets(t *testing.T) {
	plane := newFakePlane()
	drv := newFakeDriver()
	a := newTestAgent(t, plane, drv)

	id := uuid.New()
	plane.setTargets(testKind, target(id, 1, `{"cores":2}`))
	require.NoError(t, a.Iterate(context.Background()))

	gone := target(id, 2, `{"cores":2}`)
	gone.Status = types.StatusDeleting
	plane.setTargets(testKind, gone)
	require.NoError(t, a.Iterate(context.Background()))

	_, _, deletes := drv.counts()
	require.Equal(t, 1, deletes)
	require.Empty(t, plane.lastPush(testKind))

	// Deleting an already-gone resource must not call the driver again.
	require.NoError(t, a.Iterate(context.Background()))
	_, _, deletes = drv.counts()
	require.Equal(t, 1, deletes)
}

func TestPermanentFailureReportsError(t *testing.T) {
	plane := newFakePlane()
	drv := newFakeDriver()
	drv.fail = errdefs.Permanentf("unsupported hardware")
	a := newTestAgent(t, plane, drv)

	id := uuid.New()
	plane.setTargets(testKind, target(id, 1, `{"cores":2}`))
	require.NoError(t, a.Iterate(context.Background()))

	pushed := plane.lastPush(testKind)
	require.Len(t, pushed, 1)
	require.Equal(t, types.StatusError, pushed[0].Status)
	require.Contains(t, pushed[0].StatusDescription, "unsupported hardware")
	require.Equal(t, int64(1), pushed[0].Version)
}

func TestTransientFailureBacksOff(t *testing.T) {
	plane := newFakePlane()
	drv := newFakeDriver()
	drv.fail = errdefs.Transientf("hypervisor busy")
	a := newTestAgent(t, plane, drv)

	id := uuid.New()
	plane.setTargets(testKind, target(id, 1, `{"cores":2}`))
	require.NoError(t, a.Iterate(context.Background()))
	require.NoError(t, a.Iterate(context.Background()))

	// The second iteration lands inside the backoff window, so the driver
	// is attempted only once and no ERROR actual is reported.
	creates, _, _ := drv.counts()
	require.Equal(t, 1, creates)
	require.Empty(t, plane.lastPush(testKind))
}

func TestHeartbeatNotFoundReregisters(t *testing.T) {
	plane := newFakePlane()
	drv := newFakeDriver()
	a := newTestAgent(t, plane, drv)

	plane.notFound = true
	require.NoError(t, a.Iterate(context.Background()))
	require.Equal(t, 1, plane.regs)

	require.NoError(t, a.Iterate(context.Background()))
	require.Equal(t, 1, plane.regs)
	require.Equal(t, 1, plane.beats)
}

func TestRejectsOverlappingDrivers(t *testing.T) {
	_, err := New(testAgentConfig(), newFakePlane(), []driver.Driver{newFakeDriver(), newFakeDriver()})
	require.Error(t, err)
	require.True(t, errdefs.IsValidation(err))
}

func TestCapabilitiesCoverDriverKinds(t *testing.T) {
	a := newTestAgent(t, newFakePlane(), newFakeDriver())
	require.Equal(t, []string{string(testKind)}, a.Capabilities())
}
