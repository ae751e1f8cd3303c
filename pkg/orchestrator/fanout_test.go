package orchestrator

import (
	"context"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

func createNodeSet(t *testing.T, store *storage.Store, replicas int) *types.NodeSet {
	t.Helper()
	set := &types.NodeSet{
		Meta:     types.NewMeta(uuid.New(), "workers", uuid.New()),
		Replicas: replicas,
		Cores:    2,
		RAM:      2048,
		Image:    "debian-12",
		NodeType: types.NodeTypeVM,
	}
	err := store.WithinTransaction(context.Background(), func(tx *gorm.DB) error {
		return storage.Create(tx, set)
	})
	require.NoError(t, err)
	return set
}

func childrenOf(t *testing.T, store *storage.Store, parent uuid.UUID) []types.TargetResource {
	t.Helper()
	var out []types.TargetResource
	err := store.WithinTransaction(context.Background(), func(tx *gorm.DB) error {
		var err error
		out, err = storage.TargetsByParent(tx, parent)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestFanOutSetCreatesDeterministicMembers(t *testing.T) {
	store := newTestStore(t)
	o := newTestOrchestrator(t, store, testOrchConfig())
	ctx := context.Background()

	set := createNodeSet(t, store, 3)
	require.NoError(t, o.Cycle(ctx, computeFamily()))

	children := childrenOf(t, store, set.UUID)
	require.Len(t, children, 3)
	want := map[uuid.UUID]bool{
		set.MemberUUID(0): true,
		set.MemberUUID(1): true,
		set.MemberUUID(2): true,
	}
	for _, c := range children {
		require.True(t, want[c.UUID])
		require.Equal(t, types.KindComputeNode, c.Kind)
	}

	// Re-running fan-out converges instead of duplicating.
	require.NoError(t, o.Cycle(ctx, computeFamily()))
	require.Len(t, childrenOf(t, store, set.UUID), 3)
}

func TestFanOutSetScaleDownMarksExtraDeleting(t *testing.T) {
	store := newTestStore(t)
	o := newTestOrchestrator(t, store, testOrchConfig())
	ctx := context.Background()

	set := createNodeSet(t, store, 2)
	require.NoError(t, o.Cycle(ctx, computeFamily()))

	err := store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Model(&types.NodeSet{}).
			Where("uuid = ?", set.UUID).
			Update("replicas", 1).Error
	})
	require.NoError(t, err)
	require.NoError(t, o.Cycle(ctx, computeFamily()))

	// The extra member never had an actual, so the same cycle marks it
	// DELETING and finalizes the row away.
	children := childrenOf(t, store, set.UUID)
	require.Len(t, children, 1)
	require.Equal(t, set.MemberUUID(0), children[0].UUID)
}

func TestFanOutSetRollsUpChildStatus(t *testing.T) {
	store := newTestStore(t)
	o := newTestOrchestrator(t, store, testOrchConfig())
	agent := registerAgent(t, store, "em_core_*")
	ctx := context.Background()

	set := createNodeSet(t, store, 2)
	require.NoError(t, o.Cycle(ctx, computeFamily()))

	err := store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		got, err := storage.Get[types.NodeSet](tx, set.UUID)
		require.NoError(t, err)
		require.Equal(t, types.StatusInProgress, got.Status)
		return nil
	})
	require.NoError(t, err)

	for _, c := range childrenOf(t, store, set.UUID) {
		reportActive(t, store, &c, agent.UUID)
	}
	// One cycle converges the children, the next rolls the parent up.
	require.NoError(t, o.Cycle(ctx, computeFamily()))
	require.NoError(t, o.Cycle(ctx, computeFamily()))

	err = store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		got, err := storage.Get[types.NodeSet](tx, set.UUID)
		require.NoError(t, err)
		require.Equal(t, types.StatusActive, got.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestFanOutSetDeleteCascades(t *testing.T) {
	store := newTestStore(t)
	o := newTestOrchestrator(t, store, testOrchConfig())
	ctx := context.Background()

	set := createNodeSet(t, store, 2)
	require.NoError(t, o.Cycle(ctx, computeFamily()))
	require.Len(t, childrenOf(t, store, set.UUID), 2)

	err := store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		got, err := storage.Get[types.NodeSet](tx, set.UUID)
		if err != nil {
			return err
		}
		return storage.CASUpdate[types.NodeSet](tx, got.UUID, got.Version, map[string]any{
			"status": types.StatusDeleting,
		})
	})
	require.NoError(t, err)

	// Children have no actuals, so one cycle marks them DELETING, removes
	// them and then removes the childless parent.
	require.NoError(t, o.Cycle(ctx, computeFamily()))

	require.Empty(t, childrenOf(t, store, set.UUID))
	err = store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		_, err := storage.Get[types.NodeSet](tx, set.UUID)
		return err
	})
	require.Error(t, err)
}

func createService(t *testing.T, store *storage.Store, kind types.ServiceKind, target types.DeployTarget) *types.Service {
	t.Helper()
	svc := &types.Service{
		Meta:   types.NewMeta(uuid.New(), "etcd", uuid.New()),
		Path:   "/opt/etcd/run.sh",
		User:   "etcd",
		Group:  "etcd",
		Type:   kind,
		Target: target,
	}
	err := store.WithinTransaction(context.Background(), func(tx *gorm.DB) error {
		return storage.Create(tx, svc)
	})
	require.NoError(t, err)
	return svc
}

func TestFanOutServiceProjectsOntoSetMembers(t *testing.T) {
	store := newTestStore(t)
	o := newTestOrchestrator(t, store, testOrchConfig())
	ctx := context.Background()

	set := createNodeSet(t, store, 3)
	svc := createService(t, store, types.ServiceSimple,
		types.DeployTarget{Kind: types.DeployTargetSet, Set: &set.UUID})

	require.NoError(t, o.Cycle(ctx, servicesFamily()))

	children := childrenOf(t, store, svc.UUID)
	require.Len(t, children, 3)
	for _, c := range children {
		require.Equal(t, types.KindServiceNode, c.Kind)
		require.NotNil(t, c.NodeUUID)
		require.False(t, c.Monopoly)
	}
}

func TestFanOutMonopolyServiceKeepsSingleProjection(t *testing.T) {
	store := newTestStore(t)
	o := newTestOrchestrator(t, store, testOrchConfig())
	ctx := context.Background()

	set := createNodeSet(t, store, 3)
	svc := createService(t, store, types.ServiceMonopoly,
		types.DeployTarget{Kind: types.DeployTargetSet, Set: &set.UUID})

	for i := 0; i < 3; i++ {
		require.NoError(t, o.Cycle(ctx, servicesFamily()))
	}

	children := childrenOf(t, store, svc.UUID)
	require.Len(t, children, 1)
	require.True(t, children[0].Monopoly)

	// The projection lands on the deterministic lowest member uuid.
	members := []uuid.UUID{set.MemberUUID(0), set.MemberUUID(1), set.MemberUUID(2)}
	sort.Slice(members, func(a, b int) bool { return members[a].String() < members[b].String() })
	require.NotNil(t, children[0].NodeUUID)
	require.Equal(t, members[0], *children[0].NodeUUID)
}

func TestFanOutServiceSkipsVanishedDeployTarget(t *testing.T) {
	store := newTestStore(t)
	o := newTestOrchestrator(t, store, testOrchConfig())
	ctx := context.Background()

	missing := uuid.New()
	svc := createService(t, store, types.ServiceSimple,
		types.DeployTarget{Kind: types.DeployTargetSet, Set: &missing})

	require.NoError(t, o.Cycle(ctx, servicesFamily()))
	require.Empty(t, childrenOf(t, store, svc.UUID))
}

func createLBTree(t *testing.T, store *storage.Store) *types.LoadBalancer {
	t.Helper()
	lb := &types.LoadBalancer{
		Meta:  types.NewMeta(uuid.New(), "edge", uuid.New()),
		IPsV4: []string{"203.0.113.10"},
	}
	pool := &types.BackendPool{
		Meta:    types.NewMeta(uuid.New(), "web-pool", lb.ProjectID),
		LBUUID:  lb.UUID,
		Balance: types.BalanceRoundRobin,
		Endpoints: []types.Endpoint{
			{Host: "10.0.0.5", Port: 8080, Weight: 1},
		},
	}
	vhost := &types.Vhost{
		Meta:     types.NewMeta(uuid.New(), "web", lb.ProjectID),
		LBUUID:   lb.UUID,
		Protocol: types.ProtocolHTTP,
		Port:     80,
		Enabled:  true,
	}
	route := &types.Route{
		Meta:      types.NewMeta(uuid.New(), "root", lb.ProjectID),
		VhostUUID: vhost.UUID,
		Condition: types.RouteCondition{Kind: types.RoutePrefix, Path: "/"},
		PoolUUID:  pool.UUID,
	}
	err := store.WithinTransaction(context.Background(), func(tx *gorm.DB) error {
		for _, obj := range []any{lb, pool, vhost, route} {
			if err := tx.Create(obj).Error; err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return lb
}

func TestFanOutLoadBalancerRendersConfigTarget(t *testing.T) {
	store := newTestStore(t)
	o := newTestOrchestrator(t, store, testOrchConfig())
	ctx := context.Background()

	lb := createLBTree(t, store)
	require.NoError(t, o.Cycle(ctx, servicesFamily()))

	rendered := getTarget(t, store, LoadBalancerConfigUUID(lb.UUID))
	require.Equal(t, types.KindConfig, rendered.Kind)
	require.NotNil(t, rendered.ParentUUID)
	require.Equal(t, lb.UUID, *rendered.ParentUUID)

	var spec types.ConfigSpec
	res := rendered.ToResource()
	require.NoError(t, res.DecodeSpec(&spec))
	require.Equal(t, "/etc/genesis/lb/"+lb.UUID.String()+".json", spec.Path)
	require.Contains(t, spec.Body.Content, `"port": 80`)
	require.Contains(t, spec.Body.Content, "10.0.0.5")
	require.Contains(t, spec.Body.Content, "203.0.113.10")
}

func TestFanOutLoadBalancerTracksPoolChanges(t *testing.T) {
	store := newTestStore(t)
	o := newTestOrchestrator(t, store, testOrchConfig())
	ctx := context.Background()

	lb := createLBTree(t, store)
	require.NoError(t, o.Cycle(ctx, servicesFamily()))

	err := store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		pools, err := storage.List[types.BackendPool](tx, "lb_uuid = ?", lb.UUID)
		if err != nil {
			return err
		}
		pools[0].Endpoints = append(pools[0].Endpoints, types.Endpoint{Host: "10.0.0.6", Port: 8080, Weight: 1})
		return tx.Save(&pools[0]).Error
	})
	require.NoError(t, err)

	require.NoError(t, o.Cycle(ctx, servicesFamily()))
	rendered := getTarget(t, store, LoadBalancerConfigUUID(lb.UUID))
	var spec types.ConfigSpec
	res := rendered.ToResource()
	require.NoError(t, res.DecodeSpec(&spec))
	require.Contains(t, spec.Body.Content, "10.0.0.6")
}

func TestFanOutLoadBalancerDeleteSweepsTree(t *testing.T) {
	store := newTestStore(t)
	o := newTestOrchestrator(t, store, testOrchConfig())
	ctx := context.Background()

	lb := createLBTree(t, store)
	require.NoError(t, o.Cycle(ctx, servicesFamily()))

	err := store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		got, err := storage.Get[types.LoadBalancer](tx, lb.UUID)
		if err != nil {
			return err
		}
		return storage.CASUpdate[types.LoadBalancer](tx, got.UUID, got.Version, map[string]any{
			"status": types.StatusDeleting,
		})
	})
	require.NoError(t, err)

	require.NoError(t, o.Cycle(ctx, servicesFamily()))

	err = store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		if _, err := storage.Get[types.LoadBalancer](tx, lb.UUID); err == nil {
			t.Fatal("load balancer row should be gone")
		}
		vhosts, err := storage.List[types.Vhost](tx, "lb_uuid = ?", lb.UUID)
		require.NoError(t, err)
		require.Empty(t, vhosts)
		pools, err := storage.List[types.BackendPool](tx, "lb_uuid = ?", lb.UUID)
		require.NoError(t, err)
		require.Empty(t, pools)
		return nil
	})
	require.NoError(t, err)
}
