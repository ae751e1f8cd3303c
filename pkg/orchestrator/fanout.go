package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

// fanOut projects relational entities into target-plane rows: node sets into
// member node targets, services into per-node service targets, load balancer
// trees into rendered config targets. Fan-out is convergent: identifiers are
// derived deterministically from the parent, so repeated runs update instead
// of duplicating.
func (o *Orchestrator) fanOut(ctx context.Context, fam family, now time.Time) error {
	return o.store.WithinTransaction(ctx, func(tx *gorm.DB) error {
		switch fam.name {
		case "compute":
			return o.fanOutSets(tx)
		case "services":
			if err := o.fanOutServices(tx); err != nil {
				return err
			}
			return o.fanOutLoadBalancers(tx)
		default:
			return nil
		}
	})
}

func (o *Orchestrator) fanOutSets(tx *gorm.DB) error {
	sets, err := storage.List[types.NodeSet](tx)
	if err != nil {
		return err
	}

	for i := range sets {
		set := &sets[i]

		var desired []*types.TargetResource
		if set.Status != types.StatusDeleting {
			for j := 0; j < set.Replicas; j++ {
				member, err := types.NewTarget(set.MemberUUID(j), types.KindComputeNode, set.ProjectID, set.MemberSpec(j))
				if err != nil {
					return err
				}
				parent := set.UUID
				member.ParentUUID = &parent
				desired = append(desired, member)
			}
		}
		if err := syncChildren(tx, set.UUID, desired); err != nil {
			return err
		}
		if set.Status != types.StatusDeleting {
			if err := rollupParent[types.NodeSet](tx, &set.Meta); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) fanOutServices(tx *gorm.DB) error {
	services, err := storage.List[types.Service](tx)
	if err != nil {
		return err
	}

	for i := range services {
		svc := &services[i]

		var desired []*types.TargetResource
		if svc.Status != types.StatusDeleting {
			nodes, err := deployNodes(tx, svc)
			if err != nil {
				if errdefs.IsNotFound(err) {
					// Deploy target vanished; keep the service as is until
					// the user fixes the reference.
					continue
				}
				return err
			}
			for _, node := range nodes {
				child, err := svc.ProjectOnto(node)
				if err != nil {
					return err
				}
				desired = append(desired, child)
			}
		}
		if err := syncChildren(tx, svc.UUID, desired); err != nil {
			return err
		}
		if svc.Status != types.StatusDeleting {
			if err := rollupParent[types.Service](tx, &svc.Meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// deployNodes resolves the member nodes a service lands on. Monopoly services
// collapse to the single deterministic lowest-uuid member.
func deployNodes(tx *gorm.DB, svc *types.Service) ([]uuid.UUID, error) {
	var nodes []uuid.UUID
	switch svc.Target.Kind {
	case types.DeployTargetNode:
		nodes = []uuid.UUID{*svc.Target.Node}
	case types.DeployTargetSet:
		set, err := storage.Get[types.NodeSet](tx, *svc.Target.Set)
		if err != nil {
			return nil, err
		}
		for i := 0; i < set.Replicas; i++ {
			nodes = append(nodes, set.MemberUUID(i))
		}
	default:
		return nil, errdefs.Validationf("service %s: unknown deploy target kind %q", svc.UUID, svc.Target.Kind)
	}

	if svc.Type.IsMonopoly() && len(nodes) > 1 {
		sort.Slice(nodes, func(a, b int) bool {
			return nodes[a].String() < nodes[b].String()
		})
		nodes = nodes[:1]
	}
	return nodes, nil
}

// lbDocument is the rendered form of one load balancer tree, shipped to the
// balancer node as a managed config file.
type lbDocument struct {
	UUID   uuid.UUID  `json:"uuid"`
	Name   string     `json:"name"`
	IPsV4  []string   `json:"ipsv4,omitempty"`
	Vhosts []lbListen `json:"vhosts"`
}

type lbListen struct {
	UUID     uuid.UUID      `json:"uuid"`
	Protocol types.Protocol `json:"protocol"`
	Port     int            `json:"port"`
	Domains  []string       `json:"domains,omitempty"`
	Enabled  bool           `json:"enabled"`
	Routes   []lbRoute      `json:"routes"`
}

type lbRoute struct {
	UUID      uuid.UUID            `json:"uuid"`
	Condition types.RouteCondition `json:"condition"`
	Balance   types.BalanceType    `json:"balance,omitempty"`
	Endpoints []types.Endpoint     `json:"endpoints"`
}

func (o *Orchestrator) fanOutLoadBalancers(tx *gorm.DB) error {
	lbs, err := storage.List[types.LoadBalancer](tx)
	if err != nil {
		return err
	}

	for i := range lbs {
		lb := &lbs[i]

		var desired []*types.TargetResource
		if lb.Status != types.StatusDeleting {
			child, err := renderLoadBalancer(tx, lb)
			if err != nil {
				return err
			}
			desired = append(desired, child)
		}
		if err := syncChildren(tx, lb.UUID, desired); err != nil {
			return err
		}
		if lb.Status != types.StatusDeleting {
			if err := rollupParent[types.LoadBalancer](tx, &lb.Meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadBalancerConfigUUID derives the identity of the config target carrying
// a load balancer's rendered tree.
func LoadBalancerConfigUUID(lb uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(lb, []byte("lb-config"))
}

func renderLoadBalancer(tx *gorm.DB, lb *types.LoadBalancer) (*types.TargetResource, error) {
	vhosts, err := storage.List[types.Vhost](tx, "lb_uuid = ?", lb.UUID)
	if err != nil {
		return nil, err
	}

	doc := lbDocument{UUID: lb.UUID, Name: lb.Name, IPsV4: lb.IPsV4}
	for i := range vhosts {
		v := &vhosts[i]
		listen := lbListen{
			UUID:     v.UUID,
			Protocol: v.Protocol,
			Port:     v.Port,
			Domains:  v.Domains,
			Enabled:  v.Enabled,
		}
		routes, err := storage.List[types.Route](tx, "vhost_uuid = ?", v.UUID)
		if err != nil {
			return nil, err
		}
		for j := range routes {
			r := &routes[j]
			pool, err := storage.Get[types.BackendPool](tx, r.PoolUUID)
			if err != nil {
				return nil, err
			}
			listen.Routes = append(listen.Routes, lbRoute{
				UUID:      r.UUID,
				Condition: r.Condition,
				Balance:   pool.Balance,
				Endpoints: pool.Endpoints,
			})
		}
		doc.Vhosts = append(doc.Vhosts, listen)
	}

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	spec := types.ConfigSpec{
		Name: lb.Name + "-lb",
		Path: fmt.Sprintf("/etc/genesis/lb/%s.json", lb.UUID),
		Mode: "0644",
		Body: types.ConfigBody{Kind: types.ConfigBodyText, Content: string(content)},
	}
	child, err := types.NewTarget(LoadBalancerConfigUUID(lb.UUID), types.KindConfig, lb.ProjectID, spec)
	if err != nil {
		return nil, err
	}
	parent := lb.UUID
	child.ParentUUID = &parent
	return child, nil
}

// syncChildren converges the child target rows of one parent onto the
// desired list: missing children are created, drifted ones get the new spec,
// undesired ones are marked DELETING.
func syncChildren(tx *gorm.DB, parent uuid.UUID, desired []*types.TargetResource) error {
	existing, err := storage.TargetsByParent(tx, parent)
	if err != nil {
		return err
	}
	byUUID := make(map[uuid.UUID]*types.TargetResource, len(existing))
	for i := range existing {
		byUUID[existing[i].UUID] = &existing[i]
	}

	wanted := make(map[uuid.UUID]bool, len(desired))
	for _, d := range desired {
		wanted[d.UUID] = true
		current, ok := byUUID[d.UUID]
		switch {
		case !ok:
			if err := storage.CreateTarget(tx, d); err != nil && !errdefs.IsConflict(err) {
				return err
			}
		case current.Status == types.StatusDeleting:
			// Teardown in flight wins; the next fan-out recreates the row.
		case current.FullHash != d.FullHash:
			if err := storage.UpdateTargetSpec(tx, current, d.Spec, d.FullHash); err != nil && !errdefs.IsConflict(err) {
				return err
			}
		}
	}

	for i := range existing {
		if wanted[existing[i].UUID] {
			continue
		}
		if err := storage.MarkTargetDeleting(tx, &existing[i]); err != nil && !errdefs.IsConflict(err) {
			return err
		}
	}
	return nil
}

// rollupParent mirrors the aggregate child state onto the parent entity row:
// any child in ERROR marks the parent ERROR, all children ACTIVE marks it
// ACTIVE, anything else reads IN_PROGRESS.
func rollupParent[T any](tx *gorm.DB, meta *types.Meta) error {
	children, err := storage.TargetsByParent(tx, meta.UUID)
	if err != nil {
		return err
	}

	status := types.StatusInProgress
	reason := ""
	if len(children) > 0 {
		active := 0
		for i := range children {
			switch children[i].Status {
			case types.StatusError:
				status = types.StatusError
				reason = children[i].StatusDescription
			case types.StatusActive:
				active++
			}
		}
		if status != types.StatusError && active == len(children) {
			status = types.StatusActive
		}
	}

	if meta.Status == status && meta.StatusDescription == reason {
		return nil
	}
	err = storage.CASUpdate[T](tx, meta.UUID, meta.Version, map[string]any{
		"status":             status,
		"status_description": reason,
	})
	if errdefs.IsConflict(err) || errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// finalizeParents removes DELETING relational parents once their fan-out
// children are gone. Load balancer teardown also sweeps the contained
// vhost, route and pool rows.
func (o *Orchestrator) finalizeParents(tx *gorm.DB, fam family) error {
	switch fam.name {
	case "compute":
		return finalizeKind[types.NodeSet](tx, nil)
	case "services":
		if err := finalizeKind[types.Service](tx, nil); err != nil {
			return err
		}
		return finalizeKind[types.LoadBalancer](tx, func(tx *gorm.DB, id uuid.UUID) error {
			vhosts, err := storage.List[types.Vhost](tx, "lb_uuid = ?", id)
			if err != nil {
				return err
			}
			for i := range vhosts {
				if err := tx.Where("vhost_uuid = ?", vhosts[i].UUID).Delete(&types.Route{}).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("lb_uuid = ?", id).Delete(&types.Vhost{}).Error; err != nil {
				return err
			}
			return tx.Where("lb_uuid = ?", id).Delete(&types.BackendPool{}).Error
		})
	default:
		return nil
	}
}

func finalizeKind[T any](tx *gorm.DB, sweep func(tx *gorm.DB, id uuid.UUID) error) error {
	parents, err := storage.List[T](tx, "status = ?", types.StatusDeleting)
	if err != nil {
		return err
	}
	for i := range parents {
		entity := any(&parents[i]).(interface{ GetUUID() uuid.UUID })
		id := entity.GetUUID()

		children, err := storage.TargetsByParent(tx, id)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			continue
		}
		if sweep != nil {
			if err := sweep(tx, id); err != nil {
				return err
			}
		}
		if err := storage.Delete[T](tx, id); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}
	return nil
}
