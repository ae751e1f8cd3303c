package api

import (
	"net/http"
	"net/netip"
	"time"

	"gorm.io/gorm"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/events"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

// registerResourceRoutes wires the user-facing resource planes. Nodes,
// passwords, certificates and configs are flat views over the target plane;
// sets, services and the load balancer tree are relational rows the
// orchestrator fans out.
func registerResourceRoutes(mux *http.ServeMux, s *Server) {
	targetRoutes(mux, s, targetAPI[types.Node]{
		path: "/v1/nodes/",
		kind: types.KindComputeNode,
		perm: "compute.nodes",
		decode: types.NodeFromResource,
		encode: func(n *types.Node) (*types.TargetResource, error) { return n.ToTarget() },
		created: func(tx *gorm.DB, t *types.TargetResource) error {
			return events.Publish(tx, events.KindNodeCreated, events.ResourceEvent{
				Version: 1, ResourceUUID: t.UUID, ProjectID: t.ProjectID, Kind: t.Kind,
			})
		},
	})
	targetRoutes(mux, s, targetAPI[types.Password]{
		path: "/v1/secret/passwords/",
		kind: types.KindPassword,
		perm: "secret.passwords",
		decode: types.PasswordFromResource,
		encode: func(p *types.Password) (*types.TargetResource, error) { return p.ToTarget() },
		check: func(p *types.Password) error {
			if p.Method == types.SecretManual && p.Value == "" {
				return errdefs.Validationf("manual passwords require a value")
			}
			return nil
		},
	})
	targetRoutes(mux, s, targetAPI[types.Certificate]{
		path: "/v1/secret/certificates/",
		kind: types.KindCertificate,
		perm: "secret.certificates",
		decode: types.CertificateFromResource,
		encode: func(c *types.Certificate) (*types.TargetResource, error) { return c.ToTarget() },
	})
	targetRoutes(mux, s, targetAPI[types.Config]{
		path: "/v1/config/configs/",
		kind: types.KindConfig,
		perm: "config.configs",
		decode: types.ConfigFromResource,
		encode: func(c *types.Config) (*types.TargetResource, error) { return c.ToTarget() },
		check: func(c *types.Config) error {
			if err := c.Body.Validate(); err != nil {
				return errdefs.Validationf("%v", err)
			}
			for _, a := range c.OnChange {
				if err := a.Validate(); err != nil {
					return errdefs.Validationf("%v", err)
				}
			}
			return nil
		},
	})

	orchestratedRoutes[types.NodeSet](mux, s, "/v1/sets/", "compute.sets", nil, nil)
	orchestratedRoutes[types.Service](mux, s, "/v1/em/services/", "em.services",
		func(svc *types.Service) error { return validateService(svc) },
		func(tx *gorm.DB, svc *types.Service) error {
			return events.Publish(tx, events.KindServiceCreated, events.ResourceEvent{
				Version: 1, ResourceUUID: svc.UUID, ProjectID: svc.ProjectID, Kind: types.KindServiceNode,
			})
		})
	orchestratedRoutes[types.LoadBalancer](mux, s, "/v1/network/lb/", "network.load_balancers", nil, nil)

	inventoryRoutes[types.MachinePool](mux, s, "/v1/pools/", "compute.nodes", nil)
	inventoryRoutes[types.Network](mux, s, "/v1/networks/", "network.networks", nil)
	inventoryRoutes[types.Subnet](mux, s, "/v1/subnets/", "network.subnets", checkSubnet)
	inventoryRoutes[types.BackendPool](mux, s, "/v1/network/pools/", "network.load_balancers",
		func(tx *gorm.DB, p *types.BackendPool) error {
			_, err := storage.Get[types.LoadBalancer](tx, p.LBUUID)
			return err
		})

	mux.Handle("POST /v1/interfaces/", s.authed(s.handleInterfaceCreate))
	mux.Handle("GET /v1/interfaces/", s.authed(listFor[types.Interface](s, "network.interfaces")))
	mux.Handle("GET /v1/interfaces/{uuid}", s.authed(getFor[types.Interface](s, "network.interfaces")))
	mux.Handle("DELETE /v1/interfaces/{uuid}", s.authed(deleteFor[types.Interface](s, "network.interfaces")))

	// Vhosts and routes are created under their parent so the union and
	// port-conflict checks always run; reads and deletes use flat paths.
	mux.Handle("POST /v1/network/lb/{uuid}/vhosts/", s.authed(s.handleVhostCreate))
	mux.Handle("GET /v1/network/vhosts/", s.authed(listFor[types.Vhost](s, "network.load_balancers")))
	mux.Handle("GET /v1/network/vhosts/{uuid}", s.authed(getFor[types.Vhost](s, "network.load_balancers")))
	mux.Handle("DELETE /v1/network/vhosts/{uuid}", s.authed(deleteFor[types.Vhost](s, "network.load_balancers")))
	mux.Handle("POST /v1/network/vhosts/{uuid}/routes/", s.authed(s.handleRouteCreate))
	mux.Handle("GET /v1/network/routes/", s.authed(listFor[types.Route](s, "network.load_balancers")))
	mux.Handle("GET /v1/network/routes/{uuid}", s.authed(getFor[types.Route](s, "network.load_balancers")))
	mux.Handle("DELETE /v1/network/routes/{uuid}", s.authed(deleteFor[types.Route](s, "network.load_balancers")))
}

// inventoryRoutes registers CRUD for a plain relational kind. Unlike the IAM
// admin surface, authorization is scoped to the project the row lives in.
func inventoryRoutes[T any](mux *http.ServeMux, s *Server, path, perm string, pre func(*gorm.DB, *T) error) {
	mux.Handle("POST "+path, s.authed(func(w http.ResponseWriter, r *http.Request) {
		var obj T
		if err := parseBody(r, &obj); err != nil {
			writeError(w, err)
			return
		}
		meta := any(&obj).(interface{ MetaRef() *types.Meta }).MetaRef()
		initMeta(meta)
		if err := validateStruct(&obj); err != nil {
			writeError(w, err)
			return
		}
		err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			if err := s.enforce(r.Context(), tx, &meta.ProjectID, perm+".write"); err != nil {
				return err
			}
			if pre != nil {
				if err := pre(tx, &obj); err != nil {
					return err
				}
			}
			return storage.Create(tx, &obj)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, obj)
	}))

	mux.Handle("GET "+path, s.authed(listFor[T](s, perm)))
	mux.Handle("GET "+path+"{uuid}", s.authed(getFor[T](s, perm)))
	mux.Handle("DELETE "+path+"{uuid}", s.authed(deleteFor[T](s, perm)))
}

// checkSubnet validates the referenced network and keeps the gateway inside
// the subnet range.
func checkSubnet(tx *gorm.DB, subnet *types.Subnet) error {
	if _, err := storage.Get[types.Network](tx, subnet.NetworkUUID); err != nil {
		return err
	}
	if subnet.Gateway != "" && !subnetContains(subnet.CIDR, subnet.Gateway) {
		return errdefs.Validationf("gateway %s is outside subnet %s", subnet.Gateway, subnet.CIDR)
	}
	return nil
}

// targetAPI describes one flat target-plane resource kind.
type targetAPI[T any] struct {
	path    string
	kind    types.Kind
	perm    string
	decode  func(types.Resource) (*T, error)
	encode  func(*T) (*types.TargetResource, error)
	check   func(*T) error
	created func(tx *gorm.DB, t *types.TargetResource) error
}

// targetRoutes registers the flat CRUD surface of a target-plane kind.
// Deletes only mark the target DELETING; the row disappears once the agent
// confirms teardown.
func targetRoutes[T any](mux *http.ServeMux, s *Server, api targetAPI[T]) {
	mux.Handle("POST "+api.path, s.authed(func(w http.ResponseWriter, r *http.Request) {
		var obj T
		if err := parseBody(r, &obj); err != nil {
			writeError(w, err)
			return
		}
		meta := any(&obj).(interface{ MetaRef() *types.Meta }).MetaRef()
		initMeta(meta)
		meta.Status = types.StatusNew
		if err := validateStruct(&obj); err != nil {
			writeError(w, err)
			return
		}
		if api.check != nil {
			if err := api.check(&obj); err != nil {
				writeError(w, err)
				return
			}
		}

		target, err := api.encode(&obj)
		if err != nil {
			writeError(w, errdefs.Wrapf(errdefs.ErrValidation, err, "encode spec"))
			return
		}
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			if err := s.enforce(r.Context(), tx, &target.ProjectID, api.perm+".write"); err != nil {
				return err
			}
			if err := storage.CreateTarget(tx, target); err != nil {
				return err
			}
			if api.created != nil {
				return api.created(tx, target)
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, obj)
	}))

	mux.Handle("GET "+api.path, s.authed(func(w http.ResponseWriter, r *http.Request) {
		project, err := projectScope(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var out []T
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			if err := s.enforce(r.Context(), tx, project, api.perm+".read"); err != nil {
				return err
			}
			targets, err := storage.ListTargets(tx, api.kind, project)
			if err != nil {
				return err
			}
			out = make([]T, 0, len(targets))
			for i := range targets {
				view, err := api.decode(targets[i].ToResource())
				if err != nil {
					return err
				}
				out = append(out, *view)
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}))

	mux.Handle("GET "+api.path+"{uuid}", s.authed(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var view *T
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			target, err := storage.GetTarget(tx, id)
			if err != nil {
				return err
			}
			if target.Kind != api.kind {
				return errdefs.NotFoundf("target %s not found", id)
			}
			if err := s.enforce(r.Context(), tx, &target.ProjectID, api.perm+".read"); err != nil {
				return err
			}
			view, err = api.decode(target.ToResource())
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}))

	// PUT carries the version the client last observed; a concurrent writer
	// who got there first makes the update fail with Conflict.
	mux.Handle("PUT "+api.path+"{uuid}", s.authed(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var obj T
		if err := parseBody(r, &obj); err != nil {
			writeError(w, err)
			return
		}
		meta := any(&obj).(interface{ MetaRef() *types.Meta }).MetaRef()
		meta.UUID = id
		observed := meta.Version
		if observed < 1 {
			writeError(w, errdefs.Validationf("update requires the observed version"))
			return
		}
		meta.Status = types.StatusNew
		meta.UpdatedAt = time.Now().UTC()
		if err := validateStruct(&obj); err != nil {
			writeError(w, err)
			return
		}
		if api.check != nil {
			if err := api.check(&obj); err != nil {
				writeError(w, err)
				return
			}
		}

		target, err := api.encode(&obj)
		if err != nil {
			writeError(w, errdefs.Wrapf(errdefs.ErrValidation, err, "encode spec"))
			return
		}
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			existing, err := storage.GetTarget(tx, id)
			if err != nil {
				return err
			}
			if existing.Kind != api.kind {
				return errdefs.NotFoundf("target %s not found", id)
			}
			if err := s.enforce(r.Context(), tx, &existing.ProjectID, api.perm+".write"); err != nil {
				return err
			}
			if existing.Status == types.StatusDeleting {
				return errdefs.Conflictf("target %s is being deleted", id)
			}
			meta.ProjectID = existing.ProjectID
			meta.CreatedAt = existing.CreatedAt
			return storage.CASUpdate[types.TargetResource](tx, id, observed, map[string]any{
				"spec":               target.Spec,
				"full_hash":          target.FullHash,
				"status":             types.StatusNew,
				"status_description": "",
			})
		})
		if err != nil {
			writeError(w, err)
			return
		}
		meta.Version = observed + 1
		writeJSON(w, http.StatusOK, obj)
	}))

	mux.Handle("DELETE "+api.path+"{uuid}", s.authed(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			target, err := storage.GetTarget(tx, id)
			if err != nil {
				return err
			}
			if target.Kind != api.kind {
				return errdefs.NotFoundf("target %s not found", id)
			}
			if err := s.enforce(r.Context(), tx, &target.ProjectID, api.perm+".write"); err != nil {
				return err
			}
			return storage.MarkTargetDeleting(tx, target)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	}))
}

// orchestratedRoutes registers CRUD for a relational kind whose teardown is
// asynchronous: DELETE flips the row to DELETING and the orchestrator
// cascades from there.
func orchestratedRoutes[T any](mux *http.ServeMux, s *Server, path, perm string, check func(*T) error, created func(*gorm.DB, *T) error) {
	mux.Handle("POST "+path, s.authed(func(w http.ResponseWriter, r *http.Request) {
		var obj T
		if err := parseBody(r, &obj); err != nil {
			writeError(w, err)
			return
		}
		meta := any(&obj).(interface{ MetaRef() *types.Meta }).MetaRef()
		initMeta(meta)
		meta.Status = types.StatusNew
		if err := validateStruct(&obj); err != nil {
			writeError(w, err)
			return
		}
		if check != nil {
			if err := check(&obj); err != nil {
				writeError(w, err)
				return
			}
		}
		err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			if err := s.enforce(r.Context(), tx, &meta.ProjectID, perm+".write"); err != nil {
				return err
			}
			if err := storage.Create(tx, &obj); err != nil {
				return err
			}
			if created != nil {
				return created(tx, &obj)
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, obj)
	}))

	mux.Handle("GET "+path, s.authed(listFor[T](s, perm)))
	mux.Handle("GET "+path+"{uuid}", s.authed(getFor[T](s, perm)))

	// PUT replaces the row under the version the client last observed and
	// puts it back to NEW so the orchestrator re-projects the fan-out.
	mux.Handle("PUT "+path+"{uuid}", s.authed(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var obj T
		if err := parseBody(r, &obj); err != nil {
			writeError(w, err)
			return
		}
		meta := any(&obj).(interface{ MetaRef() *types.Meta }).MetaRef()
		meta.UUID = id
		observed := meta.Version
		if observed < 1 {
			writeError(w, errdefs.Validationf("update requires the observed version"))
			return
		}
		meta.Status = types.StatusNew
		meta.UpdatedAt = time.Now().UTC()
		if err := validateStruct(&obj); err != nil {
			writeError(w, err)
			return
		}
		if check != nil {
			if err := check(&obj); err != nil {
				writeError(w, err)
				return
			}
		}
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			existing, err := storage.Get[T](tx, id)
			if err != nil {
				return err
			}
			emeta := any(existing).(interface{ MetaRef() *types.Meta }).MetaRef()
			if err := s.enforce(r.Context(), tx, &emeta.ProjectID, perm+".write"); err != nil {
				return err
			}
			if emeta.Status == types.StatusDeleting {
				return errdefs.Conflictf("%s is being deleted", id)
			}
			meta.ProjectID = emeta.ProjectID
			meta.CreatedAt = emeta.CreatedAt
			meta.Version = observed + 1
			return storage.CASReplace(tx, &obj, observed)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, obj)
	}))

	mux.Handle("DELETE "+path+"{uuid}", s.authed(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			obj, err := storage.Get[T](tx, id)
			if err != nil {
				return err
			}
			meta := any(obj).(interface{ MetaRef() *types.Meta }).MetaRef()
			if err := s.enforce(r.Context(), tx, &meta.ProjectID, perm+".write"); err != nil {
				return err
			}
			if meta.Status == types.StatusDeleting {
				return nil
			}
			return storage.CASUpdate[T](tx, meta.UUID, meta.Version, map[string]any{
				"status": types.StatusDeleting,
			})
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	}))
}

// listFor builds a project-scoped list handler for a relational kind.
func listFor[T any](s *Server, perm string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project, err := projectScope(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var out []T
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			if err := s.enforce(r.Context(), tx, project, perm+".read"); err != nil {
				return err
			}
			if project != nil {
				out, err = storage.List[T](tx, "project_id = ?", *project)
			} else {
				out, err = storage.List[T](tx)
			}
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func getFor[T any](s *Server, perm string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var obj *T
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			obj, err = storage.Get[T](tx, id)
			if err != nil {
				return err
			}
			meta := any(obj).(interface{ MetaRef() *types.Meta }).MetaRef()
			return s.enforce(r.Context(), tx, &meta.ProjectID, perm+".read")
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, obj)
	}
}

func deleteFor[T any](s *Server, perm string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
			obj, err := storage.Get[T](tx, id)
			if err != nil {
				return err
			}
			meta := any(obj).(interface{ MetaRef() *types.Meta }).MetaRef()
			if err := s.enforce(r.Context(), tx, &meta.ProjectID, perm+".write"); err != nil {
				return err
			}
			return storage.Delete[T](tx, id)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	}
}

// validateService checks the union fields the struct tags cannot express.
// Service-kind hooks are declared in the model but not orchestrated yet.
func validateService(svc *types.Service) error {
	if err := svc.Target.Validate(); err != nil {
		return errdefs.Validationf("%v", err)
	}
	for _, h := range append(append([]types.Hook{}, svc.Before...), svc.After...) {
		if err := h.Validate(); err != nil {
			return errdefs.Validationf("%v", err)
		}
		if h.Kind == types.HookService {
			return errdefs.Validationf("service hooks are not supported")
		}
	}
	return nil
}

// handleInterfaceCreate attaches a node to a subnet. An empty ip_address asks
// for a lease: the next free address in the subnet CIDR. The unique
// (subnet, ip) index backs exclusivity against concurrent writers.
func (s *Server) handleInterfaceCreate(w http.ResponseWriter, r *http.Request) {
	var iface types.Interface
	if err := parseBody(r, &iface); err != nil {
		writeError(w, err)
		return
	}
	initMeta(&iface.Meta)
	if err := validateStruct(&iface); err != nil {
		writeError(w, err)
		return
	}

	err := s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		if err := s.enforce(r.Context(), tx, &iface.ProjectID, "network.interfaces.write"); err != nil {
			return err
		}
		subnet, err := storage.Get[types.Subnet](tx, iface.SubnetUUID)
		if err != nil {
			return err
		}
		if iface.IPAddress == "" {
			ip, err := nextFreeIP(tx, subnet)
			if err != nil {
				return err
			}
			iface.IPAddress = ip
		} else if !subnetContains(subnet.CIDR, iface.IPAddress) {
			return errdefs.Validationf("address %s is outside subnet %s", iface.IPAddress, subnet.CIDR)
		}
		return storage.Create(tx, &iface)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, iface)
}

func subnetContains(cidr, addr string) bool {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return prefix.Contains(ip)
}

// nextFreeIP walks the subnet range and returns the first address that is
// neither the network address, the gateway, the broadcast address, nor
// already leased.
func nextFreeIP(tx *gorm.DB, subnet *types.Subnet) (string, error) {
	prefix, err := netip.ParsePrefix(subnet.CIDR)
	if err != nil {
		return "", errdefs.Validationf("subnet %s carries a malformed cidr", subnet.UUID)
	}
	prefix = prefix.Masked()

	leases, err := storage.List[types.Interface](tx, "subnet_uuid = ?", subnet.UUID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]struct{}, len(leases)+1)
	for _, l := range leases {
		taken[l.IPAddress] = struct{}{}
	}
	if subnet.Gateway != "" {
		taken[subnet.Gateway] = struct{}{}
	}

	for ip := prefix.Addr().Next(); prefix.Contains(ip); ip = ip.Next() {
		next := ip.Next()
		if ip.Is4() && !prefix.Contains(next) {
			// Last v4 address of the range is the broadcast address.
			break
		}
		if _, used := taken[ip.String()]; !used {
			return ip.String(), nil
		}
	}
	return "", errdefs.Conflictf("subnet %s is exhausted", subnet.CIDR)
}

// handleVhostCreate adds a listener to a load balancer. The (protocol, port)
// pair must not conflict with any sibling vhost.
func (s *Server) handleVhostCreate(w http.ResponseWriter, r *http.Request) {
	lbUUID, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var vhost types.Vhost
	if err := parseBody(r, &vhost); err != nil {
		writeError(w, err)
		return
	}
	vhost.LBUUID = lbUUID
	initMeta(&vhost.Meta)
	if err := validateStruct(&vhost); err != nil {
		writeError(w, err)
		return
	}

	err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		lb, err := storage.Get[types.LoadBalancer](tx, lbUUID)
		if err != nil {
			return err
		}
		if err := s.enforce(r.Context(), tx, &lb.ProjectID, "network.load_balancers.write"); err != nil {
			return err
		}
		siblings, err := storage.List[types.Vhost](tx, "lb_uuid = ? AND port = ?", lbUUID, vhost.Port)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if vhost.Protocol.ConflictsWith(sib.Protocol) {
				return errdefs.Conflictf("port %d already bound to a %s vhost", vhost.Port, sib.Protocol)
			}
		}
		return storage.Create(tx, &vhost)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, vhost)
}

// handleRouteCreate adds a route under a vhost. The condition union is
// validated against the vhost protocol.
func (s *Server) handleRouteCreate(w http.ResponseWriter, r *http.Request) {
	vhostUUID, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var route types.Route
	if err := parseBody(r, &route); err != nil {
		writeError(w, err)
		return
	}
	route.VhostUUID = vhostUUID
	initMeta(&route.Meta)
	if err := validateStruct(&route); err != nil {
		writeError(w, err)
		return
	}

	err = s.store.WithinTransaction(r.Context(), func(tx *gorm.DB) error {
		vhost, err := storage.Get[types.Vhost](tx, vhostUUID)
		if err != nil {
			return err
		}
		if err := s.enforce(r.Context(), tx, &vhost.ProjectID, "network.load_balancers.write"); err != nil {
			return err
		}
		if err := route.Condition.Validate(vhost.Protocol); err != nil {
			return errdefs.Validationf("%v", err)
		}
		if _, err := storage.Get[types.BackendPool](tx, route.PoolUUID); err != nil {
			return err
		}
		return storage.Create(tx, &route)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}
