package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/iam"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

const adminPassword = "bootstrap-admin-pw"

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(config.DB{
		ConnectionURL:      filepath.Join(t.TempDir(), "api.db"),
		ConnectionPoolSize: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate())

	iamCfg := config.IAM{
		BootstrapAdminPassword: adminPassword,
		TokenTTL:               time.Hour,
		RefreshTTL:             24 * time.Hour,
	}
	require.NoError(t, iam.Bootstrap(t.Context(), store, iamCfg))

	// Memoization off so permission changes take effect immediately.
	enforcer := iam.NewEnforcer(0)
	srv := New(store, enforcer, config.Server{
		BindAddress:     "127.0.0.1:0",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: time.Second,
	}, iamCfg, config.Events{SiteEndpoint: "https://console.example.com"})
	return srv, store
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, username, password string) tokenResponse {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/iam/token", "", map[string]string{
		"grant_type": "password",
		"client_id":  iam.BootstrapClientID,
		"username":   username,
		"password":   password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tr tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	require.NotEmpty(t, tr.AccessToken)
	return tr
}

func adminToken(t *testing.T, h http.Handler) string {
	return login(t, h, iam.BootstrapAdminUser, adminPassword).AccessToken
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestTokenGrantAndAuthedRead(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	tr := login(t, h, iam.BootstrapAdminUser, adminPassword)
	require.Equal(t, "Bearer", tr.TokenType)
	require.NotEmpty(t, tr.RefreshToken)
	require.Equal(t, int64(3600), tr.ExpiresIn)

	rec := doJSON(t, h, http.MethodGet, "/v1/iam/users/", tr.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestTokenRejectsBadPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/iam/token", "", map[string]string{
		"grant_type": "password",
		"client_id":  iam.BootstrapClientID,
		"username":   iam.BootstrapAdminUser,
		"password":   "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, http.StatusUnauthorized, env.Code)
	require.Equal(t, "AuthRequiredException", env.Type)
}

func TestRefreshGrantRotatesTokenPair(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	first := login(t, h, iam.BootstrapAdminUser, adminPassword)

	rec := doJSON(t, h, http.MethodPost, "/v1/iam/token", "", map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": first.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var second tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.NotEqual(t, first.AccessToken, second.AccessToken)

	// The rotated pair works, the old refresh value is dead.
	got := doJSON(t, h, http.MethodGet, "/v1/iam/users/", second.AccessToken, nil)
	require.Equal(t, http.StatusOK, got.Code)
	replay := doJSON(t, h, http.MethodPost, "/v1/iam/token", "", map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": first.RefreshToken,
	})
	require.Equal(t, http.StatusUnauthorized, replay.Code)
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/iam/users/", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func registerUser(t *testing.T, h http.Handler, name string) types.User {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/iam/users/", "", map[string]string{
		"name":       name,
		"first_name": "Test",
		"last_name":  "User",
		"email":      name + "@example.com",
		"password":   "user-password-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var user types.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	require.NotEqual(t, uuid.Nil, user.UUID)
	return user
}

func TestUserRegistrationSeedsProjectAndEvent(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	user := registerUser(t, h, "alice")

	tr := login(t, h, "alice", "user-password-1")

	// read_self covers the own record, the user directory stays closed.
	own := doJSON(t, h, http.MethodGet, "/v1/iam/users/"+user.UUID.String(), tr.AccessToken, nil)
	require.Equal(t, http.StatusOK, own.Code, own.Body.String())
	all := doJSON(t, h, http.MethodGet, "/v1/iam/users/", tr.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, all.Code)

	projects, err := storage.List[types.Project](store.DB(t.Context()))
	require.NoError(t, err)
	require.Len(t, projects, 1)
	require.Equal(t, "default", projects[0].Name)

	events, err := storage.List[types.OutboxEvent](store.DB(t.Context()), "kind = ?", "IamUserRegistration")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Contains(t, events[0].Payload, user.UUID.String())
	require.Contains(t, events[0].Payload, "https://console.example.com")
}

func TestNodeCreateWritesTarget(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	rec := doJSON(t, h, http.MethodPost, "/v1/nodes/", token, map[string]any{
		"name":      "web-0",
		"cores":     2,
		"ram":       2048,
		"image":     "ubuntu-24.04",
		"node_type": "VM",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var node types.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	require.Equal(t, "web-0", node.Meta.Name)
	require.Equal(t, types.StatusNew, node.Meta.Status)

	target, err := storage.GetTarget(store.DB(t.Context()), node.Meta.UUID)
	require.NoError(t, err)
	require.Equal(t, types.KindComputeNode, target.Kind)
	require.Equal(t, int64(1), target.Version)
	require.Equal(t, types.StatusNew, target.Status)

	events, err := storage.List[types.OutboxEvent](store.DB(t.Context()), "kind = ?", "NodeCreated")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestNodeDeleteMarksTargetDeleting(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	rec := doJSON(t, h, http.MethodPost, "/v1/nodes/", token, map[string]any{
		"name": "web-0", "cores": 1, "ram": 512, "image": "ubuntu", "node_type": "VM",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var node types.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))

	del := doJSON(t, h, http.MethodDelete, "/v1/nodes/"+node.Meta.UUID.String(), token, nil)
	require.Equal(t, http.StatusNoContent, del.Code)

	target, err := storage.GetTarget(store.DB(t.Context()), node.Meta.UUID)
	require.NoError(t, err)
	require.Equal(t, types.StatusDeleting, target.Status)
}

func TestNodeUpdateRespecsTarget(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	rec := doJSON(t, h, http.MethodPost, "/v1/nodes/", token, map[string]any{
		"name": "web-0", "cores": 1, "ram": 512, "image": "ubuntu", "node_type": "VM",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var node types.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))

	upd := doJSON(t, h, http.MethodPut, "/v1/nodes/"+node.Meta.UUID.String(), token, map[string]any{
		"name": "web-0", "cores": 4, "ram": 4096, "image": "ubuntu", "node_type": "VM",
		"version": 1,
	})
	require.Equal(t, http.StatusOK, upd.Code, upd.Body.String())
	var updated types.Node
	require.NoError(t, json.Unmarshal(upd.Body.Bytes(), &updated))
	require.Equal(t, int64(2), updated.Meta.Version)

	target, err := storage.GetTarget(store.DB(t.Context()), node.Meta.UUID)
	require.NoError(t, err)
	require.Equal(t, int64(2), target.Version)
	require.Equal(t, types.StatusNew, target.Status)
	require.Contains(t, target.Spec, `"cores":4`)

	// A writer still holding version 1 lost the race.
	stale := doJSON(t, h, http.MethodPut, "/v1/nodes/"+node.Meta.UUID.String(), token, map[string]any{
		"name": "web-0", "cores": 8, "ram": 8192, "image": "ubuntu", "node_type": "VM",
		"version": 1,
	})
	require.Equal(t, http.StatusConflict, stale.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(stale.Body.Bytes(), &env))
	require.Equal(t, "ConflictException", env.Type)
}

func TestServiceUpdateVersionGuard(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	node := uuid.New()
	body := map[string]any{
		"name": "api", "path": "/opt/api/run", "user": "svc", "group": "svc",
		"service_type": "simple",
		"target":       map[string]any{"kind": "node", "node": node.String()},
		"before":       []map[string]any{},
		"after":        []map[string]any{},
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/em/services/", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var svc types.Service
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &svc))
	require.Equal(t, int64(1), svc.Version)

	// Two clients update from the same observed version; the first wins and
	// the second gets Conflict.
	path := "/v1/em/services/" + svc.UUID.String()
	body["version"] = 1
	body["path"] = "/opt/api/run-v2"
	first := doJSON(t, h, http.MethodPut, path, token, body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	body["path"] = "/opt/api/run-v3"
	second := doJSON(t, h, http.MethodPut, path, token, body)
	require.Equal(t, http.StatusConflict, second.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &env))
	require.Equal(t, "ConflictException", env.Type)

	stored, err := storage.Get[types.Service](store.DB(t.Context()), svc.UUID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Version)
	require.Equal(t, "/opt/api/run-v2", stored.Path)
	require.Equal(t, types.StatusNew, stored.Status)

	missing := doJSON(t, h, http.MethodPut, path, token, map[string]any{
		"name": "api", "path": "/opt/api/run", "user": "svc", "group": "svc",
		"service_type": "simple",
		"target":       map[string]any{"kind": "node", "node": node.String()},
		"before":       []map[string]any{},
		"after":        []map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, missing.Code, "updates without the observed version are rejected")
}

func TestPermissionNameGrammarEnforced(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	wildcard := doJSON(t, h, http.MethodPost, "/v1/iam/permissions/", token, map[string]any{
		"name": "*.*.*",
	})
	require.Equal(t, http.StatusBadRequest, wildcard.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(wildcard.Body.Bytes(), &env))
	require.Equal(t, "ValidationException", env.Type)

	malformed := doJSON(t, h, http.MethodPost, "/v1/iam/permissions/", token, map[string]any{
		"name": "not a permission",
	})
	require.Equal(t, http.StatusBadRequest, malformed.Code)

	ok := doJSON(t, h, http.MethodPost, "/v1/iam/permissions/", token, map[string]any{
		"name": "compute.nodes.reboot",
	})
	require.Equal(t, http.StatusCreated, ok.Code, ok.Body.String())
}

func TestProjectScopedGrantAndRevocation(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	user := registerUser(t, h, "bob")
	tr := login(t, h, "bob", "user-password-1")

	projects, err := storage.List[types.Project](store.DB(t.Context()))
	require.NoError(t, err)
	require.Len(t, projects, 1)
	project := projects[0].UUID

	body := map[string]any{
		"name": "app-0", "cores": 1, "ram": 512, "image": "ubuntu",
		"node_type": "VM", "project_id": project.String(),
	}
	created := doJSON(t, h, http.MethodPost, "/v1/nodes/", tr.AccessToken, body)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())

	// Member rights do not leak outside the granted project.
	foreign := map[string]any{
		"name": "app-1", "cores": 1, "ram": 512, "image": "ubuntu",
		"node_type": "VM", "project_id": uuid.NewString(),
	}
	denied := doJSON(t, h, http.MethodPost, "/v1/nodes/", tr.AccessToken, foreign)
	require.Equal(t, http.StatusForbidden, denied.Code)

	// Revoking the member binding closes the project too.
	admin := adminToken(t, h)
	bindings, err := storage.List[types.RoleBinding](store.DB(t.Context()),
		"user_uuid = ? AND project IS NOT NULL", user.UUID)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	revoke := doJSON(t, h, http.MethodDelete, "/v1/iam/role_bindings/"+bindings[0].UUID.String(), admin, nil)
	require.Equal(t, http.StatusNoContent, revoke.Code)

	body["name"] = "app-2"
	after := doJSON(t, h, http.MethodPost, "/v1/nodes/", tr.AccessToken, body)
	require.Equal(t, http.StatusForbidden, after.Code)
}

func TestAgentLifecycleAndActualsPush(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	agentID := uuid.New()
	reg := doJSON(t, h, http.MethodPost, "/v1/orch/agents/", token, map[string]any{
		"uuid":         agentID.String(),
		"name":         "agent-1",
		"capabilities": []string{"em_core_compute_nodes"},
	})
	require.Equal(t, http.StatusOK, reg.Code, reg.Body.String())

	beat := doJSON(t, h, http.MethodPut, "/v1/orch/agents/"+agentID.String(), token, nil)
	require.Equal(t, http.StatusNoContent, beat.Code)
	unknown := doJSON(t, h, http.MethodPut, "/v1/orch/agents/"+uuid.NewString(), token, nil)
	require.Equal(t, http.StatusNotFound, unknown.Code)

	resID := uuid.New()
	push := doJSON(t, h, http.MethodPut, "/v1/status/actuals/", token, map[string]any{
		"agent_uuid": agentID.String(),
		"kind":       "em_core_compute_nodes",
		"actuals": []map[string]any{{
			"uuid":    resID.String(),
			"kind":    "em_core_compute_nodes",
			"version": 3,
			"status":  "ACTIVE",
			"spec":    map[string]any{"name": "web-0"},
		}},
	})
	require.Equal(t, http.StatusNoContent, push.Code, push.Body.String())

	actual, err := storage.GetActual(store.DB(t.Context()), resID)
	require.NoError(t, err)
	require.Equal(t, int64(3), actual.TargetVersion)
	require.Equal(t, agentID, actual.AgentUUID)
	require.NotEmpty(t, actual.FullHash)

	// An empty push for the kind prunes everything the agent reported.
	prune := doJSON(t, h, http.MethodPut, "/v1/status/actuals/", token, map[string]any{
		"agent_uuid": agentID.String(),
		"kind":       "em_core_compute_nodes",
		"actuals":    []map[string]any{},
	})
	require.Equal(t, http.StatusNoContent, prune.Code)
	_, err = storage.GetActual(store.DB(t.Context()), resID)
	require.Error(t, err)
}

func TestAgentTargetsEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)
	agentID := uuid.New()

	target, err := types.NewTarget(uuid.New(), types.KindComputeNode, types.ServiceProjectID,
		types.NodeSpec{Name: "web-0", Cores: 1, RAM: 512, Image: "ubuntu", NodeType: types.NodeTypeVM})
	require.NoError(t, err)
	target.AgentUUID = &agentID
	require.NoError(t, storage.CreateTarget(store.DB(t.Context()), target))

	rec := doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/orch/agents/%s/targets?kind=em_core_compute_nodes", agentID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out []types.Resource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, target.UUID, out[0].UUID)

	bad := doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/orch/agents/%s/targets?kind=bogus", agentID), token, nil)
	require.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestVhostPortConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	lbRec := doJSON(t, h, http.MethodPost, "/v1/network/lb/", token, map[string]any{
		"name": "edge", "ipsv4": []string{"203.0.113.10"},
	})
	require.Equal(t, http.StatusCreated, lbRec.Code, lbRec.Body.String())
	var lb types.LoadBalancer
	require.NoError(t, json.Unmarshal(lbRec.Body.Bytes(), &lb))

	base := "/v1/network/lb/" + lb.UUID.String() + "/vhosts/"
	first := doJSON(t, h, http.MethodPost, base, token, map[string]any{
		"name": "web", "protocol": "http", "port": 80, "enabled": true,
	})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	// (protocol, port) is unique per load balancer; udp is the one protocol
	// that can share a port with http.
	second := doJSON(t, h, http.MethodPost, base, token, map[string]any{
		"name": "web2", "protocol": "http", "port": 80, "enabled": true,
	})
	require.Equal(t, http.StatusConflict, second.Code)
	tcp := doJSON(t, h, http.MethodPost, base, token, map[string]any{
		"name": "raw", "protocol": "tcp", "port": 80, "enabled": true,
	})
	require.Equal(t, http.StatusConflict, tcp.Code)
	udp := doJSON(t, h, http.MethodPost, base, token, map[string]any{
		"name": "dns", "protocol": "udp", "port": 80, "enabled": true,
	})
	require.Equal(t, http.StatusCreated, udp.Code, udp.Body.String())
}

func TestRouteConditionMatchesVhostProtocol(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	lbRec := doJSON(t, h, http.MethodPost, "/v1/network/lb/", token, map[string]any{"name": "edge"})
	require.Equal(t, http.StatusCreated, lbRec.Code)
	var lb types.LoadBalancer
	require.NoError(t, json.Unmarshal(lbRec.Body.Bytes(), &lb))

	poolRec := doJSON(t, h, http.MethodPost, "/v1/network/pools/", token, map[string]any{
		"name": "backends", "lb": lb.UUID.String(), "balance": "round_robin",
		"endpoints": []map[string]any{{"host": "10.0.0.5", "port": 8080}},
	})
	require.Equal(t, http.StatusCreated, poolRec.Code, poolRec.Body.String())
	var pool types.BackendPool
	require.NoError(t, json.Unmarshal(poolRec.Body.Bytes(), &pool))

	vhostRec := doJSON(t, h, http.MethodPost, "/v1/network/lb/"+lb.UUID.String()+"/vhosts/", token, map[string]any{
		"name": "web", "protocol": "http", "port": 80, "enabled": true,
	})
	require.Equal(t, http.StatusCreated, vhostRec.Code)
	var vhost types.Vhost
	require.NoError(t, json.Unmarshal(vhostRec.Body.Bytes(), &vhost))

	routes := "/v1/network/vhosts/" + vhost.UUID.String() + "/routes/"
	raw := doJSON(t, h, http.MethodPost, routes, token, map[string]any{
		"name": "all", "condition": map[string]any{"kind": "raw"}, "pool": pool.UUID.String(),
	})
	require.Equal(t, http.StatusBadRequest, raw.Code)

	prefix := doJSON(t, h, http.MethodPost, routes, token, map[string]any{
		"name": "all", "condition": map[string]any{"kind": "prefix", "path": "/"}, "pool": pool.UUID.String(),
	})
	require.Equal(t, http.StatusCreated, prefix.Code, prefix.Body.String())
}

func TestInterfaceLeaseAllocation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	netRec := doJSON(t, h, http.MethodPost, "/v1/networks/", token, map[string]any{
		"name": "lan", "driver": "bridge",
	})
	require.Equal(t, http.StatusCreated, netRec.Code, netRec.Body.String())
	var network types.Network
	require.NoError(t, json.Unmarshal(netRec.Body.Bytes(), &network))

	subRec := doJSON(t, h, http.MethodPost, "/v1/subnets/", token, map[string]any{
		"name": "lan-0", "network": network.UUID.String(),
		"cidr": "10.0.0.0/30", "gateway": "10.0.0.1",
	})
	require.Equal(t, http.StatusCreated, subRec.Code, subRec.Body.String())
	var subnet types.Subnet
	require.NoError(t, json.Unmarshal(subRec.Body.Bytes(), &subnet))

	node := uuid.New()
	first := doJSON(t, h, http.MethodPost, "/v1/interfaces/", token, map[string]any{
		"name": "eth0", "node": node.String(), "subnet": subnet.UUID.String(),
	})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	var iface types.Interface
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &iface))
	// /30 leaves one address once network, gateway and broadcast are gone.
	require.Equal(t, "10.0.0.2", iface.IPAddress)

	exhausted := doJSON(t, h, http.MethodPost, "/v1/interfaces/", token, map[string]any{
		"name": "eth0", "node": uuid.NewString(), "subnet": subnet.UUID.String(),
	})
	require.Equal(t, http.StatusConflict, exhausted.Code)

	outside := doJSON(t, h, http.MethodPost, "/v1/interfaces/", token, map[string]any{
		"name": "eth1", "node": uuid.NewString(), "subnet": subnet.UUID.String(),
		"ip_address": "192.168.1.5",
	})
	require.Equal(t, http.StatusBadRequest, outside.Code)
}

func TestSetDeleteIsAsynchronous(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	rec := doJSON(t, h, http.MethodPost, "/v1/sets/", token, map[string]any{
		"name": "workers", "replicas": 2, "cores": 1, "ram": 512,
		"image": "ubuntu", "node_type": "VM",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var set types.NodeSet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.Equal(t, types.StatusNew, set.Status)

	del := doJSON(t, h, http.MethodDelete, "/v1/sets/"+set.UUID.String(), token, nil)
	require.Equal(t, http.StatusNoContent, del.Code)

	// The row survives in DELETING until the orchestrator finishes teardown.
	stored, err := storage.Get[types.NodeSet](store.DB(t.Context()), set.UUID)
	require.NoError(t, err)
	require.Equal(t, types.StatusDeleting, stored.Status)
}

func TestServiceCreateValidatesUnions(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := adminToken(t, h)

	node := uuid.New()
	good := doJSON(t, h, http.MethodPost, "/v1/em/services/", token, map[string]any{
		"name": "api", "path": "/opt/api/run", "user": "svc", "group": "svc",
		"service_type": "simple",
		"target":       map[string]any{"kind": "node", "node": node.String()},
		"before":       []map[string]any{{"kind": "shell", "command": "mkdir -p /var/lib/api"}},
		"after":        []map[string]any{},
	})
	require.Equal(t, http.StatusCreated, good.Code, good.Body.String())

	hook := doJSON(t, h, http.MethodPost, "/v1/em/services/", token, map[string]any{
		"name": "api2", "path": "/opt/api2/run", "user": "svc", "group": "svc",
		"service_type": "simple",
		"target":       map[string]any{"kind": "node", "node": node.String()},
		"before":       []map[string]any{{"kind": "service", "service": uuid.NewString()}},
		"after":        []map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, hook.Code)

	target := doJSON(t, h, http.MethodPost, "/v1/em/services/", token, map[string]any{
		"name": "api3", "path": "/opt/api3/run", "user": "svc", "group": "svc",
		"service_type": "simple",
		"target":       map[string]any{"kind": "set"},
		"before":       []map[string]any{},
		"after":        []map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, target.Code)
}

func TestChangePasswordRequiresOldSecret(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	user := registerUser(t, h, "carol")
	tr := login(t, h, "carol", "user-password-1")

	path := "/v1/iam/users/" + user.UUID.String() + "/actions/change_password"
	bad := doJSON(t, h, http.MethodPost, path, tr.AccessToken, map[string]string{
		"old_password": "wrong", "new_password": "new-password-1",
	})
	require.Equal(t, http.StatusUnauthorized, bad.Code)

	ok := doJSON(t, h, http.MethodPost, path, tr.AccessToken, map[string]string{
		"old_password": "user-password-1", "new_password": "new-password-1",
	})
	require.Equal(t, http.StatusNoContent, ok.Code, ok.Body.String())
	login(t, h, "carol", "new-password-1")
}

func TestResetPasswordFlow(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	registerUser(t, h, "dave")

	rec := doJSON(t, h, http.MethodPost, "/v1/iam/users/actions/reset_password", "", map[string]string{
		"email": "dave@example.com",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// An unknown address gets the same answer.
	unknown := doJSON(t, h, http.MethodPost, "/v1/iam/users/actions/reset_password", "", map[string]string{
		"email": "nobody@example.com",
	})
	require.Equal(t, http.StatusAccepted, unknown.Code)

	user, err := storage.GetUserByEmail(store.DB(t.Context()), "dave@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, user.ResetCode)

	apply := doJSON(t, h, http.MethodPost, "/v1/iam/users/actions/apply_reset", "", map[string]string{
		"email": "dave@example.com", "reset_code": user.ResetCode, "new_password": "reset-password-1",
	})
	require.Equal(t, http.StatusNoContent, apply.Code, apply.Body.String())
	login(t, h, "dave", "reset-password-1")

	replay := doJSON(t, h, http.MethodPost, "/v1/iam/users/actions/apply_reset", "", map[string]string{
		"email": "dave@example.com", "reset_code": user.ResetCode, "new_password": "other-password-1",
	})
	require.Equal(t, http.StatusUnauthorized, replay.Code)
}
