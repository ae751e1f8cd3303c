package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(config.UniversalAgent{
		OrchEndpoint:   srv.URL,
		StatusEndpoint: srv.URL,
		Login: config.Login{
			ClientID: "agent",
			Username: "node-agent",
			Password: "secret",
		},
	})
	return c, srv
}

func writeToken(w http.ResponseWriter, token string, expiresIn int64) {
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	})
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	var logins, beats atomic.Int32
	agent := uuid.New()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/iam/token", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		var grant map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&grant))
		require.Equal(t, "password", grant["grant_type"])
		require.Equal(t, "node-agent", grant["username"])
		writeToken(w, "tok-1", 3600)
	})
	mux.HandleFunc("PUT /v1/orch/agents/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		beats.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	c, _ := testClient(t, mux)
	require.NoError(t, c.Heartbeat(t.Context(), agent))
	require.NoError(t, c.Heartbeat(t.Context(), agent))
	require.Equal(t, int32(1), logins.Load())
	require.Equal(t, int32(2), beats.Load())
}

func TestUnauthorizedDropsTokenAndRelogsIn(t *testing.T) {
	var logins atomic.Int32
	agent := uuid.New()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/iam/token", func(w http.ResponseWriter, _ *http.Request) {
		n := logins.Add(1)
		if n == 1 {
			writeToken(w, "stale", 3600)
			return
		}
		writeToken(w, "fresh", 3600)
	})
	mux.HandleFunc("PUT /v1/orch/agents/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(errorEnvelope{Code: 401, Type: "auth_required", Message: "token revoked"})
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	c, _ := testClient(t, mux)
	err := c.Heartbeat(t.Context(), agent)
	require.Error(t, err)
	require.True(t, errdefs.IsAuthRequired(err))

	// The 401 evicted the cached token, so the retry logs in again.
	require.NoError(t, c.Heartbeat(t.Context(), agent))
	require.Equal(t, int32(2), logins.Load())
}

func TestRetriesTransientServerErrors(t *testing.T) {
	var attempts atomic.Int32
	agent := uuid.New()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/iam/token", func(w http.ResponseWriter, _ *http.Request) {
		writeToken(w, "tok", 3600)
	})
	mux.HandleFunc("GET /v1/orch/agents/{uuid}/targets", func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(errorEnvelope{Code: 503, Type: "transient", Message: "restarting"})
			return
		}
		_ = json.NewEncoder(w).Encode([]types.Resource{{UUID: uuid.New(), Kind: types.KindPassword, Version: 1}})
	})

	c, _ := testClient(t, mux)
	targets, err := c.Targets(t.Context(), agent, types.KindPassword)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, int32(3), attempts.Load())
}

func TestDoesNotRetryValidationErrors(t *testing.T) {
	var attempts atomic.Int32
	agent := uuid.New()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/iam/token", func(w http.ResponseWriter, _ *http.Request) {
		writeToken(w, "tok", 3600)
	})
	mux.HandleFunc("PUT /v1/status/actuals/", func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorEnvelope{Code: 400, Type: "validation", Message: "unknown kind"})
	})

	c, _ := testClient(t, mux)
	err := c.PushActuals(t.Context(), agent, "bogus", nil)
	require.Error(t, err)
	require.True(t, errdefs.IsValidation(err))
	require.Contains(t, err.Error(), "unknown kind")
	require.Equal(t, int32(1), attempts.Load())
}

func TestPushActualsBodyShape(t *testing.T) {
	agent := uuid.New()
	resource := uuid.New()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/iam/token", func(w http.ResponseWriter, _ *http.Request) {
		writeToken(w, "tok", 3600)
	})
	mux.HandleFunc("PUT /v1/status/actuals/", func(w http.ResponseWriter, r *http.Request) {
		var push actualsPush
		require.NoError(t, json.NewDecoder(r.Body).Decode(&push))
		require.Equal(t, agent, push.AgentUUID)
		require.Equal(t, types.KindCertificate, push.Kind)
		require.Len(t, push.Actuals, 1)
		require.Equal(t, resource, push.Actuals[0].UUID)
		require.Equal(t, types.StatusActive, push.Actuals[0].Status)
		w.WriteHeader(http.StatusOK)
	})

	c, _ := testClient(t, mux)
	err := c.PushActuals(t.Context(), agent, types.KindCertificate, []types.Resource{
		{UUID: resource, Kind: types.KindCertificate, Version: 2, Status: types.StatusActive},
	})
	require.NoError(t, err)
}

func TestRegisterAgentPostsRecord(t *testing.T) {
	record := &types.Agent{
		UUID:         uuid.New(),
		Name:         "node-7",
		NodeUUID:     uuid.New(),
		Capabilities: []string{"em_core_*", "password"},
		Status:       types.AgentStatusActive,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/iam/token", func(w http.ResponseWriter, _ *http.Request) {
		writeToken(w, "tok", 3600)
	})
	mux.HandleFunc("POST /v1/orch/agents/", func(w http.ResponseWriter, r *http.Request) {
		var got types.Agent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.Equal(t, record.UUID, got.UUID)
		require.Equal(t, record.Capabilities, got.Capabilities)
		w.WriteHeader(http.StatusCreated)
	})

	c, _ := testClient(t, mux)
	require.NoError(t, c.RegisterAgent(t.Context(), record))
}

func TestTokenTTLPrefersJWTExpiry(t *testing.T) {
	require.Equal(t, time.Minute, tokenTTL(TokenResponse{AccessToken: "opaque"}))

	ttl := tokenTTL(TokenResponse{AccessToken: "opaque", ExpiresIn: 600})
	require.InDelta(t, float64(10*time.Minute-tokenSlack), float64(ttl), float64(time.Second))
}
