package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/iam"
	"github.com/infraguys/genesis-core/pkg/log"
	"github.com/infraguys/genesis-core/pkg/storage"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Server is the REST front of the control plane.
type Server struct {
	store    *storage.Store
	enforcer *iam.Enforcer
	cfg      config.Server
	iamCfg   config.IAM
	site     string

	httpSrv *http.Server
}

// New builds the server. The site endpoint lands in outgoing notification
// events so links in them point at the right host.
func New(store *storage.Store, enforcer *iam.Enforcer, cfg config.Server, iamCfg config.IAM, eventsCfg config.Events) *Server {
	s := &Server{
		store:    store,
		enforcer: enforcer,
		cfg:      cfg,
		iamCfg:   iamCfg,
		site:     eventsCfg.SiteEndpoint,
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler assembles the route table with the middleware chain. Exposed so
// tests can drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/iam/token", s.handleToken)
	mux.HandleFunc("POST /v1/iam/users/", s.handleUserRegister)
	mux.HandleFunc("POST /v1/iam/users/actions/reset_password", s.handleResetPasswordRequest)
	mux.HandleFunc("POST /v1/iam/users/actions/apply_reset", s.handleResetPasswordApply)

	// IAM administration.
	mux.Handle("GET /v1/iam/users/", s.authed(s.handleUserList))
	mux.Handle("GET /v1/iam/users/{uuid}", s.authed(s.handleUserGet))
	mux.Handle("DELETE /v1/iam/users/{uuid}", s.authed(s.handleUserDelete))
	mux.Handle("POST /v1/iam/users/{uuid}/actions/change_password", s.authed(s.handleChangePassword))

	registerIamCRUD(mux, s)

	// Resource planes.
	registerResourceRoutes(mux, s)

	// Orchestration and status endpoints.
	mux.Handle("POST /v1/orch/agents/", s.authed(s.handleAgentRegister))
	mux.Handle("GET /v1/orch/agents/", s.authed(s.handleAgentList))
	mux.Handle("PUT /v1/orch/agents/{uuid}", s.authed(s.handleAgentHeartbeat))
	mux.Handle("GET /v1/orch/agents/{uuid}/targets", s.authed(s.handleAgentTargets))
	mux.Handle("PUT /v1/status/actuals/", s.authed(s.handleActualsPush))

	return s.observe(mux)
}

// Start runs the listener until the context is canceled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	logger := log.WithComponent("api")
	logger.Info().Str("bind_address", s.cfg.BindAddress).Msg("rest server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop drains in-flight requests within the shutdown timeout.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
