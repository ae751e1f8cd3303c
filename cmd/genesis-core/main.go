package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/infraguys/genesis-core/pkg/api"
	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/events"
	"github.com/infraguys/genesis-core/pkg/iam"
	"github.com/infraguys/genesis-core/pkg/log"
	"github.com/infraguys/genesis-core/pkg/metrics"
	"github.com/infraguys/genesis-core/pkg/orchestrator"
	"github.com/infraguys/genesis-core/pkg/scheduler"
	"github.com/infraguys/genesis-core/pkg/storage"
	"github.com/infraguys/genesis-core/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configFile string
	configDir  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "genesis-core",
	Short: "Genesis Core - declarative infrastructure control plane",
	Long: `Genesis Core runs the control plane: the REST API, the IAM kernel,
the reconciliation orchestrator and the outbox event dispatcher,
backed by a single relational store.`,
	Version: Version,
	RunE:    runCore,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Genesis Core version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringVar(&configFile, "config-file", "", "Path to the configuration file")
	rootCmd.Flags().StringVar(&configDir, "config-dir", "", "Directory of configuration fragments")
}

func runCore(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadCore(configFile, configDir)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})
	logger := log.WithComponent("main")

	store, err := storage.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := iam.Bootstrap(ctx, store, cfg.IAM); err != nil {
		return err
	}
	enforcer := iam.NewEnforcer(cfg.IAM.MemoTTL)

	dispatcher := events.NewDispatcher(store, cfg.Events)
	subscribeNotifications(dispatcher)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	orch := orchestrator.New(store, scheduler.New(cfg.Scheduler), cfg.Orchestrator)
	orch.Start(ctx)
	defer orch.Stop()

	if cfg.Metrics.BindAddress != "" {
		go serveMetrics(cfg.Metrics.BindAddress)
	}

	server := api.New(store, enforcer, cfg.Server, cfg.IAM, cfg.Events)
	logger.Info().Str("version", Version).Msg("genesis-core started")
	return server.Start(ctx)
}

// subscribeNotifications attaches the built-in event consumers. Mail
// transport is deployment-specific; the default consumers surface the codes
// in the structured log so an operator-side relay can pick them up.
func subscribeNotifications(d *events.Dispatcher) {
	logger := log.WithComponent("notifications")

	d.Subscribe(events.KindUserRegistration, func(_ context.Context, ev types.OutboxEvent) error {
		var p events.UserRegistration
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return err
		}
		logger.Info().
			Str("email", p.Email).
			Str("confirmation_url", fmt.Sprintf("%s/confirm/%s", p.SiteEndpoint, p.ConfirmationCode)).
			Msg("user registered")
		return nil
	})

	d.Subscribe(events.KindUserResetPassword, func(_ context.Context, ev types.OutboxEvent) error {
		var p events.UserResetPassword
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return err
		}
		logger.Info().
			Str("email", p.Email).
			Str("reset_url", fmt.Sprintf("%s/reset/%s", p.SiteEndpoint, p.ResetCode)).
			Msg("password reset requested")
		return nil
	})

	for _, kind := range []events.Kind{events.KindNodeCreated, events.KindServiceCreated, events.KindCertificateIssued} {
		d.Subscribe(kind, func(_ context.Context, ev types.OutboxEvent) error {
			logger.Info().Str("kind", ev.Kind).RawJSON("payload", []byte(ev.Payload)).Msg("resource event")
			return nil
		})
	}
}

func serveMetrics(addr string) {
	logger := log.WithComponent("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info().Str("bind_address", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics listener failed")
	}
}
