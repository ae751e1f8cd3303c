package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/infraguys/genesis-core/pkg/agent"
	"github.com/infraguys/genesis-core/pkg/client"
	"github.com/infraguys/genesis-core/pkg/config"
	"github.com/infraguys/genesis-core/pkg/driver/registry"
	"github.com/infraguys/genesis-core/pkg/log"
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
	Use:   "genesis-agent",
	Short: "Genesis universal agent - per-node reconciliation loop",
	Long: `The universal agent runs on every managed node. It polls the control
plane for assigned targets, converges them through its configured
capability drivers and reports the observed state back.`,
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Genesis Agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringVar(&configFile, "config-file", "", "Path to the configuration file")
	rootCmd.Flags().StringVar(&configDir, "config-dir", "", "Directory of configuration fragments")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadAgent(configFile, configDir)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})
	logger := log.WithComponent("main")

	drivers, err := registry.Build(cfg.UniversalAgent.CapsDrivers, cfg.Drivers)
	if err != nil {
		return err
	}

	ag, err := agent.New(cfg.UniversalAgent, client.New(cfg.UniversalAgent), drivers)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ag.Start(ctx); err != nil {
		return err
	}
	logger.Info().
		Str("version", Version).
		Str("agent_uuid", ag.UUID().String()).
		Strs("capabilities", ag.Capabilities()).
		Msg("genesis-agent started")

	<-ctx.Done()
	ag.Stop()
	logger.Info().Msg("genesis-agent stopped")
	return nil
}
