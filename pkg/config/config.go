package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Core is the configuration of the control-plane binary.
type Core struct {
	DB           DB           `koanf:"db"`
	Server       Server       `koanf:"server"`
	Orchestrator Orchestrator `koanf:"orchestrator"`
	Scheduler    Scheduler    `koanf:"universal_agent_scheduler"`
	Events       Events       `koanf:"events"`
	IAM          IAM          `koanf:"iam"`
	Logging      Logging      `koanf:"logging"`
	Metrics      Metrics      `koanf:"metrics"`
}

// Validate checks the full tree.
func (c *Core) Validate() error {
	return validate.Struct(c)
}

// LoadCore resolves the control-plane configuration from defaults, the
// optional file and directory, and the environment.
func LoadCore(configPath, configDir string) (*Core, error) {
	loader := NewLoader()
	if err := loader.Load(DefaultCore(), configPath, configDir); err != nil {
		return nil, err
	}
	cfg := &Core{}
	if err := loader.UnmarshalAndValidate("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultCore returns the control-plane defaults.
func DefaultCore() Core {
	return Core{
		DB: DB{
			ConnectionURL:      "file:genesis-core.db?_pragma=busy_timeout(5000)",
			ConnectionPoolSize: 4,
		},
		Server: Server{
			BindAddress:     ":11010",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Orchestrator: Orchestrator{
			Workers:     3,
			Period:      3 * time.Second,
			ClaimBatch:  50,
			LeaseTTL:    30 * time.Second,
			MaxAttempts: 5,
		},
		Scheduler: Scheduler{
			HeartbeatStaleness: 30 * time.Second,
		},
		Events: Events{
			PollPeriod:   2 * time.Second,
			MaxAttempts:  8,
			SiteEndpoint: "http://localhost:11010",
		},
		IAM: IAM{
			MemoTTL:    250 * time.Millisecond,
			TokenTTL:   time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		Logging: Logging{Level: "info", JSON: true},
		Metrics: Metrics{BindAddress: ""},
	}
}

// Agent is the configuration of the universal agent binary.
type Agent struct {
	UniversalAgent UniversalAgent `koanf:"universal_agent"`
	Drivers        Drivers        `koanf:"drivers"`
	Logging        Logging        `koanf:"logging"`
}

// Validate checks the full tree.
func (c *Agent) Validate() error {
	return validate.Struct(c)
}

// LoadAgent resolves the agent configuration.
func LoadAgent(configPath, configDir string) (*Agent, error) {
	loader := NewLoader()
	if err := loader.Load(DefaultAgent(), configPath, configDir); err != nil {
		return nil, err
	}
	cfg := &Agent{}
	if err := loader.UnmarshalAndValidate("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultAgent returns the agent defaults.
func DefaultAgent() Agent {
	return Agent{
		UniversalAgent: UniversalAgent{
			OrchEndpoint:   "http://localhost:11010",
			StatusEndpoint: "http://localhost:11010",
			CapsDrivers:    []string{"core_compute", "password", "certificate", "core_service", "core_config"},
			IterPeriod:     5 * time.Second,
			IterJitter:     0.1,
		},
		Drivers: Drivers{
			CoreCompute: CoreComputeDriver{StatePath: "/var/lib/genesis/core-compute.db"},
			Password:    PasswordDriver{StorePath: "/var/lib/genesis/passwords.json"},
			Certificate: CertificateDriver{StorePath: "/var/lib/genesis/certs"},
			Service:     ServiceDriver{UnitPath: "/etc/systemd/system"},
			CoreConfig:  CoreConfigDriver{StatePath: "/var/lib/genesis/configs.json", RootPath: "/"},
		},
		Logging: Logging{Level: "info", JSON: true},
	}
}

// DB configures the relational store.
type DB struct {
	ConnectionURL      string `koanf:"connection_url" validate:"required"`
	ConnectionPoolSize int    `koanf:"connection_pool_size" validate:"min=1"`
}

// Server configures the REST listener.
type Server struct {
	BindAddress     string        `koanf:"bind_address" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"min=1s"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=1s"`
}

// Orchestrator configures the reconciliation workers.
type Orchestrator struct {
	Workers     int           `koanf:"workers" validate:"min=1,max=64"`
	Period      time.Duration `koanf:"period" validate:"min=100ms"`
	ClaimBatch  int           `koanf:"claim_batch" validate:"min=1,max=1000"`
	LeaseTTL    time.Duration `koanf:"lease_ttl" validate:"min=1s"`
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1"`
}

// Scheduler configures agent selection.
type Scheduler struct {
	HeartbeatStaleness time.Duration `koanf:"heartbeat_staleness" validate:"min=1s"`
}

// Events configures the outbox dispatcher.
type Events struct {
	PollPeriod   time.Duration `koanf:"poll_period" validate:"min=100ms"`
	MaxAttempts  int           `koanf:"max_attempts" validate:"min=1"`
	SiteEndpoint string        `koanf:"site_endpoint" validate:"required,url"`
}

// IAM configures the authorization kernel and token issuance.
type IAM struct {
	MemoTTL time.Duration `koanf:"memo_ttl" validate:"max=500ms"`
	// BootstrapAdminPassword seeds the admin user on first start. Empty
	// disables bootstrap.
	BootstrapAdminPassword string        `koanf:"bootstrap_admin_password"`
	BootstrapSeedPath      string        `koanf:"bootstrap_seed_path"`
	TokenTTL               time.Duration `koanf:"token_ttl" validate:"min=1m"`
	RefreshTTL             time.Duration `koanf:"refresh_ttl" validate:"min=1m"`
}

// Logging configures the global logger.
type Logging struct {
	Level string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// Metrics configures the prometheus listener. An empty bind address
// disables it.
type Metrics struct {
	BindAddress string `koanf:"bind_address"`
}

// UniversalAgent configures the per-node agent loop.
type UniversalAgent struct {
	// UUID overrides the machine-derived agent identity.
	UUID           string        `koanf:"uuid" validate:"omitempty,uuid"`
	Name           string        `koanf:"name"`
	OrchEndpoint   string        `koanf:"orch_endpoint" validate:"required,url"`
	StatusEndpoint string        `koanf:"status_endpoint" validate:"required,url"`
	CapsDrivers    []string      `koanf:"caps_drivers" validate:"min=1"`
	IterPeriod     time.Duration `koanf:"iter_period" validate:"min=500ms"`
	IterJitter     float64       `koanf:"iter_jitter" validate:"min=0,max=0.5"`
	Login          Login         `koanf:"login"`
}

// Login holds the password-grant credentials of the agent.
type Login struct {
	ClientID     string `koanf:"client_id" validate:"required"`
	ClientSecret string `koanf:"client_secret"`
	Username     string `koanf:"username" validate:"required"`
	Password     string `koanf:"password" validate:"required"`
}

// Drivers holds per-driver blocks.
type Drivers struct {
	CoreCompute CoreComputeDriver `koanf:"core_compute"`
	Password    PasswordDriver    `koanf:"password"`
	Certificate CertificateDriver `koanf:"certificate"`
	Service     ServiceDriver     `koanf:"service"`
	CoreConfig  CoreConfigDriver  `koanf:"core_config"`
}

// CoreComputeDriver configures the dummy machine-pool hypervisor.
type CoreComputeDriver struct {
	StatePath string `koanf:"state_path" validate:"required"`
}

// PasswordDriver configures the password store.
type PasswordDriver struct {
	StorePath string `koanf:"store_path" validate:"required"`
}

// CertificateDriver configures the certificate store.
type CertificateDriver struct {
	StorePath string `koanf:"store_path" validate:"required"`
}

// ServiceDriver configures systemd unit rendering.
type ServiceDriver struct {
	UnitPath string `koanf:"unit_path" validate:"required"`
}

// CoreConfigDriver configures managed file rendering. RootPath prefixes every
// rendered path; production uses "/".
type CoreConfigDriver struct {
	StatePath string `koanf:"state_path" validate:"required"`
	RootPath  string `koanf:"root_path" validate:"required"`
}
