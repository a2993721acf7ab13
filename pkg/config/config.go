package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/vim/pkg/log"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Config is the engine configuration file
type Config struct {
	Log          LogConfig          `yaml:"log"`
	DataDir      string             `yaml:"data-dir" validate:"required"`
	API          APIConfig          `yaml:"api"`
	OpenStack    OpenStackConfig    `yaml:"openstack"`
	Kubernetes   KubernetesConfig   `yaml:"kubernetes"`
	NFVITimeouts NFVITimeouts       `yaml:"nfvi-timeouts"`
	Audit        AuditConfig        `yaml:"audit"`
	RateLimit    map[string]RateCfg `yaml:"rate-limit" validate:"dive"`
	Probes       ProbeConfig        `yaml:"probes"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// APIConfig holds listener addresses
type APIConfig struct {
	HTTPAddr   string `yaml:"http-addr" validate:"required,hostname_port"`
	GRPCAddr   string `yaml:"grpc-addr" validate:"omitempty,hostname_port"`
	NotifyAddr string `yaml:"notify-addr" validate:"omitempty,hostname_port"`
}

// OpenStackConfig holds keystone credentials and service endpoints
type OpenStackConfig struct {
	AuthURL           string `yaml:"auth-url" validate:"omitempty,url"`
	Username          string `yaml:"username" validate:"required_with=AuthURL"`
	Password          string `yaml:"password"`
	ProjectName       string `yaml:"project-name" validate:"required_with=AuthURL"`
	UserDomainName    string `yaml:"user-domain-name"`
	ProjectDomainName string `yaml:"project-domain-name"`
	Region            string `yaml:"region"`
	// Interface is the catalog endpoint type (public, internal, admin)
	Interface string `yaml:"interface" validate:"omitempty,oneof=public internal admin"`
	// Endpoints overrides catalog lookups by service type
	Endpoints map[string]string `yaml:"endpoints" validate:"dive,url"`
}

// KubernetesConfig locates the cluster
type KubernetesConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
}

// NFVITimeouts holds per-call timeout budgets
type NFVITimeouts struct {
	Default time.Duration            `yaml:"default" validate:"gt=0"`
	Calls   map[string]time.Duration `yaml:"calls"`
}

// For returns the timeout budget for the named call
func (t NFVITimeouts) For(call string) time.Duration {
	if d, ok := t.Calls[call]; ok && d > 0 {
		return d
	}
	return t.Default
}

// AuditConfig controls the periodic audit tick and fleet polling
type AuditConfig struct {
	TickInterval  time.Duration `yaml:"tick-interval" validate:"gt=0"`
	FleetInterval time.Duration `yaml:"fleet-interval" validate:"gt=0"`
}

// ProbeConfig controls endpoint reachability probes
type ProbeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	Retries  int           `yaml:"retries" validate:"gte=1"`
}

// RateCfg limits outbound calls to one service
type RateCfg struct {
	QPS   float64 `yaml:"qps" validate:"gt=0"`
	Burst int     `yaml:"burst" validate:"gte=1"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: string(log.InfoLevel)},
		DataDir: "/var/lib/vim",
		API: APIConfig{
			HTTPAddr:   "127.0.0.1:4545",
			GRPCAddr:   "127.0.0.1:4546",
			NotifyAddr: "127.0.0.1:30001",
		},
		OpenStack: OpenStackConfig{
			Interface:         "internal",
			UserDomainName:    "Default",
			ProjectDomainName: "Default",
		},
		NFVITimeouts: NFVITimeouts{
			Default: 30 * time.Second,
			Calls: map[string]time.Duration{
				"sysinv.get_hosts":       60 * time.Second,
				"usm.sw_deploy_precheck": 900 * time.Second,
				"fm.get_alarms":          20 * time.Second,
			},
		},
		Audit: AuditConfig{
			TickInterval:  10 * time.Second,
			FleetInterval: 30 * time.Second,
		},
		RateLimit: map[string]RateCfg{},
		Probes: ProbeConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
			Retries:  3,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates it
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LogSettings converts the log section for log.Init
func (c *Config) LogSettings() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
