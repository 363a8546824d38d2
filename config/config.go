// Package config holds the contract host's settings. Values come from defaults,
// an optional YAML file, and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SandboxProcess = "process"
	SandboxWasm    = "wasm"
)

type Config struct {
	// ListenAddr is the public TLS listener.
	ListenAddr string `yaml:"listen_addr"`

	// APIAddr is the internal management API listener. Port 0 picks a free
	// loopback port, which the dispatcher bridges non-token connections to.
	APIAddr     string `yaml:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	EnablePprof bool   `yaml:"pprof"`

	TLS      TLSConfig      `yaml:"tls"`
	Store    StoreConfig    `yaml:"store"`
	Storage  StorageConfig  `yaml:"storage"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Billing  BillingConfig  `yaml:"billing"`
	Routing  RoutingConfig  `yaml:"routing"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile holds intermediate certificates appended to the served chain.
	CAFile string `yaml:"ca_file"`
	// SelfSigned generates an ephemeral certificate when no CertFile is given.
	SelfSigned bool `yaml:"self_signed"`
}

type StoreConfig struct {
	// DBPath is the SQLite database. Empty keeps everything in memory.
	DBPath string `yaml:"db_path"`
}

type StorageConfig struct {
	// Backends are storage location URIs (file://, s3://, ipfs://, vault://).
	Backends        []string `yaml:"backends"`
	MaxContractSize int64    `yaml:"max_contract_size"`
	CacheDir        string   `yaml:"cache_dir"`
}

type SandboxConfig struct {
	Kind string `yaml:"kind"`
	// Command runs a contract in the process sandbox; the contract path is appended.
	Command []string `yaml:"command"`
	WorkDir string   `yaml:"work_dir"`
	Env     []string `yaml:"env"`
}

type BillingConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	UnitDuration    time.Duration `yaml:"unit_duration"`
	PricePerUnit    int64         `yaml:"price_per_unit"`
	StartingBalance int64         `yaml:"starting_balance"`
}

type RoutingConfig struct {
	VirtualPort      int           `yaml:"virtual_port"`
	BalanceGating    bool          `yaml:"balance_gating"`
	MinBalance       int64         `yaml:"min_balance"`
	StartTimeout     time.Duration `yaml:"start_timeout"`
	PortReadyTimeout time.Duration `yaml:"port_ready_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type ShutdownConfig struct {
	Drain    time.Duration `yaml:"drain"`
	Graceful time.Duration `yaml:"graceful"`
}

// Default returns the settings used when neither a file nor a flag sets a value.
func Default() *Config {
	return &Config{
		ListenAddr:  "0.0.0.0:8443",
		APIAddr:     "127.0.0.1:0",
		MetricsAddr: "127.0.0.1:8090",
		Store: StoreConfig{
			DBPath: "contract-host.db",
		},
		Storage: StorageConfig{
			Backends:        []string{"file:///var/lib/contract-host"},
			MaxContractSize: 16 * 1024 * 1024,
		},
		Sandbox: SandboxConfig{
			Kind:    SandboxProcess,
			Command: []string{"node"},
		},
		Billing: BillingConfig{
			PollInterval: 10 * time.Second,
			UnitDuration: 100 * time.Millisecond,
			PricePerUnit: 1,
		},
		Routing: RoutingConfig{
			VirtualPort:      8080,
			BalanceGating:    true,
			MinBalance:       1,
			StartTimeout:     30 * time.Second,
			PortReadyTimeout: 10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Shutdown: ShutdownConfig{
			Drain:    5 * time.Second,
			Graceful: 30 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the settings can start a host.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.APIAddr == "" {
		errs = append(errs, errors.New("api_addr is required"))
	}
	if c.TLS.CertFile == "" && !c.TLS.SelfSigned {
		errs = append(errs, errors.New("tls.cert_file is required unless tls.self_signed is set"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if len(c.Storage.Backends) == 0 {
		errs = append(errs, errors.New("at least one storage backend is required"))
	}

	switch c.Sandbox.Kind {
	case SandboxProcess:
		if len(c.Sandbox.Command) == 0 {
			errs = append(errs, errors.New("sandbox.command is required for the process sandbox"))
		}
	case SandboxWasm:
	default:
		errs = append(errs, fmt.Errorf("unknown sandbox kind %q", c.Sandbox.Kind))
	}

	if c.Billing.UnitDuration <= 0 {
		errs = append(errs, errors.New("billing.unit_duration must be positive"))
	}
	if c.Billing.PricePerUnit < 0 {
		errs = append(errs, errors.New("billing.price_per_unit must not be negative"))
	}
	if c.Billing.PollInterval < 0 {
		errs = append(errs, errors.New("billing.poll_interval must not be negative"))
	}
	if c.Billing.StartingBalance < 0 {
		errs = append(errs, errors.New("billing.starting_balance must not be negative"))
	}

	if c.Routing.VirtualPort <= 0 || c.Routing.VirtualPort > 65535 {
		errs = append(errs, fmt.Errorf("routing.virtual_port %d out of range", c.Routing.VirtualPort))
	}

	return errors.Join(errs...)
}
