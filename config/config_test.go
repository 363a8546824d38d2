package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr: 127.0.0.1:9443
tls:
  self_signed: true
storage:
  backends:
    - file:///tmp/contracts
    - s3://contracts/code?region=eu-west-1
sandbox:
  kind: wasm
billing:
  poll_interval: 2s
  unit_duration: 50ms
  price_per_unit: 3
  starting_balance: 1000
routing:
  min_balance: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9443", cfg.ListenAddr)
	assert.True(t, cfg.TLS.SelfSigned)
	assert.Equal(t, []string{"file:///tmp/contracts", "s3://contracts/code?region=eu-west-1"}, cfg.Storage.Backends)
	assert.Equal(t, SandboxWasm, cfg.Sandbox.Kind)
	assert.Equal(t, 2*time.Second, cfg.Billing.PollInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Billing.UnitDuration)
	assert.EqualValues(t, 3, cfg.Billing.PricePerUnit)
	assert.EqualValues(t, 1000, cfg.Billing.StartingBalance)
	assert.EqualValues(t, 10, cfg.Routing.MinBalance)

	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1:0", cfg.APIAddr)
	assert.Equal(t, 8080, cfg.Routing.VirtualPort)
	assert.True(t, cfg.Routing.BalanceGating)
	assert.Equal(t, 30*time.Second, cfg.Routing.StartTimeout)

	require.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "listen_addr: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.TLS.SelfSigned = true
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"no certificate", func(c *Config) { c.TLS.SelfSigned = false }, "tls.cert_file is required"},
		{"cert without key", func(c *Config) { c.TLS.CertFile = "cert.pem" }, "must be set together"},
		{"no backends", func(c *Config) { c.Storage.Backends = nil }, "storage backend"},
		{"unknown sandbox", func(c *Config) { c.Sandbox.Kind = "vm" }, "unknown sandbox kind"},
		{"process without command", func(c *Config) { c.Sandbox.Command = nil }, "sandbox.command"},
		{"zero unit", func(c *Config) { c.Billing.UnitDuration = 0 }, "unit_duration"},
		{"negative price", func(c *Config) { c.Billing.PricePerUnit = -1 }, "price_per_unit"},
		{"port out of range", func(c *Config) { c.Routing.VirtualPort = 70000 }, "virtual_port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
