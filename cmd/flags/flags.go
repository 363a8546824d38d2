package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/contract-host/api"
	"github.com/ruteri/contract-host/common"
	"github.com/ruteri/contract-host/config"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// LoadConfig builds the host configuration: defaults, then the --config file if
// given, then every flag the user set explicitly.
func LoadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := cCtx.String(ConfigFileFlag.Name); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if cCtx.IsSet(ListenAddrFlag.Name) {
		cfg.ListenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	if cCtx.IsSet(APIAddrFlag.Name) {
		cfg.APIAddr = cCtx.String(APIAddrFlag.Name)
	}
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		cfg.MetricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}
	if cCtx.IsSet(PprofFlag.Name) {
		cfg.EnablePprof = cCtx.Bool(PprofFlag.Name)
	}
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		cfg.Shutdown.Drain = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	}

	if cCtx.IsSet(TLSCertFlag.Name) {
		cfg.TLS.CertFile = cCtx.String(TLSCertFlag.Name)
	}
	if cCtx.IsSet(TLSKeyFlag.Name) {
		cfg.TLS.KeyFile = cCtx.String(TLSKeyFlag.Name)
	}
	if cCtx.IsSet(TLSCAFlag.Name) {
		cfg.TLS.CAFile = cCtx.String(TLSCAFlag.Name)
	}
	if cCtx.IsSet(SelfSignedFlag.Name) {
		cfg.TLS.SelfSigned = cCtx.Bool(SelfSignedFlag.Name)
	}

	if cCtx.IsSet(DBPathFlag.Name) {
		cfg.Store.DBPath = cCtx.String(DBPathFlag.Name)
	}
	if cCtx.IsSet(StorageFlag.Name) {
		cfg.Storage.Backends = cCtx.StringSlice(StorageFlag.Name)
	}
	if cCtx.IsSet(CacheDirFlag.Name) {
		cfg.Storage.CacheDir = cCtx.String(CacheDirFlag.Name)
	}

	if cCtx.IsSet(SandboxFlag.Name) {
		cfg.Sandbox.Kind = cCtx.String(SandboxFlag.Name)
	}
	if cCtx.IsSet(CommandFlag.Name) {
		cfg.Sandbox.Command = cCtx.StringSlice(CommandFlag.Name)
	}
	if cCtx.IsSet(WorkDirFlag.Name) {
		cfg.Sandbox.WorkDir = cCtx.String(WorkDirFlag.Name)
	}

	if cCtx.IsSet(PollIntervalFlag.Name) {
		cfg.Billing.PollInterval = cCtx.Duration(PollIntervalFlag.Name)
	}
	if cCtx.IsSet(UnitMsFlag.Name) {
		cfg.Billing.UnitDuration = time.Duration(cCtx.Int64(UnitMsFlag.Name)) * time.Millisecond
	}
	if cCtx.IsSet(PriceFlag.Name) {
		cfg.Billing.PricePerUnit = cCtx.Int64(PriceFlag.Name)
	}
	if cCtx.IsSet(StartingBalanceFlag.Name) {
		cfg.Billing.StartingBalance = cCtx.Int64(StartingBalanceFlag.Name)
	}

	if cCtx.IsSet(VirtualPortFlag.Name) {
		cfg.Routing.VirtualPort = cCtx.Int(VirtualPortFlag.Name)
	}
	if cCtx.IsSet(BalanceGatingFlag.Name) {
		cfg.Routing.BalanceGating = cCtx.Bool(BalanceGatingFlag.Name)
	}
	if cCtx.IsSet(MinBalanceFlag.Name) {
		cfg.Routing.MinBalance = cCtx.Int64(MinBalanceFlag.Name)
	}

	return cfg, cfg.Validate()
}

func ConfigureServer(cfg *config.Config, logger *slog.Logger) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               cfg.APIAddr,
		MetricsAddr:              cfg.MetricsAddr,
		Log:                      logger,
		EnablePprof:              cfg.EnablePprof,
		DrainDuration:            cfg.Shutdown.Drain,
		GracefulShutdownDuration: cfg.Shutdown.Graceful,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
		MaxContractSize:          cfg.Storage.MaxContractSize,
	}
}

var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "YAML configuration file; explicitly set flags take precedence",
	EnvVars: []string{"CONTRACT_HOST_CONFIG"},
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "0.0.0.0:8443",
	Usage: "public TLS address serving contracts and the management API",
}

var APIAddrFlag = &cli.StringFlag{
	Name:  "api-addr",
	Value: "127.0.0.1:0",
	Usage: "internal management API address; port 0 picks a free port",
}

var TLSCertFlag = &cli.StringFlag{
	Name:  "tls-cert",
	Usage: "PEM certificate for the public listener, usually a wildcard for *.<host>",
}
var TLSKeyFlag = &cli.StringFlag{
	Name:  "tls-key",
	Usage: "PEM private key matching --tls-cert",
}
var TLSCAFlag = &cli.StringFlag{
	Name:  "tls-ca",
	Usage: "PEM intermediate certificates appended to the served chain",
}
var SelfSignedFlag = &cli.BoolFlag{
	Name:  "tls-self-signed",
	Usage: "generate an ephemeral self-signed certificate when --tls-cert is not given",
}

var DBPathFlag = &cli.StringFlag{
	Name:  "db-path",
	Value: "contract-host.db",
	Usage: "SQLite database for contracts, tokens and balances; empty keeps state in memory",
}

var StorageFlag = &cli.StringSliceFlag{
	Name:  "storage",
	Usage: "contract code storage URI (file://, s3://, ipfs://, vault://); repeatable",
}
var CacheDirFlag = &cli.StringFlag{
	Name:  "cache-dir",
	Usage: "directory where contract code is materialized for the sandbox",
}

var SandboxFlag = &cli.StringFlag{
	Name:  "sandbox",
	Value: config.SandboxProcess,
	Usage: "sandbox runtime: 'process' or 'wasm'",
}
var CommandFlag = &cli.StringSliceFlag{
	Name:  "sandbox-command",
	Usage: "command and arguments running a contract in the process sandbox; repeatable",
}
var WorkDirFlag = &cli.StringFlag{
	Name:  "sandbox-workdir",
	Usage: "working directory for sandboxed processes",
}

var PollIntervalFlag = &cli.DurationFlag{
	Name:  "billing-poll-interval",
	Value: 10 * time.Second,
	Usage: "how often running instances are charged; 0 charges only at exit",
}
var UnitMsFlag = &cli.Int64Flag{
	Name:  "billing-unit-ms",
	Value: 100,
	Usage: "milliseconds of running time per compute unit",
}
var PriceFlag = &cli.Int64Flag{
	Name:  "billing-price",
	Value: 1,
	Usage: "balance charged per compute unit",
}
var StartingBalanceFlag = &cli.Int64Flag{
	Name:  "starting-balance",
	Value: 0,
	Usage: "balance credited to every newly issued token",
}

var VirtualPortFlag = &cli.IntFlag{
	Name:  "virtual-port",
	Value: 8080,
	Usage: "contract port that client streams are attached to",
}
var BalanceGatingFlag = &cli.BoolFlag{
	Name:  "balance-gating",
	Value: true,
	Usage: "reject connections for tokens below --min-balance",
}
var MinBalanceFlag = &cli.Int64Flag{
	Name:  "min-balance",
	Value: 1,
	Usage: "minimum balance a token needs to connect",
}

var HostURLFlag = &cli.StringFlag{
	Name:    "host",
	Value:   "https://127.0.0.1:8443",
	Usage:   "base URL of the contract host",
	EnvVars: []string{"CONTRACT_HOST_URL"},
}
var InsecureFlag = &cli.BoolFlag{
	Name:  "insecure",
	Usage: "skip verification of the host certificate",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 5,
	Usage: "seconds to report not ready before shutting down",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var HostFlags = []cli.Flag{
	ConfigFileFlag,
	ListenAddrFlag,
	APIAddrFlag,
	TLSCertFlag,
	TLSKeyFlag,
	TLSCAFlag,
	SelfSignedFlag,
	DBPathFlag,
	StorageFlag,
	CacheDirFlag,
	SandboxFlag,
	CommandFlag,
	WorkDirFlag,
	PollIntervalFlag,
	UnitMsFlag,
	PriceFlag,
	StartingBalanceFlag,
	VirtualPortFlag,
	BalanceGatingFlag,
	MinBalanceFlag,
}
