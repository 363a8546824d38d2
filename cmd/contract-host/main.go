package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ruteri/contract-host/api"
	"github.com/ruteri/contract-host/billing"
	"github.com/ruteri/contract-host/cmd/flags"
	"github.com/ruteri/contract-host/config"
	"github.com/ruteri/contract-host/cryptoutils"
	"github.com/ruteri/contract-host/dispatcher"
	"github.com/ruteri/contract-host/httpserver"
	"github.com/ruteri/contract-host/interfaces"
	"github.com/ruteri/contract-host/router"
	"github.com/ruteri/contract-host/sandbox"
	"github.com/ruteri/contract-host/storage"
	"github.com/ruteri/contract-host/store"
	"github.com/ruteri/contract-host/tokens"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "contract-host",
		Usage: "Serve sandboxed contracts behind one TLS listener, routed by SNI token",
		Flags: append(append(flags.HostFlags, flags.CommonFlags...), flags.LogServiceFlagFn("contract-host")),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			return run(cfg, flags.ConfigureServer(cfg, logger), logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config, srvCfg *api.HTTPServerConfig, logger *slog.Logger) error {
	ctx := context.Background()

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", "err", err)
		return err
	}
	defer st.Close()

	locations := make([]interfaces.StorageBackendLocation, 0, len(cfg.Storage.Backends))
	for _, uri := range cfg.Storage.Backends {
		locations = append(locations, interfaces.StorageBackendLocation(uri))
	}
	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		logger.Error("Failed to create storage backend", "err", err)
		return err
	}
	logger.Info("Contract storage ready", "backend", backend.Name())

	ledger := billing.NewLedger(st, logger)
	meter, err := billing.NewMeter(billing.MeterConfig{
		PollInterval:     cfg.Billing.PollInterval,
		UnitDuration:     cfg.Billing.UnitDuration,
		PricePerUnit:     cfg.Billing.PricePerUnit,
		// Without balance gating an empty balance never stops an instance.
		KillOnExhaustion: cfg.Routing.BalanceGating,
		Log:              logger,
	}, ledger)
	if err != nil {
		logger.Error("Invalid billing configuration", "err", err)
		return err
	}

	issuer := tokens.NewIssuer(st, ledger, cfg.Billing.StartingBalance, logger)
	directory := tokens.NewDirectory(st)

	runtime, closeRuntime, err := newRuntime(ctx, cfg, backend, logger)
	if err != nil {
		logger.Error("Failed to create sandbox runtime", "err", err, "kind", cfg.Sandbox.Kind)
		return err
	}
	defer closeRuntime()

	instances := router.New(router.Config{
		VirtualPort:      cfg.Routing.VirtualPort,
		BalanceGating:    cfg.Routing.BalanceGating,
		MinBalance:       cfg.Routing.MinBalance,
		StartTimeout:     cfg.Routing.StartTimeout,
		PortReadyTimeout: cfg.Routing.PortReadyTimeout,
		Log:              logger,
	}, directory, runtime, meter)

	server, err := httpserver.New(srvCfg, httpserver.NewHandler(backend, st, issuer, ledger, logger))
	if err != nil {
		logger.Error("Failed to create management API server", "err", err)
		return err
	}
	server.RunInBackground()

	tlsConfig, err := loadTLSConfig(cfg.TLS)
	if err != nil {
		logger.Error("Failed to load TLS configuration", "err", err)
		server.Shutdown()
		return err
	}

	dispatch, err := dispatcher.New(dispatcher.Config{
		ListenAddr:       cfg.ListenAddr,
		TLSConfig:        tlsConfig,
		HostAPIAddr:      server.Addr(),
		HandshakeTimeout: cfg.Routing.HandshakeTimeout,
		Log:              logger,
	}, instances)
	if err != nil {
		logger.Error("Failed to create dispatcher", "err", err)
		server.Shutdown()
		return err
	}
	if err := dispatch.RunInBackground(); err != nil {
		logger.Error("Failed to start dispatcher", "err", err)
		server.Shutdown()
		return err
	}

	// Wait for termination signal
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Contract host is running", "listenAddress", dispatch.Addr().String(), "hostAPI", server.Addr())
	<-exit
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Shutdown.Graceful)
	defer cancel()

	dispatched := make(chan error, 1)
	go func() {
		dispatched <- dispatch.Shutdown(shutdownCtx)
	}()

	// Instances are killed so their running time is charged before exit.
	if err := instances.Shutdown(shutdownCtx); err != nil {
		logger.Error("Instances did not stop in time", "err", err, "running", instances.Len())
	}
	if err := <-dispatched; err != nil {
		logger.Warn("Dispatcher closed open connections", "err", err)
	}

	server.Shutdown()
	logger.Info("Contract host shutdown complete")
	return nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (interfaces.Store, error) {
	if cfg.Store.DBPath == "" {
		logger.Warn("No database path configured, state is kept in memory")
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(cfg.Store.DBPath, logger)
}

func newRuntime(ctx context.Context, cfg *config.Config, backend interfaces.StorageBackend, logger *slog.Logger) (interfaces.SandboxRuntime, func(), error) {
	cacheDir := cfg.Storage.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "contract-host", "contracts")
	}

	loader, err := sandbox.NewContractLoader(backend, cacheDir, logger)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Sandbox.Kind {
	case config.SandboxProcess:
		rt, err := sandbox.NewProcessRuntime(sandbox.ProcessConfig{
			Command: cfg.Sandbox.Command,
			WorkDir: cfg.Sandbox.WorkDir,
			Env:     cfg.Sandbox.Env,
			Log:     logger,
		}, loader)
		if err != nil {
			return nil, nil, err
		}
		return rt, func() {}, nil

	case config.SandboxWasm:
		rt, err := sandbox.NewWasmRuntime(ctx, loader, logger)
		if err != nil {
			return nil, nil, err
		}
		return rt, func() {
			if err := rt.Close(context.Background()); err != nil {
				logger.Warn("Failed to close wasm runtime", "err", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown sandbox kind %q", cfg.Sandbox.Kind)
}

func loadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertFile != "" {
		return cryptoutils.ServerTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
	}
	if !cfg.SelfSigned {
		return nil, errors.New("no TLS certificate configured")
	}

	cert, err := cryptoutils.RandomCert("localhost", "*.localhost")
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
