package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/njoerd114/shelfsync/internal/config"
	"github.com/njoerd114/shelfsync/internal/remote"
	"github.com/njoerd114/shelfsync/internal/remote/remotetest"
	"github.com/njoerd114/shelfsync/internal/setup"
	"github.com/njoerd114/shelfsync/internal/state"
	syncp "github.com/njoerd114/shelfsync/internal/sync"
	"github.com/njoerd114/shelfsync/internal/telemetry"
)

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to write config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, *cfgPath, logger)
	return wiz.Run(ctx)
}

// runSync handles both "daemon" and "sync-once" subcommands.
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return startSync(*cfgPath, *verbose, daemon)
}

// startSync is the shared implementation for daemon and sync-once modes.
func startSync(cfgPath string, verbose, daemon bool) error {
	logger := newLogger(verbose)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"server_url", cfg.ServerURL,
		"poll_interval", cfg.PollInterval,
		"probe_timeout", cfg.ProbeTimeout,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Record store --------------------------------------------------------

	store, dbPath, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing record store", "error", closeErr)
		}
	}()
	logger.Info("record store opened", "path", dbPath)

	// --- Remote client -------------------------------------------------------

	client, err := newClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialising inventory client: %w", err)
	}

	// --- Sync engine ---------------------------------------------------------

	reconciler := syncp.NewReconciler(client, store, cfg.ProbeTimeout, logger)
	engine := syncp.NewEngine(reconciler, cfg.PollInterval, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if !daemon {
		logger.Info("running single sync pass")
		stats, err := engine.Sync(ctx)
		if stats.Offline {
			logger.Warn("server unreachable, nothing was synced")
		}
		return err
	}

	// SIGHUP asks for an immediate pass; systemd's ExecReload sends it.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("SIGHUP received, triggering sync")
				engine.Trigger()
			}
		}
	}()

	logger.Info("daemon starting", "poll_interval", cfg.PollInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// newClient builds the remote client from the connection settings.
func newClient(cfg *config.Config, logger *slog.Logger) (*remote.Client, error) {
	var tokens remote.TokenSource
	if cfg.TokenFile != "" {
		tokens = remote.FileToken(cfg.TokenFile)
	} else {
		tokens = remote.StaticToken(cfg.Token)
	}
	return remote.New(cfg.ServerURL, tokens, logger,
		remote.WithRequestTimeout(cfg.RequestTimeout),
		remote.WithRetryAttempts(cfg.RetryAttempts),
	)
}

// openStore opens the record store at the configured or default path.
func openStore(cfg *config.Config) (*state.Store, string, error) {
	dbPath := cfg.DBPath
	if dbPath == "" {
		p, err := state.DefaultDBPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolving record store path: %w", err)
		}
		dbPath = p
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, "", fmt.Errorf("opening record store at %q: %w", dbPath, err)
	}
	return store, dbPath, nil
}

// runTrigger asks the installed daemon for an immediate pass.
func runTrigger() error {
	if !setup.IsDaemonActive() {
		return fmt.Errorf("daemon is not running, use 'shelfsync sync-once' instead")
	}
	if err := setup.ReloadDaemon(); err != nil {
		return err
	}
	fmt.Println("✓ Sync requested")
	return nil
}

// runInstall installs the binary and the systemd user unit.
func runInstall(args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "config file the daemon reads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := config.Load(*cfgPath); err != nil {
		return fmt.Errorf("config must be valid before installing: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	return setup.Install(homeDir, *cfgPath, os.Stdout)
}

// runUninstall stops the daemon and removes installed files.
func runUninstall(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	purge := fs.Bool("purge", false, "also remove config and the record store")
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Println("Uninstalling shelfsync...")

	if err := setup.DisableDaemon(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Daemon stopped")
	}

	if err := setup.RemoveUnit(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Unit removed")
	}

	if err := setup.RemoveBinary(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Binary removed")
	}

	if *purge {
		fmt.Println("  Purging config and record store...")
		if err := setup.PurgeUserData(homeDir); err != nil {
			fmt.Printf("  ⚠ %v\n", err)
		} else {
			fmt.Println("  ✓ User data purged")
		}
	} else {
		fmt.Println("")
		fmt.Println("  Config and record store preserved. Unsynced changes are still in it.")
		fmt.Println("  Run with --purge to also remove them:")
		fmt.Println("    shelfsync uninstall --purge")
	}

	fmt.Println("")
	fmt.Println("✓ shelfsync uninstalled.")
	return nil
}

// runDevServer serves the in-memory inventory server until interrupted.
func runDevServer(args []string) error {
	fs := flag.NewFlagSet("dev-server", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8080", "listen address")
	token := fs.String("token", "", "require this bearer token (empty accepts any)")
	verbose := fs.Bool("verbose", false, "log every request")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)
	opts := []remotetest.Option{remotetest.WithLogger(logger)}
	if *token != "" {
		opts = append(opts, remotetest.WithToken(*token))
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           remotetest.New(opts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("dev server listening", "addr", *addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("dev server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down dev server: %w", err)
	}
	logger.Info("dev server stopped")
	return nil
}
