package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/njoerd114/shelfsync/internal/config"
	"github.com/njoerd114/shelfsync/internal/remote"
	"github.com/njoerd114/shelfsync/internal/state"
)

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string
	homeDir string

	// install runs the daemon installation; nil skips the offer entirely.
	install func(homeDir, cfgPath string, w io.Writer) error
}

// NewWizard creates a Wizard wired to the given I/O and logger that writes its
// result to cfgPath.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, logger *slog.Logger) *Wizard {
	homeDir, _ := os.UserHomeDir()
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
		homeDir: homeDir,
		install: Install,
	}
}

// Run executes the interactive setup wizard: server connection, local store,
// sync cadence, config file creation and optional daemon install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to shelfsync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard connects this device to your inventory server.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerDaemonInstall()
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: server connection.
	fmt.Fprintf(wiz.w, "Step 1/4: Inventory Server\n")

	serverURL := wiz.prompt.String("Server URL", "http://localhost:8080")
	cred, err := wiz.prompt.Token("Access token")
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}

	cfg := &config.Config{ServerURL: serverURL, Token: cred.Token, TokenFile: cred.TokenFile}
	var tokens remote.TokenSource = remote.StaticToken(cred.Token)
	if cred.TokenFile != "" {
		tokens = remote.FileToken(cred.TokenFile)
	}

	fmt.Fprintf(wiz.w, "  Connecting to %s...", serverURL)
	if err := wiz.ping(ctx, serverURL, tokens); err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("cannot reach inventory server: %w\n\n  Check the URL and token, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓\n\n")

	// Step 2: local record store.
	fmt.Fprintf(wiz.w, "Step 2/4: Local Store\n")

	defaultDB, err := state.DefaultDBPath()
	if err != nil {
		return fmt.Errorf("resolving default store path: %w", err)
	}
	if dbPath := wiz.prompt.String("Inventory database", defaultDB); dbPath != defaultDB {
		cfg.DBPath = dbPath
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: sync cadence.
	fmt.Fprintf(wiz.w, "Step 3/4: Sync Settings\n")

	cfg.PollInterval = wiz.prompt.Duration("How often to sync with the server?",
		config.DefaultPollInterval, config.MinPollInterval, config.MaxPollInterval)
	cfg.LowStockThreshold = wiz.prompt.Count("Low stock threshold", config.DefaultLowStockThreshold)
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")

	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if _, err := config.Load(wiz.cfgPath); err != nil {
		return fmt.Errorf("written config does not validate: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)

	return wiz.offerDaemonInstall()
}

func (wiz *Wizard) ping(ctx context.Context, serverURL string, tokens remote.TokenSource) error {
	client, err := remote.New(serverURL, tokens, wiz.logger, remote.WithRetryAttempts(1))
	if err != nil {
		return err
	}
	return client.Ping(ctx)
}

// offerDaemonInstall asks the user whether to install as a background daemon.
func (wiz *Wizard) offerDaemonInstall() error {
	if wiz.install == nil {
		return nil
	}
	if !wiz.prompt.Confirm("Install as background daemon (systemd user unit)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping daemon install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: shelfsync daemon\n")
		fmt.Fprintf(wiz.w, "  Or install later with:     shelfsync install\n\n")
		return nil
	}
	fmt.Fprintf(wiz.w, "\n")
	return wiz.install(wiz.homeDir, wiz.cfgPath, wiz.w)
}

// Install copies the binary to ~/.local/bin, writes the systemd user unit and
// starts it, reporting progress to w.
func Install(homeDir, cfgPath string, w io.Writer) error {
	fmt.Fprintf(w, "  Installing binary to %s...\n", BinaryInstallPath(homeDir))
	if err := InstallBinary(homeDir); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	fmt.Fprintf(w, "  ✓ Binary installed\n")

	if err := WriteUnit(homeDir, BinaryInstallPath(homeDir), cfgPath); err != nil {
		return fmt.Errorf("writing unit: %w", err)
	}
	fmt.Fprintf(w, "  ✓ systemd unit written\n")

	if err := EnableDaemon(); err != nil {
		return fmt.Errorf("enabling daemon: %w", err)
	}
	fmt.Fprintf(w, "  ✓ Daemon enabled and running\n")

	fmt.Fprintf(w, "\nSetup complete! shelfsync is syncing in the background.\n")
	fmt.Fprintf(w, "  Config:  %s\n", cfgPath)
	fmt.Fprintf(w, "  Logs:    journalctl --user -u %s\n", UnitName)
	fmt.Fprintf(w, "  Status:  shelfsync status\n")
	fmt.Fprintf(w, "  Remove:  shelfsync uninstall\n\n")
	return nil
}
