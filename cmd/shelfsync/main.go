// shelfsync is a local-first inventory client. Records are added and edited
// offline against a local SQLite store and reconciled with the inventory
// server by a sync engine that runs once or as a daemon.
//
// Usage:
//
//	shelfsync setup                       # interactive first-run wizard
//	shelfsync daemon [--config <path>]    # poll the server until stopped
//	shelfsync sync-once [--config ...]    # single sync pass then exit
//	shelfsync add <name> <qty> <price> <location>
//	shelfsync list [--pending]
//	shelfsync edit <id> <field> <value>
//	shelfsync delete <id> | restore <id>
//	shelfsync conflicts | resolve [<id> --keep-local|--use-remote]
//	shelfsync totals                      # per-location value and low stock
//	shelfsync status                      # daemon, config and store state
//	shelfsync trigger                     # ask the daemon for a pass now
//	shelfsync install | uninstall [--purge]
//	shelfsync dev-server [--addr ...]     # in-memory inventory server
//	shelfsync version
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/njoerd114/shelfsync/internal/config"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run loads .env overrides and dispatches to the subcommand.
func run(args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	if len(args) == 0 {
		return printUsage()
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "setup":
		return runSetup(rest)
	case "daemon":
		return runSync(rest, true)
	case "sync-once":
		return runSync(rest, false)
	case "add":
		return runAdd(rest)
	case "list":
		return runList(rest)
	case "edit":
		return runEdit(rest)
	case "delete":
		return runDelete(rest)
	case "restore":
		return runRestore(rest)
	case "conflicts":
		return runConflicts(rest)
	case "resolve":
		return runResolve(rest)
	case "totals":
		return runTotals(rest)
	case "status":
		return runStatus(rest)
	case "trigger":
		return runTrigger()
	case "install":
		return runInstall(rest)
	case "uninstall":
		return runUninstall(rest)
	case "dev-server":
		return runDevServer(rest)
	case "version":
		fmt.Println("shelfsync", version)
		return nil
	}

	return fmt.Errorf("unknown command %q, run 'shelfsync' for usage", cmd)
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "shelfsync: offline-first inventory with server sync")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  shelfsync setup                          Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  shelfsync daemon [--config ...]          Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  shelfsync sync-once [--config ...]       Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  shelfsync add <name> <qty> <price> <loc> Record a new item")
	fmt.Fprintln(os.Stderr, "  shelfsync list [--pending]               List items")
	fmt.Fprintln(os.Stderr, "  shelfsync edit <id> <field> <value>      Change name, quantity, price or location")
	fmt.Fprintln(os.Stderr, "  shelfsync delete <id>                    Delete an item")
	fmt.Fprintln(os.Stderr, "  shelfsync restore <id>                   Undo a delete that has not synced")
	fmt.Fprintln(os.Stderr, "  shelfsync conflicts                      List items the server disagrees on")
	fmt.Fprintln(os.Stderr, "  shelfsync resolve [<id> --keep-local|--use-remote]")
	fmt.Fprintln(os.Stderr, "  shelfsync totals                         Inventory value and low stock")
	fmt.Fprintln(os.Stderr, "  shelfsync status                         Show daemon, config and store state")
	fmt.Fprintln(os.Stderr, "  shelfsync trigger                        Ask the daemon to sync now")
	fmt.Fprintln(os.Stderr, "  shelfsync install | uninstall [--purge]  Manage the systemd user unit")
	fmt.Fprintln(os.Stderr, "  shelfsync dev-server [--addr ...]        Run an in-memory inventory server")
	fmt.Fprintln(os.Stderr, "  shelfsync version                        Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'shelfsync setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// newLogger builds the text logger every subcommand uses.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
