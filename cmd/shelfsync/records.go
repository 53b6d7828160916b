package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/njoerd114/shelfsync/internal/config"
	"github.com/njoerd114/shelfsync/internal/inventory"
	"github.com/njoerd114/shelfsync/internal/model"
	"github.com/njoerd114/shelfsync/internal/setup"
	"github.com/njoerd114/shelfsync/internal/state"
)

// localCmd is a subcommand that works on the record store only.
type localCmd struct {
	fs      *flag.FlagSet
	cfgPath *string
	verbose *bool
}

func newLocalCmd(name string) *localCmd {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	return &localCmd{
		fs:      fs,
		cfgPath: fs.String("config", defaultCfg, "path to config.yaml"),
		verbose: fs.Bool("verbose", false, "enable debug logging"),
	}
}

// open loads the config and the record store. Local commands work before
// setup has run: without a config file the default store path is used.
func (c *localCmd) open() (*inventory.Service, *config.Config, func(), error) {
	logger := newLogger(*c.verbose)

	cfg, err := config.Load(*c.cfgPath)
	if err != nil {
		if _, statErr := os.Stat(*c.cfgPath); !errors.Is(statErr, os.ErrNotExist) {
			return nil, nil, nil, fmt.Errorf("loading config from %q: %w", *c.cfgPath, err)
		}
		logger.Debug("no config file, using defaults", "path", *c.cfgPath)
		cfg = &config.Config{
			DBPath:            os.Getenv(config.EnvPrefix + "_DB_PATH"),
			LowStockThreshold: config.DefaultLowStockThreshold,
		}
	}

	store, _, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Error("closing record store", "error", err)
		}
	}
	return inventory.NewService(store, logger), cfg, closeFn, nil
}

// runAdd records a new item offline.
func runAdd(args []string) error {
	c := newLocalCmd("add")
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	if c.fs.NArg() != 4 {
		return fmt.Errorf("usage: shelfsync add <name> <quantity> <price> <location>")
	}
	d, err := parseDraft(c.fs.Arg(0), c.fs.Arg(1), c.fs.Arg(2), c.fs.Arg(3))
	if err != nil {
		return err
	}

	svc, _, closeFn, err := c.open()
	if err != nil {
		return err
	}
	defer closeFn()

	r, err := svc.Add(context.Background(), d)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Added %s (%s)\n", r.ItemName, r.ID)
	return nil
}

// parseDraft turns command-line text into a draft record.
func parseDraft(name, qty, price, location string) (model.Draft, error) {
	n, err := strconv.Atoi(qty)
	if err != nil {
		return model.Draft{}, fmt.Errorf("quantity %q is not an integer", qty)
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return model.Draft{}, fmt.Errorf("price %q is not a decimal", price)
	}
	loc, err := model.ParseLocation(location)
	if err != nil {
		return model.Draft{}, err
	}
	return model.Draft{ItemName: name, Quantity: n, Price: p, Location: loc}, nil
}

// runList prints active records, or pending changes with --pending.
func runList(args []string) error {
	c := newLocalCmd("list")
	pending := c.fs.Bool("pending", false, "only show changes not yet on the server")
	if err := c.fs.Parse(args); err != nil {
		return err
	}

	svc, _, closeFn, err := c.open()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	var records []*model.Record
	if *pending {
		records, err = svc.Pending(ctx)
	} else {
		records, err = svc.Active(ctx)
	}
	if err != nil {
		return err
	}
	printRecords(os.Stdout, records)
	return nil
}

// runEdit applies a single-field patch.
func runEdit(args []string) error {
	c := newLocalCmd("edit")
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	if c.fs.NArg() != 3 {
		return fmt.Errorf("usage: shelfsync edit <id> <field> <value>")
	}
	patch, err := model.ParsePatch(c.fs.Arg(1), c.fs.Arg(2))
	if err != nil {
		return err
	}

	svc, _, closeFn, err := c.open()
	if err != nil {
		return err
	}
	defer closeFn()

	r, err := svc.Edit(context.Background(), c.fs.Arg(0), patch)
	if errors.Is(err, state.ErrUnresolvedConflict) {
		return fmt.Errorf("%s is in conflict, run 'shelfsync resolve %s' first", c.fs.Arg(0), c.fs.Arg(0))
	}
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s %s = %s\n", r.ItemName, patch.Field, c.fs.Arg(2))
	return nil
}

// runDelete removes or tombstones a record.
func runDelete(args []string) error {
	c := newLocalCmd("delete")
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	if c.fs.NArg() != 1 {
		return fmt.Errorf("usage: shelfsync delete <id>")
	}

	svc, _, closeFn, err := c.open()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := svc.Delete(context.Background(), c.fs.Arg(0)); err != nil {
		return err
	}
	fmt.Printf("✓ Deleted %s (undo with 'shelfsync restore %s' until the next sync)\n", c.fs.Arg(0), c.fs.Arg(0))
	return nil
}

// runRestore undoes a delete that has not reached the server.
func runRestore(args []string) error {
	c := newLocalCmd("restore")
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	if c.fs.NArg() != 1 {
		return fmt.Errorf("usage: shelfsync restore <id>")
	}

	svc, _, closeFn, err := c.open()
	if err != nil {
		return err
	}
	defer closeFn()

	r, err := svc.Restore(context.Background(), c.fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("✓ Restored %s\n", r.ItemName)
	return nil
}

// runConflicts lists records waiting for a decision.
func runConflicts(args []string) error {
	c := newLocalCmd("conflicts")
	if err := c.fs.Parse(args); err != nil {
		return err
	}

	svc, _, closeFn, err := c.open()
	if err != nil {
		return err
	}
	defer closeFn()

	conflicts, err := svc.Conflicts(context.Background())
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Println("No conflicts.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tITEM\tLOCAL QTY\tSERVER QTY\tLOCAL PRICE\tSERVER PRICE")
	for _, r := range conflicts {
		srvQty, srvPrice := "-", "-"
		if r.ConflictServer != nil {
			srvQty = strconv.Itoa(r.ConflictServer.Quantity)
			srvPrice = r.ConflictServer.Price.StringFixed(2)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.ItemName, r.Quantity, srvQty, r.Price.StringFixed(2), srvPrice)
	}
	return tw.Flush()
}

// runResolve settles conflicts, interactively or for one id with a flag.
func runResolve(args []string) error {
	c := newLocalCmd("resolve")
	keepLocal := c.fs.Bool("keep-local", false, "keep this device's version")
	useRemote := c.fs.Bool("use-remote", false, "take the server's version")
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	if *keepLocal && *useRemote {
		return fmt.Errorf("--keep-local and --use-remote are mutually exclusive")
	}

	svc, _, closeFn, err := c.open()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := context.Background()

	if c.fs.NArg() == 0 {
		sum, err := setup.ResolveConflicts(ctx, svc, os.Stdin, os.Stdout)
		if err != nil {
			return err
		}
		fmt.Printf("\n✓ kept local: %d, used server: %d, skipped: %d\n", sum.KeptLocal, sum.UsedRemote, sum.Skipped)
		return nil
	}

	id := c.fs.Arg(0)
	switch {
	case *keepLocal:
		_, err = svc.KeepLocal(ctx, id)
	case *useRemote:
		_, err = svc.UseRemote(ctx, id)
	default:
		return fmt.Errorf("usage: shelfsync resolve <id> --keep-local|--use-remote")
	}
	if errors.Is(err, state.ErrNotInConflict) {
		return fmt.Errorf("%s is not in conflict", id)
	}
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s resolved, will sync on the next pass\n", id)
	return nil
}

// runTotals prints per-location value and the low stock list.
func runTotals(args []string) error {
	c := newLocalCmd("totals")
	threshold := c.fs.Int("threshold", -1, "low stock threshold (default from config)")
	if err := c.fs.Parse(args); err != nil {
		return err
	}

	svc, cfg, closeFn, err := c.open()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := context.Background()

	totals, err := svc.Totals(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "LOCATION\tITEMS\tUNITS\tVALUE\t")
	for _, loc := range model.Locations {
		lt := totals.ByLocation[loc]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t\n", loc, lt.Items, lt.Units, lt.Value.StringFixed(2))
	}
	fmt.Fprintf(tw, "Total\t\t\t%s\t\n", totals.Overall.StringFixed(2))
	if err := tw.Flush(); err != nil {
		return err
	}

	limit := *threshold
	if limit < 0 {
		limit = cfg.LowStockThreshold
	}
	low, err := svc.LowStock(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Printf("\nLow stock (quantity ≤ %d): %d item(s)\n", limit, len(low))
	if len(low) > 0 {
		printRecords(os.Stdout, low)
	}
	return nil
}

// runStatus prints the current daemon, configuration and store state.
func runStatus(args []string) error {
	c := newLocalCmd("status")
	if err := c.fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("shelfsync status")
	fmt.Println("────────────────")

	if setup.IsDaemonActive() {
		fmt.Println("  Daemon:    running (systemd --user)")
	} else {
		fmt.Println("  Daemon:    not running")
	}

	if _, err := os.Stat(*c.cfgPath); err == nil {
		if cfg, loadErr := config.Load(*c.cfgPath); loadErr == nil {
			fmt.Printf("  Config:    %s ✓\n", *c.cfgPath)
			fmt.Printf("  Server:    %s\n", cfg.ServerURL)
			fmt.Printf("  Poll:      %s\n", cfg.PollInterval)
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", *c.cfgPath, loadErr)
			return nil
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", *c.cfgPath)
	}

	svc, cfg, closeFn, err := c.open()
	if err != nil {
		fmt.Printf("  Store:     unavailable (%v)\n", err)
		return nil
	}
	defer closeFn()

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, _ = state.DefaultDBPath()
	}
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  Store:     %s (%s)\n", dbPath, humanSize(info.Size()))
	}

	counts, err := svc.StatusCounts(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("  Records:   %d synced, %d pending, %d conflict\n",
		counts[string(model.StatusSynced)],
		counts[string(model.StatusPending)],
		counts[string(model.StatusConflict)],
	)
	return nil
}

// printRecords renders records as an aligned table.
func printRecords(w io.Writer, records []*model.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No items.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tITEM\tQTY\tPRICE\tLOCATION\tSTATUS")
	for _, r := range records {
		status := string(r.SyncStatus)
		if r.IsDeleted {
			status += " (deleted)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.ItemName, r.Quantity, r.Price.StringFixed(2), r.Location, status)
	}
	_ = tw.Flush()
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
