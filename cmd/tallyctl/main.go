// main.go - Admin control tool for tally
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"tally/internal"
	"tally/internal/config"
	"tally/internal/events"
	"tally/internal/ingest"
	"tally/internal/pkg/geoip"
	"tally/internal/rebuild"
	"tally/internal/seeder"
	"tally/internal/sites"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&MigrateCommand{},
	&CreateSiteCommand{},
	&RebuildCommand{},
	&DiffCommand{},
	&SeedCommand{},
	&StatusCommand{},
	&HelpCommand{},
}

// Output and confirmation streams, replaced in tests.
var (
	stdout      io.Writer = os.Stdout
	stdin       io.Reader = os.Stdin
	interactive           = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
)

func main() {
	flag.Parse()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, initiating cleanup...", sig)
		cancel()
	}()

	cmdName, args := parseArgs()

	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}

	app, err := internal.NewApp()
	if err != nil {
		log.Printf("Warning: Failed to initialize app: %v", err)
		log.Println("Proceeding with limited functionality...")
	}

	err = cmd.Execute(ctx, app, args)

	if app != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		if serr := app.Shutdown(shutdownCtx); serr != nil {
			log.Printf("Warning: Cleanup error: %v", serr)
		}
		cancel()
	}

	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
	log.Printf("Command %s completed successfully", cmd.Name())
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot run migrations")
	}

	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Println("Migrations completed successfully")
	return nil
}

// CreateSiteCommand registers a site and prints its API key once.
type CreateSiteCommand struct{}

func (c *CreateSiteCommand) Name() string { return "create-site" }
func (c *CreateSiteCommand) Description() string {
	return "Registers a site: create-site <websiteId> <domain>"
}

func (c *CreateSiteCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s <websiteId> <domain>", c.Name())
	}
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot connect to database")
	}

	site, key, err := sites.CreateSite(app.DBManager.GetConnection(), slog.Default(), args[0], args[1])
	if err != nil {
		return fmt.Errorf("failed to create site: %w", err)
	}

	fmt.Fprintf(stdout, "Site %s (%s) created.\n", site.PublicID, site.Domain)
	fmt.Fprintf(stdout, "API key (shown once, store it now): %s\n", key)
	return nil
}

// windowFlags are shared by rebuild and diff.
type windowFlags struct {
	site string
	from string
	to   string
	days int
}

func (w *windowFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&w.site, "site", "", "websiteId to process (all sites if empty)")
	fs.StringVar(&w.from, "from", "", "first UTC day, YYYY-MM-DD (default: today minus days-1)")
	fs.StringVar(&w.to, "to", "", "UTC day after the last one, YYYY-MM-DD (overrides -days)")
	fs.IntVar(&w.days, "days", 1, "number of UTC days")
}

func (w *windowFlags) options(app *internal.Application, now time.Time) (rebuild.Options, error) {
	var opts rebuild.Options
	if w.days < 1 {
		return opts, fmt.Errorf("-days must be positive")
	}

	from := now.UTC().AddDate(0, 0, 1-w.days)
	if w.from != "" {
		parsed, err := time.Parse(time.DateOnly, w.from)
		if err != nil {
			return opts, fmt.Errorf("invalid -from: %w", err)
		}
		from = parsed
	}
	opts.From, opts.To = rebuild.Window(from, w.days)
	if w.to != "" {
		parsed, err := time.Parse(time.DateOnly, w.to)
		if err != nil {
			return opts, fmt.Errorf("invalid -to: %w", err)
		}
		opts.To = parsed
	}

	if w.site != "" {
		site, err := sites.GetSiteByPublicID(app.DBManager.GetConnection(), w.site)
		if err != nil {
			return opts, err
		}
		opts.SiteID = site.ID
	}
	return opts, nil
}

func (w *windowFlags) describe(opts rebuild.Options) string {
	scope := "all sites"
	if w.site != "" {
		scope = "site " + w.site
	}
	return fmt.Sprintf("%s, %s to %s", scope, opts.From.Format(time.DateOnly), opts.To.Format(time.DateOnly))
}

// RebuildCommand recomputes and replaces rollups from the raw event log.
type RebuildCommand struct{}

func (c *RebuildCommand) Name() string { return "rebuild" }
func (c *RebuildCommand) Description() string {
	return "Recomputes rollups of a window from raw events: rebuild [-site id] [-from day] [-days n|-to day] [-yes]"
}

func (c *RebuildCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	var window windowFlags
	window.register(fs)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot connect to database")
	}

	opts, err := window.options(app, time.Now())
	if err != nil {
		return err
	}

	if !*yes {
		ok, err := confirm(fmt.Sprintf("Rebuild replaces stored rollups for %s. Stop ingestion for this window first. Continue?", window.describe(opts)))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(stdout, "Aborted.")
			return nil
		}
	}

	result, err := engineFor(app).Run(ctx, opts)
	if err != nil {
		return err
	}
	return writeJSON(result)
}

// DiffCommand compares stored rollups with a recomputation without writing.
type DiffCommand struct{}

func (c *DiffCommand) Name() string { return "diff" }
func (c *DiffCommand) Description() string {
	return "Reports differences between stored and recomputed rollups: diff [-site id] [-from day] [-days n|-to day]"
}

func (c *DiffCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	var window windowFlags
	window.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot connect to database")
	}

	opts, err := window.options(app, time.Now())
	if err != nil {
		return err
	}
	opts.DryRun = true

	result, err := engineFor(app).Run(ctx, opts)
	if err != nil {
		return err
	}
	return writeJSON(result)
}

// SeedCommand ingests generated traffic for a site.
type SeedCommand struct{}

func (c *SeedCommand) Name() string        { return "seed" }
func (c *SeedCommand) Description() string { return "Ingests sample traffic: seed -site id [-sessions n] [-seed n]" }

func (c *SeedCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	siteID := fs.String("site", "", "websiteId to seed")
	sessions := fs.Int("sessions", 2500, "number of visits to generate")
	seed := fs.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	days := fs.Int("days", 30, "spread visits over this many trailing days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *siteID == "" {
		return fmt.Errorf("-site is required")
	}
	if app == nil {
		return fmt.Errorf("unable to initialise app")
	}

	site, err := sites.GetSiteByPublicID(app.DBManager.GetConnection(), *siteID)
	if err != nil {
		return err
	}

	cfg := config.GetConfig()
	logger := slog.Default()
	validator := ingest.NewValidator(cfg.IngestMaxBodyBytes, time.Duration(cfg.IngestFutureToleranceH)*time.Hour)
	ingestor := events.NewIngestor(app.DBManager, logger, events.NewNormalizer(geoip.NoopResolver{}, logger))

	s := seeder.NewSeeder(validator, ingestor, logger, *sessions, *seed)
	s.Days = *days
	stats, err := s.Seed(ctx, site)
	if err != nil {
		return err
	}
	return writeJSON(stats)
}

// StatusCommand implements a command to check the system status
type StatusCommand struct{}

// Name returns the command name
func (c *StatusCommand) Name() string {
	return "status"
}

// Description returns the command description
func (c *StatusCommand) Description() string {
	return "Shows the current system status"
}

// Execute implements the status command
func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("cannot check status: app initialization failed")
	}

	db := app.DBManager.GetConnection()
	all, err := sites.GetAllSites(db)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	fmt.Fprintln(stdout, "System Status:")
	fmt.Fprintln(stdout, "- Database: Connected")
	fmt.Fprintf(stdout, "- Sites: %d\n", len(all))

	sort.Slice(all, func(i, j int) bool { return all[i].PublicID < all[j].PublicID })
	for _, site := range all {
		count, err := events.CountEvents(db, site.ID)
		if err != nil {
			return fmt.Errorf("database error: %w", err)
		}
		fmt.Fprintf(stdout, "  - %s (%s): %d raw events\n", site.PublicID, site.Domain, count)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}
	stats := sqlDB.Stats()
	fmt.Fprintf(stdout, "- Max Open Connections: %d\n", stats.MaxOpenConnections)
	fmt.Fprintf(stdout, "- Open Connections: %d\n", stats.OpenConnections)
	fmt.Fprintf(stdout, "- In Use: %d\n", stats.InUse)
	fmt.Fprintf(stdout, "- Idle: %d\n", stats.Idle)
	return nil
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

// Name returns the command name
func (c *HelpCommand) Name() string {
	return "help"
}

// Description returns the command description
func (c *HelpCommand) Description() string {
	return "Shows usage information"
}

// Execute implements the help command
func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	printUsage(stdout)
	return nil
}

// Helper functions

func engineFor(app *internal.Application) *rebuild.Engine {
	return internal.NewRebuildEngine(config.GetConfig(), app.DBManager, slog.Default())
}

// confirm asks a yes/no question. Without a terminal there is nobody to
// answer, so destructive commands must pass -yes.
func confirm(question string) (bool, error) {
	if !interactive() {
		return false, errors.New("refusing to run without confirmation; pass -yes")
	}
	fmt.Fprintf(stdout, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := os.Args[1:]
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tallyctl [command] [args...]")
	fmt.Fprintln(w, "Available commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %s: %s\n", cmd.Name(), cmd.Description())
	}
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	printUsage(os.Stdout)
	os.Exit(1)
}
