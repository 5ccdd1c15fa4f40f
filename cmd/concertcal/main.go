package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"

	"concertcal/internal/config"
	appLog "concertcal/internal/log"
	"concertcal/internal/store"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

// globalFlags are accepted before the subcommand.
type globalFlags struct {
	configPath string
	logFile    string
	verbose    bool
}

const usage = `Usage: concertcal [--config venues.yaml] [--log-file logs/scraper.log] [-v] <command> [flags]

Scrape venue websites and add events to your calendar.

Commands:
  scrape    Scrape venues and add new events to the calendar
  list      List upcoming events from the database
  export    Export upcoming events to an .ics file
  watch     Scrape on a schedule and serve the event feed over HTTP
  version   Print the version
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var g globalFlags
	fset := flag.NewFlagSet("concertcal", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.Usage = func() { fmt.Fprint(stderr, usage) }
	fset.StringVar(&g.configPath, "config", "venues.yaml", "Path to config file")
	fset.StringVar(&g.logFile, "log-file", "logs/scraper.log", "Path to log file")
	fset.BoolVar(&g.verbose, "v", false, "Verbose console logging")
	fset.BoolVar(&g.verbose, "verbose", false, "Verbose console logging")
	if err := fset.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fset.NArg() == 0 {
		fset.Usage()
		return 2
	}
	cmd, rest := fset.Arg(0), fset.Args()[1:]

	if cmd == "version" {
		fmt.Fprintf(stdout, "concertcal %s\n", version)
		return 0
	}

	loadDotenv(".env", stderr)

	level := appLog.LevelInfo
	if g.verbose {
		level = appLog.LevelDebug
	}
	if err := appLog.Setup(appLog.Options{File: g.logFile, Console: g.verbose, Level: level}); err != nil {
		fmt.Fprintf(stderr, "failed to open log file %s: %v\n", g.logFile, err)
		return 1
	}
	defer appLog.Close()

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	var err error
	switch cmd {
	case "scrape":
		err = cmdScrape(ctx, g, rest, stdout)
	case "list":
		err = cmdList(ctx, g, rest, stdout)
	case "export":
		err = cmdExport(ctx, g, rest, stdout)
	case "watch":
		err = cmdWatch(ctx, g, rest, stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		fset.Usage()
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintln(stderr, err)
		appLog.Error("command failed", err, "command", cmd)
		return 1
	}
	return 0
}

// loadDotenv loads KEY=value pairs from path. Variables already set in the
// environment win.
func loadDotenv(path string, stderr io.Writer) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "warning: could not read %s: %v\n", path, err)
	}
}

// app holds what every data command needs.
type app struct {
	cfg     *config.Config
	backend config.Backend
	store   *store.Store
}

func openApp(ctx context.Context, g globalFlags) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	backend := cfg.ResolveBackend(runtime.GOOS)

	appLog.Info("effective config",
		"config_path", g.configPath,
		"calendar", cfg.CalendarName,
		"backend", string(backend),
		"llm_backend", string(cfg.LLMBackend),
		"db_path", cfg.DBPath,
		"venues", len(cfg.Venues),
		"timezone", cfg.Timezone,
	)

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, backend: backend, store: st}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("close store", err)
	}
}
