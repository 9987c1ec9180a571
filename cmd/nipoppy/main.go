// Package main is the nipoppy command line tool.
//
// nipoppy creates and maintains a neuroimaging dataset: its directory tree,
// its global configuration and its tabular files (the manifest of expected
// visits and the doughnut tracking DICOM to BIDS conversion). Every table
// write goes through a backup store keeping timestamped snapshots, optionally
// recorded in git.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/ksid"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	apperrors "github.com/nipoppy/nipoppy/internal/errors"
)

// command is a sub-command. run receives the arguments following its name.
type command struct {
	help string
	run  func(ctx context.Context, args []string) error
}

var commands = map[string]command{
	"init":     {"Create a new dataset", cmdInit},
	"validate": {"Validate the dataset layout, configuration and tables", cmdValidate},
	"doughnut": {"Create or update the doughnut from the manifest", cmdDoughnut},
	"upsert":   {"Add or update one row of a table", cmdUpsert},
	"schema":   {"Print the JSON Schema of a table or of the configuration", cmdSchema},
	"history":  {"List the snapshots of a table, or print one", cmdHistory},
	"prune":    {"Remove old snapshots of a table", cmdPrune},
}

func main() {
	err := mainImpl()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	fmt.Fprintf(os.Stderr, "nipoppy: %v\n", err)
	os.Exit(apperrors.ExitCode(err))
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}
	if flag.NArg() == 0 {
		usage()
		return errors.New("missing command")
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		usage()
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
		ll.Set(slog.LevelInfo)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("invalid log level %q", *logLevel)
	}
	slog.SetDefault(newLogger(ll).With("run", ksid.NewID().String()))
	return cmd.run(ctx, flag.Args()[1:])
}

// newLogger returns a tint logger writing to stderr that drops zero-valued
// attributes.
func newLogger(ll *slog.LevelVar) *slog.Logger {
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case uint64:
				skip = t == 0
			case int64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "usage: nipoppy [flags] <command> [command flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(out, "  %-9s %s\n", name, commands[name].help)
	}
	_, _ = fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("nipoppy %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
