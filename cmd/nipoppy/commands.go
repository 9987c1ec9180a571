package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	"github.com/invopop/jsonschema"

	"github.com/nipoppy/nipoppy/internal/config"
	apperrors "github.com/nipoppy/nipoppy/internal/errors"
	"github.com/nipoppy/nipoppy/internal/history"
	"github.com/nipoppy/nipoppy/internal/layout"
	"github.com/nipoppy/nipoppy/internal/tables"
	"github.com/nipoppy/nipoppy/internal/tabular"
)

//go:embed samples
var samples embed.FS

// stdout receives command output.
var stdout io.Writer = os.Stdout

// newFlagSet returns a flag set for a sub-command with the flags shared by
// every command working on a dataset.
func newFlagSet(name string) (flags *flag.FlagSet, dir, layoutFile *string) {
	flags = flag.NewFlagSet(name, flag.ContinueOnError)
	dir = flags.String("dataset", "", "Dataset directory")
	layoutFile = flags.String("layout", "", "YAML file overriding the default dataset layout")
	return flags, dir, layoutFile
}

func parseFlags(flags *flag.FlagSet, args []string) error {
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() > 0 {
		return fmt.Errorf("unknown arguments: %v", flags.Args())
	}
	return nil
}

// kinds expands an empty -kind into every table kind.
func kinds(kind string) []string {
	if kind == "" {
		return []string{kindManifest, kindDoughnut}
	}
	return []string{kind}
}

func cmdInit(ctx context.Context, args []string) error {
	flags, dir, layoutFile := newFlagSet("init")
	git := flags.Bool("git", false, "Initialize a git repository and commit the new dataset")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	d, err := openDataset(*dir, *layoutFile)
	if err != nil {
		return err
	}
	assets, err := sampleAssets()
	if err != nil {
		return err
	}
	if err := layout.Scaffold(d.fs, d.root, d.layout, assets); err != nil {
		return err
	}
	cfg, err := d.config()
	if err != nil {
		return err
	}
	schema, canonical, err := d.table(kindDoughnut, cfg)
	if err != nil {
		return err
	}
	backup, err := d.store.Create(tabular.New(schema), d.path(canonical), tabular.SaveOptions{})
	if err != nil {
		return err
	}
	if !*git {
		return nil
	}
	repo, err := d.repo()
	if err != nil {
		return err
	}
	return repo.CommitTx(ctx, history.Author{}, func() (string, []string, error) {
		return "Initialize dataset", []string{d.layout.Config, d.layout.Manifest, d.rel(backup), canonical}, nil
	})
}

func sampleAssets() (fs.FS, error) {
	return fs.Sub(samples, "samples")
}

func cmdValidate(ctx context.Context, args []string) error {
	flags, dir, layoutFile := newFlagSet("validate")
	kind := flags.String("kind", "", "Table to validate (manifest, doughnut); all when empty")
	file := flags.String("file", "", "Table file to validate instead of the dataset's, relative to the dataset; requires -kind")
	watch := flags.Bool("watch", false, "Validate again every time a table changes")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	if *file != "" && *kind == "" {
		return errors.New("-file requires -kind")
	}
	d, err := openDataset(*dir, *layoutFile)
	if err != nil {
		return err
	}
	files := map[string]string{}
	for _, k := range kinds(*kind) {
		if _, files[k], err = d.table(k, &config.Config{}); err != nil {
			return err
		}
		if *file != "" {
			files[k] = *file
		}
	}
	check := func() error {
		return d.validate(files, *file == "" && *kind == "")
	}
	if !*watch {
		return check()
	}
	return d.watch(ctx, files, check)
}

// validate checks the dataset layout when full is set, then the
// configuration and each table. Every failure is reported.
func (d *dataset) validate(files map[string]string, full bool) error {
	var errs []error
	if full {
		if err := d.layout.Validate(d.fs, d.root); err != nil {
			errs = append(errs, err)
		}
	}
	cfg, err := d.config()
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, k := range []string{kindManifest, kindDoughnut} {
		p, ok := files[k]
		if !ok {
			continue
		}
		schema, _, err := d.table(k, cfg)
		if err != nil {
			return err
		}
		t, err := tabular.Load(d.fs, d.path(p), schema, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		slog.Info("Valid", "kind", k, "path", p, "rows", t.Len())
	}
	return errors.Join(errs...)
}

// watch runs check once, then again on every change to one of the files,
// until ctx is canceled. Failures are logged.
func (d *dataset) watch(ctx context.Context, files map[string]string, check func() error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	names := map[string]bool{}
	for _, p := range files {
		full := filepath.Join(d.dir, filepath.FromSlash(p))
		names[full] = true
		// Snapshots replace the file with a rename, so watch its directory.
		if err := w.Add(filepath.Dir(full)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
	}
	report := func() {
		if err := check(); err != nil {
			slog.ErrorContext(ctx, "Validation failed", "err", err)
		}
	}
	report()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !names[filepath.Clean(event.Name)] || event.Has(fsnotify.Chmod) {
				continue
			}
			slog.DebugContext(ctx, "Changed", "path", event.Name, "op", event.Op.String())
			report()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching tables", "err", err)
		}
	}
}

func cmdDoughnut(ctx context.Context, args []string) error {
	flags, dir, layoutFile := newFlagSet("doughnut")
	empty := flags.Bool("empty", false, "Set every status to false instead of checking the dataset directories")
	regenerate := flags.Bool("regenerate", false, "Regenerate the doughnut from scratch instead of updating it")
	git := flags.Bool("git", false, "Commit the new snapshot")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	d, err := openDataset(*dir, *layoutFile)
	if err != nil {
		return err
	}
	cfg, err := d.config()
	if err != nil {
		return err
	}
	manifest, _, err := d.load(kindManifest, cfg)
	if err != nil {
		return err
	}
	schema, canonical, err := d.table(kindDoughnut, cfg)
	if err != nil {
		return err
	}
	g := &tables.Generator{
		FS:     d.fs,
		Schema: schema,
		Dirs: tables.StatusDirs{
			Downloaded: d.path(d.layout.RawDICOM),
			Organized:  d.path(d.layout.SourceData),
			Converted:  d.path(d.layout.BIDS),
		},
		Empty: *empty,
	}

	var doughnut *tabular.Table
	if !*regenerate {
		old, err := tabular.Load(d.fs, d.path(canonical), schema, true)
		switch {
		case err == nil:
			slog.Info("Updating doughnut", "rows", old.Len())
			if doughnut, err = g.Update(old, manifest); err != nil {
				return err
			}
		case errors.Is(err, os.ErrNotExist):
			slog.Info("No doughnut found", "path", canonical)
		default:
			return err
		}
	}
	if doughnut == nil {
		if doughnut, err = g.Generate(manifest); err != nil {
			return err
		}
	}
	slog.Info("Doughnut", "rows", doughnut.Len())
	return d.save(ctx, doughnut, canonical, *git, "Update doughnut")
}

// assignments collects repeated col=value flags.
type assignments tabular.Record

func (a assignments) String() string {
	parts := make([]string, 0, len(a))
	for k, v := range a {
		parts = append(parts, k+"="+tabular.FormatValue(v))
	}
	return strings.Join(parts, ",")
}

func (a assignments) Set(s string) error {
	col, value, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return fmt.Errorf("expected col=value, got %q", s)
	}
	a[col] = value
	return nil
}

func cmdUpsert(ctx context.Context, args []string) error {
	flags, dir, layoutFile := newFlagSet("upsert")
	kind := flags.String("kind", kindManifest, "Table to update (manifest, doughnut)")
	set := assignments{}
	flags.Var(set, "set", "Column value as col=value; repeat for each column")
	git := flags.Bool("git", false, "Commit the new snapshot")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	if len(set) == 0 {
		return errors.New("at least one -set is required")
	}
	d, err := openDataset(*dir, *layoutFile)
	if err != nil {
		return err
	}
	cfg, err := d.config()
	if err != nil {
		return err
	}
	t, canonical, err := d.load(*kind, cfg)
	if err != nil {
		return err
	}
	if err := t.AddOrUpdateRecords([]tabular.Record{tabular.Record(set)}, true); err != nil {
		return err
	}
	return d.save(ctx, t, canonical, *git, "Update "+t.Schema().Name+": "+set.String())
}

func cmdSchema(_ context.Context, args []string) error {
	flags, dir, layoutFile := newFlagSet("schema")
	kind := flags.String("kind", kindManifest, "Schema to print (manifest, doughnut, config)")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	var s *jsonschema.Schema
	if *kind == kindConfig {
		s = config.JSONSchema()
	} else {
		// Without a dataset, sessions and visits are unrestricted.
		cfg := &config.Config{}
		d := &dataset{layout: layout.Default()}
		if *dir != "" {
			var err error
			if d, err = openDataset(*dir, *layoutFile); err != nil {
				return err
			}
			if cfg, err = d.config(); err != nil {
				return err
			}
		}
		schema, _, err := d.table(*kind, cfg)
		if err != nil {
			return err
		}
		s = schema.JSONSchema()
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", data)
	return err
}

func cmdHistory(ctx context.Context, args []string) error {
	flags, dir, layoutFile := newFlagSet("history")
	kind := flags.String("kind", kindManifest, "Table (manifest, doughnut)")
	n := flags.Int("n", 20, "Maximum number of entries")
	git := flags.Bool("git", false, "List git commits instead of the snapshot files")
	show := flags.String("show", "", "Print the table as of this commit (or HEAD)")
	file := flags.String("path", "", "Dataset file, relative to the dataset, to use instead of -kind with -git or -show")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	if *file != "" && !*git && *show == "" {
		return errors.New("-path requires -git or -show")
	}
	d, err := openDataset(*dir, *layoutFile)
	if err != nil {
		return err
	}
	_, canonical, err := d.table(*kind, &config.Config{})
	if err != nil {
		return err
	}

	if *git || *show != "" {
		repo, err := d.repo()
		if err != nil {
			return err
		}
		target := canonical
		if *file != "" {
			target = filepath.ToSlash(filepath.Clean(*file))
		}
		if *show != "" {
			var data []byte
			if *file != "" {
				data, err = repo.FileAt(ctx, *show, target)
			} else {
				data, err = repo.SnapshotAt(ctx, *show, target)
			}
			if err != nil {
				return apperrors.New(apperrors.ErrNotFound, "snapshot not found").Wrap(err)
			}
			_, err = stdout.Write(data)
			return err
		}
		commits, err := repo.History(ctx, target, *n)
		if err != nil {
			return err
		}
		for _, c := range commits {
			if _, err := fmt.Fprintf(stdout, "%s %s %-12s %s\n", c.Hash[:12], c.AuthorDate.Format("2006-01-02 15:04:05"), c.Author, c.Message); err != nil {
				return err
			}
		}
		return nil
	}

	backups, err := d.store.Backups(d.path(canonical), "")
	if err != nil {
		return err
	}
	current, err := d.store.Current(d.path(canonical))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// Newest first.
	for i := len(backups) - 1; i >= 0 && len(backups)-i <= *n; i-- {
		mark := " "
		if backups[i] == current {
			mark = "*"
		}
		if _, err := fmt.Fprintf(stdout, "%s %s\n", mark, d.rel(backups[i])); err != nil {
			return err
		}
	}
	return nil
}

func cmdPrune(_ context.Context, args []string) error {
	flags, dir, layoutFile := newFlagSet("prune")
	kind := flags.String("kind", "", "Table to prune (manifest, doughnut); all when empty")
	keep := flags.Int("keep", 10, "Number of snapshots to keep")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	d, err := openDataset(*dir, *layoutFile)
	if err != nil {
		return err
	}
	for _, k := range kinds(*kind) {
		_, canonical, err := d.table(k, &config.Config{})
		if err != nil {
			return err
		}
		removed, err := d.store.Prune(d.path(canonical), "", *keep)
		if err != nil {
			return err
		}
		for _, p := range removed {
			if _, err := fmt.Fprintf(stdout, "%s\n", d.rel(p)); err != nil {
				return err
			}
		}
		slog.Info("Pruned", "kind", k, "removed", len(removed))
	}
	return nil
}
