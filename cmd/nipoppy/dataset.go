package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/nipoppy/nipoppy/internal/config"
	"github.com/nipoppy/nipoppy/internal/history"
	"github.com/nipoppy/nipoppy/internal/layout"
	"github.com/nipoppy/nipoppy/internal/tables"
	"github.com/nipoppy/nipoppy/internal/tabular"
)

// Table kinds accepted by -kind.
const (
	kindManifest = "manifest"
	kindDoughnut = "doughnut"
	kindConfig   = "config"
)

// Identity used for commits when none is configured.
const (
	gitName  = "nipoppy"
	gitEmail = "nipoppy@localhost"
)

// dataset is an open dataset directory. Paths in fs are rooted at the
// dataset's parent directory so that init can create the dataset itself.
type dataset struct {
	dir    string
	root   string
	fs     billy.Filesystem
	layout *layout.Layout
	store  *tabular.BackupStore
}

func openDataset(dir, layoutFile string) (*dataset, error) {
	if dir == "" {
		return nil, errors.New("-dataset is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	l := layout.Default()
	if layoutFile != "" {
		p, err := filepath.Abs(layoutFile)
		if err != nil {
			return nil, err
		}
		if l, err = layout.Load(osfs.New(filepath.Dir(p)), filepath.Base(p)); err != nil {
			return nil, err
		}
	}
	fs := osfs.New(filepath.Dir(abs))
	return &dataset{
		dir:    abs,
		root:   filepath.Base(abs),
		fs:     fs,
		layout: l,
		store:  tabular.NewBackupStore(fs),
	}, nil
}

// path returns the filesystem path of a path relative to the dataset root.
func (d *dataset) path(p string) string {
	return d.fs.Join(d.root, p)
}

// rel returns a filesystem path relative to the dataset root.
func (d *dataset) rel(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), d.root+"/")
}

func (d *dataset) config() (*config.Config, error) {
	return config.Load(d.fs, d.path(d.layout.Config))
}

// table returns the schema and the canonical path, relative to the dataset
// root, of a table kind.
func (d *dataset) table(kind string, cfg *config.Config) (*tabular.Schema, string, error) {
	switch kind {
	case kindManifest:
		return tables.ManifestSchema(cfg.Sessions, cfg.Visits), d.layout.Manifest, nil
	case kindDoughnut:
		return tables.DoughnutSchema(cfg.Sessions, cfg.Visits), d.layout.Doughnut, nil
	default:
		return nil, "", fmt.Errorf("unknown table kind %q, expected %s or %s", kind, kindManifest, kindDoughnut)
	}
}

func (d *dataset) load(kind string, cfg *config.Config) (*tabular.Table, string, error) {
	schema, canonical, err := d.table(kind, cfg)
	if err != nil {
		return nil, "", err
	}
	t, err := tabular.Load(d.fs, d.path(canonical), schema, true)
	if err != nil {
		return nil, "", err
	}
	return t, canonical, nil
}

func (d *dataset) repo() (*history.Repo, error) {
	return history.Open(d.dir, gitName, gitEmail)
}

// save writes a new snapshot of t at canonical when its content changed. With
// git, the snapshot and the canonical link are committed with msg.
func (d *dataset) save(ctx context.Context, t *tabular.Table, canonical string, git bool, msg string) error {
	write := func() (string, error) {
		backup, err := d.store.Save(t, d.path(canonical), tabular.SaveOptions{})
		if err != nil {
			return "", err
		}
		if backup == "" {
			slog.Info("No changes", "path", canonical)
		}
		return backup, nil
	}
	if !git {
		_, err := write()
		return err
	}
	repo, err := d.repo()
	if err != nil {
		return err
	}
	return repo.CommitTx(ctx, history.Author{}, func() (string, []string, error) {
		backup, err := write()
		if err != nil || backup == "" {
			return "", nil, err
		}
		return msg, []string{d.rel(backup), canonical}, nil
	})
}
