package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	apperrors "github.com/nipoppy/nipoppy/internal/errors"
)

// ErrAlreadyExists is returned by Scaffold when the dataset root exists.
var ErrAlreadyExists = apperrors.New(apperrors.ErrAlreadyExists, "dataset directory already exists")

// Asset names looked up by Scaffold. Missing assets are skipped.
const (
	AssetConfig         = "global_configs.json"
	AssetManifest       = "manifest.csv"
	AssetDescriptors    = "descriptors"
	AssetInvocations    = "invocations"
	AssetTrackerConfigs = "tracker_configs"
)

// Scaffold creates a new dataset at root: every layout directory with a
// README.md, the pipeline descriptors, invocations and tracker
// configurations found in assets, and the sample configuration and manifest.
func Scaffold(fsys billy.Filesystem, root string, l *Layout, assets fs.FS) error {
	if _, err := fsys.Lstat(root); err == nil {
		return fmt.Errorf("%s: %w", root, ErrAlreadyExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", root, err)
	}

	for _, d := range l.Dirs() {
		p := fsys.Join(root, d.Path)
		if err := fsys.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
		readme := "# " + path.Base(d.Path) + "\n\n" + d.Description + "\n"
		if err := util.WriteFile(fsys, fsys.Join(p, "README.md"), []byte(readme), 0o644); err != nil {
			return fmt.Errorf("failed to write README in %s: %w", p, err)
		}
	}
	slog.Info("Created an empty dataset", "root", root)

	for src, dst := range map[string]string{
		AssetDescriptors:    l.Descriptors,
		AssetInvocations:    l.Invocations,
		AssetTrackerConfigs: l.TrackerConfigs,
	} {
		if err := copyTree(fsys, assets, src, fsys.Join(root, dst)); err != nil {
			return err
		}
	}
	for src, dst := range map[string]string{
		AssetConfig:   l.Config,
		AssetManifest: l.Manifest,
	} {
		data, err := fs.ReadFile(assets, src)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read asset %s: %w", src, err)
		}
		p := fsys.Join(root, dst)
		if err := fsys.MkdirAll(fsys.Join(root, path.Dir(dst)), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
		if err := util.WriteFile(fsys, p, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", p, err)
		}
		slog.Info("Sample file copied, customize it for the dataset", "path", p)
	}
	return nil
}

// copyTree copies the files under src in assets into dst.
func copyTree(fsys billy.Filesystem, assets fs.FS, src, dst string) error {
	if _, err := fs.Stat(assets, src); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fs.WalkDir(assets, src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, src), "/")
		target := fsys.Join(dst, rel)
		if d.IsDir() {
			return fsys.MkdirAll(target, 0o755)
		}
		data, err := fs.ReadFile(assets, p)
		if err != nil {
			return fmt.Errorf("failed to read asset %s: %w", p, err)
		}
		if err := util.WriteFile(fsys, target, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
		slog.Debug("Copied asset", "path", target)
		return nil
	})
}
