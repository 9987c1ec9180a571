// Persists tables as timestamped backups behind a canonical symlink.

package tabular

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
)

// DefaultTimestampFormat is the time layout embedded in backup file names.
const DefaultTimestampFormat = "20060102_150405"

// SaveOptions controls BackupStore.Save. The zero value writes a sorted
// snapshot into the default backup directory behind a relative link.
type SaveOptions struct {
	// BackupDirName is the backup directory, relative to the canonical
	// path's directory. Defaults to ".<stem>s", e.g. ".manifests".
	BackupDirName string
	// AbsolutePath makes the link target absolute instead of relative.
	AbsolutePath bool
	// NoSort skips sorting by key columns before comparing and writing.
	NoSort bool
}

// BackupStore writes table snapshots as
// <dir>/<backupDirName>/<stem>-<timestamp><ext> and keeps <dir>/<stem><ext>
// pointing at the latest one.
//
// Callers must serialize access to a given canonical path.
type BackupStore struct {
	fs billy.Filesystem
	// Now returns the time used in backup names.
	Now func() time.Time
	// TimestampFormat is the layout used in backup names.
	TimestampFormat string
}

// NewBackupStore returns a BackupStore over fsys.
func NewBackupStore(fsys billy.Filesystem) *BackupStore {
	return &BackupStore{
		fs:              fsys,
		Now:             time.Now,
		TimestampFormat: DefaultTimestampFormat,
	}
}

// Save writes t as a new backup and repoints canonical to it, unless the
// current snapshot at canonical already equals t.
//
// It returns the new backup path, or "" when nothing changed. A current
// snapshot that cannot be parsed or does not validate is treated as absent;
// any other failure to read it is returned.
func (b *BackupStore) Save(t *Table, canonical string, opts SaveOptions) (string, error) {
	next := t
	if !opts.NoSort {
		sorted, err := t.SortValues()
		if err != nil {
			return "", err
		}
		next = sorted
	}
	prev, err := b.previous(canonical, t.schema, !opts.NoSort)
	if err != nil {
		return "", err
	}
	if prev != nil && next.Equals(prev) {
		slog.Debug("Snapshot unchanged", "path", canonical)
		return "", nil
	}
	return b.write(next, canonical, opts)
}

// Create writes the first snapshot of canonical. It fails with
// ErrAlreadyExists if canonical is already populated.
func (b *BackupStore) Create(t *Table, canonical string, opts SaveOptions) (string, error) {
	if _, err := b.fs.Lstat(canonical); err == nil {
		return "", fmt.Errorf("%s: %w", canonical, ErrAlreadyExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to stat %s: %w", canonical, err)
	}
	next := t
	if !opts.NoSort {
		sorted, err := t.SortValues()
		if err != nil {
			return "", err
		}
		next = sorted
	}
	return b.write(next, canonical, opts)
}

// previous loads the current snapshot, or returns nil if there is none or it
// is unusable.
func (b *BackupStore) previous(canonical string, schema *Schema, sort bool) (*Table, error) {
	if _, err := b.fs.Lstat(canonical); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", canonical, err)
	}
	prev, err := Load(b.fs, canonical, schema, true)
	if err != nil {
		// A dangling link reports not-exist on open.
		if errors.Is(err, os.ErrNotExist) || isContentError(err) {
			slog.Debug("Ignoring unusable snapshot", "path", canonical, "err", err)
			return nil, nil
		}
		return nil, err
	}
	if sort {
		if prev, err = prev.SortValues(); err != nil {
			return nil, nil
		}
	}
	return prev, nil
}

func (b *BackupStore) write(t *Table, canonical string, opts SaveOptions) (string, error) {
	dir := filepath.Dir(canonical)
	stem, ext := splitName(filepath.Base(canonical))
	backupDir := b.fs.Join(dir, backupDirName(stem, opts.BackupDirName))
	if err := b.fs.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory %s: %w", backupDir, err)
	}

	ts := b.Now().Format(b.timestampFormat())
	backup, err := b.freeName(backupDir, stem+"-"+ts, ext)
	if err != nil {
		return "", err
	}
	if err := writeAtomic(b.fs, backup, t, 0o664); err != nil {
		return "", err
	}
	if err := chmod(b.fs, backup, 0o664); err != nil {
		return "", fmt.Errorf("failed to set permissions on %s: %w", backup, err)
	}

	target := backup
	if opts.AbsolutePath {
		target = string(filepath.Separator) + filepath.Clean(backup)
	} else if target, err = filepath.Rel(dir, backup); err != nil {
		return "", fmt.Errorf("failed to compute link target: %w", err)
	}

	// Create the new link beside the old one and rename it over, so that
	// readers see either the previous snapshot or the new one.
	tmpLink := canonical + ".tmp-" + ts
	_ = b.fs.Remove(tmpLink)
	if err := b.fs.Symlink(target, tmpLink); err != nil {
		return "", fmt.Errorf("failed to create link to %s: %w", backup, err)
	}
	if err := b.fs.Rename(tmpLink, canonical); err != nil {
		_ = b.fs.Remove(tmpLink)
		return "", fmt.Errorf("failed to repoint %s: %w", canonical, err)
	}
	slog.Info("Saved snapshot", "path", canonical, "backup", backup, "rows", t.Len())
	return backup, nil
}

// freeName returns the first unused path among base+ext, base_1+ext, ...
func (b *BackupStore) freeName(dir, base, ext string) (string, error) {
	for i := 0; ; i++ {
		name := base + ext
		if i > 0 {
			name = base + "_" + strconv.Itoa(i) + ext
		}
		p := b.fs.Join(dir, name)
		if _, err := b.fs.Lstat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return p, nil
			}
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}
	}
}

// Current returns the path of the backup canonical points to, or canonical
// itself when it is a regular file.
func (b *BackupStore) Current(canonical string) (string, error) {
	fi, err := b.fs.Lstat(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", canonical, err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return canonical, nil
	}
	target, err := b.fs.Readlink(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to read link %s: %w", canonical, err)
	}
	if filepath.IsAbs(target) {
		return strings.TrimPrefix(filepath.Clean(target), string(filepath.Separator)), nil
	}
	return filepath.Join(filepath.Dir(canonical), target), nil
}

// Backups lists the backups of canonical from oldest to newest.
func (b *BackupStore) Backups(canonical, dirName string) ([]string, error) {
	dir := filepath.Dir(canonical)
	stem, ext := splitName(filepath.Base(canonical))
	backupDir := b.fs.Join(dir, backupDirName(stem, dirName))
	entries, err := b.fs.ReadDir(backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", backupDir, err)
	}
	type backup struct {
		ts   string
		n    int
		path string
	}
	var found []backup
	prefix := stem + "-"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) || len(name) <= len(prefix)+len(ext) {
			continue
		}
		ts := name[len(prefix) : len(name)-len(ext)]
		n := 0
		if i := strings.LastIndexByte(ts, '_'); i >= 0 {
			if v, err := strconv.Atoi(ts[i+1:]); err == nil && len(ts[:i]) == len(b.timestampFormat()) {
				ts, n = ts[:i], v
			}
		}
		found = append(found, backup{ts: ts, n: n, path: b.fs.Join(backupDir, name)})
	}
	slices.SortFunc(found, func(x, y backup) int {
		return cmp.Or(strings.Compare(x.ts, y.ts), cmp.Compare(x.n, y.n))
	})
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.path
	}
	return out, nil
}

// Prune removes the oldest backups of canonical so that at most keep remain.
// The backup canonical points to is never removed. It returns the removed
// paths.
func (b *BackupStore) Prune(canonical, dirName string, keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("keep must be at least 1, got %d", keep)
	}
	backups, err := b.Backups(canonical, dirName)
	if err != nil {
		return nil, err
	}
	current, err := b.Current(canonical)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	var removed []string
	excess := len(backups) - keep
	for _, p := range backups {
		if excess <= 0 {
			break
		}
		if filepath.Clean(p) == filepath.Clean(current) {
			continue
		}
		if err := b.fs.Remove(p); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", p, err)
		}
		slog.Debug("Pruned backup", "path", p)
		removed = append(removed, p)
		excess--
	}
	return removed, nil
}

func (b *BackupStore) timestampFormat() string {
	if b.TimestampFormat == "" {
		return DefaultTimestampFormat
	}
	return b.TimestampFormat
}

// splitName splits "manifest.csv" into "manifest" and ".csv"; everything
// after the first dot is the extension.
func splitName(base string) (stem, ext string) {
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i], base[i:]
	}
	return base, ""
}

func backupDirName(stem, name string) string {
	if name != "" {
		return name
	}
	return "." + stem + "s"
}
