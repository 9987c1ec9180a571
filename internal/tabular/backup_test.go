package tabular

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore returns a store rooted in a temporary directory whose clock
// advances one second per call.
func newTestStore(t *testing.T) (*BackupStore, string) {
	t.Helper()
	dir := t.TempDir()
	b := NewBackupStore(osfs.New(dir))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return b, dir
}

func TestBackupStoreSave(t *testing.T) {
	t.Run("FirstSave", func(t *testing.T) {
		b, dir := newTestStore(t)
		tbl := mustTable(t, testSchema(), Record{"id": "b"}, Record{"id": "a"})
		p, err := b.Save(tbl, "manifest.csv", SaveOptions{})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(".manifests", "manifest-20240301_120001.csv"), p)

		target, err := os.Readlink(filepath.Join(dir, "manifest.csv"))
		require.NoError(t, err)
		assert.Equal(t, p, target)

		data, err := util.ReadFile(b.fs, "manifest.csv")
		require.NoError(t, err)
		assert.Equal(t, "id,n,tags\na,,[]\nb,,[]\n", string(data), "rows are sorted by key")

		fi, err := os.Stat(filepath.Join(dir, p))
		require.NoError(t, err)
		assert.NotZero(t, fi.Mode().Perm()&0o040, "group readable")
	})

	t.Run("Idempotent", func(t *testing.T) {
		b, _ := newTestStore(t)
		tbl := mustTable(t, testSchema(), Record{"id": "a", "n": "1"}, Record{"id": "b", "tags": "['x']"})
		p, err := b.Save(tbl, "manifest.csv", SaveOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, p)

		shuffled := mustTable(t, testSchema(), Record{"id": "b", "tags": "['x']"}, Record{"id": "a", "n": "1"})
		p, err = b.Save(shuffled, "manifest.csv", SaveOptions{})
		require.NoError(t, err)
		assert.Empty(t, p)

		// Same content with other column and row orders.
		reordered, err := Read(strings.NewReader("tags,n,id\n['x'],,b\n[],1,a\n"), testSchema(), false)
		require.NoError(t, err)
		p, err = b.Save(reordered, "manifest.csv", SaveOptions{})
		require.NoError(t, err)
		assert.Empty(t, p)

		backups, err := b.Backups("manifest.csv", "")
		require.NoError(t, err)
		assert.Len(t, backups, 1)
	})

	t.Run("ListWithQuotes", func(t *testing.T) {
		b, _ := newTestStore(t)
		tbl := mustTable(t, testSchema(), Record{"id": "a", "tags": []string{"it's", `both ' and "`}})
		p, err := b.Save(tbl, "manifest.csv", SaveOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, p)
		p, err = b.Save(tbl, "manifest.csv", SaveOptions{})
		require.NoError(t, err)
		assert.Empty(t, p)
		got, err := Load(b.fs, "manifest.csv", testSchema(), true)
		require.NoError(t, err)
		assert.True(t, tbl.Equals(got))
	})

	t.Run("Changed", func(t *testing.T) {
		b, _ := newTestStore(t)
		first, err := b.Save(mustTable(t, testSchema(), Record{"id": "a"}), "manifest.csv", SaveOptions{})
		require.NoError(t, err)
		second, err := b.Save(mustTable(t, testSchema(), Record{"id": "a"}, Record{"id": "b"}), "manifest.csv", SaveOptions{})
		require.NoError(t, err)
		require.NotEqual(t, first, second)

		current, err := b.Current("manifest.csv")
		require.NoError(t, err)
		assert.Equal(t, second, current)

		backups, err := b.Backups("manifest.csv", "")
		require.NoError(t, err)
		assert.Equal(t, []string{first, second}, backups)

		got, err := Load(b.fs, "manifest.csv", testSchema(), true)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Len())
	})

	t.Run("TimestampCollision", func(t *testing.T) {
		b, _ := newTestStore(t)
		b.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
		p1, err := b.Save(mustTable(t, testSchema(), Record{"id": "a"}), "m.csv", SaveOptions{})
		require.NoError(t, err)
		p2, err := b.Save(mustTable(t, testSchema(), Record{"id": "b"}), "m.csv", SaveOptions{})
		require.NoError(t, err)
		p3, err := b.Save(mustTable(t, testSchema(), Record{"id": "c"}), "m.csv", SaveOptions{})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(".ms", "m-20240301_120000.csv"), p1)
		assert.Equal(t, filepath.Join(".ms", "m-20240301_120000_1.csv"), p2)
		assert.Equal(t, filepath.Join(".ms", "m-20240301_120000_2.csv"), p3)

		backups, err := b.Backups("m.csv", "")
		require.NoError(t, err)
		assert.Equal(t, []string{p1, p2, p3}, backups)
	})

	t.Run("Subdirectory", func(t *testing.T) {
		b, dir := newTestStore(t)
		p, err := b.Save(mustTable(t, testSchema(), Record{"id": "a"}), "a/b/doughnut.csv", SaveOptions{BackupDirName: "backups"})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("a", "b", "backups", "doughnut-20240301_120001.csv"), p)
		target, err := os.Readlink(filepath.Join(dir, "a", "b", "doughnut.csv"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("backups", "doughnut-20240301_120001.csv"), target)
	})

	t.Run("AbsolutePath", func(t *testing.T) {
		b, dir := newTestStore(t)
		p, err := b.Save(mustTable(t, testSchema(), Record{"id": "a"}), "m.csv", SaveOptions{AbsolutePath: true})
		require.NoError(t, err)
		target, err := os.Readlink(filepath.Join(dir, "m.csv"))
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(target))
		assert.Equal(t, filepath.Join(dir, p), target)

		current, err := b.Current("m.csv")
		require.NoError(t, err)
		assert.Equal(t, p, current)
	})

	t.Run("NoSort", func(t *testing.T) {
		b, _ := newTestStore(t)
		_, err := b.Save(mustTable(t, testSchema(), Record{"id": "b"}, Record{"id": "a"}), "m.csv", SaveOptions{NoSort: true})
		require.NoError(t, err)
		data, err := util.ReadFile(b.fs, "m.csv")
		require.NoError(t, err)
		assert.Equal(t, "id,n,tags\nb,,[]\na,,[]\n", string(data))
	})

	t.Run("UnusablePrevious", func(t *testing.T) {
		tests := []struct {
			name  string
			setup func(t *testing.T, b *BackupStore)
		}{
			{"malformed", func(t *testing.T, b *BackupStore) {
				require.NoError(t, util.WriteFile(b.fs, "m.csv", []byte("id,id\n"), 0o644))
			}},
			{"invalid", func(t *testing.T, b *BackupStore) {
				require.NoError(t, util.WriteFile(b.fs, "m.csv", []byte("id,n\n,x\n"), 0o644))
			}},
			{"duplicates", func(t *testing.T, b *BackupStore) {
				require.NoError(t, util.WriteFile(b.fs, "m.csv", []byte("id\na\na\n"), 0o644))
			}},
			{"dangling", func(t *testing.T, b *BackupStore) {
				require.NoError(t, b.fs.Symlink(".ms/gone.csv", "m.csv"))
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				b, _ := newTestStore(t)
				tt.setup(t, b)
				p, err := b.Save(mustTable(t, testSchema(), Record{"id": "a"}), "m.csv", SaveOptions{})
				require.NoError(t, err)
				assert.NotEmpty(t, p)
				got, err := Load(b.fs, "m.csv", testSchema(), true)
				require.NoError(t, err)
				assert.Equal(t, []any{"a"}, got.Column("id"))
			})
		}
	})

	t.Run("ReadFailurePropagates", func(t *testing.T) {
		b, _ := newTestStore(t)
		require.NoError(t, b.fs.MkdirAll("m.csv", 0o755))
		_, err := b.Save(mustTable(t, testSchema(), Record{"id": "a"}), "m.csv", SaveOptions{})
		require.Error(t, err)
		assert.False(t, isContentError(err))
		backups, err := b.Backups("m.csv", "")
		require.NoError(t, err)
		assert.Empty(t, backups)
	})
}

func TestBackupStoreCreate(t *testing.T) {
	b, _ := newTestStore(t)
	tbl := mustTable(t, testSchema(), Record{"id": "a"})
	p, err := b.Create(tbl, "m.csv", SaveOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, p)

	_, err = b.Create(tbl, "m.csv", SaveOptions{})
	assert.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestBackupStorePrune(t *testing.T) {
	b, _ := newTestStore(t)
	var saved []string
	for _, id := range []string{"a", "b", "c", "d"} {
		p, err := b.Save(mustTable(t, testSchema(), Record{"id": id}), "m.csv", SaveOptions{})
		require.NoError(t, err)
		saved = append(saved, p)
	}

	_, err := b.Prune("m.csv", "", 0)
	require.Error(t, err)

	removed, err := b.Prune("m.csv", "", 2)
	require.NoError(t, err)
	assert.Equal(t, saved[:2], removed)

	backups, err := b.Backups("m.csv", "")
	require.NoError(t, err)
	assert.Equal(t, saved[2:], backups)

	// The current snapshot survives even when it is the oldest.
	b.Now = func() time.Time { return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC) }
	old, err := b.Save(mustTable(t, testSchema(), Record{"id": "z"}), "m.csv", SaveOptions{})
	require.NoError(t, err)
	removed, err = b.Prune("m.csv", "", 1)
	require.NoError(t, err)
	assert.Equal(t, saved[2:], removed)
	backups, err = b.Backups("m.csv", "")
	require.NoError(t, err)
	assert.Equal(t, []string{old}, backups)
}

func TestBackupsMissingDir(t *testing.T) {
	b, _ := newTestStore(t)
	backups, err := b.Backups("nothing.csv", "")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestSplitName(t *testing.T) {
	stem, ext := splitName("manifest.csv")
	assert.Equal(t, "manifest", stem)
	assert.Equal(t, ".csv", ext)
	stem, ext = splitName("table.tar.gz")
	assert.Equal(t, "table", stem)
	assert.Equal(t, ".tar.gz", ext)
	stem, ext = splitName("plain")
	assert.Equal(t, "plain", stem)
	assert.Equal(t, "", ext)
}
